// Package remote defines how vpnbench runs commands on fleet machines.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds a single remote command.
const DefaultTimeout = 2 * time.Minute

// Result is the output of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner runs argv on machine. A command that ran but exited with a non-zero
// status returns its Result together with an *ExitError.
type Runner interface {
	Run(ctx context.Context, machine string, argv ...string) (Result, error)
}

// ExitError reports a command that exited with a non-zero status.
type ExitError struct {
	Machine string
	Argv    []string
	Result  Result
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %q exited with status %d: %s", e.Machine,
		strings.Join(e.Argv, " "), e.Result.ExitCode, strings.TrimSpace(e.Result.Stderr))
}

// SSH runs commands through the system ssh client.
type SSH struct {
	// User is the remote login. If empty, ssh's default is used.
	User string
	// Port is the remote port. If zero, ssh's default is used.
	Port int
	// IdentityFile is the private key to authenticate with.
	IdentityFile string
	// Options are extra "-o" options, e.g. "StrictHostKeyChecking=no".
	Options []string
	// Timeout bounds each command. If zero, DefaultTimeout is used.
	Timeout time.Duration
}

// Args returns the ssh arguments used to run argv on machine.
func (s *SSH) Args(machine string, argv []string) []string {
	args := []string{"-o", "BatchMode=yes"}
	for _, o := range s.Options {
		args = append(args, "-o", o)
	}
	if s.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.Port))
	}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	host := machine
	if s.User != "" {
		host = s.User + "@" + machine
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quote(a)
	}
	return append(args, host, "--", strings.Join(quoted, " "))
}

// Run implements Runner. Cancelling ctx does not interrupt a command that
// has already started; only the timeout does.
func (s *SSH) Run(ctx context.Context, machine string, argv ...string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ssh", s.Args(machine, argv)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.ExitCode()
		// ssh itself exits with 255 on connection failures.
		if res.ExitCode == 255 {
			return res, fmt.Errorf("ssh %s: %w: %s", machine, err, strings.TrimSpace(res.Stderr))
		}
		return res, &ExitError{Machine: machine, Argv: argv, Result: res}
	}
	if err != nil {
		return res, fmt.Errorf("ssh %s: %w", machine, err)
	}
	return res, nil
}

// quote single-quotes s for a POSIX shell unless it is made only of safe
// characters.
func quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			strings.ContainsRune("-_./:=@%+,", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
