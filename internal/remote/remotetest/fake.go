// Package remotetest provides an in-memory remote.Runner that emulates the
// traffic-control state of a set of machines.
package remotetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/m-lab/vpnbench/internal/remote"
)

// ErrUnreachable is returned for machines marked as unreachable.
var ErrUnreachable = errors.New("machine unreachable")

// Fake is a remote.Runner keeping one qdisc stack per machine. Commands that
// are not traffic-control related succeed with empty output unless a Handler
// is installed.
type Fake struct {
	// Iface is the interface reported as the default route. Defaults to
	// "eth0".
	Iface string
	// Handler, if set, is called before the built-in emulation. If it
	// returns handled=true its result is used as is.
	Handler func(machine string, argv []string) (res remote.Result, handled bool, err error)

	mu          sync.Mutex
	qdiscs      map[string][]string
	calls       map[string][][]string
	failAdd     map[string]bool
	unreachable map[string]bool
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Iface:       "eth0",
		qdiscs:      map[string][]string{},
		calls:       map[string][][]string{},
		failAdd:     map[string]bool{},
		unreachable: map[string]bool{},
	}
}

// FailAdd makes every "tc qdisc add" on machine fail.
func (f *Fake) FailAdd(machine string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAdd[machine] = true
}

// Unreachable makes every command on machine fail at the transport level.
func (f *Fake) Unreachable(machine string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[machine] = true
}

// SetQdiscs forces the qdisc stack of machine, e.g. to simulate leftovers.
func (f *Fake) SetQdiscs(machine string, kinds ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qdiscs[machine] = kinds
}

// Qdiscs returns the installed qdisc kinds on machine, root first.
func (f *Fake) Qdiscs(machine string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.qdiscs[machine]...)
}

// Calls returns every argv run on machine, in order.
func (f *Fake) Calls(machine string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls[machine]...)
}

// Run implements remote.Runner.
func (f *Fake) Run(ctx context.Context, machine string, argv ...string) (remote.Result, error) {
	f.mu.Lock()
	f.calls[machine] = append(f.calls[machine], argv)
	unreachable := f.unreachable[machine]
	f.mu.Unlock()

	if unreachable {
		return remote.Result{}, fmt.Errorf("%s: %w", machine, ErrUnreachable)
	}
	if f.Handler != nil {
		if res, ok, err := f.Handler(machine, argv); ok {
			return res, err
		}
	}
	if len(argv) > 0 && argv[0] == "sudo" {
		argv = argv[1:]
	}
	cmd := strings.Join(argv, " ")
	switch {
	case strings.HasPrefix(cmd, "ip -o route show default"):
		return remote.Result{Stdout: fmt.Sprintf("default via 10.0.0.1 dev %s proto dhcp metric 100\n", f.Iface)}, nil
	case strings.HasPrefix(cmd, "tc qdisc del"):
		return f.del(machine, argv)
	case strings.HasPrefix(cmd, "tc qdisc add"):
		return f.add(machine, argv)
	case strings.HasPrefix(cmd, "tc qdisc show"):
		return f.show(machine), nil
	}
	return remote.Result{}, nil
}

func (f *Fake) del(machine string, argv []string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.qdiscs[machine]) == 0 {
		res := remote.Result{ExitCode: 2, Stderr: "Error: Cannot delete qdisc with handle of zero.\n"}
		return res, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
	}
	delete(f.qdiscs, machine)
	return remote.Result{}, nil
}

func (f *Fake) add(machine string, argv []string) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd[machine] {
		res := remote.Result{ExitCode: 2, Stderr: "Error: Exclusivity flag on, cannot modify.\n"}
		return res, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
	}
	var kind string
	for _, k := range []string{"netem", "tbf"} {
		for _, a := range argv {
			if a == k {
				kind = k
			}
		}
	}
	isRoot := false
	for _, a := range argv {
		if a == "root" {
			isRoot = true
		}
	}
	if isRoot && len(f.qdiscs[machine]) > 0 {
		res := remote.Result{ExitCode: 2, Stderr: "Error: Exclusivity flag on, cannot modify.\n"}
		return res, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
	}
	f.qdiscs[machine] = append(f.qdiscs[machine], kind)
	return remote.Result{}, nil
}

func (f *Fake) show(machine string) remote.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.qdiscs[machine]) == 0 {
		return remote.Result{Stdout: "qdisc fq_codel 0: root refcnt 2 limit 10240p\n"}
	}
	var b strings.Builder
	for i, k := range f.qdiscs[machine] {
		if i == 0 {
			fmt.Fprintf(&b, "qdisc %s 1: root refcnt 2\n", k)
		} else {
			fmt.Fprintf(&b, "qdisc %s 10: parent 1:1\n", k)
		}
	}
	return remote.Result{Stdout: b.String()}
}
