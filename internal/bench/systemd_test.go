package bench

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/remote/remotetest"
	"github.com/m-lab/vpnbench/pkg/model"
)

func TestSystemd(t *testing.T) {
	fake := remotetest.New()
	var mu sync.Mutex
	fake.Handler = func(machine string, argv []string) (remote.Result, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		cmd := strings.Join(argv, " ")
		switch {
		case strings.HasPrefix(cmd, "sudo systemctl stop zerotierone"):
			// Not installed on this fleet.
			res := remote.Result{ExitCode: 5, Stderr: "Unit zerotierone.service not loaded."}
			return res, true, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
		case strings.HasPrefix(cmd, "sudo journalctl"):
			if machine == "m2" {
				return remote.Result{}, true, remotetest.ErrUnreachable
			}
			return remote.Result{Stdout: "started nebula"}, true, nil
		}
		return remote.Result{}, false, nil
	}
	s := &Systemd{Runner: fake, Sudo: true}
	machines := []string{"m1", "m2"}
	ctx := context.Background()

	if err := s.Install(ctx, model.VPNNebula, machines); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	calls := fake.Calls("m1")
	last := strings.Join(calls[len(calls)-1], " ")
	if last != "sudo systemctl enable --now nebula@vpnbench" {
		t.Errorf("last Install command = %q", last)
	}
	for _, c := range calls[:len(calls)-1] {
		if strings.Contains(strings.Join(c, " "), "nebula") {
			t.Errorf("Install stopped its own unit: %v", c)
		}
	}

	if err := s.Restart(ctx, model.VPNNebula, machines); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	calls = fake.Calls("m2")
	if got := strings.Join(calls[len(calls)-1], " "); got != "sudo systemctl restart nebula@vpnbench" {
		t.Errorf("Restart command = %q", got)
	}

	logs := s.ServiceLogs(ctx, model.VPNNebula, machines)
	if len(logs) != 1 || logs["m1"] != "started nebula" {
		t.Errorf("ServiceLogs() = %v", logs)
	}

	// The reference network has no unit to restart.
	before := len(fake.Calls("m1"))
	if err := s.Restart(ctx, model.VPNInternal, machines); err != nil {
		t.Errorf("Restart(internal) error = %v", err)
	}
	if len(fake.Calls("m1")) != before {
		t.Error("Restart(internal) ran a command")
	}
}

func TestSystemd_InstallFailure(t *testing.T) {
	fake := remotetest.New()
	fake.Unreachable("m2")
	s := &Systemd{Runner: fake}
	err := s.Install(context.Background(), model.VPNWireguard, []string{"m1", "m2"})
	if err == nil || !strings.Contains(err.Error(), "m2") {
		t.Errorf("Install() error = %v, want failure on m2", err)
	}
}

func TestSystemd_BoundedParallelism(t *testing.T) {
	fake := remotetest.New()
	var (
		mu       sync.Mutex
		inflight int
		peak     int
	)
	fake.Handler = func(machine string, argv []string) (remote.Result, bool, error) {
		mu.Lock()
		inflight++
		peak = max(peak, inflight)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return remote.Result{}, true, nil
	}
	s := &Systemd{Runner: fake, Parallelism: 2}
	machines := []string{"m1", "m2", "m3", "m4", "m5", "m6"}

	if err := s.Restart(context.Background(), model.VPNNebula, machines); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if peak > 2 {
		t.Errorf("%d machines restarted at once, want at most 2", peak)
	}
	for _, m := range machines {
		if len(fake.Calls(m)) != 1 {
			t.Errorf("%s: %d calls, want 1", m, len(fake.Calls(m)))
		}
	}
}

func TestClassify(t *testing.T) {
	if got := classify(&remote.ExitError{}); got != model.ErrorTypeCmdOut {
		t.Errorf("classify(ExitError) = %s", got)
	}
	if got := classify(remotetest.ErrUnreachable); got != model.ErrorTypeClan {
		t.Errorf("classify(transport) = %s", got)
	}
}
