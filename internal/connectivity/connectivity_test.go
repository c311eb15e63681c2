package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/remote/remotetest"
	"github.com/m-lab/vpnbench/internal/retry"
)

func fastPolicy(retries int) retry.Policy {
	return retry.Policy{
		Name:         "connectivity",
		MaxRetries:   retries,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func TestRemote_Probe(t *testing.T) {
	fake := remotetest.New()
	replies := 0
	fake.Handler = func(machine string, argv []string) (remote.Result, bool, error) {
		if argv[0] != "ping" {
			return remote.Result{}, false, nil
		}
		if argv[len(argv)-1] != "10.0.0.2" {
			t.Errorf("pinged %v", argv)
		}
		replies++
		if replies < 3 {
			res := remote.Result{ExitCode: 1}
			return res, true, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
		}
		return remote.Result{Stdout: "1 packets transmitted, 1 received"}, true, nil
	}
	w := &Waiter{Prober: Remote{Runner: fake}, Policy: fastPolicy(3)}

	d, err := w.Wait(context.Background(), "m1", "10.0.0.2")
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if d <= 0 {
		t.Errorf("Wait() duration = %v", d)
	}
	if replies != 3 {
		t.Errorf("probed %d times, want 3", replies)
	}
}

func TestWaiter_Exhausted(t *testing.T) {
	fake := remotetest.New()
	fake.Handler = func(machine string, argv []string) (remote.Result, bool, error) {
		res := remote.Result{ExitCode: 1}
		return res, true, &remote.ExitError{Machine: machine, Argv: argv, Result: res}
	}
	w := &Waiter{Prober: Remote{Runner: fake}, Policy: fastPolicy(2)}

	_, err := w.Wait(context.Background(), "m1", "m2")
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("Wait() error = %v, want ErrUnreachable", err)
	}
	if retry.Attempts(err) != 3 {
		t.Errorf("Attempts() = %d, want 3", retry.Attempts(err))
	}
}

func TestRemote_TransportError(t *testing.T) {
	fake := remotetest.New()
	fake.Unreachable("m1")
	err := Remote{Runner: fake}.Probe(context.Background(), "m1", "m2")
	if !errors.Is(err, remotetest.ErrUnreachable) || errors.Is(err, ErrUnreachable) {
		t.Errorf("Probe() error = %v, want transport error", err)
	}
}

func TestICMP_InvalidTarget(t *testing.T) {
	err := ICMP{Count: 1, Timeout: 100 * time.Millisecond}.Probe(context.Background(), "", "invalid..host..name.")
	if err == nil {
		t.Error("Probe() succeeded for an invalid host")
	}
}

func TestICMP_MeasureInvalidTarget(t *testing.T) {
	set, err := ICMP{Count: 1, Timeout: 100 * time.Millisecond}.Measure(context.Background(), "invalid..host..name.")
	if err == nil || set != nil {
		t.Errorf("Measure() = %v, %v; want error", set, err)
	}
}
