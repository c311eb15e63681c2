// Package bench drives the benchmark matrix: every test, on every machine
// pair, under every network profile, for every VPN.
package bench

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/vpnbench/internal/metrics"
	"github.com/m-lab/vpnbench/internal/netem"
	"github.com/m-lab/vpnbench/internal/persistence"
	"github.com/m-lab/vpnbench/internal/progress"
	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/retry"
	"github.com/m-lab/vpnbench/internal/timing"
	"github.com/m-lab/vpnbench/pkg/model"
)

// VPNManager deploys and restarts VPNs on the fleet.
type VPNManager interface {
	Install(ctx context.Context, vpn model.VPN, machines []string) error
	Restart(ctx context.Context, vpn model.VPN, machines []string) error
	// ServiceLogs returns the VPN service logs per machine.
	ServiceLogs(ctx context.Context, vpn model.VPN, machines []string) map[string]string
}

// TestRunner runs one test from source to target and returns the
// family-specific data object.
type TestRunner interface {
	Run(ctx context.Context, test model.TestKind, vpn model.VPN, source, target string) (interface{}, error)
}

// Impairer applies a network profile for the duration of fn.
type Impairer interface {
	Apply(ctx context.Context, machines []string, p model.NetworkProfile, fn func(ctx context.Context) error) error
}

// Waiter waits for target to be reachable from source.
type Waiter interface {
	Wait(ctx context.Context, source, target string) (time.Duration, error)
}

// VPNFailure is the failure of the benchmark of one VPN.
type VPNFailure struct {
	VPN model.VPN
	Err error
}

// MatrixError lists the VPNs whose benchmark failed.
type MatrixError struct {
	Failures []VPNFailure
}

func (e *MatrixError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = fmt.Sprintf("%s: %v", f.VPN, f.Err)
	}
	return fmt.Sprintf("%d VPN(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

// Unwrap returns the error of every failure.
func (e *MatrixError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Driver runs the benchmark matrix. Every field is required.
type Driver struct {
	VPNs     []model.VPN
	Profiles []model.NetworkProfile
	Tests    []model.TestKind
	Machines []string

	// TCStabilization is the pause after applying a profile.
	TCStabilization time.Duration
	RestartPolicy   retry.Policy
	TestPolicy      retry.Policy

	Results  *persistence.Tree
	Impairer Impairer
	Manager  VPNManager
	Runner   TestRunner
	Waiter   Waiter
	Progress *progress.Tracker
}

// Run benchmarks every VPN in turn. The failure of one VPN is logged and
// does not stop the others; Run then returns a *MatrixError. Cancelling ctx
// stops the matrix between steps.
func (d *Driver) Run(ctx context.Context) error {
	aliases := make([]string, len(d.Profiles))
	for i, p := range d.Profiles {
		aliases[i] = p.Alias
	}
	d.Progress.Initialize(d.VPNs, aliases, d.Tests, d.Machines)

	var failures []VPNFailure
	for i, vpn := range d.VPNs {
		if ctx.Err() != nil {
			break
		}
		d.Progress.StartVPN(vpn, i)
		d.Progress.Logf("benchmarking %s (%d/%d)", vpn, i+1, len(d.VPNs))
		if err := d.runVPN(ctx, vpn); err != nil {
			log.Error("benchmark failed", "vpn", vpn, "error", err)
			failures = append(failures, VPNFailure{VPN: vpn, Err: err})
		}
		if i == len(d.VPNs)-1 {
			d.Progress.CompleteVPN()
		}
	}
	d.Progress.SetPhase("done")

	for _, f := range failures {
		d.Progress.Logf("FAILED %s: %v", f.VPN, f.Err)
	}
	d.Progress.Logf("%d of %d VPNs completed successfully", len(d.VPNs)-len(failures), len(d.VPNs))

	var err error
	if len(failures) > 0 {
		err = &MatrixError{Failures: failures}
	}
	if ctx.Err() != nil {
		return errors.Join(ctx.Err(), err)
	}
	return err
}

// runVPN benchmarks vpn under every profile. The timing breakdown is
// written whatever the outcome.
func (d *Driver) runVPN(ctx context.Context, vpn model.VPN) (err error) {
	tr := timing.New(string(vpn))
	defer func() {
		b, ferr := tr.Finalize()
		rtx.PanicOnError(ferr, "timing tracker misuse for %s", vpn)
		if _, werr := d.Results.WriteJSON(b, string(vpn), model.TimingBreakdownFile); werr != nil {
			log.Error("cannot write timing breakdown", "vpn", vpn, "error", werr)
			err = errors.Join(err, werr)
		}
	}()

	err = tr.Phase(model.PhaseInstall, func() error {
		d.Progress.SetPhase("installing " + string(vpn))
		return tr.Operation(model.OpVPNInstall, func() error {
			return d.Manager.Install(ctx, vpn, d.Machines)
		})
	})
	if err != nil {
		return fmt.Errorf("install: %w", err)
	}

	for j, p := range d.Profiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.Progress.StartProfile(p.Alias, j)
		err := tr.Phase(model.PhaseProfilePrefix+p.Alias, func() error {
			return d.runProfile(ctx, tr, vpn, p)
		})
		if err != nil {
			return fmt.Errorf("profile %s: %w", p.Alias, err)
		}
	}
	return nil
}

// runProfile runs every test on every machine pair with p applied.
func (d *Driver) runProfile(ctx context.Context, tr *timing.Tracker, vpn model.VPN, p model.NetworkProfile) error {
	d.Progress.SetPhase("applying " + p.Alias)
	start := time.Now()
	applied := false
	err := d.Impairer.Apply(ctx, d.Machines, p, func(ctx context.Context) error {
		applied = true
		rtx.PanicOnError(tr.Record(model.OpTCApply, start, time.Since(start), nil), "timing tracker misuse")

		if _, err := d.Results.WriteJSON(netem.Settings(p), string(vpn), p.Alias, model.SettingsFile); err != nil {
			return err
		}
		err := tr.Operation(model.OpTCStabilization, func() error {
			return sleep(ctx, d.TCStabilization)
		})
		if err != nil {
			return err
		}

		// Only the finest position is completed: the next Start* carries the
		// count, so completed steps never step back.
		pairs := d.Progress.Pairs()
		for k, test := range d.Tests {
			d.Progress.StartTest(test, k)
			for m, pair := range pairs {
				if err := ctx.Err(); err != nil {
					return err
				}
				d.Progress.StartMachine(pair, m)
				id := model.RunIdentity{
					VPN:     vpn,
					Profile: p.Alias,
					Test:    test,
					Source:  pair.Source,
					Target:  pair.Target,
				}
				if err := d.runCell(ctx, id); err != nil {
					return err
				}
				d.Progress.CompleteMachine()
			}
		}
		return nil
	})
	if !applied {
		rtx.PanicOnError(tr.Record(model.OpTCApply, start, time.Since(start), err), "timing tracker misuse")
	}
	return err
}

// runCell runs one test between one machine pair and persists its result.
// Test failures are recorded in the result file; only failures of the
// whole fleet, or cancellation, are returned.
func (d *Driver) runCell(ctx context.Context, id model.RunIdentity) error {
	var meta model.Meta
	d.Progress.SetPhase(fmt.Sprintf("restarting %s", id.VPN))
	start := time.Now()
	attempts, err := retry.Run(ctx, d.RestartPolicy, func(ctx context.Context) error {
		return d.Manager.Restart(ctx, id.VPN, d.Machines)
	})
	meta.VPNRestartAttempts = attempts
	meta.VPNRestartDurationSeconds = time.Since(start).Seconds()
	if err != nil {
		if ctx.Err() == nil {
			d.persist(id, model.NewFailure(model.ErrorTypeClan, model.ErrorDetail{
				Description: "vpn restart failed",
				Msg:         err.Error(),
				Location:    "restart",
			}, meta))
		}
		return fmt.Errorf("restart: %w", err)
	}

	d.Progress.SetPhase(fmt.Sprintf("waiting for %s to reach %s", id.Source, id.Target))
	wait, err := d.Waiter.Wait(ctx, id.Source, id.Target)
	meta.ConnectivityWaitDurationSeconds = wait.Seconds()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		meta.ServiceLogs = d.Manager.ServiceLogs(ctx, id.VPN, d.Machines)
		d.persist(id, model.NewFailure(model.ErrorTypeClan, model.ErrorDetail{
			Description: "connectivity check failed",
			Msg:         err.Error(),
			Location:    id.Source,
		}, meta))
		return nil
	}

	d.Progress.SetPhase(fmt.Sprintf("running %s %s->%s", id.Test, id.Source, id.Target))
	start = time.Now()
	out, err := retry.Do(ctx, d.TestPolicy, func(ctx context.Context) (interface{}, error) {
		return d.Runner.Run(ctx, id.Test, id.VPN, id.Source, id.Target)
	})
	meta.TestAttempts = out.Attempts
	meta.DurationSeconds = time.Since(start).Seconds()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	var result model.TestResult
	if err == nil {
		result, err = model.NewSuccess(out.Value, meta)
	}
	if err != nil {
		meta.ServiceLogs = d.Manager.ServiceLogs(ctx, id.VPN, d.Machines)
		result = model.NewFailure(classify(err), model.ErrorDetail{
			Description: fmt.Sprintf("%s failed", id.Test),
			Msg:         err.Error(),
			Location:    id.Source,
		}, meta)
	}
	d.persist(id, result)
	return nil
}

func (d *Driver) persist(id model.RunIdentity, r model.TestResult) {
	status := r.Outcome.Status()
	metrics.TestResults.WithLabelValues(string(id.Test), string(status)).Inc()
	if _, err := d.Results.WriteResult(id, r); err != nil {
		log.Error("cannot write result", "vpn", id.VPN, "profile", id.Profile,
			"test", id.Test, "source", id.Source, "error", err)
		return
	}
	if f, ok := r.Outcome.(model.Failure); ok {
		d.Progress.Logf("%s %s %s->%s failed: %s", id.VPN, id.Test, id.Source, id.Target, f.Detail)
	}
}

// classify maps a test error to the result error type: commands that ran
// and failed are CmdOut, anything else is a tooling failure.
func classify(err error) model.ErrorType {
	var ee *remote.ExitError
	if errors.As(err, &ee) {
		return model.ErrorTypeCmdOut
	}
	return model.ErrorTypeClan
}

// sleep waits for d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
