// Package netem applies traffic-control impairment profiles to a set of
// machines.
//
// Apply is scoped: whatever happens inside it, including a panic or a
// cancelled context, the impairment is removed from every machine before it
// returns. Since only one profile is ever active, this is the only
// protection the shared shaping state of the fleet needs.
package netem

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/vpnbench/internal/metrics"
	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/pkg/model"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultParallelism bounds the number of machines configured at once.
	DefaultParallelism = 8

	// clearTimeout bounds the cleanup run after the scope ends. It does not
	// depend on the caller's context, which may already be cancelled.
	clearTimeout = 2 * time.Minute

	ifaceTTL = 10 * time.Minute
)

// ErrNoDefaultRoute is returned when a machine has no default route.
var ErrNoDefaultRoute = errors.New("no default route")

// Controller applies and clears impairment profiles.
type Controller struct {
	// Parallelism bounds the number of machines configured concurrently.
	Parallelism int
	// Sudo prefixes every tc command with sudo.
	Sudo bool

	runner remote.Runner
	ifaces *ttlcache.Cache[string, string]
}

// New returns a Controller running tc through runner.
func New(runner remote.Runner) *Controller {
	return &Controller{
		Parallelism: DefaultParallelism,
		runner:      runner,
		ifaces: ttlcache.New(
			ttlcache.WithTTL[string, string](ifaceTTL),
		),
	}
}

// Apply installs profile on every machine, runs fn, and clears the
// impairment from every machine whatever the outcome. If installing fails
// on any machine fn is not run; the cleanup still covers the whole set.
// A cleanup failure is reported only when nothing else failed.
func (c *Controller) Apply(ctx context.Context, machines []string, profile model.NetworkProfile,
	fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clearTimeout)
		defer cancel()
		cerr := c.Clear(clearCtx, machines)
		if cerr != nil {
			log.Error("failed to clear traffic control", "profile", profile.Alias, "error", cerr)
			if err == nil {
				err = cerr
			}
		}
		if r != nil {
			panic(r)
		}
	}()

	log.Info("applying traffic control", "profile", profile.Alias, "machines", len(machines))
	if err := c.forEach(ctx, machines, func(ctx context.Context, m string) error {
		return c.applyMachine(ctx, m, profile)
	}); err != nil {
		return fmt.Errorf("apply profile %s: %w", profile.Alias, err)
	}
	return fn(ctx)
}

// Clear removes any impairment from every machine. Machines without an
// active impairment are not an error.
func (c *Controller) Clear(ctx context.Context, machines []string) error {
	return c.forEach(ctx, machines, c.clearMachine)
}

// forEach runs fn for every machine with bounded parallelism and waits for
// all of them. It returns every failure joined.
func (c *Controller) forEach(ctx context.Context, machines []string,
	fn func(ctx context.Context, machine string) error) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	limit := c.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g.SetLimit(limit)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			if err := fn(ctx, m); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", m, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func (c *Controller) applyMachine(ctx context.Context, machine string, p model.NetworkProfile) error {
	// A VPN install may have moved the default route since the last scope.
	iface, err := c.discover(ctx, machine)
	if err != nil {
		metrics.TrafficControlOps.WithLabelValues("apply", "error").Inc()
		return err
	}
	if err := c.deleteRoot(ctx, machine, iface); err != nil {
		metrics.TrafficControlOps.WithLabelValues("apply", "error").Inc()
		return err
	}
	for _, argv := range Commands(iface, p) {
		if _, err := c.runner.Run(ctx, machine, c.tc(argv)...); err != nil {
			metrics.TrafficControlOps.WithLabelValues("apply", "error").Inc()
			return err
		}
	}
	metrics.TrafficControlOps.WithLabelValues("apply", "ok").Inc()
	log.Debug("traffic control applied", "machine", machine, "iface", iface, "profile", p.Alias)
	return nil
}

func (c *Controller) clearMachine(ctx context.Context, machine string) error {
	iface, err := c.Interface(ctx, machine)
	if err == nil {
		err = c.deleteRoot(ctx, machine, iface)
	}
	if err != nil {
		metrics.TrafficControlOps.WithLabelValues("clear", "error").Inc()
		return err
	}
	metrics.TrafficControlOps.WithLabelValues("clear", "ok").Inc()
	return nil
}

// deleteRoot removes the root qdisc of iface, treating a missing one as
// success.
func (c *Controller) deleteRoot(ctx context.Context, machine, iface string) error {
	_, err := c.runner.Run(ctx, machine, c.tc([]string{"tc", "qdisc", "del", "dev", iface, "root"})...)
	if err != nil && !isNoQdisc(err) {
		return err
	}
	return nil
}

func (c *Controller) tc(argv []string) []string {
	if c.Sudo {
		return append([]string{"sudo"}, argv...)
	}
	return argv
}

// isNoQdisc reports whether err is tc complaining that there is nothing to
// delete.
func isNoQdisc(err error) bool {
	var ee *remote.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	msg := ee.Result.Stderr
	return strings.Contains(msg, "No such file or directory") ||
		strings.Contains(msg, "Cannot delete qdisc with handle of zero") ||
		strings.Contains(msg, "Cannot find specified qdisc")
}

// Interface returns the interface of the default route of machine. It
// reuses the interface found by the last Apply or lookup on machine.
func (c *Controller) Interface(ctx context.Context, machine string) (string, error) {
	if item := c.ifaces.Get(machine); item != nil {
		return item.Value(), nil
	}
	return c.discover(ctx, machine)
}

// discover looks up the default route of machine and refreshes the cache.
func (c *Controller) discover(ctx context.Context, machine string) (string, error) {
	res, err := c.runner.Run(ctx, machine, "ip", "-o", "route", "show", "default")
	if err != nil {
		return "", err
	}
	iface, err := parseDefaultRoute(res.Stdout)
	if err != nil {
		return "", fmt.Errorf("%s: %w", machine, err)
	}
	c.ifaces.Set(machine, iface, ttlcache.DefaultTTL)
	return iface, nil
}

// parseDefaultRoute extracts the device of the first default route in the
// output of "ip -o route show default".
func parseDefaultRoute(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "default" {
			continue
		}
		for i := 0; i < len(fields)-1; i++ {
			if fields[i] == "dev" {
				return fields[i+1], nil
			}
		}
	}
	return "", ErrNoDefaultRoute
}

// Active reports whether machine has a netem or tbf qdisc installed.
func (c *Controller) Active(ctx context.Context, machine string) (bool, error) {
	iface, err := c.Interface(ctx, machine)
	if err != nil {
		return false, err
	}
	res, err := c.runner.Run(ctx, machine, c.tc([]string{"tc", "qdisc", "show", "dev", iface})...)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) > 1 && (fields[1] == "netem" || fields[1] == "tbf") {
			return true, nil
		}
	}
	return false, nil
}

// Commands returns the tc commands installing p on iface, in order. The
// existing root qdisc must have been removed first. A baseline profile
// installs nothing.
func Commands(iface string, p model.NetworkProfile) [][]string {
	var cmds [][]string
	if p.HasNetem() {
		argv := []string{"tc", "qdisc", "add", "dev", iface, "root", "handle", "1:", "netem"}
		if p.LatencyMs != nil || p.JitterMs != nil {
			argv = append(argv, "delay", ms(p.LatencyMs))
			if p.JitterMs != nil {
				argv = append(argv, ms(p.JitterMs))
			}
		}
		if p.PacketLoss != nil {
			argv = append(argv, "loss", pct(*p.PacketLoss))
		}
		if p.Reorder != nil {
			argv = append(argv, "reorder", pct(*p.Reorder))
			if p.ReorderCorrelation != nil {
				argv = append(argv, pct(*p.ReorderCorrelation))
			}
		}
		cmds = append(cmds, argv)
	}
	if p.HasRateLimit() {
		argv := []string{"tc", "qdisc", "add", "dev", iface}
		if p.HasNetem() {
			argv = append(argv, "parent", "1:1", "handle", "10:")
		} else {
			argv = append(argv, "root", "handle", "1:")
		}
		argv = append(argv, "tbf",
			"rate", strconv.Itoa(*p.BandwidthMbit)+"mbit",
			"burst", "32kbit",
			"latency", "400ms")
		cmds = append(cmds, argv)
	}
	return cmds
}

func ms(v *int) string {
	if v == nil {
		return "0ms"
	}
	return strconv.Itoa(*v) + "ms"
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}

// Settings returns the effective impairment record of p, as persisted next
// to the results of the profile.
func Settings(p model.NetworkProfile) model.Settings {
	return p.Effective()
}
