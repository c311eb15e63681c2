package bench

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/m-lab/vpnbench/internal/netem"
	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/pkg/model"
	"golang.org/x/sync/errgroup"
)

// DefaultLogLines is the number of journal lines collected per machine.
const DefaultLogLines = 200

// Systemd manages VPNs deployed as systemd units.
type Systemd struct {
	Runner remote.Runner
	// Sudo runs systemctl and journalctl through sudo.
	Sudo bool
	// LogLines overrides DefaultLogLines when positive.
	LogLines int
	// Parallelism bounds the machines handled at once. Zero or negative
	// uses netem.DefaultParallelism.
	Parallelism int
}

// Install stops the units of every other VPN and enables the unit of vpn
// on every machine.
func (s *Systemd) Install(ctx context.Context, vpn model.VPN, machines []string) error {
	info, err := vpn.Info()
	if err != nil {
		return err
	}
	return s.each(ctx, machines, func(ctx context.Context, m string) error {
		for _, other := range model.VPNs() {
			oi, _ := other.Info()
			if other == vpn || oi.Service == "" {
				continue
			}
			// Stopping a unit that is not loaded fails; that is fine.
			_, err := s.Runner.Run(ctx, m, s.cmd("systemctl", "stop", oi.Service)...)
			var ee *remote.ExitError
			if err != nil && !errors.As(err, &ee) {
				return err
			}
		}
		if info.Service == "" {
			return nil
		}
		_, err := s.Runner.Run(ctx, m, s.cmd("systemctl", "enable", "--now", info.Service)...)
		return err
	})
}

// Restart restarts the unit of vpn on every machine.
func (s *Systemd) Restart(ctx context.Context, vpn model.VPN, machines []string) error {
	info, err := vpn.Info()
	if err != nil || info.Service == "" {
		return err
	}
	return s.each(ctx, machines, func(ctx context.Context, m string) error {
		_, err := s.Runner.Run(ctx, m, s.cmd("systemctl", "restart", info.Service)...)
		return err
	})
}

// ServiceLogs returns the recent journal of the unit of vpn on every
// machine. Machines whose journal cannot be read are logged and skipped.
func (s *Systemd) ServiceLogs(ctx context.Context, vpn model.VPN, machines []string) map[string]string {
	logs := map[string]string{}
	info, err := vpn.Info()
	if err != nil || info.Service == "" {
		return logs
	}
	lines := s.LogLines
	if lines <= 0 {
		lines = DefaultLogLines
	}
	var mu sync.Mutex
	s.each(ctx, machines, func(ctx context.Context, m string) error {
		res, err := s.Runner.Run(ctx, m,
			s.cmd("journalctl", "-u", info.Service, "--no-pager", "-n", strconv.Itoa(lines))...)
		if err != nil {
			log.Warn("cannot collect service logs", "machine", m, "service", info.Service, "error", err)
			return nil
		}
		mu.Lock()
		logs[m] = res.Stdout
		mu.Unlock()
		return nil
	})
	return logs
}

func (s *Systemd) cmd(argv ...string) []string {
	if s.Sudo {
		return append([]string{"sudo"}, argv...)
	}
	return argv
}

// each runs fn on every machine with bounded parallelism and waits for all
// of them.
func (s *Systemd) each(ctx context.Context, machines []string, fn func(ctx context.Context, m string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	limit := s.Parallelism
	if limit <= 0 {
		limit = netem.DefaultParallelism
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
