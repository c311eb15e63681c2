// Package connectivity waits for machines to reach each other after a VPN
// restart.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-ping/ping"
	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/retry"
	"github.com/m-lab/vpnbench/pkg/model"
	"github.com/m-lab/vpnbench/pkg/stats"
)

// ErrUnreachable is returned by a Prober when no reply was received.
var ErrUnreachable = errors.New("target unreachable")

// Prober checks once whether target answers when probed from source.
type Prober interface {
	Probe(ctx context.Context, source, target string) error
}

// ICMP probes target from the local host with go-ping. The source machine
// is ignored.
type ICMP struct {
	Count int
	// Interval between echo requests. Zero keeps the go-ping default.
	Interval time.Duration
	// Timeout bounds the whole run, not a single reply.
	Timeout time.Duration
	// Privileged uses raw ICMP sockets instead of unprivileged UDP ones.
	Privileged bool
}

// Probe implements Prober.
func (p ICMP) Probe(ctx context.Context, source, target string) error {
	st, err := p.run(ctx, target)
	if err != nil {
		return err
	}
	if st.PacketsRecv == 0 {
		return fmt.Errorf("%w: %s", ErrUnreachable, target)
	}
	return nil
}

// Measure pings target Count times and summarizes the replies as the ping
// metric family: rtt_ms over every reply and packet_loss_percent.
func (p ICMP) Measure(ctx context.Context, target string) (model.MetricSet, error) {
	st, err := p.run(ctx, target)
	if err != nil {
		return nil, err
	}
	rtts := make([]float64, 0, len(st.Rtts))
	for _, d := range st.Rtts {
		rtts = append(rtts, float64(d)/float64(time.Millisecond))
	}
	return model.MetricSet{
		"rtt_ms":              stats.Compute(rtts),
		"packet_loss_percent": stats.Compute([]float64{st.PacketLoss}),
	}, nil
}

func (p ICMP) run(ctx context.Context, target string) (*ping.Statistics, error) {
	pinger, err := ping.NewPinger(target)
	if err != nil {
		return nil, err
	}
	pinger.Count = max(p.Count, 1)
	pinger.Timeout = p.Timeout
	if pinger.Timeout <= 0 {
		pinger.Timeout = 2 * time.Second
	}
	if p.Interval > 0 {
		pinger.Interval = p.Interval
	}
	pinger.SetPrivileged(p.Privileged)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()
	if err := pinger.Run(); err != nil {
		return nil, err
	}
	return pinger.Statistics(), ctx.Err()
}

// Remote probes target by running ping on the source machine, so that the
// probe crosses the VPN.
type Remote struct {
	Runner remote.Runner
	// Timeout is the per-reply wait, in seconds, passed to ping -W.
	Timeout int
}

// Probe implements Prober.
func (p Remote) Probe(ctx context.Context, source, target string) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2
	}
	_, err := p.Runner.Run(ctx, source, "ping", "-c", "1", "-W", strconv.Itoa(timeout), target)
	var ee *remote.ExitError
	if errors.As(err, &ee) {
		return fmt.Errorf("%w: %s from %s", ErrUnreachable, target, source)
	}
	return err
}

// Waiter retries a Prober until the target answers.
type Waiter struct {
	Prober Prober
	Policy retry.Policy
}

// Wait blocks until target answers from source or the policy is exhausted,
// and returns the time it took.
func (w *Waiter) Wait(ctx context.Context, source, target string) (time.Duration, error) {
	start := time.Now()
	_, err := retry.Run(ctx, w.Policy, func(ctx context.Context) error {
		return w.Prober.Probe(ctx, source, target)
	})
	return time.Since(start), err
}
