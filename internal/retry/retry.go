// Package retry runs fallible operations with exponential backoff.
//
// Operations passed to Do may run more than once, so they must be safe to
// repeat: restarting a service or re-running a measurement is fine, appending
// to a remote file is not.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/vpnbench/internal/metrics"
)

// Policy configures Do. The delay between attempt k and k+1 is
// min(InitialDelay * Multiplier^(k-1), MaxDelay). No jitter is added.
type Policy struct {
	// Name identifies the operation in logs and metrics.
	Name string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay. Zero or negative means no cap.
	MaxDelay time.Duration
	// Multiplier scales the delay after every failure.
	Multiplier float64
	// Retryable reports whether err should be retried. Errors for which it
	// returns false are returned immediately. A nil Retryable retries every
	// error.
	Retryable func(err error) bool
}

// Default returns the policy used for remote operations.
func Default(name string) Policy {
	return Policy{
		Name:         name,
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the delay to wait after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Outcome is the result of Do. Attempts is always at least 1 once the
// operation has been invoked; 1 means it succeeded on the first try.
type Outcome[T any] struct {
	Value    T
	Attempts int
}

// ExhaustedError is returned when every attempt failed. It wraps the last
// failure.
type ExhaustedError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Attempts returns the number of attempts recorded in err, or 0 when err
// does not come from exhausting a policy.
func Attempts(err error) int {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee.Attempts
	}
	return 0
}

// sleep waits for d or until ctx is done.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted. It stops retrying once ctx is cancelled.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (Outcome[T], error) {
	var out Outcome[T]
	total := p.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= total; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, cancelled(p.Name, out.Attempts, err, lastErr)
		}
		out.Attempts = attempt
		v, err := op(ctx)
		if err == nil {
			out.Value = v
			metrics.RetryAttempts.WithLabelValues(p.Name, "success").Inc()
			if attempt > 1 {
				log.Info("operation succeeded after retries", "op", p.Name, "attempts", attempt)
			}
			return out, nil
		}
		if !p.retryable(err) {
			metrics.RetryAttempts.WithLabelValues(p.Name, "fatal").Inc()
			return out, err
		}
		lastErr = err
		if attempt == total {
			break
		}
		delay := p.Delay(attempt)
		metrics.RetryAttempts.WithLabelValues(p.Name, "retry").Inc()
		log.Warn("operation failed, retrying", "op", p.Name, "attempt", attempt,
			"max", total, "delay", delay, "error", err)
		if err := sleep(ctx, delay); err != nil {
			return out, cancelled(p.Name, out.Attempts, err, lastErr)
		}
	}
	metrics.RetryAttempts.WithLabelValues(p.Name, "exhausted").Inc()
	log.Error("operation failed, giving up", "op", p.Name, "attempts", out.Attempts, "error", lastErr)
	return out, &ExhaustedError{Name: p.Name, Attempts: out.Attempts, Err: lastErr}
}

func cancelled(name string, attempts int, ctxErr, lastErr error) error {
	return fmt.Errorf("%s cancelled after %d attempts: %w", name, attempts, errors.Join(ctxErr, lastErr))
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) (int, error) {
	out, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return out.Attempts, err
}

// On returns a Retryable that matches errors wrapping any of targets.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// OnType returns a Retryable that matches errors wrapping an E.
func OnType[E error]() func(error) bool {
	return func(err error) bool {
		var target E
		return errors.As(err, &target)
	}
}
