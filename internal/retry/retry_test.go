package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

// noSleep replaces the package sleep with one that records the delays.
func noSleep(t *testing.T) *[]time.Duration {
	delays := &[]time.Duration{}
	orig := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = orig })
	return delays
}

func testPolicy(retries int) Policy {
	return Policy{
		Name:         "test",
		MaxRetries:   retries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
}

func TestDo(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		noSleep(t)
		out, err := Do(context.Background(), testPolicy(3), func(context.Context) (string, error) {
			return "ok", nil
		})
		if err != nil || out.Value != "ok" || out.Attempts != 1 {
			t.Errorf("Do() = %+v, %v", out, err)
		}
	})

	t.Run("fails twice then succeeds", func(t *testing.T) {
		delays := noSleep(t)
		calls := 0
		out, err := Do(context.Background(), testPolicy(3), func(context.Context) (int, error) {
			calls++
			if calls < 3 {
				return 0, errTransient
			}
			return 42, nil
		})
		if err != nil {
			t.Fatalf("Do() returned error: %v", err)
		}
		if out.Attempts != 3 || out.Value != 42 {
			t.Errorf("Do() = %+v, want attempts=3 value=42", out)
		}
		want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
		if len(*delays) != len(want) || (*delays)[0] != want[0] || (*delays)[1] != want[1] {
			t.Errorf("delays = %v, want %v", *delays, want)
		}
	})

	t.Run("always failing operation is attempted retries+1 times", func(t *testing.T) {
		noSleep(t)
		calls := 0
		out, err := Do(context.Background(), testPolicy(2), func(context.Context) (int, error) {
			calls++
			return 0, errTransient
		})
		if calls != 3 || out.Attempts != 3 {
			t.Errorf("calls = %d, attempts = %d, want 3", calls, out.Attempts)
		}
		if !errors.Is(err, errTransient) {
			t.Errorf("error does not wrap the last failure: %v", err)
		}
		if Attempts(err) != 3 {
			t.Errorf("Attempts(err) = %d, want 3", Attempts(err))
		}
	})

	t.Run("non-retryable errors propagate immediately", func(t *testing.T) {
		delays := noSleep(t)
		p := testPolicy(5)
		p.Retryable = On(errTransient)
		calls := 0
		out, err := Do(context.Background(), p, func(context.Context) (int, error) {
			calls++
			return 0, errFatal
		})
		if calls != 1 || out.Attempts != 1 || len(*delays) != 0 {
			t.Errorf("calls = %d, attempts = %d, delays = %v", calls, out.Attempts, *delays)
		}
		if err != errFatal {
			t.Errorf("Do() error = %v, want %v", err, errFatal)
		}
	})

	t.Run("cancellation stops retrying", func(t *testing.T) {
		noSleep(t)
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		out, err := Do(ctx, testPolicy(5), func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, errTransient
		})
		if calls != 1 || out.Attempts != 1 {
			t.Errorf("calls = %d, attempts = %d, want 1", calls, out.Attempts)
		}
		if !errors.Is(err, context.Canceled) || !errors.Is(err, errTransient) {
			t.Errorf("Do() error = %v, want cancellation wrapping the last failure", err)
		}
	})
}

func TestPolicy_Delay(t *testing.T) {
	p := testPolicy(10)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	p.MaxDelay = 0
	if got := p.Delay(5); got != 1600*time.Millisecond {
		t.Errorf("uncapped Delay(5) = %v", got)
	}
}

type codeError struct{ code int }

func (e *codeError) Error() string { return "code error" }

func TestOnType(t *testing.T) {
	match := OnType[*codeError]()
	if !match(&codeError{code: 1}) {
		t.Errorf("OnType did not match its type")
	}
	if match(errTransient) {
		t.Errorf("OnType matched an unrelated error")
	}
}

func TestRun(t *testing.T) {
	noSleep(t)
	calls := 0
	attempts, err := Run(context.Background(), testPolicy(1), func(context.Context) error {
		calls++
		if calls == 1 {
			return errTransient
		}
		return nil
	})
	if err != nil || attempts != 2 {
		t.Errorf("Run() = %d, %v", attempts, err)
	}
}
