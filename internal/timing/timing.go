// Package timing records how long the phases and operations of a benchmark
// run take.
package timing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/vpnbench/pkg/model"
)

var (
	// ErrPhaseOpen is returned when opening a phase while another one is
	// open, or when finalizing with a phase still open.
	ErrPhaseOpen = errors.New("a phase is already open")
	// ErrFinalized is returned by every method called after Finalize.
	ErrFinalized = errors.New("tracker already finalized")
)

// Tracker records the timing of one benchmarked subject. At most one phase
// is open at a time. Operations attach to the open phase, or to the
// unattached list when there is none.
type Tracker struct {
	subject string
	now     func() time.Time
	start   time.Time

	mu         sync.Mutex
	phases     []model.PhaseTiming
	phase      *model.PhaseTiming
	ops        []*model.OperationTiming
	unattached []model.OperationTiming
	finalized  bool
}

// New returns a Tracker for subject, started now.
func New(subject string) *Tracker {
	return newWithClock(subject, time.Now)
}

func newWithClock(subject string, now func() time.Time) *Tracker {
	return &Tracker{
		subject: subject,
		now:     now,
		start:   now(),
	}
}

// Phase runs fn inside a phase called name and returns its error. The phase
// is recorded even if fn fails or panics.
func (t *Tracker) Phase(name string, fn func() error) (err error) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return ErrFinalized
	}
	if t.phase != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot open %q inside %q", ErrPhaseOpen, name, t.phase.Phase)
	}
	start := t.now()
	t.phase = &model.PhaseTiming{
		Phase:          name,
		StartTimestamp: unix(start),
		Operations:     []model.OperationTiming{},
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.phase.DurationSeconds = t.now().Sub(start).Seconds()
		t.phases = append(t.phases, *t.phase)
		t.phase = nil
		t.mu.Unlock()
	}()
	return fn()
}

// Operation runs fn as an operation called name and returns its error. A
// failing or panicking fn marks the operation as failed with the error
// message; the error is returned (or the panic resumed) once the record is
// stored.
func (t *Tracker) Operation(name string, fn func() error) (err error) {
	t.mu.Lock()
	if t.finalized {
		t.mu.Unlock()
		return ErrFinalized
	}
	start := t.now()
	op := &model.OperationTiming{
		Name:           name,
		StartTimestamp: unix(start),
	}
	t.ops = append(t.ops, op)
	t.mu.Unlock()

	defer func() {
		r := recover()
		t.mu.Lock()
		op.DurationSeconds = t.now().Sub(start).Seconds()
		switch {
		case r != nil:
			op.ErrorMessage = fmt.Sprint("panic: ", r)
		case err != nil:
			op.ErrorMessage = err.Error()
		default:
			op.Success = true
		}
		for i := len(t.ops) - 1; i >= 0; i-- {
			if t.ops[i] == op {
				t.ops = append(t.ops[:i], t.ops[i+1:]...)
				break
			}
		}
		if t.phase != nil {
			t.phase.Operations = append(t.phase.Operations, *op)
		} else {
			t.unattached = append(t.unattached, *op)
		}
		t.mu.Unlock()
		if r != nil {
			panic(r)
		}
	}()
	return fn()
}

// Record stores an operation timed by the caller, for work that cannot be
// wrapped in Operation. It attaches to the open phase like Operation does.
func (t *Tracker) Record(name string, start time.Time, d time.Duration, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrFinalized
	}
	op := model.OperationTiming{
		Name:            name,
		StartTimestamp:  unix(start),
		DurationSeconds: d.Seconds(),
		Success:         err == nil,
	}
	if err != nil {
		op.ErrorMessage = err.Error()
	}
	if t.phase != nil {
		t.phase.Operations = append(t.phase.Operations, op)
	} else {
		t.unattached = append(t.unattached, op)
	}
	return nil
}

// SetMetadata attaches a name/value pair to the innermost running operation,
// or to the open phase when no operation is running.
func (t *Tracker) SetMetadata(name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return ErrFinalized
	}
	nv := model.NameValue{Name: name, Value: value}
	switch {
	case len(t.ops) > 0:
		op := t.ops[len(t.ops)-1]
		op.Metadata = append(op.Metadata, nv)
	case t.phase != nil:
		t.phase.Metadata = append(t.phase.Metadata, nv)
	default:
		return errors.New("no open phase or operation")
	}
	return nil
}

// Finalize stops the tracker and returns the breakdown. It may be called
// only once, with no phase open.
func (t *Tracker) Finalize() (*model.TimingBreakdown, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return nil, ErrFinalized
	}
	if t.phase != nil {
		return nil, fmt.Errorf("%w: %q", ErrPhaseOpen, t.phase.Phase)
	}
	t.finalized = true
	end := t.now()
	b := &model.TimingBreakdown{
		VPNName:              t.subject,
		TotalDurationSeconds: end.Sub(t.start).Seconds(),
		StartTimestamp:       unix(t.start),
		EndTimestamp:         unix(end),
		Phases:               append([]model.PhaseTiming{}, t.phases...),
		Unattached:           append([]model.OperationTiming(nil), t.unattached...),
	}
	return b, nil
}

// Summary is a condensed view of a TimingBreakdown.
type Summary struct {
	TotalSeconds           float64
	PhaseSeconds           map[string]float64
	VPNInstallSeconds      float64
	TCStabilizationSeconds float64
	// ProfileSeconds is the time spent in profile phases, i.e. benchmarking.
	ProfileSeconds float64
}

// Summarize condenses b. Phases with the same name are summed.
func Summarize(b *model.TimingBreakdown) Summary {
	s := Summary{
		TotalSeconds:           b.TotalDurationSeconds,
		PhaseSeconds:           map[string]float64{},
		VPNInstallSeconds:      b.OperationSeconds(model.OpVPNInstall),
		TCStabilizationSeconds: b.OperationSeconds(model.OpTCStabilization),
		ProfileSeconds:         b.PhasePrefixSeconds(model.PhaseProfilePrefix),
	}
	for _, p := range b.Phases {
		s.PhaseSeconds[p.Phase] += p.DurationSeconds
	}
	return s
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
