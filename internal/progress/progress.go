// Package progress tracks the position of the benchmark loop in the
// VPN × profile × test × machine matrix and reports it to observers.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/m-lab/vpnbench/internal/metrics"
	"github.com/m-lab/vpnbench/pkg/model"
)

// Position is the position along one dimension of the matrix.
type Position struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Total int    `json:"total"`
}

// Pair is a (source, target) machine pair. The source runs the client side
// of a test against the target.
type Pair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

func (p Pair) String() string {
	return p.Source + "->" + p.Target
}

// Work is an upcoming (VPN, profile) entry and the tests it will run.
type Work struct {
	VPN     model.VPN        `json:"vpn"`
	Profile string           `json:"profile"`
	Tests   []model.TestKind `json:"tests"`
}

// Snapshot is an immutable copy of the state of a Tracker.
type Snapshot struct {
	VPN      Position      `json:"vpn"`
	Profile  Position      `json:"profile"`
	Test     Position      `json:"test"`
	Machine  Position      `json:"machine"`
	Upcoming []Work        `json:"upcoming"`
	Pairs    []Pair        `json:"pairs"`
	Phase    string        `json:"phase"`
	Elapsed  time.Duration `json:"elapsed"`
}

// TotalSteps returns the number of cells in the matrix.
func (s Snapshot) TotalSteps() int {
	return s.VPN.Total * s.Profile.Total * s.Test.Total * s.Machine.Total
}

// CompletedSteps returns the number of cells before the current position,
// never more than TotalSteps.
func (s Snapshot) CompletedSteps() int {
	pt, tt, mt := s.Profile.Total, s.Test.Total, s.Machine.Total
	done := s.VPN.Index*pt*tt*mt + s.Profile.Index*tt*mt + s.Test.Index*mt + s.Machine.Index
	if total := s.TotalSteps(); done > total {
		return total
	}
	return done
}

// Percent returns the completion in the [0, 100] range.
func (s Snapshot) Percent() float64 {
	total := s.TotalSteps()
	if total == 0 {
		return 0
	}
	return float64(s.CompletedSteps()) * 100 / float64(total)
}

// ETA estimates the remaining time from the average time per completed
// step. It is unknown while no step has completed.
func (s Snapshot) ETA() (time.Duration, bool) {
	done := s.CompletedSteps()
	if done == 0 {
		return 0, false
	}
	perStep := s.Elapsed / time.Duration(done)
	return perStep * time.Duration(s.TotalSteps()-done), true
}

// ETAString formats ETA, rendering an unknown estimate as "unknown".
func (s Snapshot) ETAString() string {
	eta, ok := s.ETA()
	if !ok {
		return "unknown"
	}
	return eta.Round(time.Second).String()
}

// Observer receives progress updates. Calls are synchronous with the
// benchmark loop, so implementations must return quickly.
type Observer interface {
	OnProgress(Snapshot)
	OnLog(line string)
}

// Tracker holds the progress state of the benchmark loop. Mutating methods
// notify every observer with a fresh Snapshot.
type Tracker struct {
	now func() time.Time

	mu        sync.Mutex
	start     time.Time
	vpn       Position
	profile   Position
	test      Position
	machine   Position
	upcoming  *deque.Deque[Work]
	pairs     []Pair
	phase     string
	observers []Observer
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		now:      time.Now,
		start:    time.Now(),
		upcoming: deque.New[Work](),
	}
}

// Subscribe registers o for every future update.
func (t *Tracker) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Initialize resets the tracker for a new matrix. The upcoming queue holds
// one entry per (VPN, profile) and machines are paired in a ring.
func (t *Tracker) Initialize(vpns []model.VPN, profiles []string, tests []model.TestKind, machines []string) {
	t.update(func() {
		t.start = t.now()
		t.vpn = Position{Total: len(vpns)}
		t.profile = Position{Total: len(profiles)}
		t.test = Position{Total: len(tests)}
		t.machine = Position{Total: len(machines)}
		t.upcoming.Clear()
		for _, v := range vpns {
			for _, p := range profiles {
				t.upcoming.PushBack(Work{
					VPN:     v,
					Profile: p,
					Tests:   append([]model.TestKind(nil), tests...),
				})
			}
		}
		t.pairs = Ring(machines)
		t.phase = ""
	})
}

// Ring pairs every machine with its successor, the last one with the
// first. A single machine is paired with itself.
func Ring(machines []string) []Pair {
	pairs := make([]Pair, 0, len(machines))
	for i, m := range machines {
		pairs = append(pairs, Pair{Source: m, Target: machines[(i+1)%len(machines)]})
	}
	return pairs
}

// Pairs returns the machine-pair ring.
func (t *Tracker) Pairs() []Pair {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Pair(nil), t.pairs...)
}

// StartVPN moves to the i-th VPN and resets the finer positions.
func (t *Tracker) StartVPN(name model.VPN, i int) {
	t.update(func() {
		t.vpn.Name, t.vpn.Index = string(name), i
		t.profile.Name, t.profile.Index = "", 0
		t.test.Name, t.test.Index = "", 0
		t.machine.Name, t.machine.Index = "", 0
	})
}

// StartProfile moves to the i-th profile of the current VPN, resets the
// finer positions and removes the (VPN, profile) entry from the upcoming
// queue.
func (t *Tracker) StartProfile(alias string, i int) {
	t.update(func() {
		t.profile.Name, t.profile.Index = alias, i
		t.test.Name, t.test.Index = "", 0
		t.machine.Name, t.machine.Index = "", 0
		idx := t.upcoming.Index(func(w Work) bool {
			return string(w.VPN) == t.vpn.Name && w.Profile == alias
		})
		if idx >= 0 {
			t.upcoming.Remove(idx)
		}
	})
}

// StartTest moves to the i-th test and resets the machine position.
func (t *Tracker) StartTest(kind model.TestKind, i int) {
	t.update(func() {
		t.test.Name, t.test.Index = string(kind), i
		t.machine.Name, t.machine.Index = "", 0
	})
}

// StartMachine moves to the i-th machine pair.
func (t *Tracker) StartMachine(p Pair, i int) {
	t.update(func() {
		t.machine.Name, t.machine.Index = p.String(), i
	})
}

// CompleteVPN increments the VPN position without touching finer ones.
func (t *Tracker) CompleteVPN() { t.update(func() { t.vpn.Index++ }) }

// CompleteProfile increments the profile position.
func (t *Tracker) CompleteProfile() { t.update(func() { t.profile.Index++ }) }

// CompleteTest increments the test position.
func (t *Tracker) CompleteTest() { t.update(func() { t.test.Index++ }) }

// CompleteMachine increments the machine position.
func (t *Tracker) CompleteMachine() { t.update(func() { t.machine.Index++ }) }

// SetPhase sets the free-text phase label.
func (t *Tracker) SetPhase(label string) {
	t.update(func() { t.phase = label })
}

// Logf sends a formatted log line to every observer.
func (t *Tracker) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	for _, o := range t.subscribers() {
		o.OnLog(line)
	}
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Tracker) snapshot() Snapshot {
	s := Snapshot{
		VPN:      t.vpn,
		Profile:  t.profile,
		Test:     t.test,
		Machine:  t.machine,
		Upcoming: make([]Work, 0, t.upcoming.Len()),
		Pairs:    append([]Pair(nil), t.pairs...),
		Phase:    t.phase,
		Elapsed:  t.now().Sub(t.start),
	}
	for i := 0; i < t.upcoming.Len(); i++ {
		w := t.upcoming.At(i)
		w.Tests = append([]model.TestKind(nil), w.Tests...)
		s.Upcoming = append(s.Upcoming, w)
	}
	return s
}

func (t *Tracker) subscribers() []Observer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Observer(nil), t.observers...)
}

// update applies mutate under the lock, then notifies observers outside of
// it so that they may call back into the tracker.
func (t *Tracker) update(mutate func()) {
	t.mu.Lock()
	mutate()
	s := t.snapshot()
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	metrics.ProgressPercent.Set(s.Percent())
	for _, o := range observers {
		o.OnProgress(s)
	}
}
