package progress

import (
	"testing"
	"time"

	"github.com/m-lab/vpnbench/pkg/model"
)

type recorder struct {
	snapshots []Snapshot
	lines     []string
}

func (r *recorder) OnProgress(s Snapshot) { r.snapshots = append(r.snapshots, s) }
func (r *recorder) OnLog(line string)     { r.lines = append(r.lines, line) }

func newTestTracker() (*Tracker, *time.Time) {
	now := time.Unix(1700000000, 0)
	tr := New()
	tr.now = func() time.Time { return now }
	return tr, &now
}

func initialize(tr *Tracker) {
	tr.Initialize(
		[]model.VPN{model.VPNWireguard, model.VPNNebula},
		[]string{"x", "y"},
		[]model.TestKind{model.TestPing, model.TestQperf},
		[]string{"m1", "m2"})
}

func TestTracker_Steps(t *testing.T) {
	tr, _ := newTestTracker()
	initialize(tr)

	s := tr.Snapshot()
	if s.TotalSteps() != 16 {
		t.Errorf("TotalSteps() = %d, want 16", s.TotalSteps())
	}
	if s.CompletedSteps() != 0 {
		t.Errorf("CompletedSteps() = %d, want 0", s.CompletedSteps())
	}
	tr.StartVPN(model.VPNNebula, 1)
	tr.StartProfile("y", 1)
	s = tr.Snapshot()
	if s.CompletedSteps() != 12 {
		t.Errorf("CompletedSteps() = %d, want 12", s.CompletedSteps())
	}
	if s.Percent() != 75 {
		t.Errorf("Percent() = %v, want 75", s.Percent())
	}

	tr.StartTest(model.TestQperf, 1)
	tr.StartMachine(Pair{"m2", "m1"}, 1)
	tr.CompleteMachine()
	tr.CompleteTest()
	tr.CompleteProfile()
	tr.CompleteVPN()
	s = tr.Snapshot()
	if s.CompletedSteps() != 16 {
		t.Errorf("CompletedSteps() = %d, want 16 (clamped)", s.CompletedSteps())
	}
}

func TestTracker_StartResetsFinerIndices(t *testing.T) {
	tr, _ := newTestTracker()
	initialize(tr)
	tr.StartVPN(model.VPNWireguard, 0)
	tr.StartProfile("x", 0)
	tr.StartTest(model.TestQperf, 1)
	tr.StartMachine(Pair{"m2", "m1"}, 1)

	tr.StartProfile("y", 1)
	s := tr.Snapshot()
	if s.Test.Index != 0 || s.Machine.Index != 0 || s.Test.Name != "" {
		t.Errorf("finer positions not reset: test=%+v machine=%+v", s.Test, s.Machine)
	}
	if s.VPN.Index != 0 || s.VPN.Name != string(model.VPNWireguard) {
		t.Errorf("coarser position changed: %+v", s.VPN)
	}

	tr.CompleteTest()
	tr.CompleteTest()
	if s := tr.Snapshot(); s.Profile.Index != 1 || s.Test.Index != 2 {
		t.Errorf("Complete changed other positions: profile=%+v test=%+v", s.Profile, s.Test)
	}
}

func TestTracker_Upcoming(t *testing.T) {
	tr, _ := newTestTracker()
	initialize(tr)
	if n := len(tr.Snapshot().Upcoming); n != 4 {
		t.Fatalf("len(Upcoming) = %d, want 4", n)
	}
	tr.StartVPN(model.VPNWireguard, 0)
	tr.StartProfile("x", 0)
	tr.StartProfile("y", 1)
	tr.StartVPN(model.VPNNebula, 1)
	tr.StartProfile("y", 1)

	up := tr.Snapshot().Upcoming
	if len(up) != 1 || up[0].VPN != model.VPNNebula || up[0].Profile != "x" {
		t.Errorf("Upcoming = %+v, want [nebula/x]", up)
	}
	if len(up[0].Tests) != 2 {
		t.Errorf("Tests = %v", up[0].Tests)
	}
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr, _ := newTestTracker()
	initialize(tr)
	s := tr.Snapshot()
	s.Upcoming[0].Tests[0] = model.TestVideo
	s.Pairs[0].Source = "changed"

	s2 := tr.Snapshot()
	if s2.Upcoming[0].Tests[0] != model.TestPing {
		t.Errorf("snapshot shares upcoming tests with tracker")
	}
	if s2.Pairs[0].Source != "m1" {
		t.Errorf("snapshot shares pairs with tracker")
	}
}

func TestTracker_Observers(t *testing.T) {
	tr, now := newTestTracker()
	r := &recorder{}
	tr.Subscribe(r)
	var phases []string
	tr.Subscribe(Funcs{Progress: func(s Snapshot) { phases = append(phases, s.Phase) }})

	initialize(tr)
	tr.SetPhase("installing")
	tr.Logf("installed %s", "wireguard")
	*now = now.Add(10 * time.Second)
	tr.StartVPN(model.VPNNebula, 1)

	if len(r.snapshots) != 3 {
		t.Fatalf("got %d notifications, want 3", len(r.snapshots))
	}
	if len(r.lines) != 1 || r.lines[0] != "installed wireguard" {
		t.Errorf("lines = %v", r.lines)
	}
	if phases[1] != "installing" {
		t.Errorf("phases = %v", phases)
	}
	if r.snapshots[0].ETAString() != "unknown" {
		t.Errorf("ETAString() = %q, want unknown", r.snapshots[0].ETAString())
	}
	// 8 of 16 steps done in 10s.
	last := r.snapshots[2]
	if eta, ok := last.ETA(); !ok || eta != 10*time.Second {
		t.Errorf("ETA() = %v, %v; want 10s, true", eta, ok)
	}
}

func TestTracker_ObserverCanReadTracker(t *testing.T) {
	tr, _ := newTestTracker()
	calls := 0
	tr.Subscribe(Funcs{Progress: func(Snapshot) {
		calls++
		tr.Snapshot()
	}})
	initialize(tr)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRing(t *testing.T) {
	tests := []struct {
		name     string
		machines []string
		want     []Pair
	}{
		{name: "empty", machines: nil, want: []Pair{}},
		{name: "single", machines: []string{"a"}, want: []Pair{{"a", "a"}}},
		{
			name:     "three",
			machines: []string{"a", "b", "c"},
			want:     []Pair{{"a", "b"}, {"b", "c"}, {"c", "a"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Ring(tt.machines)
			if len(got) != len(tt.want) {
				t.Fatalf("Ring() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Ring()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
