package netem

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/m-lab/vpnbench/internal/remote"
	"github.com/m-lab/vpnbench/internal/remote/remotetest"
	"github.com/m-lab/vpnbench/pkg/model"
)

var machines = []string{"m1", "m2", "m3"}

func TestCommands(t *testing.T) {
	tests := []struct {
		name    string
		profile model.NetworkProfile
		want    []string
	}{
		{
			name:    "baseline",
			profile: model.NetworkProfile{Alias: "baseline", Baseline: true, LatencyMs: model.Int(5)},
			want:    nil,
		},
		{
			name: "netem-only",
			profile: model.NetworkProfile{
				Alias:              "low",
				LatencyMs:          model.Int(2),
				JitterMs:           model.Int(2),
				PacketLoss:         model.Float(0.25),
				Reorder:            model.Float(1),
				ReorderCorrelation: model.Float(25),
			},
			want: []string{
				"tc qdisc add dev eth0 root handle 1: netem delay 2ms 2ms loss 0.25% reorder 1% 25%",
			},
		},
		{
			name:    "rate-only",
			profile: model.NetworkProfile{Alias: "cap", BandwidthMbit: model.Int(50)},
			want: []string{
				"tc qdisc add dev eth0 root handle 1: tbf rate 50mbit burst 32kbit latency 400ms",
			},
		},
		{
			name: "netem-and-rate",
			profile: model.NetworkProfile{
				Alias:         "high",
				BandwidthMbit: model.Int(100),
				PacketLoss:    model.Float(1),
			},
			want: []string{
				"tc qdisc add dev eth0 root handle 1: netem loss 1%",
				"tc qdisc add dev eth0 parent 1:1 handle 10: tbf rate 100mbit burst 32kbit latency 400ms",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, argv := range Commands("eth0", tt.profile) {
				got = append(got, strings.Join(argv, " "))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Commands() = %q, want %q", got, tt.want)
			}
		})
	}
}

func Test_parseDefaultRoute(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		want    string
		wantErr bool
	}{
		{
			name: "single",
			out:  "default via 192.168.1.1 dev enp3s0 proto dhcp src 192.168.1.5 metric 100\n",
			want: "enp3s0",
		},
		{
			name: "first-wins",
			out:  "default via 10.0.0.1 dev wlan0 metric 600\ndefault via 10.0.1.1 dev eth1 metric 700\n",
			want: "wlan0",
		},
		{
			name:    "empty",
			out:     "",
			wantErr: true,
		},
		{
			name:    "no-dev",
			out:     "default via 10.0.0.1\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDefaultRoute(tt.out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDefaultRoute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseDefaultRoute() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestController_Apply(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	high := model.DefaultProfiles()[3]

	var during [][]string
	err := c.Apply(context.Background(), machines, high, func(ctx context.Context) error {
		for _, m := range machines {
			during = append(during, fake.Qdiscs(m))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	for i, m := range machines {
		if !reflect.DeepEqual(during[i], []string{"netem", "tbf"}) {
			t.Errorf("qdiscs of %s during scope = %v", m, during[i])
		}
		if q := fake.Qdiscs(m); len(q) != 0 {
			t.Errorf("qdiscs of %s after scope = %v, want none", m, q)
		}
	}
}

func TestController_ApplyReplacesLeftovers(t *testing.T) {
	fake := remotetest.New()
	fake.SetQdiscs("m1", "netem")
	c := New(fake)
	low := model.DefaultProfiles()[1]

	err := c.Apply(context.Background(), []string{"m1"}, low, func(ctx context.Context) error {
		if q := fake.Qdiscs("m1"); !reflect.DeepEqual(q, []string{"netem"}) {
			t.Errorf("qdiscs = %v, want [netem]", q)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestController_ApplyTwice(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	medium := model.DefaultProfiles()[2]

	// Applying inside an already applied scope ends in the same state.
	err := c.Apply(context.Background(), machines, medium, func(ctx context.Context) error {
		once := fake.Qdiscs("m1")
		return c.forEach(ctx, machines, func(ctx context.Context, m string) error {
			err := c.applyMachine(ctx, m, medium)
			if q := fake.Qdiscs(m); !reflect.DeepEqual(q, once) {
				t.Errorf("qdiscs of %s = %v, want %v", m, q, once)
			}
			return err
		})
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
}

func TestController_ApplyFailureClears(t *testing.T) {
	fake := remotetest.New()
	fake.FailAdd("m2")
	c := New(fake)
	high := model.DefaultProfiles()[3]

	called := false
	err := c.Apply(context.Background(), machines, high, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("Apply() succeeded, want error")
	}
	var ee *remote.ExitError
	if !errors.As(err, &ee) || ee.Machine != "m2" {
		t.Errorf("Apply() error = %v, want ExitError on m2", err)
	}
	if called {
		t.Error("fn was run despite failed apply")
	}
	for _, m := range machines {
		if q := fake.Qdiscs(m); len(q) != 0 {
			t.Errorf("qdiscs of %s = %v, want none", m, q)
		}
	}
}

func TestController_ApplyFnError(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	boom := errors.New("boom")

	err := c.Apply(context.Background(), machines, model.DefaultProfiles()[1], func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Apply() error = %v, want %v", err, boom)
	}
	for _, m := range machines {
		if q := fake.Qdiscs(m); len(q) != 0 {
			t.Errorf("qdiscs of %s = %v, want none", m, q)
		}
	}
}

func TestController_ApplyPanicClears(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Errorf("recover() = %v, want kaboom", r)
		}
		for _, m := range machines {
			if q := fake.Qdiscs(m); len(q) != 0 {
				t.Errorf("qdiscs of %s = %v, want none", m, q)
			}
		}
	}()
	c.Apply(context.Background(), machines, model.DefaultProfiles()[2], func(ctx context.Context) error {
		panic("kaboom")
	})
}

func TestController_ApplyCancelledClears(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	ctx, cancel := context.WithCancel(context.Background())

	err := c.Apply(ctx, machines, model.DefaultProfiles()[2], func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Apply() error = %v, want context.Canceled", err)
	}
	for _, m := range machines {
		if q := fake.Qdiscs(m); len(q) != 0 {
			t.Errorf("qdiscs of %s = %v, want none", m, q)
		}
	}
}

func TestController_Clear(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	c.Sudo = true

	// Nothing installed: not an error.
	if err := c.Clear(context.Background(), machines); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	fake.SetQdiscs("m1", "netem", "tbf")
	if err := c.Clear(context.Background(), machines); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	active, err := c.Active(context.Background(), "m1")
	if err != nil || active {
		t.Errorf("Active() = %v, %v; want false, nil", active, err)
	}
	calls := fake.Calls("m1")
	last := calls[len(calls)-1]
	if last[0] != "sudo" {
		t.Errorf("command %v not run with sudo", last)
	}
}

func TestController_ClearUnreachable(t *testing.T) {
	fake := remotetest.New()
	fake.Unreachable("m3")
	c := New(fake)

	err := c.Clear(context.Background(), machines)
	if !errors.Is(err, remotetest.ErrUnreachable) {
		t.Errorf("Clear() error = %v, want ErrUnreachable", err)
	}
}

func TestController_Interface(t *testing.T) {
	fake := remotetest.New()
	fake.Iface = "ens5"
	c := New(fake)

	for i := 0; i < 3; i++ {
		iface, err := c.Interface(context.Background(), "m1")
		if err != nil || iface != "ens5" {
			t.Fatalf("Interface() = %q, %v", iface, err)
		}
	}
	if n := len(fake.Calls("m1")); n != 1 {
		t.Errorf("route looked up %d times, want 1", n)
	}
}

func TestController_ApplyRediscoversInterface(t *testing.T) {
	fake := remotetest.New()
	c := New(fake)
	low := model.DefaultProfiles()[1]
	noop := func(ctx context.Context) error { return nil }

	if err := c.Apply(context.Background(), []string{"m1"}, low, noop); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	// The default route moved to a full-tunnel VPN interface.
	fake.Iface = "wg0"
	if err := c.Apply(context.Background(), []string{"m1"}, low, noop); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	lookups := 0
	for _, argv := range fake.Calls("m1") {
		if strings.Join(argv, " ") == "ip -o route show default" {
			lookups++
		}
	}
	if lookups != 2 {
		t.Errorf("route looked up %d times, want 2", lookups)
	}
	calls := fake.Calls("m1")
	want := []string{"tc", "qdisc", "del", "dev", "wg0", "root"}
	if last := calls[len(calls)-1]; !reflect.DeepEqual(last, want) {
		t.Errorf("last command = %v, want %v", last, want)
	}
	if iface, _ := c.Interface(context.Background(), "m1"); iface != "wg0" {
		t.Errorf("Interface() = %q, want wg0", iface)
	}
}
