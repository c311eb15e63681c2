package aggregate

import (
	"math"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/m-lab/vpnbench/internal/timing"
	"github.com/m-lab/vpnbench/pkg/model"
	"golang.org/x/exp/maps"
)

// accumulator collects the metadata of every readable result file, whatever
// its status.
type accumulator struct {
	// sums holds the restart, connectivity and test seconds per profile and
	// VPN.
	sums map[string]map[model.VPN]*model.DurationBreakdown
	// tests holds the test durations per profile, test and VPN.
	tests map[string]map[model.TestKind]map[model.VPN][]float64
}

func newAccumulator() *accumulator {
	return &accumulator{
		sums:  map[string]map[model.VPN]*model.DurationBreakdown{},
		tests: map[string]map[model.TestKind]map[model.VPN][]float64{},
	}
}

func (a *accumulator) add(c *cell, results []machineResult) {
	if a.sums[c.profile] == nil {
		a.sums[c.profile] = map[model.VPN]*model.DurationBreakdown{}
		a.tests[c.profile] = map[model.TestKind]map[model.VPN][]float64{}
	}
	d := a.sums[c.profile][c.vpn]
	if d == nil {
		d = &model.DurationBreakdown{VPN: string(c.vpn)}
		a.sums[c.profile][c.vpn] = d
	}
	if a.tests[c.profile][c.test] == nil {
		a.tests[c.profile][c.test] = map[model.VPN][]float64{}
	}
	for _, mr := range results {
		m := mr.result.Meta
		d.VPNRestartSeconds += m.VPNRestartDurationSeconds
		d.ConnectivityWaitSeconds += m.ConnectivityWaitDurationSeconds
		d.TestSeconds += m.DurationSeconds
		a.tests[c.profile][c.test][c.vpn] = append(a.tests[c.profile][c.test][c.vpn], m.DurationSeconds)
	}
}

// reconcile attributes the benchmarking time of every VPN, per profile and
// for the whole run, using the timing breakdown written by the driver. The
// residual is reported as other overhead and never negative.
func (e *Engine) reconcile(a *accumulator) (map[string]map[model.VPN]model.DurationBreakdown, map[model.VPN]model.DurationBreakdown) {
	perProfile := map[string]map[model.VPN]model.DurationBreakdown{}
	run := map[model.VPN]model.DurationBreakdown{}
	breakdowns := map[model.VPN]*model.TimingBreakdown{}

	aliases := maps.Keys(a.sums)
	model.SortProfiles(aliases)
	for _, alias := range aliases {
		perProfile[alias] = map[model.VPN]model.DurationBreakdown{}
		vpns := maps.Keys(a.sums[alias])
		sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
		for _, vpn := range vpns {
			b, ok := breakdowns[vpn]
			if !ok {
				b = e.breakdown(vpn)
				breakdowns[vpn] = b
			}
			d := *a.sums[alias][vpn]
			if b != nil {
				if p, ok := b.Phase(model.PhaseProfilePrefix + alias); ok {
					d.BenchmarkingSeconds = p.DurationSeconds
					for _, op := range p.Operations {
						if op.Name == model.OpTCStabilization {
							d.TCStabilizationSeconds += op.DurationSeconds
						}
					}
				}
			}
			d.OtherOverheadSeconds = overhead(d)
			perProfile[alias][vpn] = d

			total := run[vpn]
			total.VPN = string(vpn)
			total.VPNRestartSeconds += d.VPNRestartSeconds
			total.ConnectivityWaitSeconds += d.ConnectivityWaitSeconds
			total.TestSeconds += d.TestSeconds
			run[vpn] = total
		}
	}
	for vpn, total := range run {
		if b := breakdowns[vpn]; b != nil {
			s := timing.Summarize(b)
			total.BenchmarkingSeconds = s.TotalSeconds
			total.VPNInstallSeconds = s.VPNInstallSeconds
			total.TCStabilizationSeconds = s.TCStabilizationSeconds
		}
		total.OtherOverheadSeconds = overhead(total)
		run[vpn] = total
	}
	return perProfile, run
}

func (e *Engine) breakdown(vpn model.VPN) *model.TimingBreakdown {
	var b model.TimingBreakdown
	if err := e.In.ReadJSON(&b, string(vpn), model.TimingBreakdownFile); err != nil {
		log.Warn("no timing breakdown, overhead not reconciled", "vpn", vpn, "error", err)
		return nil
	}
	return &b
}

func overhead(d model.DurationBreakdown) float64 {
	known := d.VPNRestartSeconds + d.ConnectivityWaitSeconds + d.TestSeconds +
		d.TCStabilizationSeconds + d.VPNInstallSeconds
	return math.Max(0, d.BenchmarkingSeconds-known)
}

// inconsistencies compares the mean test duration of every VPN for each
// profile and test, and reports the ones spreading more than tolerance.
func (a *accumulator) inconsistencies(tolerance float64) []Inconsistency {
	var out []Inconsistency
	aliases := maps.Keys(a.tests)
	model.SortProfiles(aliases)
	for _, alias := range aliases {
		tests := maps.Keys(a.tests[alias])
		sort.Slice(tests, func(i, j int) bool { return tests[i] < tests[j] })
		for _, test := range tests {
			byVPN := a.tests[alias][test]
			inc := Inconsistency{Profile: alias, Test: test}
			lo, hi := math.Inf(1), math.Inf(-1)
			measured := 0
			vpns := maps.Keys(byVPN)
			sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })
			for _, vpn := range vpns {
				durations := byVPN[vpn]
				if len(durations) == 0 {
					continue
				}
				measured++
				var sum float64
				for _, d := range durations {
					sum += d
				}
				mean := sum / float64(len(durations))
				if mean < lo {
					lo, inc.Fastest = mean, vpn
				}
				if mean > hi {
					hi, inc.Slowest = mean, vpn
				}
			}
			if measured > 1 && hi-lo > tolerance {
				inc.SpreadSeconds = hi - lo
				out = append(out, inc)
			}
		}
	}
	return out
}
