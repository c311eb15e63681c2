// Package aggregate folds the per-machine result files of a results tree
// into cross-VPN and cross-profile comparison datasets.
//
// Per-machine statistics are merged, not recomputed from pooled samples:
// minimum of minimums, maximum of maximums and the mean of the averages and
// of each percentile. This understates the variance across machines.
package aggregate

import (
	"context"
	"sort"

	"github.com/charmbracelet/log"
	"github.com/m-lab/vpnbench/internal/metrics"
	"github.com/m-lab/vpnbench/internal/persistence"
	"github.com/m-lab/vpnbench/pkg/model"
	"github.com/m-lab/vpnbench/pkg/stats"
	"golang.org/x/exp/maps"
)

// DefaultTolerance is the spread, in seconds, above which the test
// durations of the VPNs in one profile are reported as inconsistent.
const DefaultTolerance = 1.0

// CrossProfileDir is the output directory of the cross-profile datasets.
const CrossProfileDir = "cross_profile"

// TimingFile is the stem of the duration reconciliation outputs.
const TimingFile = "timing"

// Engine aggregates the results tree In into Out.
type Engine struct {
	In  *persistence.Tree
	Out *persistence.Tree
	// Tolerance overrides DefaultTolerance when positive.
	Tolerance float64
}

// Inconsistency reports VPNs whose mean duration for one test differs by
// more than the tolerance.
type Inconsistency struct {
	Profile       string
	Test          model.TestKind
	Fastest       model.VPN
	Slowest       model.VPN
	SpreadSeconds float64
}

// Report is the outcome of an aggregation.
type Report struct {
	// Profiles maps profile and family name to the comparison dataset.
	Profiles map[string]map[string]model.Comparison
	// CrossProfile maps family name to the dataset across profiles.
	CrossProfile map[string]model.CrossProfileComparison
	// Durations maps profile to the per-VPN duration reconciliation.
	Durations map[string]map[model.VPN]model.DurationBreakdown
	// RunDurations is the reconciliation of the whole run of each VPN.
	RunDurations    map[model.VPN]model.DurationBreakdown
	Inconsistencies []Inconsistency

	Successes int
	Errors    int
	Malformed int
}

// cell is the set of result files of one (profile, test, VPN).
type cell struct {
	profile string
	test    model.TestKind
	vpn     model.VPN
	entries []persistence.Entry
}

type cellKey struct {
	profile string
	test    model.TestKind
	vpn     model.VPN
}

// machineResult is a result file that could be read. set holds the metrics of
// successes carrying at least one metric of the family; usable is false for
// successes without any.
type machineResult struct {
	machine string
	result  model.TestResult
	set     model.MetricSet
	usable  bool
}

// Run aggregates every result file and writes the datasets to Out. Missing
// or malformed files are logged and treated as absent.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	entries, err := e.In.Scan()
	if err != nil {
		return nil, err
	}
	r := &Report{
		Profiles:     map[string]map[string]model.Comparison{},
		CrossProfile: map[string]model.CrossProfileComparison{},
		Durations:    map[string]map[model.VPN]model.DurationBreakdown{},
		RunDurations: map[model.VPN]model.DurationBreakdown{},
	}
	acc := newAccumulator()

	for _, c := range group(entries) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		family, err := c.test.Family()
		if err != nil {
			log.Debug("skipping unknown test", "vpn", c.vpn, "profile", c.profile, "test", c.test)
			continue
		}
		results := e.read(r, c, family)
		acc.add(c, results)
		entry, ok := compare(results)
		if !ok {
			continue
		}
		if r.Profiles[c.profile] == nil {
			r.Profiles[c.profile] = map[string]model.Comparison{}
		}
		if r.Profiles[c.profile][family.Name] == nil {
			r.Profiles[c.profile][family.Name] = model.Comparison{}
		}
		r.Profiles[c.profile][family.Name][c.vpn] = entry
	}

	r.CrossProfile = crossProfile(r.Profiles)
	r.Durations, r.RunDurations = e.reconcile(acc)
	r.Inconsistencies = acc.inconsistencies(e.tolerance())
	for _, inc := range r.Inconsistencies {
		log.Warn("inconsistent test durations across VPNs",
			"profile", inc.Profile, "test", inc.Test,
			"fastest", inc.Fastest, "slowest", inc.Slowest,
			"spread_seconds", inc.SpreadSeconds)
	}

	if err := e.write(r); err != nil {
		return nil, err
	}
	log.Info("aggregation complete",
		"profiles", len(r.Profiles),
		"successes", r.Successes,
		"errors", r.Errors,
		"malformed", r.Malformed)
	return r, nil
}

func (e *Engine) tolerance() float64 {
	if e.Tolerance > 0 {
		return e.Tolerance
	}
	return DefaultTolerance
}

// group collects entries by (profile, test, VPN), keeping the lexical
// machine order of the scan.
func group(entries []persistence.Entry) []*cell {
	var cells []*cell
	index := map[cellKey]*cell{}
	for _, en := range entries {
		k := cellKey{profile: en.Profile, test: model.TestKind(en.Test), vpn: model.VPN(en.VPN)}
		c, ok := index[k]
		if !ok {
			c = &cell{profile: k.profile, test: k.test, vpn: k.vpn}
			index[k] = c
			cells = append(cells, c)
		}
		c.entries = append(c.entries, en)
	}
	return cells
}

// read loads the result files of c. Successes without any metric of family
// are counted as malformed; their meta still contributes to durations.
func (e *Engine) read(r *Report, c *cell, family model.Family) []machineResult {
	var results []machineResult
	for _, en := range c.entries {
		res, err := persistence.ReadResult(en.Path)
		if err != nil {
			log.Warn("ignoring unreadable result file", "path", en.Path, "error", err)
			metrics.AggregationFiles.WithLabelValues("malformed").Inc()
			r.Malformed++
			continue
		}
		mr := machineResult{machine: en.Machine, result: res}
		switch o := res.Outcome.(type) {
		case model.Success:
			mr.set, mr.usable = e.metricsOf(c, en.Machine, o, family)
			if !mr.usable {
				metrics.AggregationFiles.WithLabelValues("malformed").Inc()
				r.Malformed++
				break
			}
			metrics.AggregationFiles.WithLabelValues(string(model.StatusSuccess)).Inc()
			r.Successes++
		case model.Failure:
			metrics.AggregationFiles.WithLabelValues(string(model.StatusError)).Inc()
			r.Errors++
		}
		results = append(results, mr)
	}
	return results
}

// metricsOf extracts the family metrics of a success. It reports false when
// the data object is malformed or holds none of them.
func (e *Engine) metricsOf(c *cell, machine string, s model.Success, family model.Family) (model.MetricSet, bool) {
	set, skipped, err := extract(s.Data, family)
	if err != nil {
		log.Warn("ignoring malformed data object",
			"vpn", c.vpn, "profile", c.profile, "machine", machine, "error", err)
		return nil, false
	}
	if len(set) == 0 {
		log.Warn("ignoring result without metrics",
			"vpn", c.vpn, "profile", c.profile, "machine", machine, "test", c.test)
		return nil, false
	}
	if len(skipped) > 0 {
		log.Warn("missing metrics in result",
			"vpn", c.vpn, "profile", c.profile, "machine", machine, "metrics", skipped)
	}
	return set, true
}

// compare returns the comparison entry of a cell: merged statistics if any
// machine produced usable metrics, else the first machine error. It returns
// false when there is nothing to report.
func compare(results []machineResult) (model.ComparisonEntry, bool) {
	perMetric := map[string][]model.MetricStats{}
	succeeded := 0
	for _, mr := range results {
		if !mr.usable {
			continue
		}
		succeeded++
		for name, ms := range mr.set {
			perMetric[name] = append(perMetric[name], ms)
		}
	}
	if succeeded > 0 {
		merged := model.MetricSet{}
		for name, all := range perMetric {
			merged[name] = stats.Merge(all)
		}
		return model.Succeeded(merged), true
	}
	for _, mr := range results {
		if f, ok := mr.result.Outcome.(model.Failure); ok {
			return model.Failed(f.Type, f.Detail.String(), mr.machine), true
		}
	}
	return model.ComparisonEntry{}, false
}

// crossProfile regroups the per-profile datasets by family, with profiles
// in severity order.
func crossProfile(profiles map[string]map[string]model.Comparison) map[string]model.CrossProfileComparison {
	aliases := maps.Keys(profiles)
	model.SortProfiles(aliases)
	out := map[string]model.CrossProfileComparison{}
	for _, alias := range aliases {
		families := maps.Keys(profiles[alias])
		sort.Strings(families)
		for _, f := range families {
			out[f] = append(out[f], model.ProfileComparison{
				Profile: alias,
				VPNs:    profiles[alias][f],
			})
		}
	}
	return out
}

// write stores every dataset of r below Out.
func (e *Engine) write(r *Report) error {
	for alias, families := range r.Profiles {
		for name, cmp := range families {
			if _, err := e.Out.WriteJSON(cmp, alias, name+".json"); err != nil {
				return err
			}
		}
	}
	for name, cmp := range r.CrossProfile {
		if _, err := e.Out.WriteJSON(cmp, CrossProfileDir, name+".json"); err != nil {
			return err
		}
	}
	for alias, d := range r.Durations {
		if _, err := e.Out.WriteJSON(d, alias, TimingFile+".json"); err != nil {
			return err
		}
	}
	if len(r.RunDurations) > 0 {
		if _, err := e.Out.WriteJSON(r.RunDurations, CrossProfileDir, TimingFile+".json"); err != nil {
			return err
		}
	}
	return nil
}
