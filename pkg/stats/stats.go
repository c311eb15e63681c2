// Package stats computes and merges MetricStats summaries.
package stats

import (
	"sort"

	"github.com/m-lab/vpnbench/pkg/model"
	"golang.org/x/exp/constraints"
)

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Compute summarizes samples. An empty input yields a zero MetricStats.
// Percentiles are linearly interpolated between closest ranks, so they
// always lie within [min, max].
func Compute[T Number](samples []T) model.MetricStats {
	if len(samples) == 0 {
		return model.MetricStats{}
	}
	sorted := make([]float64, len(samples))
	var sum float64
	for i, v := range samples {
		sorted[i] = float64(v)
		sum += float64(v)
	}
	sort.Float64s(sorted)
	return model.MetricStats{
		Min:     sorted[0],
		Average: sum / float64(len(sorted)),
		Max:     sorted[len(sorted)-1],
		Percentiles: model.Percentiles{
			P25: percentile(sorted, 0.25),
			P50: percentile(sorted, 0.50),
			P75: percentile(sorted, 0.75),
		},
	}
}

// percentile returns the p-th quantile (0 <= p <= 1) of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Merge combines per-machine summaries into one: the minimum of minimums,
// the maximum of maximums, and the arithmetic mean of averages and of each
// percentile. It does not recompute anything from raw samples, so the
// cross-machine variance is understated. An empty input yields a zero
// MetricStats.
func Merge(all []model.MetricStats) model.MetricStats {
	if len(all) == 0 {
		return model.MetricStats{}
	}
	out := model.MetricStats{Min: all[0].Min, Max: all[0].Max}
	var avg, p25, p50, p75 float64
	for _, s := range all {
		out.Min = min(out.Min, s.Min)
		out.Max = max(out.Max, s.Max)
		avg += s.Average
		p25 += s.Percentiles.P25
		p50 += s.Percentiles.P50
		p75 += s.Percentiles.P75
	}
	n := float64(len(all))
	out.Average = avg / n
	out.Percentiles = model.Percentiles{P25: p25 / n, P50: p50 / n, P75: p75 / n}
	return out
}
