package model

// Percentiles holds the quartile points of a sample set.
type Percentiles struct {
	P25 float64 `json:"p25"`
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
}

// MetricStats is the min/average/max/percentile summary of a numeric sample
// set. A MetricStats computed from no samples has every field set to zero.
type MetricStats struct {
	Min         float64     `json:"min"`
	Average     float64     `json:"average"`
	Max         float64     `json:"max"`
	Percentiles Percentiles `json:"percentiles"`
}

// Ordered reports whether min <= p25 <= p50 <= p75 <= max holds.
func (s MetricStats) Ordered() bool {
	return s.Min <= s.Percentiles.P25 &&
		s.Percentiles.P25 <= s.Percentiles.P50 &&
		s.Percentiles.P50 <= s.Percentiles.P75 &&
		s.Percentiles.P75 <= s.Max
}

// MetricSet maps a metric name (e.g. "rtt_ms") to its statistics.
type MetricSet map[string]MetricStats
