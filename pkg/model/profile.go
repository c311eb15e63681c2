package model

import (
	"sort"
	"strings"
)

// Well-known profile aliases.
const (
	ProfileBaseline = "baseline"
	ProfileLow      = "low_impairment"
	ProfileMedium   = "medium_impairment"
	ProfileHigh     = "high_impairment"
)

// NetworkProfile is a named set of traffic-control parameters. Nil fields are
// not applied. A profile with Baseline set carries no impairment but still
// causes any existing impairment to be cleared.
type NetworkProfile struct {
	Alias    string `yaml:"alias" json:"alias"`
	Baseline bool   `yaml:"baseline" json:"baseline"`

	// BandwidthMbit is a per-direction rate cap.
	BandwidthMbit *int `yaml:"bandwidth_mbit" json:"bandwidth_mbit,omitempty"`
	// LatencyMs, JitterMs, PacketLoss and Reorder are one-way values. Since
	// they are applied on every machine, a packet crossing two machines
	// experiences twice the configured amount.
	LatencyMs          *int     `yaml:"latency_ms" json:"latency_ms,omitempty"`
	JitterMs           *int     `yaml:"jitter_ms" json:"jitter_ms,omitempty"`
	PacketLoss         *float64 `yaml:"packet_loss" json:"packet_loss,omitempty"`
	Reorder            *float64 `yaml:"reorder" json:"reorder,omitempty"`
	ReorderCorrelation *float64 `yaml:"reorder_correlation" json:"reorder_correlation,omitempty"`
}

// HasNetem reports whether the profile needs a delay/loss discipline.
func (p NetworkProfile) HasNetem() bool {
	if p.Baseline {
		return false
	}
	return p.LatencyMs != nil || p.JitterMs != nil || p.PacketLoss != nil || p.Reorder != nil
}

// HasRateLimit reports whether the profile needs a rate-limiting discipline.
func (p NetworkProfile) HasRateLimit() bool {
	return !p.Baseline && p.BandwidthMbit != nil
}

// Settings is the record of the effective impairment experienced by traffic
// between two machines, persisted next to the results of a profile.
type Settings struct {
	Alias              string   `json:"alias"`
	BandwidthMbit      *int     `json:"bandwidth_mbit"`
	LatencyMs          *int     `json:"latency_ms"`
	JitterMs           *int     `json:"jitter_ms"`
	PacketLoss         *float64 `json:"packet_loss"`
	Reorder            *float64 `json:"reorder"`
	ReorderCorrelation *float64 `json:"reorder_correlation"`
}

// Effective returns the two-way impairment of p. Additive parameters are
// doubled; the bandwidth cap and the reorder correlation are not.
func (p NetworkProfile) Effective() Settings {
	s := Settings{Alias: p.Alias}
	if p.Baseline {
		return s
	}
	s.BandwidthMbit = p.BandwidthMbit
	s.ReorderCorrelation = p.ReorderCorrelation
	if p.LatencyMs != nil {
		s.LatencyMs = Int(*p.LatencyMs * 2)
	}
	if p.JitterMs != nil {
		s.JitterMs = Int(*p.JitterMs * 2)
	}
	if p.PacketLoss != nil {
		s.PacketLoss = Float(*p.PacketLoss * 2)
	}
	if p.Reorder != nil {
		s.Reorder = Float(*p.Reorder * 2)
	}
	return s
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DefaultProfiles returns the built-in impairment profiles, from least to
// most severe.
func DefaultProfiles() []NetworkProfile {
	return []NetworkProfile{
		{Alias: ProfileBaseline, Baseline: true},
		{
			Alias:              ProfileLow,
			LatencyMs:          Int(2),
			JitterMs:           Int(2),
			PacketLoss:         Float(0.25),
			Reorder:            Float(1),
			ReorderCorrelation: Float(25),
		},
		{
			Alias:              ProfileMedium,
			LatencyMs:          Int(4),
			JitterMs:           Int(6),
			PacketLoss:         Float(0.5),
			Reorder:            Float(1.25),
			ReorderCorrelation: Float(50),
		},
		{
			Alias:              ProfileHigh,
			BandwidthMbit:      Int(100),
			LatencyMs:          Int(6),
			JitterMs:           Int(10),
			PacketLoss:         Float(1),
			Reorder:            Float(1.5),
			ReorderCorrelation: Float(75),
		},
	}
}

// severity ranks the well-known aliases. Unknown aliases sort after them.
func severity(alias string) int {
	switch {
	case alias == ProfileBaseline:
		return 0
	case strings.HasPrefix(alias, "low"):
		return 1
	case strings.HasPrefix(alias, "medium"):
		return 2
	case strings.HasPrefix(alias, "high"):
		return 3
	default:
		return 4
	}
}

// SortProfiles sorts aliases in place by severity: baseline, low, medium,
// high, then any other alias alphabetically.
func SortProfiles(aliases []string) {
	sort.SliceStable(aliases, func(i, j int) bool {
		si, sj := severity(aliases[i]), severity(aliases[j])
		if si != sj {
			return si < sj
		}
		return aliases[i] < aliases[j]
	})
}
