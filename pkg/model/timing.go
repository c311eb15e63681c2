package model

import "strings"

// OperationTiming is the timing record of a single operation.
type OperationTiming struct {
	Name            string      `json:"name"`
	DurationSeconds float64     `json:"duration_seconds"`
	StartTimestamp  float64     `json:"start_timestamp"`
	Success         bool        `json:"success"`
	ErrorMessage    string      `json:"error_message,omitempty"`
	Metadata        []NameValue `json:"metadata,omitempty"`
}

// PhaseTiming is the timing record of a phase and of the operations run
// while it was open.
type PhaseTiming struct {
	Phase           string            `json:"phase"`
	DurationSeconds float64           `json:"duration_seconds"`
	StartTimestamp  float64           `json:"start_timestamp"`
	Operations      []OperationTiming `json:"operations"`
	Metadata        []NameValue       `json:"metadata,omitempty"`
}

// TimingBreakdown is the finalized timing record of one benchmarked VPN.
type TimingBreakdown struct {
	VPNName              string        `json:"vpn_name"`
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
	StartTimestamp       float64       `json:"start_timestamp"`
	EndTimestamp         float64       `json:"end_timestamp"`
	Phases               []PhaseTiming `json:"phases"`
	// Unattached holds operations timed while no phase was open.
	Unattached []OperationTiming `json:"unattached_operations,omitempty"`
}

// Phase returns the first phase called name.
func (b *TimingBreakdown) Phase(name string) (PhaseTiming, bool) {
	for _, p := range b.Phases {
		if p.Phase == name {
			return p, true
		}
	}
	return PhaseTiming{}, false
}

// OperationSeconds sums the duration of every operation called name in
// every phase.
func (b *TimingBreakdown) OperationSeconds(name string) float64 {
	var total float64
	for _, p := range b.Phases {
		for _, op := range p.Operations {
			if op.Name == name {
				total += op.DurationSeconds
			}
		}
	}
	return total
}

// PhasePrefixSeconds sums the duration of every phase whose name starts
// with prefix.
func (b *TimingBreakdown) PhasePrefixSeconds(prefix string) float64 {
	var total float64
	for _, p := range b.Phases {
		if strings.HasPrefix(p.Phase, prefix) {
			total += p.DurationSeconds
		}
	}
	return total
}

// Names of the phases and operations recorded by the benchmark driver and
// read back during duration reconciliation.
const (
	PhaseInstall       = "install"
	PhaseProfilePrefix = "profile:"
	OpVPNInstall       = "vpn_install"
	OpTCApply          = "tc_apply"
	OpTCStabilization  = "tc_stabilization"
)

// File names of the per-VPN and per-profile records in a results tree.
const (
	TimingBreakdownFile = "timing_breakdown.json"
	SettingsFile        = "tc_settings.json"
)
