package model

// ComparisonEntry is the aggregated outcome of one VPN for one metric family
// in one profile: either the merged statistics, or the error of the first
// failed machine when no machine succeeded.
type ComparisonEntry struct {
	Status    Status    `json:"status"`
	Data      MetricSet `json:"data,omitempty"`
	ErrorType ErrorType `json:"error_type,omitempty"`
	Error     string    `json:"error,omitempty"`
	Machine   string    `json:"machine,omitempty"`
}

// Succeeded returns a success entry.
func Succeeded(data MetricSet) ComparisonEntry {
	return ComparisonEntry{Status: StatusSuccess, Data: data}
}

// Failed returns an error entry attributed to machine.
func Failed(kind ErrorType, msg, machine string) ComparisonEntry {
	return ComparisonEntry{Status: StatusError, ErrorType: kind, Error: msg, Machine: machine}
}

// Comparison maps each VPN to its entry for one family and profile.
type Comparison map[VPN]ComparisonEntry

// ProfileComparison is one profile's slice of a cross-profile dataset.
type ProfileComparison struct {
	Profile string     `json:"profile"`
	VPNs    Comparison `json:"vpns"`
}

// CrossProfileComparison lists a family's comparisons ordered by profile
// severity.
type CrossProfileComparison []ProfileComparison

// DurationBreakdown reconciles where the benchmarking time of one VPN went.
type DurationBreakdown struct {
	VPN                     string  `json:"vpn"`
	BenchmarkingSeconds     float64 `json:"benchmarking_seconds"`
	VPNRestartSeconds       float64 `json:"vpn_restart_seconds"`
	ConnectivityWaitSeconds float64 `json:"connectivity_wait_seconds"`
	TestSeconds             float64 `json:"test_seconds"`
	TCStabilizationSeconds  float64 `json:"tc_stabilization_seconds"`
	VPNInstallSeconds       float64 `json:"vpn_install_seconds"`
	OtherOverheadSeconds    float64 `json:"other_overhead_seconds"`
}
