// Package metrics defines the Prometheus metrics exported by vpnbench.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttempts counts every attempt made by the retry policy, by
	// operation and outcome ("success", "retry", "exhausted", "fatal").
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnbench_retry_attempts_total",
			Help: "Number of attempts made by the retry policy.",
		},
		[]string{"operation", "outcome"},
	)

	// TrafficControlOps counts traffic-control operations per machine, by
	// action ("apply", "clear") and result ("ok", "error").
	TrafficControlOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnbench_tc_operations_total",
			Help: "Number of traffic-control operations on machines.",
		},
		[]string{"action", "result"},
	)

	// ProgressPercent is the completion of the current benchmark matrix.
	ProgressPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vpnbench_progress_percent",
			Help: "Completion of the benchmark matrix (0-100).",
		},
	)

	// TestResults counts persisted test results by test and status.
	TestResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnbench_test_results_total",
			Help: "Number of test results written, by test and status.",
		},
		[]string{"test", "status"},
	)

	// AggregationFiles counts result files seen by the aggregation engine,
	// by outcome ("success", "error", "malformed").
	AggregationFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpnbench_aggregation_files_total",
			Help: "Number of result files read during aggregation.",
		},
		[]string{"outcome"},
	)
)
