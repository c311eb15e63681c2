package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/vpnbench/internal/aggregate"
	"github.com/m-lab/vpnbench/internal/persistence"
)

var (
	flagResults   = flag.String("results", "bench_results", "Results directory to aggregate")
	flagOut       = flag.String("out", "comparison", "Output directory of the comparison datasets")
	flagTolerance = flag.Float64("tolerance", aggregate.DefaultTolerance, "Seconds of test duration spread tolerated across VPNs")
	flagLogLevel  = flag.String("log.level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	level, err := log.ParseLevel(*flagLogLevel)
	rtx.Must(err, "invalid log level %q", *flagLogLevel)
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	e := &aggregate.Engine{
		In:        persistence.New(*flagResults),
		Out:       persistence.New(*flagOut),
		Tolerance: *flagTolerance,
	}
	report, err := e.Run(ctx)
	rtx.Must(err, "aggregation failed")

	for alias, families := range report.Profiles {
		log.Info("Profile aggregated", "profile", alias, "families", len(families))
	}
	if len(report.Inconsistencies) > 0 {
		log.Warn("Test durations differ across VPNs", "count", len(report.Inconsistencies))
	}
}
