package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/vpnbench/internal/bench"
	"github.com/m-lab/vpnbench/internal/config"
	"github.com/m-lab/vpnbench/internal/connectivity"
	"github.com/m-lab/vpnbench/internal/netem"
	"github.com/m-lab/vpnbench/internal/persistence"
	"github.com/m-lab/vpnbench/internal/progress"
	"github.com/m-lab/vpnbench/pkg/model"
)

var (
	flagConfig       = flag.String("config", "vpnbench.yaml", "Benchmark configuration file")
	flagResults      = flag.String("results", "", "Results directory, overriding results_dir")
	flagLogLevel     = flag.String("log.level", "info", "Log level (debug, info, warn, error)")
	flagProgressAddr = flag.String("progress.addr", "", "Listen address of the WebSocket progress feed. Disabled if empty")
	flagLocalPing    = flag.Bool("ping.local", false, "Check connectivity by pinging from this host instead of the source machine")
	flagVPNs         = flagx.StringArray{}
)

func init() {
	flag.Var(&flagVPNs, "vpn", "Only benchmark this VPN (repeatable)")
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")

	level, err := log.ParseLevel(*flagLogLevel)
	rtx.Must(err, "invalid log level %q", *flagLogLevel)
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	cfg, err := config.Load(*flagConfig)
	rtx.Must(err, "cannot load configuration")
	if *flagResults != "" {
		cfg.ResultsDir = *flagResults
	}
	if len(flagVPNs) > 0 {
		cfg.VPNs = nil
		for _, name := range flagVPNs {
			vpn, err := model.ParseVPN(name)
			rtx.Must(err, "invalid -vpn")
			cfg.VPNs = append(cfg.VPNs, vpn)
		}
	}
	profiles, err := cfg.NetworkProfiles()
	rtx.Must(err, "cannot resolve profiles")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracker := progress.New()
	tracker.Subscribe(progress.LogObserver{})
	if *flagProgressAddr != "" {
		b := progress.NewBroadcaster(progress.DefaultBuffer)
		tracker.Subscribe(b)
		mux := http.NewServeMux()
		mux.Handle("/v0/progress", b)
		srv := &http.Server{
			Addr:              *flagProgressAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		log.Info("About to listen for progress clients", "endpoint", *flagProgressAddr)
		go func() {
			err := srv.ListenAndServe()
			if !errors.Is(err, http.ErrServerClosed) {
				rtx.Must(err, "Could not start progress server")
			}
		}()
		defer srv.Close()
	}

	runner := cfg.SSH.Runner()
	impairer := netem.New(runner)
	impairer.Parallelism = cfg.Parallelism
	impairer.Sudo = cfg.Sudo

	var prober connectivity.Prober = connectivity.Remote{Runner: runner}
	if *flagLocalPing {
		prober = connectivity.ICMP{Count: 1, Timeout: 2 * time.Second}
	}

	d := &bench.Driver{
		VPNs:            cfg.VPNs,
		Profiles:        profiles,
		Tests:           cfg.Tests,
		Machines:        cfg.Machines,
		TCStabilization: cfg.TCStabilization,
		RestartPolicy:   cfg.Retry.Policy("vpn_restart"),
		TestPolicy:      cfg.Retry.Policy("test"),
		Results:         persistence.New(cfg.ResultsDir),
		Impairer:        impairer,
		Manager:         &bench.Systemd{Runner: runner, Sudo: cfg.Sudo, Parallelism: cfg.Parallelism},
		Runner:          &bench.Command{Runner: runner, Commands: cfg.Commands},
		Waiter: &connectivity.Waiter{
			Prober: prober,
			Policy: cfg.Retry.Policy("connectivity"),
		},
		Progress: tracker,
	}

	log.Info("Starting benchmark", "vpns", len(cfg.VPNs), "profiles", len(profiles),
		"tests", len(cfg.Tests), "machines", len(cfg.Machines), "results", cfg.ResultsDir)
	if err := d.Run(ctx); err != nil {
		log.Error("Benchmark finished with failures", "error", err)
		cancel()
		promSrv.Close()
		os.Exit(1)
	}
	log.Info("Benchmark complete", "results", cfg.ResultsDir)
}
