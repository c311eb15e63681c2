// vpnbench-probe runs one measurement towards a target and prints the
// metric family object as JSON on stdout. It is the default test command
// executed on the source machine of each pair.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/vpnbench/internal/connectivity"
	"github.com/m-lab/vpnbench/pkg/model"
)

var (
	flagCount      = flag.Int("count", 10, "Number of echo requests")
	flagInterval   = flag.Duration("interval", 200*time.Millisecond, "Interval between echo requests")
	flagTimeout    = flag.Duration("timeout", 30*time.Second, "Timeout of the whole measurement")
	flagPrivileged = flag.Bool("privileged", false, "Use raw ICMP sockets")
)

var errUnsupported = errors.New("unsupported test kind")

func measure(ctx context.Context, kind model.TestKind, target string) (interface{}, error) {
	switch kind {
	case model.TestPing:
		p := connectivity.ICMP{
			Count:      *flagCount,
			Interval:   *flagInterval,
			Timeout:    *flagTimeout,
			Privileged: *flagPrivileged,
		}
		return p.Measure(ctx, target)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, kind)
	}
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <test> <target>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	kind, err := model.ParseTestKind(flag.Arg(0))
	rtx.Must(err, "invalid test kind")

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout+5*time.Second)
	defer cancel()
	data, err := measure(ctx, kind, flag.Arg(1))
	if err != nil {
		log.Error("measurement failed", "test", kind, "target", flag.Arg(1), "error", err)
		cancel()
		os.Exit(1)
	}
	rtx.Must(json.NewEncoder(os.Stdout).Encode(data), "cannot encode result")
}
