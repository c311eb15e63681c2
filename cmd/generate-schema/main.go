package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/vpnbench/pkg/model"

	"cloud.google.com/go/bigquery"
)

var (
	timingSchema   string
	durationSchema string
)

func init() {
	flag.StringVar(&timingSchema, "timing", "/var/spool/datatypes/timing_breakdown.json", "filename to write timing breakdown schema")
	flag.StringVar(&durationSchema, "durations", "/var/spool/datatypes/duration_breakdown.json", "filename to write duration breakdown schema")
}

func writeSchema(v interface{}, name, path string) {
	sch, err := bigquery.InferSchema(v)
	rtx.Must(err, "failed to generate %s schema", name)
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal %s schema", name)
	err = os.WriteFile(path, b, 0o644)
	rtx.Must(err, "failed to write %s schema", name)
}

func main() {
	flag.Parse()
	// Generate and save schemas for autoloading.
	writeSchema(model.TimingBreakdown{}, "timing breakdown", timingSchema)
	writeSchema(model.DurationBreakdown{}, "duration breakdown", durationSchema)
}
