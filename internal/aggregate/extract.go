package aggregate

import (
	"encoding/json"
	"fmt"

	"github.com/Jeffail/gabs/v2"
	"github.com/m-lab/vpnbench/pkg/model"
)

// statsPaths are the paths of the MetricStats fields below a metric key.
var statsPaths = []string{
	"min", "average", "max",
	"percentiles.p25", "percentiles.p50", "percentiles.p75",
}

// extract reads the metrics of family from a success data object. Metrics
// that are absent or incomplete are reported in skipped.
func extract(data []byte, family model.Family) (model.MetricSet, []string, error) {
	c, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, nil, err
	}
	set := model.MetricSet{}
	var skipped []string
	for _, metric := range family.Metrics {
		if !c.Exists(metric) {
			skipped = append(skipped, metric)
			continue
		}
		s, err := metricStats(c.S(metric))
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (%v)", metric, err))
			continue
		}
		set[metric] = s
	}
	return set, skipped, nil
}

func metricStats(c *gabs.Container) (model.MetricStats, error) {
	var v [6]float64
	for i, p := range statsPaths {
		f, ok := number(c.Path(p))
		if !ok {
			return model.MetricStats{}, fmt.Errorf("missing or non-numeric %q", p)
		}
		v[i] = f
	}
	return model.MetricStats{
		Min:     v[0],
		Average: v[1],
		Max:     v[2],
		Percentiles: model.Percentiles{
			P25: v[3],
			P50: v[4],
			P75: v[5],
		},
	}, nil
}

func number(c *gabs.Container) (float64, bool) {
	switch n := c.Data().(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
