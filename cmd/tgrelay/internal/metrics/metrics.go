// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package metrics exports the outcome of a run in the Prometheus text format,
// for the node_exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/pipeline"
)

const namespace = "tgrelay"

// Gather returns a registry holding the gauges describing sum.
func Gather(sum pipeline.Summary, now time.Time) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"source": sum.Source},
		})
		g.Set(v)
		reg.MustRegister(g)
	}

	var success float64
	if sum.State == pipeline.Done {
		success = 1
	}
	gauge("last_run_timestamp_seconds", "Time the last run finished.", float64(now.Unix()))
	gauge("last_run_success", "Whether the last run finished without aborting.", success)
	gauge("last_run_duration_seconds", "Duration of the last run.", sum.Duration.Seconds())
	gauge("watermark", "Highest source post ID handled.", float64(sum.Watermark))

	items := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "last_run_items",
		Help:        "Posts seen by the last run by outcome.",
		ConstLabels: prometheus.Labels{"source": sum.Source},
	}, []string{"outcome"})
	items.WithLabelValues("fetched").Set(float64(sum.Fetched))
	items.WithLabelValues("attempted").Set(float64(sum.Attempted))
	items.WithLabelValues("published").Set(float64(sum.Published))
	items.WithLabelValues("declined").Set(float64(sum.Declined))
	items.WithLabelValues("failed").Set(float64(sum.Failed))
	reg.MustRegister(items)

	rejected := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "last_run_rejected",
		Help:        "Posts dropped by filters in the last run by reason.",
		ConstLabels: prometheus.Labels{"source": sum.Source},
	}, []string{"reason"})
	for reason, n := range sum.Rejected {
		rejected.WithLabelValues(string(reason)).Set(float64(n))
	}
	reg.MustRegister(rejected)

	return reg
}

// WriteTextfile atomically writes the metrics of sum to path.
func WriteTextfile(path string, sum pipeline.Summary, now time.Time) error {
	return prometheus.WriteToTextfile(path, Gather(sum, now))
}
