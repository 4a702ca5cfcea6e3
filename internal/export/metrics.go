package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_export_runs_total",
		Help: "Export runs started",
	})

	runFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_export_run_failures_total",
		Help: "Export runs that ended with a terminal error",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "histflow_export_run_duration_seconds",
		Help:    "Wall time of one export run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})
)
