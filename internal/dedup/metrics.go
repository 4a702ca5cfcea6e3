package dedup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	markedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_dedup_marked_total",
		Help: "Total ids marked as processed, by tracker mode",
	}, []string{"mode"})

	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_dedup_saves_total",
		Help: "Total tracker snapshot save operations by status",
	}, []string{"status"})

	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_dedup_loads_total",
		Help: "Total tracker snapshot load operations by status",
	}, []string{"status"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "histflow_dedup_save_duration_seconds",
		Help:    "Tracker snapshot save latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	trackerMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "histflow_dedup_tracker_mode",
		Help: "Active tracker mode (0 = exact, 1 = bloom)",
	})
)
