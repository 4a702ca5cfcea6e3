package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histflow_pipeline_stage_depth",
		Help: "Queued items per pipeline stage",
	}, []string{"stage"})

	stageThroughputTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_pipeline_stage_throughput_total",
		Help: "Items passed through each stage",
	}, []string{"stage"})

	recordsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_pipeline_records_failed_total",
		Help: "Records dropped after a transform or write failure",
	})

	transformDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "histflow_pipeline_transform_duration_seconds",
		Help:    "Per-record transform latency",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	})

	writeFlushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_pipeline_write_flushes_total",
		Help: "Sink flushes issued by the write stage",
	})
)
