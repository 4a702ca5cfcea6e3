package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_conn_retries_total",
		Help: "Total failed remote attempts by class and error kind",
	}, []string{"class", "kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_conn_retry_exhausted_total",
		Help: "Total calls that exhausted their retry budget",
	}, []string{"class", "kind"})

	operationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histflow_conn_operation_latency_seconds",
		Help:    "Remote operation latency by connection class",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"class"})

	throttledGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "histflow_conn_throttled",
		Help: "Whether sustained server throttling is detected (0/1)",
	})

	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histflow_conn_pool_size",
		Help: "Configured connection pool size by class",
	}, []string{"class"})

	poolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histflow_conn_pool_in_use",
		Help: "Connections currently acquired by class",
	}, []string{"class"})

	poolRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_conn_pool_restarts_total",
		Help: "Total connection restarts after permanent failure",
	}, []string{"class"})
)
