package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_cache_hits_total",
		Help: "Total cache hits",
	})

	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_cache_misses_total",
		Help: "Total cache misses",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_cache_evictions_total",
		Help: "Total entries evicted by capacity or TTL",
	})

	entriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "histflow_cache_entries",
		Help: "Current cache entry count",
	})

	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_cache_flushes_total",
		Help: "Total snapshot flush operations by status",
	}, []string{"status"})
)
