package shard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histflow_shard_chunks_total",
		Help: "Chunks finished by terminal status",
	}, []string{"status"})

	chunkSplitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_chunk_splits_total",
		Help: "Hot-zone chunk splits performed",
	})

	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "histflow_shard_chunk_duration_seconds",
		Help:    "Wall time to fetch one chunk",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	})

	recordsFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_records_fetched_total",
		Help: "Records fetched across all chunks before dedup",
	})

	recordsEmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_records_emitted_total",
		Help: "Records emitted after dedup and merge",
	})

	recordsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_records_deduped_total",
		Help: "Records dropped because the tracker reported them seen",
	})

	spillBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_spill_bytes_total",
		Help: "Bytes written to chunk spill files",
	})

	resolveCallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_resolve_calls_total",
		Help: "Batch entity-resolve calls issued",
	})

	workerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histflow_shard_worker_restarts_total",
		Help: "Worker connection restarts after fatal errors",
	})
)
