package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/histflow/histflow/internal/cache"
	"github.com/histflow/histflow/internal/conn"
	"github.com/histflow/histflow/internal/dedup"
	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
	"github.com/histflow/histflow/internal/stats"
)

// hotZoneFactor is the density overshoot that triggers a chunk split: a
// chunk whose retrieved count exceeds this multiple of the expected count
// for the ids scanned so far is split in half once.
const hotZoneFactor = 2.0

// Config holds shard coordinator configuration.
type Config struct {
	// Workers is the fetch worker count (default: GOMAXPROCS).
	Workers int
	// ChunksPerWorker controls the initial partition granularity
	// (default: 4).
	ChunksPerWorker int
	// PageSize bounds one remote fetch (default: 200).
	PageSize int
	// ResolveBatchSize bounds one batch entity resolve (default: 100).
	ResolveBatchSize int
	// SpillDir holds per-chunk spill files.
	SpillDir string
	// ExpectedDensity is the anticipated records-per-id ratio used by
	// hot-zone detection (default: 0.5).
	ExpectedDensity float64
	// OriginTTL is the cache lifetime of resolved origin entities
	// (default: 1h).
	OriginTTL time.Duration
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.GOMAXPROCS(0),
		ChunksPerWorker:  4,
		PageSize:         200,
		ResolveBatchSize: 100,
		SpillDir:         filepath.Join(os.TempDir(), "histflow-spill"),
		ExpectedDensity:  0.5,
		OriginTTL:        time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ChunksPerWorker <= 0 {
		c.ChunksPerWorker = d.ChunksPerWorker
	}
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.ResolveBatchSize <= 0 {
		c.ResolveBatchSize = d.ResolveBatchSize
	}
	if c.SpillDir == "" {
		c.SpillDir = d.SpillDir
	}
	if c.ExpectedDensity <= 0 {
		c.ExpectedDensity = d.ExpectedDensity
	}
	if c.OriginTTL <= 0 {
		c.OriginTTL = d.OriginTTL
	}
	return c
}

// Coordinator partitions an id space, drives the fetch worker pool and
// produces the merged ordered output. One coordinator serves one run.
type Coordinator struct {
	cfg       Config
	conns     *conn.Manager
	fetcher   remote.PageFetcher
	resolver  remote.BatchResolver
	tracker   dedup.Tracker
	origins   *cache.Store
	collector *stats.Collector
	spill     *Spill
}

// NewCoordinator wires a coordinator. resolver and origins may be nil when
// the run does not resolve cross-record references; collector may be nil
// when no run-level counters are kept.
func NewCoordinator(cfg Config, conns *conn.Manager, fetcher remote.PageFetcher, resolver remote.BatchResolver, tracker dedup.Tracker, origins *cache.Store, collector *stats.Collector) (*Coordinator, error) {
	if conns == nil || fetcher == nil || tracker == nil {
		return nil, fmt.Errorf("coordinator requires a connection manager, fetcher and tracker")
	}
	cfg = cfg.withDefaults()
	spill, err := NewSpill(cfg.SpillDir)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       cfg,
		conns:     conns,
		fetcher:   fetcher,
		resolver:  resolver,
		tracker:   tracker,
		origins:   origins,
		collector: collector,
		spill:     spill,
	}, nil
}

// runState is the shared mutable state of one Run: the chunk queue, the
// live chunk list (splits append to it) and the outstanding count that
// closes the queue when it drains to zero.
type runState struct {
	queue       chan *Chunk
	outstanding atomic.Int64

	mu     sync.Mutex
	chunks []*Chunk
}

func (rs *runState) enqueue(c *Chunk) {
	rs.mu.Lock()
	rs.chunks = append(rs.chunks, c)
	rs.mu.Unlock()
	rs.outstanding.Add(1)
	rs.queue <- c
}

func (rs *runState) finish() {
	if rs.outstanding.Add(-1) == 0 {
		close(rs.queue)
	}
}

func (rs *runState) all() []*Chunk {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]*Chunk, len(rs.chunks))
	copy(out, rs.chunks)
	return out
}

// Run fetches the whole id space and returns the merged record stream in
// strictly ascending id order, plus the progress record for resume. Chunk
// failures are absorbed: their partial results are kept and their unfetched
// ranges recorded incomplete. Run fails only on context cancellation or
// total inability to obtain connections.
func (c *Coordinator) Run(ctx context.Context, space record.IDSpace) ([]record.Record, *Progress, error) {
	chunks, err := Partition(space, c.cfg.Workers*c.cfg.ChunksPerWorker)
	if err != nil {
		return nil, nil, fmt.Errorf("partition: %w", err)
	}
	progress := NewProgress()
	if len(chunks) == 0 {
		return nil, progress, nil
	}

	// Each chunk splits at most once, so 2x the initial count bounds the
	// queue and enqueue never blocks.
	rs := &runState{queue: make(chan *Chunk, 2*len(chunks))}
	for _, ch := range chunks {
		rs.enqueue(ch)
	}

	logging.Info("shard run starting", logging.F(
		"low", space.Low,
		"high", space.High,
		"chunks", len(chunks),
		"workers", c.cfg.Workers,
	))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return c.runWorker(gctx, worker, rs, progress)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, progress, err
	}

	merged, err := c.merge(ctx, rs.all(), progress)
	if err != nil {
		return nil, progress, err
	}
	return merged, progress, nil
}

func (c *Coordinator) runWorker(ctx context.Context, id int, rs *runState, progress *Progress) error {
	pool := c.conns.Pool("fetch")
	cn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() { pool.Release(cn) }()

	for {
		var ch *Chunk
		var ok bool
		select {
		case ch, ok = <-rs.queue:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		ch.assign(id)
		start := time.Now()
		err := c.fetchChunk(ctx, ch, rs, &cn, pool)
		chunkDuration.Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			ch.Status = StatusDone
			chunksTotal.WithLabelValues(StatusDone.String()).Inc()
			if c.collector != nil {
				c.collector.RecordChunk(false)
			}
			progress.MarkComplete(ch.Start, ch.End)
		case ctx.Err() != nil:
			rs.finish()
			return ctx.Err()
		default:
			ch.Status = StatusFailed
			chunksTotal.WithLabelValues(StatusFailed.String()).Inc()
			if c.collector != nil {
				c.collector.RecordChunk(true)
			}
			progress.MarkComplete(ch.Start, ch.fetchedThrough)
			progress.MarkIncomplete(ch.fetchedThrough, ch.End)
			logging.Error("chunk failed, range recorded incomplete", logging.F(
				"start", ch.Start,
				"end", ch.End,
				"fetched_through", ch.fetchedThrough,
				"worker", id,
				"error", err.Error(),
			))
		}
		rs.finish()
	}
}

// fetchChunk pages through the chunk's range, spilling results on the way
// out. A fatal error restarts the worker's connection once and retries the
// chunk from the current cursor; any further terminal error fails the
// chunk, keeping what was spilled. fetchedThrough only advances past ids
// whose records are durable on disk, so the failure branch in runWorker can
// trust it when recording the incomplete range.
func (c *Coordinator) fetchChunk(ctx context.Context, ch *Chunk, rs *runState, cn **conn.Conn, pool *conn.Pool) error {
	ch.Status = StatusFetching
	var recs []record.Record
	cursor := remote.Cursor{Next: ch.fetchedThrough, End: ch.End}

	for !cursor.Done() {
		var page []record.Record
		var next remote.Cursor
		err := c.conns.ExecuteWithRetry(ctx, "fetch", func(ctx context.Context) error {
			var ferr error
			page, next, ferr = c.fetcher.FetchPage(ctx, cursor, c.cfg.PageSize)
			return ferr
		})
		if err != nil {
			if ctx.Err() == nil && remote.Classify(err) == remote.KindFatal && ch.Attempts == 0 {
				ch.Attempts++
				*cn = pool.Restart(*cn)
				workerRestartsTotal.Inc()
				logging.Warn("fatal fetch error, retrying chunk on fresh connection", logging.F(
					"start", ch.Start,
					"end", ch.End,
					"conn", (*cn).ID,
				))
				continue
			}
			if len(recs) > 0 {
				if serr := c.spill.Write(ch, recs); serr != nil {
					// Nothing durable survives, so the whole chunk
					// must be refetched on resume.
					ch.fetchedThrough = ch.Start
					logging.Warn("partial spill failed", logging.F("error", serr.Error()))
				}
			}
			return err
		}

		recs = append(recs, page...)
		ch.Retrieved = len(recs)
		recordsFetchedTotal.Add(float64(len(page)))
		cursor = next
		ch.fetchedThrough = cursor.Next

		if c.shouldSplit(ch, cursor) {
			if upper := ch.splitAt(cursor.Next); upper != nil {
				cursor.End = ch.End
				chunkSplitsTotal.Inc()
				logging.Info("hot zone detected, splitting chunk", logging.F(
					"start", ch.Start,
					"end", ch.End,
					"upper_start", upper.Start,
					"upper_end", upper.End,
					"retrieved", ch.Retrieved,
				))
				rs.enqueue(upper)
			}
		}
	}
	if err := c.spill.Write(ch, recs); err != nil {
		// The fetched records never reached disk. Rewinding the
		// watermark fails the chunk with its full range incomplete
		// instead of silently recording an empty spill as complete.
		ch.fetchedThrough = ch.Start
		return err
	}
	return nil
}

// shouldSplit flags a chunk whose observed density overshoots the expected
// density by hotZoneFactor while more than two pages remain. Split chunks
// never split again.
func (c *Coordinator) shouldSplit(ch *Chunk, cursor remote.Cursor) bool {
	if ch.split {
		return false
	}
	if cursor.End-cursor.Next <= uint64(2*c.cfg.PageSize) {
		return false
	}
	scanned := cursor.Next - ch.Start
	if scanned == 0 {
		return false
	}
	expected := float64(scanned) * c.cfg.ExpectedDensity
	return expected > 0 && float64(ch.Retrieved) > hotZoneFactor*expected
}

// merge is the collect, filter, sort, emit step. Chunks complete in
// arbitrary order, so every chunk's spill is read back, seen ids dropped,
// and the remainder sorted by id before anything is emitted.
func (c *Coordinator) merge(ctx context.Context, chunks []*Chunk, progress *Progress) ([]record.Record, error) {
	var all []record.Record
	for _, ch := range chunks {
		recs, err := c.spill.Read(ch)
		if err != nil {
			logging.Warn("spill unreadable, range recorded incomplete", logging.F(
				"start", ch.Start,
				"end", ch.End,
				"error", err.Error(),
			))
			progress.MarkIncomplete(ch.Start, ch.End)
			continue
		}
		all = append(all, recs...)
	}

	merged := make([]record.Record, 0, len(all))
	for i := range all {
		if c.tracker.Seen(all[i].ID) {
			recordsDedupedTotal.Inc()
			continue
		}
		c.tracker.Mark(all[i].ID)
		merged = append(merged, all[i])
	}
	if c.collector != nil {
		c.collector.RecordDeduped(len(all) - len(merged))
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	progress.AddProcessed(int64(len(merged)))
	recordsEmittedTotal.Add(float64(len(merged)))

	if c.resolver != nil {
		c.resolveOrigins(ctx, merged)
	}
	for _, ch := range chunks {
		c.spill.Remove(ch)
	}

	logging.Info("shard run merged", logging.F(
		"fetched", len(all),
		"emitted", len(merged),
		"deduped", len(all)-len(merged),
	))
	return merged, nil
}
