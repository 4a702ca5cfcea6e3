// Package pipeline overlaps fetching, transforming and writing with three
// stages connected by bounded channels. Records get a sequence number at
// ingress; the single write stage restores ascending sequence order through
// a reorder window before committing to the sink, so the output order is
// exactly the input order no matter how the transform workers interleave.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
)

// Transform converts a fetched record into its sink-ready form.
type Transform func(ctx context.Context, rec record.Record) (record.Record, error)

// Flusher is optionally implemented by sinks that buffer writes.
type Flusher interface {
	Flush() error
}

// Config holds pipeline configuration. Queue sizes are independent so each
// hand-off can be tuned to its stage's burstiness.
type Config struct {
	// FetchQueue is the ingress buffer size (default: 256).
	FetchQueue int
	// ProcessQueue buffers transformed items ahead of the writer
	// (default: 256).
	ProcessQueue int
	// ProcessWorkers is the transform worker count (default: GOMAXPROCS).
	ProcessWorkers int
	// FlushEvery flushes a buffering sink after this many writes
	// (default: 128).
	FlushEvery int
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		FetchQueue:     256,
		ProcessQueue:   256,
		ProcessWorkers: runtime.GOMAXPROCS(0),
		FlushEvery:     128,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FetchQueue <= 0 {
		c.FetchQueue = d.FetchQueue
	}
	if c.ProcessQueue <= 0 {
		c.ProcessQueue = d.ProcessQueue
	}
	if c.ProcessWorkers <= 0 {
		c.ProcessWorkers = d.ProcessWorkers
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = d.FlushEvery
	}
	return c
}

// item is one record in flight, tagged with its ingress sequence number.
// failed items still travel to the writer so the reorder window can advance
// past their sequence.
type item struct {
	seq    uint64
	rec    record.Record
	failed bool
}

// Stats is a point-in-time pipeline snapshot for telemetry.
type Stats struct {
	Ingress      uint64
	Transformed  uint64
	Written      uint64
	Failed       uint64
	FetchDepth   int
	ProcessDepth int
}

// Pipeline is one run's staged fetch/process/write machine. Construct with
// New, feed a source channel to Run, read results from the sink.
type Pipeline struct {
	cfg       Config
	transform Transform
	sink      remote.Sink
	cpu       *CPUPool

	toProcess chan item
	toWrite   chan item

	ingress     atomic.Uint64
	transformed atomic.Uint64
	written     atomic.Uint64
	failed      atomic.Uint64
}

// New wires a pipeline. transform may be nil for pass-through runs; cpu may
// be nil to give the pipeline its own pool.
func New(cfg Config, transform Transform, sink remote.Sink, cpu *CPUPool) (*Pipeline, error) {
	if sink == nil {
		return nil, fmt.Errorf("pipeline requires a sink")
	}
	cfg = cfg.withDefaults()
	if cpu == nil {
		cpu = NewCPUPool(cfg.ProcessWorkers)
	}
	return &Pipeline{
		cfg:       cfg,
		transform: transform,
		sink:      sink,
		cpu:       cpu,
		toProcess: make(chan item, cfg.FetchQueue),
		toWrite:   make(chan item, cfg.ProcessQueue),
	}, nil
}

// CPU returns the pipeline's CPU pool so run-level work sharing the
// processors, like checkpoint encoding, can use the high-priority lane.
func (p *Pipeline) CPU() *CPUPool { return p.cpu }

// Stats returns current counters and queue depths.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Ingress:      p.ingress.Load(),
		Transformed:  p.transformed.Load(),
		Written:      p.written.Load(),
		Failed:       p.failed.Load(),
		FetchDepth:   len(p.toProcess),
		ProcessDepth: len(p.toWrite),
	}
}

// Run drives the three stages until source closes and everything in flight
// has drained to the sink, or until ctx is cancelled. A full queue blocks
// the upstream stage; nothing is dropped under backpressure.
func (p *Pipeline) Run(ctx context.Context, source <-chan record.Record) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.fetchStage(gctx, source) })

	var processWG sync.WaitGroup
	for i := 0; i < p.cfg.ProcessWorkers; i++ {
		processWG.Add(1)
		g.Go(func() error {
			defer processWG.Done()
			return p.processWorker(gctx)
		})
	}
	g.Go(func() error {
		processWG.Wait()
		close(p.toWrite)
		return nil
	})

	g.Go(func() error { return p.writeStage(gctx) })

	return g.Wait()
}

// fetchStage assigns sequence numbers at ingress and feeds the process
// queue. Closing source starts the cooperative shutdown.
func (p *Pipeline) fetchStage(ctx context.Context, source <-chan record.Record) error {
	defer close(p.toProcess)
	var seq uint64
	for {
		select {
		case rec, ok := <-source:
			if !ok {
				return nil
			}
			seq++
			it := item{seq: seq, rec: rec}
			select {
			case p.toProcess <- it:
				p.ingress.Add(1)
				stageThroughputTotal.WithLabelValues("fetch").Inc()
				stageDepth.WithLabelValues("fetch").Set(float64(len(p.toProcess)))
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// processWorker transforms items on the shared CPU pool. A failed record is
// logged, counted and forwarded as a tombstone so the writer's window can
// pass its sequence.
func (p *Pipeline) processWorker(ctx context.Context) error {
	for {
		var it item
		var ok bool
		select {
		case it, ok = <-p.toProcess:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if p.transform != nil {
			var rec record.Record
			var terr error
			err := p.cpu.Do(ctx, PriorityNormal, func() {
				start := time.Now()
				rec, terr = p.transform(ctx, it.rec)
				transformDuration.Observe(time.Since(start).Seconds())
			})
			if err != nil {
				return err
			}
			if terr != nil {
				logging.Warn("transform failed, record skipped", logging.F(
					"id", it.rec.ID,
					"seq", it.seq,
					"error", terr.Error(),
				))
				p.failed.Add(1)
				recordsFailedTotal.Inc()
				it.failed = true
			} else {
				it.rec = rec
			}
		}
		if !it.failed {
			p.transformed.Add(1)
		}
		stageThroughputTotal.WithLabelValues("process").Inc()

		select {
		case p.toWrite <- it:
			stageDepth.WithLabelValues("process").Set(float64(len(p.toWrite)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeStage is single-worker by construction: it restores ascending
// sequence order with a reorder window, then writes sequentially, flushing
// a buffering sink periodically and at the end.
func (p *Pipeline) writeStage(ctx context.Context) error {
	window := make(map[uint64]item)
	next := uint64(1)
	sinceFlush := 0

	commit := func(it item) error {
		if !it.failed {
			if err := p.sink.Write(it.rec); err != nil {
				logging.Warn("sink write failed, record skipped", logging.F(
					"id", it.rec.ID,
					"seq", it.seq,
					"error", err.Error(),
				))
				p.failed.Add(1)
				recordsFailedTotal.Inc()
			} else {
				p.written.Add(1)
				stageThroughputTotal.WithLabelValues("write").Inc()
				sinceFlush++
			}
		}
		if sinceFlush >= p.cfg.FlushEvery {
			sinceFlush = 0
			return p.flushSink()
		}
		return nil
	}

	for {
		var it item
		var ok bool
		select {
		case it, ok = <-p.toWrite:
			if !ok {
				// Drain whatever the window still holds, in order.
				for {
					buf, exists := window[next]
					if !exists {
						break
					}
					delete(window, next)
					next++
					if err := commit(buf); err != nil {
						return err
					}
				}
				if len(window) > 0 {
					logging.Error("reorder window closed with gaps", logging.F(
						"stranded", len(window),
					))
				}
				return p.flushSink()
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		window[it.seq] = it
		for {
			buf, exists := window[next]
			if !exists {
				break
			}
			delete(window, next)
			next++
			if err := commit(buf); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) flushSink() error {
	f, ok := p.sink.(Flusher)
	if !ok {
		return nil
	}
	writeFlushesTotal.Inc()
	if err := f.Flush(); err != nil {
		return fmt.Errorf("sink flush: %w", err)
	}
	return nil
}
