// Package export is the run engine: it wires the connection manager, dedup
// tracker, shard coordinator, staged pipeline and cache into one export or
// resume run, persists resumable state between runs, and exposes a
// telemetry snapshot across all of them.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/histflow/histflow/internal/cache"
	"github.com/histflow/histflow/internal/conn"
	"github.com/histflow/histflow/internal/dedup"
	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/pipeline"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
	"github.com/histflow/histflow/internal/shard"
	"github.com/histflow/histflow/internal/stats"
)

// Config holds engine configuration.
type Config struct {
	// Name tags the persisted state files of this export target.
	Name string
	// StateDir holds dedup, progress and meta snapshots.
	StateDir string
	// StreamBuffer sizes the output record channel (default: 256).
	StreamBuffer int

	Conn     conn.Config
	Dedup    dedup.Config
	Cache    cache.Config
	Shard    shard.Config
	Pipeline pipeline.Config
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Name:         "export",
		StateDir:     filepath.Join(os.TempDir(), "histflow-state"),
		StreamBuffer: 256,
		Conn:         conn.DefaultConfig(),
		Dedup:        dedup.DefaultConfig(),
		Cache:        cache.DefaultConfig(),
		Shard:        shard.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.StateDir == "" {
		c.StateDir = d.StateDir
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	return c
}

// Engine drives export runs. One engine handles one run at a time.
type Engine struct {
	cfg       Config
	conns     *conn.Manager
	store     *cache.Store
	collector *stats.Collector
	fetcher   remote.PageFetcher
	resolver  remote.BatchResolver
	transform pipeline.Transform

	mu      sync.Mutex
	running bool
	lastErr error
	tracker dedup.Tracker
	pipe    *pipeline.Pipeline
}

// New wires an engine. resolver and transform may be nil.
func New(cfg Config, fetcher remote.PageFetcher, resolver remote.BatchResolver, transform pipeline.Transform) (*Engine, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("engine requires a page fetcher")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Engine{
		cfg:       cfg,
		conns:     conn.New(cfg.Conn),
		store:     cache.New(cfg.Cache),
		collector: stats.NewCollector(),
		fetcher:   fetcher,
		resolver:  resolver,
		transform: transform,
	}, nil
}

// Stats returns the engine's run collector, for HTTP exposure.
func (e *Engine) Stats() *stats.Collector { return e.collector }

// Cache returns the engine's entity cache, so callers can start its flush
// loop and close it with the process lifecycle.
func (e *Engine) Cache() *cache.Store { return e.store }

// Err returns the terminal error of the last finished run, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// StartExport begins a fresh export over space and returns the ordered
// record stream. The channel closes when the run finishes; Err reports how
// it ended. Prior state for the same name is ignored but overwritten at
// completion.
func (e *Engine) StartExport(ctx context.Context, space record.IDSpace) (<-chan record.Record, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	tracker, err := dedup.ForRun(nil, e.cfg.Dedup)
	if err != nil {
		return nil, err
	}
	spans := []shard.Span{{Start: space.Low, End: space.High}}
	return e.start(ctx, space, spans, tracker, shard.NewProgress())
}

// Resume continues a prior run from its persisted state: only the ranges
// recorded incomplete, plus any extension of the id space, are fetched
// again, and the restored tracker suppresses everything already emitted.
func (e *Engine) Resume(ctx context.Context, space record.IDSpace) (<-chan record.Record, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	st, err := e.loadState()
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", e.cfg.Name, err)
	}
	space.Extend(st.space.High)

	tracker, err := dedup.ForRun(st.dedup, e.cfg.Dedup)
	if err != nil {
		return nil, err
	}
	progress := shard.NewProgress()
	for _, s := range st.progress.Completed() {
		progress.MarkComplete(s.Start, s.End)
	}
	progress.AddProcessed(st.progress.Processed())

	spans := resumeSpans(st.progress, space)
	if len(spans) == 0 {
		logging.Info("resume found nothing to fetch", logging.F("name", e.cfg.Name))
	}
	return e.start(ctx, space, spans, tracker, progress)
}

// resumeSpans is the work list of a resume: every incomplete span plus the
// uncovered tail of the (possibly extended) space, sorted ascending.
func resumeSpans(prior *shard.Progress, space record.IDSpace) []shard.Span {
	spans := prior.Incomplete()
	covered := space.Low
	for _, s := range prior.Completed() {
		if s.End > covered {
			covered = s.End
		}
	}
	for _, s := range spans {
		if s.End > covered {
			covered = s.End
		}
	}
	if covered < space.High {
		spans = append(spans, shard.Span{Start: covered, End: space.High})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

func (e *Engine) start(ctx context.Context, space record.IDSpace, spans []shard.Span, tracker dedup.Tracker, progress *shard.Progress) (<-chan record.Record, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine already running a %s export", e.cfg.Name)
	}
	e.running = true
	e.lastErr = nil
	e.tracker = tracker
	e.mu.Unlock()

	coord, err := shard.NewCoordinator(e.cfg.Shard, e.conns, e.fetcher, e.resolver, tracker, e.store, e.collector)
	if err != nil {
		e.finishRun(err)
		return nil, err
	}

	out := make(chan record.Record, e.cfg.StreamBuffer)
	sink := &streamSink{ctx: ctx, out: out, collector: e.collector}
	pipe, err := pipeline.New(e.cfg.Pipeline, e.transform, sink, nil)
	if err != nil {
		e.finishRun(err)
		return nil, err
	}
	e.mu.Lock()
	e.pipe = pipe
	e.mu.Unlock()

	go e.run(ctx, space, spans, tracker, progress, coord, pipe, out)
	return out, nil
}

func (e *Engine) run(ctx context.Context, space record.IDSpace, spans []shard.Span, tracker dedup.Tracker, progress *shard.Progress, coord *shard.Coordinator, pipe *pipeline.Pipeline, out chan record.Record) {
	defer close(out)
	started := time.Now()

	source := make(chan record.Record, e.cfg.StreamBuffer)
	pipeDone := make(chan error, 1)
	go func() { pipeDone <- pipe.Run(ctx, source) }()

	var runErr error
	for _, span := range spans {
		recs, prog, err := coord.Run(ctx, record.IDSpace{Low: span.Start, High: span.End})
		mergeProgress(progress, prog)
		if err != nil {
			runErr = err
			break
		}
		e.collector.RecordEmitted(len(recs))
		for i := range recs {
			e.collector.ObserveOrigin(recs[i].OriginID)
			e.collector.RecordFetched(1, len(recs[i].Payload))
			select {
			case source <- recs[i]:
			case <-ctx.Done():
				runErr = ctx.Err()
			}
			if runErr != nil {
				break
			}
		}
		if runErr != nil {
			break
		}
		// Each finished span checkpoints, so a crash mid-run resumes
		// from the last span boundary.
		if err := e.checkpoint(pipe, space, tracker, progress); err != nil {
			logging.Warn("state checkpoint failed", logging.F("error", err.Error()))
		}
	}
	close(source)

	if perr := <-pipeDone; perr != nil && runErr == nil {
		runErr = perr
	}
	ps := pipe.Stats()
	e.collector.RecordWritten(int(ps.Written), 0)
	e.collector.RecordFailed(int(ps.Failed))

	if err := e.checkpoint(pipe, space, tracker, progress); err != nil {
		logging.Error("final state save failed", logging.F("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}

	runsTotal.Inc()
	runDuration.Observe(time.Since(started).Seconds())
	if runErr != nil {
		runFailuresTotal.Inc()
		logging.Error("export run ended with error", logging.F(
			"name", e.cfg.Name,
			"error", runErr.Error(),
		))
	} else {
		logging.Info("export run finished", logging.F(
			"name", e.cfg.Name,
			"written", ps.Written,
			"failed", ps.Failed,
			"duration", time.Since(started).String(),
		))
	}
	e.finishRun(runErr)
}

// checkpoint persists run state through the pipeline's high-priority CPU
// lane: tracker serialization and compression are CPU work, and a
// checkpoint must not queue behind bulk transforms.
func (e *Engine) checkpoint(pipe *pipeline.Pipeline, space record.IDSpace, tracker dedup.Tracker, progress *shard.Progress) error {
	var err error
	if derr := pipe.CPU().Do(context.Background(), pipeline.PriorityHigh, func() {
		err = e.saveState(space, tracker, progress)
	}); derr != nil {
		return derr
	}
	return err
}

func (e *Engine) finishRun(err error) {
	e.mu.Lock()
	e.running = false
	e.lastErr = err
	e.mu.Unlock()
}

func mergeProgress(dst, src *shard.Progress) {
	if src == nil {
		return
	}
	for _, s := range src.Completed() {
		dst.MarkComplete(s.Start, s.End)
	}
	for _, s := range src.Incomplete() {
		dst.MarkIncomplete(s.Start, s.End)
	}
	dst.AddProcessed(src.Processed())
}

// streamSink feeds the pipeline's committed output into the engine's
// outbound channel, preserving the write stage's ordering.
type streamSink struct {
	ctx       context.Context
	out       chan<- record.Record
	collector *stats.Collector
}

func (s *streamSink) Write(rec record.Record) error {
	select {
	case s.out <- rec:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

// Telemetry is a cross-component snapshot for operators.
type Telemetry struct {
	Running     bool
	Throttle    conn.ThrottleSummary
	Pools       map[string]conn.StatsSnapshot
	Cache       cache.Counters
	Pipeline    pipeline.Stats
	Run         stats.Snapshot
	TrackerMode string
	TrackerSeen int64
}

// Telemetry returns the current state of every subsystem.
func (e *Engine) Telemetry() Telemetry {
	t := Telemetry{
		Throttle: e.conns.Throttle(),
		Pools:    e.conns.PoolStats(),
		Cache:    e.store.Counters(),
		Run:      e.collector.Snapshot(),
	}
	e.mu.Lock()
	t.Running = e.running
	if e.tracker != nil {
		t.TrackerMode = e.tracker.Mode().String()
		t.TrackerSeen = e.tracker.Count()
	}
	if e.pipe != nil {
		t.Pipeline = e.pipe.Stats()
	}
	e.mu.Unlock()
	return t
}
