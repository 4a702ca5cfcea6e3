package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/histflow/histflow/internal/backoff"
	"github.com/histflow/histflow/internal/conn"
	"github.com/histflow/histflow/internal/pipeline"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
	"github.com/histflow/histflow/internal/shard"
)

// rangeFetcher synthesizes one record per id; ids inside fail error on
// every call when fail is set.
type rangeFetcher struct {
	mu   sync.Mutex
	fail *shard.Span
}

func (f *rangeFetcher) FetchPage(_ context.Context, cursor remote.Cursor, pageSize int) ([]record.Record, remote.Cursor, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil && cursor.Next >= fail.Start && cursor.Next < fail.End {
		return nil, cursor, remote.Transient(errors.New("range unavailable"))
	}
	var recs []record.Record
	id := cursor.Next
	for id < cursor.End && len(recs) < pageSize {
		recs = append(recs, record.Record{
			ID:        id,
			Timestamp: time.Unix(int64(id), 0),
			OriginID:  id%5 + 1,
			Payload:   []byte("m"),
		})
		id++
	}
	return recs, remote.Cursor{Next: id, End: cursor.End}, nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.StateDir = t.TempDir()
	cfg.Shard = shard.Config{
		Workers:         4,
		ChunksPerWorker: 1,
		PageSize:        500,
		ExpectedDensity: 1,
		SpillDir:        t.TempDir(),
	}
	cfg.Conn = conn.DefaultConfig()
	cfg.Conn.MaxAttempts = 3
	cfg.Conn.Backoff = backoff.Config{
		Strategy: backoff.StrategyFixed,
		Base:     time.Millisecond,
		Max:      10 * time.Millisecond,
		Jitter:   0,
	}
	cfg.Pipeline = pipeline.Config{ProcessWorkers: 2}
	return cfg
}

func drain(t *testing.T, stream <-chan record.Record) []record.Record {
	t.Helper()
	var recs []record.Record
	deadline := time.After(30 * time.Second)
	for {
		select {
		case rec, ok := <-stream:
			if !ok {
				return recs
			}
			recs = append(recs, rec)
		case <-deadline:
			t.Fatalf("stream did not close; got %d records so far", len(recs))
		}
	}
}

func TestStartExportStreamsAllRecords(t *testing.T) {
	e, err := New(testConfig(t), &rangeFetcher{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stream, err := e.StartExport(context.Background(), record.IDSpace{Low: 0, High: 5000})
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	recs := drain(t, stream)
	if err := e.Err(); err != nil {
		t.Fatalf("run error = %v", err)
	}
	if len(recs) != 5000 {
		t.Fatalf("streamed %d records, want 5000", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			t.Fatalf("stream not ascending at %d", i)
		}
	}
}

func TestStartExportRejectsConcurrentRun(t *testing.T) {
	e, err := New(testConfig(t), &rangeFetcher{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stream, err := e.StartExport(context.Background(), record.IDSpace{Low: 0, High: 50000})
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	if _, err := e.StartExport(context.Background(), record.IDSpace{Low: 0, High: 10}); err == nil {
		t.Error("second concurrent run accepted")
	}
	drain(t, stream)
}

func TestResumeFetchesOnlyIncompleteRanges(t *testing.T) {
	cfg := testConfig(t)
	f := &rangeFetcher{fail: &shard.Span{Start: 5000, End: 7500}}

	e1, err := New(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	first := drain(t, mustStart(t, e1, record.IDSpace{Low: 0, High: 10000}))
	if err := e1.Err(); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if len(first) != 7500 {
		t.Fatalf("first run streamed %d records, want 7500", len(first))
	}

	// The failed range is healthy again; a resume must fetch it and
	// nothing else.
	f.mu.Lock()
	f.fail = nil
	f.mu.Unlock()

	e2, err := New(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stream, err := e2.Resume(context.Background(), record.IDSpace{Low: 0, High: 10000})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	second := drain(t, stream)
	if err := e2.Err(); err != nil {
		t.Fatalf("resume run error = %v", err)
	}

	// The restored tracker is probabilistic, so a handful of records may
	// be falsely suppressed, never re-emitted.
	if len(second) < 2490 || len(second) > 2500 {
		t.Fatalf("resume streamed %d records, want ~2500 from the failed range", len(second))
	}
	for i, rec := range second {
		if rec.ID < 5000 || rec.ID >= 7500 {
			t.Fatalf("resume re-emitted id %d outside the failed range", rec.ID)
		}
		if i > 0 && rec.ID <= second[i-1].ID {
			t.Fatal("resume stream not ascending")
		}
	}

	tel := e2.Telemetry()
	if tel.TrackerMode != "bloom" {
		t.Errorf("resume tracker mode = %q, want bloom", tel.TrackerMode)
	}
}

func TestResumeExtendsSpace(t *testing.T) {
	cfg := testConfig(t)
	f := &rangeFetcher{}

	e1, err := New(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	drain(t, mustStart(t, e1, record.IDSpace{Low: 0, High: 2000}))
	if err := e1.Err(); err != nil {
		t.Fatalf("first run error = %v", err)
	}

	e2, err := New(cfg, f, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	stream, err := e2.Resume(context.Background(), record.IDSpace{Low: 0, High: 3000})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	got := drain(t, stream)
	if len(got) < 990 || len(got) > 1000 {
		t.Fatalf("extension streamed %d records, want ~1000 new ids", len(got))
	}
	for _, rec := range got {
		if rec.ID < 2000 {
			t.Fatalf("resume re-emitted already-exported id %d", rec.ID)
		}
	}
}

func TestResumeWithoutStateFails(t *testing.T) {
	e, err := New(testConfig(t), &rangeFetcher{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := e.Resume(context.Background(), record.IDSpace{Low: 0, High: 100}); err == nil {
		t.Error("Resume() without prior state succeeded")
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	e, err := New(testConfig(t), &rangeFetcher{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	drain(t, mustStart(t, e, record.IDSpace{Low: 0, High: 1000}))

	tel := e.Telemetry()
	if tel.Running {
		t.Error("telemetry reports running after the stream closed")
	}
	if tel.TrackerMode != "exact" {
		t.Errorf("tracker mode = %q, want exact for a fresh run", tel.TrackerMode)
	}
	if tel.TrackerSeen != 1000 {
		t.Errorf("tracker seen = %d, want 1000", tel.TrackerSeen)
	}
	if tel.Run.RecordsFetched != 1000 || tel.Run.RecordsWritten != 1000 {
		t.Errorf("run counters = %+v", tel.Run)
	}
	if tel.Run.ChunksDone != 4 || tel.Run.ChunksFailed != 0 {
		t.Errorf("chunks done/failed = %d/%d, want 4/0", tel.Run.ChunksDone, tel.Run.ChunksFailed)
	}
	if tel.Run.DistinctOrigins < 4 || tel.Run.DistinctOrigins > 6 {
		t.Errorf("distinct origins = %d, want ~5", tel.Run.DistinctOrigins)
	}
	if len(tel.Pools) == 0 {
		t.Error("no pool stats in telemetry")
	}
}

func TestTransformAppliedToStream(t *testing.T) {
	tag := func(_ context.Context, rec record.Record) (record.Record, error) {
		rec.MediaRefs = append(rec.MediaRefs, "checked")
		return rec, nil
	}
	e, err := New(testConfig(t), &rangeFetcher{}, nil, tag)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	recs := drain(t, mustStart(t, e, record.IDSpace{Low: 0, High: 100}))
	if len(recs) != 100 {
		t.Fatalf("streamed %d records, want 100", len(recs))
	}
	for _, rec := range recs {
		if len(rec.MediaRefs) != 1 || rec.MediaRefs[0] != "checked" {
			t.Fatalf("transform not applied to record %d", rec.ID)
		}
	}
}

func mustStart(t *testing.T, e *Engine, space record.IDSpace) <-chan record.Record {
	t.Helper()
	stream, err := e.StartExport(context.Background(), space)
	if err != nil {
		t.Fatalf("StartExport() error = %v", err)
	}
	return stream
}
