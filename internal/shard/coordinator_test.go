package shard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/histflow/histflow/internal/backoff"
	"github.com/histflow/histflow/internal/conn"
	"github.com/histflow/histflow/internal/dedup"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/remote"
	"github.com/histflow/histflow/internal/stats"
)

// fakeFetcher synthesizes one record per id the has func admits. Cursors
// inside failSpan fail with failErr on every call; failFatalOnce fails the
// first call for its span fatally, then succeeds.
type fakeFetcher struct {
	mu            sync.Mutex
	has           func(id uint64) bool
	failSpan      *Span
	failErr       error
	fatalSpan     *Span
	fatalFired    bool
	pagesFetched  int
	failSpanCalls int
}

func (f *fakeFetcher) FetchPage(_ context.Context, cursor remote.Cursor, pageSize int) ([]record.Record, remote.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSpan != nil && cursor.Next >= f.failSpan.Start && cursor.Next < f.failSpan.End {
		f.failSpanCalls++
		return nil, cursor, f.failErr
	}
	if f.fatalSpan != nil && !f.fatalFired && cursor.Next >= f.fatalSpan.Start && cursor.Next < f.fatalSpan.End {
		f.fatalFired = true
		return nil, cursor, remote.Fatal(errors.New("connection unusable"))
	}

	f.pagesFetched++
	var recs []record.Record
	id := cursor.Next
	for id < cursor.End && len(recs) < pageSize {
		if f.has == nil || f.has(id) {
			recs = append(recs, record.Record{
				ID:        id,
				Timestamp: time.Unix(int64(id), 0),
				OriginID:  id % 7,
				Payload:   []byte("msg"),
			})
		}
		id++
	}
	return recs, remote.Cursor{Next: id, End: cursor.End}, nil
}

// fakeResolver records every batch it is asked to resolve.
type fakeResolver struct {
	mu      sync.Mutex
	batches [][]uint64
}

func (r *fakeResolver) ResolveBatch(_ context.Context, ids []uint64) (map[uint64]remote.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]uint64(nil), ids...))
	out := make(map[uint64]remote.Entity, len(ids))
	for _, id := range ids {
		out[id] = remote.Entity{ID: id, Name: "origin"}
	}
	return out, nil
}

func testManager() *conn.Manager {
	cfg := conn.DefaultConfig()
	cfg.Backoff = backoff.Config{
		Strategy: backoff.StrategyFixed,
		Base:     time.Millisecond,
		Max:      10 * time.Millisecond,
		Jitter:   0,
	}
	cfg.MaxAttempts = 3
	cfg.AbsoluteAttemptCeiling = 6
	return conn.New(cfg)
}

func testCoordinator(t *testing.T, cfg Config, f remote.PageFetcher, r remote.BatchResolver, tr dedup.Tracker) *Coordinator {
	t.Helper()
	cfg.SpillDir = t.TempDir()
	if tr == nil {
		tr = dedup.NewExactTracker()
	}
	c, err := NewCoordinator(cfg, testManager(), f, r, tr, nil, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}
	return c
}

func assertAscending(t *testing.T, recs []record.Record) {
	t.Helper()
	for i := 1; i < len(recs); i++ {
		if recs[i].ID <= recs[i-1].ID {
			t.Fatalf("output not strictly ascending at %d: %d after %d", i, recs[i].ID, recs[i-1].ID)
		}
	}
}

func TestRunEmitsAllRecordsAscending(t *testing.T) {
	f := &fakeFetcher{}
	c := testCoordinator(t, Config{Workers: 4, ChunksPerWorker: 2, PageSize: 300, ExpectedDensity: 1}, f, nil, nil)

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 5000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 5000 {
		t.Fatalf("emitted %d records, want 5000", len(recs))
	}
	assertAscending(t, recs)
	if recs[0].ID != 0 || recs[len(recs)-1].ID != 4999 {
		t.Errorf("range [%d,%d], want [0,4999]", recs[0].ID, recs[len(recs)-1].ID)
	}
	if got := progress.Processed(); got != 5000 {
		t.Errorf("processed = %d, want 5000", got)
	}
	if inc := progress.Incomplete(); len(inc) != 0 {
		t.Errorf("incomplete = %v, want none", inc)
	}
}

func TestRunFailedChunkRecordedIncomplete(t *testing.T) {
	// Id space [0,10000) across 4 workers, one chunk each. The chunk
	// covering [5000,7500) fails every fetch; the run must still emit
	// the other three chunks ascending and record the range incomplete.
	f := &fakeFetcher{
		failSpan: &Span{Start: 5000, End: 7500},
		failErr:  remote.Transient(errors.New("shard unavailable")),
	}
	c := testCoordinator(t, Config{Workers: 4, ChunksPerWorker: 1, PageSize: 500, ExpectedDensity: 1}, f, nil, nil)

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 10000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 7500 {
		t.Fatalf("emitted %d records, want 7500", len(recs))
	}
	assertAscending(t, recs)
	for _, r := range recs {
		if r.ID >= 5000 && r.ID < 7500 {
			t.Fatalf("record %d emitted from the failed range", r.ID)
		}
	}

	inc := progress.Incomplete()
	if len(inc) != 1 || inc[0] != (Span{Start: 5000, End: 7500}) {
		t.Errorf("incomplete = %v, want [{5000 7500}]", inc)
	}
	if f.failSpanCalls != 3 {
		t.Errorf("failed span fetched %d times, want 3 retries", f.failSpanCalls)
	}
	if got := progress.Processed(); got != 7500 {
		t.Errorf("processed = %d, want 7500", got)
	}
}

func TestRunFiltersSeenIDs(t *testing.T) {
	tr := dedup.NewExactTracker()
	for id := uint64(0); id < 500; id++ {
		tr.Mark(id)
	}
	f := &fakeFetcher{}
	c := testCoordinator(t, Config{Workers: 2, ChunksPerWorker: 2, PageSize: 200, ExpectedDensity: 1}, f, nil, tr)

	recs, _, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 1000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 500 {
		t.Fatalf("emitted %d records, want 500 after dedup", len(recs))
	}
	if recs[0].ID != 500 {
		t.Errorf("first emitted id = %d, want 500", recs[0].ID)
	}
	// Emitted ids must now be marked for the next run.
	if !tr.Seen(750) {
		t.Error("emitted id not marked seen")
	}
}

func TestRunHotZoneSplitKeepsCoverage(t *testing.T) {
	// Expected density far below the actual one forces a split on the
	// single initial chunk; the output must still cover every id exactly
	// once.
	f := &fakeFetcher{}
	c := testCoordinator(t, Config{Workers: 2, ChunksPerWorker: 1, PageSize: 100, ExpectedDensity: 0.1}, f, nil, nil)

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 4000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 4000 {
		t.Fatalf("emitted %d records, want 4000", len(recs))
	}
	assertAscending(t, recs)
	if inc := progress.Incomplete(); len(inc) != 0 {
		t.Errorf("incomplete = %v, want none", inc)
	}
}

func TestRunFatalErrorRestartsOnceThenRecovers(t *testing.T) {
	f := &fakeFetcher{
		fatalSpan: &Span{Start: 0, End: 1000},
	}
	c := testCoordinator(t, Config{Workers: 1, ChunksPerWorker: 1, PageSize: 500, ExpectedDensity: 1}, f, nil, nil)

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 1000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 1000 {
		t.Fatalf("emitted %d records, want 1000 after connection restart", len(recs))
	}
	if inc := progress.Incomplete(); len(inc) != 0 {
		t.Errorf("incomplete = %v, want none", inc)
	}
}

func TestRunResolvesDistinctOriginsInBatches(t *testing.T) {
	f := &fakeFetcher{}
	r := &fakeResolver{}
	c := testCoordinator(t, Config{Workers: 2, ChunksPerWorker: 1, PageSize: 500, ExpectedDensity: 1, ResolveBatchSize: 4}, f, r, nil)

	_, _, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 1000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Origins are id%7, excluding 0: six distinct ids in batches of 4.
	seen := make(map[uint64]int)
	for _, batch := range r.batches {
		if len(batch) > 4 {
			t.Errorf("batch size %d exceeds configured 4", len(batch))
		}
		for _, id := range batch {
			seen[id]++
		}
	}
	if len(seen) != 6 {
		t.Errorf("resolved %d distinct origins, want 6", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("origin %d resolved %d times, want once", id, n)
		}
	}
}

func TestRunSpillFailureMarksRangeIncomplete(t *testing.T) {
	// A chunk whose records never reach disk must be recorded incomplete
	// in full, never complete, or a resume would skip the lost range.
	dir := t.TempDir()
	f := &fakeFetcher{}
	cfg := Config{Workers: 1, ChunksPerWorker: 1, PageSize: 50, ExpectedDensity: 1, SpillDir: dir}
	c, err := NewCoordinator(cfg, testManager(), f, nil, dedup.NewExactTracker(), nil, nil)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	// Occupy the spill temp path with a directory so the write fails.
	tmp := filepath.Join(dir, fmt.Sprintf("chunk-%016x-%016x.spill.tmp", 0, 100))
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		t.Fatal(err)
	}

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 100})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("emitted %d records from an unspillable chunk", len(recs))
	}
	inc := progress.Incomplete()
	if len(inc) != 1 || inc[0] != (Span{Start: 0, End: 100}) {
		t.Fatalf("incomplete = %v, want [{0 100}]", inc)
	}
	if comp := progress.Completed(); len(comp) != 0 {
		t.Errorf("completed = %v, want none for a lost chunk", comp)
	}
}

func TestRunReportsToCollector(t *testing.T) {
	tr := dedup.NewExactTracker()
	for id := uint64(0); id < 500; id++ {
		tr.Mark(id)
	}
	f := &fakeFetcher{}
	r := &fakeResolver{}
	collector := stats.NewCollector()
	cfg := Config{Workers: 2, ChunksPerWorker: 1, PageSize: 500, ExpectedDensity: 1, ResolveBatchSize: 4, SpillDir: t.TempDir()}
	c, err := NewCoordinator(cfg, testManager(), f, r, tr, nil, collector)
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	_, _, err = c.Run(context.Background(), record.IDSpace{Low: 0, High: 1000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := collector.Snapshot()
	if snap.ChunksDone != 2 || snap.ChunksFailed != 0 {
		t.Errorf("chunks done/failed = %d/%d, want 2/0", snap.ChunksDone, snap.ChunksFailed)
	}
	if snap.RecordsDeduped != 500 {
		t.Errorf("deduped = %d, want 500", snap.RecordsDeduped)
	}
	// Six distinct non-zero origins in batches of four.
	if snap.ResolveCalls != 2 {
		t.Errorf("resolve calls = %d, want 2", snap.ResolveCalls)
	}
}

func TestRunContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeFetcher{}
	c := testCoordinator(t, Config{Workers: 2, ChunksPerWorker: 1, PageSize: 100, ExpectedDensity: 1}, f, nil, nil)

	_, _, err := c.Run(ctx, record.IDSpace{Low: 0, High: 10000})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunEmptySpace(t *testing.T) {
	f := &fakeFetcher{}
	c := testCoordinator(t, Config{Workers: 2, ChunksPerWorker: 1}, f, nil, nil)

	recs, progress, err := c.Run(context.Background(), record.IDSpace{Low: 10, High: 10})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 0 || progress.Processed() != 0 {
		t.Errorf("empty space produced %d records", len(recs))
	}
}

func TestRunSparseSpace(t *testing.T) {
	f := &fakeFetcher{has: func(id uint64) bool { return id%10 == 0 }}
	c := testCoordinator(t, Config{Workers: 3, ChunksPerWorker: 2, PageSize: 50, ExpectedDensity: 0.5}, f, nil, nil)

	recs, _, err := c.Run(context.Background(), record.IDSpace{Low: 0, High: 5000})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(recs) != 500 {
		t.Fatalf("emitted %d records, want 500", len(recs))
	}
	assertAscending(t, recs)
}
