package stats

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()
	c.RecordFetched(100, 4096)
	c.RecordDeduped(10)
	c.RecordEmitted(90)
	c.RecordWritten(88, 3000)
	c.RecordFailed(2)
	c.RecordChunk(false)
	c.RecordChunk(true)
	c.RecordResolveCall()

	s := c.Snapshot()
	if s.RecordsFetched != 100 || s.BytesFetched != 4096 {
		t.Errorf("fetched = %d/%d, want 100/4096", s.RecordsFetched, s.BytesFetched)
	}
	if s.RecordsEmitted != 90 || s.RecordsDeduped != 10 {
		t.Errorf("emitted/deduped = %d/%d, want 90/10", s.RecordsEmitted, s.RecordsDeduped)
	}
	if s.RecordsWritten != 88 || s.RecordsFailed != 2 {
		t.Errorf("written/failed = %d/%d, want 88/2", s.RecordsWritten, s.RecordsFailed)
	}
	if s.ChunksDone != 1 || s.ChunksFailed != 1 {
		t.Errorf("chunks = %d/%d, want 1/1", s.ChunksDone, s.ChunksFailed)
	}
	if s.ResolveCalls != 1 {
		t.Errorf("resolve calls = %d, want 1", s.ResolveCalls)
	}
}

func TestDistinctOriginEstimate(t *testing.T) {
	c := NewCollector()
	const distinct = 10000
	for id := uint64(0); id < distinct; id++ {
		c.ObserveOrigin(id)
		c.ObserveOrigin(id) // duplicates must not inflate the estimate
	}
	got := c.Snapshot().DistinctOrigins
	// HLL precision 14 is well within 2% at this cardinality.
	if got < distinct*98/100 || got > distinct*102/100 {
		t.Errorf("distinct origins = %d, want within 2%% of %d", got, distinct)
	}
}

func TestCollectorConcurrentUse(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.RecordFetched(1, 10)
				c.ObserveOrigin(uint64(n*1000 + j))
			}
		}(i)
	}
	wg.Wait()
	if got := c.Snapshot().RecordsFetched; got != 8000 {
		t.Errorf("fetched = %d, want 8000", got)
	}
}

func TestServeHTTP(t *testing.T) {
	c := NewCollector()
	c.RecordFetched(1500000, 1<<30)
	c.RecordWritten(1499000, 1<<29)

	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "1,500,000") {
		t.Errorf("fetched count not humanized:\n%s", body)
	}
	if !strings.Contains(body, "records written") {
		t.Errorf("written line missing:\n%s", body)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("content type = %q", got)
	}
}
