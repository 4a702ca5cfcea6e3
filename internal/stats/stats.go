// Package stats aggregates run counters for the /stats endpoint and the
// periodic progress log line. Distinct origin senders are estimated with a
// fixed-memory HyperLogLog sketch rather than an exact set.
package stats

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/dustin/go-humanize"

	"github.com/histflow/histflow/internal/logging"
)

// Collector tracks run-wide counters. One collector serves one engine; all
// methods are safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	startedAt time.Time

	recordsFetched uint64
	recordsEmitted uint64
	recordsDeduped uint64
	recordsWritten uint64
	recordsFailed  uint64

	bytesFetched uint64
	bytesWritten uint64

	chunksDone   uint64
	chunksFailed uint64
	resolveCalls uint64

	// origins estimates distinct sender entities across the run.
	origins *hyperloglog.Sketch
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		origins:   hyperloglog.New(),
	}
}

// RecordFetched accounts records and payload bytes retrieved from the
// remote source.
func (c *Collector) RecordFetched(records int, bytes int) {
	c.mu.Lock()
	c.recordsFetched += uint64(records)
	c.bytesFetched += uint64(bytes)
	c.mu.Unlock()
}

// RecordEmitted accounts records surviving the dedup merge.
func (c *Collector) RecordEmitted(records int) {
	c.mu.Lock()
	c.recordsEmitted += uint64(records)
	c.mu.Unlock()
}

// RecordDeduped accounts records dropped as already seen.
func (c *Collector) RecordDeduped(records int) {
	c.mu.Lock()
	c.recordsDeduped += uint64(records)
	c.mu.Unlock()
}

// RecordWritten accounts records committed to the sink.
func (c *Collector) RecordWritten(records int, bytes int) {
	c.mu.Lock()
	c.recordsWritten += uint64(records)
	c.bytesWritten += uint64(bytes)
	c.mu.Unlock()
}

// RecordFailed accounts records dropped after transform or write failure.
func (c *Collector) RecordFailed(records int) {
	c.mu.Lock()
	c.recordsFailed += uint64(records)
	c.mu.Unlock()
}

// RecordChunk accounts one finished chunk.
func (c *Collector) RecordChunk(failed bool) {
	c.mu.Lock()
	if failed {
		c.chunksFailed++
	} else {
		c.chunksDone++
	}
	c.mu.Unlock()
}

// RecordResolveCall accounts one batch entity resolve.
func (c *Collector) RecordResolveCall() {
	c.mu.Lock()
	c.resolveCalls++
	c.mu.Unlock()
}

// ObserveOrigin feeds a sender id into the distinct-origin estimate.
func (c *Collector) ObserveOrigin(id uint64) {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], id)
	c.mu.Lock()
	c.origins.Insert(key[:])
	c.mu.Unlock()
}

// Snapshot is a point-in-time view of the collector.
type Snapshot struct {
	Uptime          time.Duration
	RecordsFetched  uint64
	RecordsEmitted  uint64
	RecordsDeduped  uint64
	RecordsWritten  uint64
	RecordsFailed   uint64
	BytesFetched    uint64
	BytesWritten    uint64
	ChunksDone      uint64
	ChunksFailed    uint64
	ResolveCalls    uint64
	DistinctOrigins uint64
}

// Snapshot returns the current counters. The origin estimate takes the full
// lock because Estimate may rewrite the sketch's internal representation.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Uptime:          time.Since(c.startedAt),
		RecordsFetched:  c.recordsFetched,
		RecordsEmitted:  c.recordsEmitted,
		RecordsDeduped:  c.recordsDeduped,
		RecordsWritten:  c.recordsWritten,
		RecordsFailed:   c.recordsFailed,
		BytesFetched:    c.bytesFetched,
		BytesWritten:    c.bytesWritten,
		ChunksDone:      c.chunksDone,
		ChunksFailed:    c.chunksFailed,
		ResolveCalls:    c.resolveCalls,
		DistinctOrigins: c.origins.Estimate(),
	}
}

// StartPeriodicLogging logs a progress line every interval until ctx ends.
func (c *Collector) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s := c.Snapshot()
				logging.Info("run progress", logging.F(
					"fetched", s.RecordsFetched,
					"written", s.RecordsWritten,
					"deduped", s.RecordsDeduped,
					"failed", s.RecordsFailed,
					"bytes_written", humanize.Bytes(s.BytesWritten),
					"distinct_origins", s.DistinctOrigins,
				))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ServeHTTP renders a human-readable stats page.
func (c *Collector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s := c.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "uptime: %s\n", s.Uptime.Round(time.Second))
	fmt.Fprintf(w, "records fetched:  %s (%s)\n", humanize.Comma(int64(s.RecordsFetched)), humanize.Bytes(s.BytesFetched))
	fmt.Fprintf(w, "records emitted:  %s\n", humanize.Comma(int64(s.RecordsEmitted)))
	fmt.Fprintf(w, "records deduped:  %s\n", humanize.Comma(int64(s.RecordsDeduped)))
	fmt.Fprintf(w, "records written:  %s (%s)\n", humanize.Comma(int64(s.RecordsWritten)), humanize.Bytes(s.BytesWritten))
	fmt.Fprintf(w, "records failed:   %s\n", humanize.Comma(int64(s.RecordsFailed)))
	fmt.Fprintf(w, "chunks done/failed: %d/%d\n", s.ChunksDone, s.ChunksFailed)
	fmt.Fprintf(w, "resolve calls:    %d\n", s.ResolveCalls)
	fmt.Fprintf(w, "distinct origins: ~%d\n", s.DistinctOrigins)
}
