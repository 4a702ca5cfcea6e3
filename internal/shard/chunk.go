// Package shard partitions an identifier space into chunks, fetches them
// with a bounded worker pool, spills per-chunk results to disk, and merges
// everything into one deduplicated, strictly ascending record stream.
package shard

import (
	"fmt"

	"github.com/histflow/histflow/internal/record"
)

// Status is the lifecycle state of a chunk.
type Status int

const (
	StatusPending Status = iota
	StatusAssigned
	StatusFetching
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAssigned:
		return "assigned"
	case StatusFetching:
		return "fetching"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Chunk is one contiguous sub-range [Start, End) of the id space, owned by a
// single worker at a time.
type Chunk struct {
	Start uint64
	End   uint64

	Status    Status
	Worker    int
	Retrieved int
	Attempts  int

	// fetchedThrough is the first id not yet fetched; on failure the
	// incomplete range is [fetchedThrough, End).
	fetchedThrough uint64

	// split marks a chunk that already participated in a hot-zone split.
	// Such chunks are never split again.
	split bool
}

// assign hands the chunk to a worker. It moves to StatusFetching once the
// first page request goes out.
func (c *Chunk) assign(worker int) {
	c.Worker = worker
	c.Status = StatusAssigned
}

// Width returns the number of ids the chunk covers.
func (c *Chunk) Width() uint64 {
	return c.End - c.Start
}

// Partition divides space into n contiguous chunks with no gaps or overlaps.
// Widths differ by at most one id; the remainder goes to the leading chunks.
func Partition(space record.IDSpace, n int) ([]*Chunk, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("chunk count must be positive, got %d", n)
	}
	size := space.Size()
	if size == 0 {
		return nil, nil
	}
	if uint64(n) > size {
		n = int(size)
	}

	base := size / uint64(n)
	rem := size % uint64(n)
	chunks := make([]*Chunk, 0, n)
	start := space.Low
	for i := 0; i < n; i++ {
		width := base
		if uint64(i) < rem {
			width++
		}
		chunks = append(chunks, &Chunk{
			Start:          start,
			End:            start + width,
			fetchedThrough: start,
		})
		start += width
	}
	return chunks, nil
}

// splitAt carves off the upper half of the unfetched remainder into a new
// chunk. Both halves are marked so neither splits again. Returns nil when
// the remainder is too small to divide.
func (c *Chunk) splitAt(next uint64) *Chunk {
	remaining := c.End - next
	if remaining < 2 {
		return nil
	}
	mid := next + remaining/2
	upper := &Chunk{
		Start:          mid,
		End:            c.End,
		fetchedThrough: mid,
		split:          true,
	}
	c.End = mid
	c.split = true
	return upper
}
