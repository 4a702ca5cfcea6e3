package dedup

import (
	"sync"
)

// ExactTracker uses a set for 100% accurate membership. Used on fresh runs
// where the tracker starts empty and every check would otherwise pay Bloom
// hashing cost for nothing.
type ExactTracker struct {
	ids map[uint64]struct{}
	mu  sync.RWMutex
}

// NewExactTracker creates an empty exact tracker.
func NewExactTracker() *ExactTracker {
	return &ExactTracker{ids: make(map[uint64]struct{})}
}

// Seen tests membership without marking.
func (t *ExactTracker) Seen(id uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[id]
	return ok
}

// Mark records an id as processed.
func (t *ExactTracker) Mark(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[id] = struct{}{}
	markedTotal.WithLabelValues(ModeExact.String()).Inc()
}

// Count returns the number of distinct ids marked.
func (t *ExactTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.ids))
}

// Mode returns ModeExact.
func (t *ExactTracker) Mode() Mode { return ModeExact }

// MemoryUsage returns approximate memory usage in bytes.
// Estimates ~48 bytes per entry (key + map overhead).
func (t *ExactTracker) MemoryUsage() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.ids)) * 48
}

// sortedIDs returns all marked ids in ascending order, for serialization.
func (t *ExactTracker) sortedIDs() []uint64 {
	t.mu.RLock()
	out := make([]uint64, 0, len(t.ids))
	for id := range t.ids {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sortIDs(out)
	return out
}
