// Package dedup tracks already-processed message identifiers so a resumed
// export never re-emits what a prior run handled. Fresh runs use an exact
// set (no per-check overhead while empty); resumed runs use a Bloom filter
// sized from the prior processed count, trading a bounded false-positive
// rate for fixed memory across millions of ids. The variant is chosen once
// at construction and never switched mid-run.
package dedup

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Mode identifies the tracker implementation.
type Mode int

const (
	// ModeExact uses a map for 100% accurate membership.
	ModeExact Mode = iota
	// ModeBloom uses a Bloom filter: no false negatives, bounded false
	// positives.
	ModeBloom
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeBloom:
		return "bloom"
	default:
		return "unknown"
	}
}

// Tracker is the processed-identifier membership capability. Implementations
// never report a marked id as unseen; Bloom mode may report an unmarked id
// as seen at the configured false-positive rate.
type Tracker interface {
	// Seen tests membership without marking.
	Seen(id uint64) bool

	// Mark records an id as processed.
	Mark(id uint64)

	// Count returns the number of distinct ids marked.
	// Bloom mode may slightly undercount due to false positives on Mark.
	Count() int64

	// Mode returns the tracker implementation.
	Mode() Mode

	// MemoryUsage returns approximate memory usage in bytes.
	MemoryUsage() uint64
}

// BloomTracker tracks processed ids in a Bloom filter with a manual counter.
type BloomTracker struct {
	filter *bloom.BloomFilter
	count  int64
	mu     sync.RWMutex
}

// NewBloomTracker creates a Bloom tracker sized for expectedItems at the
// configured false-positive rate.
func NewBloomTracker(expectedItems uint, fpRate float64) *BloomTracker {
	return &BloomTracker{
		filter: bloom.NewWithEstimates(expectedItems, fpRate),
	}
}

func idKey(id uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], id)
	return b[:]
}

// Seen tests membership without marking.
func (t *BloomTracker) Seen(id uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filter.Test(idKey(id))
}

// Mark records an id as processed.
func (t *BloomTracker) Mark(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := idKey(id)
	if !t.filter.Test(key) {
		t.count++
	}
	t.filter.Add(key)
	markedTotal.WithLabelValues(ModeBloom.String()).Inc()
}

// Count returns the number of distinct ids marked.
func (t *BloomTracker) Count() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Mode returns ModeBloom.
func (t *BloomTracker) Mode() Mode { return ModeBloom }

// MemoryUsage returns the filter bit-array size in bytes.
func (t *BloomTracker) MemoryUsage() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(t.filter.Cap()) / 8
}

// setCount restores the persisted distinct count after a snapshot load.
func (t *BloomTracker) setCount(n int64) {
	t.mu.Lock()
	t.count = n
	t.mu.Unlock()
}

// writeFilter serializes the filter's binary form.
func (t *BloomTracker) writeFilter() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var buf bytes.Buffer
	if _, err := t.filter.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readFilter replaces the filter from its binary form.
func (t *BloomTracker) readFilter(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := &bloom.BloomFilter{}
	if _, err := f.ReadFrom(bytes.NewReader(data)); err != nil {
		return err
	}
	t.filter = f
	return nil
}
