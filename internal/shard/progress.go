package shard

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Span is a half-open id range [Start, End).
type Span struct {
	Start uint64
	End   uint64
}

// Progress records which parts of the id space a run has covered. Incomplete
// spans are the ranges a subsequent resume must retry; everything in
// Completed is durably done.
type Progress struct {
	mu         sync.Mutex
	processed  int64
	completed  []Span
	incomplete []Span
}

// NewProgress creates an empty progress record.
func NewProgress() *Progress {
	return &Progress{}
}

// MarkComplete records [start, end) as fully fetched.
func (p *Progress) MarkComplete(start, end uint64) {
	if end <= start {
		return
	}
	p.mu.Lock()
	p.completed = append(p.completed, Span{Start: start, End: end})
	p.mu.Unlock()
}

// MarkIncomplete records [start, end) as needing a retry on resume.
func (p *Progress) MarkIncomplete(start, end uint64) {
	if end <= start {
		return
	}
	p.mu.Lock()
	p.incomplete = append(p.incomplete, Span{Start: start, End: end})
	p.mu.Unlock()
}

// AddProcessed accounts n records merged into the output stream.
func (p *Progress) AddProcessed(n int64) {
	p.mu.Lock()
	p.processed += n
	p.mu.Unlock()
}

// Processed returns the number of records merged so far.
func (p *Progress) Processed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}

// Completed returns the completed spans sorted by start.
func (p *Progress) Completed() []Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedSpans(p.completed)
}

// Incomplete returns the spans a resume must retry, sorted by start.
func (p *Progress) Incomplete() []Span {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedSpans(p.incomplete)
}

func sortedSpans(spans []Span) []Span {
	out := make([]Span, len(spans))
	copy(out, spans)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

const progressVersion = 1

// Encode serializes progress for snapshotting.
func (p *Progress) Encode() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := []byte{progressVersion}
	b = binary.LittleEndian.AppendUint64(b, uint64(p.processed))
	b = appendSpans(b, p.completed)
	b = appendSpans(b, p.incomplete)
	return b
}

func appendSpans(b []byte, spans []Span) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(spans)))
	for _, s := range spans {
		b = binary.LittleEndian.AppendUint64(b, s.Start)
		b = binary.LittleEndian.AppendUint64(b, s.End)
	}
	return b
}

// DecodeProgress reconstructs progress from an Encode buffer.
func DecodeProgress(b []byte) (*Progress, error) {
	if len(b) < 1+8 {
		return nil, fmt.Errorf("progress truncated: %d bytes", len(b))
	}
	if b[0] != progressVersion {
		return nil, fmt.Errorf("unsupported progress version %d", b[0])
	}
	p := NewProgress()
	p.processed = int64(binary.LittleEndian.Uint64(b[1:]))
	b = b[9:]

	var err error
	p.completed, b, err = decodeSpans(b)
	if err != nil {
		return nil, fmt.Errorf("completed spans: %w", err)
	}
	p.incomplete, _, err = decodeSpans(b)
	if err != nil {
		return nil, fmt.Errorf("incomplete spans: %w", err)
	}
	return p, nil
}

func decodeSpans(b []byte) ([]Span, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("span count truncated")
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n)*16 {
		return nil, nil, fmt.Errorf("span list truncated: want %d spans", n)
	}
	spans := make([]Span, 0, n)
	for i := uint32(0); i < n; i++ {
		spans = append(spans, Span{
			Start: binary.LittleEndian.Uint64(b),
			End:   binary.LittleEndian.Uint64(b[8:]),
		})
		b = b[16:]
	}
	return spans, b, nil
}
