package remote

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/histflow/histflow/internal/record"
)

// SyntheticConfig shapes the built-in synthetic source.
type SyntheticConfig struct {
	// Density is the fraction of ids that hold a record (default: 0.5).
	Density float64
	// Origins is the number of distinct sender entities (default: 100).
	Origins int
	// PayloadSize is the per-record payload length (default: 64).
	PayloadSize int
	// Latency is an artificial delay per call, for throttle and backoff
	// exercises (default: none).
	Latency time.Duration
	// Seed fixes the record layout; same seed, same history.
	Seed uint64
}

func (c SyntheticConfig) withDefaults() SyntheticConfig {
	if c.Density <= 0 || c.Density > 1 {
		c.Density = 0.5
	}
	if c.Origins <= 0 {
		c.Origins = 100
	}
	if c.PayloadSize <= 0 {
		c.PayloadSize = 64
	}
	return c
}

// Synthetic is a deterministic in-process source for self-tests and demos:
// it implements PageFetcher and BatchResolver over a procedurally generated
// message history.
type Synthetic struct {
	cfg SyntheticConfig
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	return &Synthetic{cfg: cfg.withDefaults()}
}

// has reports whether an id holds a record, deterministically from the seed.
func (s *Synthetic) has(id uint64) bool {
	r := rand.New(rand.NewPCG(s.cfg.Seed, id))
	return r.Float64() < s.cfg.Density
}

// FetchPage implements PageFetcher.
func (s *Synthetic) FetchPage(ctx context.Context, cursor Cursor, pageSize int) ([]record.Record, Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	if s.cfg.Latency > 0 {
		timer := time.NewTimer(s.cfg.Latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, cursor, ctx.Err()
		}
	}

	var recs []record.Record
	id := cursor.Next
	for id < cursor.End && len(recs) < pageSize {
		if s.has(id) {
			r := rand.New(rand.NewPCG(s.cfg.Seed^0x9e3779b97f4a7c15, id))
			payload := make([]byte, s.cfg.PayloadSize)
			for i := range payload {
				payload[i] = byte('a' + r.IntN(26))
			}
			recs = append(recs, record.Record{
				ID:        id,
				Timestamp: time.Unix(1600000000+int64(id), 0),
				OriginID:  uint64(r.IntN(s.cfg.Origins)) + 1,
				Payload:   payload,
			})
		}
		id++
	}
	return recs, Cursor{Next: id, End: cursor.End}, nil
}

// ResolveBatch implements BatchResolver.
func (s *Synthetic) ResolveBatch(ctx context.Context, ids []uint64) (map[uint64]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[uint64]Entity, len(ids))
	for _, id := range ids {
		out[id] = Entity{
			ID:   id,
			Name: fmt.Sprintf("sender-%d", id),
		}
	}
	return out, nil
}
