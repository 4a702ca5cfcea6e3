package dedup

import (
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/snapshot"
)

// Config controls tracker selection and Bloom sizing.
type Config struct {
	// FalsePositiveRate is the Bloom target false-positive rate
	// (default: 0.01).
	FalsePositiveRate float64
	// SafetyMargin oversizes the Bloom filter relative to the prior
	// processed count (default: 1.5).
	SafetyMargin float64
	// MinCapacity is the minimum Bloom capacity regardless of prior count
	// (default: 100000).
	MinCapacity uint
}

// DefaultConfig returns sensible tracker defaults.
func DefaultConfig() Config {
	return Config{
		FalsePositiveRate: 0.01,
		SafetyMargin:      1.5,
		MinCapacity:       100000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FalsePositiveRate <= 0 || c.FalsePositiveRate >= 1 {
		c.FalsePositiveRate = d.FalsePositiveRate
	}
	if c.SafetyMargin < 1 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.MinCapacity == 0 {
		c.MinCapacity = d.MinCapacity
	}
	return c
}

// State is the deserialized prior tracker snapshot. A nil *State means no
// usable prior state exists.
type State struct {
	// Count is the prior distinct processed count.
	Count int64

	// ids holds the exact id set when the prior run used ModeExact.
	ids []uint64
	// bloomData holds the serialized filter when the prior run used
	// ModeBloom.
	bloomData []byte
}

const stateVersion = 1

// Serialized tracker body layout (inside the snapshot framing):
//
//	[u8 version][u8 mode][i64 count][payload]
//
// exact payload: uvarint n, then n uvarint deltas of the sorted id set.
// bloom payload: the filter's own binary form.

// Save persists the tracker's current state durably at path.
func Save(path string, t Tracker) error {
	start := time.Now()

	body := make([]byte, 0, 1024)
	body = append(body, stateVersion, byte(t.Mode()))
	body = binary.LittleEndian.AppendUint64(body, uint64(t.Count()))

	switch tr := t.(type) {
	case *ExactTracker:
		ids := tr.sortedIDs()
		body = binary.AppendUvarint(body, uint64(len(ids)))
		var prev uint64
		for _, id := range ids {
			body = binary.AppendUvarint(body, id-prev)
			prev = id
		}
	case *BloomTracker:
		data, err := tr.writeFilter()
		if err != nil {
			savesTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("serialize bloom filter: %w", err)
		}
		body = append(body, data...)
	default:
		return fmt.Errorf("unknown tracker type %T", t)
	}

	if err := snapshot.WriteFile(path, body); err != nil {
		savesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save dedup state: %w", err)
	}
	savesTotal.WithLabelValues("success").Inc()
	saveDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Load reads prior tracker state from path. A missing or corrupt snapshot
// is not an error: the run simply starts with no prior state.
func Load(path string) *State {
	body, err := snapshot.ReadFile(path)
	if err != nil {
		loadsTotal.WithLabelValues("absent").Inc()
		return nil
	}
	st, err := decodeState(body)
	if err != nil {
		logging.Warn("dedup snapshot corrupt, starting fresh", logging.F(
			"path", path,
			"error", err.Error(),
		))
		loadsTotal.WithLabelValues("corrupt").Inc()
		return nil
	}
	loadsTotal.WithLabelValues("success").Inc()
	return st
}

func decodeState(body []byte) (*State, error) {
	if len(body) < 2+8 {
		return nil, fmt.Errorf("state header truncated: %d bytes", len(body))
	}
	if body[0] != stateVersion {
		return nil, fmt.Errorf("unsupported state version %d", body[0])
	}
	mode := Mode(body[1])
	count := int64(binary.LittleEndian.Uint64(body[2:]))
	if count < 0 {
		return nil, fmt.Errorf("negative processed count")
	}
	payload := body[10:]

	switch mode {
	case ModeExact:
		n, off := binary.Uvarint(payload)
		if off <= 0 {
			return nil, fmt.Errorf("exact set length unreadable")
		}
		payload = payload[off:]
		ids := make([]uint64, 0, n)
		var prev uint64
		for i := uint64(0); i < n; i++ {
			delta, off := binary.Uvarint(payload)
			if off <= 0 {
				return nil, fmt.Errorf("exact set truncated at id %d", i)
			}
			payload = payload[off:]
			prev += delta
			ids = append(ids, prev)
		}
		return &State{Count: count, ids: ids}, nil
	case ModeBloom:
		if len(payload) == 0 {
			return nil, fmt.Errorf("empty bloom payload")
		}
		return &State{Count: count, bloomData: append([]byte(nil), payload...)}, nil
	default:
		return nil, fmt.Errorf("unknown tracker mode %d", mode)
	}
}

// ForRun constructs the tracker for an export run. With no prior progress it
// returns an exact tracker; with prior progress it returns a Bloom tracker
// sized from the prior count times the safety margin, pre-loaded with the
// prior state. The choice is final for the lifetime of the run.
func ForRun(prior *State, cfg Config) (Tracker, error) {
	cfg = cfg.withDefaults()

	if prior == nil || prior.Count == 0 {
		trackerMode.Set(float64(ModeExact))
		return NewExactTracker(), nil
	}

	if prior.bloomData != nil {
		// Prior run already used a filter: restore it as-is. Its sizing
		// already accounts for the run it was created for.
		t := NewBloomTracker(cfg.MinCapacity, cfg.FalsePositiveRate)
		if err := t.readFilter(prior.bloomData); err != nil {
			return nil, fmt.Errorf("restore bloom filter: %w", err)
		}
		t.setCount(prior.Count)
		trackerMode.Set(float64(ModeBloom))
		return t, nil
	}

	capacity := uint(float64(prior.Count) * cfg.SafetyMargin)
	if capacity < cfg.MinCapacity {
		capacity = cfg.MinCapacity
	}
	t := NewBloomTracker(capacity, cfg.FalsePositiveRate)
	for _, id := range prior.ids {
		t.Mark(id)
	}
	trackerMode.Set(float64(ModeBloom))
	logging.Info("dedup tracker resumed as bloom", logging.F(
		"prior_count", prior.Count,
		"capacity", capacity,
		"fp_rate", cfg.FalsePositiveRate,
	))
	return t, nil
}

func sortIDs(ids []uint64) {
	slices.Sort(ids)
}
