package shard

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/snapshot"
)

// Spill persists per-chunk fetch results to disk so chunk payloads do not
// accumulate in memory while other chunks are still fetching, and so a
// restarted worker does not lose fetched pages. Files go through the framed
// snapshot codec, so large compressible payloads are stored compressed.
type Spill struct {
	dir string
}

// NewSpill creates the spill directory and removes any leftover spill files
// from a previous crashed run.
func NewSpill(dir string) (*Spill, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spill dir: %w", err)
	}
	s := &Spill{dir: dir}
	s.Cleanup()
	return s, nil
}

func (s *Spill) path(c *Chunk) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk-%016x-%016x.spill", c.Start, c.End))
}

// Write persists a chunk's fetched records, replacing any prior spill for
// the same range.
func (s *Spill) Write(c *Chunk, recs []record.Record) error {
	body := record.EncodeSlice(recs)
	if err := snapshot.WriteFile(s.path(c), body); err != nil {
		return fmt.Errorf("spill chunk [%d,%d): %w", c.Start, c.End, err)
	}
	spillBytesTotal.Add(float64(len(body)))
	return nil
}

// Read loads a chunk's spilled records. Missing spill means the chunk
// fetched nothing.
func (s *Spill) Read(c *Chunk) ([]record.Record, error) {
	body, err := snapshot.ReadFile(s.path(c))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read spill [%d,%d): %w", c.Start, c.End, err)
	}
	recs, err := record.DecodeSlice(body)
	if err != nil {
		return nil, fmt.Errorf("decode spill [%d,%d): %w", c.Start, c.End, err)
	}
	return recs, nil
}

// Remove deletes a chunk's spill file after its records were merged.
func (s *Spill) Remove(c *Chunk) {
	snapshot.Remove(s.path(c))
}

// Cleanup removes every spill file in the directory.
func (s *Spill) Cleanup() {
	matches, err := filepath.Glob(filepath.Join(s.dir, "chunk-*.spill*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			logging.Warn("orphan spill cleanup failed", logging.F("path", m, "error", err.Error()))
		}
	}
}
