package export

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/histflow/histflow/internal/dedup"
	"github.com/histflow/histflow/internal/record"
	"github.com/histflow/histflow/internal/shard"
	"github.com/histflow/histflow/internal/snapshot"
)

// runState is the persisted remains of a prior run: the id space it
// covered, its dedup tracker state and its chunk progress.
type runState struct {
	space    record.IDSpace
	dedup    *dedup.State
	progress *shard.Progress
}

func (e *Engine) statePath(suffix string) string {
	return filepath.Join(e.cfg.StateDir, e.cfg.Name+suffix)
}

const (
	metaSuffix     = ".meta"
	dedupSuffix    = ".dedup"
	progressSuffix = ".progress"
)

// saveState atomically persists the three state files. The dedup snapshot
// is written first: a crash between files then errs toward re-fetching, not
// re-emitting.
func (e *Engine) saveState(space record.IDSpace, tracker dedup.Tracker, progress *shard.Progress) error {
	if err := dedup.Save(e.statePath(dedupSuffix), tracker); err != nil {
		return fmt.Errorf("save dedup state: %w", err)
	}
	if err := snapshot.WriteFile(e.statePath(progressSuffix), progress.Encode()); err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	meta := binary.LittleEndian.AppendUint64(nil, space.Low)
	meta = binary.LittleEndian.AppendUint64(meta, space.High)
	if err := snapshot.WriteFile(e.statePath(metaSuffix), meta); err != nil {
		return fmt.Errorf("save meta: %w", err)
	}
	return nil
}

// loadState reads a prior run's state. The meta file is required; missing
// or corrupt dedup and progress degrade to empty, which only costs
// re-fetching.
func (e *Engine) loadState() (*runState, error) {
	meta, err := snapshot.ReadFile(e.statePath(metaSuffix))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("no prior state under %s", e.cfg.StateDir)
	}
	if err != nil {
		return nil, err
	}
	if len(meta) < 16 {
		return nil, fmt.Errorf("meta snapshot truncated: %d bytes", len(meta))
	}
	st := &runState{
		space: record.IDSpace{
			Low:  binary.LittleEndian.Uint64(meta),
			High: binary.LittleEndian.Uint64(meta[8:]),
		},
	}

	st.dedup = dedup.Load(e.statePath(dedupSuffix))

	st.progress = shard.NewProgress()
	if body, err := snapshot.ReadFile(e.statePath(progressSuffix)); err == nil {
		if p, derr := shard.DecodeProgress(body); derr == nil {
			st.progress = p
		}
	}
	return st, nil
}
