package pipeline

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Priority selects the lane of CPU-bound work.
type Priority int

const (
	// PriorityNormal is bulk transform work.
	PriorityNormal Priority = iota
	// PriorityHigh is latency-sensitive work such as checkpoint encoding.
	PriorityHigh
)

// CPUPool bounds concurrent CPU-bound work. Each priority class holds its
// own semaphore lane, so queued high-priority work only ever waits on other
// high-priority work and can never sit behind a blocked bulk transform.
// Normal tasks share 2 units per processor at weight 2; the high lane is
// one unit per processor.
type CPUPool struct {
	normal *semaphore.Weighted
	high   *semaphore.Weighted
}

// NewCPUPool sizes a pool for n processors; n <= 0 uses GOMAXPROCS.
func NewCPUPool(n int) *CPUPool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &CPUPool{
		normal: semaphore.NewWeighted(int64(2 * n)),
		high:   semaphore.NewWeighted(int64(n)),
	}
}

func (p *CPUPool) lane(pri Priority) (*semaphore.Weighted, int64) {
	if pri == PriorityHigh {
		return p.high, 1
	}
	return p.normal, 2
}

// Do runs fn once a slot in the priority's lane is available, blocking
// until then or until ctx is done.
func (p *CPUPool) Do(ctx context.Context, pri Priority, fn func()) error {
	sem, w := p.lane(pri)
	if err := sem.Acquire(ctx, w); err != nil {
		return err
	}
	defer sem.Release(w)
	fn()
	return nil
}

// TryDo runs fn only if a slot is immediately available.
func (p *CPUPool) TryDo(pri Priority, fn func()) bool {
	sem, w := p.lane(pri)
	if !sem.TryAcquire(w) {
		return false
	}
	defer sem.Release(w)
	fn()
	return true
}
