package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/histflow/histflow/internal/logging"
)

// Conn is a logical connection slot handed to one worker at a time. The
// actual network session lives in the protocol-client collaborator; the slot
// carries identity and per-connection health so the manager can bound
// concurrency per class and restart a permanently broken connection.
type Conn struct {
	// ID identifies this connection instance; a restart issues a new ID.
	ID string
	// Class is the pool class this connection belongs to.
	Class string
	// CreatedAt is when this instance was issued.
	CreatedAt time.Time

	stats *OperationStats
}

// Stats returns this connection's rolling operation stats.
func (c *Conn) Stats() *OperationStats { return c.stats }

// Pool is a bounded collection of live connections for one class.
type Pool struct {
	class string
	size  int

	mu    sync.Mutex
	idle  []*Conn
	total int

	// slots bounds concurrent ownership to the pool size.
	slots chan struct{}

	stats *OperationStats
}

// newPool creates a pool of at most size connections.
func newPool(class string, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		class: class,
		size:  size,
		slots: make(chan struct{}, size),
	}
	p.stats = newOperationStats()
	for i := 0; i < size; i++ {
		p.slots <- struct{}{}
	}
	poolSize.WithLabelValues(class).Set(float64(size))
	return p
}

// Acquire obtains a connection, blocking until one is available or ctx is
// done. Connections are reused across acquisitions.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case <-p.slots:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s connection: %w", p.class, ctx.Err())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		poolInUse.WithLabelValues(p.class).Inc()
		return c, nil
	}
	p.total++
	poolInUse.WithLabelValues(p.class).Inc()
	return p.newConn(), nil
}

// Release returns a connection to the pool.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	poolInUse.WithLabelValues(p.class).Dec()
	p.slots <- struct{}{}
}

// Restart discards a permanently broken connection and issues a fresh one.
// The caller keeps ownership of the slot.
func (p *Pool) Restart(c *Conn) *Conn {
	poolRestartsTotal.WithLabelValues(p.class).Inc()
	logging.Warn("connection restarted", logging.F(
		"class", p.class,
		"old_id", c.ID,
	))
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newConn()
}

func (p *Pool) newConn() *Conn {
	return &Conn{
		ID:        uuid.NewString(),
		Class:     p.class,
		CreatedAt: time.Now(),
		stats:     newOperationStats(),
	}
}

// Stats returns the pool-wide rolling operation stats.
func (p *Pool) Stats() *OperationStats { return p.stats }

// statsWindow is the number of recent latency samples kept per stats object.
const statsWindow = 64

// OperationStats tracks success/failure counts and recent latencies for a
// pool or a single connection.
type OperationStats struct {
	mu        sync.Mutex
	success   uint64
	failure   uint64
	latencies []time.Duration
	idx       int
	filled    bool
	sum       time.Duration
}

// StatsSnapshot is a point-in-time view of OperationStats.
type StatsSnapshot struct {
	Success    uint64
	Failure    uint64
	AvgLatency time.Duration
	Samples    int
}

func newOperationStats() *OperationStats {
	return &OperationStats{latencies: make([]time.Duration, statsWindow)}
}

// Record accounts one operation outcome.
func (s *OperationStats) Record(latency time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.success++
	} else {
		s.failure++
	}
	if latency <= 0 {
		return
	}
	if s.filled {
		s.sum -= s.latencies[s.idx]
	}
	s.latencies[s.idx] = latency
	s.sum += latency
	s.idx++
	if s.idx == len(s.latencies) {
		s.idx = 0
		s.filled = true
	}
}

// Snapshot returns the current counters and rolling average latency.
func (s *OperationStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.idx
	if s.filled {
		n = len(s.latencies)
	}
	snap := StatsSnapshot{Success: s.success, Failure: s.failure, Samples: n}
	if n > 0 {
		snap.AvgLatency = s.sum / time.Duration(n)
	}
	return snap
}
