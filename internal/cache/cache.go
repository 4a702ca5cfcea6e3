// Package cache is the general key→value store shared by the coordinator
// and workers, mainly for resolved entity batches. Capacity is bounded by an
// LRU, entries carry their own TTL, and contents are periodically flushed to
// a durable snapshot so a resumed run starts warm.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/histflow/histflow/internal/logging"
)

// Config holds cache configuration.
type Config struct {
	// MaxEntries is the LRU capacity bound (default: 10000).
	MaxEntries int
	// DefaultTTL applies to entries put without an explicit TTL and is the
	// backstop expiry for the whole store (default: 1h).
	DefaultTTL time.Duration
	// Path is the snapshot file; empty disables persistence.
	Path string
	// FlushInterval is the period between background snapshot flushes
	// (default: 30s).
	FlushInterval time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    10000,
		DefaultTTL:    time.Hour,
		FlushInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	return c
}

// Entry is a cached value with its lifecycle metadata.
type Entry struct {
	Key        string
	Value      []byte
	InsertedAt time.Time
	TTL        time.Duration
}

func (e Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.InsertedAt) > e.TTL
}

// Counters is a point-in-time snapshot of cache effectiveness.
type Counters struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
}

// Store is a bounded LRU+TTL cache with snapshot persistence.
type Store struct {
	cfg Config
	lru *expirable.LRU[string, Entry]

	mu        sync.Mutex
	hits      uint64
	misses    uint64
	evictions uint64
	dirty     bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a cache store and, when a snapshot path is configured, warms
// it from the prior snapshot. A missing or corrupt snapshot starts empty.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	s := &Store{cfg: cfg}
	// The LRU's own TTL is the backstop; per-entry TTLs are enforced on Get.
	s.lru = expirable.NewLRU[string, Entry](cfg.MaxEntries, s.onEvict, cfg.DefaultTTL)

	if cfg.Path != "" {
		s.load()
	}
	return s
}

func (s *Store) onEvict(_ string, _ Entry) {
	s.mu.Lock()
	s.evictions++
	s.mu.Unlock()
	evictionsTotal.Inc()
}

// Get returns the cached value for key, or false on miss or expiry.
func (s *Store) Get(key string) ([]byte, bool) {
	e, ok := s.lru.Get(key)
	if ok && e.expired(time.Now()) {
		s.lru.Remove(key)
		ok = false
	}
	s.mu.Lock()
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	s.mu.Unlock()
	if !ok {
		missesTotal.Inc()
		return nil, false
	}
	hitsTotal.Inc()
	return e.Value, true
}

// Put stores value under key. A ttl of zero uses the configured default.
func (s *Store) Put(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 || ttl > s.cfg.DefaultTTL {
		ttl = s.cfg.DefaultTTL
	}
	s.lru.Add(key, Entry{
		Key:        key,
		Value:      value,
		InsertedAt: time.Now(),
		TTL:        ttl,
	})
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	entriesGauge.Set(float64(s.lru.Len()))
}

// Len returns the current entry count.
func (s *Store) Len() int {
	return s.lru.Len()
}

// Counters returns hit/miss/eviction counts for telemetry.
func (s *Store) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   s.lru.Len(),
	}
}

// Start launches the periodic flush loop. No-op without a snapshot path.
func (s *Store) Start(ctx context.Context) {
	if s.cfg.Path == "" {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				dirty := s.dirty
				s.mu.Unlock()
				if !dirty {
					continue
				}
				if err := s.Save(); err != nil {
					logging.Warn("cache flush failed", logging.F("error", err.Error()))
				}
			}
		}
	}()
}

// Close stops the flush loop and performs a final save.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	if s.cfg.Path == "" {
		return nil
	}
	return s.Save()
}
