// Package conn is the connection manager: it bounds live connections per
// class, wraps every remote call in retry with the configured backoff
// strategy, honors server rate-limit waits, and detects server throttling
// from latency samples. All sleeps are capped and context-cancelable.
package conn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/histflow/histflow/internal/backoff"
	"github.com/histflow/histflow/internal/logging"
	"github.com/histflow/histflow/internal/remote"
)

// Config holds connection manager configuration.
type Config struct {
	// PoolSize bounds live connections per class (default: 8).
	PoolSize int
	// MaxAttempts is the transient-failure retry ceiling per call
	// (default: 5).
	MaxAttempts int
	// AbsoluteAttemptCeiling bounds total attempts per call including
	// rate-limited ones, preventing unbounded hangs (default: 20).
	AbsoluteAttemptCeiling int
	// Backoff configures the retry delay policy.
	Backoff backoff.Config
	// RateLimitExtraCap caps the extra delay added on top of a server
	// wait when throttled (default: 30s).
	RateLimitExtraCap time.Duration
	// ThrottleWindow is the latency sample window (default: 100).
	ThrottleWindow int
	// ThrottleFactor flags throttling when rolling average exceeds
	// factor × baseline (default: 3.0).
	ThrottleFactor float64
}

// DefaultConfig returns the default connection manager configuration.
func DefaultConfig() Config {
	return Config{
		PoolSize:               8,
		MaxAttempts:            5,
		AbsoluteAttemptCeiling: 20,
		Backoff:                backoff.DefaultConfig(),
		RateLimitExtraCap:      30 * time.Second,
		ThrottleWindow:         defaultThrottleWindow,
		ThrottleFactor:         3.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.AbsoluteAttemptCeiling <= 0 {
		c.AbsoluteAttemptCeiling = d.AbsoluteAttemptCeiling
	}
	if c.AbsoluteAttemptCeiling < c.MaxAttempts {
		c.AbsoluteAttemptCeiling = c.MaxAttempts
	}
	if c.RateLimitExtraCap <= 0 {
		c.RateLimitExtraCap = d.RateLimitExtraCap
	}
	if c.ThrottleWindow <= 0 {
		c.ThrottleWindow = d.ThrottleWindow
	}
	if c.ThrottleFactor <= 1 {
		c.ThrottleFactor = d.ThrottleFactor
	}
	return c
}

// Manager owns the per-class connection pools, the retry discipline and the
// throttle detector. It is an explicit service object: construct one per
// engine and pass it by handle, never through globals.
type Manager struct {
	cfg      Config
	policy   *backoff.Policy
	throttle *ThrottleDetector

	mu    sync.Mutex
	pools map[string]*Pool
}

// New creates a connection manager.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		policy:   backoff.New(cfg.Backoff),
		throttle: NewThrottleDetector(cfg.ThrottleWindow, cfg.ThrottleFactor),
		pools:    make(map[string]*Pool),
	}
}

// Pool returns the pool for a class, creating it on first use.
func (m *Manager) Pool(class string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[class]
	if !ok {
		p = newPool(class, m.cfg.PoolSize)
		m.pools[class] = p
	}
	return p
}

// IsThrottled reports whether the server shows sustained elevated latency.
func (m *Manager) IsThrottled() bool {
	return m.throttle.IsThrottled()
}

// Throttle returns the detector summary for telemetry.
func (m *Manager) Throttle() ThrottleSummary {
	return m.throttle.Summary()
}

// PoolStats returns a snapshot of every pool's rolling stats.
func (m *Manager) PoolStats() map[string]StatsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]StatsSnapshot, len(m.pools))
	for class, p := range m.pools {
		out[class] = p.Stats().Snapshot()
	}
	return out
}

// ExecuteWithRetry runs op, classifying failures and retrying per policy:
// transient errors back off and retry up to MaxAttempts; rate limits honor
// the server wait in full (plus a proportional extra delay when throttled)
// and count only against the absolute ceiling; fatal errors propagate
// immediately. The latency of every attempt feeds the throttle detector and
// the class pool's stats.
func (m *Manager) ExecuteWithRetry(ctx context.Context, class string, op func(context.Context) error) error {
	pool := m.Pool(class)

	transientAttempts := 0
	totalAttempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		totalAttempts++

		start := time.Now()
		err := op(ctx)
		latency := time.Since(start)

		m.throttle.Observe(latency)
		pool.Stats().Record(latency, err == nil)
		operationLatency.WithLabelValues(class).Observe(latency.Seconds())
		throttledGauge.Set(boolToFloat(m.throttle.IsThrottled()))

		if err == nil {
			if totalAttempts > 1 {
				logging.Debug("remote call succeeded after retry", logging.F(
					"class", class,
					"attempts", totalAttempts,
				))
			}
			return nil
		}
		lastErr = err
		kind := remote.Classify(err)
		retriesTotal.WithLabelValues(class, kind.String()).Inc()

		if totalAttempts >= m.cfg.AbsoluteAttemptCeiling {
			retryExhaustedTotal.WithLabelValues(class, kind.String()).Inc()
			return fmt.Errorf("attempt ceiling %d reached: %w", m.cfg.AbsoluteAttemptCeiling, lastErr)
		}

		switch kind {
		case remote.KindFatal:
			return err

		case remote.KindRateLimited:
			wait := remote.RetryAfterOf(err)
			if wait <= 0 {
				wait = m.policy.Delay(totalAttempts, m.throttle.BackoffState())
			}
			wait += m.rateLimitExtra(wait)
			logging.Warn("rate limited, honoring server wait", logging.F(
				"class", class,
				"wait", wait.String(),
				"attempt", totalAttempts,
			))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}

		default: // transient
			transientAttempts++
			if transientAttempts >= m.cfg.MaxAttempts {
				retryExhaustedTotal.WithLabelValues(class, kind.String()).Inc()
				return fmt.Errorf("retries exhausted after %d attempts: %w", transientAttempts, lastErr)
			}
			delay := m.policy.Delay(transientAttempts, m.throttle.BackoffState())
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// rateLimitExtra computes the extra delay added to a server-specified wait
// under detected throttling: proportional to the observed slowdown, at most
// half the server wait, capped. Re-hitting the same limit immediately is
// what this avoids.
func (m *Manager) rateLimitExtra(wait time.Duration) time.Duration {
	s := m.throttle.Summary()
	if !s.Throttled {
		return 0
	}
	frac := s.Slowdown / m.cfg.ThrottleFactor
	if frac > 1 {
		frac = 1
	}
	extra := time.Duration(float64(wait) * 0.5 * frac)
	if extra > m.cfg.RateLimitExtraCap {
		extra = m.cfg.RateLimitExtraCap
	}
	return extra
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
