// Package backoff computes retry delays. It is a pure leaf: the only state
// it consults beyond the attempt number is a throttle snapshot supplied by
// the caller, so policies are trivially testable and safe to share.
package backoff

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy selects how delays grow across attempts.
type Strategy string

const (
	// StrategyFixed uses the base delay for every attempt.
	StrategyFixed Strategy = "fixed"
	// StrategyLinear grows the delay linearly with the attempt number.
	StrategyLinear Strategy = "linear"
	// StrategyExponential multiplies the delay per attempt up to the cap.
	StrategyExponential Strategy = "exponential"
	// StrategyAdaptive is exponential scaled by the observed server
	// slowdown, so a throttled server gets extra headroom.
	StrategyAdaptive Strategy = "adaptive"
)

// ParseStrategy parses a strategy string.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyExponential:
		return StrategyExponential, nil
	case StrategyFixed:
		return StrategyFixed, nil
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyAdaptive:
		return StrategyAdaptive, nil
	default:
		return "", fmt.Errorf("unsupported backoff strategy: %s", s)
	}
}

// Throttle is the caller-observed server latency state consumed by the
// adaptive strategy. The zero value means "not throttled".
type Throttle struct {
	// Throttled reports sustained elevated latency.
	Throttled bool
	// Slowdown is the ratio of rolling average latency to baseline
	// (1.0 = nominal).
	Slowdown float64
}

// maxAdaptiveFactor caps how much the adaptive strategy inflates a delay,
// keeping every sleep bounded even under extreme slowdown readings.
const maxAdaptiveFactor = 3.0

// Config holds backoff policy configuration.
type Config struct {
	// Strategy selects the delay curve.
	Strategy Strategy
	// Base is the first-attempt delay.
	Base time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Multiplier is the per-attempt growth factor for exponential and
	// adaptive strategies (default: 2.0).
	Multiplier float64
	// Jitter is the symmetric random spread applied to the final delay,
	// as a fraction (0.2 = ±20%). Zero disables jitter.
	Jitter float64
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyExponential,
		Base:       time.Second,
		Max:        2 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Policy computes retry delays from attempt count and throttle state.
type Policy struct {
	cfg Config
}

// New creates a backoff policy, filling zero-value config fields.
func New(cfg Config) *Policy {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyExponential
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 2 * time.Minute
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &Policy{cfg: cfg}
}

// Delay returns the sleep before retry number attempt (attempt >= 1).
// Without jitter, exponential and adaptive delays are non-decreasing in
// attempt up to the cap; fixed delays are constant.
func (p *Policy) Delay(attempt int, thr Throttle) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.cfg.Strategy {
	case StrategyFixed:
		d = p.cfg.Base
	case StrategyLinear:
		d = clampMul(p.cfg.Base, float64(attempt), p.cfg.Max)
	case StrategyAdaptive:
		d = p.exponential(attempt)
		if thr.Throttled && thr.Slowdown > 1 {
			factor := min(thr.Slowdown, maxAdaptiveFactor)
			d = clampMul(d, factor, p.cfg.Max)
		}
	default: // StrategyExponential
		d = p.exponential(attempt)
	}

	return p.jitter(d)
}

func (p *Policy) exponential(attempt int) time.Duration {
	d := p.cfg.Base
	for i := 1; i < attempt; i++ {
		d = clampMul(d, p.cfg.Multiplier, p.cfg.Max)
		if d >= p.cfg.Max {
			return p.cfg.Max
		}
	}
	return d
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	if p.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := p.cfg.Jitter
	f := 1 - spread + rand.Float64()*2*spread
	return time.Duration(float64(d) * f)
}

// clampMul multiplies d by f, saturating at max against overflow.
func clampMul(d time.Duration, f float64, max time.Duration) time.Duration {
	v := float64(d) * f
	if v >= float64(max) {
		return max
	}
	return time.Duration(v)
}
