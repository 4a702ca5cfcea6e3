package conn

import (
	"sync"
	"time"

	"github.com/histflow/histflow/internal/backoff"
)

// defaultThrottleWindow is the number of recent latency samples kept for a
// representative operation type.
const defaultThrottleWindow = 100

// minThrottleSamples is the minimum sample count before the detector will
// flag throttling; below it there is no meaningful baseline.
const minThrottleSamples = 10

// ThrottleDetector detects sustained server-side slowdown from latency
// samples. The baseline is the minimum latency ever observed; the server is
// considered throttled when the rolling average over the window exceeds
// factor × baseline.
type ThrottleDetector struct {
	mu       sync.Mutex
	samples  []time.Duration
	idx      int
	filled   bool
	sum      time.Duration
	baseline time.Duration
	factor   float64
}

// ThrottleSummary is a point-in-time view of the detector state.
type ThrottleSummary struct {
	Throttled  bool
	Baseline   time.Duration
	RollingAvg time.Duration
	// Slowdown is RollingAvg / Baseline (1.0 = nominal).
	Slowdown float64
	Samples  int
}

// NewThrottleDetector creates a detector over a window of recent samples.
func NewThrottleDetector(window int, factor float64) *ThrottleDetector {
	if window <= 0 {
		window = defaultThrottleWindow
	}
	if factor <= 1 {
		factor = 3.0
	}
	return &ThrottleDetector{
		samples: make([]time.Duration, window),
		factor:  factor,
	}
}

// Observe records one operation latency.
func (d *ThrottleDetector) Observe(latency time.Duration) {
	if latency <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.filled {
		d.sum -= d.samples[d.idx]
	}
	d.samples[d.idx] = latency
	d.sum += latency
	d.idx++
	if d.idx == len(d.samples) {
		d.idx = 0
		d.filled = true
	}

	if d.baseline == 0 || latency < d.baseline {
		d.baseline = latency
	}
}

// IsThrottled reports whether sustained elevated latency is detected.
func (d *ThrottleDetector) IsThrottled() bool {
	return d.Summary().Throttled
}

// Summary returns the current detector state.
func (d *ThrottleDetector) Summary() ThrottleSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := d.idx
	if d.filled {
		n = len(d.samples)
	}
	s := ThrottleSummary{Baseline: d.baseline, Samples: n, Slowdown: 1}
	if n == 0 || d.baseline == 0 {
		return s
	}
	s.RollingAvg = d.sum / time.Duration(n)
	s.Slowdown = float64(s.RollingAvg) / float64(d.baseline)
	s.Throttled = n >= minThrottleSamples && s.Slowdown > d.factor
	return s
}

// BackoffState converts the summary into the form the backoff policy
// consumes.
func (d *ThrottleDetector) BackoffState() backoff.Throttle {
	s := d.Summary()
	return backoff.Throttle{Throttled: s.Throttled, Slowdown: s.Slowdown}
}
