package conn

import (
	"testing"
	"time"
)

func TestThrottleDetector_HealthyBaseline(t *testing.T) {
	d := NewThrottleDetector(100, 3.0)
	for i := 0; i < 50; i++ {
		d.Observe(10 * time.Millisecond)
	}
	if d.IsThrottled() {
		t.Error("steady latency flagged as throttled")
	}
	s := d.Summary()
	if s.Baseline != 10*time.Millisecond {
		t.Errorf("baseline = %v, want 10ms", s.Baseline)
	}
	if s.Slowdown < 0.99 || s.Slowdown > 1.01 {
		t.Errorf("slowdown = %.2f, want ~1.0", s.Slowdown)
	}
}

func TestThrottleDetector_FlagsSustainedSlowdown(t *testing.T) {
	d := NewThrottleDetector(100, 3.0)
	// Establish a fast baseline, then sustained 5x latency.
	d.Observe(10 * time.Millisecond)
	for i := 0; i < 100; i++ {
		d.Observe(50 * time.Millisecond)
	}
	if !d.IsThrottled() {
		t.Error("sustained 5x slowdown not flagged")
	}
	if s := d.Summary(); s.Slowdown < 3.0 {
		t.Errorf("slowdown = %.2f, want > 3", s.Slowdown)
	}
}

func TestThrottleDetector_NeedsMinimumSamples(t *testing.T) {
	d := NewThrottleDetector(100, 3.0)
	d.Observe(time.Millisecond)
	d.Observe(100 * time.Millisecond)
	if d.IsThrottled() {
		t.Error("throttled flagged with too few samples")
	}
}

func TestThrottleDetector_WindowSlides(t *testing.T) {
	d := NewThrottleDetector(10, 3.0)
	// Slow phase fills the window, then a fast phase displaces it entirely.
	d.Observe(time.Millisecond)
	for i := 0; i < 20; i++ {
		d.Observe(50 * time.Millisecond)
	}
	if !d.IsThrottled() {
		t.Fatal("expected throttled during slow phase")
	}
	for i := 0; i < 10; i++ {
		d.Observe(time.Millisecond)
	}
	if d.IsThrottled() {
		t.Error("still throttled after window displaced by fast samples")
	}
}

func TestThrottleDetector_IgnoresNonPositive(t *testing.T) {
	d := NewThrottleDetector(10, 3.0)
	d.Observe(0)
	d.Observe(-time.Second)
	if s := d.Summary(); s.Samples != 0 {
		t.Errorf("samples = %d, want 0", s.Samples)
	}
}

func TestOperationStats(t *testing.T) {
	s := newOperationStats()
	s.Record(10*time.Millisecond, true)
	s.Record(20*time.Millisecond, true)
	s.Record(30*time.Millisecond, false)

	snap := s.Snapshot()
	if snap.Success != 2 || snap.Failure != 1 {
		t.Errorf("counts = %d/%d, want 2/1", snap.Success, snap.Failure)
	}
	if snap.AvgLatency != 20*time.Millisecond {
		t.Errorf("avg = %v, want 20ms", snap.AvgLatency)
	}
}
