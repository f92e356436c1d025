package mcphost

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow tracks the most recent call round-trips for one server.
//
// Samples live in a fixed-size ring; a parallel bool ring remembers which of
// them failed, so the windowed error rate decays as healthy calls displace
// old failures. That decay is what lets a demoted server earn its way back
// into discovery.
//
// All methods are safe for concurrent use.
type latencyWindow struct {
	mu      sync.Mutex
	samples []int64 // round-trips in milliseconds
	failed  []bool
	pos     int // next write position
	count   int // total samples ever recorded; may exceed the ring size
	errors  int // failures currently inside the ring
}

// newLatencyWindow creates a window holding the last size samples.
// A size of 0 or negative defaults to 100.
func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &latencyWindow{
		samples: make([]int64, size),
		failed:  make([]bool, size),
	}
}

// Record adds one round-trip to the window, displacing the oldest sample once
// the ring is full.
func (w *latencyWindow) Record(rtt time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count >= len(w.samples) && w.failed[w.pos] {
		w.errors--
	}
	w.samples[w.pos] = rtt.Milliseconds()
	w.failed[w.pos] = isError
	if isError {
		w.errors++
	}
	w.pos = (w.pos + 1) % len(w.samples)
	w.count++
}

// windowLen returns the number of meaningful samples in the ring (≤ size).
// Callers must hold w.mu.
func (w *latencyWindow) windowLen() int {
	if w.count < len(w.samples) {
		return w.count
	}
	return len(w.samples)
}

// sortedCopy returns a sorted copy of the current window samples.
// Callers must hold w.mu.
func (w *latencyWindow) sortedCopy() []int64 {
	n := w.windowLen()
	if n == 0 {
		return nil
	}
	cp := make([]int64, 0, n)
	if w.count < len(w.samples) {
		cp = append(cp, w.samples[:n]...)
	} else {
		// Full ring: the oldest sample sits at pos.
		cp = append(cp, w.samples[w.pos:]...)
		cp = append(cp, w.samples[:w.pos]...)
	}
	slices.Sort(cp)
	return cp
}

// P50 returns the median round-trip of the window.
// Returns 0 if no samples have been recorded.
func (w *latencyWindow) P50() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	return time.Duration(sorted[len(sorted)/2]) * time.Millisecond
}

// P99 returns the 99th-percentile round-trip of the window.
// Returns 0 if no samples have been recorded.
func (w *latencyWindow) P99() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	sorted := w.sortedCopy()
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * 0.99)
	return time.Duration(sorted[idx]) * time.Millisecond
}

// ErrorRate returns the fraction of windowed samples that failed (0.0–1.0).
// Returns 0 if no samples have been recorded.
func (w *latencyWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	return float64(w.errors) / float64(n)
}

// Count returns the total number of calls recorded (may exceed window
// capacity).
func (w *latencyWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
