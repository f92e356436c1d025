package analytics

import (
	"slices"
	"sync"
	"time"
)

// SeriesSnapshot summarizes the retained window of one series.
type SeriesSnapshot struct {
	// Series is the name the samples were recorded under.
	Series string

	// Count is the number of samples currently in the window.
	Count int

	Mean float64
	P50  float64
	P95  float64
	Min  float64
	Max  float64

	// First and Last are the timestamps of the oldest retained sample and
	// the newest sample. Zero when the window is empty.
	First time.Time
	Last  time.Time
}

// ring is a fixed-capacity sample window for one series. Appends overwrite
// the oldest slot once the window is full. Critical sections are short;
// snapshot work happens on copies.
type ring struct {
	mu     sync.Mutex
	values []float64
	stamps []time.Time
	pos    int // next write slot
	count  int // total samples ever recorded
}

func newRing(size int) *ring {
	if size <= 0 {
		size = defaultRingSize
	}
	return &ring{
		values: make([]float64, size),
		stamps: make([]time.Time, size),
	}
}

// record appends one sample.
func (r *ring) record(v float64, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[r.pos] = v
	r.stamps[r.pos] = ts
	r.pos = (r.pos + 1) % len(r.values)
	r.count++
}

// newest returns the timestamp of the most recent sample.
func (r *ring) newest() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return time.Time{}, false
	}
	idx := (r.pos - 1 + len(r.values)) % len(r.values)
	return r.stamps[idx], true
}

// points returns the retained samples ordered oldest to newest.
func (r *ring) points() ([]float64, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.retainedLocked()
	values := make([]float64, 0, n)
	stamps := make([]time.Time, 0, n)
	start := r.startLocked()
	for i := 0; i < n; i++ {
		idx := (start + i) % len(r.values)
		values = append(values, r.values[idx])
		stamps = append(stamps, r.stamps[idx])
	}
	return values, stamps
}

// snapshot computes the window statistics for the series.
func (r *ring) snapshot(series string) SeriesSnapshot {
	r.mu.Lock()

	n := r.retainedLocked()
	s := SeriesSnapshot{Series: series, Count: n}
	if n == 0 {
		r.mu.Unlock()
		return s
	}

	start := r.startLocked()
	window := make([]float64, n)
	sum := 0.0
	for i := 0; i < n; i++ {
		v := r.values[(start+i)%len(r.values)]
		window[i] = v
		sum += v
	}
	s.First = r.stamps[start]
	s.Last = r.stamps[(start+n-1)%len(r.values)]
	r.mu.Unlock()

	s.Mean = sum / float64(n)
	slices.Sort(window)
	s.Min = window[0]
	s.Max = window[n-1]
	s.P50 = percentile(window, 0.50)
	s.P95 = percentile(window, 0.95)
	return s
}

// retainedLocked reports how many slots hold samples. Caller holds r.mu.
func (r *ring) retainedLocked() int {
	if r.count < len(r.values) {
		return r.count
	}
	return len(r.values)
}

// startLocked returns the index of the oldest retained sample. Caller holds
// r.mu.
func (r *ring) startLocked() int {
	if r.count < len(r.values) {
		return 0
	}
	return r.pos
}

// percentile returns the nearest-rank percentile of an ascending window.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*q)]
}
