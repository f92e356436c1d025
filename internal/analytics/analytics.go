// Package analytics keeps rolling windows of named metric series and turns
// them into operational signal: threshold alerts, trend direction, capacity
// projections, and a health classification of execution outcomes.
//
// A [Monitor] is the metrics sink the MCP coordinator and the voice council
// publish through. Samples land in fixed-capacity rings, one per series, so
// memory stays bounded no matter how long the process runs. Background
// timers periodically survey trends and sweep series that have gone idle;
// both are joined on [Monitor.Close].
package analytics

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/events"
)

var (
	// ErrUnknownSeries is returned when a query names a series that has
	// never recorded a sample (or has been swept after going idle).
	ErrUnknownSeries = errors.New("analytics: unknown series")

	// ErrInsufficientData is returned when a projection needs more samples
	// than the series has retained.
	ErrInsufficientData = errors.New("analytics: not enough samples")

	// ErrAlertNotFound is returned by Acknowledge for an unknown alert id.
	ErrAlertNotFound = errors.New("analytics: alert not found")
)

const (
	defaultRingSize      = 256
	defaultTrendEpsilon  = 0.01 // value units per second
	defaultSweepInterval = time.Minute
	defaultTrendInterval = time.Minute
	defaultMaxIdle       = 30 * time.Minute

	// minTrendSamples is the smallest window the background trend survey
	// will fit a line through. Two points always form a perfect line, so
	// surveys want at least three before raising noise.
	minTrendSamples = 3
)

// Monitor records metric samples and derives alerts, trends, capacity
// projections and health classification from them. All methods are safe for
// concurrent use. Construct with [New] and release with [Monitor.Close].
type Monitor struct {
	logger       *slog.Logger
	ringSize     int
	eventBuffer  int
	trendEpsilon float64
	sweepEvery   time.Duration
	trendEvery   time.Duration
	maxIdle      time.Duration
	polarity     map[string]Polarity // fixed after New

	mu         sync.RWMutex
	series     map[string]*ring
	thresholds map[string][]Threshold
	alerts     map[string]Alert
	alertOrder []string            // alert ids in creation order
	active     map[alertKey]string // outstanding alert per (series, level)

	exec   ExecutionCounters
	stream *events.Stream[Event]

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option adjusts Monitor construction.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRingSize sets how many samples each series retains.
func WithRingSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.ringSize = n
		}
	}
}

// WithEventBuffer sets the per-subscriber capacity of the alert event
// stream.
func WithEventBuffer(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.eventBuffer = n
		}
	}
}

// WithTrendEpsilon sets the slope magnitude, in value units per second,
// under which a series counts as stable.
func WithTrendEpsilon(eps float64) Option {
	return func(m *Monitor) {
		if eps >= 0 {
			m.trendEpsilon = eps
		}
	}
}

// WithPolarity registers which slope direction counts as improvement for a
// series. Unregistered series default to [HigherIsWorse]. Registrations are
// fixed once New returns.
func WithPolarity(series string, p Polarity) Option {
	return func(m *Monitor) {
		if series != "" {
			m.polarity[series] = p
		}
	}
}

// WithSweepInterval sets how often idle series are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.sweepEvery = d
		}
	}
}

// WithMaxIdle sets how long a series may go without a sample before the
// sweeper drops it.
func WithMaxIdle(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxIdle = d
		}
	}
}

// WithTrendInterval sets how often the background trend survey runs.
func WithTrendInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.trendEvery = d
		}
	}
}

// New builds a Monitor with the given alerting rules (nil is fine) and
// starts the background sweep and trend timers.
func New(thresholds []Threshold, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		logger:       slog.Default(),
		ringSize:     defaultRingSize,
		eventBuffer:  events.DefaultBuffer,
		trendEpsilon: defaultTrendEpsilon,
		sweepEvery:   defaultSweepInterval,
		trendEvery:   defaultTrendInterval,
		maxIdle:      defaultMaxIdle,
		polarity:     make(map[string]Polarity),
		series:       make(map[string]*ring),
		thresholds:   make(map[string][]Threshold),
		alerts:       make(map[string]Alert),
		active:       make(map[alertKey]string),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, t := range thresholds {
		if err := m.SetThreshold(t); err != nil {
			return nil, err
		}
	}
	m.stream = events.NewStream[Event](m.eventBuffer)

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Record appends value to the named series stamped with the current time.
// It is the sink the coordinator and council report through; empty series
// names are ignored.
func (m *Monitor) Record(series string, value float64) {
	m.RecordAt(series, value, time.Now())
}

// RecordAt appends a sample with an explicit timestamp. Samples are assumed
// to arrive in roughly chronological order; the trend fit relies on it.
func (m *Monitor) RecordAt(series string, value float64, ts time.Time) {
	if series == "" {
		return
	}
	m.ringFor(series).record(value, ts)
	m.evaluate(series, value, ts)
}

// Events returns the alert event stream.
func (m *Monitor) Events() *events.Stream[Event] { return m.stream }

// Snapshot summarizes the retained window of one series.
func (m *Monitor) Snapshot(series string) (SeriesSnapshot, error) {
	r, ok := m.lookup(series)
	if !ok {
		return SeriesSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownSeries, series)
	}
	return r.snapshot(series), nil
}

// Snapshots summarizes every tracked series, keyed by name.
func (m *Monitor) Snapshots() map[string]SeriesSnapshot {
	rings := m.copyRings()
	out := make(map[string]SeriesSnapshot, len(rings))
	for name, r := range rings {
		out[name] = r.snapshot(name)
	}
	return out
}

// Series returns the tracked series names, sorted.
func (m *Monitor) Series() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.series))
}

// Close stops the background timers, waits for them to exit, and closes the
// alert event stream. Close is idempotent.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()
		m.stream.Close()
	})
}

// ─── Internals ────────────────────────────────────────────────────────────────

// ringFor returns the ring for series, creating it on first use.
func (m *Monitor) ringFor(series string) *ring {
	m.mu.RLock()
	r, ok := m.series[series]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok = m.series[series]; ok {
		return r
	}
	r = newRing(m.ringSize)
	m.series[series] = r
	return r
}

// lookup returns the ring for series if one exists.
func (m *Monitor) lookup(series string) (*ring, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.series[series]
	return r, ok
}

func (m *Monitor) copyRings() map[string]*ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rings := make(map[string]*ring, len(m.series))
	maps.Copy(rings, m.series)
	return rings
}

func (m *Monitor) run() {
	defer m.wg.Done()
	sweep := time.NewTicker(m.sweepEvery)
	defer sweep.Stop()
	trend := time.NewTicker(m.trendEvery)
	defer trend.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-sweep.C:
			if n := m.sweepIdle(time.Now()); n > 0 {
				m.logger.Debug("idle metric series swept", "removed", n)
			}
		case <-trend.C:
			m.surveyTrends()
		}
	}
}

// sweepIdle drops series whose newest sample is older than the idle cutoff.
// Candidates are collected under the read lock; only the removal pass takes
// the exclusive one. A series swept mid-record simply reappears on its next
// sample.
func (m *Monitor) sweepIdle(now time.Time) int {
	cutoff := now.Add(-m.maxIdle)

	var stale []string
	for name, r := range m.copyRings() {
		if last, ok := r.newest(); ok && last.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	removed := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range stale {
		r, ok := m.series[name]
		if !ok {
			continue
		}
		// Re-check under the lock: the series may have sampled since.
		if last, ok := r.newest(); ok && !last.Before(cutoff) {
			continue
		}
		delete(m.series, name)
		removed++
	}
	return removed
}
