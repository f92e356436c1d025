package analytics

import (
	"sync/atomic"

	"github.com/polyvox/polyvox/internal/resilience"
)

// HealthState classifies a component by its observed failure rate.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthCritical HealthState = "critical"
	HealthFailed   HealthState = "failed"
)

// ClassifyFailureRate maps a failure rate in [0, 1] to a health band: under
// 1% healthy, under 5% degraded, under 15% critical, anything higher failed.
func ClassifyFailureRate(rate float64) HealthState {
	switch {
	case rate < 0.01:
		return HealthHealthy
	case rate < 0.05:
		return HealthDegraded
	case rate < 0.15:
		return HealthCritical
	default:
		return HealthFailed
	}
}

// BreakerHealth folds the live breaker state into the failure-rate band. An
// open breaker is never better than critical and a half-open one never
// better than degraded, however the longer-run rate looks.
func BreakerHealth(snap resilience.Snapshot, rate float64) HealthState {
	h := ClassifyFailureRate(rate)
	switch snap.State {
	case resilience.StateOpen:
		if h == HealthHealthy || h == HealthDegraded {
			h = HealthCritical
		}
	case resilience.StateHalfOpen:
		if h == HealthHealthy {
			h = HealthDegraded
		}
	}
	return h
}

// ─── Execution counters ────────────────────────────────────────────────────────

// ExecutionCounters tracks execution lifecycle totals. Updates and snapshot
// reads are lock-free; each counter is loaded independently, which is
// consistent enough for monitoring. The zero value is ready to use.
type ExecutionCounters struct {
	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Started records one execution entering flight.
func (c *ExecutionCounters) Started() { c.started.Add(1) }

// Completed records one execution finishing successfully.
func (c *ExecutionCounters) Completed() { c.completed.Add(1) }

// Failed records one execution finishing in error.
func (c *ExecutionCounters) Failed() { c.failed.Add(1) }

// Snapshot reads the counters without locking.
func (c *ExecutionCounters) Snapshot() ExecutionSnapshot {
	s := ExecutionSnapshot{
		Started:   c.started.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
	}
	if finished := s.Completed + s.Failed; finished > 0 {
		s.FailureRate = float64(s.Failed) / float64(finished)
	}
	if s.Started > s.Completed+s.Failed {
		s.InFlight = s.Started - s.Completed - s.Failed
	}
	return s
}

// ExecutionSnapshot is a point-in-time read of the execution counters.
type ExecutionSnapshot struct {
	Started   uint64
	Completed uint64
	Failed    uint64

	// InFlight is started minus finished, clamped at zero for reads that
	// raced a completion.
	InFlight uint64

	// FailureRate is failed over finished (completed + failed); zero when
	// nothing has finished.
	FailureRate float64
}

// HealthReport classifies the engine by its execution failure rate.
type HealthReport struct {
	State      HealthState
	Executions ExecutionSnapshot
}

// ExecutionStarted records one execution entering flight.
func (m *Monitor) ExecutionStarted() { m.exec.Started() }

// ExecutionCompleted records one execution finishing successfully.
func (m *Monitor) ExecutionCompleted() { m.exec.Completed() }

// ExecutionFailed records one execution finishing in error.
func (m *Monitor) ExecutionFailed() { m.exec.Failed() }

// Executions reads the execution counters.
func (m *Monitor) Executions() ExecutionSnapshot { return m.exec.Snapshot() }

// Health classifies the engine by the execution failure rate observed so
// far. With nothing finished the engine counts as healthy.
func (m *Monitor) Health() HealthReport {
	s := m.exec.Snapshot()
	return HealthReport{
		State:      ClassifyFailureRate(s.FailureRate),
		Executions: s,
	}
}
