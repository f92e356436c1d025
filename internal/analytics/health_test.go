package analytics

import (
	"sync"
	"testing"

	"github.com/polyvox/polyvox/internal/resilience"
)

// TestClassifyFailureRate covers the band boundaries.
func TestClassifyFailureRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rate float64
		want HealthState
	}{
		{0, HealthHealthy},
		{0.009, HealthHealthy},
		{0.01, HealthDegraded},
		{0.049, HealthDegraded},
		{0.05, HealthCritical},
		{0.149, HealthCritical},
		{0.15, HealthFailed},
		{0.5, HealthFailed},
		{1, HealthFailed},
	}
	for _, tt := range tests {
		if got := ClassifyFailureRate(tt.rate); got != tt.want {
			t.Errorf("ClassifyFailureRate(%f) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

// TestBreakerHealth verifies the state floors: open is at least critical,
// half-open at least degraded, and a worse failure-rate band always wins.
func TestBreakerHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		state resilience.State
		rate  float64
		want  HealthState
	}{
		{"closed clean", resilience.StateClosed, 0, HealthHealthy},
		{"closed failing", resilience.StateClosed, 0.2, HealthFailed},
		{"open clean", resilience.StateOpen, 0, HealthCritical},
		{"open degraded rate", resilience.StateOpen, 0.02, HealthCritical},
		{"open failing", resilience.StateOpen, 0.2, HealthFailed},
		{"half-open clean", resilience.StateHalfOpen, 0, HealthDegraded},
		{"half-open critical rate", resilience.StateHalfOpen, 0.06, HealthCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap := resilience.Snapshot{Name: "server-a", State: tt.state}
			if got := BreakerHealth(snap, tt.rate); got != tt.want {
				t.Errorf("BreakerHealth(%v, %f) = %q, want %q", tt.state, tt.rate, got, tt.want)
			}
		})
	}
}

// TestExecutionCountersSnapshot verifies the derived in-flight and
// failure-rate figures.
func TestExecutionCountersSnapshot(t *testing.T) {
	t.Parallel()
	var c ExecutionCounters
	for i := 0; i < 5; i++ {
		c.Started()
	}
	for i := 0; i < 3; i++ {
		c.Completed()
	}
	c.Failed()

	s := c.Snapshot()
	if s.Started != 5 || s.Completed != 3 || s.Failed != 1 {
		t.Errorf("snapshot = %+v, want 5/3/1", s)
	}
	if s.InFlight != 1 {
		t.Errorf("InFlight = %d, want 1", s.InFlight)
	}
	if s.FailureRate != 0.25 {
		t.Errorf("FailureRate = %f, want 0.25", s.FailureRate)
	}
}

// TestExecutionCountersZero verifies the zero value is usable and reports a
// zero rate.
func TestExecutionCountersZero(t *testing.T) {
	t.Parallel()
	var c ExecutionCounters
	s := c.Snapshot()
	if s.FailureRate != 0 || s.InFlight != 0 {
		t.Errorf("zero-value snapshot = %+v, want zeros", s)
	}
}

// TestExecutionCountersClamp verifies that finishes outrunning starts clamp
// in-flight at zero instead of wrapping.
func TestExecutionCountersClamp(t *testing.T) {
	t.Parallel()
	var c ExecutionCounters
	c.Started()
	c.Completed()
	c.Failed()
	if got := c.Snapshot().InFlight; got != 0 {
		t.Errorf("InFlight = %d, want 0", got)
	}
}

// TestExecutionCountersConcurrent ensures lock-free updates stay exact.
func TestExecutionCountersConcurrent(t *testing.T) {
	t.Parallel()
	var c ExecutionCounters
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Started()
				c.Completed()
			}
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Started != 400 || s.Completed != 400 {
		t.Errorf("snapshot = %+v, want 400 started and completed", s)
	}
	if s.InFlight != 0 {
		t.Errorf("InFlight = %d, want 0", s.InFlight)
	}
}

// TestMonitorHealth verifies the engine-level classification from the
// execution counters.
func TestMonitorHealth(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil)
	if got := m.Health().State; got != HealthHealthy {
		t.Errorf("fresh monitor Health = %q, want %q", got, HealthHealthy)
	}

	for i := 0; i < 100; i++ {
		m.ExecutionStarted()
	}
	for i := 0; i < 96; i++ {
		m.ExecutionCompleted()
	}
	for i := 0; i < 4; i++ {
		m.ExecutionFailed()
	}

	h := m.Health()
	if h.Executions.FailureRate != 0.04 {
		t.Errorf("FailureRate = %f, want 0.04", h.Executions.FailureRate)
	}
	if h.State != HealthDegraded {
		t.Errorf("Health = %q, want %q", h.State, HealthDegraded)
	}
	if got := m.Executions().Started; got != 100 {
		t.Errorf("Executions().Started = %d, want 100", got)
	}
}
