package analytics

import (
	"errors"
	"math"
	"testing"
	"time"
)

// TestSlopeLinear verifies the least-squares fit on a perfect line.
func TestSlopeLinear(t *testing.T) {
	t.Parallel()
	values := []float64{0, 2, 4, 6, 8}
	stamps := make([]time.Time, len(values))
	for i := range stamps {
		stamps[i] = at(i)
	}
	got := slope(values, stamps)
	if math.Abs(got-2) > 1e-9 {
		t.Errorf("slope = %f, want 2", got)
	}
}

// TestSlopeFlat verifies that constant values fit a flat line.
func TestSlopeFlat(t *testing.T) {
	t.Parallel()
	values := []float64{5, 5, 5, 5}
	stamps := []time.Time{at(0), at(1), at(2), at(3)}
	if got := slope(values, stamps); got != 0 {
		t.Errorf("slope = %f, want 0", got)
	}
}

// TestSlopeDegenerate verifies the too-few-samples and single-timestamp
// guards.
func TestSlopeDegenerate(t *testing.T) {
	t.Parallel()
	if got := slope([]float64{7}, []time.Time{at(0)}); got != 0 {
		t.Errorf("slope of one sample = %f, want 0", got)
	}
	// Two samples on one timestamp have no horizontal spread to fit.
	if got := slope([]float64{1, 9}, []time.Time{at(0), at(0)}); got != 0 {
		t.Errorf("slope with zero time spread = %f, want 0", got)
	}
}

// TestClassifyTrend covers the polarity and epsilon table.
func TestClassifyTrend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		slope    float64
		epsilon  float64
		polarity Polarity
		want     Trend
	}{
		{"rising latency degrades", 1, 0.01, HigherIsWorse, TrendDegrading},
		{"falling latency improves", -1, 0.01, HigherIsWorse, TrendImproving},
		{"rising quality improves", 1, 0.01, HigherIsBetter, TrendImproving},
		{"falling quality degrades", -1, 0.01, HigherIsBetter, TrendDegrading},
		{"within epsilon is stable", 0.005, 0.01, HigherIsWorse, TrendStable},
		{"exactly epsilon is stable", -0.01, 0.01, HigherIsBetter, TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := classifyTrend(tt.slope, tt.epsilon, tt.polarity); got != tt.want {
				t.Errorf("classifyTrend(%f) = %q, want %q", tt.slope, got, tt.want)
			}
		})
	}
}

// TestMonitorTrendDegradingLatency verifies the default polarity: a climbing
// duration series is degrading.
func TestMonitorTrendDegradingLatency(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil)
	for i := 0; i < 5; i++ {
		m.RecordAt("mcp.request_duration_ms", float64(100+40*i), at(i))
	}
	rep, err := m.Trend("mcp.request_duration_ms")
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if rep.Direction != TrendDegrading {
		t.Errorf("Direction = %q, want %q", rep.Direction, TrendDegrading)
	}
	if math.Abs(rep.Slope-40) > 1e-9 {
		t.Errorf("Slope = %f, want 40", rep.Slope)
	}
	if rep.Samples != 5 {
		t.Errorf("Samples = %d, want 5", rep.Samples)
	}
}

// TestMonitorTrendPolarityOption verifies that a registered
// higher-is-better series improves when it climbs.
func TestMonitorTrendPolarityOption(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil, WithPolarity("council.quality", HigherIsBetter))
	for i := 0; i < 5; i++ {
		m.RecordAt("council.quality", 0.5+0.05*float64(i), at(i))
	}
	rep, err := m.Trend("council.quality")
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if rep.Direction != TrendImproving {
		t.Errorf("Direction = %q, want %q", rep.Direction, TrendImproving)
	}
}

// TestMonitorTrendEpsilonOption verifies that slopes inside the configured
// epsilon read as stable.
func TestMonitorTrendEpsilonOption(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil, WithTrendEpsilon(1.0))
	for i := 0; i < 4; i++ {
		m.RecordAt("mcp.request_duration_ms", float64(100+i), at(i)) // slope 1.0
	}
	rep, err := m.Trend("mcp.request_duration_ms")
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if rep.Direction != TrendStable {
		t.Errorf("Direction = %q, want %q", rep.Direction, TrendStable)
	}
}

// TestMonitorTrendSingleSample verifies the degenerate window is stable, not
// an error.
func TestMonitorTrendSingleSample(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil)
	m.RecordAt("council.agreement", 0.9, at(0))
	rep, err := m.Trend("council.agreement")
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if rep.Direction != TrendStable || rep.Samples != 1 || rep.Slope != 0 {
		t.Errorf("Trend = %+v, want stable single-sample report", rep)
	}
}

// TestMonitorTrendUnknownSeries verifies the unknown-series error.
func TestMonitorTrendUnknownSeries(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(t, nil)
	if _, err := m.Trend("never.recorded"); !errors.Is(err, ErrUnknownSeries) {
		t.Errorf("Trend error = %v, want ErrUnknownSeries", err)
	}
}
