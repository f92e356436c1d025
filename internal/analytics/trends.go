package analytics

import (
	"fmt"
	"math"
	"time"
)

// Trend classifies the direction a series is moving.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// Polarity states which slope direction counts as improvement for a series.
// Latency and failure series improve when falling; quality and success-rate
// series improve when rising.
type Polarity int

const (
	// HigherIsWorse suits latency, error and load series. Unregistered
	// series default to it.
	HigherIsWorse Polarity = iota

	// HigherIsBetter suits quality, agreement and success-rate series.
	HigherIsBetter
)

// TrendReport describes the fitted direction of one series.
type TrendReport struct {
	Series string

	// Slope is the fitted value change per second.
	Slope float64

	Direction Trend

	// Samples is the window size the line was fitted through.
	Samples int
}

// Trend fits a least-squares line through the retained window of series and
// classifies its direction. Slopes within the configured epsilon of zero are
// stable, as is any window of fewer than two samples.
func (m *Monitor) Trend(series string) (TrendReport, error) {
	r, ok := m.lookup(series)
	if !ok {
		return TrendReport{}, fmt.Errorf("%w: %s", ErrUnknownSeries, series)
	}

	values, stamps := r.points()
	rep := TrendReport{Series: series, Samples: len(values), Direction: TrendStable}
	if len(values) < 2 {
		return rep, nil
	}
	rep.Slope = slope(values, stamps)
	rep.Direction = classifyTrend(rep.Slope, m.trendEpsilon, m.polarity[series])
	return rep, nil
}

// surveyTrends warns about any series that is degrading. Runs on the trend
// timer.
func (m *Monitor) surveyTrends() {
	for _, name := range m.Series() {
		rep, err := m.Trend(name)
		if err != nil || rep.Samples < minTrendSamples {
			continue
		}
		if rep.Direction == TrendDegrading {
			m.logger.Warn("metric series degrading",
				"series", rep.Series,
				"slope_per_sec", rep.Slope,
				"samples", rep.Samples)
		}
	}
}

// slope fits the value change per second through the samples by least
// squares. Fewer than two samples, or samples sharing a single timestamp,
// fit a flat line.
func slope(values []float64, stamps []time.Time) float64 {
	if len(values) < 2 {
		return 0
	}

	base := stamps[0]
	xs := make([]float64, len(values))
	var sumX, sumY float64
	for i, ts := range stamps {
		xs[i] = ts.Sub(base).Seconds()
		sumX += xs[i]
		sumY += values[i]
	}

	n := float64(len(values))
	meanX, meanY := sumX/n, sumY/n
	var num, den float64
	for i, x := range xs {
		num += (x - meanX) * (values[i] - meanY)
		den += (x - meanX) * (x - meanX)
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// classifyTrend maps a slope to a direction under the series polarity.
func classifyTrend(s, epsilon float64, p Polarity) Trend {
	switch {
	case math.Abs(s) <= epsilon:
		return TrendStable
	case (s > 0) == (p == HigherIsBetter):
		return TrendImproving
	default:
		return TrendDegrading
	}
}
