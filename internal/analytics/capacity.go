package analytics

import (
	"fmt"
	"time"
)

// CapacityProjection estimates when a growing series reaches a limit.
type CapacityProjection struct {
	Series string
	Limit  float64

	// Latest is the newest sample in the window.
	Latest float64

	// Slope is the fitted growth per second.
	Slope float64

	// AtLimit is set when the latest sample already meets or exceeds the
	// limit; Unbounded when the series is flat or shrinking and will never
	// reach it. TimeToLimit is zero in both cases.
	AtLimit     bool
	Unbounded   bool
	TimeToLimit time.Duration
}

// ProjectCapacity fits the growth of series and estimates how long until it
// reaches limit at the current rate. It needs at least two samples.
func (m *Monitor) ProjectCapacity(series string, limit float64) (CapacityProjection, error) {
	r, ok := m.lookup(series)
	if !ok {
		return CapacityProjection{}, fmt.Errorf("%w: %s", ErrUnknownSeries, series)
	}
	values, stamps := r.points()
	if len(values) < 2 {
		return CapacityProjection{}, fmt.Errorf("%w: series %s needs two samples to project", ErrInsufficientData, series)
	}

	p := CapacityProjection{
		Series: series,
		Limit:  limit,
		Latest: values[len(values)-1],
		Slope:  slope(values, stamps),
	}
	switch {
	case p.Latest >= limit:
		p.AtLimit = true
	case p.Slope <= 0:
		p.Unbounded = true
	default:
		seconds := (limit - p.Latest) / p.Slope
		p.TimeToLimit = time.Duration(seconds * float64(time.Second))
	}
	return p, nil
}
