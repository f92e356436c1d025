package analytics

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// ─── Thresholds ────────────────────────────────────────────────────────────────

// Level grades a threshold.
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Comparison states which side of the threshold value is a violation.
type Comparison string

const (
	// Above fires when a sample exceeds the threshold value. Suits latency
	// and error-count series.
	Above Comparison = "above"

	// Below fires when a sample drops under the threshold value. Suits
	// quality and agreement series.
	Below Comparison = "below"
)

// Threshold is an alerting rule for one series. A series carries at most one
// rule per level; installing a second replaces the first.
type Threshold struct {
	Series  string
	Level   Level
	Compare Comparison
	Value   float64
}

func (t Threshold) validate() error {
	if t.Series == "" {
		return fmt.Errorf("analytics: threshold must name a series")
	}
	switch t.Level {
	case LevelWarning, LevelCritical:
	default:
		return fmt.Errorf("analytics: threshold for series %q: unknown level %q", t.Series, t.Level)
	}
	switch t.Compare {
	case Above, Below:
	default:
		return fmt.Errorf("analytics: threshold for series %q: unknown comparison %q", t.Series, t.Compare)
	}
	return nil
}

// violated reports whether sample v crosses the threshold.
func (t Threshold) violated(v float64) bool {
	switch t.Compare {
	case Above:
		return v > t.Value
	case Below:
		return v < t.Value
	default:
		return false
	}
}

// ─── Alerts ────────────────────────────────────────────────────────────────────

// AlertState tracks an alert's lifecycle.
type AlertState string

const (
	AlertActive       AlertState = "active"
	AlertAcknowledged AlertState = "acknowledged"
)

// Alert is one fired threshold violation.
type Alert struct {
	ID      string
	Series  string
	Level   Level
	Compare Comparison

	// Threshold is the configured limit; Value is the sample that crossed it.
	Threshold float64
	Value     float64

	State          AlertState
	CreatedAt      time.Time
	AcknowledgedAt time.Time // zero while active
}

// EventType names an analytics event.
type EventType string

const (
	EventAlertCreated      EventType = "alert-created"
	EventAlertAcknowledged EventType = "alert-acknowledged"
)

// Event is published when an alert changes state.
type Event struct {
	Type  EventType
	Alert Alert
}

// ─── Monitor alert surface ─────────────────────────────────────────────────────

// SetThreshold installs an alerting rule, replacing any existing rule for
// the same series and level.
func (m *Monitor) SetThreshold(t Threshold) error {
	if err := t.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rules := m.thresholds[t.Series]
	for i, r := range rules {
		if r.Level == t.Level {
			rules[i] = t
			return nil
		}
	}
	m.thresholds[t.Series] = append(rules, t)
	return nil
}

// Thresholds returns the rules installed for series.
func (m *Monitor) Thresholds(series string) []Threshold {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.thresholds[series])
}

// Alerts returns every alert, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Alert, 0, len(m.alertOrder))
	for _, id := range m.alertOrder {
		out = append(out, m.alerts[id])
	}
	return out
}

// ActiveAlerts returns unacknowledged alerts, oldest first.
func (m *Monitor) ActiveAlerts() []Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Alert
	for _, id := range m.alertOrder {
		if a := m.alerts[id]; a.State == AlertActive {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks the alert as acknowledged, freeing its (series, level)
// slot so the next violation fires a fresh alert. Acknowledging an already
// acknowledged alert is a no-op.
func (m *Monitor) Acknowledge(id string) error {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if a.State == AlertAcknowledged {
		m.mu.Unlock()
		return nil
	}
	a.State = AlertAcknowledged
	a.AcknowledgedAt = time.Now()
	m.alerts[id] = a
	delete(m.active, alertKey{series: a.Series, level: a.Level})
	m.mu.Unlock()

	m.logger.Info("metric alert acknowledged",
		"alert_id", a.ID,
		"series", a.Series,
		"level", string(a.Level))
	m.stream.Publish(Event{Type: EventAlertAcknowledged, Alert: a})
	return nil
}

// alertKey identifies the outstanding-alert slot for a series and level.
type alertKey struct {
	series string
	level  Level
}

// evaluate fires alerts for every rule the sample violates. A (series,
// level) pair with an outstanding active alert stays silent until that
// alert is acknowledged.
func (m *Monitor) evaluate(series string, v float64, ts time.Time) {
	m.mu.RLock()
	rules := slices.Clone(m.thresholds[series])
	m.mu.RUnlock()

	for _, rule := range rules {
		if !rule.violated(v) {
			continue
		}
		a, fired := m.fire(rule, v, ts)
		if !fired {
			continue
		}
		m.logger.Warn("metric alert fired",
			"alert_id", a.ID,
			"series", a.Series,
			"level", string(a.Level),
			"value", a.Value,
			"threshold", a.Threshold)
		m.stream.Publish(Event{Type: EventAlertCreated, Alert: a})
	}
}

// fire creates an active alert for the rule unless one is already
// outstanding for its (series, level) slot.
func (m *Monitor) fire(rule Threshold, v float64, ts time.Time) (Alert, bool) {
	key := alertKey{series: rule.Series, level: rule.Level}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, outstanding := m.active[key]; outstanding {
		return Alert{}, false
	}
	a := Alert{
		ID:        uuid.NewString(),
		Series:    rule.Series,
		Level:     rule.Level,
		Compare:   rule.Compare,
		Threshold: rule.Value,
		Value:     v,
		State:     AlertActive,
		CreatedAt: ts,
	}
	m.alerts[a.ID] = a
	m.alertOrder = append(m.alertOrder, a.ID)
	m.active[key] = a.ID
	return a, true
}
