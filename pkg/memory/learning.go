package memory

import (
	"fmt"
	"strings"
	"time"
)

// Duration bands for the duration_pattern counter.
const (
	fastDurationMax   = 30 * time.Second
	mediumDurationMax = 120 * time.Second
)

// Task-count bands for the complexity_pattern counter.
const (
	simpleTaskMax   = 3
	moderateTaskMax = 7
)

// promotionMinConfidence is the learning confidence above which memories are
// promoted (exclusive bound).
const promotionMinConfidence = 0.7

// maxPromotedItems caps how many specific learning items are promoted to
// memories per learning.
const maxPromotedItems = 3

// promotedItemTTL is the lifetime of a promoted specific-learning memory.
const promotedItemTTL = 30 * 24 * time.Hour

// PatternKey identifies one pattern counter: the (PatternType, PatternData)
// pair that pattern rows are unique on.
type PatternKey struct {
	Type string
	Data string
}

// DerivePatterns returns the pattern counters a learning increments.
// The rules are fixed so that every backend produces identical rows:
//
//   - intent_frequency / <intent>
//   - success_pattern / <intent> when Success, failure_pattern / <intent> otherwise
//   - duration_pattern / <intent>_{fast|medium|slow} (bands at 30 s and 120 s)
//   - complexity_pattern / <intent>_{simple|moderate|complex} (bands at 3 and 7 tasks)
//
// A learning with an empty intent is counted under "unknown".
func DerivePatterns(l Learning) []PatternKey {
	intent := l.Intent
	if intent == "" {
		intent = "unknown"
	}

	outcome := "failure_pattern"
	if l.Success {
		outcome = "success_pattern"
	}

	return []PatternKey{
		{Type: "intent_frequency", Data: intent},
		{Type: outcome, Data: intent},
		{Type: "duration_pattern", Data: intent + "_" + durationBand(l.Duration)},
		{Type: "complexity_pattern", Data: intent + "_" + complexityBand(len(l.TasksCompleted))},
	}
}

// PatternConfidence maps a pattern's frequency to a confidence in [0,1].
// Confidence saturates at ten observations, so the mapping is a pure function
// of frequency and repeated upserts stay idempotent.
func PatternConfidence(frequency int) float64 {
	if frequency >= 10 {
		return 1.0
	}
	if frequency < 0 {
		return 0
	}
	return float64(frequency) / 10.0
}

// PromoteMemories returns the memories a learning promotes, or nil when the
// learning does not qualify (Confidence must exceed 0.7 and Success must be
// true).
//
// A qualifying learning promotes:
//
//   - one "successful_intent_<intent>" memory in category "success_pattern"
//     carrying the approach that worked, tagged {success, <intent>, pattern};
//   - up to three "learning_<type>" memories in category "specific_learning",
//     one per learning item, with confidence 0.8·item.Confidence and an
//     expiry 30 days from now.
//
// IDs are left empty; the store assigns them on insert.
func PromoteMemories(l Learning, now time.Time) []Memory {
	if !l.Success || l.Confidence <= promotionMinConfidence {
		return nil
	}

	intent := l.Intent
	if intent == "" {
		intent = "unknown"
	}

	promoted := []Memory{{
		Key:      "successful_intent_" + intent,
		Category: "success_pattern",
		Value: map[string]any{
			"intent":     intent,
			"userInput":  l.UserInput,
			"tasks":      l.TasksCompleted,
			"durationMs": l.Duration.Milliseconds(),
		},
		ProjectPath: l.ProjectPath,
		Confidence:  l.Confidence,
		CreatedAt:   now,
		UpdatedAt:   now,
		Tags:        []string{"success", intent, "pattern"},
	}}

	items := l.Learnings
	if len(items) > maxPromotedItems {
		items = items[:maxPromotedItems]
	}
	for _, item := range items {
		promoted = append(promoted, Memory{
			Key:      "learning_" + item.Type,
			Category: "specific_learning",
			Value: map[string]any{
				"description": item.Description,
				"intent":      intent,
				"sessionId":   l.SessionID,
			},
			ProjectPath: l.ProjectPath,
			Confidence:  0.8 * item.Confidence,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(promotedItemTTL),
			Tags:        []string{"learning", intent},
		})
	}

	return promoted
}

// QueryWords splits a relevance query into lowercase words. Words shorter
// than two characters are dropped; an empty result means the query carries
// no usable terms.
func QueryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	words := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			words = append(words, f)
		}
	}
	return words
}

// durationBand classifies a session duration as fast, medium or slow.
func durationBand(d time.Duration) string {
	switch {
	case d < fastDurationMax:
		return "fast"
	case d < mediumDurationMax:
		return "medium"
	default:
		return "slow"
	}
}

// complexityBand classifies a task count as simple, moderate or complex.
func complexityBand(tasks int) string {
	switch {
	case tasks <= simpleTaskMax:
		return "simple"
	case tasks <= moderateTaskMax:
		return "moderate"
	default:
		return "complex"
	}
}

// ValidateMemory checks the structural invariants of a memory before storage.
func ValidateMemory(m Memory) error {
	if m.Key == "" {
		return fmt.Errorf("memory: key must not be empty")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return fmt.Errorf("memory: confidence %v outside [0,1]", m.Confidence)
	}
	if !m.ExpiresAt.IsZero() && !m.CreatedAt.IsZero() && !m.ExpiresAt.After(m.CreatedAt) {
		return fmt.Errorf("memory: expiresAt must be after createdAt")
	}
	return nil
}
