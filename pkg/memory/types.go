package memory

import "time"

// Memory is a single durable fact the engine has decided to keep: a key,
// a structured value, and the bookkeeping used to rank it at retrieval time.
//
// (Key, ProjectPath) is the natural lookup; ID is the surrogate identity.
type Memory struct {
	// ID uniquely identifies this memory (a UUID assigned on store).
	ID string

	// Key is the short lookup name, e.g. "successful_intent_refactor".
	Key string

	// Value is the structured payload. It is marshalled to JSON for
	// storage, so it must be JSON-serialisable.
	Value any

	// Category groups memories by purpose, e.g. "success_pattern",
	// "specific_learning", "preference".
	Category string

	// ProjectPath scopes the memory to a project. Empty means global.
	ProjectPath string

	// Confidence in [0,1] expresses how much the engine trusts this memory.
	// Retrieval never adjusts it; only new writes set it.
	Confidence float64

	// AccessCount is how many times this memory has been returned by
	// retrieval. Monotonically non-decreasing.
	AccessCount int

	// CreatedAt is when the memory was first stored.
	CreatedAt time.Time

	// UpdatedAt is touched on every upsert and on every retrieval that
	// returns this memory.
	UpdatedAt time.Time

	// ExpiresAt is the optional expiry instant. Zero means the memory
	// never expires. When set it must be after CreatedAt.
	ExpiresAt time.Time

	// Tags are free-form labels used for filtered retrieval.
	Tags []string
}

// Expired reports whether the memory has an expiry in the past relative to now.
func (m Memory) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now)
}

// Learning is the record of one completed collaboration session outcome.
// Storing a learning updates pattern counters and may promote new memories
// (see [DerivePatterns] and [PromoteMemories]).
type Learning struct {
	// ID uniquely identifies this learning (a UUID assigned on store).
	ID string

	// SessionID is the collaboration session this learning came from.
	SessionID string

	// UserInput is the original request text that started the session.
	UserInput string

	// Intent is the classified intent of the request, e.g. "refactor",
	// "debug", "explain".
	Intent string

	// TasksCompleted lists the task descriptions finished during the session.
	TasksCompleted []string

	// Success records whether the session reached a successful outcome.
	Success bool

	// Duration is the wall-clock length of the session.
	Duration time.Duration

	// Learnings are the specific insights extracted from the session.
	Learnings []LearningItem

	// Suggestions are follow-up actions proposed to the user.
	Suggestions []string

	// ProjectPath scopes the learning to a project. Empty means global.
	ProjectPath string

	// Confidence in [0,1] expresses how reliable this outcome record is.
	Confidence float64

	// CreatedAt is when the learning was stored.
	CreatedAt time.Time

	// Metadata carries free-form session details (voice ids, strategy, ...).
	Metadata map[string]any
}

// LearningItem is one specific insight inside a [Learning].
type LearningItem struct {
	// Type classifies the insight, e.g. "tool_choice", "voice_pairing".
	Type string

	// Description is the human-readable insight text.
	Description string

	// Confidence in [0,1] for this specific insight.
	Confidence float64
}

// Pattern is an aggregated counter over learnings. Patterns are unique on
// (PatternType, PatternData); storing a learning increments the frequency
// of every pattern it matches.
type Pattern struct {
	// ID uniquely identifies this pattern row.
	ID string

	// PatternType is the counter family, e.g. "intent_frequency",
	// "duration_pattern".
	PatternType string

	// PatternData is the counter key within the family, e.g. "refactor" or
	// "refactor_fast".
	PatternData string

	// Frequency is how many learnings have matched this pattern. Always >= 1.
	Frequency int

	// Confidence in [0,1] grows with frequency.
	Confidence float64

	// CreatedAt is when the pattern was first observed.
	CreatedAt time.Time

	// UpdatedAt is touched on every increment.
	UpdatedAt time.Time

	// LastSeen is the timestamp of the most recent matching learning.
	LastSeen time.Time
}

// RelevantMemory is the reduced projection returned by relevance retrieval:
// just enough to inject into a prompt.
type RelevantMemory struct {
	Key        string
	Value      any
	Confidence float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Aggregate statistics
// ─────────────────────────────────────────────────────────────────────────────

// StoreStats summarises the size of the store.
type StoreStats struct {
	// Memories, Learnings and Patterns are row counts per relation.
	Memories  int64
	Learnings int64
	Patterns  int64

	// SizeBytes is the on-disk size of the store, or 0 when the backend
	// cannot determine it.
	SizeBytes int64
}

// IntentCount pairs an intent with how many learnings recorded it.
type IntentCount struct {
	Intent string
	Count  int64
}

// PatternCount pairs a pattern (type plus data) with its frequency.
type PatternCount struct {
	PatternType string
	PatternData string
	Frequency   int64
}

// DayCount is the number of learnings stored on one calendar day.
type DayCount struct {
	// Day is the calendar date in "2006-01-02" form, UTC.
	Day string

	Count int64
}

// LearningStats aggregates outcomes across all stored learnings.
type LearningStats struct {
	// TotalLearnings is the number of learning rows.
	TotalLearnings int64

	// SuccessRate in [0,1] is the fraction of learnings with Success=true.
	// Zero when no learnings exist.
	SuccessRate float64

	// AverageDuration is the mean session duration.
	AverageDuration time.Duration

	// AverageConfidence is the mean learning confidence.
	AverageConfidence float64

	// TopIntents lists the most frequent intents, highest first.
	TopIntents []IntentCount
}

// Insights extends [LearningStats] with pattern and trend views, suitable
// for a "what has the engine learned" report.
type Insights struct {
	// TotalMemories is the number of memory rows (expired included).
	TotalMemories int64

	// TotalLearnings is the number of learning rows.
	TotalLearnings int64

	// SuccessRate in [0,1] across all learnings.
	SuccessRate float64

	// TopIntents lists the most frequent intents, highest first.
	TopIntents []IntentCount

	// TopPatterns lists the highest-frequency patterns, highest first.
	TopPatterns []PatternCount

	// LearningTrend is the per-day learning count for the last 7 calendar
	// days, oldest first. Days with no learnings are present with Count=0.
	LearningTrend []DayCount
}
