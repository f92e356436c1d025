// Package memory defines the persistent learning store used by the PolyVox
// collaboration engine.
//
// The store holds three relations:
//
//   - memories: durable key/value facts ranked by confidence and access count.
//   - learnings: one record per completed collaboration session outcome.
//   - patterns: aggregated counters over learnings, unique on
//     (patternType, patternData).
//
// Storing a learning is more than an insert: it updates pattern counters and,
// for confident successes, promotes new memories. The promotion rules live in
// this package ([DerivePatterns], [PromoteMemories]) so that every backend
// applies identical semantics.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (SQLite, PostgreSQL, in-memory, …) without depending on
// polyvox internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested memory or learning does not exist.
var ErrNotFound = errors.New("memory: not found")

// ErrClosed is returned by operations invoked after Close.
var ErrClosed = errors.New("memory: store is closed")

// Store is the durable memory backend contract.
//
// Mutating operations are atomic at the engine level: a StoreLearning call
// either applies the learning insert, all pattern updates and all memory
// promotions, or none of them.
type Store interface {
	// StoreMemory inserts or replaces a memory. The upsert key is
	// (Key, ProjectPath): storing a memory with an existing key in the same
	// project overwrites value, category, confidence, expiry and tags while
	// preserving the original ID, CreatedAt and AccessCount.
	// Returns the memory's ID.
	StoreMemory(ctx context.Context, m Memory) (string, error)

	// RetrieveMemories returns memories matching opts, ordered by
	// confidence·(accessCount+1) descending, then CreatedAt descending.
	//
	// Side effect: every returned row has its AccessCount incremented and
	// UpdatedAt touched, in the same transaction as the read. The returned
	// values reflect the post-increment state.
	//
	// Expired memories are excluded unless opts.IncludeExpired is set.
	// Returns an empty (non-nil) slice when nothing matches.
	RetrieveMemories(ctx context.Context, opts SearchOptions) ([]Memory, error)

	// RetrieveRelevantMemories returns up to limit memories relevant to the
	// query text, scoped to projectPath when non-empty. Relevance is a
	// two-pass selection: first memories whose key, value or tags contain
	// any lowercase query word, then a top-up with the highest-confidence
	// remaining memories. Results are deduplicated by ID.
	//
	// Unlike RetrieveMemories this does not bump access counters; it is a
	// read-only prompt-assembly path.
	RetrieveRelevantMemories(ctx context.Context, query, projectPath string, limit int) ([]RelevantMemory, error)

	// StoreLearning inserts a learning and, in the same transaction,
	// increments the pattern counters from [DerivePatterns] and stores the
	// promoted memories from [PromoteMemories]. Returns the learning's ID.
	StoreLearning(ctx context.Context, l Learning) (string, error)

	// GetLearningStats aggregates outcome statistics across all learnings.
	GetLearningStats(ctx context.Context) (*LearningStats, error)

	// GetInsights returns the full learning report: counts, success rate,
	// top intents, top patterns and the 7-day learning trend.
	GetInsights(ctx context.Context) (*Insights, error)

	// GetStats returns row counts and the approximate on-disk size.
	GetStats(ctx context.Context) (*StoreStats, error)

	// Close releases the underlying database resources. Close is idempotent;
	// other methods called after Close return ErrClosed.
	Close() error
}
