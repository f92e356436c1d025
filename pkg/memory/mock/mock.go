// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It also keeps a real
// in-memory map of stored memories and learnings so simple retrieval paths
// work without configuration. Safe for concurrent use via an internal
// [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RetrieveResult = []memory.Memory{{Key: "style", Confidence: 0.9}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("StoreLearning"); got != 1 {
//	    t.Errorf("expected 1 StoreLearning call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyvox/polyvox/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable test double for [memory.Store].
// All exported *Err fields default to nil (success); all exported *Result
// fields default to nil (stored data or zero values returned).
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// Memories holds every memory passed to StoreMemory, in call order.
	Memories []memory.Memory

	// Learnings holds every learning passed to StoreLearning, in call order.
	Learnings []memory.Learning

	// StoreMemoryErr is returned by [Store.StoreMemory] when non-nil.
	StoreMemoryErr error

	// RetrieveResult is returned by [Store.RetrieveMemories].
	// When nil, the memories recorded by StoreMemory are returned instead.
	RetrieveResult []memory.Memory

	// RetrieveErr is returned by [Store.RetrieveMemories] when non-nil.
	RetrieveErr error

	// RelevantResult is returned by [Store.RetrieveRelevantMemories].
	// When nil, an empty non-nil slice is returned.
	RelevantResult []memory.RelevantMemory

	// RelevantErr is returned by [Store.RetrieveRelevantMemories] when non-nil.
	RelevantErr error

	// StoreLearningErr is returned by [Store.StoreLearning] when non-nil.
	StoreLearningErr error

	// LearningStatsResult is returned by [Store.GetLearningStats].
	// When nil, a zero-value stats struct is returned.
	LearningStatsResult *memory.LearningStats

	// LearningStatsErr is returned by [Store.GetLearningStats] when non-nil.
	LearningStatsErr error

	// InsightsResult is returned by [Store.GetInsights].
	// When nil, a zero-value insights struct is returned.
	InsightsResult *memory.Insights

	// InsightsErr is returned by [Store.GetInsights] when non-nil.
	InsightsErr error

	// StatsResult is returned by [Store.GetStats].
	// When nil, counts are derived from the recorded memories and learnings.
	StatsResult *memory.StoreStats

	// StatsErr is returned by [Store.GetStats] when non-nil.
	StatsErr error

	// CloseErr is returned by [Store.Close] when non-nil.
	CloseErr error
}

// Ensure Store satisfies the interface at compile time.
var _ memory.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and stored data without altering response
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.Memories = nil
	m.Learnings = nil
}

// StoreMemory implements [memory.Store]. The memory is appended to
// [Store.Memories]; a synthetic id is assigned when m.ID is empty.
func (m *Store) StoreMemory(_ context.Context, mem memory.Memory) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "StoreMemory", Args: []any{mem}})
	if m.StoreMemoryErr != nil {
		return "", m.StoreMemoryErr
	}
	if mem.ID == "" {
		mem.ID = fmt.Sprintf("mem-%d", len(m.Memories)+1)
	}
	m.Memories = append(m.Memories, mem)
	return mem.ID, nil
}

// RetrieveMemories implements [memory.Store].
func (m *Store) RetrieveMemories(_ context.Context, opts memory.SearchOptions) ([]memory.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RetrieveMemories", Args: []any{opts}})
	if m.RetrieveErr != nil {
		return nil, m.RetrieveErr
	}
	src := m.RetrieveResult
	if src == nil {
		src = m.Memories
	}
	out := make([]memory.Memory, len(src))
	copy(out, src)
	if limit := opts.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RetrieveRelevantMemories implements [memory.Store].
func (m *Store) RetrieveRelevantMemories(_ context.Context, query, projectPath string, limit int) ([]memory.RelevantMemory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "RetrieveRelevantMemories", Args: []any{query, projectPath, limit}})
	if m.RelevantErr != nil {
		return nil, m.RelevantErr
	}
	if m.RelevantResult == nil {
		return []memory.RelevantMemory{}, nil
	}
	out := make([]memory.RelevantMemory, len(m.RelevantResult))
	copy(out, m.RelevantResult)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StoreLearning implements [memory.Store]. The learning is appended to
// [Store.Learnings]; a synthetic id is assigned when l.ID is empty.
func (m *Store) StoreLearning(_ context.Context, l memory.Learning) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "StoreLearning", Args: []any{l}})
	if m.StoreLearningErr != nil {
		return "", m.StoreLearningErr
	}
	if l.ID == "" {
		l.ID = fmt.Sprintf("learning-%d", len(m.Learnings)+1)
	}
	m.Learnings = append(m.Learnings, l)
	return l.ID, nil
}

// GetLearningStats implements [memory.Store].
func (m *Store) GetLearningStats(_ context.Context) (*memory.LearningStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetLearningStats"})
	if m.LearningStatsErr != nil {
		return nil, m.LearningStatsErr
	}
	if m.LearningStatsResult != nil {
		out := *m.LearningStatsResult
		return &out, nil
	}
	return &memory.LearningStats{TotalLearnings: int64(len(m.Learnings))}, nil
}

// GetInsights implements [memory.Store].
func (m *Store) GetInsights(_ context.Context) (*memory.Insights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetInsights"})
	if m.InsightsErr != nil {
		return nil, m.InsightsErr
	}
	if m.InsightsResult != nil {
		out := *m.InsightsResult
		return &out, nil
	}
	return &memory.Insights{
		TotalMemories:  int64(len(m.Memories)),
		TotalLearnings: int64(len(m.Learnings)),
	}, nil
}

// GetStats implements [memory.Store].
func (m *Store) GetStats(_ context.Context) (*memory.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetStats"})
	if m.StatsErr != nil {
		return nil, m.StatsErr
	}
	if m.StatsResult != nil {
		out := *m.StatsResult
		return &out, nil
	}
	return &memory.StoreStats{
		Memories:  int64(len(m.Memories)),
		Learnings: int64(len(m.Learnings)),
	}, nil
}

// Close implements [memory.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return m.CloseErr
}
