// Package session owns the collaboration sessions behind the engine's work:
// per-session approval history, the shared-data space plan steps exchange
// results through, and the counters that feed end-of-session learning.
//
// A session is keyed by the plan or request ID that opened it and lives until
// [Manager.Close] (or [Manager.Release], the plan executor's path). Closing
// hands the session to a [Consolidator], which distils what happened into one
// learning record.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/approval"
)

// Metrics counts what happened during one collaboration session. The
// consolidator reads it to build the end-of-session learning.
type Metrics struct {
	// PlansExecuted is the number of orchestration plans run to completion,
	// successfully or not, under this session.
	PlansExecuted int

	// StepsCompleted and StepsFailed count plan steps by outcome.
	StepsCompleted int
	StepsFailed    int

	// ApprovalsGranted and ApprovalsDenied count approval decisions by
	// outcome.
	ApprovalsGranted int
	ApprovalsDenied  int

	// TasksCompleted lists finished task descriptions in completion order.
	TasksCompleted []string
}

// CollabSession is one live collaboration session. It implements
// mcp.SharedData: plan steps tagged for sharing write their results here
// before dependent steps run.
//
// All methods are safe for concurrent use.
type CollabSession struct {
	// ID is the plan or request ID that opened the session.
	ID string

	// StartedAt is when the session was opened.
	StartedAt time.Time

	mu        sync.RWMutex
	userInput string
	intent    string
	history   []approval.HistoryEntry
	data      map[string]any
	metrics   Metrics
}

func newSession(id string, now time.Time) *CollabSession {
	return &CollabSession{
		ID:        id,
		StartedAt: now,
		data:      make(map[string]any),
	}
}

// Set stores a value in the shared-data space, replacing any previous value.
func (s *CollabSession) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Get returns the shared-data value stored under key.
func (s *CollabSession) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// SharedKeys returns the shared-data keys in sorted order.
func (s *CollabSession) SharedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SetRequest records the user request this session serves. The first call
// wins: a session is opened by exactly one request, and later writes from
// retries or follow-up plans must not rewrite its origin.
func (s *CollabSession) SetRequest(input, intent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userInput == "" {
		s.userInput = input
	}
	if s.intent == "" {
		s.intent = intent
	}
}

// Request returns the recorded user input and classified intent.
func (s *CollabSession) Request() (input, intent string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userInput, s.intent
}

// RecordPlan adds one executed plan's step outcomes to the session counters.
func (s *CollabSession) RecordPlan(stepsCompleted, stepsFailed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.PlansExecuted++
	s.metrics.StepsCompleted += stepsCompleted
	s.metrics.StepsFailed += stepsFailed
}

// RecordTask appends a finished task description.
func (s *CollabSession) RecordTask(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.TasksCompleted = append(s.metrics.TasksCompleted, description)
}

// appendApproval records one completed approval request.
func (s *CollabSession) appendApproval(e approval.HistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	if e.Result.Granted {
		s.metrics.ApprovalsGranted++
	} else {
		s.metrics.ApprovalsDenied++
	}
}

// ApprovalHistory returns a copy of the session's approval history in
// completion order.
func (s *CollabSession) ApprovalHistory() []approval.HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]approval.HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// Snapshot returns a copy of the session counters.
func (s *CollabSession) Snapshot() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.metrics
	m.TasksCompleted = slices.Clone(s.metrics.TasksCompleted)
	return m
}
