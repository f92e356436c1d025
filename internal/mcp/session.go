package mcp

import "sync"

// SharedData is one plan's cross-step key/value space. Step results tagged
// for sharing land here before their dependents run.
type SharedData interface {
	// Set stores a value under key, replacing any previous value.
	Set(key string, value any)

	// Get returns the value stored under key.
	Get(key string) (any, bool)
}

// SessionStore opens the collaboration session behind each executing plan,
// keyed by plan ID. The session manager implements this; the coordinator
// falls back to an in-process store when none is wired.
type SessionStore interface {
	// Open returns the shared data space for id, creating it when absent.
	Open(id string) SharedData

	// Release drops the session for id once the plan has settled.
	Release(id string)
}

// ─── In-process default ───────────────────────────────────────────────────────

// localSessions is the coordinator's fallback SessionStore: plain maps, no
// persistence, no consolidation.
type localSessions struct {
	mu       sync.Mutex
	sessions map[string]*localShared
}

func newLocalSessions() *localSessions {
	return &localSessions{sessions: make(map[string]*localShared)}
}

func (s *localSessions) Open(id string) SharedData {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.sessions[id]
	if !ok {
		sh = &localShared{data: make(map[string]any)}
		s.sessions[id] = sh
	}
	return sh
}

func (s *localSessions) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

type localShared struct {
	mu   sync.RWMutex
	data map[string]any
}

func (s *localShared) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *localShared) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}
