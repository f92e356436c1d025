package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/approval"
	"github.com/polyvox/polyvox/internal/mcp"
)

// releaseTimeout bounds the consolidation write when a session is released
// from a path that carries no context of its own.
const releaseTimeout = 10 * time.Second

// Manager owns the live collaboration sessions. It implements
// mcp.SessionStore, so plans open and release their session through it, and
// approval.HistoryStore, so approval history lives and dies with the session
// it belongs to.
//
// All methods are safe for concurrent use.
type Manager struct {
	consolidator *Consolidator
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*CollabSession
}

// Option configures a [Manager].
type Option func(*Manager)

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithConsolidator sets the consolidator that distils closed sessions into
// learning records. Without one, closed sessions leave no learning.
func WithConsolidator(c *Consolidator) Option {
	return func(m *Manager) { m.consolidator = c }
}

// NewManager creates an empty session manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		sessions: make(map[string]*CollabSession),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create returns the session for id, creating it when absent.
func (m *Manager) Create(id string) *CollabSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		sess = newSession(id, time.Now().UTC())
		m.sessions[id] = sess
		m.logger.Debug("session opened", "session_id", id)
	}
	return sess
}

// Get returns the live session for id.
func (m *Manager) Get(id string) (*CollabSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Active reports the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Open returns the shared-data space for id, creating the session when
// absent. Part of mcp.SessionStore.
func (m *Manager) Open(id string) mcp.SharedData {
	return m.Create(id)
}

// Release closes the session for id once its plan has settled. Part of
// mcp.SessionStore.
func (m *Manager) Release(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	m.Close(ctx, id)
}

// Close removes the session for id and hands it to the consolidator. The
// learning write is best-effort: a failure is logged and the session is gone
// either way. Closing an unknown id is a no-op.
func (m *Manager) Close(ctx context.Context, id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("session closed",
		"session_id", id,
		"age", time.Since(sess.StartedAt),
		"approvals", len(sess.ApprovalHistory()),
	)

	if m.consolidator == nil {
		return
	}
	learningID, err := m.consolidator.Consolidate(ctx, sess)
	switch {
	case err != nil:
		m.logger.Warn("session: consolidation failed", "session_id", id, "error", err)
	case learningID != "":
		m.logger.Debug("session consolidated", "session_id", id, "learning_id", learningID)
	}
}

// CloseAll closes every live session. Used on shutdown so in-flight sessions
// still leave their learning behind.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(ctx, id)
	}
}

// AppendApproval records a completed approval request for the session,
// creating the session when absent. Part of approval.HistoryStore.
func (m *Manager) AppendApproval(sessionID string, e approval.HistoryEntry) {
	m.Create(sessionID).appendApproval(e)
}

// ApprovalHistory returns the session's approval history in completion
// order. A closed or unknown session has none. Part of approval.HistoryStore.
func (m *Manager) ApprovalHistory(sessionID string) []approval.HistoryEntry {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil
	}
	return sess.ApprovalHistory()
}

// Compile-time checks that the manager serves both consumer contracts.
var (
	_ mcp.SessionStore      = (*Manager)(nil)
	_ approval.HistoryStore = (*Manager)(nil)
)
