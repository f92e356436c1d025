package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polyvox/polyvox/internal/events"
)

// HistoryEntry records one completed approval request for a session.
type HistoryEntry struct {
	Timestamp time.Time
	Operation Operation
	Risk      RiskAssessment
	Result    Result
}

// Decision is the event published for every completed approval request.
type Decision struct {
	Timestamp time.Time
	SessionID string
	Operation Operation
	Risk      RiskAssessment
	Result    Result
}

// HistoryStore owns per-session approval history. Sessions own their history,
// so the session manager implements this; the manager falls back to an
// in-process store when none is wired. Appends for the same session must be
// kept in call order.
type HistoryStore interface {
	// AppendApproval records a completed request for the session.
	AppendApproval(sessionID string, e HistoryEntry)

	// ApprovalHistory returns the session's completed requests in
	// completion order.
	ApprovalHistory(sessionID string) []HistoryEntry
}

// Manager is the approval gate. It is safe for concurrent use; decisions for
// the same session are appended to history in completion order.
type Manager struct {
	policies  map[SandboxMode]*compiledPolicy
	confirmer Confirmer
	audit     *AuditLog
	logger    *slog.Logger
	decisions *events.Stream[Decision]
	history   HistoryStore
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfirmer sets the interactive confirmation channel. Without one, every
// require-confirmation outcome is denied (fail closed for headless runs).
func WithConfirmer(c Confirmer) Option {
	return func(m *Manager) { m.confirmer = c }
}

// WithAuditLog enables decision auditing. Audit write failures are logged,
// never surfaced to the requester.
func WithAuditLog(a *AuditLog) Option {
	return func(m *Manager) { m.audit = a }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithHistory hands history ownership to an external store, typically the
// session manager.
func WithHistory(h HistoryStore) Option {
	return func(m *Manager) { m.history = h }
}

// NewManager builds a Manager from the given policies (DefaultPolicies when
// none are supplied), compiling every rule condition up front so malformed
// policies fail at startup rather than at decision time.
func NewManager(policies []Policy, opts ...Option) (*Manager, error) {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}

	m := &Manager{
		policies:  make(map[SandboxMode]*compiledPolicy, len(policies)),
		logger:    slog.Default(),
		decisions: events.NewStream[Decision](events.DefaultBuffer),
		history:   newLocalHistory(),
	}
	for _, p := range policies {
		cp, err := compilePolicy(p)
		if err != nil {
			return nil, err
		}
		m.policies[p.SandboxMode] = cp
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Decisions subscribes to the decision event stream. The returned cancel
// function releases the subscription.
func (m *Manager) Decisions() (<-chan Decision, func()) {
	return m.decisions.Subscribe()
}

// History returns the completed approval requests for a session, in
// completion order.
func (m *Manager) History(sessionID string) []HistoryEntry {
	return m.history.ApprovalHistory(sessionID)
}

// Close shuts down the decision stream. The manager keeps answering requests
// (denying nothing extra) after Close; only event delivery stops.
func (m *Manager) Close() {
	m.decisions.Close()
}

// RequestApproval runs the full state machine for one operation. It never
// returns an error: every internal failure is converted into a denied Result
// with the failure in Reason.
func (m *Manager) RequestApproval(ctx context.Context, op Operation, opCtx OperationContext) Result {
	opCtx.Limits = opCtx.Limits.withDefaults()

	risk := AssessRisk(op, opCtx)
	result := m.decide(ctx, op, opCtx, risk)

	if !result.Granted && len(result.Suggestions) == 0 {
		result.Suggestions = risk.Recommendations
	}

	m.finish(op, opCtx, risk, result)
	return result
}

// decide evaluates policy rules and thresholds, prompting when required.
func (m *Manager) decide(ctx context.Context, op Operation, opCtx OperationContext, risk RiskAssessment) Result {
	pol, ok := m.policies[opCtx.SandboxMode]
	if !ok {
		return denied(fmt.Sprintf("no policy for sandbox mode %q", opCtx.SandboxMode))
	}

	env := Env{Op: op, Ctx: opCtx, Risk: risk}
	for _, rule := range pol.rulesFor(op.Type) {
		match, err := rule.pred.Eval(env)
		if err != nil {
			// An unevaluable condition is a non-match, not a decision.
			m.logger.Warn("approval rule condition failed to evaluate",
				"policy", pol.Name,
				"operation_type", rule.OperationType,
				"condition", rule.Condition,
				"error", err)
			continue
		}
		if !match {
			continue
		}

		switch rule.Action {
		case ActionAutoApprove:
			return Result{Status: StatusApproved, Granted: true, Reason: rule.Reason, AutoApproved: true}
		case ActionDeny:
			return denied(rule.Reason)
		case ActionRequireConfirmation:
			return m.confirm(ctx, op, opCtx, risk, rule.Reason)
		default:
			return denied(fmt.Sprintf("policy %q rule has unknown action %q", pol.Name, rule.Action))
		}
	}

	// Threshold fallback.
	switch {
	case risk.Score <= pol.AutoApproveThreshold:
		return Result{
			Status:       StatusApproved,
			Granted:      true,
			Reason:       fmt.Sprintf("risk score %d within auto-approve threshold %d", risk.Score, pol.AutoApproveThreshold),
			AutoApproved: true,
		}
	case risk.Score <= pol.RequireConfirmationThreshold:
		return m.confirm(ctx, op, opCtx, risk, "")
	default:
		return denied(fmt.Sprintf("risk score %d exceeds policy %q confirmation threshold %d",
			risk.Score, pol.Name, pol.RequireConfirmationThreshold))
	}
}

// confirm runs the interactive flow, failing closed on every non-approval.
func (m *Manager) confirm(ctx context.Context, op Operation, opCtx OperationContext, risk RiskAssessment, reason string) Result {
	if m.confirmer == nil {
		return denied("confirmation required but no confirmation channel is available")
	}

	answer, err := m.confirmer.Confirm(ctx, ConfirmRequest{Operation: op, Context: opCtx, Risk: risk})
	if err != nil {
		return denied(err.Error())
	}

	switch answer {
	case AnswerApproved:
		r := Result{Status: StatusApproved, Granted: true, Reason: "approved by user", ReviewerID: "user"}
		if reason != "" {
			r.Reason = fmt.Sprintf("approved by user (%s)", reason)
		}
		return r
	case AnswerCancelled:
		return denied("cancelled")
	default:
		return denied("denied by user")
	}
}

// finish appends history, audits, and publishes the decision event.
func (m *Manager) finish(op Operation, opCtx OperationContext, risk RiskAssessment, result Result) {
	now := time.Now().UTC()
	entry := HistoryEntry{Timestamp: now, Operation: op, Risk: risk, Result: result}

	m.history.AppendApproval(opCtx.SessionID, entry)

	if m.audit != nil {
		err := m.audit.Append(AuditRecord{
			Timestamp:     now,
			SessionID:     opCtx.SessionID,
			OperationType: op.Type,
			Target:        op.Target,
			Level:         risk.Level,
			Score:         risk.Score,
			Status:        result.Status,
			Reason:        result.Reason,
			AutoApproved:  result.AutoApproved,
		})
		if err != nil {
			m.logger.Warn("approval audit write failed", "error", err)
		}
	}

	m.decisions.Publish(Decision{
		Timestamp: now,
		SessionID: opCtx.SessionID,
		Operation: op,
		Risk:      risk,
		Result:    result,
	})
}

func denied(reason string) Result {
	return Result{Status: StatusDenied, Granted: false, Reason: reason}
}

// ─── In-process default ───────────────────────────────────────────────────────

// localHistory is the fallback HistoryStore: a plain per-session map that
// lives and dies with the manager.
type localHistory struct {
	mu      sync.Mutex
	entries map[string][]HistoryEntry
}

func newLocalHistory() *localHistory {
	return &localHistory{entries: make(map[string][]HistoryEntry)}
}

func (h *localHistory) AppendApproval(sessionID string, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[sessionID] = append(h.entries[sessionID], e)
}

func (h *localHistory) ApprovalHistory(sessionID string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.entries[sessionID]
	out := make([]HistoryEntry, len(entries))
	copy(out, entries)
	return out
}
