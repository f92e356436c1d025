package session

import (
	"context"
	"fmt"
	"time"

	"github.com/polyvox/polyvox/pkg/memory"
)

// fallbackIntent is recorded when a session closes without a classified
// intent, so the pattern counters do not fragment across empty strings.
const fallbackIntent = "collaboration"

// baseConfidence is the outcome confidence of a session whose steps all
// completed. Partial completion scales it down proportionally.
const baseConfidence = 0.9

// Consolidator distils one closed collaboration session into one learning
// record. A session that recorded no plans, steps or tasks leaves no
// learning; approval decisions alone are gate outcomes, not work.
type Consolidator struct {
	store       memory.Store
	projectPath string
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Store receives the learning records. Required.
	Store memory.Store

	// ProjectPath scopes learnings to a project. Empty means global.
	ProjectPath string
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	return &Consolidator{
		store:       cfg.Store,
		projectPath: cfg.ProjectPath,
	}
}

// Consolidate summarizes sess into a learning and stores it. It returns the
// stored learning's ID, or "" when the session recorded nothing worth
// learning from.
func (c *Consolidator) Consolidate(ctx context.Context, sess *CollabSession) (string, error) {
	m := sess.Snapshot()
	if m.PlansExecuted == 0 && m.StepsCompleted == 0 && m.StepsFailed == 0 && len(m.TasksCompleted) == 0 {
		return "", nil // nothing new
	}

	id, err := c.store.StoreLearning(ctx, c.learningFrom(sess, m, time.Now().UTC()))
	if err != nil {
		return "", fmt.Errorf("consolidate session %s: %w", sess.ID, err)
	}
	return id, nil
}

// learningFrom maps the session outcome onto a learning record.
func (c *Consolidator) learningFrom(sess *CollabSession, m Metrics, now time.Time) memory.Learning {
	input, intent := sess.Request()
	if intent == "" {
		intent = fallbackIntent
	}

	confidence := baseConfidence
	if total := m.StepsCompleted + m.StepsFailed; total > 0 {
		confidence = baseConfidence * float64(m.StepsCompleted) / float64(total)
	}

	items := []memory.LearningItem{{
		Type: "collaboration_outcome",
		Description: fmt.Sprintf("%d plans ran %d/%d steps to completion",
			m.PlansExecuted, m.StepsCompleted, m.StepsCompleted+m.StepsFailed),
		Confidence: confidence,
	}}
	if m.ApprovalsDenied > 0 {
		items = append(items, memory.LearningItem{
			Type: "approval_friction",
			Description: fmt.Sprintf("%d of %d approval requests were denied",
				m.ApprovalsDenied, m.ApprovalsGranted+m.ApprovalsDenied),
			Confidence: confidence,
		})
	}

	return memory.Learning{
		SessionID:      sess.ID,
		UserInput:      input,
		Intent:         intent,
		TasksCompleted: m.TasksCompleted,
		Success:        m.StepsFailed == 0,
		Duration:       now.Sub(sess.StartedAt),
		Learnings:      items,
		ProjectPath:    c.projectPath,
		Confidence:     confidence,
		CreatedAt:      now,
		Metadata: map[string]any{
			"plans":             m.PlansExecuted,
			"steps_completed":   m.StepsCompleted,
			"steps_failed":      m.StepsFailed,
			"approvals_granted": m.ApprovalsGranted,
			"approvals_denied":  m.ApprovalsDenied,
			"shared_keys":       len(sess.SharedKeys()),
		},
	}
}
