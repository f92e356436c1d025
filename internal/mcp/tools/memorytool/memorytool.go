// Package memorytool exposes PolyVox's learning store to voices as built-in
// MCP tools.
//
// Three tools are grouped into one in-process server by [NewServer]:
//   - "recall"   — relevance retrieval over stored memories.
//   - "remember" — store a durable memory with confidence and optional expiry.
//   - "learn"    — record a completed session outcome, which also updates
//     pattern counters and may promote new memories.
//
// All handlers are safe for concurrent use.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/polyvox/polyvox/internal/mcp/tools"
	"github.com/polyvox/polyvox/pkg/memory"
	"github.com/polyvox/polyvox/pkg/types"
)

// ServerName identifies the builtin memory server in discovery and logs.
const ServerName = "builtin-memory"

// ─────────────────────────────────────────────────────────────────────────────
// recall
// ─────────────────────────────────────────────────────────────────────────────

// recallArgs is the decoded input for the "recall" tool.
type recallArgs struct {
	// Query is the relevance text matched against memory keys, values and tags.
	Query string `json:"query"`

	// ProjectPath optionally scopes the retrieval to one project.
	// An empty string searches global memories as well.
	ProjectPath string `json:"project_path,omitempty"`

	// Limit caps the number of results returned. Defaults to 10 when ≤ 0.
	Limit int `json:"limit,omitempty"`
}

// defaultRecallLimit is the result cap when Limit is not provided.
const defaultRecallLimit = 10

// ─────────────────────────────────────────────────────────────────────────────
// remember
// ─────────────────────────────────────────────────────────────────────────────

// rememberArgs is the decoded input for the "remember" tool.
type rememberArgs struct {
	// Key is the short lookup name for the memory.
	Key string `json:"key"`

	// Value is the JSON payload to store.
	Value any `json:"value"`

	// Category groups the memory by purpose. Defaults to "voice_note".
	Category string `json:"category,omitempty"`

	// ProjectPath scopes the memory to a project. Empty means global.
	ProjectPath string `json:"project_path,omitempty"`

	// Confidence in [0,1]. Defaults to 0.7 when zero.
	Confidence float64 `json:"confidence,omitempty"`

	// Tags are free-form labels for filtered retrieval.
	Tags []string `json:"tags,omitempty"`

	// TTLSeconds sets an expiry this many seconds from now. Zero means the
	// memory never expires.
	TTLSeconds int `json:"ttl_seconds,omitempty"`
}

// rememberResult is the encoded output of the "remember" tool.
type rememberResult struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

const (
	defaultCategory   = "voice_note"
	defaultConfidence = 0.7
)

// ─────────────────────────────────────────────────────────────────────────────
// learn
// ─────────────────────────────────────────────────────────────────────────────

// learnArgs is the decoded input for the "learn" tool.
type learnArgs struct {
	// SessionID is the collaboration session the outcome belongs to.
	SessionID string `json:"session_id"`

	// UserInput is the original request text that started the session.
	UserInput string `json:"user_input,omitempty"`

	// Intent is the classified intent of the request (e.g. "refactor").
	Intent string `json:"intent"`

	// TasksCompleted lists the task descriptions finished during the session.
	TasksCompleted []string `json:"tasks_completed,omitempty"`

	// Success records whether the session reached a successful outcome.
	Success bool `json:"success"`

	// DurationSeconds is the wall-clock session length in seconds.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	// Learnings are the specific insights extracted from the session.
	Learnings []learnItem `json:"learnings,omitempty"`

	// Suggestions are follow-up actions proposed to the user.
	Suggestions []string `json:"suggestions,omitempty"`

	// ProjectPath scopes the learning to a project. Empty means global.
	ProjectPath string `json:"project_path,omitempty"`

	// Confidence in [0,1] for the outcome record. Defaults to 0.7 when zero.
	Confidence float64 `json:"confidence,omitempty"`
}

// learnItem is one insight inside a learn call.
type learnItem struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// learnResult is the encoded output of the "learn" tool.
type learnResult struct {
	ID string `json:"id"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Handler constructors
// ─────────────────────────────────────────────────────────────────────────────

// voiceID extracts the calling voice from the ambient request context.
func voiceID(reqCtx map[string]any) string {
	if id, ok := reqCtx["voice_id"].(string); ok {
		return id
	}
	return ""
}

// makeRecallHandler returns a handler for the "recall" tool that delegates to
// store.RetrieveRelevantMemories.
func makeRecallHandler(store memory.Store) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, _ map[string]any) (string, error) {
		var a recallArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("memory tool: recall: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memory tool: recall: query must not be empty")
		}

		limit := a.Limit
		if limit <= 0 {
			limit = defaultRecallLimit
		}

		memories, err := store.RetrieveRelevantMemories(ctx, a.Query, a.ProjectPath, limit)
		if err != nil {
			return "", fmt.Errorf("memory tool: recall: %w", err)
		}

		res, err := json.Marshal(memories)
		if err != nil {
			return "", fmt.Errorf("memory tool: recall: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeRememberHandler returns a handler for the "remember" tool that delegates
// to store.StoreMemory. The calling voice is recorded as a tag so stored
// memories stay attributable.
func makeRememberHandler(store memory.Store) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, reqCtx map[string]any) (string, error) {
		var a rememberArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("memory tool: remember: %w", err)
		}
		if a.Key == "" {
			return "", fmt.Errorf("memory tool: remember: key must not be empty")
		}
		if a.Value == nil {
			return "", fmt.Errorf("memory tool: remember: value must not be empty")
		}

		if a.Category == "" {
			a.Category = defaultCategory
		}
		if a.Confidence == 0 {
			a.Confidence = defaultConfidence
		}

		now := time.Now()
		m := memory.Memory{
			Key:         a.Key,
			Value:       a.Value,
			Category:    a.Category,
			ProjectPath: a.ProjectPath,
			Confidence:  a.Confidence,
			CreatedAt:   now,
			Tags:        a.Tags,
		}
		if a.TTLSeconds > 0 {
			m.ExpiresAt = now.Add(time.Duration(a.TTLSeconds) * time.Second)
		}
		if v := voiceID(reqCtx); v != "" {
			m.Tags = append(m.Tags, "voice:"+v)
		}
		if err := memory.ValidateMemory(m); err != nil {
			return "", fmt.Errorf("memory tool: remember: %w", err)
		}

		id, err := store.StoreMemory(ctx, m)
		if err != nil {
			return "", fmt.Errorf("memory tool: remember: %w", err)
		}

		res, err := json.Marshal(rememberResult{ID: id, Key: a.Key})
		if err != nil {
			return "", fmt.Errorf("memory tool: remember: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// makeLearnHandler returns a handler for the "learn" tool that delegates to
// store.StoreLearning.
func makeLearnHandler(store memory.Store) func(context.Context, map[string]any, map[string]any) (string, error) {
	return func(ctx context.Context, params, reqCtx map[string]any) (string, error) {
		var a learnArgs
		if err := tools.DecodeParams(params, &a); err != nil {
			return "", fmt.Errorf("memory tool: learn: %w", err)
		}
		if a.SessionID == "" {
			return "", fmt.Errorf("memory tool: learn: session_id must not be empty")
		}
		if a.Intent == "" {
			return "", fmt.Errorf("memory tool: learn: intent must not be empty")
		}

		if a.Confidence == 0 {
			a.Confidence = defaultConfidence
		}

		items := make([]memory.LearningItem, len(a.Learnings))
		for i, it := range a.Learnings {
			items[i] = memory.LearningItem{
				Type:        it.Type,
				Description: it.Description,
				Confidence:  it.Confidence,
			}
		}

		l := memory.Learning{
			SessionID:      a.SessionID,
			UserInput:      a.UserInput,
			Intent:         a.Intent,
			TasksCompleted: a.TasksCompleted,
			Success:        a.Success,
			Duration:       time.Duration(a.DurationSeconds * float64(time.Second)),
			Learnings:      items,
			Suggestions:    a.Suggestions,
			ProjectPath:    a.ProjectPath,
			Confidence:     a.Confidence,
			CreatedAt:      time.Now(),
		}
		if v := voiceID(reqCtx); v != "" {
			l.Metadata = map[string]any{"voice_id": v}
		}

		id, err := store.StoreLearning(ctx, l)
		if err != nil {
			return "", fmt.Errorf("memory tool: learn: %w", err)
		}

		res, err := json.Marshal(learnResult{ID: id})
		if err != nil {
			return "", fmt.Errorf("memory tool: learn: failed to encode result: %w", err)
		}
		return string(res), nil
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewServer
// ─────────────────────────────────────────────────────────────────────────────

// NewServer constructs the builtin memory server, wired to the provided
// learning store. store must be non-nil.
func NewServer(store memory.Store) *tools.Server {
	return tools.NewServer(ServerName,
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "recall",
				Description: "Retrieve memories relevant to a query: learned preferences, successful patterns, and project facts. Results are ranked by relevance and confidence. Use before proposing an approach the engine may already have an opinion on.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "Relevance text matched against memory keys, values and tags.",
						},
						"project_path": map[string]any{
							"type":        "string",
							"description": "Restrict results to this project scope. Omit to include global memories.",
						},
						"limit": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results to return. Defaults to 10.",
							"minimum":     1,
							"maximum":     50,
						},
					},
					"required": []string{"query"},
				},
				Capability: "memory_recall",
				Idempotent: true,
			},
			Handler: makeRecallHandler(store),
		},
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "remember",
				Description: "Store a durable memory: a key, a JSON value, and an optional category, confidence, tags and expiry. Overwrites an existing memory with the same key in the same project scope.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"key": map[string]any{
							"type":        "string",
							"description": "Short lookup name, e.g. \"preferred_error_style\".",
						},
						"value": map[string]any{
							"description": "JSON payload to store.",
						},
						"category": map[string]any{
							"type":        "string",
							"description": "Purpose grouping, e.g. preference, success_pattern. Defaults to voice_note.",
						},
						"project_path": map[string]any{
							"type":        "string",
							"description": "Project scope for the memory. Omit for global scope.",
						},
						"confidence": map[string]any{
							"type":        "number",
							"description": "Trust in this memory, 0–1. Defaults to 0.7.",
							"minimum":     0,
							"maximum":     1,
						},
						"tags": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Free-form labels for filtered retrieval.",
						},
						"ttl_seconds": map[string]any{
							"type":        "integer",
							"description": "Expiry in seconds from now. Omit for a permanent memory.",
							"minimum":     1,
						},
					},
					"required": []string{"key", "value"},
				},
				Capability: "memory_store",
				Idempotent: false,
			},
			Handler: makeRememberHandler(store),
		},
		tools.Tool{
			Definition: types.ToolDefinition{
				Name:        "learn",
				Description: "Record the outcome of a completed collaboration session. Updates pattern counters and may promote high-confidence insights into durable memories.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"session_id": map[string]any{
							"type":        "string",
							"description": "The collaboration session this outcome belongs to.",
						},
						"user_input": map[string]any{
							"type":        "string",
							"description": "The original request text that started the session.",
						},
						"intent": map[string]any{
							"type":        "string",
							"description": "Classified intent of the request, e.g. refactor, debug, explain.",
						},
						"tasks_completed": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Task descriptions finished during the session.",
						},
						"success": map[string]any{
							"type":        "boolean",
							"description": "Whether the session reached a successful outcome.",
						},
						"duration_seconds": map[string]any{
							"type":        "number",
							"description": "Wall-clock session length in seconds.",
							"minimum":     0,
						},
						"learnings": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"type":        map[string]any{"type": "string"},
									"description": map[string]any{"type": "string"},
									"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
								},
								"required": []string{"type", "description"},
							},
							"description": "Specific insights extracted from the session.",
						},
						"suggestions": map[string]any{
							"type":        "array",
							"items":       map[string]any{"type": "string"},
							"description": "Follow-up actions proposed to the user.",
						},
						"project_path": map[string]any{
							"type":        "string",
							"description": "Project scope for the learning. Omit for global scope.",
						},
						"confidence": map[string]any{
							"type":        "number",
							"description": "Reliability of this outcome record, 0–1. Defaults to 0.7.",
							"minimum":     0,
							"maximum":     1,
						},
					},
					"required": []string{"session_id", "intent", "success"},
				},
				Capability: "memory_learn",
				Idempotent: false,
			},
			Handler: makeLearnHandler(store),
		},
	)
}
