// Package types defines the shared types used across all PolyVox packages.
//
// These types form the lingua franca between backends, the selector, the
// synthesis engine, the MCP coordinator, and the memory layers. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Voice describes a specialized persona that can be prompted through a
// model backend. Profiles are immutable during a session; SuccessRate and
// AverageQuality are updated between sessions by the learning loop.
type Voice struct {
	// ID is the stable voice identifier (e.g., "security", "developer").
	ID string

	// DisplayName is the human-readable persona name.
	DisplayName string

	// Domain is the broad problem area this voice covers
	// (implementation, analysis, quality, design, security, performance).
	Domain string

	// ExpertiseLevel rates the voice's depth in its domain (0.0–1.0).
	ExpertiseLevel float64

	// SuccessRate is the historical fraction of accepted contributions (0.0–1.0).
	SuccessRate float64

	// AverageQuality is the historical mean quality score (0–100).
	AverageQuality float64

	// Specializations are matchable keywords describing what the voice is good at.
	Specializations []string

	// PreferredCapabilities lists MCP capabilities this voice reaches for first.
	PreferredCapabilities []string

	// PreferredServers biases MCP server selection toward these server IDs.
	PreferredServers []string

	// AvoidedServers excludes these server IDs from MCP server selection.
	AvoidedServers []string

	// ReliabilityWeight expresses how much the voice values dependable servers (0.0–1.0).
	ReliabilityWeight float64

	// PerformanceWeight expresses how much the voice values fast servers (0.0–1.0).
	PerformanceWeight float64

	// CostWeight expresses how much the voice values cheap execution (0.0–1.0).
	CostWeight float64

	// SystemPrompt is the persona preamble sent with every completion.
	SystemPrompt string
}

// AgentResponse is a single voice's answer to one prompt.
type AgentResponse struct {
	// VoiceID identifies the voice that produced this response.
	VoiceID string

	// Content is the response text.
	Content string

	// Confidence is the voice's self-reported confidence (0.0–1.0).
	// Backends that cannot supply one report 0.5.
	Confidence float64

	// TokensUsed is the total token count for the exchange, 0 when unknown.
	TokensUsed int
}

// VoiceWeight is the normalized influence of one voice within a synthesis.
// Weights within one synthesis sum to 1.
type VoiceWeight struct {
	VoiceID string
	Weight  float64
	Reason  string
}

// Message represents a single message in a model conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-voice contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the model.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which call this answers.
	ToolCallID string
}

// ToolCall represents a tool invocation requested by a model.
type ToolCall struct {
	// ID is the unique identifier for this tool call (backend-assigned).
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that an MCP server exposes to voices.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in model prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// Capability is the coordinator capability this tool serves
	// (e.g., "code_analysis", "file_operations").
	Capability string

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// ModelCapabilities describes what a model backend supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// SessionInfo identifies one collaboration session across subsystems.
type SessionInfo struct {
	// ID is the session identifier.
	ID string

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// ProjectPath scopes memory reads and writes, empty for global scope.
	ProjectPath string
}
