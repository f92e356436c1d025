package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/polyvox/polyvox/internal/resilience"
)

// ErrNoSuitableServer is returned when server selection filters every
// candidate out: the capability is unknown, the voice's preferred/avoided
// lists exclude all servers, or no server clears the reliability and
// performance minimums.
var ErrNoSuitableServer = errors.New("mcp: no suitable server")

// ErrUnknownPlan is returned by plan execution for a plan ID that was never
// created or has been removed.
var ErrUnknownPlan = errors.New("mcp: unknown plan")

// ErrPlanQuality is returned when a plan's step success rate stays below the
// phase quality threshold after every fallback strategy has been applied.
var ErrPlanQuality = errors.New("mcp: plan below quality threshold")

// ErrDependencyFailed marks a step that never ran because a step it depends
// on did not complete successfully.
var ErrDependencyFailed = errors.New("mcp: dependency failed")

// ErrStepSkipped marks a step abandoned by the skip fallback strategy. Skipped
// steps are excluded from the plan's success-rate denominator.
var ErrStepSkipped = errors.New("mcp: step skipped")

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"

	// TransportWebSocket communicates over a persistent WebSocket connection.
	TransportWebSocket Transport = "websocket"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP || t == TransportWebSocket
}

// Endpoint is one reachable MCP server. The coordinator treats endpoints as
// opaque: it addresses them by capability and does not inspect result shape.
//
// Implementations must be safe for concurrent use.
type Endpoint interface {
	// Call executes capability with params. reqCtx carries ambient request
	// values (voice ID, phase, shared plan data) that the server may read.
	// The result is the server's textual output.
	Call(ctx context.Context, capability string, params, reqCtx map[string]any) (string, error)
}

// ServerInfo describes one MCP server for discovery indexing.
type ServerInfo struct {
	// ID is the stable server identifier, unique within a directory.
	ID string

	// Name is the human-readable server name used in logs.
	Name string

	// Category groups servers by purpose (e.g. "analysis", "storage").
	Category string

	// Tags are free-form discovery labels.
	Tags []string

	// Capabilities lists every capability the server can execute.
	Capabilities []string
}

// VoiceRequest asks the coordinator to execute a single capability on behalf
// of a voice.
type VoiceRequest struct {
	// RequestID identifies the request across logs, events and metrics.
	// Empty means one is assigned on entry.
	RequestID string

	// VoiceID is the requesting voice.
	VoiceID string

	// Phase labels the workflow phase the request belongs to. Requests in
	// the same phase share connection affinity when a pool enables it.
	Phase string

	// Capability is the operation to execute.
	Capability string

	// Parameters are the capability inputs, passed to the server untouched.
	Parameters map[string]any

	// Context carries ambient values visible to the server (shared plan
	// data, user intent). Never interpreted by the coordinator.
	Context map[string]any

	// Priority is a scheduling hint recorded on events and forwarded to the
	// server. Higher is more urgent.
	Priority int

	// Timeout bounds each execution attempt. Zero uses the default.
	Timeout time.Duration

	// Retry governs re-attempts after retriable failures. The zero value
	// disables retries.
	Retry resilience.RetryPolicy

	// MinReliability overrides the voice's reliability minimum (0–100) for
	// server selection when positive.
	MinReliability float64

	// MaxLatency excludes servers whose median response time exceeds it.
	// Zero disables the filter.
	MaxLatency time.Duration
}

// VoiceResponse is the outcome of one [VoiceRequest].
type VoiceResponse struct {
	// RequestID echoes the request's identifier.
	RequestID string

	// VoiceID echoes the requesting voice.
	VoiceID string

	// Capability echoes the executed capability. When the
	// alternative-capability fallback substituted another capability, this
	// is the one that actually ran.
	Capability string

	// ServerID identifies the server that served the request, empty when no
	// server was reached.
	ServerID string

	// ConnectionID identifies the pool connection used, empty when selection
	// failed.
	ConnectionID string

	// Result is the server's textual output. Empty on failure.
	Result string

	// Success is true when the capability executed without error.
	Success bool

	// Err is the terminal failure, nil on success. Sentinels are preserved
	// for errors.Is: [ErrNoSuitableServer], [resilience.ErrCircuitOpen],
	// context.DeadlineExceeded.
	Err error

	// Duration is the wall-clock time from selection to final outcome,
	// including retries.
	Duration time.Duration

	// Attempts is how many execution attempts were made (0 when selection
	// failed before any call).
	Attempts int

	// Timestamp is when the response was produced.
	Timestamp time.Time
}

// ─── Orchestration ────────────────────────────────────────────────────────────

// ExecutionStrategy selects how a plan's steps are scheduled.
type ExecutionStrategy string

const (
	// ExecSequential runs steps one at a time in dependency order.
	ExecSequential ExecutionStrategy = "sequential"

	// ExecParallel runs dependency-free groups of steps concurrently,
	// waiting for each whole group before starting the next.
	ExecParallel ExecutionStrategy = "parallel"

	// ExecPipeline keeps every ready step in flight and races to the first
	// completion, feeding dependents as results arrive.
	ExecPipeline ExecutionStrategy = "pipeline"

	// ExecAdaptive picks one of the other strategies from the phase's recent
	// latency and error history at execution time.
	ExecAdaptive ExecutionStrategy = "adaptive"
)

// IsValid reports whether s is a recognised strategy.
func (s ExecutionStrategy) IsValid() bool {
	switch s {
	case ExecSequential, ExecParallel, ExecPipeline, ExecAdaptive:
		return true
	}
	return false
}

// ErrorTolerance expresses how much step failure a phase accepts. It selects
// the default fallback menu for plans that do not name their own.
type ErrorTolerance string

const (
	// ToleranceStrict retries failed steps and accepts nothing less.
	ToleranceStrict ErrorTolerance = "strict"

	// ToleranceModerate reroutes failed steps to an alternative server.
	ToleranceModerate ErrorTolerance = "moderate"

	// ToleranceLenient skips failed steps.
	ToleranceLenient ErrorTolerance = "lenient"
)

// IsValid reports whether t is a recognised tolerance level.
func (t ErrorTolerance) IsValid() bool {
	return t == ToleranceStrict || t == ToleranceModerate || t == ToleranceLenient
}

// FallbackStrategy is one recovery action applied to failed steps, in the
// order the plan lists them.
type FallbackStrategy string

const (
	// FallbackRetry re-executes the failed step once.
	FallbackRetry FallbackStrategy = "retry"

	// FallbackAlternativeServer re-executes the step avoiding the server
	// that failed.
	FallbackAlternativeServer FallbackStrategy = "alternative-server"

	// FallbackAlternativeCapability re-executes the step with the nearest
	// known capability substituted.
	FallbackAlternativeCapability FallbackStrategy = "alternative-capability"

	// FallbackSkip abandons the failed step and removes it from the plan's
	// success-rate denominator.
	FallbackSkip FallbackStrategy = "skip"

	// FallbackFail stops recovery and lets the remaining failures stand.
	FallbackFail FallbackStrategy = "fail"
)

// IsValid reports whether s is a recognised fallback strategy.
func (s FallbackStrategy) IsValid() bool {
	switch s {
	case FallbackRetry, FallbackAlternativeServer, FallbackAlternativeCapability, FallbackSkip, FallbackFail:
		return true
	}
	return false
}

// Phase describes one workflow phase a plan is built for.
type Phase struct {
	// Name labels the phase (e.g. "analysis", "implementation"). Adaptive
	// execution keys its history on this name.
	Name string

	// RequiredCapabilities lists the capabilities the phase needs; the plan
	// builder emits one step per entry.
	RequiredCapabilities []string

	// ExecutionMode is the requested scheduling strategy.
	ExecutionMode ExecutionStrategy

	// ErrorTolerance selects the default fallback menu.
	ErrorTolerance ErrorTolerance

	// MaxExecutionTime bounds the whole plan; each step receives an equal
	// share as its deadline.
	MaxExecutionTime time.Duration

	// QualityThreshold is the minimum step success rate (0–1) for the plan
	// to count as successful.
	QualityThreshold float64
}

// ToolStep is one unit of work inside a plan.
type ToolStep struct {
	// ID identifies the step within its plan.
	ID string

	// VoiceID is the voice the step executes as.
	VoiceID string

	// Capability is the operation the step performs.
	Capability string

	// Parameters are the capability inputs.
	Parameters map[string]any

	// Dependencies lists step IDs that must complete successfully first.
	Dependencies []string

	// Parallel marks the step as safe to overlap with its group.
	Parallel bool

	// Optional steps may fail without counting against the plan's quality.
	Optional bool

	// Timeout bounds the step's execution, including retries.
	Timeout time.Duration

	// Retry governs re-attempts within the step's request.
	Retry resilience.RetryPolicy

	// MinSuccessRate is reserved for repeated-step scoring; zero disables it.
	MinSuccessRate float64

	// MaxResponseTime fails the step when the response took longer, even if
	// the call itself succeeded. Zero disables the check.
	MaxResponseTime time.Duration
}

// DataFlow routes one step's result into a dependent step before it runs.
type DataFlow struct {
	// From is the producing step's ID.
	From string

	// To is the consuming step's ID. The result is injected into the
	// consumer's request context under "data:<From>".
	To string
}

// Plan is an executable DAG of tool steps for one phase.
type Plan struct {
	// ID identifies the plan; collaboration sessions are keyed by it.
	ID string

	// Phase is the definition the plan was built from.
	Phase Phase

	// VoiceIDs lists the voices steps were assigned to, in assignment order.
	VoiceIDs []string

	// Steps are the plan's units of work. Dependencies form a DAG.
	Steps []ToolStep

	// Strategy is the scheduling strategy; adaptive resolves at execution.
	Strategy ExecutionStrategy

	// DataFlow routes results between steps.
	DataFlow []DataFlow

	// SyncPoints lists step IDs after which execution must not proceed
	// until every step so far has settled.
	SyncPoints []string

	// Fallbacks are applied in order to failed steps.
	Fallbacks []FallbackStrategy

	// CreatedAt is when the plan was built. Phase.MaxExecutionTime bounds
	// each execution of the plan.
	CreatedAt time.Time
}

// PlanRequirements carries optional per-capability inputs for plan building.
// The zero value builds a plan from the phase definition alone.
type PlanRequirements struct {
	// Parameters supplies call inputs per capability.
	Parameters map[string]map[string]any

	// DataFlow routes results between steps, by step ID.
	DataFlow []DataFlow

	// SyncPoints lists step IDs that act as barriers.
	SyncPoints []string

	// Optional marks steps (by ID or capability) whose failure does not
	// count against plan quality.
	Optional []string

	// Fallbacks overrides the tolerance-derived default menu.
	Fallbacks []FallbackStrategy
}

// ─── Events ───────────────────────────────────────────────────────────────────

// EventType names a coordinator event on the event stream.
type EventType string

const (
	EventVoiceSuccess  EventType = "voice-mcp-success"
	EventVoiceError    EventType = "voice-mcp-error"
	EventPlanCreated   EventType = "orchestration-plan-created"
	EventPlanCompleted EventType = "orchestration-plan-completed"
	EventPlanFailed    EventType = "orchestration-plan-failed"
)

// Event is published on request and plan milestones. Fields beyond Type are
// filled as relevant.
type Event struct {
	Type       EventType
	RequestID  string
	PlanID     string
	VoiceID    string
	Capability string
	ServerID   string
	Duration   time.Duration
	Error      string
}
