// Package bridge gates voice-originated tool calls behind the approval
// engine before handing them to the MCP coordinator.
//
// A [Bridge] classifies each capability into an approval operation, asks the
// approval manager for a verdict, and forwards granted requests to the
// coordinator untouched. Denied requests never reach the coordinator: the
// voice receives a failed response whose error wraps [ErrDenied].
//
// Typical usage:
//
//	b, err := bridge.NewBridge(coordinator, manager, approval.OperationContext{
//	    SandboxMode:   approval.SandboxWorkspaceWrite,
//	    WorkspaceRoot: workspaceRoot,
//	})
//	if err != nil { ... }
//
//	resp := b.Invoke(ctx, req)
//	if errors.Is(resp.Err, bridge.ErrDenied) { ... }
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"
	"unicode"

	"github.com/polyvox/polyvox/internal/approval"
	"github.com/polyvox/polyvox/internal/mcp"
)

// ErrDenied marks responses whose operation the approval engine refused.
var ErrDenied = errors.New("bridge: operation denied")

// defaultToolTimeout bounds each tool execution when the request carries no
// timeout of its own.
const defaultToolTimeout = 30 * time.Second

// Invoker executes granted voice requests. *mcp.Coordinator implements it.
type Invoker interface {
	HandleRequest(ctx context.Context, req mcp.VoiceRequest) mcp.VoiceResponse
}

// Approver produces approval verdicts. *approval.Manager implements it.
type Approver interface {
	RequestApproval(ctx context.Context, op approval.Operation, opCtx approval.OperationContext) approval.Result
}

var (
	_ Invoker  = (*mcp.Coordinator)(nil)
	_ Approver = (*approval.Manager)(nil)
)

// Option is a functional option for configuring a [Bridge].
type Option func(*Bridge)

// WithToolTimeout sets the deadline applied to tool executions whose request
// carries no timeout. The default is 30 seconds.
func WithToolTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.toolTimeout = d
		}
	}
}

// WithOperationMap adds explicit capability→operation-type classifications,
// consulted before the built-in verb heuristics. Useful for capabilities
// whose names say nothing about their effect.
func WithOperationMap(m map[string]approval.OperationType) Option {
	return func(b *Bridge) {
		maps.Copy(b.opMap, m)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bridge sits between the voices and the MCP coordinator. Every capability
// invocation passes through the approval engine first; only granted requests
// are executed.
//
// The bridge carries the base [approval.OperationContext] of the engine run
// (sandbox mode, workspace root); per-request session and intent override it
// when the request's ambient context carries "session_id" or "user_intent"
// strings. Bridge is safe for concurrent use.
type Bridge struct {
	coordinator Invoker
	approver    Approver
	opCtx       approval.OperationContext
	opMap       map[string]approval.OperationType
	toolTimeout time.Duration
	logger      *slog.Logger
}

// NewBridge creates a Bridge routing granted requests from approver to
// coordinator. opCtx is the base approval context applied to every request.
//
// Returns an error if coordinator or approver is nil.
func NewBridge(coordinator Invoker, approver Approver, opCtx approval.OperationContext, opts ...Option) (*Bridge, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("bridge: coordinator must not be nil")
	}
	if approver == nil {
		return nil, fmt.Errorf("bridge: approver must not be nil")
	}

	b := &Bridge{
		coordinator: coordinator,
		approver:    approver,
		opCtx:       opCtx,
		opMap:       make(map[string]approval.OperationType),
		toolTimeout: defaultToolTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Invoke gates one voice request through the approval engine and, when
// granted, executes it on the coordinator. A denied request returns a failed
// response wrapping [ErrDenied] without touching the coordinator; the denial
// reason is preserved in the error message.
//
// Requests without their own timeout get the bridge's tool timeout.
func (b *Bridge) Invoke(ctx context.Context, req mcp.VoiceRequest) mcp.VoiceResponse {
	op := b.operation(req)
	verdict := b.approver.RequestApproval(ctx, op, b.operationContext(req))
	if !verdict.Granted {
		b.logger.Warn("tool call denied",
			"voice_id", req.VoiceID,
			"capability", req.Capability,
			"operation_type", string(op.Type),
			"reason", verdict.Reason)
		return mcp.VoiceResponse{
			RequestID:  req.RequestID,
			VoiceID:    req.VoiceID,
			Capability: req.Capability,
			Err:        fmt.Errorf("%w: %s", ErrDenied, verdict.Reason),
		}
	}

	if req.Timeout <= 0 {
		req.Timeout = b.toolTimeout
	}
	return b.coordinator.HandleRequest(ctx, req)
}

// operation translates a voice request into the approval engine's terms. The
// target prefers an explicit "path" (or "target") parameter so file
// capabilities are risk-scored on the path they touch, not the capability
// name.
func (b *Bridge) operation(req mcp.VoiceRequest) approval.Operation {
	target := req.Capability
	if p, ok := req.Parameters["path"].(string); ok && p != "" {
		target = p
	} else if p, ok := req.Parameters["target"].(string); ok && p != "" {
		target = p
	}

	return approval.Operation{
		Type:        b.classify(req.Capability),
		Target:      target,
		Description: fmt.Sprintf("voice %q invoking %q", req.VoiceID, req.Capability),
		Metadata: map[string]any{
			"voice_id":   req.VoiceID,
			"capability": req.Capability,
			"phase":      req.Phase,
		},
	}
}

// operationContext derives the per-request approval context from the base
// one.
func (b *Bridge) operationContext(req mcp.VoiceRequest) approval.OperationContext {
	opCtx := b.opCtx
	if sid, ok := req.Context["session_id"].(string); ok && sid != "" {
		opCtx.SessionID = sid
	}
	if intent, ok := req.Context["user_intent"].(string); ok && intent != "" {
		opCtx.UserIntent = intent
	}
	return opCtx
}

// classify maps a capability name to an approval operation type. Explicit
// mappings win; otherwise the name is split into tokens and matched against
// known verbs, with mutating and privileged verbs taking precedence over
// read verbs so "search_and_delete" classifies as a delete. Capabilities
// that match nothing are treated as command execution.
func (b *Bridge) classify(capability string) approval.OperationType {
	if t, ok := b.opMap[capability]; ok {
		return t
	}

	tokens := strings.FieldsFunc(strings.ToLower(capability), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	for _, tok := range tokens {
		switch tok {
		case "delete", "remove", "drop", "purge":
			return approval.OpFileDelete
		case "git", "commit", "push", "clone", "rebase":
			return approval.OpGitOperation
		case "install", "package", "pip", "npm":
			return approval.OpPackageInstall
		case "exec", "execute", "command", "shell", "run", "spawn":
			return approval.OpCommandExec
		case "fetch", "http", "network", "download", "request":
			return approval.OpNetworkAccess
		case "finetune", "finetuning", "train":
			return approval.OpFineTuning
		case "generate", "codegen", "scaffold":
			return approval.OpCodeGeneration
		}
	}
	for _, tok := range tokens {
		switch tok {
		case "write", "store", "remember", "learn", "save", "update", "create", "edit":
			return approval.OpFileWrite
		case "read", "recall", "search", "list", "query", "get", "lookup",
			"find", "analysis", "analyze", "inspect", "review":
			return approval.OpFileRead
		}
	}
	return approval.OpCommandExec
}
