// Package approval implements the risk-scored approval gate that runs before
// every side-effectful tool call.
//
// Each request moves through a fixed state machine: received → risk-assessed →
// rule-evaluated → (auto-approved | user-prompted | denied). Risk assessment
// sums severity factors from the operation type, the target path, the sandbox
// mode, and (for command execution) the command content. Policy rules are
// small compiled predicates over the operation, its context, and the
// assessment; when no rule fires, numeric thresholds decide.
//
// The gate fails closed: any internal error, missing policy, unavailable
// confirmation channel, or expired deadline produces a denied result. The
// caller never receives an error, only a Result with Granted=false and the
// failure surfaced in Reason.
package approval

import "time"

// OperationType classifies what a tool call wants to do.
type OperationType string

const (
	OpFileRead       OperationType = "file-read"
	OpFileWrite      OperationType = "file-write"
	OpFileDelete     OperationType = "file-delete"
	OpCommandExec    OperationType = "command-exec"
	OpNetworkAccess  OperationType = "network-access"
	OpGitOperation   OperationType = "git-operation"
	OpPackageInstall OperationType = "package-install"
	OpCodeGeneration OperationType = "code-generation"
	OpFineTuning     OperationType = "fine-tuning"
)

// SandboxMode is the blast-radius class the session runs under.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxFullAccess     SandboxMode = "full-access"
)

// IsValid reports whether m is a recognised sandbox mode.
func (m SandboxMode) IsValid() bool {
	switch m {
	case SandboxReadOnly, SandboxWorkspaceWrite, SandboxFullAccess:
		return true
	}
	return false
}

// RiskLevel buckets a risk score for policy decisions and display.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders risk levels for >=/<= comparisons in rule conditions.
func (l RiskLevel) rank() int {
	switch l {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return -1
	}
}

// Status is the terminal disposition of an approval request.
type Status string

const (
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusPending  Status = "pending"
)

// Operation describes the side-effectful action a voice tool wants to perform.
type Operation struct {
	// Type is the operation class; it selects the base severity and which
	// policy rules apply.
	Type OperationType

	// Target is what the operation acts on: a file path, a command line, a URL.
	Target string

	// Description is a human-readable summary shown in confirmation prompts.
	Description string

	// Metadata carries tool-specific details. Not interpreted by the gate.
	Metadata map[string]any
}

// ResourceLimits caps what an approved operation may consume. The zero value
// means "use defaults"; a partially populated struct is taken literally, so an
// explicit zero (e.g. MaxSubprocesses=0) is a real constraint that rule
// predicates can match on.
type ResourceLimits struct {
	// MaxMemoryBytes caps resident memory. Default 512 MiB.
	MaxMemoryBytes int64

	// MaxExecutionTime caps wall-clock runtime. Default 30s.
	MaxExecutionTime time.Duration

	// MaxFileHandles caps open file descriptors. Default 100.
	MaxFileHandles int

	// MaxNetworkConnections caps concurrent sockets. Default 10.
	MaxNetworkConnections int

	// MaxSubprocesses caps child processes. Default 5.
	MaxSubprocesses int
}

// DefaultResourceLimits returns the standard limits applied when a context
// carries a zero-value ResourceLimits.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryBytes:        512 << 20,
		MaxExecutionTime:      30 * time.Second,
		MaxFileHandles:        100,
		MaxNetworkConnections: 10,
		MaxSubprocesses:       5,
	}
}

// withDefaults substitutes the default limits for an entirely unset struct.
// Explicitly set structs pass through untouched, zeros included.
func (l ResourceLimits) withDefaults() ResourceLimits {
	if l == (ResourceLimits{}) {
		return DefaultResourceLimits()
	}
	return l
}

// OperationContext is the environment an operation would run in.
type OperationContext struct {
	// SandboxMode selects the active policy.
	SandboxMode SandboxMode

	// WorkspaceRoot is the directory the session is allowed to mutate.
	// Targets outside it raise the risk score.
	WorkspaceRoot string

	// UserIntent is the prompt fragment that led to this operation, shown in
	// confirmation prompts.
	UserIntent string

	// SessionID groups history entries and audit records.
	SessionID string

	// Limits are the resource caps for the operation. Zero value means defaults.
	Limits ResourceLimits
}

// RiskFactor is one contribution to a risk score.
type RiskFactor struct {
	// Category names the factor source: "operation", "target-path", "sandbox",
	// or "command-content".
	Category string

	// Severity is this factor's contribution in [0, 10].
	Severity int

	// Description says what was detected.
	Description string

	// Mitigation, when set, suggests how to lower the risk.
	Mitigation string
}

// RiskAssessment is the scored outcome of analysing one operation.
type RiskAssessment struct {
	// Level buckets Score: low < 8 ≤ medium < 15 ≤ high < 25 ≤ critical.
	Level RiskLevel

	// Score is the capped sum of factor severities, in [0, 100].
	Score int

	// Factors lists every contribution, in detection order.
	Factors []RiskFactor

	// Recommendations are deduplicated mitigations drawn from Factors.
	Recommendations []string
}

// Result is the terminal answer to an approval request.
type Result struct {
	// Status is approved or denied; pending never escapes the gate.
	Status Status

	// Granted is true only for approved results.
	Granted bool

	// Reason explains the decision: the matched rule's reason, the threshold
	// verdict, the user's answer, or the internal failure.
	Reason string

	// AutoApproved marks results that skipped user confirmation.
	AutoApproved bool

	// ReviewerID identifies who confirmed interactively, empty otherwise.
	ReviewerID string

	// Suggestions carries the risk assessment's recommendations on denied or
	// escalated results.
	Suggestions []string
}
