package approval

import (
	"fmt"
	"sort"
)

// Action is what a matched rule does with the request.
type Action string

const (
	ActionAutoApprove         Action = "auto-approve"
	ActionRequireConfirmation Action = "require-confirmation"
	ActionDeny                Action = "deny"
)

// AnyOperation matches every operation type in a rule.
const AnyOperation OperationType = "*"

// Rule is one prioritized policy entry. Rules with a higher Priority are
// evaluated first; the first rule whose condition holds decides the action.
type Rule struct {
	// OperationType restricts the rule to one operation class, or AnyOperation.
	OperationType OperationType

	// Condition is a rule-language expression (see Compile). Empty means
	// always-true.
	Condition string

	// Action taken when the condition holds.
	Action Action

	// Reason is surfaced on the Result when this rule decides.
	Reason string

	// Priority orders rules within a policy, highest first.
	Priority int
}

// Policy is the per-sandbox-mode decision table. When no rule fires, the
// thresholds decide: score ≤ AutoApproveThreshold approves silently, score ≤
// RequireConfirmationThreshold prompts, anything above is denied.
type Policy struct {
	Name                         string
	SandboxMode                  SandboxMode
	AutoApproveThreshold         int
	RequireConfirmationThreshold int
	Rules                        []Rule
}

// compiledRule pairs a rule with its compiled condition.
type compiledRule struct {
	Rule
	pred Predicate
}

// compiledPolicy is a Policy with conditions compiled and rules sorted by
// descending priority, ready for evaluation.
type compiledPolicy struct {
	Policy
	rules []compiledRule
}

// compilePolicy validates and compiles every rule condition.
func compilePolicy(p Policy) (*compiledPolicy, error) {
	cp := &compiledPolicy{Policy: p}
	for _, r := range p.Rules {
		pred, err := Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("approval: policy %q rule for %s: %w", p.Name, r.OperationType, err)
		}
		cp.rules = append(cp.rules, compiledRule{Rule: r, pred: pred})
	}
	sort.SliceStable(cp.rules, func(i, j int) bool {
		return cp.rules[i].Priority > cp.rules[j].Priority
	})
	return cp, nil
}

// rulesFor returns the compiled rules applicable to an operation type, already
// in priority order.
func (cp *compiledPolicy) rulesFor(t OperationType) []compiledRule {
	var out []compiledRule
	for _, r := range cp.rules {
		if r.OperationType == t || r.OperationType == AnyOperation {
			out = append(out, r)
		}
	}
	return out
}

// DefaultPolicies returns the three built-in policies, one per sandbox mode.
//
// read-only auto-approves only trivially safe operations and denies every
// mutation outright. workspace-write approves low-risk operations, prompts
// through high, and blocks critical commands. full-access approves low and
// medium risk and prompts for high; critical is still denied by threshold.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			Name:                         "read-only",
			SandboxMode:                  SandboxReadOnly,
			AutoApproveThreshold:         3,
			RequireConfirmationThreshold: 10,
			Rules: []Rule{
				{OperationType: OpFileWrite, Action: ActionDeny, Priority: 100,
					Reason: "write operations are not permitted in a read-only sandbox"},
				{OperationType: OpFileDelete, Action: ActionDeny, Priority: 100,
					Reason: "delete operations are not permitted in a read-only sandbox"},
				{OperationType: OpCommandExec, Action: ActionDeny, Priority: 100,
					Reason: "command execution is not permitted in a read-only sandbox"},
				{OperationType: OpPackageInstall, Action: ActionDeny, Priority: 100,
					Reason: "package installation is not permitted in a read-only sandbox"},
				{OperationType: OpFineTuning, Action: ActionDeny, Priority: 100,
					Reason: "fine-tuning is not permitted in a read-only sandbox"},
				{OperationType: OpNetworkAccess, Condition: "risk.score >= 8", Action: ActionRequireConfirmation, Priority: 50,
					Reason: "network access from a read-only sandbox needs review"},
			},
		},
		{
			Name:                         "workspace-write",
			SandboxMode:                  SandboxWorkspaceWrite,
			AutoApproveThreshold:         7,
			RequireConfirmationThreshold: 20,
			Rules: []Rule{
				{OperationType: OpCommandExec, Condition: "risk.level == 'critical'", Action: ActionDeny, Priority: 100,
					Reason: "critical-risk commands are blocked in workspace-write mode"},
				{OperationType: OpCommandExec, Condition: "limits.max_subprocesses == 0", Action: ActionDeny, Priority: 90,
					Reason: "the subprocess budget for this session is exhausted"},
				{OperationType: OpFileDelete, Condition: "risk.level == 'high'", Action: ActionRequireConfirmation, Priority: 80,
					Reason: "high-risk deletions need explicit approval"},
				{OperationType: OpFileRead, Condition: "risk.score <= 7", Action: ActionAutoApprove, Priority: 10,
					Reason: "low-risk read inside the workspace"},
				{OperationType: OpCodeGeneration, Condition: "risk.score <= 7", Action: ActionAutoApprove, Priority: 10,
					Reason: "code generation has no immediate side effects"},
			},
		},
		{
			Name:                         "full-access",
			SandboxMode:                  SandboxFullAccess,
			AutoApproveThreshold:         14,
			RequireConfirmationThreshold: 24,
			Rules: []Rule{
				{OperationType: OpCommandExec, Condition: "limits.max_subprocesses == 0", Action: ActionDeny, Priority: 90,
					Reason: "the subprocess budget for this session is exhausted"},
				{OperationType: OpFineTuning, Action: ActionRequireConfirmation, Priority: 80,
					Reason: "model fine-tuning always needs explicit approval"},
			},
		},
	}
}
