package approval

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the top-level structure of a policy YAML file. Policies
// loaded from a file replace the built-in set wholesale; a deployment that
// only wants to tweak one mode still declares all the modes it uses.
//
// Example:
//
//	policies:
//	  - name: workspace-write
//	    sandbox_mode: workspace-write
//	    auto_approve_threshold: 7
//	    require_confirmation_threshold: 20
//	    rules:
//	      - operation_type: command-exec
//	        condition: "risk.level == 'critical'"
//	        action: deny
//	        reason: critical-risk commands are blocked
//	        priority: 100
type PolicyFile struct {
	Policies []PolicySpec `yaml:"policies"`
}

// PolicySpec is the YAML shape of one policy.
type PolicySpec struct {
	Name                         string      `yaml:"name"`
	SandboxMode                  SandboxMode `yaml:"sandbox_mode"`
	AutoApproveThreshold         int         `yaml:"auto_approve_threshold"`
	RequireConfirmationThreshold int         `yaml:"require_confirmation_threshold"`
	Rules                        []RuleSpec  `yaml:"rules"`
}

// RuleSpec is the YAML shape of one prioritized rule. An unrecognised
// operation type is not an error; such rules simply never match.
type RuleSpec struct {
	OperationType OperationType `yaml:"operation_type"`
	Condition     string        `yaml:"condition"`
	Action        Action        `yaml:"action"`
	Reason        string        `yaml:"reason"`
	Priority      int           `yaml:"priority"`
}

// Policy converts the spec to the runtime policy type.
func (s PolicySpec) Policy() Policy {
	p := Policy{
		Name:                         s.Name,
		SandboxMode:                  s.SandboxMode,
		AutoApproveThreshold:         s.AutoApproveThreshold,
		RequireConfirmationThreshold: s.RequireConfirmationThreshold,
	}
	for _, r := range s.Rules {
		p.Rules = append(p.Rules, Rule{
			OperationType: r.OperationType,
			Condition:     r.Condition,
			Action:        r.Action,
			Reason:        r.Reason,
			Priority:      r.Priority,
		})
	}
	return p
}

// LoadPolicyFile reads and parses a policy YAML file from disk. Rule
// conditions are compiled later, by [NewManager].
func LoadPolicyFile(path string) ([]Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("approval: open policy file %q: %w", path, err)
	}
	defer f.Close()

	policies, err := LoadPoliciesFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("approval: parse policy file %q: %w", path, err)
	}
	return policies, nil
}

// LoadPoliciesFromReader parses policy YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadPoliciesFromReader(r io.Reader) ([]Policy, error) {
	var pf PolicyFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("approval: decode policy yaml: %w", err)
	}

	policies := make([]Policy, 0, len(pf.Policies))
	for i, spec := range pf.Policies {
		if !spec.SandboxMode.IsValid() {
			return nil, fmt.Errorf("approval: policies[%d] sandbox_mode %q is invalid; valid values: read-only, workspace-write, full-access", i, spec.SandboxMode)
		}
		for j, rule := range spec.Rules {
			switch rule.Action {
			case ActionAutoApprove, ActionRequireConfirmation, ActionDeny:
			default:
				return nil, fmt.Errorf("approval: policies[%d].rules[%d] action %q is invalid; valid values: auto-approve, require-confirmation, deny", i, j, rule.Action)
			}
		}
		policies = append(policies, spec.Policy())
	}
	return policies, nil
}
