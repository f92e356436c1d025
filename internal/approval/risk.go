package approval

import (
	"fmt"
	"strings"
)

// maxScore caps the summed severities; the level thresholds live well below it.
const maxScore = 100

// Level thresholds. A score at or above the threshold lands in the bucket.
const (
	criticalThreshold = 25
	highThreshold     = 15
	mediumThreshold   = 8
)

// baseSeverity is the operation-type contribution to the risk score.
var baseSeverity = map[OperationType]int{
	OpFileRead:       2,
	OpFileWrite:      5,
	OpFileDelete:     8,
	OpCommandExec:    7,
	OpNetworkAccess:  6,
	OpGitOperation:   4,
	OpPackageInstall: 7,
	OpCodeGeneration: 3,
	OpFineTuning:     6,
}

// sandboxSeverity reflects how much damage the sandbox mode permits.
var sandboxSeverity = map[SandboxMode]int{
	SandboxReadOnly:       1,
	SandboxWorkspaceWrite: 3,
	SandboxFullAccess:     6,
}

// systemPaths are path prefixes whose presence anywhere in a target marks it
// as touching the operating system.
var systemPaths = []string{
	"/etc",
	"/bin",
	"/usr/bin",
	"/System",
	`C:\Windows`,
	`C:\Program Files`,
}

// Command-content token classes, matched against whitespace-separated fields
// of a command-exec target.
var (
	dangerousTokens = []string{"rm", "del", "format", "sudo", "chmod", "chown"}
	networkTokens   = []string{"curl", "wget", "nc", "netcat"}
	scriptTokens    = []string{"python", "node", "powershell", "bash", "sh"}
)

const (
	dangerousSeverity = 9
	networkSeverity   = 6
	scriptSeverity    = 5

	systemPathSeverity    = 9
	outsideRootSeverity   = 6
	hiddenSegmentSeverity = 4
)

// AssessRisk scores op within opCtx. It is a pure function of its inputs:
// the same operation in the same context always produces the same assessment.
func AssessRisk(op Operation, opCtx OperationContext) RiskAssessment {
	var factors []RiskFactor

	// ── operation type ───────────────────────────────────────────────────────
	if sev, ok := baseSeverity[op.Type]; ok {
		factors = append(factors, RiskFactor{
			Category:    "operation",
			Severity:    sev,
			Description: fmt.Sprintf("operation type %s", op.Type),
		})
	} else {
		// Unknown types are treated as the most severe known operation so that
		// a typo in a tool never slips past the gate.
		factors = append(factors, RiskFactor{
			Category:    "operation",
			Severity:    8,
			Description: fmt.Sprintf("unrecognised operation type %q", op.Type),
			Mitigation:  "register the operation type with a calibrated severity",
		})
	}

	// ── target path ──────────────────────────────────────────────────────────
	factors = append(factors, targetFactors(op.Target, opCtx.WorkspaceRoot)...)

	// ── sandbox mode ─────────────────────────────────────────────────────────
	if sev, ok := sandboxSeverity[opCtx.SandboxMode]; ok {
		factors = append(factors, RiskFactor{
			Category:    "sandbox",
			Severity:    sev,
			Description: fmt.Sprintf("sandbox mode %s", opCtx.SandboxMode),
		})
	}

	// ── command content ──────────────────────────────────────────────────────
	if op.Type == OpCommandExec {
		factors = append(factors, commandFactors(op.Target)...)
	}

	score := 0
	for _, f := range factors {
		score += f.Severity
	}
	if score > maxScore {
		score = maxScore
	}

	return RiskAssessment{
		Level:           levelFor(score),
		Score:           score,
		Factors:         factors,
		Recommendations: recommendations(factors),
	}
}

// targetFactors inspects where the operation points.
func targetFactors(target, workspaceRoot string) []RiskFactor {
	var factors []RiskFactor
	if target == "" {
		return nil
	}

	for _, sys := range systemPaths {
		if strings.Contains(target, sys) {
			factors = append(factors, RiskFactor{
				Category:    "target-path",
				Severity:    systemPathSeverity,
				Description: fmt.Sprintf("target touches system path %s", sys),
				Mitigation:  "point the operation at a workspace copy instead of the system path",
			})
			break
		}
	}

	// Only an absolute path can be meaningfully compared to the workspace
	// root; command lines and relative paths are assumed in-workspace.
	if workspaceRoot != "" && isAbsolutePath(target) && !strings.HasPrefix(target, workspaceRoot) {
		factors = append(factors, RiskFactor{
			Category:    "target-path",
			Severity:    outsideRootSeverity,
			Description: "target is outside the workspace root",
			Mitigation:  "move the target under the workspace root",
		})
	}

	if strings.Contains(target, "/.") || strings.Contains(target, `\.`) {
		factors = append(factors, RiskFactor{
			Category:    "target-path",
			Severity:    hiddenSegmentSeverity,
			Description: "target contains a hidden or configuration segment",
		})
	}

	return factors
}

// isAbsolutePath reports whether target looks like an absolute filesystem
// path on any supported platform. filepath.IsAbs is deliberately not used:
// it answers for the host platform only, and the gate scores paths for
// whichever platform the session reports.
func isAbsolutePath(target string) bool {
	if strings.HasPrefix(target, "/") {
		return true
	}
	// Windows drive letter, e.g. C:\ or D:/.
	if len(target) >= 3 && target[1] == ':' && (target[2] == '\\' || target[2] == '/') {
		return true
	}
	return false
}

// commandFactors scans a command line for token classes that raise risk.
// Matching is per whitespace-separated field so that e.g. "informative" does
// not count as "format".
func commandFactors(command string) []RiskFactor {
	var factors []RiskFactor
	fields := strings.Fields(strings.ToLower(command))

	appendMatches := func(tokens []string, severity int, class, mitigation string) {
		for _, tok := range tokens {
			for _, field := range fields {
				if field == tok {
					factors = append(factors, RiskFactor{
						Category:    "command-content",
						Severity:    severity,
						Description: fmt.Sprintf("%s token %q in command", class, tok),
						Mitigation:  mitigation,
					})
					break
				}
			}
		}
	}

	appendMatches(dangerousTokens, dangerousSeverity, "dangerous",
		"run the command in a disposable sandbox first")
	appendMatches(networkTokens, networkSeverity, "network",
		"restrict the command to known hosts")
	appendMatches(scriptTokens, scriptSeverity, "script-executor", "")

	return factors
}

// levelFor buckets a score.
func levelFor(score int) RiskLevel {
	switch {
	case score >= criticalThreshold:
		return RiskCritical
	case score >= highThreshold:
		return RiskHigh
	case score >= mediumThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// recommendations deduplicates the non-empty mitigations across factors,
// preserving first-seen order.
func recommendations(factors []RiskFactor) []string {
	var recs []string
	seen := make(map[string]bool)
	for _, f := range factors {
		if f.Mitigation == "" || seen[f.Mitigation] {
			continue
		}
		seen[f.Mitigation] = true
		recs = append(recs, f.Mitigation)
	}
	return recs
}
