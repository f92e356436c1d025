// Package voice manages the roster of collaboration personas and decides
// which of them a task deserves.
//
// A [Registry] holds the active profiles (seeded from [DefaultRoster] or
// loaded from YAML), and a [Selector] maps a task prompt to either a single
// best-matching voice or a small multi-voice team, gated by a fixed
// return-on-investment table so that trivial prompts never pay the
// multi-voice overhead.
package voice

import (
	"errors"
	"fmt"
	"time"

	"github.com/polyvox/polyvox/pkg/types"
)

// ErrNotFound is returned by Get, Update and Remove when no voice with the
// requested ID is registered.
var ErrNotFound = errors.New("voice not found")

// ErrDuplicateID is returned by Add when a voice with the same ID is already
// registered.
var ErrDuplicateID = errors.New("voice with that ID already exists")

// ErrNoVoices is returned by Select when the registry holds no voices at all.
var ErrNoVoices = errors.New("no voices available")

// Recognized voice domains. A profile's Domain steers team composition; the
// selector resolves a domain to the highest-expertise registered voice.
const (
	DomainImplementation = "implementation"
	DomainQuality        = "quality"
	DomainAnalysis       = "analysis"
	DomainDesign         = "design"
	DomainSecurity       = "security"
	DomainPerformance    = "performance"
	DomainInnovation     = "innovation"
)

var knownDomains = []string{
	DomainImplementation,
	DomainQuality,
	DomainAnalysis,
	DomainDesign,
	DomainSecurity,
	DomainPerformance,
	DomainInnovation,
}

// Mode says whether a selection dispatches one voice or a team.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeMulti  Mode = "multi"
)

// Complexity is the selector's classification of a prompt.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// TaskContext describes the task a selection is made for.
type TaskContext struct {
	// Prompt is the user's request text.
	Prompt string

	// Category is an optional task category hint (matches voice domains,
	// e.g. "implementation", "security").
	Category string

	// EstimatedTokens is the caller's token estimate for the task, 0 when unknown.
	EstimatedTokens int

	// UserPreference forces a mode when set to "single" or "multi";
	// empty leaves the decision to the ROI gate.
	UserPreference Mode

	// TimeConstraint bounds the per-voice dispatch time downstream;
	// zero means no explicit constraint.
	TimeConstraint time.Duration
}

// Selection is the selector's verdict for one task.
type Selection struct {
	// Voices is the chosen team in dispatch order; length 1 in single mode.
	Voices []types.Voice

	// Mode is single or multi.
	Mode Mode

	// Complexity is the classified prompt complexity.
	Complexity Complexity

	// ExpectedQualityGain is the calibrated quality improvement of
	// multi-voice dispatch, in percent. Zero in single mode.
	ExpectedQualityGain float64

	// EstimatedOverhead is the calibrated cost of multi-voice dispatch,
	// in percent. Zero in single mode.
	EstimatedOverhead float64

	// ROIScore is ExpectedQualityGain / EstimatedOverhead for multi mode,
	// and 1.0 for single mode (a single voice is the baseline).
	ROIScore float64

	// Reasoning explains the decision for logs and analytics.
	Reasoning string
}

// VoiceIDs returns the IDs of the selected voices in dispatch order.
func (s Selection) VoiceIDs() []string {
	ids := make([]string, len(s.Voices))
	for i, v := range s.Voices {
		ids[i] = v.ID
	}
	return ids
}

// Validate checks a voice profile for required fields and sane ranges.
//
// Rules:
//   - ID and DisplayName must be non-empty.
//   - Domain must be one of the recognized domains.
//   - ExpertiseLevel, SuccessRate and the three weights must be within [0,1].
func Validate(v types.Voice) error {
	var errs []error

	if v.ID == "" {
		errs = append(errs, errors.New("id must not be empty"))
	}
	if v.DisplayName == "" {
		errs = append(errs, errors.New("displayName must not be empty"))
	}

	domainOK := false
	for _, d := range knownDomains {
		if v.Domain == d {
			domainOK = true
			break
		}
	}
	if !domainOK {
		errs = append(errs, fmt.Errorf("domain %q is not a recognised voice domain", v.Domain))
	}

	for _, f := range []struct {
		name  string
		value float64
	}{
		{"expertiseLevel", v.ExpertiseLevel},
		{"successRate", v.SuccessRate},
		{"reliabilityWeight", v.ReliabilityWeight},
		{"performanceWeight", v.PerformanceWeight},
		{"costWeight", v.CostWeight},
	} {
		if f.value < 0 || f.value > 1 {
			errs = append(errs, fmt.Errorf("%s %v is outside [0,1]", f.name, f.value))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
