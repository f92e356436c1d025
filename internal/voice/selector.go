package voice

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/polyvox/polyvox/pkg/types"
)

// Multi-requirement connectors. A prompt that chains requirements is complex
// regardless of its keyword score.
const (
	connectorAnd   = " and "
	connectorComma = ", "
)

// defaultSimpleKeywords mark prompts that a single voice handles well.
var defaultSimpleKeywords = []string{
	"hello world", "typo", "rename", "comment", "print",
	"simple", "trivial", "one-liner", "fix", "format",
}

// defaultModerateKeywords mark prompts that benefit from a second opinion.
var defaultModerateKeywords = []string{
	"refactor", "implement", "add", "update", "extend",
	"integrate", "optimize", "improve", "convert", "test",
}

// defaultComplexKeywords mark prompts that warrant a full team.
var defaultComplexKeywords = []string{
	"architecture", "architect", "scalable", "scalability",
	"distributed", "security", "concurrent", "concurrency",
	"microservice", "migration", "redesign", "framework",
	"performance", "audit", "end-to-end",
}

// roiRow is one row of the dispatch calibration table.
type roiRow struct {
	qualityGain float64 // expected quality improvement of multi-voice, percent
	overhead    float64 // estimated cost of multi-voice, percent
}

// roiTable holds the domain calibration. The numbers are measured, not
// tunable; changing them invalidates the ROI gate.
var roiTable = map[Complexity]roiRow{
	ComplexitySimple:   {qualityGain: 14.3, overhead: 183.3},
	ComplexityModerate: {qualityGain: 25.0, overhead: 154.5},
	ComplexityComplex:  {qualityGain: 35.0, overhead: 151.6},
}

// roiThreshold gates multi-voice dispatch: multi only when roi exceeds it.
const roiThreshold = 0.15

// Team-size bounds. The default cap is 3; configuration may raise it to 5
// but never beyond the number of registered voices.
const (
	defaultMaxTeamSize = 3
	hardMaxTeamSize    = 5
)

// nearMissDistance is the maximum optimal-string-alignment distance at which
// a prompt token still counts as a specialization hit, so one-letter typos
// ("securty") do not lose the match.
const nearMissDistance = 1

// keyword bias classes, checked in priority order.
var (
	securityBiasTokens = []string{"security", "vulnerab", "authenticat", "authoriz", "encrypt", "injection", "exploit"}
	analysisBiasTokens = []string{"analy", "debug", "investigate", "architecture", "design", "scalab", "diagnos"}
	qualityBiasTokens  = []string{"implement", "refactor", "test", "maintain", "clean", "review", "build"}
)

// Recaller surfaces prior learnings relevant to a prompt. Selection reasoning
// is annotated with what was recalled; recall failures never fail selection.
type Recaller interface {
	Recall(ctx context.Context, query string, limit int) ([]string, error)
}

// SelectorOption is a functional option for configuring a [Selector].
type SelectorOption func(*Selector)

// WithMaxTeamSize raises or lowers the team-size cap. Values are clamped to
// [1, 5]; the selector never returns more voices than are registered.
func WithMaxTeamSize(n int) SelectorOption {
	return func(s *Selector) {
		if n < 1 {
			n = 1
		}
		if n > hardMaxTeamSize {
			n = hardMaxTeamSize
		}
		s.maxTeamSize = n
	}
}

// WithSimpleKeywords replaces the simple-complexity keyword bag.
// Keywords are matched case-insensitively as substrings of the prompt.
func WithSimpleKeywords(keywords ...string) SelectorOption {
	return func(s *Selector) {
		s.simpleKeywords = append([]string(nil), keywords...)
	}
}

// WithModerateKeywords replaces the moderate-complexity keyword bag.
func WithModerateKeywords(keywords ...string) SelectorOption {
	return func(s *Selector) {
		s.moderateKeywords = append([]string(nil), keywords...)
	}
}

// WithComplexKeywords replaces the complex-complexity keyword bag.
func WithComplexKeywords(keywords ...string) SelectorOption {
	return func(s *Selector) {
		s.complexKeywords = append([]string(nil), keywords...)
	}
}

// WithRecaller attaches a memory recall hook used to annotate reasoning.
func WithRecaller(r Recaller) SelectorOption {
	return func(s *Selector) { s.recaller = r }
}

// Selector maps a task to a voice team. It uses lightweight heuristics
// (keyword bags, the fixed ROI table) rather than model calls so that
// selection stays well under a millisecond and never needs a network.
//
// All methods are safe for concurrent use; the selector itself is stateless
// beyond its immutable configuration.
type Selector struct {
	registry *Registry

	simpleKeywords   []string
	moderateKeywords []string
	complexKeywords  []string
	maxTeamSize      int
	recaller         Recaller
}

// NewSelector creates a Selector over reg with the given options applied on
// top of the defaults.
func NewSelector(reg *Registry, opts ...SelectorOption) *Selector {
	s := &Selector{
		registry:         reg,
		simpleKeywords:   append([]string(nil), defaultSimpleKeywords...),
		moderateKeywords: append([]string(nil), defaultModerateKeywords...),
		complexKeywords:  append([]string(nil), defaultComplexKeywords...),
		maxTeamSize:      defaultMaxTeamSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select decides the team for a task.
//
// The decision proceeds as:
//
//  1. Classify prompt complexity from the keyword bags, word count and
//     multi-requirement connectors.
//  2. Look up the calibrated quality gain and overhead; roi = gain/overhead.
//  3. Single mode when the user asked for it, the prompt is simple, or roi
//     does not exceed the threshold; the single voice is the best
//     specialization match.
//  4. Otherwise compose a team: 2 voices for moderate prompts, 3 (or up to
//     the configured cap) for complex ones, biased by domain keywords and
//     completed from the balanced default of implementation, design and
//     quality leads.
//
// Select fails only when the registry is empty.
func (s *Selector) Select(ctx context.Context, task TaskContext) (Selection, error) {
	available := s.registry.All()
	if len(available) == 0 {
		return Selection{}, ErrNoVoices
	}

	lower := strings.ToLower(task.Prompt)
	complexity, score, words := s.classify(lower)
	row := roiTable[complexity]
	roi := row.qualityGain / row.overhead

	var sel Selection
	switch {
	case task.UserPreference == ModeSingle, complexity == ComplexitySimple, roi <= roiThreshold:
		best := s.bestMatch(lower, task.Category, available)
		sel = Selection{
			Voices:     []types.Voice{best},
			Mode:       ModeSingle,
			Complexity: complexity,
			ROIScore:   1.0,
			Reasoning: fmt.Sprintf(
				"%s prompt (score %d, %d words); multi-voice roi %.2f below threshold %.2f; dispatching %s",
				complexity, score, words, roi, roiThreshold, best.ID),
		}
		if task.UserPreference == ModeSingle {
			sel.Reasoning = fmt.Sprintf(
				"single voice requested; %s prompt (score %d, %d words); dispatching %s",
				complexity, score, words, best.ID)
		}

	default:
		team, bias := s.composeTeam(lower, complexity, available)
		sel = Selection{
			Voices:              team,
			Mode:                ModeMulti,
			Complexity:          complexity,
			ExpectedQualityGain: row.qualityGain,
			EstimatedOverhead:   row.overhead,
			ROIScore:            roi,
			Reasoning: fmt.Sprintf(
				"%s prompt (score %d, %d words); roi %.2f exceeds threshold %.2f; %s team of %d: %s",
				complexity, score, words, roi, roiThreshold, bias, len(team),
				strings.Join(voiceIDs(team), "+")),
		}
	}

	s.annotate(ctx, task, &sel)
	return sel, nil
}

// classify buckets a lowercased prompt and reports the weighted keyword
// score and word count that produced the bucket.
func (s *Selector) classify(lower string) (Complexity, int, int) {
	words := len(strings.Fields(lower))
	score := 3*countMatches(lower, s.complexKeywords) +
		2*countMatches(lower, s.moderateKeywords) +
		countMatches(lower, s.simpleKeywords)

	connector := strings.Contains(lower, connectorAnd) || strings.Contains(lower, connectorComma)

	switch {
	case score >= 5 || words > 50 || connector:
		return ComplexityComplex, score, words
	case score >= 2 || words > 20:
		return ComplexityModerate, score, words
	default:
		return ComplexitySimple, score, words
	}
}

// bestMatch scores every voice against the prompt and category and returns
// the winner. Ties resolve by expertise, then ID, so selection is stable.
func (s *Selector) bestMatch(lower, category string, available []types.Voice) types.Voice {
	tokens := promptTokens(lower)

	best := available[0]
	bestScore := -1
	for _, v := range available {
		score := 0
		for _, spec := range v.Specializations {
			if specializationHit(lower, tokens, strings.ToLower(spec)) {
				score += 2
			}
		}
		if category != "" && strings.EqualFold(category, v.Domain) {
			score += 3
		}

		if score > bestScore ||
			(score == bestScore && v.ExpertiseLevel > best.ExpertiseLevel) ||
			(score == bestScore && v.ExpertiseLevel == best.ExpertiseLevel && v.ID < best.ID) {
			best, bestScore = v, score
		}
	}

	if bestScore > 0 {
		return best
	}

	// Nothing matched: prefer the implementation lead, then raw expertise.
	if leads := s.registry.ByDomain(DomainImplementation); len(leads) > 0 {
		return leads[0]
	}
	top := available[0]
	for _, v := range available[1:] {
		if v.ExpertiseLevel > top.ExpertiseLevel {
			top = v
		}
	}
	return top
}

// composeTeam builds a multi-voice team. The keyword bias picks the leading
// domain pair; complex teams always include the design and implementation
// leads; remaining slots fill from the balanced default (implementation,
// design, quality) and then from raw expertise. The final team is ordered by
// expertise descending.
func (s *Selector) composeTeam(lower string, complexity Complexity, available []types.Voice) ([]types.Voice, string) {
	target := 2
	if complexity == ComplexityComplex {
		target = defaultMaxTeamSize
		if s.maxTeamSize > target {
			target = s.maxTeamSize
		}
	}
	if s.maxTeamSize < target {
		target = s.maxTeamSize
	}
	if len(available) < target {
		target = len(available)
	}

	bias, primary, secondary := s.detectBias(lower)

	var picks []types.Voice
	add := func(v types.Voice, ok bool) {
		if !ok {
			return
		}
		for _, p := range picks {
			if p.ID == v.ID {
				return
			}
		}
		picks = append(picks, v)
	}

	add(s.domainLead(primary))
	if complexity == ComplexityModerate {
		add(s.domainLead(secondary))
	} else {
		add(s.domainLead(DomainDesign))
		add(s.domainLead(DomainImplementation))
		add(s.domainLead(DomainQuality))
	}

	// Top up from raw expertise when domains are missing from the roster.
	byExpertise := append([]types.Voice(nil), available...)
	sort.Slice(byExpertise, func(i, j int) bool {
		if byExpertise[i].ExpertiseLevel != byExpertise[j].ExpertiseLevel {
			return byExpertise[i].ExpertiseLevel > byExpertise[j].ExpertiseLevel
		}
		return byExpertise[i].ID < byExpertise[j].ID
	})
	for _, v := range byExpertise {
		if len(picks) >= target {
			break
		}
		add(v, true)
	}
	if len(picks) > target {
		picks = picks[:target]
	}

	sort.Slice(picks, func(i, j int) bool {
		if picks[i].ExpertiseLevel != picks[j].ExpertiseLevel {
			return picks[i].ExpertiseLevel > picks[j].ExpertiseLevel
		}
		return picks[i].ID < picks[j].ID
	})
	return picks, bias
}

// detectBias maps prompt keywords to the leading domain pair, checked in
// fixed priority order so overlapping prompts resolve deterministically.
func (s *Selector) detectBias(lower string) (name, primary, secondary string) {
	switch {
	case containsAny(lower, securityBiasTokens):
		return "security-biased", DomainSecurity, DomainImplementation
	case containsAny(lower, analysisBiasTokens):
		return "analysis-biased", DomainAnalysis, DomainDesign
	case containsAny(lower, qualityBiasTokens):
		return "implementation-biased", DomainImplementation, DomainQuality
	default:
		return "balanced", DomainImplementation, DomainDesign
	}
}

// domainLead returns the highest-expertise voice of a domain.
func (s *Selector) domainLead(domain string) (types.Voice, bool) {
	leads := s.registry.ByDomain(domain)
	if len(leads) == 0 {
		return types.Voice{}, false
	}
	return leads[0], true
}

// annotate appends recalled prior learnings to the reasoning. Recall outages
// leave the selection untouched.
func (s *Selector) annotate(ctx context.Context, task TaskContext, sel *Selection) {
	if s.recaller == nil {
		return
	}
	hints, err := s.recaller.Recall(ctx, task.Prompt, 3)
	if err != nil || len(hints) == 0 {
		return
	}
	sel.Reasoning += fmt.Sprintf("; %d prior learnings considered", len(hints))
}

// specializationHit reports whether a specialization keyword matches the
// prompt, either as a substring or as a near-miss against one of the prompt
// tokens (one edit away, catching typos).
func specializationHit(lower string, tokens []string, spec string) bool {
	if strings.Contains(lower, spec) {
		return true
	}
	for _, tok := range tokens {
		if matchr.OSA(tok, spec) <= nearMissDistance {
			return true
		}
	}
	return false
}

// promptTokens splits a lowercased prompt into matchable words, dropping
// punctuation and short tokens that would make edit distance meaningless.
func promptTokens(lower string) []string {
	fields := strings.Fields(lower)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) >= 4 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// countMatches reports how many of the keywords appear in lower.
func countMatches(lower string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

// containsAny reports whether lower contains any of the given keywords as a
// substring. lower must already be lowercased.
func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func voiceIDs(voices []types.Voice) []string {
	ids := make([]string, len(voices))
	for i, v := range voices {
		ids[i] = v.ID
	}
	return ids
}
