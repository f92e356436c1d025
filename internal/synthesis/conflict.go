package synthesis

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/polyvox/polyvox/pkg/types"
)

// defaultDomainTokens is the fixed vocabulary whose shared use boosts
// pairwise agreement: two responses discussing the same technical ground
// agree more than raw word overlap suggests.
var defaultDomainTokens = []string{
	"security", "performance", "architecture", "design", "database",
	"api", "cache", "testing", "authentication", "scalability",
	"concurrency", "deployment",
}

// Domain-boost calibration: each shared domain token adds boostPerToken to
// the pairwise similarity, up to boostCap.
const (
	boostPerToken = 0.05
	boostCap      = 0.15
)

// minSimilarityWord is the minimum word length considered by the lexical
// similarity measure; shorter words are stop-word noise.
const minSimilarityWord = 2

// Severity bands over the pairwise similarity of the conflicting responses:
// the less the two sides share, the harder the disagreement.
const (
	severityHighBelow   = 0.15
	severityMediumBelow = 0.55
)

// paradigmConflict is the built-in categorical conflict between
// object-oriented and functional positions.
func paradigmConflict() categoricalPair {
	return categoricalPair{
		topic: "programming paradigm",
		a:     []string{"object-oriented", "oop"},
		b:     []string{"functional programming", "functional"},
	}
}

// analyzeConflicts computes the agreement level and categorical conflicts of
// a response set.
func (e *Engine) analyzeConflicts(responses []types.AgentResponse, resolution ConflictResolution) ConflictAnalysis {
	analysis := ConflictAnalysis{
		AgreementLevel:     e.agreementLevel(responses),
		ResolutionStrategy: resolution,
	}

	for _, pair := range e.categorical {
		c, ok := e.detectCategorical(responses, pair)
		if !ok {
			continue
		}
		analysis.Conflicts = append(analysis.Conflicts, c)
		analysis.ConflictingTopics = append(analysis.ConflictingTopics, c.Topic)
	}
	return analysis
}

// agreementLevel is the mean pairwise similarity. A single response agrees
// with itself completely.
func (e *Engine) agreementLevel(responses []types.AgentResponse) float64 {
	if len(responses) < 2 {
		return 1.0
	}

	var sum float64
	var pairs int
	for i := 0; i < len(responses); i++ {
		for j := i + 1; j < len(responses); j++ {
			sum += e.similarity(responses[i].Content, responses[j].Content)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// similarity measures lexical agreement between two texts: Jaccard overlap
// of their significant words, boosted when both sides use the technical
// domain vocabulary. The result stays in [0,1].
func (e *Engine) similarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	sim := jaccard(setA, setB)

	var boost float64
	for _, tok := range e.domainTokens {
		if setA[tok] && setB[tok] {
			boost += boostPerToken
		}
	}
	if boost > boostCap {
		boost = boostCap
	}

	sim += boost
	if sim > 1 {
		sim = 1
	}
	return sim
}

// detectCategorical reports a conflict when one response takes side A of the
// pair and a different response takes side B.
func (e *Engine) detectCategorical(responses []types.AgentResponse, pair categoricalPair) (Conflict, bool) {
	var aSide, bSide []int
	for i, r := range responses {
		lower := strings.ToLower(r.Content)
		if containsAnyToken(lower, pair.a) {
			aSide = append(aSide, i)
		}
		if containsAnyToken(lower, pair.b) {
			bSide = append(bSide, i)
		}
	}

	for _, ai := range aSide {
		for _, bi := range bSide {
			if ai == bi {
				continue
			}
			a, b := responses[ai], responses[bi]
			return Conflict{
				ID:       uuid.NewString(),
				Topic:    pair.topic,
				VoiceAID: a.VoiceID,
				VoiceBID: b.VoiceID,
				Severity: severityFor(e.similarity(a.Content, b.Content)),
				Description: fmt.Sprintf("%s and %s take opposing positions on %s",
					a.VoiceID, b.VoiceID, pair.topic),
			}, true
		}
	}
	return Conflict{}, false
}

// severityFor grades a conflict by how little the two sides share.
func severityFor(similarity float64) Severity {
	switch {
	case similarity < severityHighBelow:
		return SeverityHigh
	case similarity < severityMediumBelow:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// wordSet lowercases text and collects its words longer than the noise
// threshold.
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > minSimilarityWord {
			set[w] = true
		}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b|; two empty sets count as identical.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1.0
	}
	return float64(inter) / float64(union)
}

// containsAnyToken reports whether lower contains any of the tokens.
// lower must already be lowercased.
func containsAnyToken(lower string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
