package synthesis

import (
	"strings"

	"github.com/polyvox/polyvox/pkg/types"
)

// coherenceTarget is the average sentence length (in characters) the
// coherence score treats as ideal; the score drops one point per character
// of deviation.
const coherenceTarget = 50.0

// innovationTokens and practicalityTokens are the fixed lexical bags behind
// the corresponding quality dimensions.
var (
	innovationTokens = []string{
		"novel", "innovative", "creative", "alternative", "experiment",
		"unconventional", "original", "rethink",
	}
	practicalityTokens = []string{
		"practical", "implementation", "concrete", "step", "example",
		"usage", "maintain", "straightforward", "apply",
	}
)

// lexicalHitValue scales bag hits into [0,100]: four distinct hits saturate
// the dimension.
const lexicalHitValue = 25.0

// assessQuality scores the synthesized content against the source responses.
func (e *Engine) assessQuality(content string, responses []types.AgentResponse, confidence float64) QualityMetrics {
	m := QualityMetrics{
		Coherence:    coherence(content),
		Completeness: completeness(content, responses),
		Accuracy:     clamp100(confidence * 100),
		Innovation:   lexicalScore(content, innovationTokens),
		Practicality: lexicalScore(content, practicalityTokens),
	}
	m.Overall = (m.Coherence + m.Completeness + m.Accuracy + m.Innovation + m.Practicality) / 5
	return m
}

// coherence scores how close the average sentence length sits to the target.
func coherence(content string) float64 {
	ss := sentences(content, 0)
	if len(ss) == 0 {
		return 0
	}
	var total int
	for _, s := range ss {
		total += len(s)
	}
	avg := float64(total) / float64(len(ss))
	diff := avg - coherenceTarget
	if diff < 0 {
		diff = -diff
	}
	return clamp100(100 - diff)
}

// completeness is the fraction of the responses' combined vocabulary that
// survived into the output.
func completeness(content string, responses []types.AgentResponse) float64 {
	source := make(map[string]bool)
	for _, r := range responses {
		for w := range wordSet(r.Content) {
			source[w] = true
		}
	}
	if len(source) == 0 {
		return 100
	}

	out := wordSet(content)
	kept := 0
	for w := range source {
		if out[w] {
			kept++
		}
	}
	return clamp100(float64(kept) / float64(len(source)) * 100)
}

// lexicalScore counts distinct bag tokens present in the content.
func lexicalScore(content string, bag []string) float64 {
	lower := strings.ToLower(content)
	hits := 0
	for _, tok := range bag {
		if strings.Contains(lower, tok) {
			hits++
		}
	}
	return clamp100(float64(hits) * lexicalHitValue)
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
