package synthesis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polyvox/polyvox/pkg/types"
)

const (
	// perspectiveLimit truncates each voice's perspective in the dialectical
	// document.
	perspectiveLimit = 200

	// consensusSimilarity is the sentence-level similarity above which two
	// sentences count as the same statement.
	consensusSimilarity = 0.7

	// minConsensusSentence filters out fragments before consensus voting.
	minConsensusSentence = 10
)

// runStrategy dispatches to the resolved synthesis strategy. weights[i]
// corresponds to responses[i].
func (e *Engine) runStrategy(mode Mode, responses []types.AgentResponse, weights []types.VoiceWeight, analysis ConflictAnalysis) (string, float64, error) {
	switch mode {
	case ModeCompetitive:
		content, confidence := competitive(responses)
		return content, confidence, nil
	case ModeCollaborative:
		content, confidence := collaborative(responses)
		return content, confidence, nil
	case ModeConsensus:
		content := consensus(responses)
		if content == "" {
			content, _ = competitive(responses)
		}
		return content, analysis.AgreementLevel, nil
	case ModeHierarchical:
		content, confidence := hierarchical(responses, weights)
		return content, confidence, nil
	case ModeDialectical:
		return e.dialectical(responses, weights, analysis), analysis.AgreementLevel, nil
	default:
		return "", 0, fmt.Errorf("unknown synthesis mode %q", mode)
	}
}

// competitive picks the single most confident response.
func competitive(responses []types.AgentResponse) (string, float64) {
	best := responses[0]
	for _, r := range responses[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best.Content, best.Confidence
}

// collaborative concatenates all responses, most confident first, separated
// by blank lines. Confidence is the plain mean.
func collaborative(responses []types.AgentResponse) (string, float64) {
	ordered := make([]types.AgentResponse, len(responses))
	copy(ordered, responses)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Confidence > ordered[j].Confidence
	})

	parts := make([]string, len(ordered))
	var sum float64
	for i, r := range ordered {
		parts[i] = r.Content
		sum += r.Confidence
	}
	return strings.Join(parts, "\n\n"), sum / float64(len(ordered))
}

// consensus keeps only the statements a majority of voices make. A sentence
// survives when at least ⌈n/2⌉ responses contain a sentence at or above the
// similarity bar. Returns "" when nothing is shared.
func consensus(responses []types.AgentResponse) string {
	n := len(responses)
	needed := (n + 1) / 2

	perResponse := make([][]string, n)
	for i, r := range responses {
		perResponse[i] = sentences(r.Content, minConsensusSentence)
	}

	var shared []string
	for i := range perResponse {
		for _, s := range perResponse[i] {
			count := 0
			for j := range perResponse {
				if containsSimilarSentence(perResponse[j], s) {
					count++
				}
			}
			if count < needed {
				continue
			}
			// Keep one representative per shared statement.
			if !containsSimilarSentence(shared, s) {
				shared = append(shared, s)
			}
		}
	}
	return strings.Join(shared, "\n")
}

// hierarchical concatenates responses in weight order; confidence is the
// weight-averaged confidence.
func hierarchical(responses []types.AgentResponse, weights []types.VoiceWeight) (string, float64) {
	order := make([]int, len(responses))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return weights[order[a]].Weight > weights[order[b]].Weight
	})

	parts := make([]string, len(order))
	var confidence float64
	for rank, idx := range order {
		parts[rank] = responses[idx].Content
		confidence += weights[idx].Weight * responses[idx].Confidence
	}
	return strings.Join(parts, "\n\n"), confidence
}

// dialectical renders the structured thesis/antithesis/synthesis document:
// every perspective summarised, the tensions named, and a closing synthesis
// that says whose guidance wins where positions diverge.
func (e *Engine) dialectical(responses []types.AgentResponse, weights []types.VoiceWeight, analysis ConflictAnalysis) string {
	var doc strings.Builder
	doc.WriteString("## Dialectical Synthesis\n\n### Perspectives\n")
	for _, r := range responses {
		doc.WriteString(fmt.Sprintf("\n**%s**: %s\n", r.VoiceID, truncate(r.Content, perspectiveLimit)))
	}

	if len(analysis.Conflicts) > 0 {
		doc.WriteString("\n### Tensions\n\n")
		for _, c := range analysis.Conflicts {
			doc.WriteString(fmt.Sprintf("- %s (severity %s)\n", c.Description, c.Severity))
		}
	}

	top := weights[0]
	for _, w := range weights[1:] {
		if w.Weight > top.Weight {
			top = w
		}
	}

	doc.WriteString(fmt.Sprintf(
		"\n### Synthesis\n\nReconciling %d perspectives at an agreement level of %.2f: "+
			"where positions diverge, the %s view carries the most weight; "+
			"complementary points from the remaining voices are preserved above.\n",
		len(responses), analysis.AgreementLevel, top.VoiceID))
	return doc.String()
}

// sentences splits text at sentence boundaries and keeps sentences longer
// than minLen characters.
func sentences(text string, minLen int) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			// Boundary only when followed by whitespace or end of text.
			if i+1 < len(text) {
				switch text[i+1] {
				case ' ', '\n', '\r', '\t':
				default:
					continue
				}
			}
			s := strings.TrimSpace(text[start : i+1])
			if len(s) > minLen {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); len(s) > minLen {
		out = append(out, s)
	}
	return out
}

// containsSimilarSentence reports whether any candidate matches s at or
// above the consensus similarity bar.
func containsSimilarSentence(candidates []string, s string) bool {
	set := wordSet(s)
	for _, c := range candidates {
		if jaccard(wordSet(c), set) > consensusSimilarity {
			return true
		}
	}
	return false
}

// truncate bounds s to limit runes, marking the cut.
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
