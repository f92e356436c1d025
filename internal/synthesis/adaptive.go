package synthesis

import (
	"context"
	"fmt"
	"math"

	"github.com/polyvox/polyvox/pkg/types"
)

// confidenceSpread is the confidence standard deviation above which the
// adaptive resolver treats the voices as genuinely disagreeing on certainty
// and lets the most confident win.
const confidenceSpread = 0.3

// adjustmentThreshold is the sub-metric score below which refinement records
// an adjustment.
const adjustmentThreshold = 70.0

// resolveMode maps the adaptive mode to a concrete strategy for this
// response set. Concrete modes pass through unchanged.
//
// Resolution order: categorical conflicts demand dialectical treatment; a
// wide confidence spread rewards the most confident voice; three or more
// broadly agreeing voices can vote on a consensus; two agreeing voices
// simply collaborate.
func (e *Engine) resolveMode(mode Mode, responses []types.AgentResponse, analysis ConflictAnalysis) Mode {
	if mode != ModeAdaptive {
		return mode
	}

	switch {
	case len(analysis.Conflicts) > 0:
		return ModeDialectical
	case confidenceStddev(responses) > confidenceSpread:
		return ModeCompetitive
	case len(responses) >= 3:
		return ModeConsensus
	default:
		return ModeCollaborative
	}
}

// refine retries synthesis while the overall quality sits below the
// threshold, up to cfg.MaxIterations. Each pass records the sub-metrics
// that fell short, then adopts an alternative content assembly only when it
// strictly improves the overall score. The reported strategy stays the
// resolved one; every substitution is visible in the adjustments.
func (e *Engine) refine(ctx context.Context, res *Result, responses []types.AgentResponse, cfg Config) {
	for iter := 0; iter < cfg.MaxIterations && res.Quality.Overall < cfg.QualityThreshold; iter++ {
		if ctx.Err() != nil {
			return
		}

		res.Adjustments = append(res.Adjustments, shortfalls(res.Quality)...)

		content, confidence, name, ok := e.bestAlternative(res, responses)
		if !ok {
			return
		}

		before := res.Quality.Overall
		res.CombinedContent = content
		res.Confidence = confidence
		res.Quality = e.assessQuality(content, responses, confidence)
		res.Adjustments = append(res.Adjustments, Adjustment{
			Metric: "overall",
			Score:  before,
			Action: fmt.Sprintf("raised overall from %.0f to %.0f with the %s assembly",
				before, res.Quality.Overall, name),
		})
	}
}

// refinementActions describes, per quality dimension, what a retry aims to
// improve.
var refinementActions = map[string]string{
	"coherence":    "restructure sentences toward the target length",
	"completeness": "reintroduce dropped points from the source responses",
	"accuracy":     "narrow the output to the stronger responses",
	"innovation":   "surface the alternative approaches the voices proposed",
	"practicality": "add concrete implementation steps",
}

// shortfalls records an adjustment for every sub-metric below the threshold.
func shortfalls(m QualityMetrics) []Adjustment {
	checks := []struct {
		metric string
		score  float64
	}{
		{"coherence", m.Coherence},
		{"completeness", m.Completeness},
		{"accuracy", m.Accuracy},
		{"innovation", m.Innovation},
		{"practicality", m.Practicality},
	}

	var out []Adjustment
	for _, c := range checks {
		if c.score < adjustmentThreshold {
			out = append(out, Adjustment{
				Metric: c.metric,
				Score:  c.score,
				Action: refinementActions[c.metric],
			})
		}
	}
	return out
}

// bestAlternative evaluates the candidate assemblies that tend to lift weak
// dimensions: the collaborative concatenation (maximal completeness) and the
// competitive single answer (usually the most coherent). It returns the best
// candidate only when it strictly beats the current overall score.
func (e *Engine) bestAlternative(res *Result, responses []types.AgentResponse) (string, float64, string, bool) {
	type candidate struct {
		name       string
		content    string
		confidence float64
	}

	collabContent, collabConf := collaborative(responses)
	compContent, compConf := competitive(responses)
	candidates := []candidate{
		{"collaborative", collabContent, collabConf},
		{"competitive", compContent, compConf},
	}

	bestScore := res.Quality.Overall
	var best candidate
	found := false
	for _, c := range candidates {
		if c.content == res.CombinedContent {
			continue
		}
		q := e.assessQuality(c.content, responses, c.confidence)
		if q.Overall > bestScore {
			bestScore = q.Overall
			best = c
			found = true
		}
	}
	if !found {
		return "", 0, "", false
	}
	return best.content, best.confidence, best.name, true
}

// confidenceStddev is the population standard deviation of the confidences.
func confidenceStddev(responses []types.AgentResponse) float64 {
	n := float64(len(responses))
	if n == 0 {
		return 0
	}

	var mean float64
	for _, r := range responses {
		mean += r.Confidence
	}
	mean /= n

	var variance float64
	for _, r := range responses {
		d := r.Confidence - mean
		variance += d * d
	}
	return math.Sqrt(variance / n)
}
