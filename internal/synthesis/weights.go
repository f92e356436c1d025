package synthesis

import (
	"fmt"

	"github.com/polyvox/polyvox/pkg/types"
)

// defaultExpertise is the calibrated voiceID→expertise table for the
// expertise-based weighting strategy.
func defaultExpertise() map[string]float64 {
	return map[string]float64{
		"security":  0.9,
		"architect": 0.85,
		"developer": 0.8,
		"analyzer":  0.7,
	}
}

// defaultExpertiseWeight applies to voice IDs absent from the table.
const defaultExpertiseWeight = 0.5

// tokenBaseline is the token count at which performance-based weighting is
// neutral: fewer tokens weigh more, with a floor so verbose voices never
// vanish entirely.
const (
	tokenBaseline          = 50.0
	performanceWeightFloor = 0.1
)

// computeWeights derives one normalized weight per response under strategy.
// The returned weights sum to 1.
func (e *Engine) computeWeights(responses []types.AgentResponse, strategy WeightingStrategy) ([]types.VoiceWeight, error) {
	switch strategy {
	case WeightConfidence:
		return normalize(e.confidenceWeights(responses)), nil
	case WeightExpertise:
		return normalize(e.expertiseWeights(responses)), nil
	case WeightPerformance:
		return normalize(e.performanceWeights(responses)), nil
	case WeightBalanced:
		return normalize(e.balancedWeights(responses)), nil
	default:
		return nil, fmt.Errorf("unknown weighting strategy %q", strategy)
	}
}

func (e *Engine) confidenceWeights(responses []types.AgentResponse) []types.VoiceWeight {
	out := make([]types.VoiceWeight, len(responses))
	for i, r := range responses {
		out[i] = types.VoiceWeight{
			VoiceID: r.VoiceID,
			Weight:  r.Confidence,
			Reason:  fmt.Sprintf("confidence %.2f", r.Confidence),
		}
	}
	return out
}

func (e *Engine) expertiseWeights(responses []types.AgentResponse) []types.VoiceWeight {
	out := make([]types.VoiceWeight, len(responses))
	for i, r := range responses {
		w, ok := e.expertise[r.VoiceID]
		if !ok {
			w = defaultExpertiseWeight
		}
		out[i] = types.VoiceWeight{
			VoiceID: r.VoiceID,
			Weight:  w,
			Reason:  fmt.Sprintf("expertise %.2f", w),
		}
	}
	return out
}

// performanceWeights favour concise responses: weight ∝ max(floor,
// baseline/tokens). Responses without a token count weigh the neutral 1.0.
func (e *Engine) performanceWeights(responses []types.AgentResponse) []types.VoiceWeight {
	out := make([]types.VoiceWeight, len(responses))
	for i, r := range responses {
		w := 1.0
		if r.TokensUsed > 0 {
			w = tokenBaseline / float64(r.TokensUsed)
			if w < performanceWeightFloor {
				w = performanceWeightFloor
			}
		}
		out[i] = types.VoiceWeight{
			VoiceID: r.VoiceID,
			Weight:  w,
			Reason:  fmt.Sprintf("performance over %d tokens", r.TokensUsed),
		}
	}
	return out
}

// balancedWeights average the confidence and expertise derivations per voice.
func (e *Engine) balancedWeights(responses []types.AgentResponse) []types.VoiceWeight {
	conf := normalize(e.confidenceWeights(responses))
	expr := normalize(e.expertiseWeights(responses))

	out := make([]types.VoiceWeight, len(responses))
	for i := range responses {
		out[i] = types.VoiceWeight{
			VoiceID: responses[i].VoiceID,
			Weight:  (conf[i].Weight + expr[i].Weight) / 2,
			Reason:  "balanced mean of confidence and expertise",
		}
	}
	return out
}

// normalize scales weights so they sum to 1. A degenerate all-zero set
// becomes uniform, so every voice keeps a say. Normalization is idempotent.
func normalize(weights []types.VoiceWeight) []types.VoiceWeight {
	var sum float64
	for _, w := range weights {
		sum += w.Weight
	}
	if sum == 0 {
		uniform := 1.0 / float64(len(weights))
		for i := range weights {
			weights[i].Weight = uniform
		}
		return weights
	}
	for i := range weights {
		weights[i].Weight /= sum
	}
	return weights
}
