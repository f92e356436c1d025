package synthesis_test

import (
	"context"
	"math"
	"testing"

	"github.com/polyvox/polyvox/internal/synthesis"
	"github.com/polyvox/polyvox/pkg/types"
)

// TestAdaptive_ModeResolution pins the adaptive resolver: conflicts demand
// dialectical treatment, a wide confidence spread lets the most confident
// voice win, three agreeing voices vote, two collaborate.
func TestAdaptive_ModeResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		responses []types.AgentResponse
		want      synthesis.Mode
	}{
		{
			name:      "conflict resolves to dialectical",
			responses: paradigmResponses(),
			want:      synthesis.ModeDialectical,
		},
		{
			name: "wide confidence spread resolves to competitive",
			responses: []types.AgentResponse{
				resp("developer", "absolutely certain about this fix", 0.9, 30),
				resp("explorer", "not sure this even compiles", 0.1, 30),
			},
			want: synthesis.ModeCompetitive,
		},
		{
			name: "three agreeing voices resolve to consensus",
			responses: []types.AgentResponse{
				resp("developer", "Split the handler into two stages.", 0.7, 30),
				resp("maintainer", "Keep the config surface small.", 0.7, 30),
				resp("analyzer", "Measure the queue depth before tuning.", 0.7, 30),
			},
			want: synthesis.ModeConsensus,
		},
		{
			name: "two agreeing voices resolve to collaborative",
			responses: []types.AgentResponse{
				resp("developer", "Extract the retry helper.", 0.7, 30),
				resp("maintainer", "Add a changelog entry for it.", 0.75, 30),
			},
			want: synthesis.ModeCollaborative,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(t)

			res, err := e.Synthesize(context.Background(), tc.responses, synthesis.Config{
				Mode: synthesis.ModeAdaptive,
			})
			if err != nil {
				t.Fatalf("Synthesize: unexpected error: %v", err)
			}
			if res.Strategy != tc.want {
				t.Errorf("Strategy = %s, want %s", res.Strategy, tc.want)
			}
		})
	}
}

// TestAdaptive_ConcreteModeIsNotHijacked verifies that an explicitly chosen
// mode survives even when conflicts are detected; the conflicts are still
// reported.
func TestAdaptive_ConcreteModeIsNotHijacked(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), paradigmResponses(), synthesis.Config{
		Mode: synthesis.ModeCollaborative,
	})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	if res.Strategy != synthesis.ModeCollaborative {
		t.Errorf("Strategy = %s, want the explicit collaborative", res.Strategy)
	}
	if len(res.Conflicts.Conflicts) != 1 {
		t.Errorf("Conflicts = %d, want 1 reported regardless of mode", len(res.Conflicts.Conflicts))
	}
}

// TestAdaptive_RefinementAdoptsBetterAssembly drives a competitive result
// that the collaborative assembly strictly improves, and checks that the
// substitution is recorded without changing the reported strategy.
func TestAdaptive_RefinementAdoptsBetterAssembly(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	responses := []types.AgentResponse{
		resp("developer", "Ship the cache layer first.", 0.9, 20),
		resp("maintainer", "Document the eviction policy with concrete usage examples and a practical step list.", 0.5, 40),
	}

	res, err := e.Synthesize(context.Background(), responses, synthesis.Config{
		Mode:             synthesis.ModeCompetitive,
		EnableAdaptive:   true,
		QualityThreshold: 90,
		MaxIterations:    3,
	})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	if res.Strategy != synthesis.ModeCompetitive {
		t.Errorf("Strategy = %s, want competitive even after substitution", res.Strategy)
	}
	want := "Ship the cache layer first.\n\nDocument the eviction policy with concrete usage examples and a practical step list."
	if res.CombinedContent != want {
		t.Errorf("CombinedContent = %q, want the collaborative assembly", res.CombinedContent)
	}
	if math.Abs(res.Confidence-0.7) > 1e-9 {
		t.Errorf("Confidence = %v, want the collaborative mean 0.7", res.Confidence)
	}

	overalls := 0
	for _, a := range res.Adjustments {
		if a.Metric == "overall" {
			overalls++
			if a.Action == "" {
				t.Error("substitution adjustment has no action")
			}
		}
	}
	if overalls != 1 {
		t.Errorf("recorded %d substitutions, want exactly 1", overalls)
	}
}

// TestAdaptive_RefinementStopsWhenNothingBetter verifies the single-pass
// exit: with only one response no alternative assembly exists, so exactly
// one batch of shortfalls is recorded.
func TestAdaptive_RefinementStopsWhenNothingBetter(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("developer", "Plain answer.", 0.4, 10),
	}, synthesis.Config{
		EnableAdaptive:   true,
		QualityThreshold: 99,
		MaxIterations:    3,
	})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	// Below 70 here: coherence 63, accuracy 40, innovation 0, practicality 0.
	// Completeness is 100 on a passthrough.
	if len(res.Adjustments) != 4 {
		t.Fatalf("Adjustments = %d, want one batch of 4 shortfalls", len(res.Adjustments))
	}
	for _, a := range res.Adjustments {
		if a.Metric == "overall" {
			t.Errorf("unexpected substitution adjustment: %+v", a)
		}
		if a.Metric == "completeness" {
			t.Errorf("completeness recorded as a shortfall on a passthrough")
		}
	}
	if res.CombinedContent != "Plain answer." {
		t.Errorf("CombinedContent = %q, want unchanged", res.CombinedContent)
	}
}
