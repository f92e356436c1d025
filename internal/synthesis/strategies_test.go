package synthesis_test

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/polyvox/polyvox/internal/synthesis"
	"github.com/polyvox/polyvox/pkg/types"
)

func TestStrategies_CompetitivePicksHighestConfidence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("developer", "middling answer", 0.6, 40),
		resp("security", "strongest answer", 0.9, 40),
		resp("maintainer", "decent answer", 0.7, 40),
	}, synthesis.Config{Mode: synthesis.ModeCompetitive})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	if res.CombinedContent != "strongest answer" {
		t.Errorf("CombinedContent = %q, want the most confident response", res.CombinedContent)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", res.Confidence)
	}
}

func TestStrategies_CompetitiveTieKeepsFirst(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("developer", "first at the bar", 0.8, 40),
		resp("maintainer", "second at the bar", 0.8, 40),
	}, synthesis.Config{Mode: synthesis.ModeCompetitive})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}
	if res.CombinedContent != "first at the bar" {
		t.Errorf("CombinedContent = %q, want the earlier response on a tie", res.CombinedContent)
	}
}

func TestStrategies_CollaborativeOrdersByConfidence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("maintainer", "supporting detail", 0.5, 40),
		resp("developer", "leading recommendation", 0.9, 40),
	}, synthesis.Config{Mode: synthesis.ModeCollaborative})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	want := "leading recommendation\n\nsupporting detail"
	if res.CombinedContent != want {
		t.Errorf("CombinedContent = %q, want %q", res.CombinedContent, want)
	}
	if math.Abs(res.Confidence-0.7) > 1e-9 {
		t.Errorf("Confidence = %v, want the mean 0.7", res.Confidence)
	}
}

// TestStrategies_SingleResponsePassthrough pins the boundary for the
// rank-based strategies: one response comes back untouched.
func TestStrategies_SingleResponsePassthrough(t *testing.T) {
	t.Parallel()

	modes := []synthesis.Mode{
		synthesis.ModeCompetitive,
		synthesis.ModeHierarchical,
	}
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(t)

			res, err := e.Synthesize(context.Background(), []types.AgentResponse{
				resp("developer", "the only answer on offer", 0.8, 40),
			}, synthesis.Config{Mode: mode})
			if err != nil {
				t.Fatalf("Synthesize: unexpected error: %v", err)
			}
			if res.CombinedContent != "the only answer on offer" {
				t.Errorf("CombinedContent = %q, want the response unchanged", res.CombinedContent)
			}
			if math.Abs(res.Confidence-0.8) > 1e-9 {
				t.Errorf("Confidence = %v, want 0.8", res.Confidence)
			}
			if res.Conflicts.AgreementLevel != 1.0 {
				t.Errorf("AgreementLevel = %v, want 1.0", res.Conflicts.AgreementLevel)
			}
		})
	}
}

// TestStrategies_ConsensusKeepsMajorityStatements verifies the majority
// vote: the statement all voices make survives, each voice's solo point is
// dropped.
func TestStrategies_ConsensusKeepsMajorityStatements(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	shared := "Use dependency injection for the storage layer."
	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("developer", shared+" Profile the allocator before optimising anything.", 0.8, 60),
		resp("maintainer", shared+" Document the upgrade path for operators.", 0.7, 60),
		resp("analyzer", shared+" Trace the request flow through the coordinator first.", 0.75, 60),
	}, synthesis.Config{Mode: synthesis.ModeConsensus})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	if res.CombinedContent != shared {
		t.Errorf("CombinedContent = %q, want only the shared statement %q", res.CombinedContent, shared)
	}
	for _, solo := range []string{"Profile the allocator", "Document the upgrade", "Trace the request"} {
		if strings.Contains(res.CombinedContent, solo) {
			t.Errorf("CombinedContent kept minority statement %q", solo)
		}
	}
	if res.Confidence != res.Conflicts.AgreementLevel {
		t.Errorf("Confidence = %v, want the agreement level %v", res.Confidence, res.Conflicts.AgreementLevel)
	}
}

// TestStrategies_ConsensusFallsBackToBest covers the empty-consensus case:
// when no statement clears the bar the most confident response stands in.
func TestStrategies_ConsensusFallsBackToBest(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("developer", "Yes.", 0.9, 5),
		resp("maintainer", "No.", 0.4, 5),
	}, synthesis.Config{Mode: synthesis.ModeConsensus})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}
	if res.CombinedContent != "Yes." {
		t.Errorf("CombinedContent = %q, want the most confident response", res.CombinedContent)
	}
}

// TestStrategies_HierarchicalFollowsWeights verifies that expertise
// outranks confidence in the hierarchical ordering and that confidence is
// the weighted mean.
func TestStrategies_HierarchicalFollowsWeights(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("explorer", "eager but unproven idea", 0.9, 40),
		resp("security", "measured hardening guidance", 0.6, 40),
	}, synthesis.Config{
		Mode:      synthesis.ModeHierarchical,
		Weighting: synthesis.WeightExpertise,
	})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	want := "measured hardening guidance\n\neager but unproven idea"
	if res.CombinedContent != want {
		t.Errorf("CombinedContent = %q, want the security view first", res.CombinedContent)
	}
	wantConfidence := (0.5/1.4)*0.9 + (0.9/1.4)*0.6
	if math.Abs(res.Confidence-wantConfidence) > 1e-9 {
		t.Errorf("Confidence = %v, want the weighted mean %v", res.Confidence, wantConfidence)
	}
}

// TestStrategies_DialecticalDocument checks the document layout without
// conflicts: perspectives and synthesis sections, no tensions, long
// perspectives truncated, the heaviest voice named.
func TestStrategies_DialecticalDocument(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)

	long := strings.Repeat("harden every entry point before shipping. ", 8)
	res, err := e.Synthesize(context.Background(), []types.AgentResponse{
		resp("security", long, 0.9, 40),
		resp("explorer", "try the new parser library", 0.5, 40),
	}, synthesis.Config{Mode: synthesis.ModeDialectical})
	if err != nil {
		t.Fatalf("Synthesize: unexpected error: %v", err)
	}

	doc := res.CombinedContent
	if !strings.HasPrefix(doc, "## Dialectical Synthesis") {
		t.Errorf("document starts %q, want the dialectical header", firstLine(doc))
	}
	if !strings.Contains(doc, "### Perspectives") {
		t.Error("document missing the perspectives section")
	}
	if strings.Contains(doc, "### Tensions") {
		t.Error("document has a tensions section with no conflicts detected")
	}
	if !strings.Contains(doc, "### Synthesis") {
		t.Error("document missing the synthesis section")
	}

	wantCut := string([]rune(long)[:200]) + "..."
	if !strings.Contains(doc, wantCut) {
		t.Error("long perspective not truncated at the limit")
	}
	if strings.Contains(doc, long) {
		t.Error("long perspective included in full")
	}
	if !strings.Contains(doc, "the security view carries the most weight") {
		t.Error("synthesis section does not name the heaviest voice")
	}
}
