package promptctx_test

import (
	"strings"
	"testing"

	"github.com/polyvox/polyvox/internal/promptctx"
	"github.com/polyvox/polyvox/pkg/memory"
)

// TestFormatPreamble_Nil verifies the nil-context fallback.
func TestFormatPreamble_Nil(t *testing.T) {
	if got := promptctx.FormatPreamble(nil, 100); got != "" {
		t.Errorf("FormatPreamble(nil) = %q, want empty", got)
	}
}

// TestFormatPreamble_Empty verifies that a context with no content renders
// as the empty string, with no orphan headers.
func TestFormatPreamble_Empty(t *testing.T) {
	if got := promptctx.FormatPreamble(&promptctx.Context{}, 100); got != "" {
		t.Errorf("FormatPreamble(empty) = %q, want empty", got)
	}
}

// TestFormatPreamble_SectionOrder verifies all three sections render in
// priority order: memories, patterns, track record.
func TestFormatPreamble_SectionOrder(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "build_tool", Value: "make", Confidence: 0.9},
		},
		Patterns: []memory.PatternCount{
			{PatternType: "intent_frequency", PatternData: "refactor", Frequency: 6},
		},
		TotalLearnings: 14,
		SuccessRate:    0.786,
	}

	out := promptctx.FormatPreamble(c, 0)

	memIdx := strings.Index(out, "## Relevant memories")
	patIdx := strings.Index(out, "## Known patterns")
	recIdx := strings.Index(out, "## Track record")
	if memIdx < 0 || patIdx < 0 || recIdx < 0 {
		t.Fatalf("missing section header(s):\n%s", out)
	}
	if !(memIdx < patIdx && patIdx < recIdx) {
		t.Errorf("sections out of order (memories %d, patterns %d, record %d)", memIdx, patIdx, recIdx)
	}

	if !strings.Contains(out, "- build_tool: make") {
		t.Errorf("memory line missing:\n%s", out)
	}
	if !strings.Contains(out, "- refactor (intent_frequency) seen 6 times") {
		t.Errorf("pattern line missing:\n%s", out)
	}
	if !strings.Contains(out, "14 sessions recorded, 79% successful.") {
		t.Errorf("track record line missing:\n%s", out)
	}
}

// TestFormatPreamble_OmitsEmptySections verifies that sections without
// content do not render headers.
func TestFormatPreamble_OmitsEmptySections(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "build_tool", Value: "make"},
		},
	}

	out := promptctx.FormatPreamble(c, 0)

	if !strings.Contains(out, "## Relevant memories") {
		t.Errorf("memories section missing:\n%s", out)
	}
	if strings.Contains(out, "## Known patterns") {
		t.Errorf("patterns header rendered with no patterns:\n%s", out)
	}
	if strings.Contains(out, "## Track record") {
		t.Errorf("track record rendered with no learnings:\n%s", out)
	}
}

// TestFormatPreamble_BudgetTruncates verifies that a small budget drops
// trailing lines and whole sections rather than overflowing.
func TestFormatPreamble_BudgetTruncates(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "alpha", Value: strings.Repeat("x", 60)},
			{Key: "beta", Value: strings.Repeat("y", 60)},
		},
		Patterns: []memory.PatternCount{
			{PatternType: "intent_frequency", PatternData: "refactor", Frequency: 6},
		},
	}

	// Header (~5 tokens) + first line (~18 tokens) fit in 25; the second
	// memory and the patterns section do not.
	out := promptctx.FormatPreamble(c, 25)

	if !strings.Contains(out, "- alpha:") {
		t.Errorf("first memory line missing:\n%s", out)
	}
	if strings.Contains(out, "- beta:") {
		t.Errorf("second memory line rendered past the budget:\n%s", out)
	}
	if strings.Contains(out, "## Known patterns") {
		t.Errorf("patterns section rendered past the budget:\n%s", out)
	}
}

// TestFormatPreamble_TightBudgetRendersNothing verifies that a budget too
// small for even one header+line yields an empty block, never an orphan
// header.
func TestFormatPreamble_TightBudgetRendersNothing(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "alpha", Value: strings.Repeat("x", 100)},
		},
	}

	if got := promptctx.FormatPreamble(c, 5); got != "" {
		t.Errorf("FormatPreamble(tight budget) = %q, want empty", got)
	}
}

// TestFormatPreamble_ZeroBudgetUsesDefault verifies the default budget is
// applied when the caller passes 0.
func TestFormatPreamble_ZeroBudgetUsesDefault(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{{Key: "k", Value: "v"}},
	}

	if got := promptctx.FormatPreamble(c, 0); got == "" {
		t.Error("FormatPreamble(budget 0) = empty, want rendered content")
	}
}

// TestFormatPreamble_ValueRendering verifies non-string values render as
// compact JSON.
func TestFormatPreamble_ValueRendering(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "plain", Value: "a string"},
			{Key: "structured", Value: map[string]string{"tool": "make"}},
			{Key: "numeric", Value: 42},
		},
	}

	out := promptctx.FormatPreamble(c, 0)

	if !strings.Contains(out, "- plain: a string") {
		t.Errorf("string value mangled:\n%s", out)
	}
	if !strings.Contains(out, `- structured: {"tool":"make"}`) {
		t.Errorf("map value not JSON:\n%s", out)
	}
	if !strings.Contains(out, "- numeric: 42") {
		t.Errorf("numeric value mangled:\n%s", out)
	}
}

// TestFormatPreamble_PrefetchedDeduplicated verifies prefetched memories
// merge into the memories section without duplicating keys.
func TestFormatPreamble_PrefetchedDeduplicated(t *testing.T) {
	c := &promptctx.Context{
		Memories: []memory.RelevantMemory{
			{Key: "build_tool", Value: "make"},
		},
		Prefetched: []memory.Memory{
			{ID: "m1", Key: "build_tool", Value: "stale duplicate"},
			{ID: "m2", Key: "test_runner", Value: "go test ./..."},
		},
	}

	out := promptctx.FormatPreamble(c, 0)

	if got := strings.Count(out, "- build_tool:"); got != 1 {
		t.Errorf("build_tool rendered %d times, want 1:\n%s", got, out)
	}
	if strings.Contains(out, "stale duplicate") {
		t.Errorf("prefetched duplicate overrode the relevance result:\n%s", out)
	}
	if !strings.Contains(out, "- test_runner: go test ./...") {
		t.Errorf("unique prefetched memory missing:\n%s", out)
	}
}
