package promptctx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polyvox/polyvox/pkg/memory"
)

// DefaultTokenBudget bounds the rendered preamble when no explicit budget is
// configured. Roughly half a page — enough for the memories that matter
// without crowding out the task itself.
const DefaultTokenBudget = 600

// charsPerToken is the heuristic ratio used for token estimation, matching
// the estimate the backends apply to outbound messages.
const charsPerToken = 4

// FormatPreamble renders a [Context] into a prompt block bounded by
// tokenBudget (estimated tokens; <= 0 applies [DefaultTokenBudget]).
//
// Sections render in priority order — relevant memories, known patterns,
// track record — and rendering is cut off once the budget is spent. A
// section header is emitted only when at least its first line also fits.
// Empty sections are omitted entirely; an empty context renders as "".
//
// The formatter is pure: it performs no I/O, has no side effects, and is
// safe for concurrent use.
func FormatPreamble(c *Context, tokenBudget int) string {
	if c == nil {
		return ""
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}

	var sb strings.Builder
	remaining := tokenBudget

	writeSection := func(header string, lines []string) {
		if len(lines) == 0 {
			return
		}
		if sb.Len() > 0 {
			header = "\n\n" + header
		}
		if estimateTokens(header)+estimateTokens("\n"+lines[0]) > remaining {
			return
		}
		sb.WriteString(header)
		remaining -= estimateTokens(header)
		for _, line := range lines {
			text := "\n" + line
			cost := estimateTokens(text)
			if cost > remaining {
				break
			}
			sb.WriteString(text)
			remaining -= cost
		}
	}

	writeSection("## Relevant memories", memoryLines(c))
	writeSection("## Known patterns", patternLines(c.Patterns))
	writeSection("## Track record", trackRecordLines(c))

	return sb.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// memoryLines renders the relevant memories followed by any prefetched
// memories not already present, deduplicated by key.
func memoryLines(c *Context) []string {
	seen := make(map[string]bool, len(c.Memories))
	lines := make([]string, 0, len(c.Memories)+len(c.Prefetched))

	for _, m := range c.Memories {
		if m.Key == "" || seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Key, valueString(m.Value)))
	}
	for _, m := range c.Prefetched {
		if m.Key == "" || seen[m.Key] {
			continue
		}
		seen[m.Key] = true
		lines = append(lines, fmt.Sprintf("- %s: %s", m.Key, valueString(m.Value)))
	}
	return lines
}

// patternLines renders the learned pattern counters.
func patternLines(patterns []memory.PatternCount) []string {
	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		lines = append(lines, fmt.Sprintf("- %s (%s) seen %d times", p.PatternData, p.PatternType, p.Frequency))
	}
	return lines
}

// trackRecordLines renders the session outcome summary. Empty when no
// learnings have been recorded yet.
func trackRecordLines(c *Context) []string {
	if c.TotalLearnings == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d sessions recorded, %.0f%% successful.", c.TotalLearnings, c.SuccessRate*100)}
}

// valueString renders a memory value for prompt injection: strings pass
// through, everything else is compact JSON with a %v fallback.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// estimateTokens approximates the token count of s using the shared
// chars-per-token heuristic, rounding up.
func estimateTokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
