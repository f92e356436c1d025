// Package promptctx assembles the memory-derived context block injected into
// voice prompts before dispatch.
//
// The block is built from three inputs:
//
//  1. Memories relevant to the task prompt, from the read-only relevance
//     query (no access-count bumps on the dispatch path).
//  2. Top patterns and the overall track record from the learning insights.
//  3. Memories a [PreFetcher] already holds for the prompt — cache-only,
//     no store round-trip.
//
// The first two are fetched concurrently. Use [FormatPreamble] to render an
// assembled [Context] into a prompt block bounded by a token budget.
package promptctx

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/polyvox/polyvox/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Context is the assembled material for one prompt preamble. All fields are
// optional — callers should check for empty before using.
type Context struct {
	// Memories are the relevance-ranked memories for the prompt.
	Memories []memory.RelevantMemory

	// Patterns are the highest-frequency learned patterns, capped at the
	// assembler's pattern limit.
	Patterns []memory.PatternCount

	// TotalLearnings and SuccessRate summarise the track record. A zero
	// TotalLearnings means no record exists and the section is omitted.
	TotalLearnings int64
	SuccessRate    float64

	// Prefetched contains cache hits from the [PreFetcher], matched against
	// the prompt by name.
	Prefetched []memory.Memory

	// AssemblyDuration records how long [Assembler.AssembleContext] took.
	AssemblyDuration time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler fetches the preamble inputs and combines them into a [Context].
// Its Assemble method renders the context directly, which is the form the
// council consumes before dispatch.
type Assembler struct {
	store        memory.Store
	prefetcher   *PreFetcher
	memoryLimit  int
	patternLimit int
	tokenBudget  int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithMemoryLimit caps how many relevant memories are fetched per prompt.
// Defaults to 8.
func WithMemoryLimit(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.memoryLimit = n
		}
	}
}

// WithPatternLimit caps how many top patterns are included. Defaults to 5.
func WithPatternLimit(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.patternLimit = n
		}
	}
}

// WithTokenBudget bounds the rendered preamble size in estimated tokens.
// Defaults to [DefaultTokenBudget].
func WithTokenBudget(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.tokenBudget = n
		}
	}
}

// WithPreFetcher attaches a [PreFetcher] whose cache hits are merged into
// every assembled context.
func WithPreFetcher(p *PreFetcher) Option {
	return func(a *Assembler) { a.prefetcher = p }
}

// NewAssembler creates an [Assembler] over the given store with sensible
// defaults. Apply [Option] values to override them.
func NewAssembler(store memory.Store, opts ...Option) *Assembler {
	a := &Assembler{
		store:        store,
		memoryLimit:  8,
		patternLimit: 5,
		tokenBudget:  DefaultTokenBudget,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AssembleContext fetches the preamble inputs and returns a populated
// [Context].
//
// The relevance query and the insights report run in parallel via errgroup;
// if either fails the assembly is aborted and that error is returned, wrapped
// with a "prompt context: " prefix. The prefetcher scan is cache-only and
// runs after the fetches complete.
//
// AssembleContext respects context cancellation on all underlying I/O calls.
func (a *Assembler) AssembleContext(ctx context.Context, query, projectPath string) (*Context, error) {
	start := time.Now()

	var (
		memories []memory.RelevantMemory
		insights *memory.Insights
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		ms, err := a.store.RetrieveRelevantMemories(egCtx, query, projectPath, a.memoryLimit)
		if err != nil {
			return fmt.Errorf("prompt context: relevant memories: %w", err)
		}
		memories = ms
		return nil
	})

	eg.Go(func() error {
		ins, err := a.store.GetInsights(egCtx)
		if err != nil {
			return fmt.Errorf("prompt context: learning insights: %w", err)
		}
		insights = ins
		return nil
	})

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	c := &Context{Memories: memories}
	if insights != nil {
		patterns := insights.TopPatterns
		if len(patterns) > a.patternLimit {
			patterns = patterns[:a.patternLimit]
		}
		c.Patterns = patterns
		c.TotalLearnings = insights.TotalLearnings
		c.SuccessRate = insights.SuccessRate
	}
	if a.prefetcher != nil {
		c.Prefetched = a.prefetcher.ProcessPrompt(query)
	}
	c.AssemblyDuration = time.Since(start)
	return c, nil
}

// Assemble fetches and renders the preamble in one call. This is the
// dispatch-path entry point: the council injects the returned block into
// each voice's system prompt.
func (a *Assembler) Assemble(ctx context.Context, query, projectPath string) (string, error) {
	c, err := a.AssembleContext(ctx, query, projectPath)
	if err != nil {
		return "", err
	}
	return FormatPreamble(c, a.tokenBudget), nil
}
