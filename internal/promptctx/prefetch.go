package promptctx

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/polyvox/polyvox/pkg/memory"
)

// minTokenLength is the shortest key token worth indexing. Shorter tokens
// ("db", "fix") match too much ordinary prose to be useful.
const minTokenLength = 4

// PreFetcher loads memories by category ahead of prompt assembly and keeps
// them in a name-indexed cache, so that by dispatch time known facts reach
// the preamble without a store round-trip.
//
// Lookups are cache-only and never fail: a name with no cached memory is a
// silent miss. The relevance query in [Assembler.AssembleContext] remains
// the fallback for anything the cache does not hold.
//
// All exported methods are goroutine-safe.
type PreFetcher struct {
	store memory.Store
	limit int

	mu    sync.RWMutex
	names map[string]string        // lowercase key or key token → memory ID
	cache map[string]memory.Memory // memory ID → memory
}

// PrefetchOption is a functional option for [NewPreFetcher].
type PrefetchOption func(*PreFetcher)

// WithPrefetchLimit caps how many memories one [PreFetcher.Prefetch] call
// loads. Defaults to 64.
func WithPrefetchLimit(n int) PrefetchOption {
	return func(p *PreFetcher) {
		if n > 0 {
			p.limit = n
		}
	}
}

// NewPreFetcher creates a [PreFetcher] backed by store. Call
// [PreFetcher.Prefetch] for each category of interest before the first
// dispatch to populate the cache.
func NewPreFetcher(store memory.Store, opts ...PrefetchOption) *PreFetcher {
	p := &PreFetcher{
		store: store,
		limit: 64,
		names: make(map[string]string),
		cache: make(map[string]memory.Memory),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Prefetch loads memories for one category into the cache and extends the
// name index with their keys. Repeated calls accumulate: prefetching a
// second category keeps the first category's entries.
//
// The full lowercase key is always indexed. Individual key tokens of at
// least [minTokenLength] characters are indexed too, so "refactor" in a
// prompt matches the memory "successful_intent_refactor". Token collisions
// keep the first entry; the full-key index always wins for exact mentions.
func (p *PreFetcher) Prefetch(ctx context.Context, category, projectPath string) error {
	memories, err := p.store.RetrieveMemories(ctx, memory.SearchOptions{
		Category:    category,
		ProjectPath: projectPath,
		Limit:       p.limit,
	})
	if err != nil {
		return fmt.Errorf("prompt context: prefetch category %q: %w", category, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range memories {
		if m.Key == "" {
			continue
		}
		p.cache[m.ID] = m

		lower := strings.ToLower(m.Key)
		p.names[lower] = m.ID
		for _, token := range splitKey(lower) {
			if len(token) >= minTokenLength {
				if _, exists := p.names[token]; !exists {
					p.names[token] = m.ID
				}
			}
		}
	}
	return nil
}

// ProcessPrompt scans the prompt for indexed names using case-insensitive
// substring matching and returns the cached memories that match, sorted by
// key. No I/O happens here; unknown names simply contribute nothing.
//
// Returns an empty (non-nil) slice when nothing matches.
func (p *PreFetcher) ProcessPrompt(prompt string) []memory.Memory {
	lower := strings.ToLower(prompt)

	p.mu.RLock()
	matched := make(map[string]memory.Memory)
	for name, id := range p.names {
		if !strings.Contains(lower, name) {
			continue
		}
		m, ok := p.cache[id]
		if !ok {
			continue
		}
		matched[m.ID] = m
	}
	p.mu.RUnlock()

	out := make([]memory.Memory, 0, len(matched))
	for _, m := range matched {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b memory.Memory) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Lookup returns the cached memory indexed under name (case-insensitive),
// reporting whether one exists. A miss is silent — no error, no I/O.
func (p *PreFetcher) Lookup(name string) (memory.Memory, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.names[strings.ToLower(name)]
	if !ok {
		return memory.Memory{}, false
	}
	m, ok := p.cache[id]
	return m, ok
}

// Cached returns every memory currently held, sorted by key.
func (p *PreFetcher) Cached() []memory.Memory {
	p.mu.RLock()
	out := make([]memory.Memory, 0, len(p.cache))
	for _, m := range p.cache {
		out = append(out, m)
	}
	p.mu.RUnlock()

	slices.SortFunc(out, func(a, b memory.Memory) int {
		return strings.Compare(a.Key, b.Key)
	})
	return out
}

// Reset clears the cache and the name index. Call it when the project scope
// changes so stale entries do not bleed into the next session's prompts.
func (p *PreFetcher) Reset() {
	p.mu.Lock()
	p.names = make(map[string]string)
	p.cache = make(map[string]memory.Memory)
	p.mu.Unlock()
}

// splitKey breaks a memory key into alphanumeric tokens: snake_case,
// kebab-case and spaced keys all split the same way.
func splitKey(key string) []string {
	return strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
