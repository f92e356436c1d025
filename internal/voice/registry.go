package voice

import (
	"fmt"
	"sort"
	"sync"

	"github.com/polyvox/polyvox/pkg/types"
)

// Registry is a thread-safe, in-memory voice-profile store. Profiles are
// immutable while registered; the learning loop replaces a profile via
// Update between sessions rather than mutating it in place.
//
// The zero value is ready to use.
type Registry struct {
	mu     sync.RWMutex
	voices map[string]types.Voice
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{voices: make(map[string]types.Voice)}
}

// NewDefaultRegistry returns a registry seeded with [DefaultRoster].
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, v := range DefaultRoster() {
		// The default roster is validated by its tests; Add cannot fail here.
		_ = r.Add(v)
	}
	return r
}

// Add registers a validated profile.
// Returns [ErrDuplicateID] if a voice with the same ID exists.
func (r *Registry) Add(v types.Voice) error {
	if err := Validate(v); err != nil {
		return fmt.Errorf("voice: validate %q: %w", v.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.voices == nil {
		r.voices = make(map[string]types.Voice)
	}
	if _, exists := r.voices[v.ID]; exists {
		return ErrDuplicateID
	}

	r.voices[v.ID] = v
	return nil
}

// Get retrieves a profile by ID.
// Returns [ErrNotFound] when no voice with that ID is registered.
func (r *Registry) Get(id string) (types.Voice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.voices[id]
	if !ok {
		return types.Voice{}, ErrNotFound
	}
	return v, nil
}

// All returns every registered profile sorted by ID, so selection and team
// composition are deterministic across runs.
func (r *Registry) All() []types.Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Voice, 0, len(r.voices))
	for _, v := range r.voices {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByDomain returns the registered voices of one domain sorted by descending
// ExpertiseLevel, ID as tie-break.
func (r *Registry) ByDomain(domain string) []types.Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.Voice
	for _, v := range r.voices {
		if v.Domain == domain {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpertiseLevel != out[j].ExpertiseLevel {
			return out[i].ExpertiseLevel > out[j].ExpertiseLevel
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update replaces an existing profile, validating the replacement.
// Returns [ErrNotFound] when no voice with that ID is registered.
func (r *Registry) Update(v types.Voice) error {
	if err := Validate(v); err != nil {
		return fmt.Errorf("voice: validate %q: %w", v.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.voices[v.ID]; !ok {
		return ErrNotFound
	}

	r.voices[v.ID] = v
	return nil
}

// Remove deletes a profile by ID.
// Returns [ErrNotFound] when no voice with that ID is registered.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.voices[id]; !ok {
		return ErrNotFound
	}

	delete(r.voices, id)
	return nil
}

// Len reports the number of registered voices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.voices)
}

// Import adds profiles one at a time and returns the count of successfully
// added voices along with the first error encountered.
func (r *Registry) Import(voices []types.Voice) (int, error) {
	count := 0
	for _, v := range voices {
		if err := r.Add(v); err != nil {
			return count, fmt.Errorf("voice: import at index %d (id %q): %w", count, v.ID, err)
		}
		count++
	}
	return count, nil
}
