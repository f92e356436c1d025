// Package mock provides test doubles for the voice layer's collaboration
// seams: a scripted [council.BackendResolver], recording fakes for the
// council's ContextSource and Metrics, and a small deterministic roster
// for selector-driven tests.
//
// All mocks are safe for concurrent use, record method calls, and expose
// exported fields for configuring return values.
//
// Example:
//
//	res := &mock.Resolver{Default: &backendmock.Backend{
//	    CompleteResponse: &backend.CompletionResponse{Content: "answer"},
//	}}
//	c := council.New(voice.NewSelector(mock.Registry()), res.Resolve, synth)
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/polyvox/polyvox/internal/voice"
	"github.com/polyvox/polyvox/internal/voice/council"
	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/types"
)

// ─── Resolver ─────────────────────────────────────────────────────────────────

// ResolveCall records a single voice-to-backend resolution.
type ResolveCall struct {
	// Voice is the profile passed to Resolve.
	Voice types.Voice
}

// Resolver scripts the voice-to-backend mapping a council round runs with.
// Resolution order: Err (all voices), Errs[id], PerVoice[id], Default. A
// voice that matches nothing resolves to an error rather than a nil
// backend, which the council reports as that voice's failure.
type Resolver struct {
	mu sync.Mutex

	// Default is returned for voices with no PerVoice entry.
	Default backend.Backend

	// PerVoice maps voice IDs to dedicated backends.
	PerVoice map[string]backend.Backend

	// Errs maps voice IDs to resolution errors, simulating a voice whose
	// configured backend is down while the rest of the team proceeds.
	Errs map[string]error

	// Err, if non-nil, fails every resolution.
	Err error

	// ResolveCalls records every invocation of Resolve in order.
	ResolveCalls []ResolveCall
}

// Resolve records the call and returns the scripted backend or error.
func (r *Resolver) Resolve(v types.Voice) (backend.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResolveCalls = append(r.ResolveCalls, ResolveCall{Voice: v})

	if r.Err != nil {
		return nil, r.Err
	}
	if err, ok := r.Errs[v.ID]; ok {
		return nil, err
	}
	if b, ok := r.PerVoice[v.ID]; ok {
		return b, nil
	}
	if r.Default != nil {
		return r.Default, nil
	}
	return nil, fmt.Errorf("mock: no backend scripted for voice %q", v.ID)
}

// Reset clears all recorded calls. Thread-safe.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResolveCalls = nil
}

// ─── ContextSource ────────────────────────────────────────────────────────────

// AssembleCall records a single invocation of Assemble.
type AssembleCall struct {
	// Query is the prompt passed to Assemble.
	Query string
	// ProjectPath is the project scope passed to Assemble.
	ProjectPath string
}

// ContextSource is a scripted prompt-context assembler.
type ContextSource struct {
	mu sync.Mutex

	// Block is returned by Assemble.
	Block string

	// Err, if non-nil, is returned as the error from Assemble.
	Err error

	// AssembleCalls records every invocation of Assemble in order.
	AssembleCalls []AssembleCall
}

// Assemble records the call and returns Block, Err.
func (s *ContextSource) Assemble(_ context.Context, query, projectPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AssembleCalls = append(s.AssembleCalls, AssembleCall{Query: query, ProjectPath: projectPath})
	return s.Block, s.Err
}

// Reset clears all recorded calls. Thread-safe.
func (s *ContextSource) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AssembleCalls = nil
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

// RecordCall records a single measurement handed to Record.
type RecordCall struct {
	// Series is the series name passed to Record.
	Series string
	// Value is the measurement passed to Record.
	Value float64
}

// Metrics collects the measurements a council round emits.
type Metrics struct {
	mu sync.Mutex

	// RecordCalls records every invocation of Record in order.
	RecordCalls []RecordCall
}

// Record appends the measurement to RecordCalls.
func (m *Metrics) Record(series string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordCalls = append(m.RecordCalls, RecordCall{Series: series, Value: value})
}

// Series returns the recorded values for one series, in order.
func (m *Metrics) Series(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values []float64
	for _, c := range m.RecordCalls {
		if c.Series == name {
			values = append(values, c.Value)
		}
	}
	return values
}

// Reset clears all recorded calls. Thread-safe.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RecordCalls = nil
}

// ─── Roster ───────────────────────────────────────────────────────────────────

// Roster returns a fresh four-voice roster with fixed scores, covering the
// implementation, design, security, and quality domains. Values are chosen
// so selector ordering is deterministic: security outranks architect
// outranks developer outranks maintainer on expertise.
func Roster() []types.Voice {
	return []types.Voice{
		{
			ID:                "developer",
			DisplayName:       "Developer",
			Domain:            voice.DomainImplementation,
			ExpertiseLevel:    0.80,
			SuccessRate:       0.75,
			AverageQuality:    74,
			Specializations:   []string{"implement", "code", "debugging"},
			ReliabilityWeight: 0.5,
			PerformanceWeight: 0.5,
			CostWeight:        0.5,
			SystemPrompt:      "You are the developer voice.",
		},
		{
			ID:                "architect",
			DisplayName:       "Architect",
			Domain:            voice.DomainDesign,
			ExpertiseLevel:    0.85,
			SuccessRate:       0.80,
			AverageQuality:    78,
			Specializations:   []string{"architecture", "scalability", "system design"},
			ReliabilityWeight: 0.6,
			PerformanceWeight: 0.4,
			CostWeight:        0.5,
			SystemPrompt:      "You are the architect voice.",
		},
		{
			ID:                "security",
			DisplayName:       "Security",
			Domain:            voice.DomainSecurity,
			ExpertiseLevel:    0.90,
			SuccessRate:       0.85,
			AverageQuality:    82,
			Specializations:   []string{"security", "authentication", "threat modeling"},
			ReliabilityWeight: 0.7,
			PerformanceWeight: 0.3,
			CostWeight:        0.4,
			SystemPrompt:      "You are the security voice.",
		},
		{
			ID:                "maintainer",
			DisplayName:       "Maintainer",
			Domain:            voice.DomainQuality,
			ExpertiseLevel:    0.75,
			SuccessRate:       0.70,
			AverageQuality:    71,
			Specializations:   []string{"refactor", "review", "maintainability"},
			ReliabilityWeight: 0.5,
			PerformanceWeight: 0.5,
			CostWeight:        0.6,
			SystemPrompt:      "You are the maintainer voice.",
		},
	}
}

// Registry returns a new registry seeded with the [Roster] voices.
func Registry() *voice.Registry {
	reg := &voice.Registry{}
	for _, v := range Roster() {
		// Roster voices are statically valid with unique IDs; Add cannot fail.
		_ = reg.Add(v)
	}
	return reg
}

// Ensure the doubles satisfy the council seams at compile time.
var (
	_ council.BackendResolver = (&Resolver{}).Resolve
	_ council.ContextSource   = (*ContextSource)(nil)
	_ council.Metrics         = (*Metrics)(nil)
)
