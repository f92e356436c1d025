package council_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/synthesis"
	"github.com/polyvox/polyvox/internal/voice"
	"github.com/polyvox/polyvox/internal/voice/council"
	voicemock "github.com/polyvox/polyvox/internal/voice/mock"
	"github.com/polyvox/polyvox/pkg/backend"
	backendmock "github.com/polyvox/polyvox/pkg/backend/mock"
	memorymock "github.com/polyvox/polyvox/pkg/memory/mock"
	"github.com/polyvox/polyvox/pkg/types"
)

// teamPrompt selects the security/architect/developer trio from the mock
// roster.
const teamPrompt = "Design a secure authentication system that is scalable, considering OOP versus functional approaches."

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCouncil(t *testing.T, resolve council.BackendResolver, opts ...council.Option) *council.Council {
	t.Helper()
	synth := synthesis.NewEngine(synthesis.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = synth.Close() })

	opts = append([]council.Option{council.WithLogger(discardLogger())}, opts...)
	return council.New(voice.NewSelector(voicemock.Registry()), resolve, synth, opts...)
}

func fixedResolver(b backend.Backend) council.BackendResolver {
	return (&voicemock.Resolver{Default: b}).Resolve
}

// TestDeliberate_SingleVoiceRound runs the smallest full round: one voice,
// one answer, one learning record.
func TestDeliberate_SingleVoiceRound(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		CompleteResponse: &backend.CompletionResponse{
			Content: "Use a heading level two.",
			Usage:   backend.Usage{TotalTokens: 12},
		},
	}
	store := &memorymock.Store{}
	c := newCouncil(t, fixedResolver(mb), council.WithMemory(store))

	task := voice.TaskContext{Prompt: "fix the readme heading", Category: "implementation"}
	res, err := c.Deliberate(context.Background(), task)
	if err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}

	if res.Selection.Mode != voice.ModeSingle {
		t.Errorf("Mode = %s, want single", res.Selection.Mode)
	}
	if len(res.Responses) != 1 {
		t.Fatalf("Responses = %d, want 1", len(res.Responses))
	}
	r := res.Responses[0]
	if r.VoiceID != "developer" {
		t.Errorf("VoiceID = %s, want developer", r.VoiceID)
	}
	if r.Confidence != 0.75 {
		t.Errorf("Confidence = %v, want the voice's success rate 0.75", r.Confidence)
	}
	if r.TokensUsed != 12 {
		t.Errorf("TokensUsed = %d, want 12", r.TokensUsed)
	}
	if !res.Synthesis.Success {
		t.Error("Synthesis.Success = false, want true")
	}
	if res.Synthesis.CombinedContent != "Use a heading level two." {
		t.Errorf("CombinedContent = %q, want the single response", res.Synthesis.CombinedContent)
	}
	if res.SessionID == "" {
		t.Error("SessionID is empty")
	}
	if res.LearningID == "" {
		t.Error("LearningID is empty")
	}

	if len(mb.CompleteCalls) != 1 {
		t.Fatalf("backend calls = %d, want 1", len(mb.CompleteCalls))
	}
	req := mb.CompleteCalls[0].Req
	if req.VoiceID != "developer" {
		t.Errorf("request VoiceID = %q, want developer", req.VoiceID)
	}
	if req.SystemPrompt != "You are the developer voice." {
		t.Errorf("SystemPrompt = %q, want the persona prompt", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != task.Prompt {
		t.Errorf("Messages = %+v, want the task prompt", req.Messages)
	}

	if len(store.Learnings) != 1 {
		t.Fatalf("stored learnings = %d, want 1", len(store.Learnings))
	}
	l := store.Learnings[0]
	if l.SessionID != res.SessionID {
		t.Errorf("learning SessionID = %q, want %q", l.SessionID, res.SessionID)
	}
	if l.UserInput != task.Prompt {
		t.Errorf("learning UserInput = %q, want the prompt", l.UserInput)
	}
	if l.Intent != "implementation" {
		t.Errorf("learning Intent = %q, want implementation", l.Intent)
	}
	if !l.Success {
		t.Error("learning Success = false, want true")
	}
	if len(l.TasksCompleted) != 1 || l.TasksCompleted[0] != "perspective from developer" {
		t.Errorf("TasksCompleted = %v", l.TasksCompleted)
	}
	if got := l.Metadata["mode"]; got != "single" {
		t.Errorf(`Metadata["mode"] = %v, want "single"`, got)
	}
}

// TestDeliberate_TeamFanout verifies the concurrent dispatch: every team
// member is asked with its own persona and the responses come back in team
// order.
func TestDeliberate_TeamFanout(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
			return &backend.CompletionResponse{
				Content: "Guidance from " + req.VoiceID + ".",
				Usage:   backend.Usage{TotalTokens: 30},
			}, nil
		},
	}
	c := newCouncil(t, fixedResolver(mb))

	res, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt})
	if err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}

	wantOrder := []string{"security", "architect", "developer"}
	if len(res.Responses) != len(wantOrder) {
		t.Fatalf("Responses = %d, want %d", len(res.Responses), len(wantOrder))
	}
	for i, want := range wantOrder {
		if res.Responses[i].VoiceID != want {
			t.Errorf("Responses[%d] = %s, want %s", i, res.Responses[i].VoiceID, want)
		}
	}
	if len(res.Failures) != 0 {
		t.Errorf("Failures = %v, want none", res.Failures)
	}
	if res.Synthesis.CombinedContent == "" {
		t.Error("CombinedContent is empty")
	}

	personas := make(map[string]string, len(mb.CompleteCalls))
	for _, call := range mb.CompleteCalls {
		personas[call.Req.VoiceID] = call.Req.SystemPrompt
	}
	for _, id := range wantOrder {
		if personas[id] != "You are the "+id+" voice." {
			t.Errorf("persona for %s = %q", id, personas[id])
		}
	}
}

// TestDeliberate_PartialFailureTolerated drops one voice and expects the
// round to proceed with the remaining two.
func TestDeliberate_PartialFailureTolerated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		resolve func(mb *backendmock.Backend) council.BackendResolver
		backend func() *backendmock.Backend
	}{
		{
			name: "backend error",
			backend: func() *backendmock.Backend {
				return &backendmock.Backend{
					CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
						if req.VoiceID == "architect" {
							return nil, errors.New("model overloaded")
						}
						return &backend.CompletionResponse{Content: "Guidance from " + req.VoiceID + "."}, nil
					},
				}
			},
			resolve: func(mb *backendmock.Backend) council.BackendResolver {
				return fixedResolver(mb)
			},
		},
		{
			name: "resolver error",
			backend: func() *backendmock.Backend {
				return &backendmock.Backend{
					CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
						return &backend.CompletionResponse{Content: "Guidance from " + req.VoiceID + "."}, nil
					},
				}
			},
			resolve: func(mb *backendmock.Backend) council.BackendResolver {
				r := &voicemock.Resolver{
					Default: mb,
					Errs:    map[string]error{"architect": errors.New("no backend configured")},
				}
				return r.Resolve
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mb := tc.backend()
			store := &memorymock.Store{}
			c := newCouncil(t, tc.resolve(mb), council.WithMemory(store))

			res, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt})
			if err != nil {
				t.Fatalf("Deliberate: unexpected error: %v", err)
			}

			if len(res.Responses) != 2 {
				t.Fatalf("Responses = %d, want 2", len(res.Responses))
			}
			if len(res.Failures) != 1 || res.Failures[0].VoiceID != "architect" {
				t.Fatalf("Failures = %+v, want one for architect", res.Failures)
			}
			if !res.Synthesis.Success {
				t.Error("Synthesis.Success = false, want true")
			}
			if len(store.Learnings) != 1 {
				t.Fatalf("stored learnings = %d, want 1", len(store.Learnings))
			}
			if got := store.Learnings[0].Metadata["failures"]; got != 1 {
				t.Errorf(`Metadata["failures"] = %v, want 1`, got)
			}
		})
	}
}

// TestDeliberate_AllVoicesFail pins the empty-round error and that no
// learning is written.
func TestDeliberate_AllVoicesFail(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{CompleteErr: errors.New("model offline")}
	store := &memorymock.Store{}
	c := newCouncil(t, fixedResolver(mb), council.WithMemory(store))

	_, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt})
	if !errors.Is(err, council.ErrNoResponses) {
		t.Fatalf("Deliberate: expected ErrNoResponses, got %v", err)
	}
	if !strings.Contains(err.Error(), "model offline") {
		t.Errorf("error %q does not carry the per-voice cause", err)
	}
	if n := store.CallCount("StoreLearning"); n != 0 {
		t.Errorf("StoreLearning called %d times, want 0", n)
	}
}

// TestDeliberate_CancelledRoundWritesNoLearning verifies the cancellation
// contract: ctx expiry aborts the round and leaves the store untouched.
func TestDeliberate_CancelledRoundWritesNoLearning(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		CompleteFn: func(ctx context.Context, _ backend.CompletionRequest) (*backend.CompletionResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	store := &memorymock.Store{}
	c := newCouncil(t, fixedResolver(mb), council.WithMemory(store))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Deliberate(ctx, voice.TaskContext{Prompt: teamPrompt})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Deliberate: expected context.Canceled, got %v", err)
	}
	if n := store.CallCount("StoreLearning"); n != 0 {
		t.Errorf("StoreLearning called %d times, want 0", n)
	}
}

// TestDeliberate_TimeConstraintBoundsVoices verifies that a slow voice is
// cut off at the task's time constraint while the rest of the round
// completes.
func TestDeliberate_TimeConstraintBoundsVoices(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		CompleteFn: func(ctx context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
			if req.VoiceID == "architect" {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(5 * time.Second):
					return &backend.CompletionResponse{Content: "too late"}, nil
				}
			}
			return &backend.CompletionResponse{Content: "Guidance from " + req.VoiceID + "."}, nil
		},
	}
	c := newCouncil(t, fixedResolver(mb))

	res, err := c.Deliberate(context.Background(), voice.TaskContext{
		Prompt:         teamPrompt,
		TimeConstraint: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}

	if len(res.Responses) != 2 {
		t.Fatalf("Responses = %d, want the 2 fast voices", len(res.Responses))
	}
	if len(res.Failures) != 1 || res.Failures[0].VoiceID != "architect" {
		t.Fatalf("Failures = %+v, want one for architect", res.Failures)
	}
	if !errors.Is(res.Failures[0].Err, context.DeadlineExceeded) {
		t.Errorf("failure error = %v, want a deadline error", res.Failures[0].Err)
	}
}

// TestDeliberate_ContextWindowGate verifies the pre-dispatch budget check.
func TestDeliberate_ContextWindowGate(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		TokenCount:        50,
		ModelCapabilities: types.ModelCapabilities{ContextWindow: 10},
		CompleteResponse:  &backend.CompletionResponse{Content: "never reached"},
	}
	c := newCouncil(t, fixedResolver(mb))

	_, err := c.Deliberate(context.Background(), voice.TaskContext{
		Prompt:   "fix the readme heading",
		Category: "implementation",
	})
	if !errors.Is(err, council.ErrNoResponses) {
		t.Fatalf("Deliberate: expected ErrNoResponses, got %v", err)
	}
	if !strings.Contains(err.Error(), "context window") {
		t.Errorf("error %q does not name the budget violation", err)
	}
	if len(mb.CompleteCalls) != 0 {
		t.Errorf("Complete called %d times, want 0", len(mb.CompleteCalls))
	}
}

// TestDeliberate_ContextSourceFeedsSystemPrompt verifies block injection and
// that an assembly failure degrades to the bare persona.
func TestDeliberate_ContextSourceFeedsSystemPrompt(t *testing.T) {
	t.Parallel()

	t.Run("block appended", func(t *testing.T) {
		t.Parallel()

		mb := &backendmock.Backend{
			CompleteResponse: &backend.CompletionResponse{Content: "done"},
		}
		src := &voicemock.ContextSource{Block: "## Relevant memories\n- the project prefers pgx"}
		c := newCouncil(t, fixedResolver(mb),
			council.WithContextSource(src),
			council.WithProjectPath("/work/api"),
		)

		task := voice.TaskContext{Prompt: "fix the readme heading", Category: "implementation"}
		if _, err := c.Deliberate(context.Background(), task); err != nil {
			t.Fatalf("Deliberate: unexpected error: %v", err)
		}

		want := "You are the developer voice.\n\n## Relevant memories\n- the project prefers pgx"
		if got := mb.CompleteCalls[0].Req.SystemPrompt; got != want {
			t.Errorf("SystemPrompt = %q, want persona plus block", got)
		}
		if len(src.AssembleCalls) != 1 {
			t.Fatalf("Assemble calls = %d, want 1", len(src.AssembleCalls))
		}
		if call := src.AssembleCalls[0]; call.Query != task.Prompt || call.ProjectPath != "/work/api" {
			t.Errorf("Assemble called with (%q, %q)", call.Query, call.ProjectPath)
		}
	})

	t.Run("assembly failure tolerated", func(t *testing.T) {
		t.Parallel()

		mb := &backendmock.Backend{
			CompleteResponse: &backend.CompletionResponse{Content: "done"},
		}
		src := &voicemock.ContextSource{Err: errors.New("store offline")}
		c := newCouncil(t, fixedResolver(mb), council.WithContextSource(src))

		task := voice.TaskContext{Prompt: "fix the readme heading", Category: "implementation"}
		res, err := c.Deliberate(context.Background(), task)
		if err != nil {
			t.Fatalf("Deliberate: unexpected error: %v", err)
		}
		if !res.Synthesis.Success {
			t.Error("Synthesis.Success = false, want true")
		}
		if got := mb.CompleteCalls[0].Req.SystemPrompt; got != "You are the developer voice." {
			t.Errorf("SystemPrompt = %q, want the bare persona", got)
		}
	})
}

// TestDeliberate_MaxConcurrentBound serializes a three-voice round.
func TestDeliberate_MaxConcurrentBound(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	cur, peak := 0, 0
	mb := &backendmock.Backend{
		CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
			mu.Lock()
			cur++
			if cur > peak {
				peak = cur
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			cur--
			mu.Unlock()
			return &backend.CompletionResponse{Content: "Guidance from " + req.VoiceID + "."}, nil
		},
	}
	c := newCouncil(t, fixedResolver(mb), council.WithMaxConcurrent(1))

	res, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt})
	if err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}
	if len(res.Responses) != 3 {
		t.Fatalf("Responses = %d, want 3", len(res.Responses))
	}

	mu.Lock()
	defer mu.Unlock()
	if peak != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak)
	}
}

// TestDeliberate_MetricsRecorded verifies the analytics hook.
func TestDeliberate_MetricsRecorded(t *testing.T) {
	t.Parallel()

	mb := &backendmock.Backend{
		CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
			return &backend.CompletionResponse{Content: "Guidance from " + req.VoiceID + "."}, nil
		},
	}
	metrics := &voicemock.Metrics{}
	c := newCouncil(t, fixedResolver(mb), council.WithMetrics(metrics))

	if _, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt}); err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}

	if got := metrics.Series("council.responses"); len(got) != 1 || got[0] != 3 {
		t.Errorf("council.responses = %v, want [3]", got)
	}
	if got := metrics.Series("council.failures"); len(got) != 1 || got[0] != 0 {
		t.Errorf("council.failures = %v, want [0]", got)
	}
	for _, series := range []string{"council.duration_ms", "council.quality", "council.agreement"} {
		if len(metrics.Series(series)) == 0 {
			t.Errorf("series %s not recorded", series)
		}
	}
}

// TestDeliberate_SelectionErrorPropagates covers the empty-registry path.
func TestDeliberate_SelectionErrorPropagates(t *testing.T) {
	t.Parallel()

	synth := synthesis.NewEngine(synthesis.WithLogger(discardLogger()))
	t.Cleanup(func() { _ = synth.Close() })

	mb := &backendmock.Backend{}
	c := council.New(
		voice.NewSelector(&voice.Registry{}),
		fixedResolver(mb),
		synth,
		council.WithLogger(discardLogger()),
	)

	_, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: "anything at all"})
	if !errors.Is(err, voice.ErrNoVoices) {
		t.Fatalf("Deliberate: expected ErrNoVoices, got %v", err)
	}
}

// TestDeliberate_LearningCarriesConflict verifies that a conflicted round
// records the conflict as a learning item.
func TestDeliberate_LearningCarriesConflict(t *testing.T) {
	t.Parallel()

	contents := map[string]string{
		"security":  "Build the authentication system with an object-oriented core so state stays behind audited interfaces.",
		"architect": "Build the authentication system in a functional programming style so state transitions stay pure.",
		"developer": "Either approach can ship quickly if the interfaces stay small.",
	}
	mb := &backendmock.Backend{
		CompleteFn: func(_ context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
			content, ok := contents[req.VoiceID]
			if !ok {
				return nil, fmt.Errorf("unexpected voice %q", req.VoiceID)
			}
			return &backend.CompletionResponse{Content: content}, nil
		},
	}
	store := &memorymock.Store{}
	c := newCouncil(t, fixedResolver(mb),
		council.WithMemory(store),
		council.WithSynthesisConfig(synthesis.Config{Mode: synthesis.ModeAdaptive}),
	)

	res, err := c.Deliberate(context.Background(), voice.TaskContext{Prompt: teamPrompt})
	if err != nil {
		t.Fatalf("Deliberate: unexpected error: %v", err)
	}
	if res.Synthesis.Strategy != synthesis.ModeDialectical {
		t.Fatalf("Strategy = %s, want dialectical", res.Synthesis.Strategy)
	}

	if len(store.Learnings) != 1 {
		t.Fatalf("stored learnings = %d, want 1", len(store.Learnings))
	}
	var conflictItems int
	for _, item := range store.Learnings[0].Learnings {
		if item.Type == "conflict_resolution" {
			conflictItems++
			if !strings.Contains(item.Description, "programming paradigm") {
				t.Errorf("conflict item %q does not name the topic", item.Description)
			}
		}
	}
	if conflictItems != 1 {
		t.Errorf("conflict_resolution items = %d, want 1", conflictItems)
	}
}
