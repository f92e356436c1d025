package voice_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/polyvox/polyvox/internal/voice"
)

type fakeRecaller struct {
	hints []string
	err   error
}

func (f fakeRecaller) Recall(context.Context, string, int) ([]string, error) {
	return f.hints, f.err
}

// TestSelect_SimplePromptSingleVoice verifies that a trivial implementation
// prompt dispatches exactly one voice, the developer, with a baseline ROI.
func TestSelect_SimplePromptSingleVoice(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt:   "Write a hello world function in TypeScript.",
		Category: "implementation",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Mode != voice.ModeSingle {
		t.Errorf("Mode = %s, want single", sel.Mode)
	}
	if sel.Complexity != voice.ComplexitySimple {
		t.Errorf("Complexity = %s, want simple", sel.Complexity)
	}
	if len(sel.Voices) != 1 || sel.Voices[0].ID != "developer" {
		t.Fatalf("Voices = %v, want [developer]", sel.VoiceIDs())
	}
	if sel.ROIScore != 1.0 {
		t.Errorf("ROIScore = %v, want 1.0", sel.ROIScore)
	}
	if sel.ExpectedQualityGain != 0 || sel.EstimatedOverhead != 0 {
		t.Errorf("single mode gain/overhead = %v/%v, want 0/0",
			sel.ExpectedQualityGain, sel.EstimatedOverhead)
	}
	if !strings.Contains(sel.Reasoning, "developer") {
		t.Errorf("Reasoning should name the dispatched voice, got %q", sel.Reasoning)
	}
}

// TestSelect_SecurityPromptTeam verifies that a security-flavoured design
// prompt assembles the security, architect and developer voices.
func TestSelect_SecurityPromptTeam(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "Design a secure authentication system that is scalable, considering OOP versus functional approaches.",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Mode != voice.ModeMulti {
		t.Fatalf("Mode = %s, want multi", sel.Mode)
	}
	if sel.Complexity != voice.ComplexityComplex {
		t.Errorf("Complexity = %s, want complex", sel.Complexity)
	}

	want := []string{"security", "architect", "developer"}
	got := sel.VoiceIDs()
	if len(got) != len(want) {
		t.Fatalf("team = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("team = %v, want %v", got, want)
		}
	}

	if sel.ExpectedQualityGain != 35.0 {
		t.Errorf("ExpectedQualityGain = %v, want 35.0", sel.ExpectedQualityGain)
	}
	if sel.ROIScore <= 0.15 {
		t.Errorf("ROIScore = %v, want above the multi-voice threshold", sel.ROIScore)
	}
}

// TestSelect_UserPreferenceSingle verifies that an explicit single preference
// wins even when the prompt is complex.
func TestSelect_UserPreferenceSingle(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt:         "Design a secure authentication system that is scalable, considering OOP versus functional approaches.",
		UserPreference: voice.ModeSingle,
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Mode != voice.ModeSingle || len(sel.Voices) != 1 {
		t.Fatalf("Mode/team = %s/%v, want single/1 voice", sel.Mode, sel.VoiceIDs())
	}
	if !strings.Contains(sel.Reasoning, "single voice requested") {
		t.Errorf("Reasoning = %q, want it to note the preference", sel.Reasoning)
	}
}

// TestSelect_WordCountModerate verifies that a long keyword-free prompt is
// classified moderate and gets the balanced two-voice team.
func TestSelect_WordCountModerate(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "please look over the way our little tool greets people when they " +
			"first open it because several of them said the wording felt strange",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Complexity != voice.ComplexityModerate {
		t.Fatalf("Complexity = %s, want moderate", sel.Complexity)
	}
	if sel.Mode != voice.ModeMulti {
		t.Fatalf("Mode = %s, want multi", sel.Mode)
	}
	got := sel.VoiceIDs()
	if len(got) != 2 || got[0] != "architect" || got[1] != "developer" {
		t.Fatalf("team = %v, want [architect developer]", got)
	}
	if sel.ExpectedQualityGain != 25.0 {
		t.Errorf("ExpectedQualityGain = %v, want 25.0", sel.ExpectedQualityGain)
	}
}

// TestSelect_ConnectorForcesComplex verifies that chained requirements make a
// short prompt complex and fill the team to three voices.
func TestSelect_ConnectorForcesComplex(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "refactor the parser and update the docs",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Complexity != voice.ComplexityComplex {
		t.Fatalf("Complexity = %s, want complex", sel.Complexity)
	}
	got := sel.VoiceIDs()
	want := []string{"architect", "developer", "maintainer"}
	if len(got) != len(want) {
		t.Fatalf("team = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("team = %v, want %v", got, want)
		}
	}
}

// TestSelect_ModerateKeyword verifies the keyword score path into moderate.
func TestSelect_ModerateKeyword(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "integrate the new logging backend",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}

	if sel.Complexity != voice.ComplexityModerate {
		t.Fatalf("Complexity = %s, want moderate", sel.Complexity)
	}
	if sel.Mode != voice.ModeMulti || len(sel.Voices) != 2 {
		t.Fatalf("Mode/team = %s/%v, want multi/2 voices", sel.Mode, sel.VoiceIDs())
	}
}

// TestSelect_EmptyRegistry verifies ErrNoVoices on an empty registry.
func TestSelect_EmptyRegistry(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewRegistry())

	_, err := s.Select(context.Background(), voice.TaskContext{Prompt: "anything"})
	if !errors.Is(err, voice.ErrNoVoices) {
		t.Fatalf("Select on empty registry: expected ErrNoVoices, got %v", err)
	}
}

// TestSelect_MaxTeamSize verifies the configured cap in both directions:
// raised caps enlarge complex teams, lowered caps shrink them.
func TestSelect_MaxTeamSize(t *testing.T) {
	t.Parallel()

	prompt := "Design a secure authentication system that is scalable, considering OOP versus functional approaches."

	tests := []struct {
		name     string
		max      int
		wantSize int
	}{
		{"raised to five", 5, 5},
		{"clamped above hard cap", 9, 5},
		{"lowered to one", 1, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := voice.NewSelector(voice.NewDefaultRegistry(), voice.WithMaxTeamSize(tc.max))
			sel, err := s.Select(context.Background(), voice.TaskContext{Prompt: prompt})
			if err != nil {
				t.Fatalf("Select: unexpected error: %v", err)
			}
			if len(sel.Voices) != tc.wantSize {
				t.Fatalf("team size = %d (%v), want %d", len(sel.Voices), sel.VoiceIDs(), tc.wantSize)
			}
			// The security lead must survive any cap on this prompt.
			if sel.Voices[0].ID != "security" {
				t.Errorf("team lead = %s, want security", sel.Voices[0].ID)
			}
		})
	}
}

// TestSelect_TeamNeverExceedsAvailable verifies that small rosters bound the
// team regardless of complexity.
func TestSelect_TeamNeverExceedsAvailable(t *testing.T) {
	t.Parallel()

	r := voice.NewRegistry()
	for _, v := range []struct {
		id     string
		domain string
	}{
		{"guard", voice.DomainSecurity},
		{"coder", voice.DomainImplementation},
	} {
		if err := r.Add(testVoice(v.id, v.domain, 0.7)); err != nil {
			t.Fatalf("setup Add %q: %v", v.id, err)
		}
	}

	s := voice.NewSelector(r)
	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "audit the security architecture",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if sel.Complexity != voice.ComplexityComplex {
		t.Fatalf("Complexity = %s, want complex", sel.Complexity)
	}
	if len(sel.Voices) != 2 {
		t.Fatalf("team = %v, want exactly the 2 available voices", sel.VoiceIDs())
	}
}

// TestSelect_CustomKeywords verifies that custom bags replace the defaults.
func TestSelect_CustomKeywords(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry(),
		voice.WithComplexKeywords("summon", "banish"),
	)

	sel, err := s.Select(context.Background(), voice.TaskContext{Prompt: "summon banish now"})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if sel.Complexity != voice.ComplexityComplex {
		t.Errorf("custom complex keywords: Complexity = %s, want complex", sel.Complexity)
	}

	// The default complex keyword no longer fires.
	sel, err = s.Select(context.Background(), voice.TaskContext{Prompt: "architecture"})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if sel.Complexity != voice.ComplexitySimple {
		t.Errorf("overridden default keyword: Complexity = %s, want simple", sel.Complexity)
	}
}

// TestSelect_CategoryMatch verifies that the category hint steers single-voice
// dispatch when the prompt itself carries no specialization signal.
func TestSelect_CategoryMatch(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt:   "quick correction of a stray word",
		Category: "security",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if sel.Mode != voice.ModeSingle {
		t.Fatalf("Mode = %s, want single", sel.Mode)
	}
	if sel.Voices[0].ID != "security" {
		t.Fatalf("voice = %s, want security (category match)", sel.Voices[0].ID)
	}
}

// TestSelect_NearMissSpecialization verifies that a one-letter typo still
// counts as a specialization hit via edit distance.
func TestSelect_NearMissSpecialization(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())

	sel, err := s.Select(context.Background(), voice.TaskContext{
		Prompt: "please handle the securty review of this module",
	})
	if err != nil {
		t.Fatalf("Select: unexpected error: %v", err)
	}
	if sel.Mode != voice.ModeSingle {
		t.Fatalf("Mode = %s, want single", sel.Mode)
	}
	if sel.Voices[0].ID != "security" {
		t.Fatalf("voice = %s, want security (near-miss on %q)", sel.Voices[0].ID, "securty")
	}
}

// TestSelect_RecallerAnnotatesReasoning verifies the memory hook: recalled
// learnings are noted in the reasoning, recall failures are ignored.
func TestSelect_RecallerAnnotatesReasoning(t *testing.T) {
	t.Parallel()

	task := voice.TaskContext{
		Prompt:   "Write a hello world function in TypeScript.",
		Category: "implementation",
	}

	t.Run("hints are noted", func(t *testing.T) {
		t.Parallel()
		s := voice.NewSelector(voice.NewDefaultRegistry(),
			voice.WithRecaller(fakeRecaller{hints: []string{"a", "b"}}),
		)
		sel, err := s.Select(context.Background(), task)
		if err != nil {
			t.Fatalf("Select: unexpected error: %v", err)
		}
		if !strings.Contains(sel.Reasoning, "2 prior learnings considered") {
			t.Errorf("Reasoning = %q, want recall annotation", sel.Reasoning)
		}
	})

	t.Run("recall failure is ignored", func(t *testing.T) {
		t.Parallel()
		s := voice.NewSelector(voice.NewDefaultRegistry(),
			voice.WithRecaller(fakeRecaller{err: errors.New("store offline")}),
		)
		sel, err := s.Select(context.Background(), task)
		if err != nil {
			t.Fatalf("Select: unexpected error: %v", err)
		}
		if strings.Contains(sel.Reasoning, "prior learnings") {
			t.Errorf("Reasoning = %q, want no recall annotation on failure", sel.Reasoning)
		}
	})
}

// TestSelect_Deterministic verifies that repeated selection over the same
// registry yields an identical team.
func TestSelect_Deterministic(t *testing.T) {
	t.Parallel()
	s := voice.NewSelector(voice.NewDefaultRegistry())
	task := voice.TaskContext{
		Prompt: "Design a secure authentication system that is scalable, considering OOP versus functional approaches.",
	}

	first, err := s.Select(context.Background(), task)
	if err != nil {
		t.Fatalf("Select first: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := s.Select(context.Background(), task)
		if err != nil {
			t.Fatalf("Select again: %v", err)
		}
		gotIDs := strings.Join(again.VoiceIDs(), ",")
		wantIDs := strings.Join(first.VoiceIDs(), ",")
		if gotIDs != wantIDs {
			t.Fatalf("selection changed between runs: %s vs %s", gotIDs, wantIDs)
		}
	}
}
