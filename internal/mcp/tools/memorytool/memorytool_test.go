package memorytool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/polyvox/polyvox/pkg/memory"
	"github.com/polyvox/polyvox/pkg/memory/mock"
)

// ─────────────────────────────────────────────────────────────────────────────
// recall
// ─────────────────────────────────────────────────────────────────────────────

func TestRecall_Success(t *testing.T) {
	t.Parallel()
	store := &mock.Store{
		RelevantResult: []memory.RelevantMemory{
			{Key: "preferred_error_style", Value: "wrapped sentinels", Confidence: 0.9},
			{Key: "test_framework", Value: "stdlib testing", Confidence: 0.8},
		},
	}

	handler := makeRecallHandler(store)
	out, err := handler(context.Background(), map[string]any{"query": "error style"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var memories []memory.RelevantMemory
	if err := json.Unmarshal([]byte(out), &memories); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if len(memories) != 2 {
		t.Errorf("expected 2 memories, got %d", len(memories))
	}

	if n := store.CallCount("RetrieveRelevantMemories"); n != 1 {
		t.Errorf("expected 1 RetrieveRelevantMemories call, got %d", n)
	}
}

func TestRecall_ForwardsScopeAndLimit(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	handler := makeRecallHandler(store)

	_, err := handler(context.Background(), map[string]any{
		"query":        "naming",
		"project_path": "/work/polyvox",
		"limit":        3,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	if got := calls[0].Args[1].(string); got != "/work/polyvox" {
		t.Errorf("project path = %q, want %q", got, "/work/polyvox")
	}
	if got := calls[0].Args[2].(int); got != 3 {
		t.Errorf("limit = %d, want 3", got)
	}
}

func TestRecall_DefaultLimit(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	handler := makeRecallHandler(store)

	_, err := handler(context.Background(), map[string]any{"query": "anything"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := store.Calls()
	if len(calls) == 0 {
		t.Fatal("no calls recorded")
	}
	if got := calls[0].Args[2].(int); got != defaultRecallLimit {
		t.Errorf("limit = %d, want %d (default)", got, defaultRecallLimit)
	}
}

func TestRecall_EmptyQuery(t *testing.T) {
	t.Parallel()
	handler := makeRecallHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{"query": ""}, nil)
	if err == nil {
		t.Error("expected error for empty query")
	}
	if !strings.HasPrefix(err.Error(), "memory tool:") {
		t.Errorf("error %q should be prefixed with 'memory tool:'", err.Error())
	}
}

func TestRecall_StoreError(t *testing.T) {
	t.Parallel()
	handler := makeRecallHandler(&mock.Store{
		RelevantErr: errors.New("database unavailable"),
	})

	_, err := handler(context.Background(), map[string]any{"query": "anything"}, nil)
	if err == nil {
		t.Error("expected error from store")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// remember
// ─────────────────────────────────────────────────────────────────────────────

func TestRemember_Success(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	handler := makeRememberHandler(store)

	out, err := handler(context.Background(), map[string]any{
		"key":   "preferred_error_style",
		"value": "wrapped sentinels",
		"tags":  []string{"style"},
	}, map[string]any{"voice_id": "security"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res rememberResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if res.ID == "" {
		t.Error("result should carry the stored memory's id")
	}
	if res.Key != "preferred_error_style" {
		t.Errorf("Key = %q, want preferred_error_style", res.Key)
	}

	if len(store.Memories) != 1 {
		t.Fatalf("expected 1 stored memory, got %d", len(store.Memories))
	}
	m := store.Memories[0]
	if m.Category != defaultCategory {
		t.Errorf("Category = %q, want %q (default)", m.Category, defaultCategory)
	}
	if m.Confidence != defaultConfidence {
		t.Errorf("Confidence = %v, want %v (default)", m.Confidence, defaultConfidence)
	}

	// The calling voice must be recorded as an attribution tag.
	found := false
	for _, tag := range m.Tags {
		if tag == "voice:security" {
			found = true
		}
	}
	if !found {
		t.Errorf("Tags = %v, missing voice:security", m.Tags)
	}
}

func TestRemember_TTLSetsExpiry(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	handler := makeRememberHandler(store)

	before := time.Now()
	_, err := handler(context.Background(), map[string]any{
		"key":         "scratch_note",
		"value":       "temporary",
		"ttl_seconds": 3600,
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := store.Memories[0]
	if m.ExpiresAt.IsZero() {
		t.Fatal("ExpiresAt not set")
	}
	if got := m.ExpiresAt.Sub(before); got < time.Hour || got > time.Hour+time.Minute {
		t.Errorf("expiry %v from now, want ~1h", got)
	}
}

func TestRemember_EmptyKey(t *testing.T) {
	t.Parallel()
	handler := makeRememberHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{"key": "", "value": "x"}, nil)
	if err == nil {
		t.Error("expected error for empty key")
	}
}

func TestRemember_MissingValue(t *testing.T) {
	t.Parallel()
	handler := makeRememberHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{"key": "orphan"}, nil)
	if err == nil {
		t.Error("expected error for missing value")
	}
}

func TestRemember_InvalidConfidence(t *testing.T) {
	t.Parallel()
	handler := makeRememberHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{
		"key":        "bad",
		"value":      "x",
		"confidence": 1.5,
	}, nil)
	if err == nil {
		t.Error("expected validation error for confidence > 1")
	}
}

func TestRemember_StoreError(t *testing.T) {
	t.Parallel()
	handler := makeRememberHandler(&mock.Store{
		StoreMemoryErr: errors.New("disk full"),
	})

	_, err := handler(context.Background(), map[string]any{"key": "k", "value": "v"}, nil)
	if err == nil {
		t.Error("expected error from store")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// learn
// ─────────────────────────────────────────────────────────────────────────────

func TestLearn_Success(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	handler := makeLearnHandler(store)

	out, err := handler(context.Background(), map[string]any{
		"session_id":       "sess-7",
		"user_input":       "refactor the cache layer",
		"intent":           "refactor",
		"tasks_completed":  []string{"extract interface", "add tests"},
		"success":          true,
		"duration_seconds": 90.0,
		"learnings": []map[string]any{
			{"type": "tool_choice", "description": "table tests caught the regression", "confidence": 0.8},
		},
	}, map[string]any{"voice_id": "developer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var res learnResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("failed to unmarshal: %v\noutput: %s", err, out)
	}
	if res.ID == "" {
		t.Error("result should carry the stored learning's id")
	}

	if len(store.Learnings) != 1 {
		t.Fatalf("expected 1 stored learning, got %d", len(store.Learnings))
	}
	l := store.Learnings[0]
	if l.SessionID != "sess-7" || l.Intent != "refactor" || !l.Success {
		t.Errorf("stored learning %+v", l)
	}
	if l.Duration != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", l.Duration)
	}
	if len(l.Learnings) != 1 || l.Learnings[0].Type != "tool_choice" {
		t.Errorf("Learnings = %+v", l.Learnings)
	}
	if got := l.Metadata["voice_id"]; got != "developer" {
		t.Errorf("Metadata[voice_id] = %v, want developer", got)
	}
}

func TestLearn_MissingSessionID(t *testing.T) {
	t.Parallel()
	handler := makeLearnHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{"intent": "debug", "success": false}, nil)
	if err == nil {
		t.Error("expected error for missing session_id")
	}
}

func TestLearn_MissingIntent(t *testing.T) {
	t.Parallel()
	handler := makeLearnHandler(&mock.Store{})

	_, err := handler(context.Background(), map[string]any{"session_id": "s", "success": true}, nil)
	if err == nil {
		t.Error("expected error for missing intent")
	}
}

func TestLearn_StoreError(t *testing.T) {
	t.Parallel()
	handler := makeLearnHandler(&mock.Store{
		StoreLearningErr: errors.New("write failed"),
	})

	_, err := handler(context.Background(), map[string]any{
		"session_id": "sess-1",
		"intent":     "debug",
		"success":    true,
	}, nil)
	if err == nil {
		t.Error("expected error from store")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// NewServer
// ─────────────────────────────────────────────────────────────────────────────

func TestNewServer_ExposesExpectedTools(t *testing.T) {
	t.Parallel()
	srv := NewServer(&mock.Store{})

	if srv.Name() != ServerName {
		t.Errorf("Name = %q, want %q", srv.Name(), ServerName)
	}

	wantCaps := map[string]bool{
		"memory_recall": true,
		"memory_store":  true,
		"memory_learn":  true,
	}
	for _, def := range srv.Definitions() {
		if !wantCaps[def.Capability] {
			t.Errorf("unexpected capability %q", def.Capability)
		}
		delete(wantCaps, def.Capability)
	}
	for missing := range wantCaps {
		t.Errorf("missing capability %q", missing)
	}
}

func TestNewServer_RoutesByCapability(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	srv := NewServer(store)

	_, err := srv.Call(context.Background(), "memory_recall", map[string]any{"query": "style"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if n := store.CallCount("RetrieveRelevantMemories"); n != 1 {
		t.Errorf("expected 1 RetrieveRelevantMemories call, got %d", n)
	}
}
