package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	memorymock "github.com/polyvox/polyvox/pkg/memory/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager to a mock store through a consolidator.
func newTestManager(store *memorymock.Store) *Manager {
	return NewManager(
		WithLogger(discardLogger()),
		WithConsolidator(NewConsolidator(ConsolidatorConfig{Store: store})),
	)
}

func TestManager_CreateAndGet(t *testing.T) {
	t.Run("create registers the session", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))

		sess := m.Create("plan-1")
		if sess.ID != "plan-1" {
			t.Errorf("ID = %q, want plan-1", sess.ID)
		}
		if sess.StartedAt.IsZero() {
			t.Error("StartedAt is zero")
		}

		got, ok := m.Get("plan-1")
		if !ok || got != sess {
			t.Error("Get did not return the created session")
		}
	})

	t.Run("create is idempotent", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))

		first := m.Create("plan-1")
		second := m.Create("plan-1")
		if first != second {
			t.Error("expected the same session for repeated Create")
		}
		if m.Active() != 1 {
			t.Errorf("Active = %d, want 1", m.Active())
		}
	})

	t.Run("get unknown id", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))
		if _, ok := m.Get("missing"); ok {
			t.Error("expected !ok for unknown id")
		}
	})
}

func TestManager_OpenSharesDataAcrossCallers(t *testing.T) {
	m := NewManager(WithLogger(discardLogger()))

	m.Open("plan-1").Set("step-1.result", 42)

	v, ok := m.Open("plan-1").Get("step-1.result")
	if !ok || v != 42 {
		t.Errorf("Get = (%v, %v), want (42, true)", v, ok)
	}
}

func TestManager_Close(t *testing.T) {
	t.Run("consolidates recorded work", func(t *testing.T) {
		store := &memorymock.Store{}
		m := newTestManager(store)

		sess := m.Create("plan-1")
		sess.SetRequest("refactor the parser", "refactor")
		sess.RecordPlan(3, 0)

		m.Close(context.Background(), "plan-1")

		if got := store.CallCount("StoreLearning"); got != 1 {
			t.Fatalf("expected 1 StoreLearning call, got %d", got)
		}
		if _, ok := m.Get("plan-1"); ok {
			t.Error("session still registered after Close")
		}
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		store := &memorymock.Store{}
		m := newTestManager(store)

		m.Close(context.Background(), "missing")

		if got := store.CallCount("StoreLearning"); got != 0 {
			t.Errorf("expected no store calls, got %d", got)
		}
	})

	t.Run("without a consolidator the session is simply dropped", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))
		m.Create("plan-1").RecordPlan(1, 0)

		m.Close(context.Background(), "plan-1")

		if m.Active() != 0 {
			t.Errorf("Active = %d, want 0", m.Active())
		}
	})

	t.Run("consolidation failure still removes the session", func(t *testing.T) {
		store := &memorymock.Store{StoreLearningErr: fmt.Errorf("db locked")}
		m := newTestManager(store)
		m.Create("plan-1").RecordPlan(1, 0)

		m.Close(context.Background(), "plan-1")

		if _, ok := m.Get("plan-1"); ok {
			t.Error("session survived a failed consolidation")
		}
	})
}

func TestManager_ReleaseClosesTheSession(t *testing.T) {
	store := &memorymock.Store{}
	m := newTestManager(store)

	m.Open("plan-1").Set("step-1.result", "done")
	sess, _ := m.Get("plan-1")
	sess.RecordPlan(2, 0)

	m.Release("plan-1")

	if m.Active() != 0 {
		t.Errorf("Active = %d, want 0", m.Active())
	}
	if got := store.CallCount("StoreLearning"); got != 1 {
		t.Errorf("expected 1 StoreLearning call, got %d", got)
	}
}

func TestManager_CloseAll(t *testing.T) {
	store := &memorymock.Store{}
	m := newTestManager(store)

	m.Create("plan-1").RecordPlan(1, 0)
	m.Create("plan-2").RecordPlan(2, 1)
	m.Create("plan-3") // no work, leaves no learning

	m.CloseAll(context.Background())

	if m.Active() != 0 {
		t.Errorf("Active = %d, want 0", m.Active())
	}
	if got := store.CallCount("StoreLearning"); got != 2 {
		t.Errorf("expected 2 StoreLearning calls, got %d", got)
	}
}

func TestManager_ApprovalHistory(t *testing.T) {
	t.Run("append creates the session when absent", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))

		m.AppendApproval("sess-1", grantedEntry("a.txt"))

		if m.Active() != 1 {
			t.Errorf("Active = %d, want 1", m.Active())
		}
		if got := len(m.ApprovalHistory("sess-1")); got != 1 {
			t.Errorf("history length = %d, want 1", got)
		}
	})

	t.Run("entries keep completion order", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))

		m.AppendApproval("sess-1", grantedEntry("a.txt"))
		m.AppendApproval("sess-1", deniedEntry("rm -rf /"))
		m.AppendApproval("sess-1", grantedEntry("b.txt"))

		h := m.ApprovalHistory("sess-1")
		if len(h) != 3 {
			t.Fatalf("history length = %d, want 3", len(h))
		}
		targets := []string{h[0].Operation.Target, h[1].Operation.Target, h[2].Operation.Target}
		if targets[0] != "a.txt" || targets[1] != "rm -rf /" || targets[2] != "b.txt" {
			t.Errorf("history order = %v", targets)
		}
	})

	t.Run("unknown session has no history", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))
		if got := len(m.ApprovalHistory("missing")); got != 0 {
			t.Errorf("history length = %d, want 0", got)
		}
	})

	t.Run("history dies with the session", func(t *testing.T) {
		m := NewManager(WithLogger(discardLogger()))
		m.AppendApproval("sess-1", grantedEntry("a.txt"))

		m.Close(context.Background(), "sess-1")

		if got := len(m.ApprovalHistory("sess-1")); got != 0 {
			t.Errorf("history survived session close: %d entries", got)
		}
	})
}

func TestManager_ConcurrentAccess(t *testing.T) {
	store := &memorymock.Store{}
	m := newTestManager(store)

	const goroutines = 24
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := range goroutines {
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("plan-%d", i%4)
			switch i % 4 {
			case 0:
				m.Open(id).Set("k", i)
			case 1:
				m.AppendApproval(id, grantedEntry("a.txt"))
			case 2:
				m.Create(id).RecordTask("task")
			default:
				m.Close(context.Background(), id)
			}
		}(i)
	}

	wg.Wait()
	m.CloseAll(context.Background())

	if m.Active() != 0 {
		t.Errorf("Active = %d, want 0 after CloseAll", m.Active())
	}
}
