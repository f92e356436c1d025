package session

import (
	"slices"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/approval"
)

func grantedEntry(target string) approval.HistoryEntry {
	return approval.HistoryEntry{
		Timestamp: time.Now().UTC(),
		Operation: approval.Operation{Type: approval.OpFileWrite, Target: target},
		Result:    approval.Result{Status: approval.StatusApproved, Granted: true},
	}
}

func deniedEntry(target string) approval.HistoryEntry {
	return approval.HistoryEntry{
		Timestamp: time.Now().UTC(),
		Operation: approval.Operation{Type: approval.OpCommandExec, Target: target},
		Result:    approval.Result{Status: approval.StatusDenied, Granted: false},
	}
}

func TestCollabSession_SharedData(t *testing.T) {
	t.Run("set and get round-trip", func(t *testing.T) {
		s := newSession("plan-1", time.Now())
		s.Set("step-1.result", "parsed 12 files")

		v, ok := s.Get("step-1.result")
		if !ok {
			t.Fatal("expected key to be present")
		}
		if v != "parsed 12 files" {
			t.Errorf("Get = %v, want %q", v, "parsed 12 files")
		}
	})

	t.Run("missing key", func(t *testing.T) {
		s := newSession("plan-1", time.Now())
		if _, ok := s.Get("absent"); ok {
			t.Error("expected missing key to report !ok")
		}
	})

	t.Run("set replaces previous value", func(t *testing.T) {
		s := newSession("plan-1", time.Now())
		s.Set("k", 1)
		s.Set("k", 2)

		v, _ := s.Get("k")
		if v != 2 {
			t.Errorf("Get = %v, want 2", v)
		}
	})

	t.Run("shared keys are sorted", func(t *testing.T) {
		s := newSession("plan-1", time.Now())
		s.Set("zeta", 1)
		s.Set("alpha", 2)
		s.Set("mid", 3)

		got := s.SharedKeys()
		want := []string{"alpha", "mid", "zeta"}
		if !slices.Equal(got, want) {
			t.Errorf("SharedKeys = %v, want %v", got, want)
		}
	})
}

func TestCollabSession_SetRequestFirstWins(t *testing.T) {
	s := newSession("plan-1", time.Now())
	s.SetRequest("refactor the parser", "refactor")
	s.SetRequest("something else entirely", "debug")

	input, intent := s.Request()
	if input != "refactor the parser" {
		t.Errorf("input = %q, want the first write", input)
	}
	if intent != "refactor" {
		t.Errorf("intent = %q, want the first write", intent)
	}
}

func TestCollabSession_Counters(t *testing.T) {
	s := newSession("plan-1", time.Now())
	s.RecordPlan(3, 1)
	s.RecordPlan(2, 0)
	s.RecordTask("collected repository layout")
	s.appendApproval(grantedEntry("a.txt"))
	s.appendApproval(deniedEntry("rm -rf /"))

	m := s.Snapshot()
	if m.PlansExecuted != 2 {
		t.Errorf("PlansExecuted = %d, want 2", m.PlansExecuted)
	}
	if m.StepsCompleted != 5 || m.StepsFailed != 1 {
		t.Errorf("steps = %d/%d, want 5/1", m.StepsCompleted, m.StepsFailed)
	}
	if m.ApprovalsGranted != 1 || m.ApprovalsDenied != 1 {
		t.Errorf("approvals = %d granted / %d denied, want 1/1", m.ApprovalsGranted, m.ApprovalsDenied)
	}
	if len(m.TasksCompleted) != 1 {
		t.Errorf("TasksCompleted = %v, want one entry", m.TasksCompleted)
	}
}

func TestCollabSession_SnapshotIsACopy(t *testing.T) {
	s := newSession("plan-1", time.Now())
	s.RecordTask("first")

	m := s.Snapshot()
	m.TasksCompleted[0] = "mutated"
	m.TasksCompleted = append(m.TasksCompleted, "extra")

	again := s.Snapshot()
	if len(again.TasksCompleted) != 1 || again.TasksCompleted[0] != "first" {
		t.Errorf("snapshot mutation leaked into the session: %v", again.TasksCompleted)
	}
}

func TestCollabSession_ApprovalHistoryIsACopy(t *testing.T) {
	s := newSession("plan-1", time.Now())
	s.appendApproval(grantedEntry("a.txt"))

	h := s.ApprovalHistory()
	h[0].Operation.Target = "mutated"

	if got := s.ApprovalHistory()[0].Operation.Target; got != "a.txt" {
		t.Errorf("history mutation leaked into the session: %q", got)
	}
}
