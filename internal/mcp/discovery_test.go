package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// stubEndpoint is a scriptable Endpoint. With no script it succeeds with "ok".
type stubEndpoint struct {
	mu    sync.Mutex
	calls int
	seen  []map[string]any
	fn    func(call int, capability string, params, reqCtx map[string]any) (string, error)
}

func (e *stubEndpoint) Call(_ context.Context, capability string, params, reqCtx map[string]any) (string, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.seen = append(e.seen, reqCtx)
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(n, capability, params, reqCtx)
	}
	return "ok", nil
}

func (e *stubEndpoint) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *stubEndpoint) lastContext() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.seen) == 0 {
		return nil
	}
	return e.seen[len(e.seen)-1]
}

func TestStatsWindow_ErrorRateOverWindow(t *testing.T) {
	w := newStatsWindow(3)
	w.record(10, true)
	w.record(10, false)
	w.record(10, false)
	if got := w.errorRate(); got != 1.0/3 {
		t.Errorf("errorRate = %v, want 1/3", got)
	}

	// A fourth sample overwrites the oldest (the only failure).
	w.record(10, false)
	if got := w.errorRate(); got != 0 {
		t.Errorf("errorRate after overwrite = %v, want 0", got)
	}
}

func TestStatsWindow_Latencies(t *testing.T) {
	w := newStatsWindow(5)
	if got := w.p50(); got != 0 {
		t.Errorf("p50 with no samples = %d, want 0", got)
	}
	for _, ms := range []int64{100, 300, 200} {
		w.record(ms, false)
	}
	if got := w.p50(); got != 200 {
		t.Errorf("p50 = %d, want 200", got)
	}
	if got := w.mean(); got != 200 {
		t.Errorf("mean = %v, want 200", got)
	}
}

func TestDirectory_RegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		info ServerInfo
		ep   Endpoint
	}{
		{name: "empty id", info: ServerInfo{Capabilities: []string{"x"}}, ep: &stubEndpoint{}},
		{name: "no capabilities", info: ServerInfo{ID: "s"}, ep: &stubEndpoint{}},
		{name: "nil endpoint", info: ServerInfo{ID: "s", Capabilities: []string{"x"}}, ep: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDirectory()
			if err := d.Register(tt.info, tt.ep); err == nil {
				t.Error("Register accepted an invalid server")
			}
		})
	}
}

func TestDirectory_FindFiltersAndOrders(t *testing.T) {
	d := NewDirectory()
	servers := []ServerInfo{
		{ID: "srv-a", Name: "A", Category: "analysis", Tags: []string{"fast"}, Capabilities: []string{"analyze"}},
		{ID: "srv-b", Name: "B", Category: "analysis", Tags: []string{"fast", "gpu"}, Capabilities: []string{"analyze", "summarize"}},
		{ID: "srv-c", Name: "C", Category: "storage", Capabilities: []string{"store"}},
	}
	for _, s := range servers {
		if err := d.Register(s, &stubEndpoint{}); err != nil {
			t.Fatalf("Register(%s): %v", s.ID, err)
		}
	}

	t.Run("by capability, ties break by id", func(t *testing.T) {
		got := d.Find(Query{Capability: "analyze"})
		if len(got) != 2 || got[0].ID != "srv-a" || got[1].ID != "srv-b" {
			t.Fatalf("Find(analyze) = %v, want [srv-a srv-b]", ids(got))
		}
	})

	t.Run("degraded server sorts last", func(t *testing.T) {
		d.RecordOutcome("srv-a", false, 10*time.Millisecond)
		got := d.Find(Query{Capability: "analyze"})
		if len(got) != 2 || got[0].ID != "srv-b" {
			t.Fatalf("Find(analyze) = %v, want srv-b first", ids(got))
		}
	})

	t.Run("min reliability excludes failures", func(t *testing.T) {
		got := d.Find(Query{Capability: "analyze", MinReliability: 50})
		if len(got) != 1 || got[0].ID != "srv-b" {
			t.Fatalf("Find = %v, want [srv-b]", ids(got))
		}
	})

	t.Run("category filter", func(t *testing.T) {
		got := d.Find(Query{Category: "storage"})
		if len(got) != 1 || got[0].ID != "srv-c" {
			t.Fatalf("Find(storage) = %v, want [srv-c]", ids(got))
		}
	})

	t.Run("all tags required", func(t *testing.T) {
		got := d.Find(Query{Tags: []string{"fast", "gpu"}})
		if len(got) != 1 || got[0].ID != "srv-b" {
			t.Fatalf("Find(fast+gpu) = %v, want [srv-b]", ids(got))
		}
	})

	t.Run("max latency excludes slow servers", func(t *testing.T) {
		d.RecordOutcome("srv-b", true, 2*time.Second)
		got := d.Find(Query{Capability: "summarize", MaxLatency: time.Second})
		if len(got) != 0 {
			t.Fatalf("Find = %v, want none", ids(got))
		}
	})
}

func ids(infos []ServerInfo) []string {
	out := make([]string, len(infos))
	for i, s := range infos {
		out[i] = s.ID
	}
	return out
}

func TestDirectory_Deregister(t *testing.T) {
	d := NewDirectory()
	if err := d.Register(ServerInfo{ID: "srv", Capabilities: []string{"analyze"}}, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}
	if !d.Deregister("srv") {
		t.Fatal("Deregister returned false for a registered server")
	}
	if d.Deregister("srv") {
		t.Error("Deregister returned true twice")
	}
	if d.HasCapability("analyze") {
		t.Error("capability survived deregistration")
	}
	if got := d.Find(Query{Capability: "analyze"}); len(got) != 0 {
		t.Errorf("Find after deregister = %v, want none", ids(got))
	}
}

func TestDirectory_Scores(t *testing.T) {
	d := NewDirectory()
	if err := d.Register(ServerInfo{ID: "srv", Capabilities: []string{"x"}}, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}

	// Fresh servers get the benefit of the doubt.
	if got := d.Reliability("srv"); got != 100 {
		t.Errorf("Reliability fresh = %v, want 100", got)
	}
	if got := d.Performance("srv"); got != 100 {
		t.Errorf("Performance fresh = %v, want 100", got)
	}

	d.RecordOutcome("srv", true, 500*time.Millisecond)
	d.RecordOutcome("srv", false, 500*time.Millisecond)
	if got := d.Reliability("srv"); got != 50 {
		t.Errorf("Reliability = %v, want 50", got)
	}
	if got := d.Performance("srv"); got != 90 {
		t.Errorf("Performance at 500ms median = %v, want 90", got)
	}

	if got := d.Reliability("ghost"); got != 0 {
		t.Errorf("Reliability(unknown) = %v, want 0", got)
	}
}

func TestDirectory_NearestCapability(t *testing.T) {
	d := NewDirectory()
	if err := d.Register(ServerInfo{ID: "srv", Capabilities: []string{"read-file", "write-file"}}, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}

	got, ok := d.NearestCapability("read-fille")
	if !ok || got != "read-file" {
		t.Errorf("NearestCapability(read-fille) = %q, %v; want read-file, true", got, ok)
	}

	// An exact match is excluded; the suggestion is always a different name.
	got, ok = d.NearestCapability("read-file")
	if !ok || got != "write-file" {
		t.Errorf("NearestCapability(read-file) = %q, %v; want write-file, true", got, ok)
	}

	empty := NewDirectory()
	if _, ok := empty.NearestCapability("anything"); ok {
		t.Error("NearestCapability on empty directory reported a match")
	}
}

func TestDirectory_ReRegisterResetsHealth(t *testing.T) {
	d := NewDirectory()
	info := ServerInfo{ID: "srv", Capabilities: []string{"x"}}
	if err := d.Register(info, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}
	d.RecordOutcome("srv", false, 10*time.Millisecond)
	if got := d.Reliability("srv"); got != 0 {
		t.Fatalf("Reliability = %v, want 0", got)
	}

	if err := d.Register(info, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}
	if got := d.Reliability("srv"); got != 100 {
		t.Errorf("Reliability after re-register = %v, want 100", got)
	}
}

func TestDirectory_Health(t *testing.T) {
	d := NewDirectory()
	for _, id := range []string{"srv-b", "srv-a"} {
		if err := d.Register(ServerInfo{ID: id, Name: id, Capabilities: []string{"x"}}, &stubEndpoint{}); err != nil {
			t.Fatal(err)
		}
	}
	d.RecordOutcome("srv-a", true, 100*time.Millisecond)

	health := d.Health()
	if len(health) != 2 {
		t.Fatalf("Health returned %d entries, want 2", len(health))
	}
	if health[0].ID != "srv-a" || health[1].ID != "srv-b" {
		t.Errorf("Health order = [%s %s], want [srv-a srv-b]", health[0].ID, health[1].ID)
	}
	if health[0].Samples != 1 || health[0].MedianMs != 100 {
		t.Errorf("srv-a health = %+v, want 1 sample at 100ms", health[0])
	}
}

func TestDirectory_EndpointLookup(t *testing.T) {
	d := NewDirectory()
	ep := &stubEndpoint{}
	if err := d.Register(ServerInfo{ID: "srv", Capabilities: []string{"x"}}, ep); err != nil {
		t.Fatal(err)
	}
	got, ok := d.Endpoint("srv")
	if !ok || got != Endpoint(ep) {
		t.Error("Endpoint did not return the registered endpoint")
	}
	if _, ok := d.Endpoint("ghost"); ok {
		t.Error("Endpoint reported an unknown server")
	}
}

var errBackend = errors.New("backend exploded")
