package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/polyvox/polyvox/internal/resilience"
	"github.com/polyvox/polyvox/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// slowEndpoint honours context cancellation, unlike stubEndpoint.
type slowEndpoint struct {
	delay time.Duration
}

func (e *slowEndpoint) Call(ctx context.Context, _ string, _, _ map[string]any) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(e.delay):
		return "done", nil
	}
}

type recordingMetrics struct {
	mu     sync.Mutex
	series map[string][]float64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{series: make(map[string][]float64)}
}

func (m *recordingMetrics) Record(series string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[series] = append(m.series[series], value)
}

func (m *recordingMetrics) count(series string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.series[series])
}

// fastRetry retries n times with negligible delay.
func fastRetry(n int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries: n,
		Backoff:    resilience.BackoffLinear,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		RetryOn:    resilience.RetryOnAll,
	}
}

func newTestCoordinator(t *testing.T, servers map[string]*stubEndpoint, opts ...Option) *Coordinator {
	t.Helper()
	d := NewDirectory()
	for id, ep := range servers {
		err := d.Register(ServerInfo{
			ID:           id,
			Name:         id,
			Capabilities: []string{"analyze", "summarize"},
		}, ep)
		if err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	c := New(d, append([]Option{WithLogger(testLogger())}, opts...)...)
	t.Cleanup(c.Close)
	return c
}

func TestHandleRequest_RoutesToServer(t *testing.T) {
	ep := &stubEndpoint{}
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": ep})
	events, cancel := c.Events().Subscribe()
	defer cancel()

	resp := c.HandleRequest(context.Background(), VoiceRequest{
		VoiceID:    "developer",
		Capability: "analyze",
		Parameters: map[string]any{"target": "main.go"},
		Context:    map[string]any{"intent": "review"},
		Phase:      "analysis",
		Priority:   2,
	})

	if !resp.Success {
		t.Fatalf("HandleRequest failed: %v", resp.Err)
	}
	if resp.Result != "ok" {
		t.Errorf("Result = %q, want ok", resp.Result)
	}
	if resp.ServerID != "srv-a" {
		t.Errorf("ServerID = %q, want srv-a", resp.ServerID)
	}
	if resp.ConnectionID != "developer/analyze/srv-a" {
		t.Errorf("ConnectionID = %q, want developer/analyze/srv-a", resp.ConnectionID)
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	if resp.RequestID == "" {
		t.Error("RequestID was not assigned")
	}

	reqCtx := ep.lastContext()
	if reqCtx["voice_id"] != "developer" || reqCtx["phase"] != "analysis" || reqCtx["priority"] != 2 {
		t.Errorf("server saw context %v, want voice_id/phase/priority annotations", reqCtx)
	}
	if reqCtx["intent"] != "review" {
		t.Errorf("caller context was not forwarded: %v", reqCtx)
	}

	select {
	case ev := <-events:
		if ev.Type != EventVoiceSuccess || ev.ServerID != "srv-a" {
			t.Errorf("event = %+v, want %s from srv-a", ev, EventVoiceSuccess)
		}
	default:
		t.Error("no event published")
	}
}

func TestHandleRequest_EmptyCapability(t *testing.T) {
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": {}})
	resp := c.HandleRequest(context.Background(), VoiceRequest{VoiceID: "dev"})
	if resp.Success || resp.Err == nil {
		t.Fatal("empty capability was accepted")
	}
}

func TestHandleRequest_UnknownCapabilitySuggestsNearest(t *testing.T) {
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": {}})
	events, cancel := c.Events().Subscribe()
	defer cancel()

	resp := c.HandleRequest(context.Background(), VoiceRequest{
		VoiceID:    "dev",
		Capability: "sumarize",
	})
	if resp.Success {
		t.Fatal("unknown capability succeeded")
	}
	if !errors.Is(resp.Err, ErrNoSuitableServer) {
		t.Errorf("Err = %v, want ErrNoSuitableServer", resp.Err)
	}
	if !strings.Contains(resp.Err.Error(), `"summarize"`) {
		t.Errorf("Err = %v, want a summarize suggestion", resp.Err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventVoiceError {
			t.Errorf("event type = %s, want %s", ev.Type, EventVoiceError)
		}
	default:
		t.Error("no failure event published")
	}
}

func TestHandleRequest_PreferredAndAvoidedServers(t *testing.T) {
	tests := []struct {
		name    string
		voice   types.Voice
		wantSrv string
		wantErr bool
	}{
		{
			name:    "preferred narrows the candidates",
			voice:   types.Voice{ID: "dev", PreferredServers: []string{"srv-b"}},
			wantSrv: "srv-b",
		},
		{
			name:    "avoided removes a candidate",
			voice:   types.Voice{ID: "dev", AvoidedServers: []string{"srv-a"}},
			wantSrv: "srv-b",
		},
		{
			name:    "preferred with no overlap fails",
			voice:   types.Voice{ID: "dev", PreferredServers: []string{"srv-z"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": {}, "srv-b": {}})
			if err := c.RegisterVoice(tt.voice); err != nil {
				t.Fatal(err)
			}
			resp := c.HandleRequest(context.Background(), VoiceRequest{
				VoiceID:    "dev",
				Capability: "analyze",
			})
			if tt.wantErr {
				if !errors.Is(resp.Err, ErrNoSuitableServer) {
					t.Errorf("Err = %v, want ErrNoSuitableServer", resp.Err)
				}
				return
			}
			if !resp.Success {
				t.Fatalf("HandleRequest failed: %v", resp.Err)
			}
			if resp.ServerID != tt.wantSrv {
				t.Errorf("ServerID = %q, want %q", resp.ServerID, tt.wantSrv)
			}
		})
	}
}

func TestHandleRequest_RetriesCountOnBreaker(t *testing.T) {
	ep := &stubEndpoint{fn: func(int, string, map[string]any, map[string]any) (string, error) {
		return "", errBackend
	}}
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": ep},
		WithBreakerConfig(resilience.CircuitBreakerConfig{MaxFailures: 10, ResetTimeout: time.Hour}))

	resp := c.HandleRequest(context.Background(), VoiceRequest{
		VoiceID:    "dev",
		Capability: "analyze",
		Retry:      fastRetry(3),
	})

	if resp.Success {
		t.Fatal("request succeeded against a failing backend")
	}
	if resp.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", resp.Attempts)
	}
	if got := ep.callCount(); got != 4 {
		t.Errorf("backend saw %d calls, want 4", got)
	}

	// Every attempt counts against the connection's breaker, one for one.
	snap, ok := c.BreakerSnapshots()["dev/analyze/srv-a"]
	if !ok {
		t.Fatal("no breaker snapshot for the connection")
	}
	if snap.ConsecutiveFailures != 4 {
		t.Errorf("ConsecutiveFailures = %d, want 4", snap.ConsecutiveFailures)
	}
	if snap.State != resilience.StateClosed {
		t.Errorf("State = %v, want closed below the threshold", snap.State)
	}
}

// TestHandleRequest_BreakerTripAndSingleProbe walks a connection through the
// full breaker cycle: five consecutive failures open it, the next request is
// refused without touching the backend, and after the reset timeout exactly
// one probe goes through.
func TestHandleRequest_BreakerTripAndSingleProbe(t *testing.T) {
	ep := &stubEndpoint{fn: func(int, string, map[string]any, map[string]any) (string, error) {
		return "", errBackend
	}}
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": ep},
		WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 40 * time.Millisecond,
			HalfOpenMax:  1,
		}))

	req := VoiceRequest{VoiceID: "dev", Capability: "analyze"}
	for i := 0; i < 5; i++ {
		resp := c.HandleRequest(context.Background(), req)
		if resp.Success {
			t.Fatalf("request %d succeeded against a failing backend", i+1)
		}
		if errors.Is(resp.Err, resilience.ErrCircuitOpen) {
			t.Fatalf("breaker opened early on request %d", i+1)
		}
	}

	snap := c.BreakerSnapshots()["dev/analyze/srv-a"]
	if snap.State != resilience.StateOpen {
		t.Fatalf("State after 5 failures = %v, want open", snap.State)
	}
	if snap.ConsecutiveFailures != 5 {
		t.Errorf("ConsecutiveFailures = %d, want 5", snap.ConsecutiveFailures)
	}

	// Request six is refused without reaching the backend.
	resp := c.HandleRequest(context.Background(), req)
	if !errors.Is(resp.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("Err = %v, want ErrCircuitOpen", resp.Err)
	}
	if got := ep.callCount(); got != 5 {
		t.Fatalf("backend saw %d calls, want 5 (open breaker must not invoke it)", got)
	}

	// After the reset timeout exactly one probe is let through; its failure
	// re-opens the breaker immediately.
	time.Sleep(60 * time.Millisecond)
	_ = c.HandleRequest(context.Background(), req)
	if got := ep.callCount(); got != 6 {
		t.Fatalf("backend saw %d calls, want 6 (one half-open probe)", got)
	}
	resp = c.HandleRequest(context.Background(), req)
	if !errors.Is(resp.Err, resilience.ErrCircuitOpen) {
		t.Errorf("Err after failed probe = %v, want ErrCircuitOpen", resp.Err)
	}
	if got := ep.callCount(); got != 6 {
		t.Errorf("backend saw %d calls, want still 6", got)
	}
}

func TestHandleRequest_RecoversOnRetry(t *testing.T) {
	ep := &stubEndpoint{fn: func(call int, _ string, _, _ map[string]any) (string, error) {
		if call < 3 {
			return "", errBackend
		}
		return "recovered", nil
	}}
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": ep})

	resp := c.HandleRequest(context.Background(), VoiceRequest{
		VoiceID:    "dev",
		Capability: "analyze",
		Retry:      fastRetry(3),
	})
	if !resp.Success {
		t.Fatalf("HandleRequest failed: %v", resp.Err)
	}
	if resp.Result != "recovered" || resp.Attempts != 3 {
		t.Errorf("got %q after %d attempts, want recovered after 3", resp.Result, resp.Attempts)
	}
}

func TestHandleRequest_TimeoutCancelsAttempt(t *testing.T) {
	d := NewDirectory()
	if err := d.Register(ServerInfo{ID: "srv", Capabilities: []string{"analyze"}},
		&slowEndpoint{delay: time.Second}); err != nil {
		t.Fatal(err)
	}
	c := New(d, WithLogger(testLogger()))
	defer c.Close()

	start := time.Now()
	resp := c.HandleRequest(context.Background(), VoiceRequest{
		VoiceID:    "dev",
		Capability: "analyze",
		Timeout:    20 * time.Millisecond,
	})
	if resp.Success {
		t.Fatal("slow backend reported success")
	}
	if !errors.Is(resp.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want DeadlineExceeded", resp.Err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("request took %v, want prompt cancellation", elapsed)
	}
}

func TestHandleRequest_RecordsMetrics(t *testing.T) {
	metrics := newRecordingMetrics()
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": {}}, WithMetrics(metrics))

	c.HandleRequest(context.Background(), VoiceRequest{VoiceID: "dev", Capability: "analyze"})

	if metrics.count("mcp.request_success") != 1 {
		t.Error("success was not recorded")
	}
	if metrics.count("mcp.request_duration_ms") != 1 {
		t.Error("duration was not recorded")
	}
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class resilience.RetryOn
		want  bool
	}{
		{name: "cancellation never retries", err: context.Canceled, class: resilience.RetryOnAll, want: false},
		{name: "open breaker never retries", err: resilience.ErrCircuitOpen, class: resilience.RetryOnAll, want: false},
		{name: "all retries backend errors", err: errBackend, class: resilience.RetryOnAll, want: true},
		{name: "unset class behaves like all", err: errBackend, class: "", want: true},
		{name: "timeout class takes deadline errors", err: context.DeadlineExceeded, class: resilience.RetryOnTimeout, want: true},
		{name: "timeout class rejects backend errors", err: errBackend, class: resilience.RetryOnTimeout, want: false},
		{name: "network class takes op errors", err: &net.OpError{Op: "dial", Err: errBackend}, class: resilience.RetryOnNetworkError, want: true},
		{name: "network class takes eof", err: io.EOF, class: resilience.RetryOnNetworkError, want: true},
		{name: "network class rejects backend errors", err: errBackend, class: resilience.RetryOnNetworkError, want: false},
		{name: "server class takes backend errors", err: errBackend, class: resilience.RetryOnServerError, want: true},
		{name: "server class rejects timeouts", err: context.DeadlineExceeded, class: resilience.RetryOnServerError, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retriable(tt.err, tt.class); got != tt.want {
				t.Errorf("retriable(%v, %q) = %v, want %v", tt.err, tt.class, got, tt.want)
			}
		})
	}
}

func TestStrategyFor(t *testing.T) {
	tests := []struct {
		name  string
		voice types.Voice
		want  PoolStrategy
	}{
		{
			name:  "reliability bias",
			voice: types.Voice{ReliabilityWeight: 0.8, PerformanceWeight: 0.1},
			want:  PoolWeightedByResponseTime,
		},
		{
			name:  "performance bias",
			voice: types.Voice{ReliabilityWeight: 0.1, PerformanceWeight: 0.9},
			want:  PoolCapabilityAware,
		},
		{
			name:  "performance edges out shared high weights",
			voice: types.Voice{ReliabilityWeight: 0.8, PerformanceWeight: 0.9},
			want:  PoolCapabilityAware,
		},
		{
			name:  "equal high weights favour reliability",
			voice: types.Voice{ReliabilityWeight: 0.7, PerformanceWeight: 0.7},
			want:  PoolWeightedByResponseTime,
		},
		{
			name:  "no bias blends",
			voice: types.Voice{ReliabilityWeight: 0.5, PerformanceWeight: 0.5},
			want:  PoolHybrid,
		},
		{
			name: "zero value blends",
			want: PoolHybrid,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := strategyFor(tt.voice); got != tt.want {
				t.Errorf("strategyFor = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegisterVoiceTools(t *testing.T) {
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": {}})

	if err := c.RegisterVoiceTools(ToolRegistration{Capability: "analyze"}); err == nil {
		t.Error("empty voice id was accepted")
	}
	if err := c.RegisterVoiceTools(ToolRegistration{VoiceID: "dev"}); err == nil {
		t.Error("empty capability was accepted")
	}

	reg := ToolRegistration{
		VoiceID:    "dev",
		Capability: "analyze",
		Tools: []types.ToolDefinition{
			{Name: "inspect", Description: "inspect a file"},
		},
	}
	if err := c.RegisterVoiceTools(reg); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterVoiceTools(ToolRegistration{
		VoiceID:    "dev",
		Capability: "summarize",
		Tools:      []types.ToolDefinition{{Name: "digest"}},
	}); err != nil {
		t.Fatal(err)
	}

	tools := c.VoiceTools("dev")
	if len(tools["analyze"]) != 1 || tools["analyze"][0].Name != "inspect" {
		t.Errorf("VoiceTools = %v, want the inspect tool under analyze", tools)
	}
	if got := c.VoiceCapabilities("dev"); len(got) != 2 || got[0] != "analyze" || got[1] != "summarize" {
		t.Errorf("VoiceCapabilities = %v, want [analyze summarize]", got)
	}
}

func TestHandleRequest_PoolRebuildAfterDeregister(t *testing.T) {
	epA, epB := &stubEndpoint{}, &stubEndpoint{}
	c := newTestCoordinator(t, map[string]*stubEndpoint{"srv-a": epA, "srv-b": epB})

	req := VoiceRequest{VoiceID: "dev", Capability: "analyze"}
	if resp := c.HandleRequest(context.Background(), req); !resp.Success {
		t.Fatalf("first request failed: %v", resp.Err)
	}

	// Losing every pooled server forces a rebuild against the survivors.
	c.Directory().Deregister("srv-a")
	c.Directory().Deregister("srv-b")
	if err := c.Directory().Register(ServerInfo{
		ID: "srv-c", Name: "C", Capabilities: []string{"analyze"},
	}, &stubEndpoint{}); err != nil {
		t.Fatal(err)
	}

	resp := c.HandleRequest(context.Background(), req)
	if !resp.Success {
		t.Fatalf("request after rebuild failed: %v", resp.Err)
	}
	if resp.ServerID != "srv-c" {
		t.Errorf("ServerID = %q, want srv-c", resp.ServerID)
	}
}
