// Package mock provides in-memory test doubles for the MCP layer.
//
// [Coordinator] stands in for the request-handling coordinator behind the
// bridge's invoker contract. It records every request for assertion in tests
// and exposes exported fields that control what it returns. It is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	inv := &mock.Coordinator{}
//	b, _ := bridge.NewBridge(inv, approvals, opCtx)
//
//	// drive the system under test …
//
//	if got := inv.CallCount("HandleRequest"); got != 1 {
//	    t.Errorf("expected 1 request, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/polyvox/polyvox/internal/mcp"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded by the doubles.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Coordinator is a configurable test double for the coordinator's
// request-handling surface (the bridge's Invoker contract).
type Coordinator struct {
	recorder

	// HandleRequestResult is returned by [Coordinator.HandleRequest] when
	// Set is true. Otherwise HandleRequest synthesizes a success echoing the
	// request's identifiers with Result "ok".
	HandleRequestResult mcp.VoiceResponse

	// Set marks HandleRequestResult as configured. The zero VoiceResponse is
	// a legitimate return value, so presence cannot be inferred from it.
	Set bool
}

// HandleRequest records the request and returns the configured response.
func (c *Coordinator) HandleRequest(_ context.Context, req mcp.VoiceRequest) mcp.VoiceResponse {
	c.record("HandleRequest", req)

	if c.Set {
		return c.HandleRequestResult
	}
	return mcp.VoiceResponse{
		RequestID:  req.RequestID,
		VoiceID:    req.VoiceID,
		Capability: req.Capability,
		Result:     "ok",
		Success:    true,
	}
}

// Requests returns every recorded request, in order.
func (c *Coordinator) Requests() []mcp.VoiceRequest {
	var out []mcp.VoiceRequest
	for _, call := range c.Calls() {
		if call.Method != "HandleRequest" || len(call.Args) != 1 {
			continue
		}
		if req, ok := call.Args[0].(mcp.VoiceRequest); ok {
			out = append(out, req)
		}
	}
	return out
}
