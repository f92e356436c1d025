package resilience

import (
	"context"

	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/types"
)

// BackendFallback implements [backend.Backend] with automatic failover across
// multiple model backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
//
// Voices configured with a fallback chain receive one of these instead of a
// bare backend, so a provider outage degrades to a slower model rather than a
// failed council run.
type BackendFallback struct {
	group *FallbackGroup[backend.Backend]
}

// Compile-time interface assertion.
var _ backend.Backend = (*BackendFallback)(nil)

// NewBackendFallback creates a [BackendFallback] with primary as the preferred
// backend.
func NewBackendFallback(primary backend.Backend, primaryName string, cfg FallbackConfig) *BackendFallback {
	return &BackendFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional model backend as a fallback.
func (f *BackendFallback) AddFallback(name string, b backend.Backend) {
	f.group.AddFallback(name, b)
}

// Complete sends the request to the first healthy backend and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *BackendFallback) Complete(ctx context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(b backend.Backend) (*backend.CompletionResponse, error) {
		return b.Complete(ctx, req)
	})
}

// StreamCompletion sends the request to the first healthy backend and returns a
// streaming chunk channel. Note: only the initial connection attempt is covered
// by failover; once a stream is established, mid-stream errors are the caller's
// responsibility.
func (f *BackendFallback) StreamCompletion(ctx context.Context, req backend.CompletionRequest) (<-chan backend.Chunk, error) {
	return ExecuteWithResult(f.group, func(b backend.Backend) (<-chan backend.Chunk, error) {
		return b.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *BackendFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(b backend.Backend) (int, error) {
		return b.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the first entry (the primary).
// This does not participate in failover because capabilities are static metadata.
func (f *BackendFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
