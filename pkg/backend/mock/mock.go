// Package mock provides a test double for the backend.Backend interface.
//
// Use Backend in unit tests to verify that the council sends correct
// CompletionRequests and to feed controlled responses without a live model.
// All fields are safe to set before calling any method; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	b := &mock.Backend{
//	    CompleteResponse: &backend.CompletionResponse{Content: "Hello!"},
//	}
//	resp, err := b.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/polyvox/polyvox/pkg/backend"
	"github.com/polyvox/polyvox/pkg/types"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req backend.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req backend.CompletionRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	// Messages is the slice passed to CountTokens.
	Messages []types.Message
}

// Backend is a mock implementation of backend.Backend.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Backend struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel returned
	// by StreamCompletion. All chunks are sent before the channel is closed.
	StreamChunks []backend.Chunk

	// StreamErr, if non-nil, is returned as the error from StreamCompletion instead
	// of starting a channel.
	StreamErr error

	// CompleteFn, if non-nil, is invoked by Complete instead of returning the fixed
	// CompleteResponse. Useful when a test drives several voices through one backend
	// and the response must depend on the request (e.g., on req.VoiceID).
	CompleteFn func(ctx context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error)

	// CompleteResponse is returned by Complete when CompleteFn is nil. May be nil
	// (returns nil, nil).
	CompleteResponse *backend.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete when
	// CompleteFn is nil.
	CompleteErr error

	// TokenCount is returned by CountTokens.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records every invocation of CountTokens in order.
	CountTokensCalls []CountTokensCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// StreamCompletion records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (b *Backend) StreamCompletion(ctx context.Context, req backend.CompletionRequest) (<-chan backend.Chunk, error) {
	b.mu.Lock()
	if b.StreamErr != nil {
		err := b.StreamErr
		b.StreamCalls = append(b.StreamCalls, StreamCall{Ctx: ctx, Req: req})
		b.mu.Unlock()
		return nil, err
	}
	chunks := make([]backend.Chunk, len(b.StreamChunks))
	copy(chunks, b.StreamChunks)
	b.StreamCalls = append(b.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	b.mu.Unlock()

	ch := make(chan backend.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the configured response. CompleteFn
// takes precedence over the fixed CompleteResponse/CompleteErr pair.
func (b *Backend) Complete(ctx context.Context, req backend.CompletionRequest) (*backend.CompletionResponse, error) {
	b.mu.Lock()
	b.CompleteCalls = append(b.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := b.CompleteFn
	resp, err := b.CompleteResponse, b.CompleteErr
	b.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return resp, err
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (b *Backend) CountTokens(messages []types.Message) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := make([]types.Message, len(messages))
	copy(msgs, messages)
	b.CountTokensCalls = append(b.CountTokensCalls, CountTokensCall{Messages: msgs})
	return b.TokenCount, b.CountTokensErr
}

// Capabilities records the call and returns ModelCapabilities.
func (b *Backend) Capabilities() types.ModelCapabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CapabilitiesCallCount++
	return b.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.StreamCalls = nil
	b.CompleteCalls = nil
	b.CountTokensCalls = nil
	b.CapabilitiesCallCount = 0
}

// Ensure Backend implements backend.Backend at compile time.
var _ backend.Backend = (*Backend)(nil)
