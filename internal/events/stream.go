// Package events provides typed, non-blocking event streams.
//
// Subsystems (coordinator, synthesis engine, approval manager, analytics)
// each expose a [Stream] of their own event type. Publishing never blocks
// the emitter: subscribers that cannot keep up lose events, and the stream
// counts the drops. Consumers therefore must not rely on receiving every
// event — streams carry observability traffic, not state transitions.
//
// Usage:
//
//	stream := events.NewStream[Event](16)
//	ch, cancel := stream.Subscribe()
//	defer cancel()
//	go func() {
//		for ev := range ch {
//			handle(ev)
//		}
//	}()
//	stream.Publish(Event{Type: "cache-hit"})
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity used when a stream
// is created with a non-positive buffer size.
const DefaultBuffer = 16

// Stream is a fan-out broadcast channel for values of type T.
// The zero value is not usable; construct with [NewStream].
// All methods are safe for concurrent use.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool

	dropped atomic.Uint64
}

// NewStream returns a stream whose subscribers each get a buffered channel
// of the given capacity.
func NewStream[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new consumer and returns its receive channel plus a
// cancel function. Cancel is idempotent; it removes the subscription and
// closes the channel. After [Stream.Close] the returned channel is already closed.
func (s *Stream[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, s.buffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber whose buffer has room and returns
// immediately. Deliveries to full subscribers are dropped and counted.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
			s.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were discarded because a subscriber
// buffer was full.
func (s *Stream[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Len reports the current number of subscribers.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close closes all subscriber channels and rejects further publishes.
// Close is idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
