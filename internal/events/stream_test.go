package events

import (
	"testing"
	"time"
)

func TestStreamDeliversToAllSubscribers(t *testing.T) {
	s := NewStream[string](4)
	defer s.Close()

	ch1, cancel1 := s.Subscribe()
	defer cancel1()
	ch2, cancel2 := s.Subscribe()
	defer cancel2()

	s.Publish("hello")

	for i, ch := range []<-chan string{ch1, ch2} {
		select {
		case got := <-ch:
			if got != "hello" {
				t.Errorf("subscriber %d received %q, want %q", i, got, "hello")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestStreamPublishNeverBlocks(t *testing.T) {
	s := NewStream[int](1)
	defer s.Close()

	_, cancel := s.Subscribe()
	defer cancel()

	// Nobody reads; the second publish must drop rather than block.
	done := make(chan struct{})
	go func() {
		s.Publish(1)
		s.Publish(2)
		s.Publish(3)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := s.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestStreamCancelStopsDelivery(t *testing.T) {
	s := NewStream[int](4)
	defer s.Close()

	ch, cancel := s.Subscribe()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	if got := s.Len(); got != 0 {
		t.Errorf("Len() = %d after cancel, want 0", got)
	}

	// Cancel twice must not panic.
	cancel()
}

func TestStreamCloseIsTerminal(t *testing.T) {
	s := NewStream[int](4)
	ch, _ := s.Subscribe()

	s.Close()
	s.Close() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}

	// Publishing after close is a no-op.
	s.Publish(42)

	// Subscribing after close yields a closed channel.
	late, cancel := s.Subscribe()
	defer cancel()
	if _, ok := <-late; ok {
		t.Error("late subscriber got an open channel after Close")
	}
}
