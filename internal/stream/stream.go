// Package stream fans check-in decisions out to monitoring clients
// (the SSE endpoint). Slow subscribers drop events rather than stall
// the gate.
package stream

import (
	"context"
	"sync"

	"civica.org/internal/checkin"
)

// Stream fan-outs decision events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan checkin.DecisionEvent
	next int
}

var _ checkin.Notifier = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan checkin.DecisionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan checkin.DecisionEvent {
	ch := make(chan checkin.DecisionEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// PublishDecision fan-outs the event to all subscribers.
func (s *Stream) PublishDecision(evt checkin.DecisionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
