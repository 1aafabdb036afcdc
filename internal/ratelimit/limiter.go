// Package ratelimit caps action frequency per user and action type.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store applies the windowed-counter rule as one atomic operation.
// Implementations must never split the read and the increment: two
// concurrent callers observing count == max-1 may not both pass.
type Store interface {
	// Take starts a fresh window (count 1) when none is active, increments
	// an active window below max, and denies otherwise. Denied attempts
	// do not count against the next window.
	Take(ctx context.Context, key string, window time.Duration, max int64, now time.Time) (bool, error)
}

// Limiter enforces per-(user, action) ceilings.
type Limiter struct {
	store Store
	now   func() time.Time
}

// Option configures Limiter behavior.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter over the given counter store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether one more action of the given type is permitted
// for the user within the window.
func (l *Limiter) Allow(ctx context.Context, userID, actionType string, window time.Duration, max int64) (bool, error) {
	if window <= 0 || max <= 0 {
		return false, fmt.Errorf("invalid limit: window=%v max=%d", window, max)
	}
	ok, err := l.store.Take(ctx, userID+":"+actionType, window, max, l.now())
	if err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return ok, nil
}

type window struct {
	start time.Time
	count int64
}

// InMemory implements Store with a mutex-guarded map; the lock makes
// each Take an atomic read-modify-write.
type InMemory struct {
	mu      sync.Mutex
	windows map[string]*window
}

// NewInMemory creates an empty counter store.
func NewInMemory() *InMemory {
	return &InMemory{windows: make(map[string]*window)}
}

func (s *InMemory) Take(ctx context.Context, key string, windowLen time.Duration, max int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= windowLen {
		s.windows[key] = &window{start: now, count: 1}
		return true, nil
	}
	if w.count < max {
		w.count++
		return true, nil
	}
	return false, nil
}
