// Package dailycap bounds the total reward credited to one user in one
// calendar day, independent of per-action rate limits.
package dailycap

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Result reports whether a reservation fit under the cap. Remaining is
// the budget left after the call either way.
type Result struct {
	Approved  int64 // amount actually reserved; 0 when the cap was hit
	Remaining int64
}

// Ok reports whether the reservation was applied.
func (r Result) Ok() bool { return r.Approved > 0 }

// Store owns the per-(user, day) running totals. Reserve must increment
// and check as one atomic operation; two concurrent reservations may
// never jointly exceed the cap.
type Store interface {
	Reserve(ctx context.Context, userID, day string, amount, dailyMax int64) (Result, error)
	Total(ctx context.Context, userID, day string) (int64, error)
}

// Guard computes day keys in a fixed reference timezone and delegates
// the atomic arithmetic to its store.
type Guard struct {
	store Store
	loc   *time.Location
}

// New creates a guard. The location is the system-wide reference
// timezone for day boundaries; it must be chosen explicitly.
func New(store Store, loc *time.Location) (*Guard, error) {
	if loc == nil {
		return nil, fmt.Errorf("reference timezone is required")
	}
	return &Guard{store: store, loc: loc}, nil
}

// DayKey formats the calendar day of t in the reference timezone.
func (g *Guard) DayKey(t time.Time) string {
	return t.In(g.loc).Format("2006-01-02")
}

// ReserveCredit atomically adds amount to the day's total when it fits
// under dailyMax, otherwise leaves the counter untouched.
func (g *Guard) ReserveCredit(ctx context.Context, userID string, at time.Time, amount, dailyMax int64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("amount must be positive, got %d", amount)
	}
	res, err := g.store.Reserve(ctx, userID, g.DayKey(at), amount, dailyMax)
	if err != nil {
		return Result{}, fmt.Errorf("reserve daily credit: %w", err)
	}
	return res, nil
}

// Remaining returns the unreserved budget for the user's current day.
// It is a read-only precheck; only ReserveCredit mutates the counter.
func (g *Guard) Remaining(ctx context.Context, userID string, at time.Time, dailyMax int64) (int64, error) {
	total, err := g.store.Total(ctx, userID, g.DayKey(at))
	if err != nil {
		return 0, fmt.Errorf("read daily total: %w", err)
	}
	remaining := dailyMax - total
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// InMemory implements Store with a mutex-guarded map. Old day rows are
// retained for history, mirroring the durable stores.
type InMemory struct {
	mu     sync.Mutex
	totals map[string]int64
}

// NewInMemory creates an empty cap store.
func NewInMemory() *InMemory {
	return &InMemory{totals: make(map[string]int64)}
}

func (s *InMemory) Reserve(ctx context.Context, userID, day string, amount, dailyMax int64) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + ":" + day
	total := s.totals[key]
	if total+amount > dailyMax {
		remaining := dailyMax - total
		if remaining < 0 {
			remaining = 0
		}
		return Result{Remaining: remaining}, nil
	}
	s.totals[key] = total + amount
	return Result{Approved: amount, Remaining: dailyMax - total - amount}, nil
}

func (s *InMemory) Total(ctx context.Context, userID, day string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[userID+":"+day], nil
}
