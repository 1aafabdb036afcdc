// Package idempotency makes retried or duplicated requests safe to
// replay without double effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// State classifies the outcome of CheckOrReserve.
type State string

const (
	// Proceed: a fresh reservation was made; execute the operation and
	// call Complete.
	Proceed State = "proceed"
	// Replay: the same logical request already completed; return the
	// stored outcome without re-executing side effects.
	Replay State = "replay"
	// Conflict: the key was reused for a different logical request.
	Conflict State = "conflict"
	// InFlight: a concurrent request holds the same key; reject rather
	// than race.
	InFlight State = "in_flight"
)

// Record is the persisted memo of a request. A pending record's
// ExpiresAt is its processing deadline; a completed record's ExpiresAt
// is the retention horizon. Either way a record past ExpiresAt is dead
// and may be replaced.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	Outcome     []byte    `json:"outcome,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists records. Reserve must be atomic: exactly one of any
// set of concurrent callers for the same live key creates the record.
type Store interface {
	// Reserve installs rec if no live record exists for rec.Key (a dead
	// record is replaced). Returns the surviving record and whether rec
	// was installed.
	Reserve(ctx context.Context, rec Record) (Record, bool, error)
	// Complete transitions pending->completed, storing the outcome.
	Complete(ctx context.Context, key string, outcome []byte, expiresAt time.Time) error
}

// Decision is the result of CheckOrReserve.
type Decision struct {
	State State
	// StoredOutcome carries the verbatim prior response on Replay.
	StoredOutcome []byte
}

// Guard deduplicates requests carrying the same idempotency key.
type Guard struct {
	store          Store
	retention      time.Duration
	pendingTimeout time.Duration
	now            func() time.Time
}

// Option configures Guard behavior.
type Option func(*Guard)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard. Completed records are retained for retention;
// pending records are protected for pendingTimeout before a retry may
// take the key over.
func New(store Store, retention, pendingTimeout time.Duration, opts ...Option) *Guard {
	g := &Guard{
		store:          store,
		retention:      retention,
		pendingTimeout: pendingTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Fingerprint hashes the semantically relevant request fields.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckOrReserve classifies the request and, when it is new, reserves
// the key as pending.
func (g *Guard) CheckOrReserve(ctx context.Context, key, fingerprint string) (Decision, error) {
	if strings.TrimSpace(key) == "" {
		return Decision{}, fmt.Errorf("idempotency key is required")
	}
	now := g.now()
	existing, created, err := g.store.Reserve(ctx, Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.pendingTimeout),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reserve idempotency record: %w", err)
	}
	if created {
		return Decision{State: Proceed}, nil
	}
	if existing.Fingerprint != fingerprint {
		return Decision{State: Conflict}, nil
	}
	if existing.Status == StatusCompleted {
		return Decision{State: Replay, StoredOutcome: existing.Outcome}, nil
	}
	return Decision{State: InFlight}, nil
}

// Complete stores the outcome verbatim for future replays.
func (g *Guard) Complete(ctx context.Context, key string, outcome []byte) error {
	if err := g.store.Complete(ctx, key, outcome, g.now().Add(g.retention)); err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// InMemory implements Store with a mutex-guarded map.
type InMemory struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewInMemory creates an empty record store.
func NewInMemory() *InMemory {
	return &InMemory{records: make(map[string]Record)}
}

func (s *InMemory) Reserve(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.Key]
	if ok && existing.ExpiresAt.After(rec.CreatedAt) {
		return existing, false, nil
	}
	s.records[rec.Key] = rec
	return rec, true, nil
}

func (s *InMemory) Complete(ctx context.Context, key string, outcome []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency record %q not found", key)
	}
	rec.Status = StatusCompleted
	rec.Outcome = outcome
	rec.ExpiresAt = expiresAt
	s.records[key] = rec
	return nil
}
