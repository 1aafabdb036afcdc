// Package fraudlog keeps the append-only audit trail of every decision
// the check-in gate makes.
package fraudlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"civica.org/internal/ids"
	"civica.org/internal/obs"
)

// Category labels the decision an event records.
type Category string

const (
	CategoryOK                  Category = "ok"
	CategoryReplay              Category = "replay"
	CategoryExpiredToken        Category = "expired_token"
	CategoryUnknownToken        Category = "unknown_token"
	CategoryScopeMismatch       Category = "scope_mismatch"
	CategoryRateLimited         Category = "rate_limited"
	CategoryGeoImplausible      Category = "geo_implausible"
	CategoryCapExceeded         Category = "cap_exceeded"
	CategoryIdempotencyConflict Category = "idempotency_conflict"
	CategoryStorageError        Category = "storage_error"
)

// Severity grades an event for triage.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityAlert Severity = "alert"
)

// Detail is the structured context attached to an event. Each category
// has a known shape so investigations can assert on specific fields
// instead of digging through untyped blobs.
type Detail interface {
	detailTag() string
}

// TokenDetail describes token-related denials and replays.
type TokenDetail struct {
	TokenID     string `json:"token_id"`
	LocationRef string `json:"location_ref,omitempty"`
	Status      string `json:"status"`
}

// GeoDetail carries the impossible-travel numbers.
type GeoDetail struct {
	DistanceKm       float64 `json:"distance_km"`
	ElapsedHours     float64 `json:"elapsed_hours"`
	RequiredSpeedKmH float64 `json:"required_speed_kmh"`
	MaxSpeedKmH      float64 `json:"max_speed_kmh"`
}

// RateDetail describes a rate-limit denial.
type RateDetail struct {
	ActionType    string `json:"action_type"`
	WindowSeconds int64  `json:"window_seconds"`
	MaxCount      int64  `json:"max_count"`
}

// CapDetail describes a daily-cap denial.
type CapDetail struct {
	Requested int64 `json:"requested"`
	Remaining int64 `json:"remaining"`
	DailyMax  int64 `json:"daily_max"`
}

// CreditDetail describes an approved check-in.
type CreditDetail struct {
	TokenID     string `json:"token_id"`
	LocationRef string `json:"location_ref"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// ConflictDetail describes idempotency key misuse.
type ConflictDetail struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// ErrorDetail records a storage failure inside the approval sequence,
// so a burned token always has a trail even when the credit never
// happened.
type ErrorDetail struct {
	Stage string `json:"stage"`
	Err   string `json:"error"`
}

func (TokenDetail) detailTag() string    { return "token" }
func (GeoDetail) detailTag() string      { return "geo" }
func (RateDetail) detailTag() string     { return "rate" }
func (CapDetail) detailTag() string      { return "cap" }
func (CreditDetail) detailTag() string   { return "credit" }
func (ConflictDetail) detailTag() string { return "conflict" }
func (ErrorDetail) detailTag() string    { return "error" }

// Event is one immutable audit entry. Never mutated or deleted.
type Event struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Detail    Detail    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Store appends events durably.
type Store interface {
	Append(ctx context.Context, e Event) error
}

// Log records decisions. Appends go to the store and are echoed to the
// operational logger.
type Log struct {
	store Store
	now   func() time.Time
}

// Option configures Log behavior.
type Option func(*Log)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New creates a fraud log over the given store.
func New(store Store, opts ...Option) *Log {
	l := &Log{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one event and returns it. A store failure is returned
// to the caller, who decides whether the surrounding operation survives
// it; the gate treats audit logging as best-effort.
func (l *Log) Record(ctx context.Context, userID string, cat Category, sev Severity, d Detail) (Event, error) {
	if strings.TrimSpace(userID) == "" {
		return Event{}, fmt.Errorf("userID is required")
	}
	e := Event{
		ID:        ids.New(),
		UserID:    userID,
		Category:  cat,
		Severity:  sev,
		Detail:    d,
		CreatedAt: l.now(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		return Event{}, fmt.Errorf("append fraud event: %w", err)
	}
	obs.FraudEvent(string(cat))
	obs.Logger().Info("fraud_event",
		zap.String("event_id", e.ID),
		zap.String("user_id", e.UserID),
		zap.String("category", string(e.Category)),
		zap.String("severity", string(e.Severity)),
		zap.Any("detail", e.Detail),
	)
	return e, nil
}

// InMemory implements Store with an append-only slice.
type InMemory struct {
	mu     sync.Mutex
	events []Event
}

// NewInMemory creates an empty event store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Append(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// ByUser returns a copy of the events recorded for a user, in order.
func (s *InMemory) ByUser(userID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
