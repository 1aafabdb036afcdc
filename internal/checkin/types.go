package checkin

import (
	"errors"
	"time"

	"civica.org/internal/config"
)

// Stable, machine-readable reason codes. The host layer maps them to
// user-facing messages and status codes; they never change meaning.
const (
	ReasonOK                  = "ok"
	ReasonTokenExpired        = "token_expired"
	ReasonTokenAlreadyUsed    = "token_already_used"
	ReasonTokenUnknown        = "token_unknown"
	ReasonTokenScopeMismatch  = "token_scope_mismatch"
	ReasonRateLimited         = "rate_limited"
	ReasonDailyCapExceeded    = "daily_cap_exceeded"
	ReasonGeoImplausible      = "geo_implausible"
	ReasonIdempotencyConflict = "idempotency_conflict"
	ReasonIdempotencyInFlight = "idempotency_in_flight"
)

var (
	// ErrUnavailable marks a backing-store failure. It is a retryable
	// host error, never a fraud verdict.
	ErrUnavailable = errors.New("backing store unavailable")
	// ErrRateLimited denies a token issuance.
	ErrRateLimited = errors.New("rate limited")
)

// Attempt is one presented check-in.
type Attempt struct {
	UserID         string  `json:"user_id"`
	TokenID        string  `json:"token_id"`
	Signature      string  `json:"signature"`
	LocationRef    string  `json:"location_ref"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	ActionType     string  `json:"action_type,omitempty"`
}

// Verdict is the gate's tagged result: approved with a credit
// instruction, or denied with a reason code.
type Verdict struct {
	Approved     bool           `json:"approved"`
	Reason       string         `json:"reason"`
	CreditAmount int64          `json:"credit_amount,omitempty"`
	Currency     string         `json:"currency,omitempty"`
	AuditEventID string         `json:"audit_event_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`

	// Replayed is set when the verdict was served from the idempotency
	// store rather than re-evaluated. Not persisted.
	Replayed bool `json:"replayed,omitempty"`
}

// DecisionEvent is published to observers (the SSE monitoring stream)
// after every fresh verdict.
type DecisionEvent struct {
	UserID      string    `json:"user_id"`
	LocationRef string    `json:"location_ref,omitempty"`
	Approved    bool      `json:"approved"`
	Reason      string    `json:"reason"`
	Amount      int64     `json:"amount,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Notifier receives decision events. Publishing must not block the gate.
type Notifier interface {
	PublishDecision(e DecisionEvent)
}

// Settings are the tunables the orchestrator consumes from config.
type Settings struct {
	TokenTTL       time.Duration
	RewardAmount   int64
	RewardCurrency string
	DailyCap       int64
	CheckinLimit   config.Limit
	IssueLimit     config.Limit
}
