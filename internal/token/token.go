package token

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Token is a single-use, signed permission to attempt one check-in.
// Consumed tokens are retained for audit; they carry no authority once
// used or expired.
type Token struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	LocationRef string     `json:"location_ref"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Signature   string     `json:"signature"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Status is the validation outcome for a presented token. Every value is
// a distinct reason so callers can log precisely; none are retryable by
// re-presenting the same token.
type Status string

const (
	StatusValid         Status = "valid"
	StatusExpired       Status = "expired"
	StatusAlreadyUsed   Status = "already_used"
	StatusScopeMismatch Status = "scope_mismatch"
	StatusUnknown       Status = "unknown"
)

var (
	ErrNotFound     = errors.New("token not found")
	ErrNoSigningKey = errors.New("signing key is not configured")
)

// Store persists tokens. MarkUsed must be an atomic unused->used
// transition; concurrent callers for the same token see exactly one
// true result.
type Store interface {
	Insert(ctx context.Context, t Token) error
	Get(ctx context.Context, id string) (Token, error)
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewInMemory creates an empty token store.
func NewInMemory() *InMemory {
	return &InMemory{tokens: make(map[string]*Token)}
}

func (s *InMemory) Insert(ctx context.Context, t Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tokens[t.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return *t, nil
}

// MarkUsed performs the compare-and-set under the store lock; the loser
// of a race gets false.
func (s *InMemory) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Used {
		return false, nil
	}
	t.Used = true
	usedAt := at
	t.UsedAt = &usedAt
	return true, nil
}
