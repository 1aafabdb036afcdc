package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"civica.org/internal/ids"
)

// Service issues and validates signed one-time check-in tokens.
type Service struct {
	store  Store
	secret []byte
	now    func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a token service. The signing secret is required;
// an empty secret is a configuration error, not a per-request one.
func NewService(store Store, secret string, opts ...Option) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoSigningKey
	}
	s := &Service{
		store:  store,
		secret: []byte(secret),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates a signed unused token scoped to one user and location.
func (s *Service) Issue(ctx context.Context, userID, locationRef string, ttl time.Duration) (Token, error) {
	if strings.TrimSpace(userID) == "" {
		return Token{}, fmt.Errorf("userID is required")
	}
	if strings.TrimSpace(locationRef) == "" {
		return Token{}, fmt.Errorf("locationRef is required")
	}
	if ttl <= 0 {
		return Token{}, fmt.Errorf("ttl must be positive")
	}
	now := s.now()
	t := Token{
		ID:          ids.New(),
		UserID:      userID,
		LocationRef: locationRef,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	t.Signature = s.sign(t)
	if err := s.store.Insert(ctx, t); err != nil {
		return Token{}, fmt.Errorf("persist token: %w", err)
	}
	return t, nil
}

// Validate checks a presented token against the stored record. The MAC is
// recomputed from stored fields and compared in constant time; the
// caller-supplied signature must match the recomputed value as well. A
// signature mismatch reports StatusUnknown so probing requests cannot
// distinguish a bad signature from a nonexistent id.
func (s *Service) Validate(ctx context.Context, tokenID, providedSignature, userID, locationRef string) (Status, Token, error) {
	stored, err := s.store.Get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusUnknown, Token{}, nil
		}
		return StatusUnknown, Token{}, fmt.Errorf("load token: %w", err)
	}

	expected := s.sign(stored)
	if !hmac.Equal([]byte(expected), []byte(stored.Signature)) {
		// Stored record does not verify against the current key: treat
		// as unknown rather than trusting a tampered row.
		return StatusUnknown, Token{}, nil
	}
	if !hmac.Equal([]byte(expected), []byte(providedSignature)) {
		return StatusUnknown, Token{}, nil
	}
	if stored.UserID != userID || stored.LocationRef != locationRef {
		return StatusScopeMismatch, stored, nil
	}
	if stored.Used {
		return StatusAlreadyUsed, stored, nil
	}
	if !s.now().Before(stored.ExpiresAt) {
		return StatusExpired, stored, nil
	}
	return StatusValid, stored, nil
}

// MarkUsed transitions a token from unused to used exactly once. The
// loser of a concurrent race receives StatusAlreadyUsed, which makes
// double-credit structurally impossible.
func (s *Service) MarkUsed(ctx context.Context, tokenID string) (Status, error) {
	ok, err := s.store.MarkUsed(ctx, tokenID, s.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("mark token used: %w", err)
	}
	if !ok {
		return StatusAlreadyUsed, nil
	}
	return StatusValid, nil
}

// sign computes the MAC over the token's identity and scope fields.
func (s *Service) sign(t Token) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(t.ID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(t.UserID))
	mac.Write([]byte{'|'})
	mac.Write([]byte(t.LocationRef))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(t.IssuedAt.Unix(), 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(t.ExpiresAt.Unix(), 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
