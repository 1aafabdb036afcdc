package token

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T, now *time.Time) *Service {
	t.Helper()
	svc, err := NewService(NewInMemory(), "test-signing-secret", WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestNoSigningKey(t *testing.T) {
	if _, err := NewService(NewInMemory(), "  "); err != ErrNoSigningKey {
		t.Fatalf("expected ErrNoSigningKey, got %v", err)
	}
}

func TestIssueThenValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user-1", "market-7", 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if tok.Signature == "" || tok.Used {
		t.Fatalf("unexpected token state: %+v", tok)
	}

	st, got, err := svc.Validate(ctx, tok.ID, tok.Signature, "user-1", "market-7")
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusValid {
		t.Fatalf("expected valid, got %s", st)
	}
	if got.ID != tok.ID {
		t.Fatalf("unexpected token returned: %s", got.ID)
	}
}

func TestValidateExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user-1", "market-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(time.Minute + time.Second)
	st, _, err := svc.Validate(ctx, tok.ID, tok.Signature, "user-1", "market-7")
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusExpired {
		t.Fatalf("expected expired, got %s", st)
	}
}

func TestValidateScopeMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user-1", "market-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if st, _, _ := svc.Validate(ctx, tok.ID, tok.Signature, "user-2", "market-7"); st != StatusScopeMismatch {
		t.Fatalf("expected scope mismatch for wrong user, got %s", st)
	}
	if st, _, _ := svc.Validate(ctx, tok.ID, tok.Signature, "user-1", "market-8"); st != StatusScopeMismatch {
		t.Fatalf("expected scope mismatch for wrong location, got %s", st)
	}
}

func TestValidateUnknownAndTampered(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	if st, _, _ := svc.Validate(ctx, "no-such-token", "sig", "user-1", "market-7"); st != StatusUnknown {
		t.Fatalf("expected unknown for missing token, got %s", st)
	}

	tok, err := svc.Issue(ctx, "user-1", "market-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if st, _, _ := svc.Validate(ctx, tok.ID, "deadbeef", "user-1", "market-7"); st != StatusUnknown {
		t.Fatalf("expected unknown for wrong signature, got %s", st)
	}
}

func TestMarkUsedThenValidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user-1", "market-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	st, err := svc.MarkUsed(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st != StatusValid {
		t.Fatalf("expected first MarkUsed to win, got %s", st)
	}

	if st, _ := svc.MarkUsed(ctx, tok.ID); st != StatusAlreadyUsed {
		t.Fatalf("expected already_used on second MarkUsed, got %s", st)
	}
	if st, _, _ := svc.Validate(ctx, tok.ID, tok.Signature, "user-1", "market-7"); st != StatusAlreadyUsed {
		t.Fatalf("expected already_used on validate, got %s", st)
	}
}

func TestMarkUsedConcurrent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := newTestService(t, &now)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, "user-1", "market-7", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	const N = 32
	results := make(chan Status, N)
	var wg sync.WaitGroup
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.MarkUsed(ctx, tok.ID)
			if err != nil {
				t.Error(err)
			}
			results <- st
		}()
	}
	wg.Wait()
	close(results)

	var wins, losses int
	for st := range results {
		switch st {
		case StatusValid:
			wins++
		case StatusAlreadyUsed:
			losses++
		default:
			t.Fatalf("unexpected status %s", st)
		}
	}
	if wins != 1 || losses != N-1 {
		t.Fatalf("expected exactly one winner, got wins=%d losses=%d", wins, losses)
	}
}
