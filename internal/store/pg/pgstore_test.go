package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"civica.org/internal/idempotency"
	"civica.org/internal/token"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestTokenRoundTrip(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := issued.Add(5 * time.Minute)

	mock.ExpectExec("insert into checkin_tokens").
		WithArgs("tok-1", "user-1", "market-7", issued, expires, "sig").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Insert(ctx, token.Token{
		ID: "tok-1", UserID: "user-1", LocationRef: "market-7",
		IssuedAt: issued, ExpiresAt: expires, Signature: "sig",
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "user_id", "location_ref", "issued_at", "expires_at", "signature", "used", "used_at"}).
		AddRow("tok-1", "user-1", "market-7", issued, expires, "sig", false, nil)
	mock.ExpectQuery("select id, user_id, location_ref").WithArgs("tok-1").WillReturnRows(rows)

	tok, err := s.Get(ctx, "tok-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tok.UserID != "user-1" || tok.Used || tok.UsedAt != nil {
		t.Fatalf("unexpected token: %+v", tok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetTokenNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select id, user_id, location_ref").WithArgs("missing").WillReturnError(sql.ErrNoRows)

	if _, err := s.Get(context.Background(), "missing"); err != token.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkUsedWinsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)

	mock.ExpectExec("update checkin_tokens set used=true").
		WithArgs("tok-1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update checkin_tokens set used=true").
		WithArgs("tok-1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.MarkUsed(ctx, "tok-1", at)
	if err != nil || !won {
		t.Fatalf("expected first caller to win, got won=%v err=%v", won, err)
	}
	won, err = s.MarkUsed(ctx, "tok-1", at)
	if err != nil || won {
		t.Fatalf("expected second caller to lose, got won=%v err=%v", won, err)
	}
}

func TestLastPositionAbsent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select user_id, lat, lng, observed_at").
		WithArgs("user-1").WillReturnError(sql.ErrNoRows)

	_, found, err := s.Last(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if found {
		t.Fatalf("expected no prior sample")
	}
}

func TestReserveUnderCap(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into daily_caps").
		WithArgs("user-1", "2026-03-01", int64(100), int64(500)).
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(300)))

	res, err := s.Reserve(context.Background(), "user-1", "2026-03-01", 100, 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !res.Ok() || res.Approved != 100 || res.Remaining != 200 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReserveCapHit(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("insert into daily_caps").
		WithArgs("user-1", "2026-03-01", int64(100), int64(500)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select total from daily_caps").
		WithArgs("user-1", "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"total"}).AddRow(int64(450)))

	res, err := s.Reserve(context.Background(), "user-1", "2026-03-01", 100, 500)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Ok() || res.Remaining != 50 {
		t.Fatalf("expected denial with 50 remaining, got %+v", res)
	}
}

func TestIdempotencyReserveLosesToLiveRecord(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := idempotency.Record{
		Key: "key-1", Fingerprint: "fp-new", Status: idempotency.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(30 * time.Second),
	}

	mock.ExpectQuery("insert into idempotency_records").
		WithArgs(rec.Key, rec.Fingerprint, rec.Status, rec.Outcome, rec.CreatedAt, rec.ExpiresAt).
		WillReturnError(sql.ErrNoRows)
	existingRows := sqlmock.NewRows([]string{"key", "fingerprint", "status", "outcome", "created_at", "expires_at"}).
		AddRow("key-1", "fp-old", idempotency.StatusCompleted, []byte(`{"approved":true}`), now.Add(-time.Minute), now.Add(23*time.Hour))
	mock.ExpectQuery("select key, fingerprint, status").WithArgs("key-1").WillReturnRows(existingRows)

	got, created, err := s.Reserve(context.Background(), rec)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if created {
		t.Fatalf("expected reservation to lose to live record")
	}
	if got.Fingerprint != "fp-old" || got.Status != idempotency.StatusCompleted {
		t.Fatalf("unexpected surviving record: %+v", got)
	}
}

func TestCompleteRequiresPending(t *testing.T) {
	s, mock := newMockStore(t)
	horizon := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("update idempotency_records").
		WithArgs("key-1", idempotency.StatusCompleted, []byte(`{}`), horizon, idempotency.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Complete(context.Background(), "key-1", []byte(`{}`), horizon); err == nil {
		t.Fatalf("expected error completing a non-pending record")
	}
}
