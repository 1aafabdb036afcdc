// Package pg backs the gate's stores with PostgreSQL through the pgx
// stdlib driver. One Store serves every component; each interface is
// satisfied on the same connection pool.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"civica.org/internal/dailycap"
	"civica.org/internal/fraudlog"
	"civica.org/internal/geo"
	"civica.org/internal/idempotency"
	"civica.org/internal/token"
	"civica.org/internal/wallet"
)

type Store struct {
	db *sql.DB
}

var (
	_ token.Store       = (*Store)(nil)
	_ geo.PositionStore = (*Store)(nil)
	_ dailycap.Store    = (*Store)(nil)
	_ idempotency.Store = (*Store)(nil)
	_ fraudlog.Store    = (*Store)(nil)
	_ wallet.Creditor   = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool; tests hand in sqlmock connections.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- token.Store ---

func (s *Store) Insert(ctx context.Context, t token.Token) error {
	_, err := s.db.ExecContext(ctx, `
		insert into checkin_tokens(id, user_id, location_ref, issued_at, expires_at, signature, used)
		values ($1,$2,$3,$4,$5,$6,false)
	`, t.ID, t.UserID, t.LocationRef, t.IssuedAt, t.ExpiresAt, t.Signature)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (token.Token, error) {
	var t token.Token
	var usedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, location_ref, issued_at, expires_at, signature, used, used_at
		from checkin_tokens where id=$1
	`, id).Scan(&t.ID, &t.UserID, &t.LocationRef, &t.IssuedAt, &t.ExpiresAt, &t.Signature, &t.Used, &usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, token.ErrNotFound
	}
	if err != nil {
		return token.Token{}, err
	}
	if usedAt.Valid {
		at := usedAt.Time
		t.UsedAt = &at
	}
	return t, nil
}

// MarkUsed is the consume step: the conditional update makes exactly one
// of any set of concurrent callers win.
func (s *Store) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update checkin_tokens set used=true, used_at=$2
		where id=$1 and not used
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// --- geo.PositionStore ---

func (s *Store) Last(ctx context.Context, userID string) (geo.Sample, bool, error) {
	var sm geo.Sample
	err := s.db.QueryRowContext(ctx, `
		select user_id, lat, lng, observed_at
		from position_samples where user_id=$1
	`, userID).Scan(&sm.UserID, &sm.Lat, &sm.Lng, &sm.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return geo.Sample{}, false, nil
	}
	if err != nil {
		return geo.Sample{}, false, err
	}
	return sm, true, nil
}

func (s *Store) Save(ctx context.Context, sm geo.Sample) error {
	_, err := s.db.ExecContext(ctx, `
		insert into position_samples(user_id, lat, lng, observed_at)
		values ($1,$2,$3,$4)
		on conflict (user_id) do update
		set lat=excluded.lat, lng=excluded.lng, observed_at=excluded.observed_at
	`, sm.UserID, sm.Lat, sm.Lng, sm.ObservedAt)
	return err
}

// --- dailycap.Store ---

// Reserve adds amount to the (user, day) total only when the sum stays
// under dailyMax. The conditional upsert carries both the fresh-row and
// increment cases in one statement, so concurrent reservations serialize
// on the row and can never jointly exceed the cap.
func (s *Store) Reserve(ctx context.Context, userID, day string, amount, dailyMax int64) (dailycap.Result, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		insert into daily_caps(user_id, day, total)
		select $1, $2, $3 where $3 <= $4
		on conflict (user_id, day) do update
		set total = daily_caps.total + excluded.total
		where daily_caps.total + excluded.total <= $4
		returning total
	`, userID, day, amount, dailyMax).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		current, terr := s.Total(ctx, userID, day)
		if terr != nil {
			return dailycap.Result{}, terr
		}
		remaining := dailyMax - current
		if remaining < 0 {
			remaining = 0
		}
		return dailycap.Result{Remaining: remaining}, nil
	}
	if err != nil {
		return dailycap.Result{}, err
	}
	return dailycap.Result{Approved: amount, Remaining: dailyMax - total}, nil
}

func (s *Store) Total(ctx context.Context, userID, day string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		select total from daily_caps where user_id=$1 and day=$2
	`, userID, day).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// --- idempotency.Store ---

// Reserve installs rec unless a live record holds the key. A dead
// record (past its expiry) is taken over in place. The surviving row is
// always read back so the guard can classify the outcome.
func (s *Store) Reserve(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	var installed bool
	err := s.db.QueryRowContext(ctx, `
		insert into idempotency_records(key, fingerprint, status, outcome, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (key) do update
		set fingerprint=excluded.fingerprint, status=excluded.status,
		    outcome=excluded.outcome, created_at=excluded.created_at,
		    expires_at=excluded.expires_at
		where idempotency_records.expires_at <= excluded.created_at
		returning true
	`, rec.Key, rec.Fingerprint, rec.Status, rec.Outcome, rec.CreatedAt, rec.ExpiresAt).Scan(&installed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, err
	}
	if errors.Is(err, sql.ErrNoRows) {
		installed = false
	}

	var out idempotency.Record
	var outcome []byte
	err = s.db.QueryRowContext(ctx, `
		select key, fingerprint, status, outcome, created_at, expires_at
		from idempotency_records where key=$1
	`, rec.Key).Scan(&out.Key, &out.Fingerprint, &out.Status, &outcome, &out.CreatedAt, &out.ExpiresAt)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	out.Outcome = outcome
	return out, installed, nil
}

func (s *Store) Complete(ctx context.Context, key string, outcome []byte, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update idempotency_records
		set status=$2, outcome=$3, expires_at=$4
		where key=$1 and status=$5
	`, key, idempotency.StatusCompleted, outcome, expiresAt, idempotency.StatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return errors.New("idempotency record is not pending")
	}
	return nil
}

// --- wallet.Creditor ---

// Credit appends the instruction to the outbox table. The surrounding
// ledger drains it; the gate only guarantees the row exists once the
// check-in is approved.
func (s *Store) Credit(ctx context.Context, ins wallet.CreditInstruction) error {
	_, err := s.db.ExecContext(ctx, `
		insert into credit_instructions(audit_event_id, user_id, location_ref, amount, currency, created_at)
		values ($1,$2,$3,$4,$5,now())
	`, ins.AuditEventID, ins.UserID, ins.LocationRef, ins.Amount, ins.Currency)
	return err
}

// --- fraudlog.Store ---

func (s *Store) Append(ctx context.Context, e fraudlog.Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into fraud_events(id, user_id, category, severity, detail, created_at)
		values ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.UserID, string(e.Category), string(e.Severity), detail, e.CreatedAt)
	return err
}
