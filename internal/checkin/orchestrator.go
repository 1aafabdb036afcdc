// Package checkin sequences the anti-fraud checks into a single
// attempt-check-in operation.
package checkin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"civica.org/internal/config"
	"civica.org/internal/dailycap"
	"civica.org/internal/fraudlog"
	"civica.org/internal/geo"
	"civica.org/internal/idempotency"
	"civica.org/internal/obs"
	"civica.org/internal/ratelimit"
	"civica.org/internal/token"
	"civica.org/internal/wallet"
)

// Orchestrator runs an attempt through token validation, idempotency,
// rate, cap and geo checks, then applies the approval sequence. Each
// backing store is owned by exactly one component; the orchestrator
// only calls their atomic operations.
type Orchestrator struct {
	tokens   *token.Service
	geo      *geo.Checker
	rate     *ratelimit.Limiter
	idem     *idempotency.Guard
	caps     *dailycap.Guard
	fraud    *fraudlog.Log
	creditor wallet.Creditor
	notifier Notifier

	settings Settings
	now      func() time.Time
}

// Option configures Orchestrator behavior.
type Option func(*Orchestrator)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithNotifier attaches a decision-event observer.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// New wires the orchestrator. All collaborators are required except the
// notifier.
func New(tokens *token.Service, geoChecker *geo.Checker, rate *ratelimit.Limiter,
	idem *idempotency.Guard, caps *dailycap.Guard, fraud *fraudlog.Log,
	creditor wallet.Creditor, settings Settings, opts ...Option) (*Orchestrator, error) {

	if tokens == nil || geoChecker == nil || rate == nil || idem == nil || caps == nil || fraud == nil || creditor == nil {
		return nil, fmt.Errorf("all gate components are required")
	}
	if settings.RewardAmount <= 0 || settings.DailyCap < settings.RewardAmount {
		return nil, fmt.Errorf("invalid reward settings: amount=%d cap=%d", settings.RewardAmount, settings.DailyCap)
	}
	o := &Orchestrator{
		tokens:   tokens,
		geo:      geoChecker,
		rate:     rate,
		idem:     idem,
		caps:     caps,
		fraud:    fraud,
		creditor: creditor,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// IssueToken hands out a signed single-use token after its own rate
// check, so token minting cannot be farmed either.
func (o *Orchestrator) IssueToken(ctx context.Context, userID, locationRef string) (token.Token, error) {
	limit := o.settings.IssueLimit
	ok, err := o.rate.Allow(ctx, userID, config.ActionTokenIssue, limit.Window, limit.Max)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		o.record(ctx, userID, fraudlog.CategoryRateLimited, fraudlog.SeverityWarn, fraudlog.RateDetail{
			ActionType:    config.ActionTokenIssue,
			WindowSeconds: int64(limit.Window.Seconds()),
			MaxCount:      limit.Max,
		})
		obs.CheckinDecision(ReasonRateLimited)
		return token.Token{}, ErrRateLimited
	}
	t, err := o.tokens.Issue(ctx, userID, locationRef, o.settings.TokenTTL)
	if err != nil {
		return token.Token{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	obs.TokenIssued()
	return t, nil
}

// AttemptCheckin is the primary gate operation. Denials are verdicts,
// not errors; an error means the gate itself could not decide.
func (o *Orchestrator) AttemptCheckin(ctx context.Context, req Attempt) (Verdict, error) {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.TokenID) == "" {
		return Verdict{}, fmt.Errorf("user_id and token_id are required")
	}
	action := req.ActionType
	if action == "" {
		action = config.ActionCheckin
	}
	now := o.now()

	// Token validation first: replays of a spent token are the most
	// common fraud signal and must be classified precisely.
	st, tok, err := o.tokens.Validate(ctx, req.TokenID, req.Signature, req.UserID, req.LocationRef)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Idempotency immediately after token validation: a replayed
	// request must never re-run the rate/cap/geo checks and skew their
	// counters. It runs before the token-status denial so a retry of an
	// already-approved request replays its stored verdict instead of
	// tripping over its own consumed token.
	idemReserved := false
	if req.IdempotencyKey != "" {
		fp := fingerprint(req, action)
		dec, err := o.idem.CheckOrReserve(ctx, req.IdempotencyKey, fp)
		if err != nil {
			return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		switch dec.State {
		case idempotency.Replay:
			var v Verdict
			if err := json.Unmarshal(dec.StoredOutcome, &v); err != nil {
				return Verdict{}, fmt.Errorf("%w: corrupt stored outcome: %v", ErrUnavailable, err)
			}
			v.Replayed = true
			return v, nil
		case idempotency.Conflict:
			o.record(ctx, req.UserID, fraudlog.CategoryIdempotencyConflict, fraudlog.SeverityWarn,
				fraudlog.ConflictDetail{IdempotencyKey: req.IdempotencyKey})
			return o.finishDenial(ctx, req, ReasonIdempotencyConflict, nil, false), nil
		case idempotency.InFlight:
			// The in-flight twin will be audited; this echo is only
			// turned away.
			return o.finishDenial(ctx, req, ReasonIdempotencyInFlight, nil, false), nil
		}
		idemReserved = true
	}

	if st != token.StatusValid {
		return o.denyForTokenStatus(ctx, req, st, idemReserved), nil
	}

	// Rate and cap checks before geo: they are cheap, and a request
	// that would be rate-limited anyway should not consume a geo check.
	limit := o.settings.CheckinLimit
	allowed, err := o.rate.Allow(ctx, req.UserID, action, limit.Window, limit.Max)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !allowed {
		o.record(ctx, req.UserID, fraudlog.CategoryRateLimited, fraudlog.SeverityWarn, fraudlog.RateDetail{
			ActionType:    action,
			WindowSeconds: int64(limit.Window.Seconds()),
			MaxCount:      limit.Max,
		})
		return o.finishDenial(ctx, req, ReasonRateLimited, nil, idemReserved), nil
	}

	remaining, err := o.caps.Remaining(ctx, req.UserID, now, o.settings.DailyCap)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if remaining < o.settings.RewardAmount {
		o.record(ctx, req.UserID, fraudlog.CategoryCapExceeded, fraudlog.SeverityWarn, fraudlog.CapDetail{
			Requested: o.settings.RewardAmount,
			Remaining: remaining,
			DailyMax:  o.settings.DailyCap,
		})
		return o.finishDenial(ctx, req, ReasonDailyCapExceeded, capDetails(remaining, o.settings.DailyCap), idemReserved), nil
	}

	geoRes, err := o.geo.Check(ctx, req.UserID, req.Lat, req.Lng, now)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !geoRes.Plausible {
		o.record(ctx, req.UserID, fraudlog.CategoryGeoImplausible, fraudlog.SeverityAlert, fraudlog.GeoDetail{
			DistanceKm:       geoRes.DistanceKm,
			ElapsedHours:     geoRes.ElapsedHours,
			RequiredSpeedKmH: geoRes.RequiredSpeedKmH,
			MaxSpeedKmH:      o.geo.MaxSpeedKmH(),
		})
		return o.finishDenial(ctx, req, ReasonGeoImplausible, geoDetails(geoRes), idemReserved), nil
	}

	return o.approve(ctx, req, tok, now, idemReserved)
}

// approve runs the state machine's commit sequence: burn the token,
// reserve the daily credit, accept the position, audit, complete the
// idempotency record, emit the credit instruction. Once the token is
// burned, every exit path leaves an audit trail.
func (o *Orchestrator) approve(ctx context.Context, req Attempt, tok token.Token, now time.Time, idemReserved bool) (Verdict, error) {
	st, err := o.tokens.MarkUsed(ctx, req.TokenID)
	if err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if st != token.StatusValid {
		// Lost the race against a concurrent attempt with the same token.
		return o.denyForTokenStatus(ctx, req, token.StatusAlreadyUsed, idemReserved), nil
	}

	capRes, err := o.caps.ReserveCredit(ctx, req.UserID, now, o.settings.RewardAmount, o.settings.DailyCap)
	if err != nil {
		o.record(ctx, req.UserID, fraudlog.CategoryStorageError, fraudlog.SeverityAlert,
			fraudlog.ErrorDetail{Stage: "reserve_daily_cap", Err: err.Error()})
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !capRes.Ok() {
		// A concurrent reservation won the last budget slice after our
		// precheck. The token is consumed; the audit entry explains it.
		o.record(ctx, req.UserID, fraudlog.CategoryCapExceeded, fraudlog.SeverityWarn, fraudlog.CapDetail{
			Requested: o.settings.RewardAmount,
			Remaining: capRes.Remaining,
			DailyMax:  o.settings.DailyCap,
		})
		return o.finishDenial(ctx, req, ReasonDailyCapExceeded, capDetails(capRes.Remaining, o.settings.DailyCap), idemReserved), nil
	}

	if err := o.geo.Accept(ctx, geo.Sample{UserID: req.UserID, Lat: req.Lat, Lng: req.Lng, ObservedAt: now}); err != nil {
		o.record(ctx, req.UserID, fraudlog.CategoryStorageError, fraudlog.SeverityAlert,
			fraudlog.ErrorDetail{Stage: "accept_position", Err: err.Error()})
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	evt, err := o.fraud.Record(ctx, req.UserID, fraudlog.CategoryOK, fraudlog.SeverityInfo, fraudlog.CreditDetail{
		TokenID:     req.TokenID,
		LocationRef: tok.LocationRef,
		Amount:      o.settings.RewardAmount,
		Currency:    o.settings.RewardCurrency,
	})
	if err != nil {
		// Audit logging is best-effort: surface to telemetry, keep the
		// approval.
		obs.FraudAuditFailure()
		obs.Sugar().Errorw("fraud audit append failed", "user_id", req.UserID, "err", err)
	}

	verdict := Verdict{
		Approved:     true,
		Reason:       ReasonOK,
		CreditAmount: o.settings.RewardAmount,
		Currency:     o.settings.RewardCurrency,
		AuditEventID: evt.ID,
	}

	if err := o.creditor.Credit(ctx, wallet.CreditInstruction{
		UserID:       req.UserID,
		LocationRef:  tok.LocationRef,
		Amount:       o.settings.RewardAmount,
		Currency:     o.settings.RewardCurrency,
		AuditEventID: evt.ID,
	}); err != nil {
		// The idempotency record stays pending so the host can retry;
		// the burned token keeps its audit trail either way.
		o.record(ctx, req.UserID, fraudlog.CategoryStorageError, fraudlog.SeverityAlert,
			fraudlog.ErrorDetail{Stage: "emit_credit", Err: err.Error()})
		return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if idemReserved {
		o.completeIdem(ctx, req.IdempotencyKey, verdict)
	}

	obs.CheckinDecision(ReasonOK)
	o.publish(req, tok.LocationRef, verdict)
	return verdict, nil
}

// denyForTokenStatus maps a token validation status to the matching
// verdict and audit category.
func (o *Orchestrator) denyForTokenStatus(ctx context.Context, req Attempt, st token.Status, idemReserved bool) Verdict {
	var reason string
	var cat fraudlog.Category
	sev := fraudlog.SeverityWarn
	switch st {
	case token.StatusAlreadyUsed:
		reason, cat = ReasonTokenAlreadyUsed, fraudlog.CategoryReplay
		sev = fraudlog.SeverityAlert
	case token.StatusExpired:
		reason, cat = ReasonTokenExpired, fraudlog.CategoryExpiredToken
	case token.StatusScopeMismatch:
		reason, cat = ReasonTokenScopeMismatch, fraudlog.CategoryScopeMismatch
	default:
		reason, cat = ReasonTokenUnknown, fraudlog.CategoryUnknownToken
	}
	o.record(ctx, req.UserID, cat, sev, fraudlog.TokenDetail{
		TokenID: req.TokenID,
		Status:  string(st),
	})
	return o.finishDenial(ctx, req, reason, nil, idemReserved)
}

// finishDenial builds the denial verdict, completes the idempotency
// record when one was reserved (so retries replay the denial instead of
// re-counting), bumps metrics and notifies observers.
func (o *Orchestrator) finishDenial(ctx context.Context, req Attempt, reason string, details map[string]any, idemReserved bool) Verdict {
	verdict := Verdict{Reason: reason, Details: details}
	if idemReserved {
		o.completeIdem(ctx, req.IdempotencyKey, verdict)
	}
	obs.CheckinDecision(reason)
	o.publish(req, "", verdict)
	return verdict
}

// record appends an audit event best-effort.
func (o *Orchestrator) record(ctx context.Context, userID string, cat fraudlog.Category, sev fraudlog.Severity, d fraudlog.Detail) {
	if _, err := o.fraud.Record(ctx, userID, cat, sev, d); err != nil {
		obs.FraudAuditFailure()
		obs.Sugar().Errorw("fraud audit append failed", "user_id", userID, "category", cat, "err", err)
	}
}

func (o *Orchestrator) completeIdem(ctx context.Context, key string, v Verdict) {
	outcome, err := json.Marshal(v)
	if err == nil {
		err = o.idem.Complete(ctx, key, outcome)
	}
	if err != nil {
		obs.Sugar().Errorw("idempotency completion failed", "key", key, "err", err)
	}
}

func (o *Orchestrator) publish(req Attempt, locationRef string, v Verdict) {
	if o.notifier == nil {
		return
	}
	o.notifier.PublishDecision(DecisionEvent{
		UserID:      req.UserID,
		LocationRef: locationRef,
		Approved:    v.Approved,
		Reason:      v.Reason,
		Amount:      v.CreditAmount,
		Timestamp:   o.now(),
	})
}

func fingerprint(req Attempt, action string) string {
	return idempotency.Fingerprint(
		req.UserID,
		req.TokenID,
		req.LocationRef,
		strconv.FormatFloat(req.Lat, 'f', -1, 64),
		strconv.FormatFloat(req.Lng, 'f', -1, 64),
		action,
	)
}

func capDetails(remaining, max int64) map[string]any {
	return map[string]any{"remaining": remaining, "daily_max": max}
}

func geoDetails(res geo.Result) map[string]any {
	return map[string]any{
		"distance_km":        res.DistanceKm,
		"elapsed_hours":      res.ElapsedHours,
		"required_speed_kmh": res.RequiredSpeedKmH,
	}
}
