package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"civica.org/internal/auth"
	"civica.org/internal/checkin"
)

type issueTokenRequest struct {
	UserID      string `json:"user_id"`
	LocationRef string `json:"location_ref"`
}

type checkinRequest struct {
	UserID         string  `json:"user_id"`
	TokenID        string  `json:"token_id"`
	Signature      string  `json:"signature"`
	LocationRef    string  `json:"location_ref"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	IdempotencyKey string  `json:"idempotency_key"`
}

func (a *API) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := resolveUserID(r, req.UserID)
	if !ok {
		writeError(w, r, http.StatusForbidden, "user_id does not match the authenticated user")
		return
	}
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.LocationRef) == "" {
		writeError(w, r, http.StatusBadRequest, "location_ref is required")
		return
	}

	tok, err := a.gate.IssueToken(r.Context(), userID, strings.TrimSpace(req.LocationRef))
	if err != nil {
		if errors.Is(err, checkin.ErrRateLimited) {
			w.Header().Set("Retry-After", "60")
			writeError(w, r, http.StatusTooManyRequests, "token issuance rate limit exceeded")
			return
		}
		writeError(w, r, http.StatusServiceUnavailable, "token issuance unavailable")
		return
	}

	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) handleCheckins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req checkinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := resolveUserID(r, req.UserID)
	if !ok {
		writeError(w, r, http.StatusForbidden, "user_id does not match the authenticated user")
		return
	}
	if userID == "" || strings.TrimSpace(req.TokenID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and token_id are required")
		return
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lng < -180 || req.Lng > 180 {
		writeError(w, r, http.StatusBadRequest, "lat/lng out of range")
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	verdict, err := a.gate.AttemptCheckin(r.Context(), checkin.Attempt{
		UserID:         userID,
		TokenID:        strings.TrimSpace(req.TokenID),
		Signature:      strings.TrimSpace(req.Signature),
		LocationRef:    strings.TrimSpace(req.LocationRef),
		Lat:            req.Lat,
		Lng:            req.Lng,
		IdempotencyKey: idem,
	})
	if err != nil {
		if errors.Is(err, checkin.ErrUnavailable) {
			writeError(w, r, http.StatusServiceUnavailable, "gate unavailable, retry later")
			return
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}
	writeJSON(w, statusForVerdict(verdict), verdict)
}

// statusForVerdict maps reason codes to transport statuses. The reason
// code in the body is the contract; the status is a routing hint.
func statusForVerdict(v checkin.Verdict) int {
	if v.Approved {
		return http.StatusOK
	}
	switch v.Reason {
	case checkin.ReasonRateLimited:
		return http.StatusTooManyRequests
	case checkin.ReasonIdempotencyConflict, checkin.ReasonIdempotencyInFlight:
		return http.StatusConflict
	default:
		return http.StatusForbidden
	}
}

// resolveUserID reconciles the body user id with the authenticated
// subject. With auth enabled the subject wins; a conflicting body value
// is rejected.
func resolveUserID(r *http.Request, bodyID string) (string, bool) {
	bodyID = strings.TrimSpace(bodyID)
	authID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return bodyID, true
	}
	if bodyID != "" && bodyID != authID {
		return "", false
	}
	return authID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
