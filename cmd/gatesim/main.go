// gatesim drives an in-process gate through the classic fraud
// scenarios and checks that each one is classified as expected. It is
// a smoke tool, not a benchmark.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"civica.org/internal/checkin"
	"civica.org/internal/config"
	"civica.org/internal/dailycap"
	"civica.org/internal/fraudlog"
	"civica.org/internal/geo"
	"civica.org/internal/idempotency"
	"civica.org/internal/ratelimit"
	"civica.org/internal/token"
	"civica.org/internal/wallet"
)

func main() {
	log.SetFlags(0)

	tokens, err := token.NewService(token.NewInMemory(), "gatesim-secret")
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	checker, err := geo.NewChecker(geo.NewInMemoryPositions(), 300, 0)
	if err != nil {
		log.Fatalf("geo checker: %v", err)
	}
	caps, err := dailycap.New(dailycap.NewInMemory(), time.UTC)
	if err != nil {
		log.Fatalf("daily cap: %v", err)
	}
	ledger := wallet.NewRecorder()
	audit := fraudlog.NewInMemory()

	gate, err := checkin.New(
		tokens,
		checker,
		ratelimit.New(ratelimit.NewInMemory()),
		idempotency.New(idempotency.NewInMemory(), 24*time.Hour, 30*time.Second),
		caps,
		fraudlog.New(audit),
		ledger,
		checkin.Settings{
			TokenTTL:       5 * time.Minute,
			RewardAmount:   100,
			RewardCurrency: "CVC",
			DailyCap:       300,
			CheckinLimit:   config.Limit{Max: 3, Window: time.Minute},
			IssueLimit:     config.Limit{Max: 100, Window: time.Minute},
		},
	)
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	ctx := context.Background()

	attempt := func(user, loc string, lat, lng float64) checkin.Verdict {
		tok, err := gate.IssueToken(ctx, user, loc)
		if err != nil {
			log.Fatalf("issue token for %s: %v", user, err)
		}
		v, err := gate.AttemptCheckin(ctx, checkin.Attempt{
			UserID: user, TokenID: tok.ID, Signature: tok.Signature,
			LocationRef: loc, Lat: lat, Lng: lng,
		})
		if err != nil {
			log.Fatalf("check-in for %s: %v", user, err)
		}
		return v
	}

	expect := func(name string, v checkin.Verdict, reason string) {
		if v.Reason != reason {
			log.Fatalf("scenario %s: expected %s, got %s", name, reason, v.Reason)
		}
		fmt.Printf("  %-22s -> %s\n", name, v.Reason)
	}

	// Honest resident: one token, one check-in, one credit.
	fmt.Println("honest:")
	expect("checkin", attempt("alice", "market-7", 45.00, 11.00), checkin.ReasonOK)

	// Replay: the same token presented twice.
	fmt.Println("replay:")
	tok, err := gate.IssueToken(ctx, "bob", "market-7")
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	req := checkin.Attempt{
		UserID: "bob", TokenID: tok.ID, Signature: tok.Signature,
		LocationRef: "market-7", Lat: 45.00, Lng: 11.00,
	}
	first, err := gate.AttemptCheckin(ctx, req)
	if err != nil {
		log.Fatalf("first check-in: %v", err)
	}
	expect("original", first, checkin.ReasonOK)
	second, err := gate.AttemptCheckin(ctx, req)
	if err != nil {
		log.Fatalf("replayed check-in: %v", err)
	}
	expect("token reuse", second, checkin.ReasonTokenAlreadyUsed)

	// Teleport: a second check-in far beyond plausible travel.
	fmt.Println("teleport:")
	expect("arrive", attempt("carol", "market-7", 45.00, 11.00), checkin.ReasonOK)
	expect("teleport", attempt("carol", "plaza-2", 48.00, 2.00), checkin.ReasonGeoImplausible)

	// Burst: hammering the gate past the per-user ceiling. Three credits
	// fill both the rate window and the daily cap; the fourth attempt
	// hits the rate limiter first.
	fmt.Println("burst:")
	for i := 0; i < 3; i++ {
		expect(fmt.Sprintf("checkin %d", i+1), attempt("dave", "market-7", 45.00, 11.00+float64(i)/10000), checkin.ReasonOK)
	}
	expect("over the ceiling", attempt("dave", "market-7", 45.00, 11.0003), checkin.ReasonRateLimited)

	// Every credit the ledger saw must belong to an approved check-in.
	total := int64(0)
	for _, ins := range ledger.Instructions() {
		total += ins.Amount
	}
	approvals := 0
	for _, user := range []string{"alice", "bob", "carol", "dave"} {
		for _, e := range audit.ByUser(user) {
			if e.Category == fraudlog.CategoryOK {
				approvals++
			}
		}
	}
	if total != int64(approvals)*100 {
		log.Fatalf("credit conservation failed: %d credited for %d approvals", total, approvals)
	}

	fmt.Printf("gate simulation passed: %d approvals, %d credits\n", approvals, total)
}
