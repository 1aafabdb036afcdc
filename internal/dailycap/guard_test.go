package dailycap

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestReserveWithinCap(t *testing.T) {
	g, err := New(NewInMemory(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res, err := g.ReserveCredit(ctx, "user-1", at, 40, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() || res.Remaining != 60 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = g.ReserveCredit(ctx, "user-1", at, 60, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() || res.Remaining != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = g.ReserveCredit(ctx, "user-1", at, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ok() {
		t.Fatalf("expected cap exceeded: %+v", res)
	}
}

func TestCapExceededLeavesCounterUntouched(t *testing.T) {
	g, err := New(NewInMemory(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if _, err := g.ReserveCredit(ctx, "user-1", at, 90, 100); err != nil {
		t.Fatal(err)
	}
	res, err := g.ReserveCredit(ctx, "user-1", at, 20, 100)
	if err != nil {
		t.Fatal(err)
	}
	if res.Ok() || res.Remaining != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}

	remaining, err := g.Remaining(ctx, "user-1", at, 100)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 10 {
		t.Fatalf("denied reservation must not mutate the total, remaining=%d", remaining)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	g, err := New(NewInMemory(), time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := g.ReserveCredit(ctx, "user-1", at, 60, 100)
			if err != nil {
				t.Error(err)
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var approved, denied int
	for res := range results {
		if res.Ok() {
			approved++
		} else {
			denied++
		}
	}
	if approved != 1 || denied != 1 {
		t.Fatalf("two 60-credit reservations against a 100 cap: approved=%d denied=%d", approved, denied)
	}
}

func TestDayBoundaryUsesReferenceTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}
	g, err := New(NewInMemory(), tokyo)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// 16:00 UTC is already the next day in Tokyo (+9).
	before := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	after := time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC)
	if g.DayKey(before) == g.DayKey(after) {
		t.Fatalf("expected different day keys, got %s", g.DayKey(before))
	}

	if _, err := g.ReserveCredit(ctx, "user-1", before, 100, 100); err != nil {
		t.Fatal(err)
	}
	res, err := g.ReserveCredit(ctx, "user-1", after, 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Fatalf("new day should reset the budget: %+v", res)
	}
}
