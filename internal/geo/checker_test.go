package geo

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestHaversineOneDegreeAtEquator(t *testing.T) {
	got := HaversineKm(0, 0, 0, 1)
	want := 111.19
	if math.Abs(got-want)/want > 0.005 {
		t.Fatalf("HaversineKm(0,0,0,1)=%f, want ~%f", got, want)
	}
}

func TestHaversineIdenticalPoints(t *testing.T) {
	if got := HaversineKm(45.0, 11.0, 45.0, 11.0); got != 0 {
		t.Fatalf("distance between identical points = %f, want 0", got)
	}
}

func newTestChecker(t *testing.T) (*Checker, *InMemoryPositions) {
	t.Helper()
	store := NewInMemoryPositions()
	c, err := NewChecker(store, 300, 0)
	if err != nil {
		t.Fatal(err)
	}
	return c, store
}

func TestFirstObservationIsPlausible(t *testing.T) {
	c, _ := newTestChecker(t)
	res, err := c.Check(context.Background(), "user-1", 45.0, 11.0, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Plausible || !res.FirstObservation {
		t.Fatalf("expected trivially plausible first observation, got %+v", res)
	}
}

func TestShortHopIsPlausible(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := c.Accept(ctx, Sample{UserID: "user-1", Lat: 45.0, Lng: 11.0, ObservedAt: base}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Check(ctx, "user-1", 45.0, 11.01, base.Add(60*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Plausible {
		t.Fatalf("short hop should be plausible: %+v", res)
	}
}

func TestLongJumpIsImplausible(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := c.Accept(ctx, Sample{UserID: "user-1", Lat: 45.0, Lng: 11.0, ObservedAt: base}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Check(ctx, "user-1", 46.0, 12.0, base.Add(60*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Plausible {
		t.Fatalf("~137km in 60s should be implausible: %+v", res)
	}
	if res.DistanceKm <= 0 || res.RequiredSpeedKmH <= 300 {
		t.Fatalf("result must carry the offending numbers: %+v", res)
	}
}

func TestSameInstantTeleportGuard(t *testing.T) {
	c, _ := newTestChecker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := c.Accept(ctx, Sample{UserID: "user-1", Lat: 45.0, Lng: 11.0, ObservedAt: base}); err != nil {
		t.Fatal(err)
	}

	// Same instant, same spot: plausible within tolerance.
	res, err := c.Check(ctx, "user-1", 45.0, 11.0001, base)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Plausible {
		t.Fatalf("sub-tolerance repeat should be plausible: %+v", res)
	}

	// Same instant, another city: implausible regardless of speed math.
	res, err = c.Check(ctx, "user-1", 46.0, 12.0, base)
	if err != nil {
		t.Fatal(err)
	}
	if res.Plausible {
		t.Fatalf("same-instant teleport should be implausible: %+v", res)
	}
	if math.IsInf(res.RequiredSpeedKmH, 0) || math.IsNaN(res.RequiredSpeedKmH) {
		t.Fatalf("reported speed must stay finite: %+v", res)
	}
}

func TestRejectedPositionDoesNotOverwriteSample(t *testing.T) {
	c, store := newTestChecker(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := c.Accept(ctx, Sample{UserID: "user-1", Lat: 45.0, Lng: 11.0, ObservedAt: base}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Check(ctx, "user-1", 46.0, 12.0, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	last, ok, err := store.Last(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected stored sample, ok=%v err=%v", ok, err)
	}
	if last.Lat != 45.0 || last.Lng != 11.0 {
		t.Fatalf("rejected position must not poison the store: %+v", last)
	}
}
