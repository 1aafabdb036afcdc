// Package geo rejects GPS coordinates that cannot physically follow from
// a user's last accepted position (impossible-travel spoofing detection).
package geo

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// EarthRadiusKm is the sphere radius used by the haversine formula.
const EarthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometres between
// two points given in decimal degrees.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLng := radians(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Sample is the last accepted position for a user. One row per user,
// overwritten on every accepted check-in.
type Sample struct {
	UserID     string    `json:"user_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ObservedAt time.Time `json:"observed_at"`
}

// PositionStore owns position samples.
type PositionStore interface {
	Last(ctx context.Context, userID string) (Sample, bool, error)
	Save(ctx context.Context, s Sample) error
}

// Result explains a plausibility decision. The numbers are always
// carried so the fraud log can state why, never just that.
type Result struct {
	Plausible        bool    `json:"plausible"`
	FirstObservation bool    `json:"first_observation"`
	DistanceKm       float64 `json:"distance_km"`
	ElapsedHours     float64 `json:"elapsed_hours"`
	RequiredSpeedKmH float64 `json:"required_speed_kmh"`
}

// Checker compares consecutive positions against a maximum plausible
// travel speed.
type Checker struct {
	store PositionStore

	maxSpeedKmH float64
	// zeroElapsedToleranceKm bounds movement allowed between samples with
	// non-positive elapsed time; beyond it the pair is implausible
	// regardless of speed, which stops same-instant teleports.
	zeroElapsedToleranceKm float64
}

// NewChecker builds a checker. toleranceKm <= 0 selects the 50 m default.
func NewChecker(store PositionStore, maxSpeedKmH, toleranceKm float64) (*Checker, error) {
	if maxSpeedKmH <= 0 {
		return nil, fmt.Errorf("max speed must be positive, got %v", maxSpeedKmH)
	}
	if toleranceKm <= 0 {
		toleranceKm = 0.05
	}
	return &Checker{
		store:                  store,
		maxSpeedKmH:            maxSpeedKmH,
		zeroElapsedToleranceKm: toleranceKm,
	}, nil
}

// Check evaluates whether the new position can physically follow the
// user's last accepted one. A user with no prior sample is trivially
// plausible. The stored sample is not modified here; call Accept once
// the whole check-in is approved so rejected positions never poison
// future checks.
func (c *Checker) Check(ctx context.Context, userID string, lat, lng float64, observedAt time.Time) (Result, error) {
	last, ok, err := c.store.Last(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load position sample: %w", err)
	}
	if !ok {
		return Result{Plausible: true, FirstObservation: true}, nil
	}

	distanceKm := HaversineKm(last.Lat, last.Lng, lat, lng)
	elapsedHours := observedAt.Sub(last.ObservedAt).Hours()

	if elapsedHours <= 0 {
		// Sub-second repeats happen with flaky clients; allow them only
		// within the distance tolerance. Speed is reported against a
		// one-second floor to keep the number finite for the audit log.
		res := Result{
			DistanceKm:       distanceKm,
			ElapsedHours:     elapsedHours,
			RequiredSpeedKmH: distanceKm * 3600,
		}
		res.Plausible = distanceKm <= c.zeroElapsedToleranceKm
		return res, nil
	}

	requiredSpeed := distanceKm / elapsedHours
	return Result{
		Plausible:        requiredSpeed <= c.maxSpeedKmH,
		DistanceKm:       distanceKm,
		ElapsedHours:     elapsedHours,
		RequiredSpeedKmH: requiredSpeed,
	}, nil
}

// MaxSpeedKmH returns the configured plausibility ceiling.
func (c *Checker) MaxSpeedKmH() float64 {
	return c.maxSpeedKmH
}

// Accept overwrites the stored sample after an approved check-in.
func (c *Checker) Accept(ctx context.Context, s Sample) error {
	if err := c.store.Save(ctx, s); err != nil {
		return fmt.Errorf("save position sample: %w", err)
	}
	return nil
}

// InMemoryPositions implements PositionStore with a mutex-guarded map.
type InMemoryPositions struct {
	mu      sync.RWMutex
	samples map[string]Sample
}

// NewInMemoryPositions creates an empty position store.
func NewInMemoryPositions() *InMemoryPositions {
	return &InMemoryPositions{samples: make(map[string]Sample)}
}

func (s *InMemoryPositions) Last(ctx context.Context, userID string) (Sample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.samples[userID]
	return sample, ok, nil
}

func (s *InMemoryPositions) Save(ctx context.Context, sample Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.UserID] = sample
	return nil
}
