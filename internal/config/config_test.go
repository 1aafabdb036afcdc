package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CIVICA_SIGNING_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("unexpected token ttl: %v", cfg.TokenTTL)
	}
	if cfg.MaxSpeedKmH != 300 {
		t.Fatalf("unexpected max speed: %v", cfg.MaxSpeedKmH)
	}
	if cfg.DayTZ != "UTC" || cfg.DayLocation != time.UTC {
		t.Fatalf("unexpected day tz: %s", cfg.DayTZ)
	}
	if got := cfg.LimitFor(ActionCheckin); got.Max != 10 || got.Window != time.Minute {
		t.Fatalf("unexpected checkin limit: %+v", got)
	}
	if got := cfg.LimitFor("unknown_action"); got.Max != 10 {
		t.Fatalf("unknown action should fall back to checkin limit, got %+v", got)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("CIVICA_SIGNING_SECRET", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CIVICA_SIGNING_SECRET") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadInvalidTimezone(t *testing.T) {
	t.Setenv("CIVICA_SIGNING_SECRET", "test-secret")
	t.Setenv("CIVICA_DAY_TZ", "Mars/Olympus")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "timezone") {
		t.Fatalf("expected timezone error, got %v", err)
	}
}

func TestLoadRateLimitFormat(t *testing.T) {
	t.Setenv("CIVICA_SIGNING_SECRET", "test-secret")
	t.Setenv("CIVICA_RATE_CHECKIN", "3/90s")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	limit := cfg.LimitFor(ActionCheckin)
	if limit.Max != 3 || limit.Window != 90*time.Second {
		t.Fatalf("unexpected limit: %+v", limit)
	}

	t.Setenv("CIVICA_RATE_CHECKIN", "not-a-limit")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error for malformed rate limit")
	}
}

func TestLoadCapBelowReward(t *testing.T) {
	t.Setenv("CIVICA_SIGNING_SECRET", "test-secret")
	t.Setenv("CIVICA_REWARD_AMOUNT", "500")
	t.Setenv("CIVICA_DAILY_CAP", "100")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when daily cap is below reward amount")
	}
}
