package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Action names used to key per-action rate limits.
const (
	ActionCheckin    = "checkin"
	ActionTokenIssue = "token_issue"
)

// Limit is one rate-limit ceiling: at most Max actions per Window.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Config contains runtime configuration for the check-in gate.
type Config struct {
	HTTPAddr string

	// Postgres DSN; empty means in-memory stores only.
	PGDSN string

	// Redis address; empty means counters stay in-memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// SigningSecret protects check-in tokens. Required.
	SigningSecret string

	TokenTTL time.Duration

	MaxSpeedKmH            float64
	ZeroElapsedToleranceKm float64

	RewardAmount   int64
	RewardCurrency string
	DailyCapAmount int64

	// DayTZ names the reference timezone for daily-cap day boundaries.
	// Defaults to UTC; this is a deliberate choice, set your civil zone
	// for single-region deployments.
	DayTZ       string
	DayLocation *time.Location

	IdemRetention      time.Duration
	IdemPendingTimeout time.Duration

	Limits map[string]Limit

	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool
}

// Load reads configuration from CIVICA_* environment variables and
// validates it. Missing signing secret and invalid timezone are fatal
// here rather than per-request.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:               envStr("CIVICA_HTTP_ADDR", ":8080"),
		PGDSN:                  strings.TrimSpace(os.Getenv("CIVICA_PG_DSN")),
		RedisAddr:              strings.TrimSpace(os.Getenv("CIVICA_REDIS_ADDR")),
		RedisPassword:          os.Getenv("CIVICA_REDIS_PASSWORD"),
		SigningSecret:          strings.TrimSpace(os.Getenv("CIVICA_SIGNING_SECRET")),
		RewardCurrency:         envStr("CIVICA_REWARD_CURRENCY", "CVC"),
		DayTZ:                  envStr("CIVICA_DAY_TZ", "UTC"),
		LogLevel:               envStr("CIVICA_LOG_LEVEL", "info"),
		LogPath:                strings.TrimSpace(os.Getenv("CIVICA_LOG_PATH")),
		ZeroElapsedToleranceKm: 0.05,
	}

	var err error
	if cfg.RedisDB, err = envInt("CIVICA_REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.TokenTTL, err = envDuration("CIVICA_TOKEN_TTL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaxSpeedKmH, err = envFloat("CIVICA_MAX_SPEED_KMH", 300); err != nil {
		return Config{}, err
	}
	if cfg.RewardAmount, err = envInt64("CIVICA_REWARD_AMOUNT", 100); err != nil {
		return Config{}, err
	}
	if cfg.DailyCapAmount, err = envInt64("CIVICA_DAILY_CAP", 1000); err != nil {
		return Config{}, err
	}
	if cfg.IdemRetention, err = envDuration("CIVICA_IDEM_RETENTION", 24*time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.IdemPendingTimeout, err = envDuration("CIVICA_IDEM_PENDING_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxSizeMB, err = envInt("CIVICA_LOG_MAX_SIZE_MB", 100); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxBackups, err = envInt("CIVICA_LOG_MAX_BACKUPS", 3); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxAgeDays, err = envInt("CIVICA_LOG_MAX_AGE_DAYS", 7); err != nil {
		return Config{}, err
	}
	cfg.LogCompress = envStr("CIVICA_LOG_COMPRESS", "false") == "true"

	cfg.Limits = map[string]Limit{}
	checkinLimit, err := envLimit("CIVICA_RATE_CHECKIN", Limit{Max: 10, Window: time.Minute})
	if err != nil {
		return Config{}, err
	}
	cfg.Limits[ActionCheckin] = checkinLimit
	issueLimit, err := envLimit("CIVICA_RATE_TOKEN_ISSUE", Limit{Max: 20, Window: time.Minute})
	if err != nil {
		return Config{}, err
	}
	cfg.Limits[ActionTokenIssue] = issueLimit

	if cfg.SigningSecret == "" {
		return Config{}, fmt.Errorf("CIVICA_SIGNING_SECRET is required")
	}
	cfg.DayLocation, err = time.LoadLocation(cfg.DayTZ)
	if err != nil {
		return Config{}, fmt.Errorf("CIVICA_DAY_TZ: unknown timezone %q", cfg.DayTZ)
	}
	if cfg.RewardAmount <= 0 {
		return Config{}, fmt.Errorf("CIVICA_REWARD_AMOUNT must be > 0")
	}
	if cfg.DailyCapAmount < cfg.RewardAmount {
		return Config{}, fmt.Errorf("CIVICA_DAILY_CAP must be >= reward amount")
	}
	return cfg, nil
}

// LimitFor returns the configured ceiling for an action, falling back
// to the check-in limit for unknown actions.
func (c Config) LimitFor(action string) Limit {
	if l, ok := c.Limits[action]; ok {
		return l
	}
	return c.Limits[ActionCheckin]
}

func envStr(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func envInt64(name string, def int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

func envFloat(name string, def float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", name)
	}
	return v, nil
}

func envDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration (e.g. 5m)", name)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return v, nil
}

// envLimit parses "count/window", e.g. "10/1m".
func envLimit(name string, def Limit) (Limit, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	parts := strings.SplitN(raw, "/", 2)
	if len(parts) != 2 {
		return Limit{}, fmt.Errorf(`%s must be "count/window", e.g. "10/1m"`, name)
	}
	max, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || max <= 0 {
		return Limit{}, fmt.Errorf("%s: count must be a positive integer", name)
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return Limit{}, fmt.Errorf("%s: window must be a positive duration", name)
	}
	return Limit{Max: max, Window: window}, nil
}
