package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civica.org/internal/checkin"
	"civica.org/internal/config"
	"civica.org/internal/dailycap"
	"civica.org/internal/fraudlog"
	"civica.org/internal/geo"
	"civica.org/internal/httpapi"
	"civica.org/internal/idempotency"
	"civica.org/internal/obs"
	"civica.org/internal/ratelimit"
	"civica.org/internal/store/pg"
	storeredis "civica.org/internal/store/redis"
	"civica.org/internal/stream"
	"civica.org/internal/token"
	"civica.org/internal/wallet"
)

var version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := obs.InitLogger(obs.LogConfig{
		Level:      cfg.LogLevel,
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	}); err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer obs.Sync()
	log := obs.Sugar()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("CIVICA_BUILD_COMMIT"))

	// Store selection: Postgres for durable state when a DSN is set,
	// Redis for shared hot counters when an address is set, in-memory
	// fallbacks otherwise.
	var (
		tokenStore token.Store       = token.NewInMemory()
		positions  geo.PositionStore = geo.NewInMemoryPositions()
		capStore   dailycap.Store    = dailycap.NewInMemory()
		rateStore  ratelimit.Store   = ratelimit.NewInMemory()
		idemStore  idempotency.Store = idempotency.NewInMemory()
		auditStore fraudlog.Store    = fraudlog.NewInMemory()
		creditor   wallet.Creditor   = wallet.NewRecorder()
	)

	var pgStore *pg.Store
	if cfg.PGDSN != "" {
		pgStore, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalw("open postgres", "err", err)
		}
		defer pgStore.Close()
		tokenStore = pgStore
		positions = pgStore
		capStore = pgStore
		idemStore = pgStore
		auditStore = pgStore
		creditor = pgStore
		log.Infow("postgres stores enabled")
	}

	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := storeredis.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			log.Fatalw("dial redis", "err", err)
		}
		defer client.Close()
		counters := storeredis.NewCounters(client, "civica")
		rateStore = counters
		capStore = counters
		log.Infow("redis counters enabled", "addr", cfg.RedisAddr)
	}

	tokens, err := token.NewService(tokenStore, cfg.SigningSecret)
	if err != nil {
		log.Fatalw("token service", "err", err)
	}
	checker, err := geo.NewChecker(positions, cfg.MaxSpeedKmH, cfg.ZeroElapsedToleranceKm)
	if err != nil {
		log.Fatalw("geo checker", "err", err)
	}
	caps, err := dailycap.New(capStore, cfg.DayLocation)
	if err != nil {
		log.Fatalw("daily cap", "err", err)
	}

	events := stream.New()
	gate, err := checkin.New(
		tokens,
		checker,
		ratelimit.New(rateStore),
		idempotency.New(idemStore, cfg.IdemRetention, cfg.IdemPendingTimeout),
		caps,
		fraudlog.New(auditStore),
		creditor,
		checkin.Settings{
			TokenTTL:       cfg.TokenTTL,
			RewardAmount:   cfg.RewardAmount,
			RewardCurrency: cfg.RewardCurrency,
			DailyCap:       cfg.DailyCapAmount,
			CheckinLimit:   cfg.LimitFor(config.ActionCheckin),
			IssueLimit:     cfg.LimitFor(config.ActionTokenIssue),
		},
		checkin.WithNotifier(events),
	)
	if err != nil {
		log.Fatalw("gate", "err", err)
	}

	rp := httpapi.ReadyProbe{}
	if pgStore != nil {
		rp.DB = pgStore.DB()
	}
	api := httpapi.New(rp, version, gate, events)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Infow("starting civica-gate", "version", version, "addr", srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("listen", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Infow("shutting down")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Infow("stopped")
}
