package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/SpendGate/internal/adapter/deadletter"
	sghttp "github.com/Strob0t/SpendGate/internal/adapter/http"
	sgnats "github.com/Strob0t/SpendGate/internal/adapter/nats"
	"github.com/Strob0t/SpendGate/internal/adapter/natskv"
	"github.com/Strob0t/SpendGate/internal/adapter/otel"
	"github.com/Strob0t/SpendGate/internal/adapter/postgres"
	"github.com/Strob0t/SpendGate/internal/adapter/ristretto"
	"github.com/Strob0t/SpendGate/internal/adapter/tiered"
	"github.com/Strob0t/SpendGate/internal/adapter/ws"
	"github.com/Strob0t/SpendGate/internal/catalog"
	"github.com/Strob0t/SpendGate/internal/config"
	"github.com/Strob0t/SpendGate/internal/logger"
	"github.com/Strob0t/SpendGate/internal/middleware"
	"github.com/Strob0t/SpendGate/internal/resilience"
	"github.com/Strob0t/SpendGate/internal/service"
)

const idempotencyBucket = "spendgate_idempotency"

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, yamlPath, err := config.LoadWithCLI(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, logLevel, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

	holder := config.NewHolder(cfg, yamlPath)

	if err := run(holder, logLevel); err != nil {
		slog.Error("fatal", "error", err)
		closeLog.Close()
		os.Exit(1)
	}
}

func run(holder *config.Holder, logLevel *slog.LevelVar) error {
	cfg := holder.Get()
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
		"nats_url", cfg.NATS.URL,
	)

	ctx := context.Background()

	// --- Telemetry ---

	shutdownTel, err := otel.Init(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTel(sctx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := sgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	priceKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("price kv bucket: %w", err)
	}
	idemKV, err := queue.KeyValue(ctx, idempotencyBucket, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("idempotency kv bucket: %w", err)
	}

	// --- Caches ---
	// Prices are two-tiered: in-process ristretto in front of a NATS KV
	// bucket shared across instances. Limits and spend stay in-process only;
	// their correctness relies on explicit invalidation, not shared state.

	l1Bytes := cfg.Cache.L1MaxSizeMB << 20
	priceL1, err := ristretto.New(l1Bytes)
	if err != nil {
		return fmt.Errorf("price cache: %w", err)
	}
	priceCache := tiered.New(priceL1, natskv.New(priceKV), cfg.Pricing.FreshnessTTL)

	limitCache, err := ristretto.New(l1Bytes / 4)
	if err != nil {
		return fmt.Errorf("limit cache: %w", err)
	}
	spendCache, err := ristretto.New(l1Bytes / 4)
	if err != nil {
		return fmt.Errorf("spend cache: %w", err)
	}

	// --- Services ---

	store := postgres.NewStore(pool)
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	resolver := service.NewResolver(store, priceCache, catalog.Default(), breaker, service.ResolverOptions{
		TTL:          cfg.Pricing.FreshnessTTL,
		StoreTimeout: cfg.Pricing.StoreTimeout,
	})
	ledger := service.NewLedger(store, limitCache, spendCache, service.LedgerOptions{
		LimitTTL:     cfg.Ledger.LimitTTL,
		SpendTTL:     cfg.Ledger.SpendTTL,
		StoreTimeout: cfg.Ledger.StoreTimeout,
	})
	calc := service.NewCalculator()
	hub := ws.NewHub()
	gate := service.NewGate(resolver, calc, ledger, hub, metrics)

	alerts := service.NewAlerts(store, ledger, queue, hub, metrics, cfg.Ledger.AlertThresholds)
	sink := deadletter.New(queue)
	recorder := service.NewRecorder(resolver, calc, ledger, alerts, queue, sink, hub, metrics,
		resilience.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		})

	stopRecorder, err := recorder.Start(ctx)
	if err != nil {
		return fmt.Errorf("recorder: %w", err)
	}
	defer stopRecorder()

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(sghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(sghttp.SecurityHeaders)
	r.Use(sghttp.Logger)
	r.Use(limiter.Handler)
	r.Use(middleware.Idempotency(idemKV))
	r.Use(otel.HTTPMiddleware(cfg.Telemetry.ServiceName))

	handlers := sghttp.NewHandlers(gate, ledger, resolver, store, queue)
	sghttp.MountRoutes(r, handlers, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	// SIGHUP re-reads the config file; a failed reload keeps the old
	// config. Only the log level takes effect live — everything else
	// (pool sizes, buckets, TTLs) is bound at startup.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := holder.Reload(); err != nil {
				slog.Error("config reload failed, keeping previous config", "error", err)
				continue
			}
			logLevel.Set(logger.ParseLevel(holder.Get().Logging.Level))
			slog.Info("config reloaded", "log_level", holder.Get().Logging.Level)
		}
	}()

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	signal.Stop(reload)
	close(reload)
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	// Drain in-flight queue messages so consumed usage is not lost.
	if err := queue.Drain(); err != nil {
		slog.Warn("nats drain failed", "error", err)
	}
	return nil
}
