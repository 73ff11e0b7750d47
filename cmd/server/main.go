// Command server runs the capital engine: the capital allocation and agent
// lifecycle control plane for the trading platform.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantpool/capital-engine/internal/capital"
	"github.com/quantpool/capital-engine/internal/config"
	"github.com/quantpool/capital-engine/internal/event"
	"github.com/quantpool/capital-engine/internal/metrics"
	"github.com/quantpool/capital-engine/internal/retry"
	"github.com/quantpool/capital-engine/internal/safety"
	"github.com/quantpool/capital-engine/internal/schedule"
	"github.com/quantpool/capital-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize store", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	bus := event.NewBus()

	hub := event.NewHub()
	go hub.Run()
	bus.SubscribeAll(hub.Consume)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, event fan-out disabled", "err", err)
		} else {
			bus.SubscribeAll(event.NewRedisSink(rdb, cfg.RedisChannel).Consume)
			slog.Info("redis event fan-out enabled", "channel", cfg.RedisChannel)
		}
		defer rdb.Close()
	}

	safe := safety.NewManual(bus)

	svc, err := capital.New(ctx, st, bus, safe, capital.Config{
		MinReserveRatio: decimal.NewFromFloat(cfg.Capital.MinReserveRatio),
		Policy: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			Multiplier:   cfg.Retry.Multiplier,
			MaxDelay:     cfg.Retry.MaxDelay,
		},
		Breaker: retry.BreakerConfig{
			Threshold: cfg.Breaker.Threshold,
			Cooldown:  cfg.Breaker.Cooldown,
		},
	})
	if err != nil {
		slog.Error("failed to initialize capital engine", "err", err)
		os.Exit(1)
	}

	sched := schedule.New()
	if err := sched.Add(ctx, schedule.Job{
		Name: "snapshot-heartbeat",
		Spec: cfg.Heartbeat.Cron,
		Run:  svc.Heartbeat,
	}); err != nil {
		slog.Error("failed to schedule heartbeat", "err", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", hub.HandleWS)
	r.Mount("/api/v1", svc.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("capital engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("stopped")
}

// buildStore selects the persistence backend: PostgreSQL when DATABASE_URL
// is configured, the atomic file store otherwise.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("using postgres store")
		return pg, pool.Close, nil
	}

	fs, err := store.NewFileStore(cfg.Capital.DataDir)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using file store", "dir", cfg.Capital.DataDir)
	return fs, func() {}, nil
}
