package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborpress/pulse/internal/app/migrate"
	httpx "github.com/harborpress/pulse/internal/http"
	"github.com/harborpress/pulse/internal/instrument"
	"github.com/harborpress/pulse/internal/repository/postgres"
	"github.com/harborpress/pulse/internal/service/sink"
	"github.com/harborpress/pulse/internal/service/stats"
	"github.com/harborpress/pulse/internal/ws"
	"github.com/harborpress/pulse/pkg/config"
	"github.com/harborpress/pulse/pkg/logger"
)

func main() {
	cfg := config.Load()
	level := slog.LevelInfo
	if cfg.Environment == "development" {
		level = slog.LevelDebug
	}
	log := logger.New("pulse", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	streamHub := ws.NewHub()

	sinkSvc := sink.New(repo, repo, streamHub, log, cfg.RollupBucket, cfg.RollupFlush)
	go sinkSvc.Run(ctx)

	statsSvc := stats.New(repo, log, cfg.QueryWindowMax)

	sweeper := sink.NewSweeper(repo, cfg.RetentionDays, cfg.RetentionSweep, log)
	go sweeper.Run(ctx)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateRedisPass, cfg.RateRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, sinkSvc, statsSvc, repo, repo, limiter, cfg.JWTSecret, cfg.IngestToken, pool.Ping)
	defer router.Close()

	// The service instruments its own request handling through the same
	// sink it serves.
	handler := instrument.Middleware(sinkSvc, "")(router)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("pulse server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("pulse server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
