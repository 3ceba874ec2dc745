// Command server runs the recommendation backend: the HTTP API, the credit
// ledger and query cache over SQLite, and the background maintenance
// scheduler. It loads configuration from the environment (.env supported for
// local development), wires the service graph, and shuts down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shopwise/go-recs-backend/internal/config"
	httpapi "github.com/shopwise/go-recs-backend/internal/http"
	"github.com/shopwise/go-recs-backend/internal/maintenance"
	"github.com/shopwise/go-recs-backend/internal/observability"
	"github.com/shopwise/go-recs-backend/internal/recs"
	"github.com/shopwise/go-recs-backend/internal/repo"
	"github.com/shopwise/go-recs-backend/internal/services"
	"github.com/shopwise/go-recs-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local development convenience; missing .env is not an error.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	gin.SetMode(cfg.GinMode)

	log.Info().Str("version", version).Str("port", cfg.Port).Msg("starting recommendation backend")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing (no-op shutdown when disabled).
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	// Storage.
	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("could not open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}

	// Service graph. The static generator is the built-in fallback; a real
	// deployment swaps it for a model-backed implementation.
	creditSvc := services.NewCreditService(db, cfg.Credits.GuestAllocation, cfg.Credits.UserAllocation, cfg.Credits.ResetInterval)
	cacheSvc := services.NewCacheService(db, cfg.Cache.TTL)
	gen := recs.StaticGenerator{}

	// Background maintenance.
	sched := maintenance.NewScheduler(
		maintenance.DefaultCycle(db, creditSvc, cacheSvc, cfg.Cache, cfg.Maintenance),
		cfg.Maintenance.HistorySize,
	)
	if err := sched.Start(cfg.Maintenance.Interval); err != nil {
		log.Fatal().Err(err).Msg("could not start maintenance scheduler")
	}
	defer sched.Stop()

	// HTTP transport.
	r := gin.New()
	httpapi.RegisterRoutes(r, db, gen, sched, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	// Drain in-flight requests, then flush traces.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown incomplete")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown incomplete")
	}

	log.Info().Msg("stopped")
}
