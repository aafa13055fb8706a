package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"safe-analysis-sandbox/internal/api"
	"safe-analysis-sandbox/internal/app"
	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/pipeline"
	"safe-analysis-sandbox/internal/storage"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := monitor.NewMetrics()
	var tracer *monitor.Tracer
	if cfg.Tracing.Enabled {
		tracer = monitor.NewTracer()
	}

	// The database is optional; without it security events are only logged.
	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, security audit disabled")
		} else {
			defer db.Close()
		}
	}

	var auditor pipeline.Auditor
	if db != nil {
		auditWriter := storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		auditor = auditWriter
	}

	stack, err := app.Build(ctx, cfg, app.Options{
		Metrics: metrics,
		Tracer:  tracer,
		Auditor: auditor,
	})
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Sandbox.Backend).Msg("failed to build pipeline")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}
	}()

	store := pipeline.NewSessionStore(cfg.Pipeline.SessionTTL, metrics)
	server := api.NewServer(cfg, api.Deps{
		Store:        store,
		Orchestrator: stack.Orchestrator,
		Models:       stack.Gateway,
		DB:           db,
		Metrics:      metrics,
		Backend:      stack.Executor.Backend(),
	})

	log.Info().
		Str("addr", cfg.Address()).
		Str("backend", stack.Executor.Backend()).
		Str("model", cfg.LLM.Model).
		Bool("db_enabled", db != nil).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return store.Run(gctx, cfg.Pipeline.JanitorInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server failed")
		return
	}
	log.Info().Msg("server stopped")
}
