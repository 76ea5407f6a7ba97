package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/reelforge/backend/internal/auth"
	"github.com/reelforge/backend/internal/billing"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/creations"
	"github.com/reelforge/backend/internal/generation"
	"github.com/reelforge/backend/internal/ledger"
	"github.com/reelforge/backend/internal/runner"
	"github.com/reelforge/backend/internal/stitch"
	"github.com/reelforge/backend/internal/storage"
	"github.com/reelforge/backend/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. make dev-up or docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := store.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first (e.g. make dev-up)", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo, logger)

	// Object storage for generated outputs and stitched reels.
	objects, err := storage.NewFileStore(cfg.StorageDir, cfg.StorageBaseURL, []byte(cfg.URLSignSecret))
	if err != nil {
		slog.Error("Unable to initialize object storage", "error", err)
		os.Exit(1)
	}

	// Creations: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn creations.EnqueueGenerationFunc
	enqueueGeneration := func(ctx context.Context, args generation.GenerateArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, args)
	}

	validator, err := creations.NewValidator(cfg.SchemaDir)
	if err != nil {
		slog.Warn("Param schema validator init failed (param validation disabled)", "error", err)
		validator = nil
	}

	creationsRepo := creations.NewRepository(pool)
	creationsSvc := creations.NewService(creationsRepo, ledgerSvc, enqueueGeneration, validator, creations.DefaultPricing(), logger)

	// Generation worker (settles the creation and its tokens on final failure)
	provider := generation.NewHTTPProvider(cfg.GeneratorURL, cfg.GeneratorToken)
	workers := river.NewWorkers()
	river.AddWorker(workers, generation.NewGenerateWorker(creationsSvc, provider, objects, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, args generation.GenerateArgs) error {
		_, err := riverClient.Insert(ctx, args, &river.InsertOpts{MaxAttempts: 3})
		return err
	}
	insertMu.Unlock()

	// Stitching
	runnerClient := runner.NewHTTPClient(cfg.RunnerURL, cfg.RunnerToken)
	stitchRepo := stitch.NewRepository(pool)
	stitchSvc := stitch.NewService(stitchRepo, ledgerSvc, creationsRepo, objects, runnerClient, stitch.DefaultPricing(), cfg.StitchStaleAfter, logger)

	// Billing & Auth
	billingSvc := billing.NewService(ledgerSvc, cfg.WebhookSecret, cfg.CreditCeiling, cfg.CreditWindow, logger)

	authRepo := auth.NewRepository(pool)
	authSvc := auth.NewService(authRepo, ledgerSvc, cfg.JWTSecret, cfg.StarterTokens, logger)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		auth:      authSvc,
		authH:     auth.NewHandler(authSvc, logger),
		creations: creations.NewHandler(creationsSvc, objects, cfg.SignedURLTTL, logger),
		stitch:    stitch.NewHandler(stitchSvc, logger),
		billing:   billing.NewHandler(billingSvc, logger),
		static:    storage.NewHandler(objects, logger),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes generation jobs)
	riverCtx, stopRiver := context.WithCancel(context.Background())
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	// Background reconciliation of stitch jobs whose completion signal was lost.
	sweeper := stitch.NewSweeper(stitchSvc, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Port,
		Handler:      corsHandler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		slog.Info("Starting HTTP server", "addr", srv.Addr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		slog.Error("River client shutdown failed", "error", err)
	}
	slog.Info("Server stopped")
}
