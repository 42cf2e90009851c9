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

	"github.com/ashureev/council/internal/api"
	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/identity"
	"github.com/ashureev/council/internal/middleware"
	"github.com/ashureev/council/internal/shared"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "llm_provider", cfg.LLM.Provider)

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.repo.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected")

	// Runs left active by a previous process can never finish.
	recovered, err := svc.registry.RecoverStale(cmd.Context())
	if err != nil {
		return fmt.Errorf("recover stale runs: %w", err)
	}
	slog.Info("Stale run recovery complete", "recovered", recovered)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	handler := api.NewHandler(svc.repo, svc.registry, svc.ledger, cfg.Modes, api.Options{
		MaxFiles:           cfg.Credits.MaxFiles,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		AllowedOrigins:     cfg.CORSOrigins,
		Retry: shared.RetryPolicy{
			MaxRetries: cfg.Retry.DatabaseMaxRetries,
			BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
		},
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	handler.RegisterRoutes(r, identity.Middleware(svc.repo, cfg.Credits.StartingCredits), limiter.Handler)

	// SSE responses stay open for a whole run, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	deliberation.StartOrphanSweeper(ctx, svc.registry, cfg.Run.OrphanSweepInterval)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	// Runs persist their partial results within the cancel grace; the open
	// streams end with their error event before the server stops.
	runsCtx, cancelRuns := context.WithTimeout(context.Background(), cfg.Run.CancelGrace+3*time.Second)
	defer cancelRuns()
	if err := svc.registry.Shutdown(runsCtx); err != nil {
		slog.Error("Runs did not stop in time", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}
