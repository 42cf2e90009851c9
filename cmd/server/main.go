// Council - ensemble deliberation server
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ashureev/council/internal/config"
	"github.com/ashureev/council/internal/credit"
	"github.com/ashureev/council/internal/deliberation"
	"github.com/ashureev/council/internal/llm"
	"github.com/ashureev/council/internal/prompt"
	"github.com/ashureev/council/internal/shared"
	"github.com/ashureev/council/internal/stage"
	"github.com/ashureev/council/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Ensemble deliberation server",
	Long: `Council answers a question by asking a roster of models independently,
letting them review each other anonymously and having a chairman model
synthesise a verdict, streamed to the client as server-sent events.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	cobra.OnInitialize(initEnv)
}

func initEnv() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration and reinstalls the default logger at the
// configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	return cfg, nil
}

// services is the dependency graph shared by the serve and sweep commands.
type services struct {
	repo     *store.SQLiteStore
	ledger   *credit.Ledger
	client   llm.Client
	registry *deliberation.Registry
}

func newServices(cfg *config.Config) (*services, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	retry := shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	}
	logger := slog.Default()

	var client llm.Client
	switch cfg.LLM.Provider {
	case "mock":
		mock := llm.NewMock()
		mock.Delay = 300 * time.Millisecond
		client = mock
		slog.Warn("Using mock model client")
	default:
		client = llm.NewOpenRouter(cfg.LLM.BaseURL, cfg.LLM.APIKey, nil)
	}

	ledger := credit.NewLedger(repo, cfg.Credits.FileSurcharge, retry, logger)
	runner := stage.NewRunner(client, stage.Options{
		MaxParallel: cfg.LLM.MaxParallel,
		MaxAttempts: cfg.Run.MaxAttempts,
		CancelGrace: cfg.Run.CancelGrace,
		Logger:      logger,
	})
	registry := deliberation.NewRegistry(repo, ledger, runner, client, deliberation.Options{
		HeartbeatInterval: cfg.Run.HeartbeatInterval,
		RunTimeout:        cfg.Run.RunTimeout,
		OrphanThreshold:   cfg.Run.OrphanThreshold,
		SubscriberBuffer:  cfg.SSE.SubscriberBuffer,
		Context: prompt.Limits{
			FullTurns: cfg.Context.FullTurns,
			FullChars: cfg.Context.FullChars,
		},
		TitleModel:   cfg.LLM.TitleModel,
		TitleTimeout: cfg.LLM.TitleTimeout,
		Retry:        retry,
		Logger:       logger,
	})

	return &services{repo: repo, ledger: ledger, client: client, registry: registry}, nil
}

func (s *services) close() {
	if err := s.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}
