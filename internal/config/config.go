// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	DBPath      string
	LogLevel    slog.Level
	CORSOrigins []string

	LLM       LLMConfig
	Modes     *ModeTable
	Run       RunConfig
	Credits   CreditConfig
	Context   ContextConfig
	RateLimit RateLimitConfig
	SSE       SSEConfig
	Retry     RetryConfig
}

// LLMConfig selects and configures the upstream model client.
type LLMConfig struct {
	Provider     string // "openrouter" or "mock"
	APIKey       string
	BaseURL      string
	TitleModel   string
	TitleTimeout time.Duration
	MaxParallel  int
}

// RunConfig bounds run lifetimes.
type RunConfig struct {
	HeartbeatInterval   time.Duration
	RunTimeout          time.Duration
	CancelGrace         time.Duration
	OrphanThreshold     time.Duration
	OrphanSweepInterval time.Duration
	MaxAttempts         int
}

// CreditConfig holds credit policy knobs.
type CreditConfig struct {
	StartingCredits int
	FileSurcharge   int
	MaxFiles        int
}

// ContextConfig caps the prior-turn context in full mode.
type ContextConfig struct {
	FullTurns int
	FullChars int
}

// RateLimitConfig throttles run submission per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig controls streaming responses.
type SSEConfig struct {
	SubscriberBuffer   int
	MaxRequestBodySize int64
}

// RetryConfig controls store write retries.
type RetryConfig struct {
	DatabaseMaxRetries     int
	DatabaseRetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	modes := DefaultModeTable()
	if path := getEnv("RUN_MODES_FILE", ""); path != "" {
		loaded, err := LoadModeTable(path)
		if err != nil {
			return nil, fmt.Errorf("load run modes: %w", err)
		}
		modes = loaded
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DBPath:      getEnv("DB_PATH", "./data/council.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		LLM: LLMConfig{
			Provider:     strings.ToLower(getEnv("LLM_PROVIDER", "openrouter")),
			APIKey:       getEnv("OPENROUTER_API_KEY", ""),
			BaseURL:      getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1/chat/completions"),
			TitleModel:   getEnv("TITLE_MODEL", ""),
			TitleTimeout: getEnvDuration("TITLE_TIMEOUT", 15*time.Second),
			MaxParallel:  getEnvInt("LLM_MAX_PARALLEL", 8),
		},
		Modes: modes,
		Run: RunConfig{
			HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
			RunTimeout:          getEnvDuration("RUN_TIMEOUT", 180*time.Second),
			CancelGrace:         getEnvDuration("CANCEL_GRACE", 2*time.Second),
			OrphanThreshold:     getEnvDuration("ORPHAN_THRESHOLD", 2*modes.MaxStageTimeout()),
			OrphanSweepInterval: getEnvDuration("ORPHAN_SWEEP_INTERVAL", time.Minute),
			MaxAttempts:         getEnvInt("LLM_MAX_ATTEMPTS", 2),
		},
		Credits: CreditConfig{
			StartingCredits: getEnvInt("STARTING_CREDITS", 5),
			FileSurcharge:   getEnvInt("FILE_SURCHARGE", 1),
			MaxFiles:        getEnvInt("MAX_FILES", 5),
		},
		Context: ContextConfig{
			FullTurns: getEnvInt("FULL_CONTEXT_TURNS", 3),
			FullChars: getEnvInt("FULL_CONTEXT_CHARS", 12000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			SubscriberBuffer:   getEnvInt("SSE_BUFFER", 64),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("STORE_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("STORE_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// environment lookups. Tests build on it.
func Default() *Config {
	modes := DefaultModeTable()
	return &Config{
		Port:        "8080",
		DBPath:      "./data/council.db",
		LogLevel:    slog.LevelInfo,
		CORSOrigins: []string{"*"},
		LLM: LLMConfig{
			Provider:     "mock",
			TitleTimeout: 15 * time.Second,
			MaxParallel:  8,
		},
		Modes: modes,
		Run: RunConfig{
			HeartbeatInterval:   5 * time.Second,
			RunTimeout:          180 * time.Second,
			CancelGrace:         2 * time.Second,
			OrphanThreshold:     2 * modes.MaxStageTimeout(),
			OrphanSweepInterval: time.Minute,
			MaxAttempts:         2,
		},
		Credits: CreditConfig{
			StartingCredits: 5,
			FileSurcharge:   1,
			MaxFiles:        5,
		},
		Context: ContextConfig{
			FullTurns: 3,
			FullChars: 12000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
		},
		SSE: SSEConfig{
			SubscriberBuffer:   64,
			MaxRequestBodySize: 1 << 20,
		},
		Retry: RetryConfig{
			DatabaseMaxRetries:     3,
			DatabaseRetryBaseDelay: 50 * time.Millisecond,
		},
	}
}

// Validate checks that all required configuration fields are set.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.LLM.Provider {
	case "openrouter":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("OPENROUTER_API_KEY is required when LLM_PROVIDER=openrouter")
		}
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("OPENROUTER_BASE_URL cannot be empty")
		}
	case "mock":
	default:
		return fmt.Errorf("LLM_PROVIDER must be openrouter or mock, got %q", c.LLM.Provider)
	}
	if c.LLM.MaxParallel <= 0 {
		return fmt.Errorf("LLM_MAX_PARALLEL must be > 0")
	}
	if c.Modes == nil || len(c.Modes.Names()) == 0 {
		return fmt.Errorf("at least one run mode must be configured")
	}
	if c.Run.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Run.RunTimeout <= 0 {
		return fmt.Errorf("RUN_TIMEOUT must be > 0")
	}
	if c.Run.CancelGrace <= 0 {
		return fmt.Errorf("CANCEL_GRACE must be > 0")
	}
	if c.Run.OrphanThreshold <= 0 {
		return fmt.Errorf("ORPHAN_THRESHOLD must be > 0")
	}
	if c.Run.OrphanSweepInterval <= 0 {
		return fmt.Errorf("ORPHAN_SWEEP_INTERVAL must be > 0")
	}
	if c.Run.MaxAttempts <= 0 {
		return fmt.Errorf("LLM_MAX_ATTEMPTS must be > 0")
	}
	if c.Credits.StartingCredits < 0 || c.Credits.FileSurcharge < 0 {
		return fmt.Errorf("credit settings cannot be negative")
	}
	if c.Credits.MaxFiles < 0 {
		return fmt.Errorf("MAX_FILES cannot be negative")
	}
	if c.Context.FullTurns < 0 || c.Context.FullChars <= 0 {
		return fmt.Errorf("FULL_CONTEXT_TURNS must be >= 0 and FULL_CONTEXT_CHARS > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate limit settings must be > 0")
	}
	if c.SSE.SubscriberBuffer <= 0 {
		return fmt.Errorf("SSE_BUFFER must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	if c.Retry.DatabaseMaxRetries <= 0 {
		return fmt.Errorf("STORE_MAX_RETRIES must be > 0")
	}
	return nil
}

// IsDevelopment returns true when the service runs against the mock model client.
func (c *Config) IsDevelopment() bool {
	return c.LLM.Provider == "mock"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
