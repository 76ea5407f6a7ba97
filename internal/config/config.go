package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is loaded once at startup from environment variables. A local .env
// file is honored when present so dev setups need no exported shell state.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	// Billing webhook.
	WebhookSecret string
	CreditCeiling int
	CreditWindow  time.Duration
	StarterTokens int64

	// Object storage.
	StorageDir     string
	StorageBaseURL string
	URLSignSecret  string
	SignedURLTTL   time.Duration

	// External executors.
	GeneratorURL   string
	GeneratorToken string
	RunnerURL      string
	RunnerToken    string

	// Reconciliation.
	StitchStaleAfter time.Duration
	SweepInterval    time.Duration

	// Param schema directory for creation submissions.
	SchemaDir string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// Load reads configuration from the environment, applying defaults where a
// value is optional. DATABASE_URL and JWT_SECRET have no safe default outside
// development.
func Load() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		WebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		CreditCeiling: getEnvInt("CREDIT_CEILING", 10),
		CreditWindow:  getEnvDuration("CREDIT_WINDOW", 24*time.Hour),
		StarterTokens: int64(getEnvInt("STARTER_TOKENS", 50)),

		StorageDir:     getEnv("STORAGE_DIR", "data/objects"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		URLSignSecret:  os.Getenv("URL_SIGN_SECRET"),
		SignedURLTTL:   getEnvDuration("SIGNED_URL_TTL", 15*time.Minute),

		GeneratorURL:   getEnv("GENERATOR_URL", "http://localhost:9090"),
		GeneratorToken: os.Getenv("GENERATOR_TOKEN"),
		RunnerURL:      getEnv("STITCH_RUNNER_URL", "http://localhost:9091"),
		RunnerToken:    os.Getenv("STITCH_RUNNER_TOKEN"),

		StitchStaleAfter: getEnvDuration("STITCH_STALE_AFTER", 30*time.Minute),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),

		SchemaDir: getEnv("SCHEMA_DIR", "schemas"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		if cfg.AppEnv != "development" {
			return nil, fmt.Errorf("JWT_SECRET is required")
		}
		cfg.JWTSecret = "supersecretmvp"
	}
	if cfg.WebhookSecret == "" {
		if cfg.AppEnv != "development" {
			return nil, fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required")
		}
		cfg.WebhookSecret = "whsec_dev"
	}
	if cfg.URLSignSecret == "" {
		cfg.URLSignSecret = cfg.JWTSecret
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
