package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Credential store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreNone     = "none"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	AppURL             string
	CORSAllowedOrigins []string

	CredentialStore  string
	RedisURL         string
	DatabaseURL      string
	SessionTTL       time.Duration
	SessionSingleUse bool
	SweepInterval    time.Duration
	SweepBatchSize   int
	QueueConcurrency int

	PolarAccessToken          string
	PolarProductID            string
	PolarSandbox              bool
	PolarBaseURL              string
	PolarWebhookSecret        string
	PolarWebhookAllowUnsigned bool
	CheckoutTimeout           time.Duration

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	AnalysisModel       string
	AnalysisMaxTokens   int
	AnalysisTimeout     time.Duration
	AnalysisMaxAttempts int
	AnalysisRetryBase   time.Duration
	AnalysisRetryJitter float64

	CircuitMinRequests  int
	CircuitFailureRatio float64
	CircuitOpenFor      time.Duration

	IdempotencyTTL      time.Duration
	RateLimitCheckout   string
	RateLimitAnalyzeMax int
	RateLimitWindow     time.Duration
	LockTTL             time.Duration
	LockRetryBackoff    time.Duration
	HealthStoreTimeout  time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		AppURL:             strings.TrimRight(strings.TrimSpace(k.String("APP_URL")), "/"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		CredentialStore:  strings.ToLower(valueOrDefault(k.String("CREDENTIAL_STORE"), StoreRedis)),
		RedisURL:         strings.TrimSpace(k.String("REDIS_URL")),
		DatabaseURL:      strings.TrimSpace(k.String("DATABASE_URL")),
		SessionTTL:       parseDuration(k.String("SESSION_TTL"), "24h"),
		SessionSingleUse: parseBool(k.String("SESSION_SINGLE_USE")),
		SweepInterval:    parseDuration(k.String("SWEEP_INTERVAL"), "5m"),
		SweepBatchSize:   parseInt(k.String("SWEEP_BATCH_SIZE"), 1000),
		QueueConcurrency: parseInt(k.String("QUEUE_CONCURRENCY"), 2),

		PolarAccessToken:          strings.TrimSpace(k.String("POLAR_ACCESS_TOKEN")),
		PolarProductID:            strings.TrimSpace(k.String("POLAR_PRODUCT_ID")),
		PolarSandbox:              parseBool(k.String("POLAR_SANDBOX")),
		PolarBaseURL:              strings.TrimRight(strings.TrimSpace(k.String("POLAR_BASE_URL")), "/"),
		PolarWebhookSecret:        k.String("POLAR_WEBHOOK_SECRET"),
		PolarWebhookAllowUnsigned: parseBool(k.String("POLAR_WEBHOOK_ALLOW_UNSIGNED")),
		CheckoutTimeout:           parseDuration(k.String("CHECKOUT_TIMEOUT"), "15s"),

		OpenAIAPIKey:        strings.TrimSpace(k.String("OPENAI_API_KEY")),
		OpenAIBaseURL:       strings.TrimRight(valueOrDefault(k.String("OPENAI_BASE_URL"), "https://api.openai.com/v1"), "/"),
		AnalysisModel:       valueOrDefault(k.String("ANALYSIS_MODEL"), "gpt-4o-mini"),
		AnalysisMaxTokens:   parseInt(k.String("ANALYSIS_MAX_TOKENS"), 8000),
		AnalysisTimeout:     parseDuration(k.String("ANALYSIS_TIMEOUT"), "90s"),
		AnalysisMaxAttempts: parseInt(k.String("ANALYSIS_MAX_ATTEMPTS"), 1),
		AnalysisRetryBase:   parseDuration(k.String("ANALYSIS_RETRY_BASE"), "500ms"),
		AnalysisRetryJitter: parseFloat(k.String("ANALYSIS_RETRY_JITTER"), 0.2),

		CircuitMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 10),
		CircuitFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
		CircuitOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),

		IdempotencyTTL:      parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		RateLimitCheckout:   valueOrDefault(k.String("RATE_LIMIT_CHECKOUT"), "30-M"),
		RateLimitAnalyzeMax: parseInt(k.String("RATE_LIMIT_ANALYZE_MAX"), 10),
		RateLimitWindow:     parseDuration(k.String("RATE_LIMIT_WINDOW"), "1m"),
		LockTTL:             parseDuration(k.String("LOCK_TTL"), "2m"),
		LockRetryBackoff:    parseDuration(k.String("LOCK_RETRY_BACKOFF"), "50ms"),
		HealthStoreTimeout:  parseDuration(k.String("HEALTH_STORE_TIMEOUT"), "300ms"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CredentialStore {
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when CREDENTIAL_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when CREDENTIAL_STORE=postgres")
		}
	case StoreNone:
		if c.IsProduction() {
			return errors.New("CREDENTIAL_STORE=none is not allowed in production")
		}
	default:
		return fmt.Errorf("unsupported CREDENTIAL_STORE %q", c.CredentialStore)
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be positive")
	}
	if c.PolarWebhookSecret == "" {
		if !c.PolarWebhookAllowUnsigned {
			return errors.New("POLAR_WEBHOOK_SECRET is required (set POLAR_WEBHOOK_ALLOW_UNSIGNED=true to accept unsigned webhooks)")
		}
		if c.IsProduction() {
			return errors.New("unsigned webhooks are not allowed in production")
		}
	}
	return nil
}

// ValidateAPI checks the settings only the HTTP API needs.
func (c *Config) ValidateAPI() error {
	var missing []string
	if c.PolarAccessToken == "" {
		missing = append(missing, "POLAR_ACCESS_TOKEN")
	}
	if c.PolarProductID == "" {
		missing = append(missing, "POLAR_PRODUCT_ID")
	}
	if c.OpenAIAPIKey == "" {
		missing = append(missing, "OPENAI_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.AppEnv)) {
	case "production", "prod":
		return true
	default:
		return false
	}
}

// StoreConfigured reports whether a credential store backend is in use.
func (c *Config) StoreConfigured() bool {
	return c.CredentialStore != StoreNone
}

// PolarAPIBase resolves the payment provider API origin.
func (c *Config) PolarAPIBase() string {
	if c.PolarBaseURL != "" {
		return c.PolarBaseURL
	}
	if c.PolarSandbox {
		return "https://sandbox-api.polar.sh"
	}
	return "https://api.polar.sh"
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
