package config

import (
	"fmt"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerPort string
	ServerHost string

	// Database configuration
	DBPath string

	// API authentication (empty disables auth)
	APIKey string

	// Scheduler configuration
	ScanInterval  time.Duration
	LookbackHours int

	// Manual trigger rate limiting
	MinManualInterval time.Duration

	// Status registry
	MaxRecentRuns int

	// Pipeline configuration
	PipelineTimeout time.Duration
	TextBudget      int

	// Classifier endpoints (OpenAI-compatible completion APIs)
	ClassifierEndpoint          string
	ClassifierModel             string
	ClassifierAPIKey            string
	ClassifierSecondaryEndpoint string
	ClassifierTimeout           time.Duration

	// Policy service
	PolicyURL      string
	PolicyCacheTTL time.Duration

	// Gmail OAuth client
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURL  string

	// Dedup ledger retention
	LedgerRetentionDays int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables with defaults.
// If a .env file exists, it will be loaded first.
func Load() (*Config, error) {
	loadEnvFile(".env")
	config := &Config{
		ServerPort: getEnvOrDefault("SERVER_PORT", "8080"),
		ServerHost: getEnvOrDefault("SERVER_HOST", "localhost"),

		DBPath: getEnvOrDefault("DB_PATH", "./cat-emails.db"),

		APIKey: getEnvOrDefault("API_KEY", ""),

		ScanInterval:  getEnvDurationOrDefault("SCAN_INTERVAL", "300s"),
		LookbackHours: getEnvIntOrDefault("LOOKBACK_HOURS", 2),

		MinManualInterval: getEnvDurationOrDefault("MIN_MANUAL_INTERVAL", "5m"),

		MaxRecentRuns: getEnvIntOrDefault("MAX_RECENT_RUNS", 50),

		PipelineTimeout: getEnvDurationOrDefault("PIPELINE_TIMEOUT", "10m"),
		TextBudget:      getEnvIntOrDefault("TEXT_BUDGET", 1500),

		ClassifierEndpoint:          getEnvOrDefault("CLASSIFIER_ENDPOINT", ""),
		ClassifierModel:             getEnvOrDefault("CLASSIFIER_MODEL", ""),
		ClassifierAPIKey:            getEnvOrDefault("CLASSIFIER_API_KEY", ""),
		ClassifierSecondaryEndpoint: getEnvOrDefault("CLASSIFIER_SECONDARY_ENDPOINT", ""),
		ClassifierTimeout:           getEnvDurationOrDefault("CLASSIFIER_TIMEOUT", "30s"),

		PolicyURL:      getEnvOrDefault("POLICY_URL", ""),
		PolicyCacheTTL: getEnvDurationOrDefault("POLICY_CACHE_TTL", "60s"),

		OAuthClientID:     getEnvOrDefault("GMAIL_CLIENT_ID", ""),
		OAuthClientSecret: getEnvOrDefault("GMAIL_CLIENT_SECRET", ""),
		OAuthRedirectURL:  getEnvOrDefault("GMAIL_REDIRECT_URL", ""),

		LedgerRetentionDays: getEnvIntOrDefault("LEDGER_RETENTION_DAYS", 30),

		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	if c.ServerPort == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if _, err := strconv.Atoi(c.ServerPort); err != nil {
		return fmt.Errorf("invalid server port: %s", c.ServerPort)
	}

	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan interval must be positive")
	}
	if c.LookbackHours < 1 || c.LookbackHours > 168 {
		return fmt.Errorf("lookback hours must be between 1 and 168")
	}
	if c.MinManualInterval <= 0 {
		return fmt.Errorf("minimum manual interval must be positive")
	}
	if c.MaxRecentRuns < 1 {
		return fmt.Errorf("max recent runs must be at least 1")
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline timeout must be positive")
	}
	if c.TextBudget < 100 {
		return fmt.Errorf("text budget must be at least 100 characters")
	}
	if c.LedgerRetentionDays < 1 {
		return fmt.Errorf("ledger retention days must be at least 1")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	isValidLogLevel := false
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			isValidLogLevel = true
			break
		}
	}
	if !isValidLogLevel {
		return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// Address returns the listen address in host:port form
func (c *Config) Address() string {
	return c.ServerHost + ":" + c.ServerPort
}

// Lookback returns the fetch window as a duration
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// Redacted returns a view of the configuration safe to expose over the API.
// Secrets are masked, not omitted, so operators can tell what is set.
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"server_host":           c.ServerHost,
		"server_port":           c.ServerPort,
		"db_path":               c.DBPath,
		"api_key":               redactSecret(c.APIKey),
		"scan_interval":         c.ScanInterval.String(),
		"lookback_hours":        c.LookbackHours,
		"min_manual_interval":   c.MinManualInterval.String(),
		"max_recent_runs":       c.MaxRecentRuns,
		"pipeline_timeout":      c.PipelineTimeout.String(),
		"classifier_endpoint":   c.ClassifierEndpoint,
		"classifier_model":      c.ClassifierModel,
		"classifier_api_key":    redactSecret(c.ClassifierAPIKey),
		"classifier_secondary":  c.ClassifierSecondaryEndpoint,
		"policy_url":            c.PolicyURL,
		"policy_cache_ttl":      c.PolicyCacheTTL.String(),
		"oauth_client_id":       c.OAuthClientID,
		"oauth_client_secret":   redactSecret(c.OAuthClientSecret),
		"oauth_redirect_url":    c.OAuthRedirectURL,
		"ledger_retention_days": c.LedgerRetentionDays,
		"log_level":             c.LogLevel,
	}
}

func redactSecret(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
