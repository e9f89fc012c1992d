package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// LoadWithViper loads configuration using Viper, which supports YAML, TOML
// and JSON config files in addition to environment variables.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	setupEnvBinding(v)

	if err := loadConfigFile(v); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	config := &Config{}
	if err := unmarshalConfig(v, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default values for all configuration keys
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "localhost")

	v.SetDefault("database.path", "./cat-emails.db")

	v.SetDefault("api.key", "")

	v.SetDefault("scheduler.scan_interval", "300s")
	v.SetDefault("scheduler.lookback_hours", 2)

	v.SetDefault("trigger.min_interval", "5m")

	v.SetDefault("status.max_recent_runs", 50)

	v.SetDefault("pipeline.timeout", "10m")
	v.SetDefault("pipeline.text_budget", 1500)

	v.SetDefault("classifier.endpoint", "")
	v.SetDefault("classifier.model", "")
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.secondary_endpoint", "")
	v.SetDefault("classifier.timeout", "30s")

	v.SetDefault("policy.url", "")
	v.SetDefault("policy.cache_ttl", "60s")

	v.SetDefault("oauth.client_id", "")
	v.SetDefault("oauth.client_secret", "")
	v.SetDefault("oauth.redirect_url", "")

	v.SetDefault("ledger.retention_days", 30)

	v.SetDefault("logging.level", "info")
}

// setupEnvBinding binds configuration keys to environment variables.
// Both the prefixed form (CAT_EMAILS_SERVER_PORT) and the bare legacy form
// (SERVER_PORT) are accepted; the prefixed form wins.
func setupEnvBinding(v *viper.Viper) {
	v.SetEnvPrefix("CAT_EMAILS")
	v.AutomaticEnv()

	envBindings := map[string]string{
		"server.port":                  "SERVER_PORT",
		"server.host":                  "SERVER_HOST",
		"database.path":                "DB_PATH",
		"api.key":                      "API_KEY",
		"scheduler.scan_interval":      "SCAN_INTERVAL",
		"scheduler.lookback_hours":     "LOOKBACK_HOURS",
		"trigger.min_interval":         "MIN_MANUAL_INTERVAL",
		"status.max_recent_runs":       "MAX_RECENT_RUNS",
		"pipeline.timeout":             "PIPELINE_TIMEOUT",
		"pipeline.text_budget":         "TEXT_BUDGET",
		"classifier.endpoint":          "CLASSIFIER_ENDPOINT",
		"classifier.model":             "CLASSIFIER_MODEL",
		"classifier.api_key":           "CLASSIFIER_API_KEY",
		"classifier.secondary_endpoint": "CLASSIFIER_SECONDARY_ENDPOINT",
		"classifier.timeout":           "CLASSIFIER_TIMEOUT",
		"policy.url":                   "POLICY_URL",
		"policy.cache_ttl":             "POLICY_CACHE_TTL",
		"oauth.client_id":              "GMAIL_CLIENT_ID",
		"oauth.client_secret":          "GMAIL_CLIENT_SECRET",
		"oauth.redirect_url":           "GMAIL_REDIRECT_URL",
		"ledger.retention_days":        "LEDGER_RETENTION_DAYS",
		"logging.level":                "LOG_LEVEL",
	}

	for configKey, envSuffix := range envBindings {
		v.BindEnv(configKey, "CAT_EMAILS_"+envSuffix, envSuffix)
	}
}

// loadConfigFile loads a configuration file if one exists
func loadConfigFile(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.cat-emails")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, only return error if it's not a "not found" error
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	return nil
}

// unmarshalConfig maps Viper keys to the Config struct
func unmarshalConfig(v *viper.Viper, config *Config) error {
	config.ServerPort = v.GetString("server.port")
	config.ServerHost = v.GetString("server.host")
	config.DBPath = v.GetString("database.path")
	config.APIKey = v.GetString("api.key")
	config.LogLevel = v.GetString("logging.level")

	var err error
	config.ScanInterval, err = time.ParseDuration(v.GetString("scheduler.scan_interval"))
	if err != nil {
		return fmt.Errorf("invalid scan interval: %w", err)
	}
	config.MinManualInterval, err = time.ParseDuration(v.GetString("trigger.min_interval"))
	if err != nil {
		return fmt.Errorf("invalid manual trigger interval: %w", err)
	}
	config.PipelineTimeout, err = time.ParseDuration(v.GetString("pipeline.timeout"))
	if err != nil {
		return fmt.Errorf("invalid pipeline timeout: %w", err)
	}
	config.ClassifierTimeout, err = time.ParseDuration(v.GetString("classifier.timeout"))
	if err != nil {
		return fmt.Errorf("invalid classifier timeout: %w", err)
	}
	config.PolicyCacheTTL, err = time.ParseDuration(v.GetString("policy.cache_ttl"))
	if err != nil {
		return fmt.Errorf("invalid policy cache TTL: %w", err)
	}

	config.LookbackHours = v.GetInt("scheduler.lookback_hours")
	config.MaxRecentRuns = v.GetInt("status.max_recent_runs")
	config.TextBudget = v.GetInt("pipeline.text_budget")
	config.LedgerRetentionDays = v.GetInt("ledger.retention_days")

	config.ClassifierEndpoint = v.GetString("classifier.endpoint")
	config.ClassifierModel = v.GetString("classifier.model")
	config.ClassifierAPIKey = v.GetString("classifier.api_key")
	config.ClassifierSecondaryEndpoint = v.GetString("classifier.secondary_endpoint")

	config.PolicyURL = v.GetString("policy.url")

	config.OAuthClientID = v.GetString("oauth.client_id")
	config.OAuthClientSecret = v.GetString("oauth.client_secret")
	config.OAuthRedirectURL = v.GetString("oauth.redirect_url")

	return nil
}

// LoadViper loads configuration using a fresh Viper instance
func LoadViper() (*Config, error) {
	return LoadWithViper(viper.New())
}

// LoadViperWithFile loads configuration from a specific file
func LoadViperWithFile(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	return LoadWithViper(v)
}
