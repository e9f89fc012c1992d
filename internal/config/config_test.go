package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "localhost", cfg.ServerHost)
	assert.Equal(t, 5*time.Minute, cfg.ScanInterval)
	assert.Equal(t, 2, cfg.LookbackHours)
	assert.Equal(t, 5*time.Minute, cfg.MinManualInterval)
	assert.Equal(t, 50, cfg.MaxRecentRuns)
	assert.Equal(t, 10*time.Minute, cfg.PipelineTimeout)
	assert.Equal(t, 1500, cfg.TextBudget)
	assert.Equal(t, 30, cfg.LedgerRetentionDays)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SCAN_INTERVAL", "90s")
	t.Setenv("LOOKBACK_HOURS", "24")
	t.Setenv("API_KEY", "sekrit")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 90*time.Second, cfg.ScanInterval)
	assert.Equal(t, 24, cfg.LookbackHours)
	assert.Equal(t, "sekrit", cfg.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "SERVER_PORT", "not-a-port"},
		{"lookback too large", "LOOKBACK_HOURS", "999"},
		{"lookback zero", "LOOKBACK_HOURS", "0"},
		{"bad log level", "LOG_LEVEL", "loud"},
		{"tiny text budget", "TEXT_BUDGET", "10"},
		{"zero retention", "LEDGER_RETENTION_DAYS", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestAddressAndLookback(t *testing.T) {
	cfg := &Config{ServerHost: "0.0.0.0", ServerPort: "8181", LookbackHours: 6}
	assert.Equal(t, "0.0.0.0:8181", cfg.Address())
	assert.Equal(t, 6*time.Hour, cfg.Lookback())
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := &Config{
		APIKey:            "api-secret",
		ClassifierAPIKey:  "cls-secret",
		OAuthClientSecret: "oauth-secret",
		OAuthClientID:     "client-id",
		ScanInterval:      5 * time.Minute,
	}

	redacted := cfg.Redacted()
	assert.Equal(t, "***", redacted["api_key"])
	assert.Equal(t, "***", redacted["classifier_api_key"])
	assert.Equal(t, "***", redacted["oauth_client_secret"])
	// Non-secrets pass through
	assert.Equal(t, "client-id", redacted["oauth_client_id"])

	// Unset secrets are shown as empty, not masked
	empty := (&Config{}).Redacted()
	assert.Equal(t, "", empty["api_key"])
}
