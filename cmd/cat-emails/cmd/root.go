package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"cat-emails/internal/app"
	"cat-emails/internal/config"
)

const Version = "1.0.0"

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cat-emails",
	Short: "Gmail mailbox classification service",
	Long: `Cat-Emails v` + Version + `

DESCRIPTION:
    Long-running service that scans Gmail mailboxes, classifies each message
    with an LLM, applies a category label, and deletes or archives messages
    in blocked categories. Progress is exposed over REST and WebSocket.

CONFIGURATION:
    Configuration comes from a config file (YAML/TOML/JSON), environment
    variables, or both. Environment variables use the CAT_EMAILS_ prefix;
    the bare legacy names are also accepted.

        CAT_EMAILS_SERVER_PORT         - HTTP listen port (default: 8080)
        CAT_EMAILS_DB_PATH             - SQLite database path
        CAT_EMAILS_API_KEY             - X-API-Key value; empty disables auth
        CAT_EMAILS_SCAN_INTERVAL       - scheduler sweep interval (default: 300s)
        CAT_EMAILS_LOOKBACK_HOURS      - fetch window in hours, 1-168 (default: 2)
        CAT_EMAILS_MIN_MANUAL_INTERVAL - manual trigger rate limit (default: 5m)
        CAT_EMAILS_CLASSIFIER_ENDPOINT - OpenAI-compatible completions endpoint
        CAT_EMAILS_CLASSIFIER_MODEL    - model name
        CAT_EMAILS_POLICY_URL          - allow/block policy service URL
        CAT_EMAILS_GMAIL_CLIENT_ID     - OAuth client id
        CAT_EMAILS_GMAIL_CLIENT_SECRET - OAuth client secret
        CAT_EMAILS_GMAIL_REDIRECT_URL  - OAuth callback URL

EXAMPLES:
    # Run with environment configuration
    export CAT_EMAILS_CLASSIFIER_ENDPOINT="http://localhost:11434"
    export CAT_EMAILS_CLASSIFIER_MODEL="llama3.2"
    cat-emails

    # Run with a config file
    cat-emails --config=config.yaml`,
	Version: Version,
	RunE:    runServer,
}

// Execute runs the root command through fang for styled help and errors
func Execute() {
	fang.Execute(context.Background(), rootCmd)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (YAML, TOML or JSON)")
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadViperWithFile(configFile)
	} else {
		cfg, err = config.LoadViper()
	}
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("starting cat-emails", "version", Version, "addr", cfg.Address())

	service, err := app.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	return service.Run()
}
