package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"

	"cat-emails/internal/classifier"
	"cat-emails/internal/config"
	"cat-emails/internal/database"
	"cat-emails/internal/email"
	"cat-emails/internal/gate"
	"cat-emails/internal/handlers"
	"cat-emails/internal/pipeline"
	"cat-emails/internal/policy"
	"cat-emails/internal/publisher"
	"cat-emails/internal/scheduler"
	"cat-emails/internal/server"
	"cat-emails/internal/status"
)

// App owns the assembled service: storage, registry, publisher, pipeline,
// scheduler and the HTTP server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *database.DB
	registry  *status.Registry
	hub       *publisher.Hub
	sched     *scheduler.Scheduler
	srv       *http.Server
	rootCtx   context.Context
	cancelAll context.CancelFunc
}

// New wires every component from configuration. Nothing reads the
// environment past this point.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	rootCtx, cancelAll := context.WithCancel(context.Background())

	registry := status.NewRegistry(cfg.MaxRecentRuns)
	hub := publisher.NewHub(registry, logger.With("component", "publisher"))
	g := gate.New(cfg.MinManualInterval)

	var oauthConfig *oauth2.Config
	if cfg.OAuthClientID != "" {
		oauthConfig = &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			RedirectURL:  cfg.OAuthRedirectURL,
			Scopes:       []string{gmail.GmailModifyScope},
			Endpoint:     google.Endpoint,
		}
	}

	tokens := email.NewTokenManager(oauthConfig, db.Accounts, logger.With("component", "tokens"))
	connector := email.NewGmailConnector(tokens, "", cfg.TextBudget, logger.With("component", "mailstore"))

	cls := classifier.NewHTTPClient(classifier.Config{
		Endpoint:          cfg.ClassifierEndpoint,
		SecondaryEndpoint: cfg.ClassifierSecondaryEndpoint,
		Model:             cfg.ClassifierModel,
		APIKey:            cfg.ClassifierAPIKey,
		Timeout:           cfg.ClassifierTimeout,
	}, logger.With("component", "classifier"))

	var policies policy.Provider
	if cfg.PolicyURL != "" {
		policies = policy.NewHTTPProvider(cfg.PolicyURL, cfg.PolicyCacheTTL, logger.With("component", "policy"))
	} else {
		policies = policy.NewStatic(nil, nil, nil)
	}

	runner := pipeline.NewRunner(db, registry, g, connector, cls, policies,
		cfg.PipelineTimeout, logger.With("component", "pipeline"))

	sched := scheduler.New(db, runner, g, cfg.ScanInterval, cfg.Lookback(),
		cfg.LedgerRetentionDays, logger.With("component", "scheduler"))

	h := server.Handlers{
		Health:     handlers.NewHealthHandler(db, sched, cfg),
		Accounts:   handlers.NewAccountsHandler(db, g, runner, registry, connector, cfg.Lookback(), rootCtx, logger.With("component", "api")),
		Processing: handlers.NewProcessingHandler(registry, db),
		Background: handlers.NewBackgroundHandler(sched, rootCtx),
		OAuth:      handlers.NewOAuthHandler(db, oauthConfig, logger.With("component", "oauth")),
		WS:         publisher.NewWSHandler(hub, logger.With("component", "websocket")),
	}

	srv := &http.Server{
		Addr:    cfg.Address(),
		Handler: server.NewRouter(h, cfg.APIKey, logger.With("component", "http")),

		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		registry:  registry,
		hub:       hub,
		sched:     sched,
		srv:       srv,
		rootCtx:   rootCtx,
		cancelAll: cancelAll,
	}, nil
}

// Run starts the scheduler and serves HTTP until a shutdown signal arrives
func (a *App) Run() error {
	defer a.Close()

	a.sched.Start(a.rootCtx)

	shutdown := func() {
		a.sched.Stop()
		a.cancelAll()
		a.hub.CloseAll()
	}

	return server.HandleSignals(a.srv, 30*time.Second, shutdown, a.logger)
}

// Close releases the database; safe to call after Run returns
func (a *App) Close() {
	a.cancelAll()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

// NewLogger builds the process logger from the configured level
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
