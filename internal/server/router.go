package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cat-emails/internal/handlers"
	"cat-emails/internal/publisher"
)

// Handlers groups everything the router mounts
type Handlers struct {
	Health     *handlers.HealthHandler
	Accounts   *handlers.AccountsHandler
	Processing *handlers.ProcessingHandler
	Background *handlers.BackgroundHandler
	OAuth      *handlers.OAuthHandler
	WS         *publisher.WSHandler
}

// NewRouter builds the chi router with the full middleware chain. The
// WebSocket route sits outside the API-key check so dashboards can attach
// without credentials; everything under /api except health and the OAuth
// callback is protected when a key is configured.
func NewRouter(h Handlers, apiKey string, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	auth := AuthMiddleware(apiKey, logger)

	r.Route("/api", func(r chi.Router) {
		// Unauthenticated: liveness and the provider redirect target
		r.Get("/health", h.Health.Health)
		r.Get("/oauth/callback", h.OAuth.Callback)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return auth(next) })

			r.Get("/config", h.Health.Config)

			r.Post("/accounts", h.Accounts.Create)
			r.Get("/accounts", h.Accounts.List)
			r.Put("/accounts/{address}/deactivate", h.Accounts.Deactivate)
			r.Delete("/accounts/{address}", h.Accounts.Delete)
			r.Post("/accounts/{address}/verify", h.Accounts.Verify)
			r.Post("/accounts/{address}/process", h.Accounts.Process)
			r.Get("/accounts/{address}/categories/top", h.Accounts.TopCategories)
			r.Get("/accounts/{address}/senders/top", h.Accounts.TopSenders)
			r.Get("/accounts/{address}/domains/top", h.Accounts.TopDomains)

			r.Get("/processing/status", h.Processing.Status)
			r.Get("/processing/history", h.Processing.History)
			r.Get("/processing/statistics", h.Processing.Statistics)
			r.Get("/processing/current-status", h.Processing.CurrentStatus)

			r.Get("/background/start", h.Background.Start)
			r.Get("/background/stop", h.Background.Stop)
			r.Get("/background/status", h.Background.Status)
			r.Get("/background/next-execution", h.Background.NextExecution)

			r.Get("/oauth/start", h.OAuth.Start)
		})
	})

	r.Get("/ws/status", h.WS.ServeHTTP)

	return Chain(r,
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		SecurityMiddleware,
		CORSMiddleware,
		ContentTypeMiddleware,
	)
}
