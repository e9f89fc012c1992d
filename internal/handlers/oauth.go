package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"cat-emails/internal/database"
)

const oauthStateTTL = 10 * time.Minute

// OAuthHandler runs the browser-based OAuth handshake that converts an
// account to the OAuth credential variant.
type OAuthHandler struct {
	db          *database.DB
	oauthConfig *oauth2.Config
	logger      *slog.Logger
}

// NewOAuthHandler creates an OAuth handshake handler
func NewOAuthHandler(db *database.DB, oauthConfig *oauth2.Config, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{db: db, oauthConfig: oauthConfig, logger: logger}
}

func (h *OAuthHandler) configured() bool {
	return h.oauthConfig != nil && h.oauthConfig.ClientID != ""
}

// Start handles GET /api/oauth/start?email=addr. Stores a CSRF state and
// returns the provider consent URL.
func (h *OAuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !h.configured() {
		writeError(w, http.StatusServiceUnavailable, "oauth client is not configured")
		return
	}

	address := r.URL.Query().Get("email")
	if address == "" {
		writeError(w, http.StatusBadRequest, "email query parameter is required")
		return
	}

	if _, err := h.db.Accounts.GetByEmail(address); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	state := uuid.NewString()
	if err := h.db.OAuthStates.Create(state, address, oauthStateTTL); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store handshake state")
		return
	}

	url := h.oauthConfig.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": url,
		"state":    state,
	})
}

// Callback handles GET /api/oauth/callback?state=...&code=... — the
// provider redirect. Exchanges the code and stores the refresh token.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.configured() {
		writeError(w, http.StatusServiceUnavailable, "oauth client is not configured")
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code query parameters are required")
		return
	}

	address, err := h.db.OAuthStates.Consume(state)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "unknown or expired handshake state")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to validate handshake state")
		return
	}

	token, err := h.oauthConfig.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Warn("oauth code exchange failed", "account", address, "error", err)
		writeError(w, http.StatusBadRequest, "code exchange failed")
		return
	}
	if token.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "provider did not return a refresh token")
		return
	}

	if err := h.db.Accounts.SetOAuthRefreshToken(address, token.RefreshToken); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to store refresh token")
		return
	}
	if token.AccessToken != "" && !token.Expiry.IsZero() {
		if err := h.db.Accounts.UpdateOAuthTokens(address, token.AccessToken, token.Expiry); err != nil {
			h.logger.Warn("failed to cache access token", "account", address, "error", err)
		}
	}

	h.logger.Info("oauth handshake completed", "account", address)
	writeJSON(w, http.StatusOK, map[string]string{
		"email":  address,
		"status": "oauth credentials stored",
	})
}
