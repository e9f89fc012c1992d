package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cat-emails/internal/database"
	"cat-emails/internal/email"
	"cat-emails/internal/gate"
	"cat-emails/internal/pipeline"
	"cat-emails/internal/status"
)

// AccountsHandler manages account registration and the manual trigger
type AccountsHandler struct {
	db        *database.DB
	gate      *gate.Gate
	runner    *pipeline.Runner
	registry  *status.Registry
	connector email.Connector
	logger    *slog.Logger

	defaultLookback time.Duration

	// root context for trigger goroutines, independent of the request
	ctx context.Context
}

// NewAccountsHandler creates an accounts handler
func NewAccountsHandler(
	db *database.DB,
	g *gate.Gate,
	runner *pipeline.Runner,
	registry *status.Registry,
	connector email.Connector,
	defaultLookback time.Duration,
	ctx context.Context,
	logger *slog.Logger,
) *AccountsHandler {
	return &AccountsHandler{
		db:              db,
		gate:            g,
		runner:          runner,
		registry:        registry,
		connector:       connector,
		defaultLookback: defaultLookback,
		ctx:             ctx,
		logger:          logger,
	}
}

type createAccountRequest struct {
	Email             string `json:"email"`
	IMAPPassword      string `json:"imap_password,omitempty"`
	OAuthRefreshToken string `json:"oauth_refresh_token,omitempty"`
}

// Create handles POST /api/accounts
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if (req.IMAPPassword == "") == (req.OAuthRefreshToken == "") {
		writeError(w, http.StatusBadRequest, "exactly one of imap_password or oauth_refresh_token must be set")
		return
	}

	account := &database.Account{
		Email:             req.Email,
		IMAPPassword:      req.IMAPPassword,
		OAuthRefreshToken: req.OAuthRefreshToken,
	}
	if err := h.db.Accounts.Create(account); err != nil {
		if errors.Is(err, database.ErrAccountExists) {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("account registered", "account", account.Email, "auth_method", account.AuthMethod)
	writeJSON(w, http.StatusCreated, account)
}

// List handles GET /api/accounts
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.db.Accounts.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_count": len(accounts),
		"accounts":    accounts,
	})
}

// Deactivate handles PUT /api/accounts/{address}/deactivate
func (h *AccountsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	if err := h.db.Accounts.Deactivate(address); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to deactivate account")
		return
	}

	h.logger.Info("account deactivated", "account", address)
	writeJSON(w, http.StatusOK, map[string]string{
		"email":  database.CanonicalEmail(address),
		"status": "deactivated",
	})
}

// Delete handles DELETE /api/accounts/{address}; dependent records cascade
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	if err := h.db.Accounts.Delete(address); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	h.logger.Info("account deleted", "account", address)
	w.WriteHeader(http.StatusNoContent)
}

// Verify handles POST /api/accounts/{address}/verify. Opens and closes a
// mailbox session to prove the stored credential works.
func (h *AccountsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	account, err := h.db.Accounts.GetByEmail(address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	store, err := h.connector.Connect(ctx, account)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"email": account.Email,
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	store.Close()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email": account.Email,
		"valid": true,
	})
}

// Process handles POST /api/accounts/{address}/process?hours=N — the manual
// trigger. Returns 202 when the pipeline is accepted; the caller reads
// progress from the status endpoints.
func (h *AccountsHandler) Process(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	account, err := h.db.Accounts.GetByEmail(address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	if !account.Active {
		writeError(w, http.StatusBadRequest, "account is deactivated")
		return
	}
	if account.IMAPPassword == "" && account.OAuthRefreshToken == "" {
		writeError(w, http.StatusBadRequest, "account has no usable credentials")
		return
	}

	lookback := h.defaultLookback
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > 168 {
			writeError(w, http.StatusBadRequest, "hours must be between 1 and 168")
			return
		}
		lookback = time.Duration(hours) * time.Hour
	}

	lease, err := h.gate.Lease(account.Email, gate.SourceManual)
	if err != nil {
		var tooSoon *gate.TooSoonError
		switch {
		case errors.Is(err, gate.ErrBusy):
			payload := map[string]interface{}{
				"error": "account pipeline already running",
			}
			if current := h.registry.GetCurrent(account.Email); current != nil {
				payload["state"] = current.State
				payload["current_step"] = current.Step
			}
			writeJSON(w, http.StatusConflict, payload)
		case errors.As(err, &tooSoon):
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limited",
				"retry_after": tooSoon.SecondsRemaining,
			})
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	// Detached from the request context: a closed connection must not
	// cancel the run
	go func() {
		if err := h.runner.Process(h.ctx, account, lookback, lease); err != nil {
			h.logger.Error("manual pipeline failed", "account", account.Email, "error", err)
		}
	}()

	h.logger.Info("manual pipeline accepted", "account", account.Email, "lookback", lookback)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"email":    account.Email,
		"status":   "accepted",
		"lookback": lookback.String(),
	})
}

// TopCategories handles GET /api/accounts/{address}/categories/top
func (h *AccountsHandler) TopCategories(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	if _, err := h.db.Accounts.GetByEmail(address); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 10, 100)
	days := parseLimit(r.URL.Query().Get("days"), 7, 365)

	categories, err := h.db.Aggregates.TopCategories(address, days, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query aggregates")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email":      database.CanonicalEmail(address),
		"days":       days,
		"categories": categories,
	})
}

// TopSenders handles GET /api/accounts/{address}/senders/top
func (h *AccountsHandler) TopSenders(w http.ResponseWriter, r *http.Request) {
	h.topKeys(w, r, "senders", h.db.Aggregates.TopSenders)
}

// TopDomains handles GET /api/accounts/{address}/domains/top
func (h *AccountsHandler) TopDomains(w http.ResponseWriter, r *http.Request) {
	h.topKeys(w, r, "domains", h.db.Aggregates.TopDomains)
}

func (h *AccountsHandler) topKeys(w http.ResponseWriter, r *http.Request, field string,
	query func(string, int, int) ([]database.KeyCount, error)) {
	address := chi.URLParam(r, "address")

	if _, err := h.db.Accounts.GetByEmail(address); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"), 10, 100)
	days := parseLimit(r.URL.Query().Get("days"), 7, 365)

	counts, err := query(address, days, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query aggregates")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"email": database.CanonicalEmail(address),
		"days":  days,
		field:   counts,
	})
}
