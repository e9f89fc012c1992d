package handlers

import (
	"net/http"
	"time"

	"cat-emails/internal/config"
	"cat-emails/internal/database"
	"cat-emails/internal/scheduler"
)

// HealthHandler reports liveness and component health
type HealthHandler struct {
	db    *database.DB
	sched *scheduler.Scheduler
	cfg   *config.Config
}

// NewHealthHandler creates a health handler
func NewHealthHandler(db *database.DB, sched *scheduler.Scheduler, cfg *config.Config) *HealthHandler {
	return &HealthHandler{db: db, sched: sched, cfg: cfg}
}

// Health handles GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := h.db.GetConnectionStatus()

	overall := "healthy"
	code := http.StatusOK
	if !dbStatus.Connected {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":   overall,
		"database": dbStatus,
		"scheduler": map[string]interface{}{
			"running": h.sched.Running(),
		},
		"timestamp": time.Now().UTC(),
	})
}

// Config handles GET /api/config, returning the redacted effective config
func (h *HealthHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Redacted())
}
