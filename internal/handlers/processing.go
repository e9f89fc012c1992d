package handlers

import (
	"net/http"
	"strconv"

	"cat-emails/internal/database"
	"cat-emails/internal/status"
)

// ProcessingHandler serves run status, history and statistics
type ProcessingHandler struct {
	registry *status.Registry
	db       *database.DB
}

// NewProcessingHandler creates a processing handler
func NewProcessingHandler(registry *status.Registry, db *database.DB) *ProcessingHandler {
	return &ProcessingHandler{registry: registry, db: db}
}

// Status handles GET /api/processing/status. Data is null when no pipeline
// is live.
func (h *ProcessingHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": h.registry.GetAnyCurrent(),
	})
}

// History handles GET /api/processing/history?limit=N. The in-memory ring
// is the default source; ?source=db serves from the audit store instead,
// which reaches past the ring's capacity.
func (h *ProcessingHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 100)

	if r.URL.Query().Get("source") == "db" {
		filter := database.RunFilter{
			Limit:        limit,
			AccountEmail: r.URL.Query().Get("account"),
			State:        r.URL.Query().Get("state"),
		}
		runs, err := h.db.Runs.ListRuns(filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query run history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"source":      "db",
			"total_count": len(runs),
			"runs":        runs,
		})
		return
	}

	runs := h.registry.RecentRuns(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":      "memory",
		"total_count": len(runs),
		"runs":        runs,
	})
}

// Statistics handles GET /api/processing/statistics
func (h *ProcessingHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Statistics())
}

// CurrentStatus handles GET /api/processing/current-status with optional
// include_recent and include_stats query flags.
func (h *ProcessingHandler) CurrentStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": h.registry.GetAnyCurrent(),
	}

	query := r.URL.Query()
	if _, ok := query["include_recent"]; ok {
		limit := parseLimit(query.Get("limit"), 10, 100)
		payload["recent_runs"] = h.registry.RecentRuns(limit)
	}
	if _, ok := query["include_stats"]; ok {
		payload["statistics"] = h.registry.Statistics()
	}

	writeJSON(w, http.StatusOK, payload)
}

// parseLimit parses a limit query value, applying a default and a cap
func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
