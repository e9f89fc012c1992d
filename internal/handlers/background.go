package handlers

import (
	"context"
	"net/http"

	"cat-emails/internal/scheduler"
)

// BackgroundHandler controls the scheduler over the API
type BackgroundHandler struct {
	sched *scheduler.Scheduler
	// root context for restarts; scheduler runs are children of this
	ctx context.Context
}

// NewBackgroundHandler creates a scheduler control handler
func NewBackgroundHandler(sched *scheduler.Scheduler, ctx context.Context) *BackgroundHandler {
	return &BackgroundHandler{sched: sched, ctx: ctx}
}

// Start handles GET /api/background/start
func (h *BackgroundHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.sched.Start(h.ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": true,
	})
}

// Stop handles GET /api/background/stop
func (h *BackgroundHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"running": false,
	})
}

// Status handles GET /api/background/status
func (h *BackgroundHandler) Status(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"running": h.sched.Running(),
	}
	if next := h.sched.NextExecutionAt(); !next.IsZero() {
		payload["next_execution_at"] = next
	}
	writeJSON(w, http.StatusOK, payload)
}

// NextExecution handles GET /api/background/next-execution
func (h *BackgroundHandler) NextExecution(w http.ResponseWriter, r *http.Request) {
	next := h.sched.NextExecutionAt()
	if next.IsZero() {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"next_execution_at": nil,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"next_execution_at": next,
	})
}
