package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelLister is the part of the agent backend used for health checks.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// HealthHandler reports the state of the database and the agent backend.
type HealthHandler struct {
	db      Pinger
	backend ModelLister
	timeout time.Duration
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db Pinger, backend ModelLister) *HealthHandler {
	return &HealthHandler{db: db, backend: backend, timeout: 3 * time.Second}
}

// RegisterHealth registers the health route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health returns 200 when the database is reachable. An unreachable agent
// backend degrades the status without failing the check.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	body := map[string]string{"status": "ok", "database": "ok", "agent": "ok"}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		body["database"] = "unavailable"
		body["status"] = "error"
		status = http.StatusServiceUnavailable
	}
	if h.backend != nil {
		if _, err := h.backend.ListModels(ctx); err != nil {
			body["agent"] = "unavailable"
			if status == http.StatusOK {
				body["status"] = "degraded"
			}
		}
	}
	JSON(w, status, body)
}
