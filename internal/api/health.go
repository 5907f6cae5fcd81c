package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/chatfunnel/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo  store.Repository
	ready ReadyChecker
}

// NewHealthHandler creates a new health handler. ready may be nil.
func NewHealthHandler(repo store.Repository, ready ReadyChecker) *HealthHandler {
	return &HealthHandler{repo: repo, ready: ready}
}

// Health returns the health status of the API and its dependencies.
// Cold assets are reported but do not degrade the service.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.ready != nil {
		if h.ready.Ready() {
			checks["assets"] = "ok"
		} else {
			checks["assets"] = "warming"
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
