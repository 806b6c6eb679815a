package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/vaultchat/internal/store"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	gateway HealthChecker
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. gateway may be nil.
func NewHealthHandler(repo store.Repository, gateway HealthChecker) *HealthHandler {
	return &HealthHandler{repo: repo, gateway: gateway, timeout: 5 * time.Second}
}

// Health returns the health status of the API and its dependencies. An
// unreachable tool gateway degrades the status without failing the check;
// an unreachable database fails it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
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

	if h.gateway == nil {
		checks["toolGateway"] = "disabled"
	} else if err := h.gateway.Health(ctx); err != nil {
		slog.Warn("Tool gateway health check failed", "error", err)
		status["status"] = "degraded"
		checks["toolGateway"] = "unavailable"
	} else {
		checks["toolGateway"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the detailed health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
