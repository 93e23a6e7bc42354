package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/basesociety/internal/health"
	"github.com/ashureev/basesociety/internal/store"
	"github.com/go-chi/chi/v5"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthCheckTimeout = 5 * time.Second

// WalletCapability reports how the server can obtain a wallet address.
type WalletCapability interface {
	HasProvider() bool
	DemoEnabled() bool
}

// ComponentStatus reports the last known status of a named component.
type ComponentStatus interface {
	Status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo       store.Repository
	wallet     WalletCapability
	components ComponentStatus
}

// NewHealthHandler creates a new health handler. components may be nil.
func NewHealthHandler(repo store.Repository, wallet WalletCapability, components ComponentStatus) *HealthHandler {
	return &HealthHandler{repo: repo, wallet: wallet, components: components}
}

// Health returns the health status of the API and its dependencies.
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

	switch {
	case h.wallet.HasProvider():
		checks["wallet"] = "provider"
	case h.wallet.DemoEnabled():
		checks["wallet"] = "demo"
	default:
		checks["wallet"] = "none"
	}

	// Registry status is informational and never degrades the response.
	if h.components != nil {
		if st, err := h.components.Status(ctx, health.ServiceRegistry); err == nil {
			checks["registry"] = strings.ToLower(st.String())
		}
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
