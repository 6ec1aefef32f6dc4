package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"keygate/internal/services"
)

// HealthHandler serves the health and version endpoints.
type HealthHandler struct {
	service *services.HealthService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(service *services.HealthService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Routes returns the health endpoint router, mounted under /api/health.
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.Health)
	r.Get("/live", h.Liveness)
	r.Get("/ready", h.Health)
	r.Get("/version", h.Version)

	return r
}

// Health handles GET /api/health and /api/health/ready. A degraded
// dependency turns the response into a 503 so load balancers stop
// routing to this instance.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := h.service.Health(r.Context())
	if resp.Status != services.StatusHealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// Liveness handles GET /api/health/live. It never touches a backend.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Liveness(r.Context()))
}

// Version handles GET /api/health/version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Version())
}
