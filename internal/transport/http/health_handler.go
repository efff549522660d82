package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"licenseguard/internal/store"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store   store.Store
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(s store.Store, version string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:   s,
		logger:  logger.With(slog.String("handler", "health")),
		version: version,
		started: time.Now(),
	}
}

// HealthResponse is the health probe payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Liveness handles GET /api/health/live.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}

// Readiness handles GET /api/health/ready. The store is the only hard
// dependency; a lookup for a key that cannot exist exercises the full
// read path, and not-found is the healthy answer.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	_, err := h.store.Get(r.Context(), "health-probe")
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "store unreachable",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, HealthResponse{Status: "degraded", Version: h.version})
		return
	}

	render.JSON(w, r, HealthResponse{
		Status:  "ready",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	})
}
