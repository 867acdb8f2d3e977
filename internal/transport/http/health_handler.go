package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionInfo is baked in at build time via -ldflags.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"buildTime,omitempty"`
}

// HealthHandler serves liveness, readiness and version endpoints.
type HealthHandler struct {
	db      Pinger
	version VersionInfo
	logger  *slog.Logger
	started time.Time
}

// NewHealthHandler creates the handler. db may be nil when readiness should
// not gate on the database.
func NewHealthHandler(db Pinger, version VersionInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:      db,
		version: version,
		logger:  logger.With(slog.String("handler", "health")),
		started: time.Now(),
	}
}

// Routes registers the health endpoints on r.
func (h *HealthHandler) Routes(r chi.Router) {
	r.Get("/healthz", h.Liveness)
	r.Get("/readyz", h.Readiness)
	r.Get("/version", h.Version)
}

// Liveness handles GET /healthz: the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Readiness handles GET /readyz: the database answers.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.ErrorContext(ctx, "readiness check failed",
				slog.String("error", err.Error()))
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
	}

	render.JSON(w, r, map[string]string{"status": "ready"})
}

// Version handles GET /version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.version)
}
