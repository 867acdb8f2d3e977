// Package http contains the chi HTTP handlers for the license server.
package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/infrastructure"
	"voxlicense/internal/middleware"
	"voxlicense/internal/ratelimit"
	"voxlicense/internal/services"
	"voxlicense/pkg/contracts/domain"
)

// LicenseAPI is the service surface the license handler needs.
type LicenseAPI interface {
	Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error)
	Validate(ctx context.Context, req domain.ValidateRequest) (*domain.ValidateResponse, error)
	Deactivate(ctx context.Context, userID string, req domain.DeactivateRequest) error
}

// LicenseHandler serves the public activation endpoints.
type LicenseHandler struct {
	service LicenseAPI
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewLicenseHandler creates the handler.
func NewLicenseHandler(service LicenseAPI, limiter *ratelimit.Limiter, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		limiter: limiter,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes registers the license endpoints on r. Activate and validate are
// public; deactivate requires a session.
func (h *LicenseHandler) Routes(r chi.Router, sessionAuth func(http.Handler) http.Handler) {
	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.With(sessionAuth).Post("/deactivate", h.Deactivate)
}

type activateRequest struct {
	domain.ActivateRequest
}

func (a *activateRequest) Bind(r *http.Request) error { return nil }

// Activate handles POST /api/license/activate.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.activate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/activate"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	var req activateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, apperrors.ErrValidation)
		return
	}

	// Malformed keys are rejected before the limiter so they cannot burn
	// sliding-window budget.
	key, err := services.NormalizeLicenseKey(req.LicenseKey)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	if !h.allow(w, r, h.limiter.AllowActivation(ctx, clientIP(r), key)) {
		return
	}

	resp, err := h.service.Activate(ctx, req.ActivateRequest)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

type validateRequest struct {
	domain.ValidateRequest
}

func (v *validateRequest) Bind(r *http.Request) error { return nil }

// Validate handles POST /api/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/validate"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	var req validateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, apperrors.ErrValidation)
		return
	}

	key, err := services.NormalizeLicenseKey(req.LicenseKey)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	if !h.allow(w, r, h.limiter.AllowActivation(ctx, clientIP(r), key)) {
		return
	}

	resp, err := h.service.Validate(ctx, req.ValidateRequest)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

type deactivateRequest struct {
	domain.DeactivateRequest
}

func (d *deactivateRequest) Bind(r *http.Request) error { return nil }

// Deactivate handles POST /api/license/deactivate. Runs behind SessionAuth.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.deactivate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/deactivate"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	userID := middleware.UserIDFromContext(ctx)
	if userID == "" {
		h.renderError(w, r, apperrors.ErrUnauthorized)
		return
	}

	if !h.allow(w, r, h.limiter.AllowUser(ctx, userID)) {
		return
	}

	var req deactivateRequest
	if err := render.Bind(r, &req); err != nil {
		h.renderError(w, r, apperrors.ErrValidation)
		return
	}

	if err := h.service.Deactivate(ctx, userID, req.DeactivateRequest); err != nil {
		infrastructure.RecordError(ctx, err)
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, map[string]bool{"ok": true})
}

// allow applies a rate limit result: headers always, a 429 render on
// denial. Returns whether the request may proceed.
func (h *LicenseHandler) allow(w http.ResponseWriter, r *http.Request, result ratelimit.Result) bool {
	return applyRateLimit(w, r, result, h.logger)
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	renderProblem(w, r, err, h.logger)
}

// applyRateLimit writes the X-RateLimit-* headers and, on denial, the 429
// problem response.
func applyRateLimit(w http.ResponseWriter, r *http.Request, result ratelimit.Result, logger *slog.Logger) bool {
	if result.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.ResetAt.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}
	}
	if result.Allowed {
		return true
	}

	ctx := r.Context()
	logger.WarnContext(ctx, "request rate limited",
		slog.String("rule", result.Rule),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr))

	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter()))
	apperrors.WriteProblem(w, apperrors.MapError(apperrors.ErrRateLimited, infrastructure.GetTraceID(ctx)))
	return false
}

// renderProblem maps a domain error to its RFC 7807 response.
func renderProblem(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	ctx := r.Context()
	traceID := infrastructure.GetTraceID(ctx)
	logger.WarnContext(ctx, "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()))
	apperrors.WriteProblem(w, apperrors.MapError(err, traceID))
}

// clientIP extracts the caller address without the port. RealIP middleware
// has already resolved forwarding headers by the time this runs.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
