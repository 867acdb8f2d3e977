package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/infrastructure"
	"voxlicense/internal/middleware"
	"voxlicense/internal/ratelimit"
	"voxlicense/pkg/contracts/domain"
)

// GrantAPI is the service surface for signed grants and the revocation
// list.
type GrantAPI interface {
	Issue(ctx context.Context, userID string, req domain.IssueRequest) (*domain.IssueResponse, error)
	Renew(ctx context.Context, userID string, req domain.RenewRequest) (*domain.RenewResponse, error)
	GenerateCRL(ctx context.Context) (*domain.CRLResponse, error)
}

// GrantHandler serves grant issuance, renewal and the CRL.
type GrantHandler struct {
	service GrantAPI
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewGrantHandler creates the handler.
func NewGrantHandler(service GrantAPI, limiter *ratelimit.Limiter, logger *slog.Logger) *GrantHandler {
	return &GrantHandler{
		service: service,
		limiter: limiter,
		logger:  logger.With(slog.String("handler", "grant")),
	}
}

// Routes registers the grant endpoints on r. All of them require a
// session; the CRL is additionally rate limited per IP so the revoked-id
// list cannot be harvested by polling.
func (h *GrantHandler) Routes(r chi.Router, sessionAuth func(http.Handler) http.Handler) {
	r.With(sessionAuth).Post("/issue", h.Issue)
	r.With(sessionAuth).Post("/renew", h.Renew)
	r.With(sessionAuth).Get("/crl", h.CRL)
}

type issueRequest struct {
	domain.IssueRequest
}

func (i *issueRequest) Bind(r *http.Request) error { return nil }

// Issue handles POST /api/license/issue.
func (h *GrantHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("grant-handler")
	ctx, span := tracer.Start(ctx, "grant_handler.issue",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/issue"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	userID := middleware.UserIDFromContext(ctx)
	if userID == "" {
		renderProblem(w, r, apperrors.ErrUnauthorized, h.logger)
		return
	}

	if !applyRateLimit(w, r, h.limiter.AllowUser(ctx, userID), h.logger) {
		return
	}

	var req issueRequest
	if err := render.Bind(r, &req); err != nil {
		renderProblem(w, r, apperrors.ErrValidation, h.logger)
		return
	}

	resp, err := h.service.Issue(ctx, userID, req.IssueRequest)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		renderProblem(w, r, err, h.logger)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

type renewRequest struct {
	domain.RenewRequest
}

func (rr *renewRequest) Bind(r *http.Request) error { return nil }

// Renew handles POST /api/license/renew.
func (h *GrantHandler) Renew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("grant-handler")
	ctx, span := tracer.Start(ctx, "grant_handler.renew",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/renew"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	userID := middleware.UserIDFromContext(ctx)
	if userID == "" {
		renderProblem(w, r, apperrors.ErrUnauthorized, h.logger)
		return
	}

	if !applyRateLimit(w, r, h.limiter.AllowUser(ctx, userID), h.logger) {
		return
	}

	var req renewRequest
	if err := render.Bind(r, &req); err != nil {
		renderProblem(w, r, apperrors.ErrValidation, h.logger)
		return
	}

	resp, err := h.service.Renew(ctx, userID, req.RenewRequest)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		renderProblem(w, r, err, h.logger)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// CRL handles GET /api/license/crl.
func (h *GrantHandler) CRL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("grant-handler")
	ctx, span := tracer.Start(ctx, "grant_handler.crl",
		trace.WithAttributes(
			attribute.String("http.route", "/api/license/crl"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	if !applyRateLimit(w, r, h.limiter.AllowCRL(ctx, clientIP(r)), h.logger) {
		return
	}

	resp, err := h.service.GenerateCRL(ctx)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		renderProblem(w, r, err, h.logger)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
