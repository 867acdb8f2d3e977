package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/infrastructure"
	"voxlicense/pkg/contracts/domain"
)

// AdminAPI is the service surface for operator endpoints.
type AdminAPI interface {
	AdminCreate(ctx context.Context, req domain.AdminCreateRequest) (*domain.AdminCreateResponse, error)
}

// AdminHandler serves operator-only license management. It is always
// mounted behind AdminKeyAuth.
type AdminHandler struct {
	service AdminAPI
	logger  *slog.Logger
}

// NewAdminHandler creates the handler.
func NewAdminHandler(service AdminAPI, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Routes mounts the admin endpoints.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/licenses", h.CreateLicense)
	return r
}

type adminCreateRequest struct {
	domain.AdminCreateRequest
}

func (a *adminCreateRequest) Bind(r *http.Request) error { return nil }

// CreateLicense handles POST /api/admin/licenses.
func (h *AdminHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req adminCreateRequest
	if err := render.Bind(r, &req); err != nil {
		renderProblem(w, r, apperrors.ErrValidation, h.logger)
		return
	}

	resp, err := h.service.AdminCreate(ctx, req.AdminCreateRequest)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		renderProblem(w, r, err, h.logger)
		return
	}

	h.logger.InfoContext(ctx, "operator minted license",
		slog.String("license_id", resp.LicenseID),
		slog.String("type", string(resp.Type)))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}
