package http

import (
	"context"
	"io"
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
	"voxlicense/internal/security"
	"voxlicense/internal/services"
)

// Webhook bodies above this size are rejected before signature work.
const maxWebhookBody = 1 << 20

// WebhookAPI is the ingestor surface the webhook handler needs.
type WebhookAPI interface {
	HandleDelivery(ctx context.Context, body []byte, signatureHeader string) (*services.DeliveryResult, error)
}

// WebhookHandler receives payment provider deliveries.
type WebhookHandler struct {
	service WebhookAPI
	logger  *slog.Logger
}

// NewWebhookHandler creates the handler.
func NewWebhookHandler(service WebhookAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "webhook")),
	}
}

// Routes mounts the webhook endpoint.
func (h *WebhookHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Receive)
	return r
}

// Receive handles POST /api/webhook. Status codes steer the provider's
// redelivery: 400 for bad signatures (no retry), 500 for transient
// failures (retry), 200 for everything handled or permanently unhandleable.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("webhook-handler")
	ctx, span := tracer.Start(ctx, "webhook_handler.receive",
		trace.WithAttributes(
			attribute.String("http.route", "/api/webhook"),
			attribute.String("request_id", middleware.GetReqID(ctx)),
		),
	)
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		renderProblem(w, r, apperrors.ErrValidation, h.logger)
		return
	}
	if len(body) > maxWebhookBody {
		renderProblem(w, r, apperrors.ErrValidation, h.logger)
		return
	}

	result, err := h.service.HandleDelivery(ctx, body, r.Header.Get(security.WebhookSignatureHeader))
	if err != nil {
		// MapError answers 400 for signature failures (provider will not
		// retry) and 500 for transient ones (provider redelivers).
		infrastructure.RecordError(ctx, err)
		renderProblem(w, r, err, h.logger)
		return
	}

	resp := map[string]any{"received": true}
	if result.Cached {
		resp["cached"] = true
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}
