package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/infrastructure"
	"voxlicense/internal/security"
	"voxlicense/internal/store"
	"voxlicense/pkg/contracts/domain"
)

// Payment provider event types the ingestor understands.
const (
	EventCheckoutCompleted    = "checkout.completed"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventChargeRefunded       = "charge.refunded"
)

// Checkout modes carried on checkout.completed.
const (
	checkoutModePayment      = "payment"
	checkoutModeSubscription = "subscription"
)

// PaymentEvent is the provider's delivery envelope.
type PaymentEvent struct {
	ID   string           `json:"id"`
	Type string           `json:"type"`
	Data PaymentEventData `json:"data"`
}

// PaymentEventData carries the billing references a handler needs. Which
// fields are set depends on the event type.
type PaymentEventData struct {
	UserID         string     `json:"user_id"`
	CustomerID     string     `json:"customer_id"`
	SubscriptionID string     `json:"subscription_id"`
	PaymentID      string     `json:"payment_id"`
	Mode           string     `json:"mode"`
	Status         string     `json:"status"`
	PlanMaxDevices int        `json:"plan_max_devices"`
	PeriodEndsAt   *time.Time `json:"period_ends_at"`
}

// DeliveryResult tells the transport layer what to answer the provider.
type DeliveryResult struct {
	EventID string
	Cached  bool
}

// WebhookStore is the slice of the persistence layer the ingestor uses.
type WebhookStore interface {
	ClaimWebhookEvent(ctx context.Context, eventID, eventType string) error
	ReleaseWebhookEvent(ctx context.Context, eventID string) error
	CreateLicense(ctx context.Context, lic *store.License) error
	UpdateLicenseStatusBySubscription(ctx context.Context, subscriptionID string, status domain.LicenseStatus, expiresAt *time.Time) (int64, error)
	RevokeLicenseByPayment(ctx context.Context, paymentID string) (string, error)
	AppendEvent(ctx context.Context, licenseID, eventType, metadata string) error
}

// WebhookService ingests payment-provider deliveries exactly once. The
// claim on the event ID is taken before any processing; a duplicate
// delivery never reaches a handler.
type WebhookService struct {
	store     WebhookStore
	secret    string
	tolerance time.Duration
	logger    *slog.Logger
	metrics   *infrastructure.BusinessMetrics
}

// NewWebhookService wires the ingestor. metrics may be nil in tests.
func NewWebhookService(st WebhookStore, secret string, tolerance time.Duration, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		store:     st,
		secret:    secret,
		tolerance: tolerance,
		logger:    logger,
		metrics:   metrics,
	}
}

// HandleDelivery verifies, claims and processes one delivery.
//
// Error contract for the transport layer:
//   - ErrWebhookSignature: reject with 400, the provider will not retry.
//   - RetriableError: answer 500 so the provider redelivers; the claim is
//     released first so the redelivery can win it.
//   - nil with Cached=true: duplicate, acknowledge without reprocessing.
//   - Permanent handler failures are logged loudly and acknowledged, since
//     redelivering a malformed event can never succeed.
func (s *WebhookService) HandleDelivery(ctx context.Context, body []byte, signatureHeader string) (*DeliveryResult, error) {
	if err := security.VerifyWebhookSignature(s.secret, body, signatureHeader, s.tolerance, time.Now()); err != nil {
		s.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("error", err.Error()))
		return nil, err
	}

	var event PaymentEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: malformed event body", apperrors.ErrWebhookSignature)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", apperrors.ErrWebhookSignature)
	}

	if s.metrics != nil {
		s.metrics.WebhookEventsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", event.Type)))
	}

	if err := s.store.ClaimWebhookEvent(ctx, event.ID, event.Type); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyClaimed) {
			s.logger.InfoContext(ctx, "duplicate webhook delivery",
				slog.String("event_id", event.ID),
				slog.String("type", event.Type))
			return &DeliveryResult{EventID: event.ID, Cached: true}, nil
		}
		return nil, apperrors.Retriable("webhook.claim", err)
	}

	if err := s.process(ctx, event); err != nil {
		if apperrors.IsRetriable(err) {
			// Release the claim so the provider's redelivery gets a fresh
			// attempt instead of hitting the dedupe path.
			if relErr := s.store.ReleaseWebhookEvent(ctx, event.ID); relErr != nil {
				s.logger.ErrorContext(ctx, "failed to release webhook claim",
					slog.String("event_id", event.ID),
					slog.String("error", relErr.Error()))
			}
			return nil, err
		}

		// Permanent failure: acknowledge, never redeliver, page a human.
		s.logger.ErrorContext(ctx, "webhook event permanently failed",
			slog.String("event_id", event.ID),
			slog.String("type", event.Type),
			slog.String("error", err.Error()))
		return &DeliveryResult{EventID: event.ID}, nil
	}

	return &DeliveryResult{EventID: event.ID}, nil
}

func (s *WebhookService) process(ctx context.Context, event PaymentEvent) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionCanceled:
		return s.handleSubscriptionCanceled(ctx, event)
	case EventChargeRefunded:
		return s.handleChargeRefunded(ctx, event)
	default:
		s.logger.InfoContext(ctx, "unhandled webhook event type",
			slog.String("event_id", event.ID),
			slog.String("type", event.Type))
		return nil
	}
}

// handleCheckoutCompleted issues a license for a finished purchase: a
// one-time payment produces a LIFETIME license, a subscription checkout a
// SUBSCRIPTION license tied to the billing subscription.
func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, event PaymentEvent) error {
	data := event.Data
	if data.UserID == "" || data.CustomerID == "" {
		return fmt.Errorf("checkout event %s missing customer identity", event.ID)
	}

	key, err := GenerateLicenseKey()
	if err != nil {
		return apperrors.Retriable("webhook.generate_key", err)
	}

	maxDevices := data.PlanMaxDevices
	if maxDevices == 0 {
		maxDevices = defaultMaxDevices
	}

	lic := &store.License{
		ID:         uuid.NewString(),
		LicenseKey: key,
		UserID:     data.UserID,
		Status:     domain.LicenseStatusActive,
		MaxDevices: maxDevices,
		CustomerID: data.CustomerID,
	}

	switch data.Mode {
	case checkoutModeSubscription:
		if data.SubscriptionID == "" {
			return fmt.Errorf("subscription checkout %s missing subscription id", event.ID)
		}
		lic.Type = domain.LicenseTypeSubscription
		lic.SubscriptionID = data.SubscriptionID
		lic.ExpiresAt = data.PeriodEndsAt
	case checkoutModePayment, "":
		if data.PaymentID == "" {
			return fmt.Errorf("payment checkout %s missing payment id", event.ID)
		}
		lic.Type = domain.LicenseTypeLifetime
		lic.PaymentID = data.PaymentID
	default:
		return fmt.Errorf("checkout event %s has unknown mode %q", event.ID, data.Mode)
	}

	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return apperrors.Retriable("webhook.create_license", err)
	}

	meta := fmt.Sprintf(`{"event_id":%q}`, event.ID)
	if err := s.store.AppendEvent(ctx, lic.ID, store.EventKeyDelivered, meta); err != nil {
		return apperrors.Retriable("webhook.record_delivery", err)
	}

	s.logger.InfoContext(ctx, "license issued from checkout",
		slog.String("event_id", event.ID),
		slog.String("license_id", lic.ID),
		slog.String("type", string(lic.Type)))
	return nil
}

func (s *WebhookService) handleSubscriptionUpdated(ctx context.Context, event PaymentEvent) error {
	data := event.Data
	if data.SubscriptionID == "" {
		return fmt.Errorf("subscription event %s missing subscription id", event.ID)
	}

	status := mapSubscriptionStatus(data.Status)
	touched, err := s.store.UpdateLicenseStatusBySubscription(ctx, data.SubscriptionID, status, data.PeriodEndsAt)
	if err != nil {
		return apperrors.Retriable("webhook.subscription_update", err)
	}

	s.logger.InfoContext(ctx, "subscription licenses updated",
		slog.String("event_id", event.ID),
		slog.String("subscription_id", data.SubscriptionID),
		slog.String("status", string(status)),
		slog.Int64("licenses", touched))
	return nil
}

func (s *WebhookService) handleSubscriptionCanceled(ctx context.Context, event PaymentEvent) error {
	data := event.Data
	if data.SubscriptionID == "" {
		return fmt.Errorf("subscription event %s missing subscription id", event.ID)
	}

	touched, err := s.store.UpdateLicenseStatusBySubscription(ctx, data.SubscriptionID, domain.LicenseStatusCanceled, data.PeriodEndsAt)
	if err != nil {
		return apperrors.Retriable("webhook.subscription_cancel", err)
	}

	s.logger.InfoContext(ctx, "subscription canceled",
		slog.String("event_id", event.ID),
		slog.String("subscription_id", data.SubscriptionID),
		slog.Int64("licenses", touched))
	return nil
}

// handleChargeRefunded revokes the license bought with the refunded
// payment. The revocation shows up in the next CRL generation.
func (s *WebhookService) handleChargeRefunded(ctx context.Context, event PaymentEvent) error {
	data := event.Data
	if data.PaymentID == "" {
		return fmt.Errorf("refund event %s missing payment id", event.ID)
	}

	licenseID, err := s.store.RevokeLicenseByPayment(ctx, data.PaymentID)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			// Refund for a payment that never produced a license. Nothing
			// to revoke; redelivery cannot change that.
			s.logger.WarnContext(ctx, "refund for unknown payment",
				slog.String("event_id", event.ID),
				slog.String("payment_id", data.PaymentID))
			return nil
		}
		return apperrors.Retriable("webhook.revoke", err)
	}

	s.logger.InfoContext(ctx, "license revoked after refund",
		slog.String("event_id", event.ID),
		slog.String("license_id", licenseID))
	return nil
}

// mapSubscriptionStatus translates provider subscription states into
// license lifecycle states. Anything in good standing stays ACTIVE; every
// delinquent or terminal state cancels the license.
func mapSubscriptionStatus(status string) domain.LicenseStatus {
	switch status {
	case "active", "trialing":
		return domain.LicenseStatusActive
	case "canceled", "unpaid", "past_due", "incomplete_expired":
		return domain.LicenseStatusCanceled
	default:
		return domain.LicenseStatusActive
	}
}
