// Package services contains the business logic between the HTTP transport
// and the persistence layer.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/infrastructure"
	"voxlicense/internal/signing"
	"voxlicense/internal/store"
	"voxlicense/pkg/contracts/domain"
)

// Grant policy constants. Lifetime licenses get a ten-year horizon rather
// than a sentinel "never", so every grant has a real expiry to verify
// against.
const (
	lifetimeGrantYears       = 10
	subscriptionFallbackDays = 90
	billingPeriodDays        = 90
	grantGraceDays           = 14
	grantVersion             = 1
	productID                = "voxlicense-desktop"

	defaultMaxDevices = 3
)

// LicenseStore is the slice of the persistence layer the license service
// uses.
type LicenseStore interface {
	CreateLicense(ctx context.Context, lic *store.License) error
	GetLicenseByKey(ctx context.Context, key string) (*store.License, error)
	GetLicenseByID(ctx context.Context, id string) (*store.License, error)
	LatestActiveLicenseForUser(ctx context.Context, userID string) (*store.License, error)
	ActivateDevice(ctx context.Context, licenseID, machineID, machineLabel string) (*store.ActivationResult, error)
	DeactivateDevice(ctx context.Context, licenseID, userID, machineID string) error
	ActiveDeviceCount(ctx context.Context, licenseID string) (int, error)
	RevokedLicenseIDs(ctx context.Context) ([]string, error)
	ExtendExpiry(ctx context.Context, licenseID string, expiresAt time.Time) error
	AppendEvent(ctx context.Context, licenseID, eventType, metadata string) error
}

// LicenseService implements activation, validation, grant issuance and the
// revocation list.
type LicenseService struct {
	store    LicenseStore
	signer   *signing.Signer
	logger   *slog.Logger
	metrics  *infrastructure.BusinessMetrics
	validate *validator.Validate

	crlVersion atomic.Int64
}

// NewLicenseService wires the service. metrics may be nil in tests.
func NewLicenseService(st LicenseStore, signer *signing.Signer, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LicenseService{
		store:    st,
		signer:   signer,
		logger:   logger,
		metrics:  metrics,
		validate: validator.New(),
	}
	// Seed the CRL version from the clock so restarts never go backwards.
	s.crlVersion.Store(time.Now().Unix())
	return s
}

// Activate binds a device to a license. The device-quota check and the
// activation insert happen in one store transaction, so concurrent
// activations can never oversubscribe a license.
func (s *LicenseService) Activate(ctx context.Context, req domain.ActivateRequest) (*domain.ActivateResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrValidation, err)
	}
	key, err := NormalizeLicenseKey(req.LicenseKey)
	if err != nil {
		s.countDenial(ctx, "bad_format")
		return nil, err
	}

	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		s.countDenial(ctx, "not_found")
		return nil, err
	}
	if err := s.usable(lic); err != nil {
		s.countDenial(ctx, "not_active")
		return nil, err
	}

	result, err := s.store.ActivateDevice(ctx, lic.ID, req.MachineID, req.MachineLabel)
	if err != nil {
		if errors.Is(err, apperrors.ErrDeviceLimitReached) {
			s.countDenial(ctx, "device_limit")
			s.logger.InfoContext(ctx, "activation denied: device limit",
				slog.String("license_id", lic.ID),
				slog.Int("max_devices", lic.MaxDevices))
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.ActivationsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", string(lic.Type))))
	}
	s.logger.InfoContext(ctx, "device activated",
		slog.String("license_id", lic.ID),
		slog.Int("activated_devices", result.ActiveDevices),
		slog.Int("max_devices", result.MaxDevices))

	return &domain.ActivateResponse{
		Success:          true,
		License:          domain.LicenseInfo{Type: lic.Type, ExpiresAt: lic.ExpiresAt},
		ActivatedDevices: result.ActiveDevices,
		MaxDevices:       result.MaxDevices,
	}, nil
}

// Validate reports whether a key is currently usable. Invalid keys of any
// kind produce the same negative answer; nothing in the response reveals
// whether the key exists. When the request names a machine the check also
// refreshes that device's activation timestamp.
func (s *LicenseService) Validate(ctx context.Context, req domain.ValidateRequest) (*domain.ValidateResponse, error) {
	invalid := &domain.ValidateResponse{Valid: false, Tier: "free"}

	key, err := NormalizeLicenseKey(req.LicenseKey)
	if err != nil {
		return invalid, nil
	}

	lic, err := s.store.GetLicenseByKey(ctx, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrLicenseNotFound) {
			return invalid, nil
		}
		return nil, err
	}
	if s.usable(lic) != nil {
		return invalid, nil
	}

	used, err := s.store.ActiveDeviceCount(ctx, lic.ID)
	if err != nil {
		return nil, err
	}

	if req.MachineID != "" {
		result, err := s.store.ActivateDevice(ctx, lic.ID, req.MachineID, "")
		if err != nil {
			// The limit error surfaces distinctly (403 with seat counts):
			// the caller proved it holds a real key, so there is nothing
			// left to enumerate.
			if errors.Is(err, apperrors.ErrDeviceLimitReached) {
				s.countDenial(ctx, "device_limit")
			}
			return nil, err
		}
		used = result.ActiveDevices
	}

	return &domain.ValidateResponse{
		Valid: true,
		Tier:  "pro",
		License: &domain.ValidatedLicense{
			Type:            lic.Type,
			ExpiresAt:       lic.ExpiresAt,
			ActivationsUsed: used,
			MaxActivations:  lic.MaxDevices,
		},
	}, nil
}

// Deactivate frees a device seat. userID must own the license.
func (s *LicenseService) Deactivate(ctx context.Context, userID string, req domain.DeactivateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", apperrors.ErrValidation, err)
	}
	if err := s.store.DeactivateDevice(ctx, req.LicenseID, userID, req.MachineID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "device deactivated",
		slog.String("license_id", req.LicenseID))
	return nil
}

// Issue signs an offline grant for the caller's most recent active license,
// bound to the requesting device's fingerprint.
func (s *LicenseService) Issue(ctx context.Context, userID string, req domain.IssueRequest) (*domain.IssueResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrValidation, err)
	}

	lic, err := s.store.LatestActiveLicenseForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	signed, expiresAt, err := s.signGrant(lic, userID, req.DeviceFingerprint)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendEvent(ctx, lic.ID, store.EventIssued,
		fmt.Sprintf(`{"fingerprint":%q}`, req.DeviceFingerprint)); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.GrantsIssuedTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", string(lic.Type))))
	}
	s.logger.InfoContext(ctx, "grant issued",
		slog.String("license_id", lic.ID),
		slog.Time("expires_at", expiresAt))

	return &domain.IssueResponse{
		SignedLicense: signed,
		LicenseKey:    lic.LicenseKey,
		Type:          lic.Type,
		ExpiresAt:     expiresAt,
	}, nil
}

// Renew re-signs the grant for an existing license. Subscriptions backed
// by a live billing reference also get their stored expiry pushed out one
// billing period, so the fresh grant carries the extended horizon.
func (s *LicenseService) Renew(ctx context.Context, userID string, req domain.RenewRequest) (*domain.RenewResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrValidation, err)
	}

	lic, err := s.store.GetLicenseByID(ctx, req.LicenseID)
	if err != nil {
		return nil, err
	}
	if userID != "" && lic.UserID != userID {
		return nil, apperrors.ErrNotOwner
	}
	if err := s.usable(lic); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLicenseNotRenewable, err)
	}

	extended := false
	if lic.Type == domain.LicenseTypeSubscription && lic.SubscriptionID != "" {
		newExpiry := time.Now().UTC().AddDate(0, 0, billingPeriodDays)
		if err := s.store.ExtendExpiry(ctx, lic.ID, newExpiry); err != nil {
			return nil, err
		}
		lic.ExpiresAt = &newExpiry
		extended = true
	}

	signed, expiresAt, err := s.signGrant(lic, lic.UserID, req.DeviceFingerprint)
	if err != nil {
		return nil, err
	}
	// ExtendExpiry already audits the extension; only the re-sign-without-
	// extension path needs its own event.
	if !extended {
		if err := s.store.AppendEvent(ctx, lic.ID, store.EventRenewed,
			fmt.Sprintf(`{"expires_at":%q}`, expiresAt.Format(time.RFC3339))); err != nil {
			return nil, err
		}
	}

	s.logger.InfoContext(ctx, "grant renewed",
		slog.String("license_id", lic.ID),
		slog.Time("expires_at", expiresAt))

	return &domain.RenewResponse{SignedLicense: signed, ExpiresAt: expiresAt}, nil
}

// GenerateCRL signs the current revocation list.
func (s *LicenseService) GenerateCRL(ctx context.Context) (*domain.CRLResponse, error) {
	ids, err := s.store.RevokedLicenseIDs(ctx)
	if err != nil {
		return nil, err
	}

	payload := domain.CRLPayload{
		Version:           int(s.crlVersion.Add(1)),
		UpdatedAt:         time.Now().UTC(),
		RevokedLicenseIDs: ids,
		KeyVersion:        s.signer.KeyVersion(),
	}
	signed, err := s.signer.SignCRL(payload)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CRLGenerationsTotal.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "revocation list generated",
		slog.Int("revoked_count", len(ids)))

	return &domain.CRLResponse{CRL: signed, Count: len(ids)}, nil
}

// AdminCreate mints a license outside the payment flow.
func (s *LicenseService) AdminCreate(ctx context.Context, req domain.AdminCreateRequest) (*domain.AdminCreateResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrValidation, err)
	}

	key, err := GenerateLicenseKey()
	if err != nil {
		return nil, err
	}
	maxDevices := req.MaxDevices
	if maxDevices == 0 {
		maxDevices = defaultMaxDevices
	}
	lic := &store.License{
		ID:         uuid.NewString(),
		LicenseKey: key,
		UserID:     req.UserID,
		Type:       req.Type,
		Status:     domain.LicenseStatusActive,
		MaxDevices: maxDevices,
		ExpiresAt:  req.ExpiresAt,
	}
	if err := s.store.CreateLicense(ctx, lic); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license created by operator",
		slog.String("license_id", lic.ID),
		slog.String("type", string(lic.Type)))

	return &domain.AdminCreateResponse{
		LicenseID:  lic.ID,
		LicenseKey: lic.LicenseKey,
		Type:       lic.Type,
		MaxDevices: lic.MaxDevices,
		ExpiresAt:  lic.ExpiresAt,
	}, nil
}

func (s *LicenseService) signGrant(lic *store.License, userID, fingerprint string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := grantExpiry(lic, now)

	payload := domain.GrantPayload{
		LicenseID:         lic.ID,
		UserID:            userID,
		ProductID:         productID,
		Plan:              string(lic.Type),
		DeviceFingerprint: fingerprint,
		SeatLimit:         lic.MaxDevices,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
		GraceDays:         grantGraceDays,
		KeyVersion:        s.signer.KeyVersion(),
		Version:           grantVersion,
	}
	signed, err := s.signer.SignGrant(payload)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// grantExpiry computes the grant horizon: lifetime licenses get ten years,
// subscriptions use the billing expiry with a 90-day fallback when billing
// has not reported one yet.
func grantExpiry(lic *store.License, now time.Time) time.Time {
	if lic.Type == domain.LicenseTypeLifetime {
		return now.AddDate(lifetimeGrantYears, 0, 0)
	}
	if lic.ExpiresAt != nil && lic.ExpiresAt.After(now) {
		return *lic.ExpiresAt
	}
	return now.AddDate(0, 0, subscriptionFallbackDays)
}

// usable rejects licenses that are revoked, canceled, or past expiry.
func (s *LicenseService) usable(lic *store.License) error {
	if lic.Status != domain.LicenseStatusActive {
		return apperrors.ErrLicenseNotActive
	}
	if lic.ExpiresAt != nil && lic.ExpiresAt.Before(time.Now()) {
		return apperrors.ErrLicenseNotActive
	}
	return nil
}

func (s *LicenseService) countDenial(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.ActivationDenialsTotal.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", reason)))
	}
}
