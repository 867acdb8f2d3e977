// Package store is the relational persistence layer. All multi-row
// mutations run inside transactions so the device-quota and idempotency
// invariants hold under concurrent requests.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "voxlicense/internal/errors"
	"voxlicense/pkg/contracts/domain"
)

// Store wraps the GORM handle with the license-domain operations.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New creates a Store on an already-opened database handle.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates or updates the schema for all license tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&License{},
		&LicenseActivation{},
		&LicenseEvent{},
		&WebhookEvent{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Ping reports whether the underlying database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CreateLicense inserts a new license together with its creation audit event.
func (s *Store) CreateLicense(ctx context.Context, lic *License) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(lic).Error; err != nil {
			return fmt.Errorf("create license: %w", err)
		}
		return appendEvent(tx, lic.ID, EventCreated, fmt.Sprintf(`{"type":%q,"max_devices":%d}`, lic.Type, lic.MaxDevices))
	})
}

// GetLicenseByKey looks up a license by its canonical key.
func (s *Store) GetLicenseByKey(ctx context.Context, key string) (*License, error) {
	var lic License
	err := s.db.WithContext(ctx).Where("license_key = ?", key).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return &lic, nil
}

// GetLicenseByID looks up a license by primary key.
func (s *Store) GetLicenseByID(ctx context.Context, id string) (*License, error) {
	var lic License
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by id: %w", err)
	}
	return &lic, nil
}

// LatestActiveLicenseForUser returns the most recently created ACTIVE
// license belonging to userID, or ErrNoActiveLicense.
func (s *Store) LatestActiveLicenseForUser(ctx context.Context, userID string) (*License, error) {
	var lic License
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, domain.LicenseStatusActive).
		Order("created_at DESC").
		First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNoActiveLicense
	}
	if err != nil {
		return nil, fmt.Errorf("latest active license: %w", err)
	}
	return &lic, nil
}

// ActivationResult reports the device roster after an activate or validate.
type ActivationResult struct {
	ActiveDevices int
	MaxDevices    int
	Reactivated   bool
}

// ActivateDevice binds machineID to the license inside a single
// transaction. The license row is locked for the duration, the active
// device count is re-read under that lock, and only then is the new
// activation inserted. Activating a machine that is already active is
// idempotent and refreshes its last-validated timestamp instead of
// consuming a seat.
func (s *Store) ActivateDevice(ctx context.Context, licenseID, machineID, machineLabel string) (*ActivationResult, error) {
	var result ActivationResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", licenseID).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("lock license: %w", err)
		}
		result.MaxDevices = lic.MaxDevices

		now := time.Now().UTC()

		var existing LicenseActivation
		err := tx.Where("license_id = ? AND machine_id = ?", licenseID, machineID).First(&existing).Error
		switch {
		case err == nil && existing.Status == domain.ActivationStatusActive:
			// Same device re-activating: refresh, no new seat consumed.
			updates := map[string]any{"last_validated_at": now}
			if machineLabel != "" {
				updates["machine_label"] = machineLabel
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("refresh activation: %w", err)
			}
			if err := appendEvent(tx, licenseID, EventValidated, machineMeta(machineID)); err != nil {
				return err
			}
			return countActive(tx, licenseID, &result.ActiveDevices)

		case err == nil:
			// Previously deactivated device wants its seat back.
			if err := countActive(tx, licenseID, &result.ActiveDevices); err != nil {
				return err
			}
			if result.ActiveDevices >= lic.MaxDevices {
				return &apperrors.DeviceLimitError{Activated: result.ActiveDevices, Max: lic.MaxDevices}
			}
			updates := map[string]any{
				"status":            domain.ActivationStatusActive,
				"last_validated_at": now,
				"deactivated_at":    nil,
			}
			if machineLabel != "" {
				updates["machine_label"] = machineLabel
			}
			if err := tx.Model(&existing).Updates(updates).Error; err != nil {
				return fmt.Errorf("reactivate device: %w", err)
			}
			result.ActiveDevices++
			result.Reactivated = true
			return appendEvent(tx, licenseID, EventReactivated, machineMeta(machineID))

		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := countActive(tx, licenseID, &result.ActiveDevices); err != nil {
				return err
			}
			if result.ActiveDevices >= lic.MaxDevices {
				return &apperrors.DeviceLimitError{Activated: result.ActiveDevices, Max: lic.MaxDevices}
			}
			activation := LicenseActivation{
				LicenseID:       licenseID,
				MachineID:       machineID,
				MachineLabel:    machineLabel,
				Status:          domain.ActivationStatusActive,
				LastValidatedAt: now,
			}
			if err := tx.Create(&activation).Error; err != nil {
				if isUniqueViolation(err) {
					// Lost a race with an identical request; that request
					// already holds the seat for this machine.
					return countActive(tx, licenseID, &result.ActiveDevices)
				}
				return fmt.Errorf("create activation: %w", err)
			}
			result.ActiveDevices++
			return appendEvent(tx, licenseID, EventActivated, machineMeta(machineID))

		default:
			return fmt.Errorf("find activation: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeactivateDevice frees the seat held by machineID. When userID is
// non-empty the license must belong to that user.
func (s *Store) DeactivateDevice(ctx context.Context, licenseID, userID, machineID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Where("id = ?", licenseID).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("find license: %w", err)
		}
		if userID != "" && lic.UserID != userID {
			return apperrors.ErrNotOwner
		}

		now := time.Now().UTC()
		res := tx.Model(&LicenseActivation{}).
			Where("license_id = ? AND machine_id = ? AND status = ?",
				licenseID, machineID, domain.ActivationStatusActive).
			Updates(map[string]any{
				"status":         domain.ActivationStatusDeactivated,
				"deactivated_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("deactivate device: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrActivationNotFound
		}
		return appendEvent(tx, licenseID, EventDeactivated, machineMeta(machineID))
	})
}

// ActiveDeviceCount returns the number of ACTIVE activations on a license.
func (s *Store) ActiveDeviceCount(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := countActive(s.db.WithContext(ctx), licenseID, &n)
	return n, err
}

// ClaimWebhookEvent atomically records eventID as processed. The first
// caller wins; every later caller gets ErrAlreadyClaimed. This is the
// idempotency gate for at-least-once webhook delivery.
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID, eventType string) error {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&WebhookEvent{EventID: eventID, EventType: eventType})
	if res.Error != nil {
		return fmt.Errorf("claim webhook event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrAlreadyClaimed
	}
	return nil
}

// ReleaseWebhookEvent removes a claim after a transient processing failure
// so the provider's redelivery can claim it again.
func (s *Store) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Delete(&WebhookEvent{}).Error; err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// RevokedLicenseIDs lists all REVOKED license IDs in stable order for the
// revocation list.
func (s *Store) RevokedLicenseIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.WithContext(ctx).Model(&License{}).
		Where("status = ?", domain.LicenseStatusRevoked).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list revoked licenses: %w", err)
	}
	return ids, nil
}

// UpdateLicenseStatusBySubscription transitions every license tied to a
// billing subscription and optionally moves its expiry. It returns the
// number of licenses touched.
func (s *Store) UpdateLicenseStatusBySubscription(ctx context.Context, subscriptionID string, status domain.LicenseStatus, expiresAt *time.Time) (int64, error) {
	var touched int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&License{}).
			Where("subscription_id = ?", subscriptionID).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("find subscription licenses: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		updates := map[string]any{"status": status}
		if expiresAt != nil {
			updates["expires_at"] = *expiresAt
		}
		res := tx.Model(&License{}).Where("id IN ?", ids).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update subscription licenses: %w", res.Error)
		}
		touched = res.RowsAffected

		for _, id := range ids {
			if err := appendEvent(tx, id, EventStatusChange, fmt.Sprintf(`{"status":%q}`, status)); err != nil {
				return err
			}
		}
		return nil
	})
	return touched, err
}

// RevokeLicenseByPayment marks the license purchased in a refunded payment
// as REVOKED and returns its ID. A payment with no matching license returns
// ErrLicenseNotFound.
func (s *Store) RevokeLicenseByPayment(ctx context.Context, paymentID string) (string, error) {
	var licenseID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lic License
		if err := tx.Where("payment_id = ?", paymentID).First(&lic).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrLicenseNotFound
			}
			return fmt.Errorf("find payment license: %w", err)
		}
		licenseID = lic.ID

		if err := tx.Model(&lic).Update("status", domain.LicenseStatusRevoked).Error; err != nil {
			return fmt.Errorf("revoke license: %w", err)
		}
		return appendEvent(tx, lic.ID, EventRevoked, fmt.Sprintf(`{"reason":"charge_refunded","payment_id":%q}`, paymentID))
	})
	return licenseID, err
}

// SetPaymentID attaches a payment-provider reference to a license so later
// refund events can find it.
func (s *Store) SetPaymentID(ctx context.Context, licenseID, paymentID string) error {
	res := s.db.WithContext(ctx).Model(&License{}).
		Where("id = ?", licenseID).Update("payment_id", paymentID)
	if res.Error != nil {
		return fmt.Errorf("set payment id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrLicenseNotFound
	}
	return nil
}

// ExtendExpiry moves a license's expiry forward and records the renewal.
func (s *Store) ExtendExpiry(ctx context.Context, licenseID string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&License{}).Where("id = ?", licenseID).Update("expires_at", expiresAt)
		if res.Error != nil {
			return fmt.Errorf("extend expiry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrLicenseNotFound
		}
		return appendEvent(tx, licenseID, EventRenewed, fmt.Sprintf(`{"expires_at":%q}`, expiresAt.Format(time.RFC3339)))
	})
}

// AppendEvent records a standalone audit entry outside any transaction.
func (s *Store) AppendEvent(ctx context.Context, licenseID, eventType, metadata string) error {
	return appendEvent(s.db.WithContext(ctx), licenseID, eventType, metadata)
}

// EventsForLicense returns the audit trail, oldest first.
func (s *Store) EventsForLicense(ctx context.Context, licenseID string) ([]LicenseEvent, error) {
	var events []LicenseEvent
	err := s.db.WithContext(ctx).
		Where("license_id = ?", licenseID).
		Order("id ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("list license events: %w", err)
	}
	return events, nil
}

func appendEvent(tx *gorm.DB, licenseID, eventType, metadata string) error {
	ev := LicenseEvent{LicenseID: licenseID, EventType: eventType, Metadata: metadata}
	if err := tx.Create(&ev).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func countActive(tx *gorm.DB, licenseID string, out *int) error {
	var n int64
	err := tx.Model(&LicenseActivation{}).
		Where("license_id = ? AND status = ?", licenseID, domain.ActivationStatusActive).
		Count(&n).Error
	if err != nil {
		return fmt.Errorf("count active devices: %w", err)
	}
	*out = int(n)
	return nil
}

func machineMeta(machineID string) string {
	return fmt.Sprintf(`{"machine_id":%q}`, machineID)
}

// isUniqueViolation spots duplicate-key failures across the MySQL and
// SQLite drivers without importing either driver's error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint")
}
