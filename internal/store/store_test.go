package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "voxlicense/internal/errors"
	"voxlicense/pkg/contracts/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// SQLite serializes writers; a single connection keeps the in-memory
	// database alive and makes concurrent test access deterministic.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	s := New(db, nil)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedLicense(t *testing.T, s *Store, maxDevices int) *License {
	t.Helper()
	lic := &License{
		ID:         uuid.NewString(),
		LicenseKey: fmt.Sprintf("VOX-TEST%02d-ABCDEF-%06d", maxDevices, time.Now().UnixNano()%1000000),
		UserID:     "user-1",
		Type:       domain.LicenseTypeSubscription,
		Status:     domain.LicenseStatusActive,
		MaxDevices: maxDevices,
	}
	require.NoError(t, s.CreateLicense(context.Background(), lic))
	return lic
}

func TestActivateDeviceConsumesSeats(t *testing.T) {
	s := newTestStore(t)
	lic := seedLicense(t, s, 2)
	ctx := context.Background()

	first, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "Office PC")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ActiveDevices)
	assert.Equal(t, 2, first.MaxDevices)

	second, err := s.ActivateDevice(ctx, lic.ID, "machine-bbb222", "")
	require.NoError(t, err)
	assert.Equal(t, 2, second.ActiveDevices)

	_, err = s.ActivateDevice(ctx, lic.ID, "machine-ccc333", "")
	assert.ErrorIs(t, err, apperrors.ErrDeviceLimitReached)
}

func TestActivateDeviceIdempotentForSameMachine(t *testing.T) {
	s := newTestStore(t)
	lic := seedLicense(t, s, 1)
	ctx := context.Background()

	first, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "Laptop")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ActiveDevices)

	// Same device again: no new seat, just a refresh.
	again, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "Laptop")
	require.NoError(t, err)
	assert.Equal(t, 1, again.ActiveDevices)

	count, err := s.ActiveDeviceCount(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestActivateDeviceConcurrentNeverExceedsLimit(t *testing.T) {
	s := newTestStore(t)
	lic := seedLicense(t, s, 3)
	ctx := context.Background()

	const attempts = 10
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ActivateDevice(ctx, lic.ID, fmt.Sprintf("machine-%06d", i), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrDeviceLimitReached)
		}
	}
	assert.Equal(t, 3, succeeded)

	count, err := s.ActiveDeviceCount(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestDeactivateFreesSeatAndReactivationWorks(t *testing.T) {
	s := newTestStore(t)
	lic := seedLicense(t, s, 1)
	ctx := context.Background()

	_, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "")
	require.NoError(t, err)

	_, err = s.ActivateDevice(ctx, lic.ID, "machine-bbb222", "")
	require.ErrorIs(t, err, apperrors.ErrDeviceLimitReached)

	require.NoError(t, s.DeactivateDevice(ctx, lic.ID, "user-1", "machine-aaa111"))

	res, err := s.ActivateDevice(ctx, lic.ID, "machine-bbb222", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.ActiveDevices)

	// The freed machine coming back flows through the reactivation path.
	_, err = s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "")
	assert.ErrorIs(t, err, apperrors.ErrDeviceLimitReached)
}

func TestDeactivateErrors(t *testing.T) {
	s := newTestStore(t)
	lic := seedLicense(t, s, 2)
	ctx := context.Background()

	t.Run("unknown license", func(t *testing.T) {
		err := s.DeactivateDevice(ctx, uuid.NewString(), "user-1", "machine-aaa111")
		assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
	})

	t.Run("wrong owner", func(t *testing.T) {
		err := s.DeactivateDevice(ctx, lic.ID, "someone-else", "machine-aaa111")
		assert.ErrorIs(t, err, apperrors.ErrNotOwner)
	})

	t.Run("machine never activated", func(t *testing.T) {
		err := s.DeactivateDevice(ctx, lic.ID, "user-1", "machine-zzz999")
		assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)
	})

	t.Run("already deactivated", func(t *testing.T) {
		_, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "")
		require.NoError(t, err)
		require.NoError(t, s.DeactivateDevice(ctx, lic.ID, "user-1", "machine-aaa111"))
		err = s.DeactivateDevice(ctx, lic.ID, "user-1", "machine-aaa111")
		assert.ErrorIs(t, err, apperrors.ErrActivationNotFound)
	})
}

func TestClaimWebhookEventIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ClaimWebhookEvent(ctx, "evt_123", "checkout.completed"))

	err := s.ClaimWebhookEvent(ctx, "evt_123", "checkout.completed")
	assert.ErrorIs(t, err, apperrors.ErrAlreadyClaimed)

	// Releasing the claim lets a redelivery win again.
	require.NoError(t, s.ReleaseWebhookEvent(ctx, "evt_123"))
	assert.NoError(t, s.ClaimWebhookEvent(ctx, "evt_123", "checkout.completed"))
}

func TestClaimWebhookEventConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make([]error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.ClaimWebhookEvent(ctx, "evt_race", "charge.refunded")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, apperrors.ErrAlreadyClaimed)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestRevokedLicenseIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := seedLicense(t, s, 2)
	_ = active

	revokedA := seedLicense(t, s, 2)
	revokedB := seedLicense(t, s, 2)
	for _, lic := range []*License{revokedA, revokedB} {
		require.NoError(t, s.db.Model(&License{}).Where("id = ?", lic.ID).
			Update("status", domain.LicenseStatusRevoked).Error)
	}

	ids, err := s.RevokedLicenseIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, revokedA.ID)
	assert.Contains(t, ids, revokedB.ID)

	// Stable ordering across calls.
	again, err := s.RevokedLicenseIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, again)
}

func TestSubscriptionStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lic := seedLicense(t, s, 2)
	require.NoError(t, s.db.Model(&License{}).Where("id = ?", lic.ID).
		Update("subscription_id", "sub_42").Error)

	newExpiry := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	touched, err := s.UpdateLicenseStatusBySubscription(ctx, "sub_42", domain.LicenseStatusActive, &newExpiry)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	got, err := s.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, newExpiry, *got.ExpiresAt, time.Second)

	touched, err = s.UpdateLicenseStatusBySubscription(ctx, "sub_42", domain.LicenseStatusCanceled, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	got, err = s.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusCanceled, got.Status)

	// Missing subscription touches nothing and is not an error.
	touched, err = s.UpdateLicenseStatusBySubscription(ctx, "sub_missing", domain.LicenseStatusCanceled, nil)
	require.NoError(t, err)
	assert.Zero(t, touched)
}

func TestRevokeLicenseByPayment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lic := seedLicense(t, s, 2)
	require.NoError(t, s.db.Model(&License{}).Where("id = ?", lic.ID).
		Update("payment_id", "pay_77").Error)

	id, err := s.RevokeLicenseByPayment(ctx, "pay_77")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, id)

	got, err := s.GetLicenseByID(ctx, lic.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseStatusRevoked, got.Status)

	_, err = s.RevokeLicenseByPayment(ctx, "pay_unknown")
	assert.ErrorIs(t, err, apperrors.ErrLicenseNotFound)
}

func TestAuditTrailIsAppendOnlyAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lic := seedLicense(t, s, 2)

	_, err := s.ActivateDevice(ctx, lic.ID, "machine-aaa111", "")
	require.NoError(t, err)
	require.NoError(t, s.DeactivateDevice(ctx, lic.ID, "user-1", "machine-aaa111"))

	events, err := s.EventsForLicense(ctx, lic.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventCreated, events[0].EventType)
	assert.Equal(t, EventActivated, events[1].EventType)
	assert.Equal(t, EventDeactivated, events[2].EventType)
}

func TestLatestActiveLicenseForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestActiveLicenseForUser(ctx, "user-1")
	assert.ErrorIs(t, err, apperrors.ErrNoActiveLicense)

	lic := seedLicense(t, s, 2)
	got, err := s.LatestActiveLicenseForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, lic.ID, got.ID)
}
