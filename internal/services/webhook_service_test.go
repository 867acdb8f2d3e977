package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	apperrors "voxlicense/internal/errors"
	"voxlicense/internal/security"
	"voxlicense/internal/store"
	"voxlicense/pkg/contracts/domain"
)

const testWebhookSecret = "whsec_unit_test"

func newWebhookService(t *testing.T) (*WebhookService, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	st := store.New(db, nil)
	require.NoError(t, st.Migrate(context.Background()))

	return NewWebhookService(st, testWebhookSecret, 5*time.Minute, nil, nil), st
}

func signedDelivery(t *testing.T, event PaymentEvent) (body []byte, header string) {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	return body, security.SignWebhookPayload(testWebhookSecret, body, time.Now())
}

func TestHandleDeliveryRejectsBadSignature(t *testing.T) {
	svc, _ := newWebhookService(t)
	body, _ := signedDelivery(t, PaymentEvent{ID: "evt_1", Type: EventCheckoutCompleted})

	_, err := svc.HandleDelivery(context.Background(), body,
		security.SignWebhookPayload("wrong-secret", body, time.Now()))
	assert.ErrorIs(t, err, apperrors.ErrWebhookSignature)

	_, err = svc.HandleDelivery(context.Background(), body, "")
	assert.ErrorIs(t, err, apperrors.ErrWebhookSignature)
}

func TestCheckoutCompletedOneTimePayment(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()

	body, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_checkout_1",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID:     "user-9",
			CustomerID: "cus_1",
			PaymentID:  "pay_1",
			Mode:       "payment",
		},
	})

	result, err := svc.HandleDelivery(ctx, body, header)
	require.NoError(t, err)
	assert.False(t, result.Cached)
	assert.Equal(t, "evt_checkout_1", result.EventID)

	lic, err := st.LatestActiveLicenseForUser(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseTypeLifetime, lic.Type)
	assert.Equal(t, "pay_1", lic.PaymentID)
	assert.Nil(t, lic.ExpiresAt)
}

func TestCheckoutCompletedSubscription(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()
	periodEnd := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)

	body, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_checkout_2",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID:         "user-9",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Mode:           "subscription",
			PeriodEndsAt:   &periodEnd,
		},
	})

	_, err := svc.HandleDelivery(ctx, body, header)
	require.NoError(t, err)

	lic, err := st.LatestActiveLicenseForUser(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, domain.LicenseTypeSubscription, lic.Type)
	assert.Equal(t, "sub_1", lic.SubscriptionID)
	require.NotNil(t, lic.ExpiresAt)
	assert.WithinDuration(t, periodEnd, *lic.ExpiresAt, time.Second)
}

func TestDuplicateDeliveryIsCachedNotReprocessed(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()

	event := PaymentEvent{
		ID:   "evt_dup",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID:     "user-9",
			CustomerID: "cus_1",
			PaymentID:  "pay_dup",
			Mode:       "payment",
		},
	}

	body, header := signedDelivery(t, event)
	first, err := svc.HandleDelivery(ctx, body, header)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Redelivery, possibly with a fresh signature timestamp.
	body2, header2 := signedDelivery(t, event)
	second, err := svc.HandleDelivery(ctx, body2, header2)
	require.NoError(t, err)
	assert.True(t, second.Cached)

	// Exactly one license was minted and its key delivered once.
	lic, err := st.LatestActiveLicenseForUser(ctx, "user-9")
	require.NoError(t, err)
	events, err := st.EventsForLicense(ctx, lic.ID)
	require.NoError(t, err)
	delivered := 0
	for _, ev := range events {
		if ev.EventType == store.EventKeyDelivered {
			delivered++
		}
	}
	assert.Equal(t, 1, delivered)
}

func TestSubscriptionLifecycle(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()

	checkout, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_sub_checkout",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID: "user-9", CustomerID: "cus_1",
			SubscriptionID: "sub_life", Mode: "subscription",
		},
	})
	_, err := svc.HandleDelivery(ctx, checkout, header)
	require.NoError(t, err)

	// Renewal pushes the expiry out.
	newEnd := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	renewed, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_sub_renewed",
		Type: EventSubscriptionUpdated,
		Data: PaymentEventData{
			SubscriptionID: "sub_life", Status: "active", PeriodEndsAt: &newEnd,
		},
	})
	_, err = svc.HandleDelivery(ctx, renewed, header)
	require.NoError(t, err)

	lic, err := st.LatestActiveLicenseForUser(ctx, "user-9")
	require.NoError(t, err)
	require.NotNil(t, lic.ExpiresAt)
	assert.WithinDuration(t, newEnd, *lic.ExpiresAt, time.Second)

	// Delinquency cancels.
	pastDue, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_sub_pastdue",
		Type: EventSubscriptionUpdated,
		Data: PaymentEventData{SubscriptionID: "sub_life", Status: "past_due"},
	})
	_, err = svc.HandleDelivery(ctx, pastDue, header)
	require.NoError(t, err)

	_, err = st.LatestActiveLicenseForUser(ctx, "user-9")
	assert.ErrorIs(t, err, apperrors.ErrNoActiveLicense)
}

func TestSubscriptionCanceled(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()

	checkout, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_c1",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID: "user-9", CustomerID: "cus_1",
			SubscriptionID: "sub_gone", Mode: "subscription",
		},
	})
	_, err := svc.HandleDelivery(ctx, checkout, header)
	require.NoError(t, err)

	canceled, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_c2",
		Type: EventSubscriptionCanceled,
		Data: PaymentEventData{SubscriptionID: "sub_gone"},
	})
	_, err = svc.HandleDelivery(ctx, canceled, header)
	require.NoError(t, err)

	_, err = st.LatestActiveLicenseForUser(ctx, "user-9")
	assert.ErrorIs(t, err, apperrors.ErrNoActiveLicense)
}

func TestChargeRefundedRevokesLicense(t *testing.T) {
	svc, st := newWebhookService(t)
	ctx := context.Background()

	checkout, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_r1",
		Type: EventCheckoutCompleted,
		Data: PaymentEventData{
			UserID: "user-9", CustomerID: "cus_1",
			PaymentID: "pay_refund", Mode: "payment",
		},
	})
	_, err := svc.HandleDelivery(ctx, checkout, header)
	require.NoError(t, err)

	refund, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_r2",
		Type: EventChargeRefunded,
		Data: PaymentEventData{PaymentID: "pay_refund"},
	})
	_, err = svc.HandleDelivery(ctx, refund, header)
	require.NoError(t, err)

	ids, err := st.RevokedLicenseIDs(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	events, err := st.EventsForLicense(ctx, ids[0])
	require.NoError(t, err)
	var revocation *store.LicenseEvent
	for i := range events {
		if events[i].EventType == store.EventRevoked {
			revocation = &events[i]
		}
	}
	require.NotNil(t, revocation)
	assert.Contains(t, revocation.Metadata, `"reason":"charge_refunded"`)
}

func TestRefundForUnknownPaymentIsPermanentNoop(t *testing.T) {
	svc, _ := newWebhookService(t)

	body, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_orphan_refund",
		Type: EventChargeRefunded,
		Data: PaymentEventData{PaymentID: "pay_never_seen"},
	})

	// Acknowledged, not retried: redelivery cannot conjure the license.
	result, err := svc.HandleDelivery(context.Background(), body, header)
	require.NoError(t, err)
	assert.False(t, result.Cached)
}

func TestMalformedEventIsAcknowledgedLoudly(t *testing.T) {
	svc, _ := newWebhookService(t)

	// Checkout with no customer identity: permanently unprocessable.
	body, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_malformed",
		Type: EventCheckoutCompleted,
	})

	result, err := svc.HandleDelivery(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_malformed", result.EventID)
}

func TestUnknownEventTypeIsIgnored(t *testing.T) {
	svc, _ := newWebhookService(t)

	body, header := signedDelivery(t, PaymentEvent{
		ID:   "evt_unknown",
		Type: "invoice.finalized",
	})

	result, err := svc.HandleDelivery(context.Background(), body, header)
	require.NoError(t, err)
	assert.Equal(t, "evt_unknown", result.EventID)
}

func TestMapSubscriptionStatus(t *testing.T) {
	assert.Equal(t, domain.LicenseStatusActive, mapSubscriptionStatus("active"))
	assert.Equal(t, domain.LicenseStatusActive, mapSubscriptionStatus("trialing"))
	assert.Equal(t, domain.LicenseStatusCanceled, mapSubscriptionStatus("canceled"))
	assert.Equal(t, domain.LicenseStatusCanceled, mapSubscriptionStatus("past_due"))
	assert.Equal(t, domain.LicenseStatusCanceled, mapSubscriptionStatus("unpaid"))
	assert.Equal(t, domain.LicenseStatusActive, mapSubscriptionStatus("exotic_future_state"))
}
