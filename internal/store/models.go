package store

import (
	"time"

	"voxlicense/pkg/contracts/domain"
)

// License is the persisted license record. LicenseKey is stored in canonical
// VOX-XXXXXX-XXXXXX-XXXXXX form and is unique across the table.
type License struct {
	ID         string               `gorm:"type:varchar(36);primaryKey" json:"id"`
	LicenseKey string               `gorm:"type:varchar(32);not null;uniqueIndex" json:"license_key"`
	UserID     string               `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Type       domain.LicenseType   `gorm:"type:varchar(16);not null" json:"type"`
	Status     domain.LicenseStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	MaxDevices int                  `gorm:"not null;default:3" json:"max_devices"`
	ExpiresAt  *time.Time           `json:"expires_at,omitempty"`

	// Payment-provider references used by the webhook ingestor to find the
	// license a billing event belongs to.
	CustomerID     string `gorm:"type:varchar(64);index" json:"customer_id"`
	SubscriptionID string `gorm:"type:varchar(64);index" json:"subscription_id"`
	PaymentID      string `gorm:"type:varchar(64);index" json:"payment_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Activations []LicenseActivation `gorm:"foreignKey:LicenseID" json:"activations,omitempty"`
}

// LicenseActivation binds a license to one device. The composite unique
// index on (license_id, machine_id) is what makes concurrent activations of
// the same device collapse into a single row.
type LicenseActivation struct {
	ID              uint                    `gorm:"primaryKey" json:"id"`
	LicenseID       string                  `gorm:"type:varchar(36);not null;index:ux_activation_license_machine,unique,priority:1" json:"license_id"`
	MachineID       string                  `gorm:"type:varchar(128);not null;index:ux_activation_license_machine,unique,priority:2" json:"machine_id"`
	MachineLabel    string                  `gorm:"type:varchar(100)" json:"machine_label"`
	Status          domain.ActivationStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"status"`
	ActivatedAt     time.Time               `gorm:"autoCreateTime" json:"activated_at"`
	LastValidatedAt time.Time               `json:"last_validated_at"`
	DeactivatedAt   *time.Time              `json:"deactivated_at,omitempty"`
}

// LicenseEvent is an append-only audit trail entry. Rows are never updated
// or deleted.
type LicenseEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	LicenseID string    `gorm:"type:varchar(36);not null;index" json:"license_id"`
	EventType string    `gorm:"type:varchar(64);not null" json:"event_type"`
	Metadata  string    `gorm:"type:text" json:"metadata"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// WebhookEvent is the idempotency ledger for payment-provider deliveries.
// The unique EventID makes the first insert win; every later delivery of
// the same event sees a conflict and is served from this record.
type WebhookEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// Audit event types recorded in LicenseEvent.
const (
	EventActivated    = "device.activated"
	EventReactivated  = "device.reactivated"
	EventValidated    = "device.validated"
	EventDeactivated  = "device.deactivated"
	EventIssued       = "grant.issued"
	EventRenewed      = "grant.renewed"
	EventCreated      = "license.created"
	EventKeyDelivered = "license_key_delivered"
	EventStatusChange = "license.status_changed"
	EventRevoked      = "license.revoked"
)
