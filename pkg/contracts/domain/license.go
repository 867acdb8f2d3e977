// Package domain contains the wire-level contract types shared between the
// license server and the desktop client. These types are the single source of
// truth for every layer of the application.
package domain

import (
	"time"
)

// LicenseType distinguishes one-time purchases from recurring subscriptions.
type LicenseType string

const (
	LicenseTypeLifetime     LicenseType = "LIFETIME"
	LicenseTypeSubscription LicenseType = "SUBSCRIPTION"
)

// LicenseStatus represents the lifecycle state of a license.
type LicenseStatus string

const (
	LicenseStatusActive   LicenseStatus = "ACTIVE"
	LicenseStatusCanceled LicenseStatus = "CANCELED"
	LicenseStatusRevoked  LicenseStatus = "REVOKED"
)

// ActivationStatus represents the state of a device activation.
type ActivationStatus string

const (
	ActivationStatusActive      ActivationStatus = "ACTIVE"
	ActivationStatusDeactivated ActivationStatus = "DEACTIVATED"
)

// ActivateRequest is the payload for POST /api/license/activate.
type ActivateRequest struct {
	LicenseKey   string `json:"licenseKey" validate:"required,min=10"`
	MachineID    string `json:"machineId" validate:"required,min=6,max=128"`
	MachineLabel string `json:"machineLabel,omitempty" validate:"max=100"`
}

// ActivateResponse is returned on successful activation.
type ActivateResponse struct {
	Success          bool        `json:"success"`
	License          LicenseInfo `json:"license"`
	ActivatedDevices int         `json:"activatedDevices"`
	MaxDevices       int         `json:"maxDevices"`
}

// LicenseInfo is the subset of license fields exposed to clients.
type LicenseInfo struct {
	Type      LicenseType `json:"type"`
	ExpiresAt *time.Time  `json:"expiresAt,omitempty"`
}

// ValidateRequest is the payload for POST /api/license/validate.
// MachineID is optional; when present the validation also refreshes the
// device's activation through the same atomic path as activate.
type ValidateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required,min=10"`
	MachineID  string `json:"machineId,omitempty" validate:"omitempty,min=6,max=128"`
}

// ValidateResponse reports license validity without leaking why an invalid
// key is invalid.
type ValidateResponse struct {
	Valid   bool            `json:"valid"`
	Tier    string          `json:"tier"`
	License *ValidatedLicense `json:"license,omitempty"`
}

// ValidatedLicense carries license details for a valid key.
type ValidatedLicense struct {
	Type            LicenseType `json:"type"`
	ExpiresAt       *time.Time  `json:"expiresAt,omitempty"`
	ActivationsUsed int         `json:"activationsUsed"`
	MaxActivations  int         `json:"maxActivations"`
}

// DeactivateRequest is the payload for POST /api/license/deactivate.
type DeactivateRequest struct {
	LicenseID string `json:"licenseId" validate:"required,uuid"`
	MachineID string `json:"machineId" validate:"required,min=6,max=128"`
}

// IssueRequest is the payload for POST /api/license/issue.
type IssueRequest struct {
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,min=16,max=128"`
}

// IssueResponse carries a freshly signed offline-verifiable grant.
type IssueResponse struct {
	SignedLicense string      `json:"signedLicense"`
	LicenseKey    string      `json:"licenseKey"`
	Type          LicenseType `json:"type"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}

// RenewRequest is the payload for POST /api/license/renew.
type RenewRequest struct {
	LicenseID         string `json:"licenseId" validate:"required,uuid"`
	DeviceFingerprint string `json:"deviceFingerprint" validate:"required,min=16,max=128"`
}

// RenewResponse carries the re-signed grant and the (possibly extended) expiry.
type RenewResponse struct {
	SignedLicense string    `json:"signedLicense"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// AdminCreateRequest is the payload for POST /api/admin/licenses, used by
// operators to mint licenses outside the payment flow.
type AdminCreateRequest struct {
	UserID     string      `json:"userId" validate:"required,min=1,max=64"`
	Type       LicenseType `json:"type" validate:"required,oneof=LIFETIME SUBSCRIPTION"`
	MaxDevices int         `json:"maxDevices" validate:"omitempty,min=1,max=100"`
	ExpiresAt  *time.Time  `json:"expiresAt,omitempty"`
}

// AdminCreateResponse returns the freshly minted license key.
type AdminCreateResponse struct {
	LicenseID  string      `json:"licenseId"`
	LicenseKey string      `json:"licenseKey"`
	Type       LicenseType `json:"type"`
	MaxDevices int         `json:"maxDevices"`
	ExpiresAt  *time.Time  `json:"expiresAt,omitempty"`
}

// CRLResponse wraps the signed revocation list for GET /api/license/crl.
type CRLResponse struct {
	CRL   string `json:"crl"`
	Count int    `json:"count"`
}

// GrantPayload is the canonical payload signed into an offline license grant.
// Field order here is not significant; signing uses canonical JSON with
// sorted keys.
type GrantPayload struct {
	LicenseID         string      `json:"license_id"`
	UserID            string      `json:"user_id"`
	ProductID         string      `json:"product_id"`
	Plan              string      `json:"plan"`
	DeviceFingerprint string      `json:"device_fingerprint"`
	SeatLimit         int         `json:"seat_limit"`
	IssuedAt          time.Time   `json:"issued_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
	GraceDays         int         `json:"grace_days"`
	KeyVersion        int         `json:"key_version"`
	Version           int         `json:"version"`
}

// CRLPayload is the canonical payload signed into the revocation list.
type CRLPayload struct {
	Version           int       `json:"version"`
	UpdatedAt         time.Time `json:"updated_at"`
	RevokedLicenseIDs []string  `json:"revoked_license_ids"`
	KeyVersion        int       `json:"key_version"`
}
