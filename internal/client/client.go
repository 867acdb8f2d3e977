package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"voxlicense/internal/signing"
	"voxlicense/pkg/contracts/domain"
)

// ErrNoStoredGrant is returned when the credential store holds nothing.
var ErrNoStoredGrant = errors.New("no stored license grant")

// ErrGrantRevoked is returned when a cached grant's license id appears on
// the revocation list. The signature still verifies; the license does not.
var ErrGrantRevoked = errors.New("license grant is revoked")

// CredentialStore persists the signed grant between runs.
type CredentialStore interface {
	Load() (string, error)
	Save(signed string) error
	Clear() error
}

// FileCredentialStore keeps the grant in a single file, owner-readable only.
type FileCredentialStore struct {
	Path string
}

func (f *FileCredentialStore) Load() (string, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoStoredGrant
	}
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	signed := strings.TrimSpace(string(data))
	if signed == "" {
		return "", ErrNoStoredGrant
	}
	return signed, nil
}

func (f *FileCredentialStore) Save(signed string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(f.Path, []byte(signed), 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

func (f *FileCredentialStore) Clear() error {
	err := os.Remove(f.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

// Options configure a Client. HTTPClient and Credentials may be nil for
// defaults; PublicKey is the pinned verification key and is required.
type Options struct {
	BaseURL      string
	PublicKey    string
	HTTPClient   *http.Client
	Credentials  CredentialStore
	SessionToken string
	Logger       *slog.Logger
}

// Client talks to the license server with retries and verifies everything
// it caches against the pinned public key.
type Client struct {
	http    *http.Client
	baseURL string
	pub     ed25519.PublicKey
	creds   CredentialStore
	session string
	logger  *slog.Logger
	policy  RetryPolicy

	mu  sync.RWMutex
	crl *domain.CRLPayload
}

// New builds a Client from options.
func New(opts Options) (*Client, error) {
	pub, err := signing.DecodePublicKey(opts.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("pinned public key: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	creds := opts.Credentials
	if creds == nil {
		creds = &FileCredentialStore{Path: defaultCredentialPath()}
	}
	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		pub:     pub,
		creds:   creds,
		session: opts.SessionToken,
		logger:  logger.With(slog.String("component", "license_client")),
		policy:  NetworkPolicy(),
	}, nil
}

func defaultCredentialPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "voxlicense", "license.dat")
}

// Activate registers this machine against the license key.
func (c *Client) Activate(ctx context.Context, licenseKey, machineID, label string) (*domain.ActivateResponse, error) {
	req := domain.ActivateRequest{LicenseKey: licenseKey, MachineID: machineID, MachineLabel: label}
	var resp domain.ActivateResponse
	if err := c.post(ctx, "/api/license/activate", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Validate checks the key server-side; with a machineID it also refreshes
// this device's activation.
func (c *Client) Validate(ctx context.Context, licenseKey, machineID string) (*domain.ValidateResponse, error) {
	req := domain.ValidateRequest{LicenseKey: licenseKey, MachineID: machineID}
	var resp domain.ValidateResponse
	if err := c.post(ctx, "/api/license/validate", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deactivate frees this machine's seat. Requires a session token.
func (c *Client) Deactivate(ctx context.Context, licenseID, machineID string) error {
	req := domain.DeactivateRequest{LicenseID: licenseID, MachineID: machineID}
	return c.post(ctx, "/api/license/deactivate", req, nil, true)
}

// IssueGrant requests a signed offline grant for this device, verifies it
// against the pinned key, and persists it in the credential store.
func (c *Client) IssueGrant(ctx context.Context, deviceFingerprint string) (*domain.GrantPayload, error) {
	req := domain.IssueRequest{DeviceFingerprint: deviceFingerprint}
	var resp domain.IssueResponse
	if err := c.post(ctx, "/api/license/issue", req, &resp, true); err != nil {
		return nil, err
	}

	grant, err := signing.VerifyGrant(resp.SignedLicense, c.pub)
	if err != nil {
		// A grant that fails pinned-key verification is never stored.
		return nil, fmt.Errorf("issued grant failed verification: %w", err)
	}
	if err := c.creds.Save(resp.SignedLicense); err != nil {
		return nil, err
	}
	return grant, nil
}

// StoredGrant loads and verifies the cached grant offline. The caller still
// owes a CheckRevocation pass before honoring it.
func (c *Client) StoredGrant() (*domain.GrantPayload, error) {
	signed, err := c.creds.Load()
	if err != nil {
		return nil, err
	}
	grant, err := signing.VerifyGrant(signed, c.pub)
	if err != nil {
		return nil, fmt.Errorf("stored grant failed verification: %w", err)
	}
	return grant, nil
}

// ClearGrant drops the cached credential.
func (c *Client) ClearGrant() error {
	return c.creds.Clear()
}

// RefreshCRL fetches the signed revocation list, verifies it, and caches
// the payload for CheckRevocation.
func (c *Client) RefreshCRL(ctx context.Context) (*domain.CRLPayload, error) {
	var resp domain.CRLResponse
	if err := c.get(ctx, "/api/license/crl", &resp, true); err != nil {
		return nil, err
	}
	payload, err := signing.VerifyCRL(resp.CRL, c.pub)
	if err != nil {
		return nil, fmt.Errorf("revocation list failed verification: %w", err)
	}

	c.mu.Lock()
	c.crl = payload
	c.mu.Unlock()
	return payload, nil
}

// CheckRevocation reports whether the grant's license id is on the cached
// revocation list. Returns ErrGrantRevoked on a hit; with no cached list
// the grant passes (the caller controls the refresh schedule).
func (c *Client) CheckRevocation(grant *domain.GrantPayload) error {
	c.mu.RLock()
	crl := c.crl
	c.mu.RUnlock()
	if crl == nil {
		return nil
	}
	for _, id := range crl.RevokedLicenseIDs {
		if id == grant.LicenseID {
			return ErrGrantRevoked
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any, authed bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return Do(ctx, c.logger, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.session)
		}
		return c.roundTrip(req, out)
	})
}

func (c *Client) get(ctx context.Context, path string, out any, authed bool) error {
	return Do(ctx, c.logger, c.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		if authed {
			req.Header.Set("Authorization", "Bearer "+c.session)
		}
		return c.roundTrip(req, out)
	})
}

func (c *Client) roundTrip(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
