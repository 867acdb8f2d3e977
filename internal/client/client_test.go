package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxlicense/internal/config"
	"voxlicense/internal/signing"
	"voxlicense/pkg/contracts/domain"
)

// fastPolicy keeps the network decision logic but drops the waits so tests
// run in milliseconds.
func fastPolicy() RetryPolicy {
	p := NetworkPolicy()
	p.Delay = func(int) time.Duration { return 0 }
	return p
}

func TestNetworkPolicyDecisions(t *testing.T) {
	p := NetworkPolicy()

	assert.True(t, p.ShouldRetry(&StatusError{Code: 500}))
	assert.True(t, p.ShouldRetry(&StatusError{Code: 503}))
	assert.False(t, p.ShouldRetry(&StatusError{Code: 400}))
	assert.False(t, p.ShouldRetry(&StatusError{Code: 404}))
	assert.False(t, p.ShouldRetry(&StatusError{Code: 429}))
	assert.True(t, p.ShouldRetry(syscall.ECONNREFUSED))

	assert.Equal(t, 1*time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 3, p.MaxRetries)
}

func TestProcessPolicyFixedDelay(t *testing.T) {
	p := ProcessPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 500*time.Millisecond, p.Delay(1))
	assert.True(t, p.ShouldRetry(errors.New("exit status 1")))
}

func TestFileIOPolicyLinearDelay(t *testing.T) {
	p := FileIOPolicy()
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(1))
	assert.Equal(t, 600*time.Millisecond, p.Delay(2))
	assert.True(t, p.ShouldRetry(os.ErrPermission))
	assert.True(t, p.ShouldRetry(syscall.EBUSY))
	assert.False(t, p.ShouldRetry(errors.New("corrupt file")))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	err := Do(context.Background(), nil, fastPolicy(), func(context.Context) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return &StatusError{Code: 503}
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	err := Do(context.Background(), nil, fastPolicy(), func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return &StatusError{Code: 500}
	})
	require.Error(t, err)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 500, status.Code)
	assert.EqualValues(t, 4, attempts, "initial attempt plus three retries")
}

func TestDoNeverRetriesClientErrors(t *testing.T) {
	var attempts int32
	err := Do(context.Background(), nil, fastPolicy(), func(context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return &StatusError{Code: 404}
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, attempts)
}

func TestDoAbortsBackoffOnCancel(t *testing.T) {
	policy := NetworkPolicy() // real one-second first delay
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, nil, policy, func(context.Context) error {
			return &StatusError{Code: 503}
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("backoff wait did not abort on cancellation")
	}
}

func testKeys(t *testing.T) (*signing.Signer, string) {
	t.Helper()
	priv, pub, err := signing.GenerateKeypair()
	require.NoError(t, err)
	signer, err := signing.NewSigner(config.SigningConfig{
		PrivateKeyB64: priv,
		PublicKeyB64:  pub,
		KeyVersion:    1,
	})
	require.NoError(t, err)
	return signer, pub
}

func newTestClient(t *testing.T, serverURL, pubKey string) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:      serverURL,
		PublicKey:    pubKey,
		SessionToken: "session-token",
		Credentials:  &FileCredentialStore{Path: filepath.Join(t.TempDir(), "license.dat")},
	})
	require.NoError(t, err)
	c.policy = fastPolicy()
	return c
}

func TestActivateRetriesServerFaults(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"license":{"type":"LIFETIME"},"activatedDevices":1,"maxDevices":3}`))
	}))
	defer srv.Close()

	_, pub := testKeys(t)
	c := newTestClient(t, srv.URL, pub)

	resp, err := c.Activate(context.Background(), "VOX-AAAAAA-BBBBBB-CCCCCC", "machine-aaa111", "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.EqualValues(t, 4, hits, "three failures then success")
}

func TestActivateDoesNotRetryNotFound(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, pub := testKeys(t)
	c := newTestClient(t, srv.URL, pub)

	_, err := c.Activate(context.Background(), "VOX-AAAAAA-BBBBBB-CCCCCC", "machine-aaa111", "")
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.Code)
	assert.EqualValues(t, 1, hits)
}

func TestActivateGivesUpOnPersistentOutage(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, pub := testKeys(t)
	c := newTestClient(t, srv.URL, pub)

	_, err := c.Activate(context.Background(), "VOX-AAAAAA-BBBBBB-CCCCCC", "machine-aaa111", "")
	require.Error(t, err)
	assert.EqualValues(t, 4, hits)
}

func TestIssueGrantVerifiesAndStores(t *testing.T) {
	signer, pub := testKeys(t)
	signed, err := signer.SignGrant(domain.GrantPayload{
		LicenseID:         "lic-1",
		UserID:            "user-1",
		ProductID:         "voxlicense-desktop",
		Plan:              "LIFETIME",
		DeviceFingerprint: "a1b2c3d4e5f60718293a4b5c6d7e8f90",
		SeatLimit:         3,
		IssuedAt:          time.Now().UTC(),
		ExpiresAt:         time.Now().UTC().AddDate(10, 0, 0),
		GraceDays:         14,
		KeyVersion:        1,
		Version:           1,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		resp := `{"signedLicense":"` + signed + `","licenseKey":"VOX-AAAAAA-BBBBBB-CCCCCC","type":"LIFETIME","expiresAt":"2036-01-01T00:00:00Z"}`
		_, _ = w.Write([]byte(resp))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, pub)

	grant, err := c.IssueGrant(context.Background(), "a1b2c3d4e5f60718293a4b5c6d7e8f90")
	require.NoError(t, err)
	assert.Equal(t, "lic-1", grant.LicenseID)

	stored, err := c.StoredGrant()
	require.NoError(t, err)
	assert.Equal(t, grant.LicenseID, stored.LicenseID)

	require.NoError(t, c.ClearGrant())
	_, err = c.StoredGrant()
	assert.ErrorIs(t, err, ErrNoStoredGrant)
}

func TestIssueGrantRejectsWrongKey(t *testing.T) {
	// Server signs with one keypair, client pins another.
	signer, _ := testKeys(t)
	_, otherPub := testKeys(t)

	signed, err := signer.SignGrant(domain.GrantPayload{LicenseID: "lic-1", KeyVersion: 1, Version: 1})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"signedLicense":"` + signed + `"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, otherPub)

	_, err = c.IssueGrant(context.Background(), "a1b2c3d4e5f60718293a4b5c6d7e8f90")
	require.Error(t, err)

	_, err = c.StoredGrant()
	assert.ErrorIs(t, err, ErrNoStoredGrant, "unverifiable grant is never persisted")
}

func TestRevocationCheckAgainstCachedCRL(t *testing.T) {
	signer, pub := testKeys(t)
	signedCRL, err := signer.SignCRL(domain.CRLPayload{
		Version:           7,
		UpdatedAt:         time.Now().UTC(),
		RevokedLicenseIDs: []string{"lic-revoked"},
		KeyVersion:        1,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"crl":"` + signedCRL + `","count":1}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, pub)

	// No cached list yet: grants pass.
	require.NoError(t, c.CheckRevocation(&domain.GrantPayload{LicenseID: "lic-revoked"}))

	payload, err := c.RefreshCRL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, payload.Version)

	assert.ErrorIs(t, c.CheckRevocation(&domain.GrantPayload{LicenseID: "lic-revoked"}), ErrGrantRevoked)
	assert.NoError(t, c.CheckRevocation(&domain.GrantPayload{LicenseID: "lic-fine"}))
}

func TestFileCredentialStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "license.dat")
	store := &FileCredentialStore{Path: path}

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoStoredGrant)

	require.NoError(t, store.Save("payload.sig"))
	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "payload.sig", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear(), "clearing twice is fine")
}
