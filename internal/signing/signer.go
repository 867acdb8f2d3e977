// Package signing implements the Ed25519 grant and revocation-list signing
// engine. Artifacts are compact two-part tokens:
//
//	base64url(canonicalJSON(payload)) + "." + base64url(signature)
//
// Canonical JSON serializes object keys in sorted order so the same payload
// always produces the same bytes regardless of struct field order.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"voxlicense/internal/config"
	apperrors "voxlicense/internal/errors"
	"voxlicense/pkg/contracts/domain"
)

// Signer holds the active Ed25519 keypair and its version. A server cannot
// start without one; grants signed by an old key remain verifiable as long
// as the client pins that key's public half.
type Signer struct {
	priv       ed25519.PrivateKey
	pub        ed25519.PublicKey
	keyVersion int
}

// NewSigner builds a Signer from base64url-encoded key material. The private
// key is the 32-byte Ed25519 seed.
func NewSigner(cfg config.SigningConfig) (*Signer, error) {
	if cfg.PrivateKeyB64 == "" || cfg.PublicKeyB64 == "" {
		return nil, apperrors.ErrSigningKeyMissing
	}

	seed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cfg.PrivateKeyB64, "="))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be a %d-byte seed, got %d bytes", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)

	pub, err := DecodePublicKey(cfg.PublicKeyB64)
	if err != nil {
		return nil, err
	}
	if !pub.Equal(priv.Public()) {
		return nil, fmt.Errorf("public key does not match private key")
	}

	return &Signer{priv: priv, pub: pub, keyVersion: cfg.KeyVersion}, nil
}

// KeyVersion returns the version stamped into every signed payload.
func (s *Signer) KeyVersion() int { return s.keyVersion }

// PublicKey returns the verifying half of the active keypair.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// SignGrant produces a signed offline license grant.
func (s *Signer) SignGrant(p domain.GrantPayload) (string, error) {
	return s.sign(p)
}

// SignCRL produces a signed revocation list.
func (s *Signer) SignCRL(p domain.CRLPayload) (string, error) {
	return s.sign(p)
}

func (s *Signer) sign(payload any) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sig := ed25519.Sign(s.priv, canonical)
	return base64.RawURLEncoding.EncodeToString(canonical) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifyGrant checks a signed grant against pub and returns the embedded
// payload. Any tampering with either part fails verification.
func VerifyGrant(signed string, pub ed25519.PublicKey) (*domain.GrantPayload, error) {
	raw, err := verify(signed, pub)
	if err != nil {
		return nil, err
	}
	var p domain.GrantPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode grant payload: %w", err)
	}
	return &p, nil
}

// VerifyCRL checks a signed revocation list against pub and returns the
// embedded payload.
func VerifyCRL(signed string, pub ed25519.PublicKey) (*domain.CRLPayload, error) {
	raw, err := verify(signed, pub)
	if err != nil {
		return nil, err
	}
	var p domain.CRLPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode crl payload: %w", err)
	}
	return &p, nil
}

func verify(signed string, pub ed25519.PublicKey) ([]byte, error) {
	part := strings.SplitN(signed, ".", 2)
	if len(part) != 2 {
		return nil, fmt.Errorf("malformed signed artifact: expected payload.signature")
	}
	payload, err := base64.RawURLEncoding.DecodeString(part[0])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(part[1])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, payload, sig) {
		return nil, fmt.Errorf("signature verification failed")
	}
	return payload, nil
}

// DecodePublicKey parses a base64url-encoded Ed25519 public key. Padded
// standard base64 is accepted too, since operators paste keys from a variety
// of tools.
func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimRight(b64, "=")
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode public key: %w", err)
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// GenerateKeypair mints a fresh Ed25519 keypair and returns the base64url
// seed and public key, ready for configuration.
func GenerateKeypair() (privB64, pubB64 string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(priv.Seed()),
		base64.RawURLEncoding.EncodeToString(pub), nil
}

// CanonicalJSON marshals v with object keys in sorted order. It round-trips
// through a map because encoding/json emits map keys sorted, which gives a
// stable byte representation for signing.
func CanonicalJSON(v any) ([]byte, error) {
	first, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(first, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
