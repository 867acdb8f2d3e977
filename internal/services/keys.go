package services

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	apperrors "voxlicense/internal/errors"
)

// Canonical license key shape: VOX-XXXXXX-XXXXXX-XXXXXX.
var licenseKeyPattern = regexp.MustCompile(`^VOX-[A-Z0-9]{6}-[A-Z0-9]{6}-[A-Z0-9]{6}$`)

// keyCharset excludes nothing; keys are random enough that ambiguity is a
// support concern, not a security one, and normalization uppercases input.
const keyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NormalizeLicenseKey canonicalizes user-supplied key material: surrounding
// whitespace stripped, lowercase folded up. Anything that does not match
// the canonical shape afterwards is rejected.
func NormalizeLicenseKey(raw string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if !licenseKeyPattern.MatchString(key) {
		return "", apperrors.ErrInvalidKeyFormat
	}
	return key, nil
}

// GenerateLicenseKey mints a fresh canonical key from crypto/rand.
func GenerateLicenseKey() (string, error) {
	segment := func() (string, error) {
		var b strings.Builder
		for i := 0; i < 6; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyCharset))))
			if err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b.WriteByte(keyCharset[n.Int64()])
		}
		return b.String(), nil
	}

	parts := make([]string, 3)
	for i := range parts {
		s, err := segment()
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	return "VOX-" + strings.Join(parts, "-"), nil
}
