package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "voxlicense/internal/errors"
)

// WebhookSignatureHeader carries the payment provider's delivery signature.
const WebhookSignatureHeader = "X-Vox-Signature"

// SignWebhookPayload produces the signature header value for a delivery:
//
//	t=<unix-seconds>,v1=<hex hmac-sha256(secret, "<t>.<body>")>
//
// The timestamp inside the signed message is what makes replayed captures
// expire.
func SignWebhookPayload(secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifyWebhookSignature checks a delivery's signature header against the
// shared secret. The comparison is constant time and deliveries older than
// tolerance are rejected even with a valid MAC.
func VerifyWebhookSignature(secret string, body []byte, header string, tolerance time.Duration, now time.Time) error {
	ts, sig, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	at := time.Unix(ts, 0)
	if drift := now.Sub(at); drift > tolerance || drift < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", apperrors.ErrWebhookSignature)
	}

	expected := SignWebhookPayload(secret, body, at)
	_, expectedSig, _ := parseSignatureHeader(expected)
	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return fmt.Errorf("%w: mac mismatch", apperrors.ErrWebhookSignature)
	}
	return nil
}

func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("%w: malformed timestamp", apperrors.ErrWebhookSignature)
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", fmt.Errorf("%w: missing signature elements", apperrors.ErrWebhookSignature)
	}
	return ts, sig, nil
}
