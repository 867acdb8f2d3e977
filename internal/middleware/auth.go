package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voxlicense/internal/infrastructure"
)

type contextKey string

const userIDKey contextKey = "user-id"

// AdminKeyHeader carries the operator credential for admin endpoints.
const AdminKeyHeader = "X-Admin-Key"

// UserIDFromContext returns the authenticated user, or empty when the
// request did not pass SessionAuth.
func UserIDFromContext(ctx context.Context) string {
	if userID, ok := ctx.Value(userIDKey).(string); ok {
		return userID
	}
	return ""
}

// MintSessionToken produces a bearer token binding userID until expiry:
//
//	<userID>.<expiry-unix>.<hex hmac-sha256(secret, userID|expiry)>
func MintSessionToken(secret, userID string, ttl time.Duration) string {
	expiry := strconv.FormatInt(time.Now().Add(ttl).Unix(), 10)
	return fmt.Sprintf("%s.%s.%s", userID, expiry, sessionMAC(secret, userID, expiry))
}

func sessionMAC(secret, userID, expiry string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	mac.Write([]byte("|"))
	mac.Write([]byte(expiry))
	return hex.EncodeToString(mac.Sum(nil))
}

func verifySessionToken(secret, token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed session token")
	}
	userID, expiryStr, sig := parts[0], parts[1], parts[2]

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", fmt.Errorf("malformed session expiry")
	}
	if time.Now().Unix() > expiry {
		return "", fmt.Errorf("session expired")
	}
	if !hmac.Equal([]byte(sig), []byte(sessionMAC(secret, userID, expiryStr))) {
		return "", fmt.Errorf("session signature mismatch")
	}
	if userID == "" {
		return "", fmt.Errorf("empty session subject")
	}
	return userID, nil
}

// SessionAuth requires a valid bearer session token and injects the user ID
// into the request context.
func SessionAuth(secret string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, ctx, "A valid session is required for this operation.")
				return
			}

			userID, err := verifySessionToken(secret, token)
			if err != nil {
				logger.WarnContext(ctx, "session rejected",
					"reason", err.Error(),
					"path", r.URL.Path,
				)
				writeUnauthorized(w, ctx, "A valid session is required for this operation.")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, userID)))
		})
	}
}

// AdminKeyAuth requires the operator key header. Requests are rejected
// outright when no admin key is configured.
func AdminKeyAuth(adminKey string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			provided := r.Header.Get(AdminKeyHeader)
			if adminKey == "" || provided == "" ||
				!hmac.Equal([]byte(provided), []byte(adminKey)) {
				logger.WarnContext(ctx, "admin request rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				writeUnauthorized(w, ctx, "A valid operator credential is required.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, ctx context.Context, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	traceID := infrastructure.GetTraceID(ctx)
	response := `{"type":"/errors/unauthorized","title":"Authentication Required","status":401,"detail":"` + detail + `","trace_id":"` + traceID + `"}`
	w.Write([]byte(response))
}
