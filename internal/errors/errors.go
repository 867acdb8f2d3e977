// Package errors defines the domain error taxonomy for the license server
// and the RFC 7807 problem-details responses rendered for each class.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Sentinel domain errors. Handlers and services wrap these with context;
// MapError translates them to HTTP problem details.
var (
	ErrInvalidKeyFormat    = errors.New("invalid license key format")
	ErrLicenseNotFound     = errors.New("license not found")
	ErrLicenseNotActive    = errors.New("license not active")
	ErrDeviceLimitReached  = errors.New("activation limit reached")
	ErrActivationNotFound  = errors.New("activation not found")
	ErrNotOwner            = errors.New("license does not belong to this account")
	ErrNoActiveLicense     = errors.New("no active license")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("authentication required")
	ErrWebhookSignature    = errors.New("invalid webhook signature")
	ErrSigningKeyMissing   = errors.New("signing key not configured")
	ErrAlreadyClaimed      = errors.New("event already claimed")
	ErrValidation          = errors.New("request validation failed")
	ErrLicenseNotRenewable = errors.New("license cannot be renewed")
)

// DeviceLimitError carries the seat counts for an activation denied because
// the license is at capacity. errors.Is(err, ErrDeviceLimitReached) matches.
type DeviceLimitError struct {
	Activated int
	Max       int
}

func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("activation limit reached (%d/%d devices)", e.Activated, e.Max)
}

func (e *DeviceLimitError) Is(target error) bool { return target == ErrDeviceLimitReached }

// RetriableError marks a failure caused by a downstream dependency outage.
// Callers seeing one should signal their upstream to redeliver or retry.
type RetriableError struct {
	Op  string
	Err error
}

func (e *RetriableError) Error() string {
	return fmt.Sprintf("%s: %v (retriable)", e.Op, e.Err)
}

func (e *RetriableError) Unwrap() error { return e.Err }

// Retriable wraps err as a retriable infrastructure failure.
func Retriable(op string, err error) error {
	return &RetriableError{Op: op, Err: err}
}

// IsRetriable reports whether err is classified as retriable.
func IsRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface.
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, pd.Status)
	return nil
}

// WriteProblem writes pd with the RFC 7807 media type. Handlers use this
// instead of render.Render, whose JSON responder overrides Content-Type.
func WriteProblem(w http.ResponseWriter, pd *ProblemDetails) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(pd.Status)
	_ = json.NewEncoder(w).Encode(pd)
}

// MarshalJSON flattens extensions into the top-level object.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error.
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details.
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// NewDeviceLimitError builds the 403 returned when a license has no free
// seats, including the counts clients display.
func NewDeviceLimitError(activated, max int, traceID string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusForbidden,
		"/errors/activation-limit-reached",
		"Activation Limit Reached",
		"This license is already active on the maximum number of devices. Deactivate a device to free a seat.",
		fmt.Sprintf("/api/license/activate#%s", traceID),
	).WithExtension("activatedDevices", activated).
		WithExtension("maxDevices", max).
		WithExtension("trace_id", traceID)
}

// MapError translates a domain error into an RFC 7807 response. Responses
// are deliberately terse: they never distinguish "no such key" from other
// invalid-license conditions beyond what the status code already says.
func MapError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-license-format",
			"Invalid License Format",
			"License key must be in format: VOX-XXXXXX-XXXXXX-XXXXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("expected_format", "VOX-XXXXXX-XXXXXX-XXXXXX")

	case errors.Is(err, ErrValidation):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/validation",
			"Validation Error",
			"Request validation failed.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrLicenseNotFound), errors.Is(err, ErrActivationNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/not-found",
			"Not Found",
			"Invalid license.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrLicenseNotRenewable):
		// Renewal of a canceled or revoked license is a bad request, not a
		// permission failure: the resource can never satisfy it.
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/license-not-renewable",
			"License Not Renewable",
			"This license is not active and cannot be renewed.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrLicenseNotActive):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-not-active",
			"License Not Active",
			"This license is no longer active.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrDeviceLimitReached):
		var limit *DeviceLimitError
		if errors.As(err, &limit) {
			return NewDeviceLimitError(limit.Activated, limit.Max, traceID)
		}
		return NewDeviceLimitError(0, 0, traceID)

	case errors.Is(err, ErrNotOwner):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/not-owner",
			"Forbidden",
			"This license does not belong to your account.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrNoActiveLicense):
		return NewProblemDetails(
			http.StatusNotFound,
			"/errors/no-active-license",
			"No Active License",
			"No active license found for this account.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrUnauthorized):
		return NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Authentication Required",
			"A valid session is required for this operation.",
			instance,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Requests",
			"Too many license operations. Please wait before trying again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("retry_after", 900)

	case errors.Is(err, ErrWebhookSignature):
		return NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-signature",
			"Invalid Signature",
			"Webhook signature verification failed.",
			instance,
		).WithExtension("trace_id", traceID)

	case IsRetriable(err):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/temporary-failure",
			"Temporary Failure",
			"A downstream dependency is unavailable. Please retry.",
			instance,
		).WithExtension("trace_id", traceID)

	default:
		// Internal details are logged upstream, never returned.
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID)
	}
}
