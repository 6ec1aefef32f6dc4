package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"

	"keygate/internal/license"
	"keygate/internal/store"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
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

// NewProblemDetails creates a new RFC 7807 compliant error
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

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps lifecycle and store errors to HTTP problem details.
// Every sentinel the issuance and activation flows can surface has a stable
// problem type and error code here, so clients can branch on either.
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	// APIErrors carry their own status and code
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problemType := TypeInternal
		switch apiErr.ErrorCode {
		case "VALIDATION_FAILED", "INVALID_REQUEST", "MISSING_PARAMETER":
			problemType = TypeValidation
		case "NOT_FOUND", "LICENSE_NOT_FOUND":
			problemType = TypeNotFound
		case "SERVICE_UNAVAILABLE":
			problemType = TypeServiceDown
		}
		pd := NewProblemDetails(
			apiErr.StatusCode,
			problemType,
			http.StatusText(apiErr.StatusCode),
			apiErr.Message,
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			pd.WithExtension("details", apiErr.Details)
		}
		return pd
	}

	switch {
	case errors.Is(err, license.ErrIdentityIneligible):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeIdentityIneligible,
			"Identity Not Eligible",
			"This user ID is not eligible for a license. Verify the ID or contact support.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "IDENTITY_INELIGIBLE")

	case errors.Is(err, license.ErrIdentityAlreadyConsumed):
		return NewProblemDetails(
			http.StatusConflict,
			TypeIdentityConsumed,
			"Identity Already Used",
			"A license has already been issued for this user ID. Each ID is good for exactly one license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "IDENTITY_ALREADY_CONSUMED")

	case errors.Is(err, license.ErrRecordNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeLicenseNotFound,
			"License Not Found",
			"No license exists for this key. Check the key for typos.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_NOT_FOUND")

	case errors.Is(err, license.ErrEmailMismatch):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeEmailMismatch,
			"Email Mismatch",
			"The email does not match the one this license was issued to.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "EMAIL_MISMATCH")

	case errors.Is(err, license.ErrMachineMismatch):
		return NewProblemDetails(
			http.StatusConflict,
			TypeMachineMismatch,
			"License Bound to Another Machine",
			"This license is already activated on a different machine. Contact support to transfer it.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "MACHINE_MISMATCH")

	case errors.Is(err, license.ErrKeyCollision):
		// Generation budget exhausted; operational, not a caller fault.
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"License Generation Failed",
			"Could not generate a unique license key. Please try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_GENERATION_FAILED")

	case errors.Is(err, store.ErrUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Store Unavailable",
			"The license store is temporarily unreachable. Please retry.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "STORE_UNAVAILABLE").
			WithExtension("retry_after", 30)

	case errors.Is(err, store.ErrNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeNotFound,
			"Resource Not Found",
			"The requested resource was not found.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NOT_FOUND")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}

// LicenseProblemStatus returns the HTTP status MapLicenseError would assign,
// for callers that only need the code.
func LicenseProblemStatus(err error) int {
	if pd, ok := MapLicenseError(err, "").(*ProblemDetails); ok {
		return pd.Status
	}
	return http.StatusInternalServerError
}
