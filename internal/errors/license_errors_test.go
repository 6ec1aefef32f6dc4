package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/license"
	"keygate/internal/store"
)

func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "identity ineligible",
			err:        license.ErrIdentityIneligible,
			wantStatus: http.StatusForbidden,
			wantType:   TypeIdentityIneligible,
			wantCode:   "IDENTITY_INELIGIBLE",
		},
		{
			name:       "identity already consumed",
			err:        license.ErrIdentityAlreadyConsumed,
			wantStatus: http.StatusConflict,
			wantType:   TypeIdentityConsumed,
			wantCode:   "IDENTITY_ALREADY_CONSUMED",
		},
		{
			name:       "record not found",
			err:        license.ErrRecordNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   TypeLicenseNotFound,
			wantCode:   "LICENSE_NOT_FOUND",
		},
		{
			name:       "email mismatch",
			err:        license.ErrEmailMismatch,
			wantStatus: http.StatusForbidden,
			wantType:   TypeEmailMismatch,
			wantCode:   "EMAIL_MISMATCH",
		},
		{
			name:       "machine mismatch",
			err:        license.ErrMachineMismatch,
			wantStatus: http.StatusConflict,
			wantType:   TypeMachineMismatch,
			wantCode:   "MACHINE_MISMATCH",
		},
		{
			name:       "key collision budget exhausted",
			err:        license.ErrKeyCollision,
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantCode:   "KEY_GENERATION_FAILED",
		},
		{
			name:       "store unavailable",
			err:        store.ErrUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   TypeServiceDown,
			wantCode:   "STORE_UNAVAILABLE",
		},
		{
			name:       "wrapped sentinel still maps",
			err:        fmt.Errorf("issue license: %w", license.ErrIdentityAlreadyConsumed),
			wantStatus: http.StatusConflict,
			wantType:   TypeIdentityConsumed,
			wantCode:   "IDENTITY_ALREADY_CONSUMED",
		},
		{
			name:       "unknown error maps to internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapLicenseError(tt.err, "trace-123")

			pd, ok := got.(*ProblemDetails)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, pd.Status)
			assert.Equal(t, tt.wantType, pd.Type)
			assert.Equal(t, tt.wantCode, pd.Extensions["error_code"])
			assert.Equal(t, "trace-123", pd.Extensions["trace_id"])
		})
	}
}

func TestMapLicenseError_APIErrorPassthrough(t *testing.T) {
	apiErr := New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")

	got := MapLicenseError(apiErr, "trace-9")
	pd, ok := got.(*ProblemDetails)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, pd.Status)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", pd.Extensions["error_code"])
}

func TestLicenseProblemStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, LicenseProblemStatus(license.ErrMachineMismatch))
	assert.Equal(t, http.StatusNotFound, LicenseProblemStatus(license.ErrRecordNotFound))
	assert.Equal(t, http.StatusInternalServerError, LicenseProblemStatus(errors.New("boom")))
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	pd := NewProblemDetails(
		http.StatusConflict,
		TypeMachineMismatch,
		"License Bound to Another Machine",
		"This license is already activated on a different machine.",
		"/api/license/activate",
	).WithExtension("trace_id", "abc").
		WithExtension("error_code", "MACHINE_MISMATCH")

	raw, err := json.Marshal(pd)
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))

	assert.Equal(t, TypeMachineMismatch, data["type"])
	assert.Equal(t, float64(http.StatusConflict), data["status"])
	assert.Equal(t, "abc", data["trace_id"], "extensions flatten into the top level")
	assert.Equal(t, "MACHINE_MISMATCH", data["error_code"])
	assert.Equal(t, "/api/license/activate", data["instance"])
}

func TestProblemDetails_MarshalJSON_OmitsEmpty(t *testing.T) {
	pd := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found", "", "")

	raw, err := json.Marshal(pd)
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &data))

	_, hasDetail := data["detail"]
	assert.False(t, hasDetail)
	_, hasInstance := data["instance"]
	assert.False(t, hasInstance)
}
