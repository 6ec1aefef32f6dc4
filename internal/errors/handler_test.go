package errors

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/infrastructure"
	"keygate/internal/license"
)

func newTestHandler() *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	return data
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{
			name:       "context deadline becomes gateway timeout",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
		},
		{
			name:       "api error keeps its status",
			err:        New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License key not found"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeNotFound,
		},
		{
			name:       "lifecycle sentinel maps to its problem",
			err:        license.ErrMachineMismatch,
			wantStatus: http.StatusConflict,
			wantType:   TypeMachineMismatch,
		},
		{
			name:       "unknown error maps to internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler()
			w := httptest.NewRecorder()
			r := httptest.NewRequest("POST", "/api/license/activate", nil)

			h.HandleError(w, r, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			data := decodeProblem(t, w)
			assert.Equal(t, tt.wantType, data["type"])
			_, hasTrace := data["trace_id"]
			assert.True(t, hasTrace)
		})
	}
}

func TestErrorHandler_HandleError_NilIsNoop(t *testing.T) {
	h := newTestHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/health", nil)

	h.HandleError(w, r, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestErrorHandler_HandlePanic(t *testing.T) {
	h := newTestHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/license/issue", nil)

	h.HandlePanic(w, r, "something broke")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	data := decodeProblem(t, w)
	assert.Equal(t, TypeInternal, data["type"])
	_, hasStack := data["stack"]
	assert.False(t, hasStack, "stack traces stay out of responses unless enabled")
}

func TestErrorHandler_HandlePanic_IncludesStackWhenEnabled(t *testing.T) {
	h := NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), true)
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/health", nil)

	h.HandlePanic(w, r, "something broke")

	data := decodeProblem(t, w)
	assert.Contains(t, data, "stack")
	assert.Equal(t, "something broke", data["panic"])
}

func TestErrorHandler_NotFound(t *testing.T) {
	h := newTestHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/nope", nil)

	h.NotFound(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	data := decodeProblem(t, w)
	assert.Equal(t, TypeNotFound, data["type"])
	assert.Equal(t, "/api/nope", data["instance"])
}

func TestErrorHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("DELETE", "/api/license/issue", nil)

	h.MethodNotAllowed(w, r)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	data := decodeProblem(t, w)
	assert.Contains(t, data["detail"], "DELETE")
}

func TestErrorHandler_TraceIDFromRequestContext(t *testing.T) {
	h := newTestHandler()
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/license/activate", nil)
	r = r.WithContext(infrastructure.WithTraceID(r.Context(), "trace-7f3a"))

	h.HandleError(w, r, license.ErrEmailMismatch)

	data := decodeProblem(t, w)
	assert.Equal(t, "trace-7f3a", data["trace_id"])
}
