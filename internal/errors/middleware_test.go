package errors

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/shared/testutil"
)

func TestSanitizeRequestBody(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		redacts []string
		keeps   []string
	}{
		{
			name:    "license key masked not dropped",
			body:    `{"license_key":"K7QX-29MF-AB3D","email":"user@example.com"}`,
			redacts: []string{"K7QX-29MF-AB3D"},
			keeps:   []string{"K7QX-****-AB3D", "user@example.com"},
		},
		{
			name:    "scan content redacted",
			body:    `{"file_name":"invoice.pdf","content":"aGVsbG8gd29ybGQ="}`,
			redacts: []string{"aGVsbG8gd29ybGQ="},
			keeps:   []string{"invoice.pdf"},
		},
		{
			name:    "non-string license key redacted",
			body:    `{"license_key":12345}`,
			redacts: []string{"12345"},
			keeps:   []string{"[REDACTED]"},
		},
		{
			name:    "non-json never logged raw",
			body:    "plain text payload",
			redacts: []string{"plain text payload"},
			keeps:   []string{"[unparseable body]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeRequestBody(tt.body)
			for _, secret := range tt.redacts {
				assert.NotContains(t, got, secret)
			}
			for _, keep := range tt.keeps {
				assert.Contains(t, got, keep)
			}
		})
	}
}

func TestErrorMiddleware_Handler(t *testing.T) {
	t.Run("passes successful requests through silently", func(t *testing.T) {
		logger, capture := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/license/issue", strings.NewReader(`{"user_id":"U1"}`))

		m.Handler(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.JSONEq(t, `{"ok":true}`, w.Body.String())
		assert.Zero(t, capture.Len(), "success responses are not forensics material")
	})

	t.Run("denials get one line with the sanitized payload", func(t *testing.T) {
		logger, capture := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		})

		body := `{"license_key":"K7QX-29MF-AB3D","machine_id":"fp-01"}`
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/license/activate", strings.NewReader(body))

		m.Handler(next).ServeHTTP(w, r)

		testutil.AssertLogged(t, capture, slog.LevelWarn, "request denied")
		warns := capture.ByLevel(slog.LevelWarn)
		require.Len(t, warns, 1)
		logged, _ := warns[0].Attrs["request_body"].(string)
		assert.Contains(t, logged, "K7QX-****-AB3D")
		assert.NotContains(t, logged, "K7QX-29MF-AB3D")
		assert.Contains(t, logged, "fp-01")
	})

	t.Run("key bearing path is masked in the denial line", func(t *testing.T) {
		logger, capture := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/license/status/K7QX-29MF-AB3D", nil)

		m.Handler(next).ServeHTTP(w, r)

		testutil.AssertLogAttr(t, capture, "path", "/api/license/status/K7QX-****-AB3D")
	})

	t.Run("server errors log at error level", func(t *testing.T) {
		logger, capture := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/license/issue", nil)

		m.Handler(next).ServeHTTP(w, r)

		testutil.AssertLogged(t, capture, slog.LevelError, "request denied")
	})

	t.Run("body stays readable downstream", func(t *testing.T) {
		logger, _ := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		var seen string
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			seen = string(raw)
			w.WriteHeader(http.StatusBadRequest)
		})

		body := `{"user_id":"U1","email":"user@example.com"}`
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/license/issue", strings.NewReader(body))

		m.Handler(next).ServeHTTP(w, r)

		assert.JSONEq(t, body, seen, "capture must replay the body for the handler")
	})

	t.Run("recovers panics with a problem response", func(t *testing.T) {
		logger, capture := testutil.NewTestLogger()
		m := NewErrorMiddleware(newTestHandler(), logger)
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})

		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/api/health", nil)

		m.Handler(next).ServeHTTP(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		var data map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
		assert.Equal(t, TypeInternal, data["type"])
		testutil.AssertLogged(t, capture, slog.LevelError, "request denied")
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := newTestHandler()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("unhandled")
	})

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/ws", nil)

	RecoveryMiddleware(handler)(next).ServeHTTP(w, r)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
