package errors

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"keygate/internal/license"
)

const (
	// maxCapturedBody bounds how much of a request body is buffered for
	// forensics. Anything larger flows through untouched.
	maxCapturedBody = 1 << 20
	// maxLoggedBody bounds the body fragment attached to a denial log line.
	maxLoggedBody = 500
)

// ErrorMiddleware records denial forensics. Successful requests pass through
// silently; the access log is StructuredLogger's job. Any response at or
// above 400 gets one log line carrying the sanitized request payload, which
// is what an operator needs when a client disputes an eligibility or
// activation denial.
type ErrorMiddleware struct {
	handler *ErrorHandler
	logger  *slog.Logger
}

// NewErrorMiddleware creates a new error handling middleware
func NewErrorMiddleware(handler *ErrorHandler, logger *slog.Logger) *ErrorMiddleware {
	return &ErrorMiddleware{
		handler: handler,
		logger:  logger.With(slog.String("component", "error_middleware")),
	}
}

// Handler returns the middleware handler function
func (m *ErrorMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		// Buffer the body so a denial can be logged with its payload,
		// then replay it for the real handler.
		var requestBody []byte
		if r.Body != nil && r.ContentLength > 0 && r.ContentLength < maxCapturedBody {
			requestBody, _ = io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(requestBody))
		}

		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				m.handler.HandlePanic(ww, r, rec)
				m.logDenied(r, ww.Status(), requestBody, time.Since(start))
			}
		}()

		next.ServeHTTP(ww, r)

		if ww.Status() >= 400 {
			m.logDenied(r, ww.Status(), requestBody, time.Since(start))
		}
	})
}

func (m *ErrorMiddleware) logDenied(r *http.Request, status int, body []byte, duration time.Duration) {
	level := slog.LevelWarn
	if status >= 500 {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", license.MaskKeyedPath(r.URL.Path)),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", requestTraceID(r.Context())),
	}

	if len(body) > 0 {
		bodyStr := sanitizeRequestBody(string(body))
		if len(bodyStr) > maxLoggedBody {
			bodyStr = bodyStr[:maxLoggedBody] + "..."
		}
		attrs = append(attrs, slog.String("request_body", bodyStr))
	}

	m.logger.LogAttrs(r.Context(), level, "request denied", attrs...)
}

// sanitizeRequestBody strips secrets from a request body before logging.
// License keys keep their masked form so a denial can still be matched to a
// record; everything else sensitive is dropped outright.
func sanitizeRequestBody(body string) string {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		// Not JSON. Refuse to log it rather than guess at its contents.
		return "[unparseable body]"
	}

	for _, field := range []string{"license_key", "licenseKey"} {
		if raw, exists := data[field]; exists {
			if s, ok := raw.(string); ok {
				data[field] = license.MaskKey(license.NormalizeKey(s))
			} else {
				data[field] = "[REDACTED]"
			}
		}
	}

	for _, field := range []string{"password", "token", "secret", "api_key", "apiKey", "content"} {
		if _, exists := data[field]; exists {
			data[field] = "[REDACTED]"
		}
	}

	sanitized, _ := json.Marshal(data)
	return string(sanitized)
}

// RecoveryMiddleware provides panic recovery with proper error responses
func RecoveryMiddleware(handler *ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					handler.HandlePanic(w, r, err)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
