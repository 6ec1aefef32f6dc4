package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"keygate/internal/license"
)

// AuditLog provides audit logging middleware for sensitive operations.
// License key material in paths and query strings is masked before it
// reaches the log.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			ww := &auditResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			path := license.MaskKeyedPath(r.URL.Path)

			logger.InfoContext(ctx, "audit log",
				"event_type", "api_access",
				"method", r.Method,
				"path", path,
				"query", sanitizeQuery(r.URL.Query()),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
			)

			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "audit log complete",
				"event_type", "api_response",
				"method", r.Method,
				"path", path,
				"status", ww.statusCode,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// sanitizeQuery masks license keys passed as query parameters. Everything
// else is logged verbatim.
func sanitizeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	masked := make(url.Values, len(q))
	for name, vals := range q {
		for _, v := range vals {
			switch name {
			case "key", "license_key":
				masked.Add(name, license.MaskKey(license.NormalizeKey(v)))
			default:
				masked.Add(name, v)
			}
		}
	}
	return masked.Encode()
}

// auditResponseWriter captures the response status code
type auditResponseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *auditResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
