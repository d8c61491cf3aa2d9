package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/sagaflow/pkg/logger"
)

// Logger puts a request-scoped logger, tagged with the request id, into the
// context for handlers and logs one line per request when it completes.
// Server errors log at error level and client errors at warn.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log
			if id := GetRequestID(r.Context()); id != "" {
				reqLog = log.With("request_id", id)
			}

			ww := wrap(w, r)
			r = r.WithContext(reqLog.WithContext(r.Context()))
			next.ServeHTTP(ww, r)

			status := statusOf(ww)
			args := []any{
				"method", r.Method,
				"route", routeOf(r),
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			if id := sagaIDOf(r); id != "" {
				args = append(args, "saga_id", id)
			}

			switch {
			case status >= http.StatusInternalServerError:
				reqLog.ErrorContext(r.Context(), "HTTP request", args...)
			case status >= http.StatusBadRequest:
				reqLog.WarnContext(r.Context(), "HTTP request", args...)
			default:
				reqLog.InfoContext(r.Context(), "HTTP request", args...)
			}
		})
	}
}
