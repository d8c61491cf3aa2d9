package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// Recovery turns a handler panic into a 500. The panic value and stack are
// logged but never sent to the client. http.ErrAbortHandler is re-raised so
// net/http can drop the connection as intended.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if err, ok := p.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(p)
				}

				reqID := GetRequestID(r.Context())
				log.Error("panic in HTTP handler",
					"panic", p,
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", reqID,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError, response.ErrCodeInternalServer,
					"internal server error", reqID)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
