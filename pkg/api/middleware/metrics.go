package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// MetricsRecorder receives one observation per API request.
type MetricsRecorder interface {
	RecordHTTPRequest(method, route, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// contextMetricsRecorder is implemented by recorders that attach the active
// trace to request metrics as an exemplar.
type contextMetricsRecorder interface {
	RecordHTTPRequestWithContext(ctx context.Context, method, route, status string, duration time.Duration)
}

// Metrics records request counts, latency and in-flight requests, labelled by
// chi route pattern so /sagas/{id} is one series regardless of the id. Mount
// it inside Tracing so exemplars can reference the request span.
func Metrics(recorder MetricsRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			ww := wrap(w, r)
			status := http.StatusInternalServerError
			defer func() {
				if ww.Status() != 0 {
					status = ww.Status()
				}
				observe(recorder, r, status, time.Since(start))
			}()

			next.ServeHTTP(ww, r)
			status = statusOf(ww)
		})
	}
}

func observe(recorder MetricsRecorder, r *http.Request, status int, d time.Duration) {
	route, code := routeOf(r), strconv.Itoa(status)
	if cr, ok := recorder.(contextMetricsRecorder); ok {
		cr.RecordHTTPRequestWithContext(r.Context(), r.Method, route, code, d)
		return
	}
	recorder.RecordHTTPRequest(r.Method, route, code, d)
}
