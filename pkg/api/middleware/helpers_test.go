package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
)

// sagaRouter mounts h at the same shapes the API uses so route patterns and
// URL params are resolved the way they are in production.
func sagaRouter(mw func(http.Handler) http.Handler, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(mw)
	r.Route("/api/v1/sagas", func(r chi.Router) {
		r.Get("/", h)
		r.Post("/", h)
		r.Get("/{id}", h)
		r.Post("/{id}/cancel", h)
	})
	return r
}

func fileLogger(t *testing.T) (logger.Logger, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http.log")
	log := logger.New(&logger.Config{Level: logger.DebugLevel, Format: "json", Output: path})
	t.Cleanup(func() { _ = log.Close() })
	return log, func() string {
		out, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading log: %v", err)
		}
		return string(out)
	}
}

// lastRecord decodes the final JSON log line.
func lastRecord(t *testing.T, out string) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("decoding %q: %v", lines[len(lines)-1], err)
	}
	return rec
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) response.ErrorDetail {
	t.Helper()
	var body response.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return body.Error
}
