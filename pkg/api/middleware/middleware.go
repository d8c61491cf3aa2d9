// Package middleware holds the HTTP middleware in front of the saga API.
package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// unmatchedRoute labels requests chi could not route, keeping arbitrary
// paths out of metric labels and span names.
const unmatchedRoute = "unmatched"

// wrap records status and size. The chi writer keeps Flusher and Hijacker, so
// the websocket upgrade still works behind it.
func wrap(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	if ww, ok := w.(chimw.WrapResponseWriter); ok {
		return ww
	}
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// statusOf treats a handler that never wrote as an implicit 200.
func statusOf(ww chimw.WrapResponseWriter) int {
	if s := ww.Status(); s != 0 {
		return s
	}
	return http.StatusOK
}

// routeOf returns the matched chi pattern. It is only complete once the
// handler has returned, since subrouters fill it in as they match.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := strings.TrimSpace(rc.RoutePattern()); p != "" && p != "/*" {
			return p
		}
	}
	return unmatchedRoute
}

// sagaIDOf returns the {id} of a matched /sagas/{id} route.
func sagaIDOf(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil || !strings.Contains(rc.RoutePattern(), "/sagas/{id}") {
		return ""
	}
	return rc.URLParam("id")
}
