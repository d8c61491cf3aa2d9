package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/api/events"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/metrics"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage/memory"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.CORS.Enabled = false
	return cfg
}

func noopStep(context.Context, *saga.SagaContext) error { return nil }

func testRegistry() *saga.Registry {
	reg := saga.NewRegistry()
	reg.MustRegister("order", func(aggregateID string) (saga.Saga, error) {
		return saga.New(saga.Config{Name: "order"}, aggregateID, func() ([]*saga.Step, error) {
			return []*saga.Step{
				saga.NewStep("reserve", noopStep, noopStep),
				saga.NewStep("charge", noopStep, noopStep),
				saga.NewStep("ship", noopStep, nil),
			}, nil
		})
	})
	return reg
}

// createTestHandlers creates handlers backed by a started engine.
func createTestHandlers(t *testing.T, opts ...engine.Option) *Handlers {
	t.Helper()
	store := memory.NewStore()
	reg := testRegistry()

	cfg := engine.DefaultConfig()
	cfg.StateSaveInterval = 0
	cfg.Cleanup.Enabled = false
	eng, err := engine.New(cfg, store, append([]engine.Option{engine.WithRegistry(reg)}, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(eng.Destroy)

	compCfg := compensation.DefaultConfig()
	compCfg.Strategy = compensation.StrategyManual
	comp, err := compensation.NewManager(compCfg, store, reg)
	if err != nil {
		t.Fatalf("Failed to create compensation manager: %v", err)
	}

	return &Handlers{
		Saga:         handlers.NewSagaHandler(eng, store, logger.Nop(), handlers.WithRegistry(reg), handlers.WithCompensationManager(comp)),
		Compensation: handlers.NewCompensationHandler(comp),
		Health:       handlers.NewHealthHandler(eng),
	}
}

func routesOf(t *testing.T, r chi.Router) []string {
	t.Helper()
	var routes []string
	err := chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes = append(routes, method+" "+strings.TrimSuffix(route, "/"))
		return nil
	})
	if err != nil {
		t.Fatalf("chi.Walk() error = %v", err)
	}
	sort.Strings(routes)
	return routes
}

func TestNewRouter(t *testing.T) {
	router := NewRouter(testConfig(), logger.Nop(), &Handlers{})
	if router == nil {
		t.Fatal("NewRouter returned nil")
	}
	if routes := routesOf(t, router); len(routes) != 0 {
		t.Errorf("expected no routes without handlers, got %v", routes)
	}
}

func TestRouter_RegistersRoutes(t *testing.T) {
	h := createTestHandlers(t)
	router := NewRouter(testConfig(), logger.Nop(), h)

	want := []string{
		"GET /api/v1/stats",
		"POST /api/v1/sagas",
		"GET /api/v1/sagas",
		"GET /api/v1/sagas/running",
		"GET /api/v1/sagas/{id}",
		"GET /api/v1/sagas/{id}/errors",
		"POST /api/v1/sagas/{id}/pause",
		"POST /api/v1/sagas/{id}/resume",
		"POST /api/v1/sagas/{id}/cancel",
		"POST /api/v1/sagas/{id}/compensate",
		"POST /api/v1/sagas/{id}/recover",
		"POST /api/v1/compensations",
		"GET /api/v1/compensations",
		"GET /api/v1/compensations/{id}",
		"POST /api/v1/compensations/{id}/execute",
		"POST /api/v1/compensations/{id}/cancel",
		"GET /health",
		"GET /ready",
		"GET /status",
	}
	got := map[string]bool{}
	for _, r := range routesOf(t, router) {
		got[r] = true
	}
	for _, route := range want {
		if !got[route] {
			t.Errorf("route %q not registered", route)
		}
	}
	if got["GET /ws/events"] {
		t.Error("websocket route registered without a handler")
	}
}

func TestRouter_HealthEndpoints(t *testing.T) {
	router := NewRouter(testConfig(), logger.Nop(), createTestHandlers(t))

	for _, path := range []string{"/health", "/ready", "/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID header", path)
		}
	}
}

func TestRouter_NotFound(t *testing.T) {
	router := NewRouter(testConfig(), logger.Nop(), createTestHandlers(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/sagas/abc", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}

func TestRouter_WebSocketRoute(t *testing.T) {
	h := createTestHandlers(t)
	h.WebSocket = handlers.NewWebSocketHandler(events.NewBroadcaster(), logger.Nop(), handlers.WebSocketConfig{MaxConnections: 1})
	t.Cleanup(h.WebSocket.Close)

	cfg := testConfig()
	routes := routesOf(t, NewRouter(cfg, logger.Nop(), h))
	found := false
	for _, r := range routes {
		if r == "GET /ws/events" {
			found = true
		}
	}
	if !found {
		t.Error("websocket route not registered")
	}

	cfg.Server.WebSocket.Enabled = false
	for _, r := range routesOf(t, NewRouter(cfg, logger.Nop(), h)) {
		if r == "GET /ws/events" {
			t.Error("websocket route registered while disabled")
		}
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	m := metrics.NewManager(metrics.DefaultConfig())
	h := createTestHandlers(t)
	h.Metrics = m
	h.MetricsHandler = m.Handler()
	router := NewRouter(testConfig(), logger.Nop(), h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "http_requests_total") {
		t.Error("exposition does not contain http_requests_total")
	}
	if !strings.Contains(string(body), `"/api/v1/stats"`) {
		t.Error("request was not labelled by its route")
	}

	cfg := testConfig()
	cfg.Metrics.Enabled = false
	router = NewRouter(cfg, logger.Nop(), h)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics disabled, got %d", w.Code)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORS.Enabled = true
	router := NewRouter(cfg, logger.Nop(), createTestHandlers(t))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sagas", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin header")
	}
}

func TestRouter_SubmitRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.HTTP.SubmitRate = 0.01
	cfg.Server.HTTP.SubmitBurst = 1
	router := NewRouter(cfg, logger.Nop(), createTestHandlers(t))

	submit := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas",
			strings.NewReader(`{"type":"order","aggregate_id":"o-1"}`))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	if code := submit(); code != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", code)
	}
	if code := submit(); code != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", code)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sagas", nil))
	if w.Code != http.StatusOK {
		t.Errorf("listing is not rate limited, got %d", w.Code)
	}
}
