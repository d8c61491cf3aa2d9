// Package handlers provides HTTP request handlers.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/version"
)

const defaultCheckTimeout = 2 * time.Second

// CheckFunc probes one dependency. A nil error means it is usable.
type CheckFunc func(ctx context.Context) error

// HealthOption configures a HealthHandler.
type HealthOption func(*HealthHandler)

// WithReadinessCheck adds a named dependency probe to /ready and /status.
func WithReadinessCheck(name string, check CheckFunc) HealthOption {
	return func(h *HealthHandler) {
		if name != "" && check != nil {
			h.checks[name] = check
		}
	}
}

// WithCheckTimeout bounds each probe.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithStreamStats adds the event stream connection count to /status.
func WithStreamStats(ws *WebSocketHandler) HealthOption {
	return func(h *HealthHandler) { h.stream = ws }
}

// HealthHandler serves the liveness, readiness and status probes.
type HealthHandler struct {
	engine  *engine.Engine
	checks  map[string]CheckFunc
	timeout time.Duration
	stream  *WebSocketHandler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(eng *engine.Engine, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		engine:  eng,
		checks:  make(map[string]CheckFunc),
		timeout: defaultCheckTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Health is the liveness probe: it only fails once the engine is destroyed.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.engine.IsHealthy() {
		response.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the engine is started and every dependency probe
// passes.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	results, ok := h.runChecks(r.Context())
	ready := h.engine.IsReady() && ok
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, status, map[string]any{
		"ready":  ready,
		"checks": results,
	})
}

// Status returns build metadata, probe results and execution counters.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	results, _ := h.runChecks(r.Context())
	body := map[string]any{
		"version":    version.Get(),
		"healthy":    h.engine.IsHealthy(),
		"ready":      h.engine.IsReady(),
		"checks":     results,
		"executions": h.engine.GetExecutionStatistics(),
	}
	if h.stream != nil {
		body["stream_connections"] = h.stream.Connections()
	}
	response.JSON(w, http.StatusOK, body)
}

// runChecks probes every dependency concurrently. Results are sorted by name.
func (h *HealthHandler) runChecks(ctx context.Context) ([]CheckResult, bool) {
	if len(h.checks) == 0 {
		return []CheckResult{}, true
	}

	var (
		mu      sync.Mutex
		results = make([]CheckResult, 0, len(h.checks))
		g       errgroup.Group
	)
	for name, check := range h.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := check(cctx)
			res := CheckResult{Name: name, OK: err == nil, Duration: time.Since(start).String()}
			if err != nil {
				res.Error = err.Error()
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	ok := true
	for _, res := range results {
		ok = ok && res.OK
	}
	return results, ok
}
