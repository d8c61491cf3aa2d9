package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
	"github.com/goclaw/sagaflow/pkg/storage/memory"
)

// blocker holds a step until released or cancelled.
type blocker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blocker) step(ctx context.Context, _ *saga.SagaContext) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blocker) open() { b.once.Do(func() { close(b.release) }) }

type sagaFixture struct {
	engine  *engine.Engine
	store   storage.Store
	handler *SagaHandler
	router  chi.Router
	blocker *blocker
	flaky   atomic.Int32
}

func noop(context.Context, *saga.SagaContext) error { return nil }

func newSagaFixture(t *testing.T, opts ...SagaHandlerOption) *sagaFixture {
	t.Helper()
	f := &sagaFixture{store: memory.NewStore(), blocker: newBlocker()}
	t.Cleanup(f.blocker.open)

	reg := saga.NewRegistry()
	define := func(name string, steps func() []*saga.Step) {
		reg.MustRegister(name, func(aggregateID string) (saga.Saga, error) {
			return saga.New(saga.Config{Name: name}, aggregateID, func() ([]*saga.Step, error) {
				return steps(), nil
			})
		})
	}
	define("order", func() []*saga.Step {
		return []*saga.Step{
			saga.NewStep("reserve", noop, noop),
			saga.NewStep("charge", noop, noop),
		}
	})
	define("blocking", func() []*saga.Step {
		return []*saga.Step{saga.NewStep("wait", f.blocker.step, noop)}
	})
	define("flaky", func() []*saga.Step {
		return []*saga.Step{
			saga.NewStep("first", noop, nil),
			saga.NewStep("second", func(context.Context, *saga.SagaContext) error {
				if f.flaky.Add(1) == 1 {
					return errors.New("transient downstream failure")
				}
				return nil
			}, nil),
		}
	})

	cfg := engine.DefaultConfig()
	cfg.StateSaveInterval = 0
	cfg.Cleanup.Enabled = false
	eng, err := engine.New(cfg, f.store, engine.WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Destroy)
	f.engine = eng

	f.handler = NewSagaHandler(eng, f.store, nil, append([]SagaHandlerOption{WithRegistry(reg)}, opts...)...)
	r := chi.NewRouter()
	r.Post("/sagas", f.handler.SubmitSaga)
	r.Get("/sagas", f.handler.ListSagas)
	r.Get("/sagas/running", f.handler.ListRunning)
	r.Get("/sagas/{id}", f.handler.GetSaga)
	r.Get("/sagas/{id}/errors", f.handler.GetSagaErrors)
	r.Post("/sagas/{id}/pause", f.handler.PauseSaga)
	r.Post("/sagas/{id}/resume", f.handler.ResumeSaga)
	r.Post("/sagas/{id}/cancel", f.handler.CancelSaga)
	r.Post("/sagas/{id}/compensate", f.handler.CompensateSaga)
	r.Post("/sagas/{id}/recover", f.handler.RecoverSaga)
	r.Get("/stats", f.handler.Stats)
	f.router = r
	return f
}

func (f *sagaFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *sagaFixture) submit(t *testing.T, sagaType, aggregateID string) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/sagas", models.SagaSubmitRequest{Type: sagaType, AggregateID: aggregateID})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp models.SagaSubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SagaID)
	return resp.SagaID
}

func (f *sagaFixture) waitStatus(t *testing.T, id string, want saga.SagaStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		if f.engine.IsRunning(id) {
			return false
		}
		st, err := f.engine.GetSagaStatus(context.Background(), id)
		return err == nil && st == want
	}, 2*time.Second, 10*time.Millisecond)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) response.ErrorDetail {
	t.Helper()
	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func TestSagaHandler_SubmitRunsSaga(t *testing.T) {
	f := newSagaFixture(t)

	id := f.submit(t, "order", "order-1")
	f.waitStatus(t, id, saga.StatusCompleted)

	w := f.do(t, http.MethodGet, "/sagas/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats engine.SagaStatistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "order", stats.SagaType)
	assert.Equal(t, "order-1", stats.AggregateID)
	assert.Equal(t, 2, stats.TotalSteps)
	assert.Equal(t, 2, stats.ExecutedSteps)
	assert.False(t, stats.Running)
}

func TestSagaHandler_SubmitRejectsBadRequests(t *testing.T) {
	f := newSagaFixture(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", "{", http.StatusBadRequest},
		{"missing aggregate", models.SagaSubmitRequest{Type: "order"}, http.StatusBadRequest},
		{"missing type", models.SagaSubmitRequest{AggregateID: "a"}, http.StatusBadRequest},
		{"unknown type", models.SagaSubmitRequest{Type: "refund", AggregateID: "a"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/sagas", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestSagaHandler_SubmitWithoutRegistry(t *testing.T) {
	f := newSagaFixture(t)
	h := NewSagaHandler(f.engine, f.store, nil)

	req := httptest.NewRequest(http.MethodPost, "/sagas", bytes.NewBufferString(`{"type":"order","aggregate_id":"a"}`))
	w := httptest.NewRecorder()
	h.SubmitSaga(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSagaHandler_SubmitAtConcurrencyLimit(t *testing.T) {
	store := memory.NewStore()
	b := newBlocker()
	t.Cleanup(b.open)
	reg := saga.NewRegistry()
	reg.MustRegister("blocking", func(aggregateID string) (saga.Saga, error) {
		return saga.New(saga.Config{Name: "blocking"}, aggregateID, func() ([]*saga.Step, error) {
			return []*saga.Step{saga.NewStep("wait", b.step, nil)}, nil
		})
	})
	cfg := engine.DefaultConfig()
	cfg.MaxConcurrentSagas = 1
	cfg.StateSaveInterval = 0
	cfg.Cleanup.Enabled = false
	eng, err := engine.New(cfg, store, engine.WithRegistry(reg))
	require.NoError(t, err)
	t.Cleanup(eng.Destroy)

	h := NewSagaHandler(eng, store, nil, WithRegistry(reg))
	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sagas", bytes.NewBufferString(`{"type":"blocking","aggregate_id":"a"}`))
		w := httptest.NewRecorder()
		h.SubmitSaga(w, req)
		return w
	}

	require.Equal(t, http.StatusAccepted, post().Code)
	<-b.entered
	w := post()
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, response.ErrCodeConcurrencyLimit, decodeError(t, w).Code)
}

func TestSagaHandler_ListSagas(t *testing.T) {
	f := newSagaFixture(t)

	first := f.submit(t, "order", "order-1")
	f.waitStatus(t, first, saga.StatusCompleted)
	second := f.submit(t, "order", "order-2")
	f.waitStatus(t, second, saga.StatusCompleted)
	failed := f.submit(t, "flaky", "order-3")
	f.waitStatus(t, failed, saga.StatusFailed)

	w := f.do(t, http.MethodGet, "/sagas?status=completed&page_size=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list models.SagaListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)
	assert.Equal(t, 2, list.Pagination.Total)
	assert.Equal(t, 2, list.Pagination.TotalPages)

	w = f.do(t, http.MethodGet, "/sagas?aggregate_id=order-3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, failed, list.Items[0].SagaID)
	assert.Equal(t, saga.StatusFailed, list.Items[0].Status)

	w = f.do(t, http.MethodGet, "/sagas?type=flaky&status=FAILED,COMPLETED", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)
}

func TestSagaHandler_ListSagasRejectsBadFilters(t *testing.T) {
	f := newSagaFixture(t)

	for _, query := range []string{
		"page=abc",
		"page_size=-1",
		"status=sleeping",
		"sort_by=name",
		"sort_order=sideways",
		"created_after=yesterday",
	} {
		t.Run(query, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/sagas?"+query, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestSagaHandler_GetSagaNotFound(t *testing.T) {
	f := newSagaFixture(t)

	w := f.do(t, http.MethodGet, "/sagas/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrCodeNotFound, decodeError(t, w).Code)
}

func TestSagaHandler_PauseResumeCancel(t *testing.T) {
	f := newSagaFixture(t)

	id := f.submit(t, "blocking", "order-9")
	<-f.blocker.entered

	w := f.do(t, http.MethodGet, "/sagas/running", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var running []engine.RunningSaga
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &running))
	require.Len(t, running, 1)
	assert.Equal(t, id, running[0].SagaID)

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var action models.SagaActionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
	assert.Equal(t, saga.StatusPaused, action.Status)

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
	assert.Equal(t, saga.StatusRunning, action.Status)

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/cancel", models.SagaActionRequest{Reason: "customer changed mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
	assert.Equal(t, saga.StatusCancelled, action.Status)

	f.waitStatus(t, id, saga.StatusCancelled)
}

func TestSagaHandler_CompensateRunningSaga(t *testing.T) {
	f := newSagaFixture(t)

	id := f.submit(t, "blocking", "order-10")
	<-f.blocker.entered

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do(t, http.MethodPost, "/sagas/"+id+"/compensate", nil) }()
	// compensation waits for the in-flight step
	require.Eventually(t, func() bool {
		st, err := f.engine.GetSagaStatus(context.Background(), id)
		return err == nil && st == saga.StatusCompensating
	}, 2*time.Second, 5*time.Millisecond)
	f.blocker.open()

	select {
	case w := <-done:
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var action models.SagaActionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &action))
		assert.Equal(t, saga.StatusCompensated, action.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("compensate did not return")
	}
	f.waitStatus(t, id, saga.StatusCompensated)
}

func TestSagaHandler_ControlUnknownSaga(t *testing.T) {
	f := newSagaFixture(t)

	for _, op := range []string{"pause", "resume", "cancel", "compensate"} {
		t.Run(op, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/sagas/ghost/"+op, nil)
			assert.Equal(t, http.StatusConflict, w.Code)
		})
	}

	w := f.do(t, http.MethodPost, "/sagas/ghost/cancel", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSagaHandler_RecoverFailedSaga(t *testing.T) {
	f := newSagaFixture(t)

	id := f.submit(t, "flaky", "order-4")
	f.waitStatus(t, id, saga.StatusFailed)

	w := f.do(t, http.MethodPost, "/sagas/"+id+"/recover", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res engine.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, saga.StatusCompleted, res.Status)

	w = f.do(t, http.MethodPost, "/sagas/"+id+"/recover", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/sagas/missing/recover", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSagaHandler_ErrorsAndStats(t *testing.T) {
	eh, err := errorhandler.New(errorhandler.DefaultConfig())
	require.NoError(t, err)
	f := newSagaFixture(t, WithErrorHandler(eh))

	w := f.do(t, http.MethodGet, "/sagas/unknown/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	id := f.submit(t, "order", "order-5")
	f.waitStatus(t, id, saga.StatusCompleted)

	w = f.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "engine")
	assert.Contains(t, body, "errors")
	assert.NotContains(t, body, "compensation")

	var stats engine.ExecutionStatistics
	require.NoError(t, json.Unmarshal(body["engine"], &stats))
	assert.Equal(t, int64(1), stats.TotalExecutions)
}

func TestWriteSagaError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrSagaNotRunning, http.StatusConflict, response.ErrCodeSagaNotRunning},
		{fmt.Errorf("pause: %w", engine.ErrSagaAlreadyRunning), http.StatusConflict, response.ErrCodeSagaAlreadyRunning},
		{engine.ErrConcurrencyLimitReached, http.StatusServiceUnavailable, response.ErrCodeConcurrencyLimit},
		{engine.ErrSnapshotNotFound, http.StatusNotFound, response.ErrCodeSagaNotFound},
		{compensation.ErrTaskNotFound, http.StatusNotFound, response.ErrCodeTaskNotFound},
		{saga.ErrUnknownSagaType, http.StatusBadRequest, response.ErrCodeUnknownSagaType},
		{storage.ErrInvalidFilter, http.StatusBadRequest, response.ErrCodeInvalidSnapshotQuery},
		{errors.New("boom"), http.StatusInternalServerError, response.ErrCodeInternalServer},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/sagas/{id}", func(w http.ResponseWriter, r *http.Request) { writeSagaError(w, r, tt.err) })
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sagas/s-42", nil))

			assert.Equal(t, tt.status, w.Code)
			detail := decodeError(t, w)
			assert.Equal(t, tt.code, detail.Code)
			assert.Equal(t, "s-42", detail.SagaID)
			assert.Equal(t, tt.err.Error(), detail.Message)
		})
	}
}

func TestWriteValidationError_UsesJSONFieldNames(t *testing.T) {
	err := newValidator().Struct(&models.SagaSubmitRequest{Type: "order"})
	require.Error(t, err)

	w := httptest.NewRecorder()
	writeValidationError(w, err, "req-7")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	detail := decodeError(t, w)
	assert.Equal(t, response.ErrCodeValidationFailed, detail.Code)
	assert.Equal(t, "required", detail.Details["aggregate_id"])
	assert.Equal(t, "req-7", detail.RequestID)
}
