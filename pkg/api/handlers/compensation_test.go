package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
	"github.com/goclaw/sagaflow/pkg/storage/memory"
)

func newCompensationRouter(t *testing.T) (chi.Router, storage.Store) {
	t.Helper()
	store := memory.NewStore()
	reg := saga.NewRegistry()
	reg.MustRegister("order", func(aggregateID string) (saga.Saga, error) {
		return saga.New(saga.Config{Name: "order"}, aggregateID, func() ([]*saga.Step, error) {
			return []*saga.Step{
				saga.NewStep("reserve", noop, noop),
				saga.NewStep("charge", noop, noop),
			}, nil
		})
	})

	cfg := compensation.DefaultConfig()
	cfg.Strategy = compensation.StrategyManual
	m, err := compensation.NewManager(cfg, store, reg)
	require.NoError(t, err)

	h := NewCompensationHandler(m)
	r := chi.NewRouter()
	r.Post("/compensations", h.CreateTask)
	r.Get("/compensations", h.ListTasks)
	r.Get("/compensations/{id}", h.GetTask)
	r.Post("/compensations/{id}/execute", h.ExecuteTask)
	r.Post("/compensations/{id}/cancel", h.CancelTask)
	return r, store
}

func seedFailedOrder(t *testing.T, store storage.Store, sagaID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Save(context.Background(), &saga.SagaStateSnapshot{
		SagaID:      sagaID,
		AggregateID: "order-1",
		SagaType:    "order",
		Status:      saga.StatusFailed,
		Context:     saga.SagaContext{AggregateID: "order-1", CurrentStepIndex: 1, Error: "charge declined"},
		StepStates: []saga.StepState{
			{Name: "reserve", Executed: true},
			{Name: "charge"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCompensationHandler_CreateAndExecute(t *testing.T) {
	r, store := newCompensationRouter(t)
	seedFailedOrder(t, store, "saga-1")

	w := serve(r, http.MethodPost, "/compensations", `{"saga_id":"saga-1","aggregate_id":"order-1","reason":"charge declined","priority":5}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var task compensation.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, compensation.TaskPending, task.Status)
	assert.Equal(t, 5, task.Priority)

	w = serve(r, http.MethodGet, "/compensations?status=pending", "")
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []compensation.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, task.ID, tasks[0].ID)

	w = serve(r, http.MethodPost, "/compensations/"+task.ID+"/execute", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res compensation.ExecutionResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, compensation.TaskCompleted, res.Status)
	assert.Equal(t, 1, res.CompensatedSteps)

	snap, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, snap.Status)

	w = serve(r, http.MethodPost, "/compensations/"+task.ID+"/execute", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(r, http.MethodGet, "/compensations/"+task.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, compensation.TaskCompleted, task.Status)
}

func TestCompensationHandler_Cancel(t *testing.T) {
	r, store := newCompensationRouter(t)
	seedFailedOrder(t, store, "saga-2")

	w := serve(r, http.MethodPost, "/compensations", `{"saga_id":"saga-2"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var task compensation.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))

	w = serve(r, http.MethodPost, "/compensations/"+task.ID+"/cancel", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, compensation.TaskCancelled, task.Status)

	w = serve(r, http.MethodPost, "/compensations/"+task.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCompensationHandler_Errors(t *testing.T) {
	r, _ := newCompensationRouter(t)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"malformed body", http.MethodPost, "/compensations", "{", http.StatusBadRequest},
		{"missing saga id", http.MethodPost, "/compensations", `{"reason":"x"}`, http.StatusBadRequest},
		{"priority out of range", http.MethodPost, "/compensations", `{"saga_id":"s","priority":500}`, http.StatusBadRequest},
		{"unknown task", http.MethodGet, "/compensations/nope", "", http.StatusNotFound},
		{"execute unknown", http.MethodPost, "/compensations/nope/execute", "", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/compensations/nope/cancel", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := serve(r, http.MethodGet, "/compensations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
