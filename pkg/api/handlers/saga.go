package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// SagaHandler handles saga API endpoints.
type SagaHandler struct {
	engine       *engine.Engine
	store        storage.Store
	registry     *saga.Registry
	errors       *errorhandler.Handler
	compensation *compensation.Manager
	logger       logger.Logger
	validator    *validator.Validate
}

// SagaHandlerOption configures optional collaborators of a SagaHandler.
type SagaHandlerOption func(*SagaHandler)

// WithRegistry enables saga submission by type.
func WithRegistry(r *saga.Registry) SagaHandlerOption {
	return func(h *SagaHandler) { h.registry = r }
}

// WithErrorHandler exposes error history and statistics.
func WithErrorHandler(eh *errorhandler.Handler) SagaHandlerOption {
	return func(h *SagaHandler) { h.errors = eh }
}

// WithCompensationManager adds compensation statistics to /stats.
func WithCompensationManager(m *compensation.Manager) SagaHandlerOption {
	return func(h *SagaHandler) { h.compensation = m }
}

// NewSagaHandler creates a saga handler.
func NewSagaHandler(eng *engine.Engine, store storage.Store, log logger.Logger, opts ...SagaHandlerOption) *SagaHandler {
	if log == nil {
		log = logger.Nop()
	}
	h := &SagaHandler{
		engine:    eng,
		store:     store,
		logger:    log,
		validator: newValidator(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SubmitSaga handles POST /api/v1/sagas.
func (h *SagaHandler) SubmitSaga(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	if h.registry == nil {
		response.Error(w, http.StatusServiceUnavailable, response.ErrCodeServiceUnavailable, "no saga types registered", reqID)
		return
	}

	var req models.SagaSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", reqID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		writeValidationError(w, err, reqID)
		return
	}

	s, err := h.registry.New(req.Type, req.AggregateID)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	done, err := h.engine.Submit(r.Context(), s, req.Input)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	go func() {
		res := <-done
		if !res.Success {
			h.logger.Warn("submitted saga finished unsuccessfully", "saga_id", res.SagaID, "status", res.Status, "error", res.Error)
		}
	}()

	response.JSON(w, http.StatusAccepted, models.SagaSubmitResponse{
		SagaID:      s.ID(),
		Type:        req.Type,
		AggregateID: req.AggregateID,
		Status:      saga.StatusRunning,
		CreatedAt:   time.Now().UTC(),
	})
}

// ListSagas handles GET /api/v1/sagas.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	filter, err := parseFilter(r)
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(), reqID)
		return
	}
	res, err := h.store.Query(r.Context(), filter)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}

	items := make([]models.SagaSummary, 0, len(res.Snapshots))
	for _, snapshot := range res.Snapshots {
		items = append(items, models.SummaryFromSnapshot(snapshot))
	}
	response.JSON(w, http.StatusOK, models.SagaListResponse{
		Items:      items,
		Pagination: res.Pagination,
	})
}

// ListRunning handles GET /api/v1/sagas/running.
func (h *SagaHandler) ListRunning(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.engine.GetRunningSagas())
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetSagaStatistics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, stats)
}

// GetSagaErrors handles GET /api/v1/sagas/{id}/errors.
func (h *SagaHandler) GetSagaErrors(w http.ResponseWriter, r *http.Request) {
	history := []errorhandler.ErrorInfo{}
	if h.errors != nil {
		history = append(history, h.errors.GetSagaErrorHistory(chi.URLParam(r, "id"))...)
	}
	response.JSON(w, http.StatusOK, history)
}

// PauseSaga handles POST /api/v1/sagas/{id}/pause.
func (h *SagaHandler) PauseSaga(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(id, _ string) error { return h.engine.Pause(r.Context(), id) })
}

// ResumeSaga handles POST /api/v1/sagas/{id}/resume.
func (h *SagaHandler) ResumeSaga(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(id, _ string) error { return h.engine.Resume(r.Context(), id) })
}

// CancelSaga handles POST /api/v1/sagas/{id}/cancel.
func (h *SagaHandler) CancelSaga(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(id, reason string) error {
		if reason == "" {
			reason = "cancelled via api"
		}
		return h.engine.Cancel(r.Context(), id, reason)
	})
}

// CompensateSaga handles POST /api/v1/sagas/{id}/compensate.
func (h *SagaHandler) CompensateSaga(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(id, reason string) error {
		if reason == "" {
			reason = "manual compensation requested"
		}
		return h.engine.Compensate(r.Context(), id, reason)
	})
}

func (h *SagaHandler) control(w http.ResponseWriter, r *http.Request, op func(id, reason string) error) {
	reqID := middleware.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	var req models.SagaActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", reqID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		writeValidationError(w, err, reqID)
		return
	}
	if err := op(id, strings.TrimSpace(req.Reason)); err != nil {
		writeSagaError(w, r, err)
		return
	}
	status, err := h.engine.GetSagaStatus(r.Context(), id)
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, models.SagaActionResponse{SagaID: id, Status: status})
}

// RecoverSaga handles POST /api/v1/sagas/{id}/recover. The recovery runs to
// completion before the response is written.
func (h *SagaHandler) RecoverSaga(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.RecoverSaga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSagaError(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// Stats handles GET /api/v1/stats.
func (h *SagaHandler) Stats(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"engine": h.engine.GetExecutionStatistics(),
	}
	if h.errors != nil {
		body["errors"] = h.errors.GetStatistics()
	}
	if h.compensation != nil {
		body["compensation"] = h.compensation.GetStatistics()
	}
	response.JSON(w, http.StatusOK, body)
}

func parseFilter(r *http.Request) (storage.Filter, error) {
	q := r.URL.Query()
	filter := storage.Filter{
		AggregateID: strings.TrimSpace(q.Get("aggregate_id")),
		SagaType:    strings.TrimSpace(q.Get("type")),
		SortBy:      storage.SortField(q.Get("sort_by")),
		SortOrder:   storage.SortOrder(q.Get("sort_order")),
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, saga.SagaStatus(strings.ToUpper(st)))
			}
		}
	}
	var err error
	if filter.Page, err = intParam(q.Get("page")); err != nil {
		return filter, errors.New("invalid page")
	}
	if filter.PageSize, err = intParam(q.Get("page_size")); err != nil {
		return filter, errors.New("invalid page_size")
	}
	for key, dst := range map[string]*time.Time{
		"created_after":  &filter.CreatedAfter,
		"created_before": &filter.CreatedBefore,
	} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filter, errors.New("invalid " + key)
			}
			*dst = t
		}
	}
	return filter.Normalize()
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
