package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/compensation"
)

// CompensationHandler exposes compensation tasks.
type CompensationHandler struct {
	manager   *compensation.Manager
	validator *validator.Validate
}

// NewCompensationHandler creates a compensation handler.
func NewCompensationHandler(m *compensation.Manager) *CompensationHandler {
	return &CompensationHandler{manager: m, validator: newValidator()}
}

// CreateTask handles POST /api/v1/compensations.
func (h *CompensationHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetRequestID(r.Context())
	var req models.CompensationCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "invalid request body", reqID)
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		writeValidationError(w, err, reqID)
		return
	}
	task, err := h.manager.CreateCompensationTask(r.Context(), req.SagaID, req.AggregateID, req.Reason, req.Priority)
	if err != nil {
		writeError(w, r, err, req.SagaID)
		return
	}
	response.JSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/v1/compensations?status=.
func (h *CompensationHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := compensation.TaskStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	response.JSON(w, http.StatusOK, h.manager.ListTasks(status))
}

// GetTask handles GET /api/v1/compensations/{id}.
func (h *CompensationHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.manager.GetCompensationTask(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	response.JSON(w, http.StatusOK, task)
}

// ExecuteTask handles POST /api/v1/compensations/{id}/execute.
func (h *CompensationHandler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.ExecuteCompensationTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	response.JSON(w, http.StatusOK, res)
}

// CancelTask handles POST /api/v1/compensations/{id}/cancel.
func (h *CompensationHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.CancelCompensationTask(id); err != nil {
		writeError(w, r, err, "")
		return
	}
	h.GetTask(w, r)
}
