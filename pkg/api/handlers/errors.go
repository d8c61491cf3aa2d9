package handlers

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/compensation"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// errorRule maps a domain error to a status and code. Rules are checked in
// order and the first match wins.
type errorRule struct {
	match  func(error) bool
	status int
	code   string
}

func is(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func as[T error]() func(error) bool {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

var sagaErrorRules = []errorRule{
	{is(compensation.ErrTaskNotFound), http.StatusNotFound, response.ErrCodeTaskNotFound},
	{storage.IsNotFound, http.StatusNotFound, response.ErrCodeSagaNotFound},
	{is(engine.ErrSnapshotNotFound), http.StatusNotFound, response.ErrCodeSagaNotFound},
	{is(saga.ErrUnknownSagaType), http.StatusBadRequest, response.ErrCodeUnknownSagaType},
	{is(storage.ErrInvalidFilter), http.StatusBadRequest, response.ErrCodeInvalidSnapshotQuery},
	{is(engine.ErrSagaNotRunning), http.StatusConflict, response.ErrCodeSagaNotRunning},
	{is(engine.ErrSagaAlreadyRunning), http.StatusConflict, response.ErrCodeSagaAlreadyRunning},
	{is(engine.ErrNotFailedStatus), http.StatusConflict, response.ErrCodeNotFailed},
	{is(engine.ErrCompensationStarted), http.StatusConflict, response.ErrCodeCompensationStarted},
	{is(engine.ErrRecoveryExhausted), http.StatusConflict, response.ErrCodeRecoveryExhausted},
	{as[*saga.LifecycleError](), http.StatusConflict, response.ErrCodeInvalidTransition},
	{as[*compensation.TaskStateError](), http.StatusConflict, response.ErrCodeTaskStateConflict},
	{is(engine.ErrConcurrencyLimitReached), http.StatusServiceUnavailable, response.ErrCodeConcurrencyLimit},
	{is(engine.ErrEngineDestroyed), http.StatusServiceUnavailable, response.ErrCodeEngineUnavailable},
	{is(engine.ErrNoRegistry), http.StatusServiceUnavailable, response.ErrCodeEngineUnavailable},
}

// writeError maps err through sagaErrorRules. sagaID is echoed in the body
// when the request addressed one saga.
func writeError(w http.ResponseWriter, r *http.Request, err error, sagaID string) {
	detail := response.ErrorDetail{
		Code:      response.ErrCodeInternalServer,
		Message:   err.Error(),
		SagaID:    sagaID,
		RequestID: middleware.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError
	for _, rule := range sagaErrorRules {
		if rule.match(err) {
			status, detail.Code = rule.status, rule.code
			break
		}
	}
	response.Write(w, status, detail)
}

func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, chi.URLParam(r, "id"))
}

// writeValidationError reports each failed field under details, keyed by the
// field's JSON name.
func writeValidationError(w http.ResponseWriter, err error, reqID string) {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		response.Error(w, http.StatusBadRequest, response.ErrCodeValidationFailed, err.Error(), reqID)
		return
	}
	details := make(map[string]any, len(fields))
	for _, fe := range fields {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		details[fe.Field()] = rule
	}
	response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed, "request validation failed", details, reqID)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
