package response

import "net/http"

// Generic error codes.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// Saga and compensation error codes. Clients branch on these rather than on
// the HTTP status, which several of them share.
const (
	ErrCodeSagaNotFound         = "SAGA_NOT_FOUND"
	ErrCodeUnknownSagaType      = "UNKNOWN_SAGA_TYPE"
	ErrCodeSagaNotRunning       = "SAGA_NOT_RUNNING"
	ErrCodeSagaAlreadyRunning   = "SAGA_ALREADY_RUNNING"
	ErrCodeInvalidTransition    = "INVALID_STATE_TRANSITION"
	ErrCodeNotFailed            = "SAGA_NOT_FAILED"
	ErrCodeRecoveryExhausted    = "RECOVERY_EXHAUSTED"
	ErrCodeCompensationStarted  = "COMPENSATION_STARTED"
	ErrCodeConcurrencyLimit     = "CONCURRENCY_LIMIT_REACHED"
	ErrCodeEngineUnavailable    = "ENGINE_UNAVAILABLE"
	ErrCodeTaskNotFound         = "COMPENSATION_TASK_NOT_FOUND"
	ErrCodeTaskStateConflict    = "COMPENSATION_TASK_CONFLICT"
	ErrCodeInvalidSnapshotQuery = "INVALID_SNAPSHOT_QUERY"
)

// CodeForStatus returns the generic code for an HTTP status.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusUnprocessableEntity:
		return ErrCodeValidationFailed
	default:
		return ErrCodeInternalServer
	}
}
