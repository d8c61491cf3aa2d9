// Package response writes the JSON bodies returned by the saga API.
package response

import (
	"encoding/json"
	"net/http"
)

const contentTypeJSON = "application/json; charset=utf-8"

// ErrorResponse is the envelope of every non-2xx body.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request. SagaID is set when the request
// addressed a single saga.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	SagaID    string         `json:"saga_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// JSON encodes data before touching w, so a value that cannot be encoded
// turns into a clean 500 instead of a truncated body behind a 2xx header.
func JSON(w http.ResponseWriter, status int, data any) {
	if data == nil {
		w.WriteHeader(status)
		return
	}
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(ErrorResponse{Error: ErrorDetail{
			Code:    ErrCodeInternalServer,
			Message: "failed to encode response",
		}})
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, status int, code, message, requestID string) {
	Write(w, status, ErrorDetail{Code: code, Message: message, RequestID: requestID})
}

// ErrorWithDetails writes an ErrorResponse carrying structured details, such
// as per-field validation failures.
func ErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any, requestID string) {
	Write(w, status, ErrorDetail{Code: code, Message: message, Details: details, RequestID: requestID})
}

// Write sends a prepared ErrorDetail. An empty code is derived from status.
func Write(w http.ResponseWriter, status int, detail ErrorDetail) {
	if detail.Code == "" {
		detail.Code = CodeForStatus(status)
	}
	if detail.Message == "" {
		detail.Message = http.StatusText(status)
	}
	JSON(w, status, ErrorResponse{Error: detail})
}
