package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goclaw/sagaflow/pkg/api/response"
)

func TestRecovery_Returns500WithoutLeakingPanic(t *testing.T) {
	log, read := fileLogger(t)
	h := RequestID()(Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("db password is hunter2")
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil)
	req.Header.Set(HeaderRequestID, "req-panic")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Errorf("panic value leaked into body: %s", w.Body.String())
	}
	got := errorBody(t, w)
	if got.Code != response.ErrCodeInternalServer || got.RequestID != "req-panic" {
		t.Errorf("error = %+v", got)
	}

	rec := lastRecord(t, read())
	if rec["panic"] != "db password is hunter2" || rec["request_id"] != "req-panic" {
		t.Errorf("log record = %v", rec)
	}
	if stack, _ := rec["stack"].(string); !strings.Contains(stack, "goroutine") {
		t.Error("log record is missing the stack")
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	log, _ := fileLogger(t)
	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	log, _ := fileLogger(t)
	h := Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if p := recover(); p != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", p)
		}
	}()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws/events", nil))
}
