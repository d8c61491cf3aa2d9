package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goclaw/sagaflow/pkg/api/response"
)

func TestSubmitLimiter_PerClientBuckets(t *testing.T) {
	l := NewSubmitLimiter(1, 2)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst was denied", i)
		}
	}
	ok, wait := l.Allow("10.0.0.1")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("third request: ok=%v wait=%v, want denied with wait <= 1s", ok, wait)
	}
	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Error("another client shares the first client's bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Error("bucket did not refill")
	}
}

func TestSubmitLimiter_DeniedRequestsDoNotConsumeTokens(t *testing.T) {
	l := NewSubmitLimiter(1, 1)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("c")
	for i := 0; i < 5; i++ {
		l.Allow("c")
	}
	now = now.Add(time.Second)
	if ok, _ := l.Allow("c"); !ok {
		t.Error("denied requests pushed the refill further out")
	}
}

func TestSubmitLimiter_PrunesIdleClients(t *testing.T) {
	l := NewSubmitLimiter(10, 10)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if l.Clients() != 2 {
		t.Fatalf("clients = %d, want 2", l.Clients())
	}

	now = now.Add(2 * pruneEvery)
	l.Allow("c")
	if l.Clients() != 1 {
		t.Errorf("clients after prune = %d, want 1", l.Clients())
	}
}

func TestSubmitLimiter_Middleware(t *testing.T) {
	l := NewSubmitLimiter(0.5, 1)
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	post := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sagas", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	if w := post("192.0.2.7:5000"); w.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", w.Code)
	}
	w := post("192.0.2.7:5001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second submit status = %d, want 429 (same IP, different port)", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
	if got := errorBody(t, w); got.Code != response.ErrCodeRateLimited {
		t.Errorf("code = %s", got.Code)
	}
}
