package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/sagaflow/pkg/api/events"
	"github.com/goclaw/sagaflow/pkg/api/handlers"
	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/engine"
	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

type integrationEnv struct {
	baseURL string
	wsURL   string
}

// setupIntegrationTest wires engine events through the local bus, the relay
// and the websocket handler, the same way the daemon does.
func setupIntegrationTest(t *testing.T) *integrationEnv {
	t.Helper()
	cfg := testConfig()

	bus := eventbus.NewMemoryBus()
	router := eventbus.NewSagaSchemaRouter()
	publisher, err := eventbus.NewPublisher("test-node", bus, eventbus.DefaultRetryConfig(), eventbus.WithSchemaRouter(router))
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}

	h := createTestHandlers(t, engine.WithEventPublisher(eventbus.NewSink(publisher)))
	broadcaster := events.NewBroadcaster()
	h.WebSocket = handlers.NewWebSocketHandler(broadcaster, logger.Nop(), handlers.WebSocketConfig{MaxConnections: 10})

	relay := events.NewRelay(bus, broadcaster, router, nil)
	server := NewHTTPServer(cfg, logger.Nop(), h, WithEventStream(relay))
	server.runRelay()

	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return &integrationEnv{
		baseURL: ts.URL,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/events",
	}
}

func (env *integrationEnv) submit(t *testing.T, aggregateID string) string {
	t.Helper()
	body, _ := json.Marshal(models.SagaSubmitRequest{
		Type:        "order",
		AggregateID: aggregateID,
		Input:       map[string]any{"amount": 42},
	})
	resp, err := http.Post(env.baseURL+"/api/v1/sagas", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var out models.SagaSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	return out.SagaID
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestIntegration_SagaLifecycle(t *testing.T) {
	env := setupIntegrationTest(t)

	id := env.submit(t, "order-100")

	var stats engine.SagaStatistics
	deadline := time.Now().Add(2 * time.Second)
	for {
		if code := getJSON(t, env.baseURL+"/api/v1/sagas/"+id, &stats); code != http.StatusOK {
			t.Fatalf("get saga status = %d", code)
		}
		if stats.Status == saga.StatusCompleted && !stats.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saga did not complete, status %s", stats.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats.ExecutedSteps != 3 {
		t.Errorf("executed steps = %d, want 3", stats.ExecutedSteps)
	}

	var list models.SagaListResponse
	if code := getJSON(t, env.baseURL+"/api/v1/sagas?aggregate_id=order-100&status=completed", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if len(list.Items) != 1 || list.Items[0].SagaID != id {
		t.Fatalf("list items = %+v", list.Items)
	}

	var body map[string]json.RawMessage
	if code := getJSON(t, env.baseURL+"/api/v1/stats", &body); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	for _, key := range []string{"engine", "compensation"} {
		if _, ok := body[key]; !ok {
			t.Errorf("stats missing %q", key)
		}
	}

	resp, err := http.Post(env.baseURL+"/api/v1/sagas/"+id+"/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause of finished saga status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestIntegration_CompensationTask(t *testing.T) {
	env := setupIntegrationTest(t)

	id := env.submit(t, "order-200")
	deadline := time.Now().Add(2 * time.Second)
	for {
		var stats engine.SagaStatistics
		getJSON(t, env.baseURL+"/api/v1/sagas/"+id, &stats)
		if stats.Status == saga.StatusCompleted && !stats.Running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("saga did not complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	body := fmt.Sprintf(`{"saga_id":%q,"reason":"order returned"}`, id)
	resp, err := http.Post(env.baseURL+"/api/v1/compensations", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	var tasks []map[string]any
	if code := getJSON(t, env.baseURL+"/api/v1/compensations?status=pending", &tasks); code != http.StatusOK {
		t.Fatalf("list tasks status = %d", code)
	}
	if len(tasks) != 1 || tasks[0]["saga_id"] != id {
		t.Fatalf("pending tasks = %v", tasks)
	}
}

func TestIntegration_WebSocketReceivesLifecycleEvents(t *testing.T) {
	env := setupIntegrationTest(t)

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL+"?saga_type=order&event=saga.completed", nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()

	// the relay subscribes asynchronously; submit until a completion arrives
	submitted := map[string]bool{}
	messages := make(chan handlers.EventMessage, 64)
	go func() {
		defer close(messages)
		for {
			var msg handlers.EventMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			messages <- msg
		}
	}()

	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		submitted[env.submit(t, fmt.Sprintf("order-ws-%d", i))] = true
		wait := time.After(200 * time.Millisecond)
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					t.Fatal("websocket closed")
				}
				if msg.Type != string(saga.EventSagaCompleted) {
					t.Fatalf("filtered stream delivered %s", msg.Type)
				}
				payload, _ := msg.Payload.(map[string]any)
				if id, _ := payload["saga_id"].(string); submitted[id] {
					return
				}
			case <-wait:
			case <-deadline:
				t.Fatal("no saga.completed event received over websocket")
			}
			break
		}
	}
}
