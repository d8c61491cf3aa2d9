package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/eventbus"
	"github.com/goclaw/sagaflow/pkg/saga"
)

func sagaEvent(id, sagaType string, typ saga.EventType) saga.Event {
	return saga.Event{Type: typ, SagaID: id, SagaType: sagaType, Timestamp: time.Now().UTC()}
}

func receive(t *testing.T, sub *Subscription) saga.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return saga.Event{}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.SagaID)
	default:
	}
}

func TestFilter_Match(t *testing.T) {
	ev := sagaEvent("s-1", "order", saga.EventStepFailed)
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"saga id", Filter{SagaIDs: []string{"s-2", "s-1"}}, true},
		{"other saga id", Filter{SagaIDs: []string{"s-2"}}, false},
		{"saga type", Filter{SagaTypes: []string{"order"}}, true},
		{"other saga type", Filter{SagaTypes: []string{"payment"}}, false},
		{"event type", Filter{EventTypes: []saga.EventType{saga.EventStepFailed}}, true},
		{"all dimensions must match", Filter{SagaIDs: []string{"s-1"}, EventTypes: []saga.EventType{saga.EventSagaStarted}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(ev))
		})
	}
}

func TestBroadcaster_PublishRespectsFilters(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	all := b.Subscribe(Filter{}, 4)
	orders := b.Subscribe(Filter{SagaTypes: []string{"order"}}, 4)
	require.Equal(t, 2, b.Subscribers())

	b.Publish(sagaEvent("s-1", "order", saga.EventSagaStarted))
	b.Publish(sagaEvent("s-2", "payment", saga.EventSagaStarted))

	assert.Equal(t, "s-1", receive(t, all).SagaID)
	assert.Equal(t, "s-2", receive(t, all).SagaID)
	assert.Equal(t, "s-1", receive(t, orders).SagaID)
	assertEmpty(t, orders)
}

func TestBroadcaster_SetFilterAppliesToLaterEvents(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe(Filter{SagaIDs: []string{"s-1"}}, 4)

	b.Publish(sagaEvent("s-2", "order", saga.EventSagaStarted))
	assertEmpty(t, sub)

	sub.Update(func(f *Filter) { f.SagaIDs = append(f.SagaIDs, "s-2") })
	b.Publish(sagaEvent("s-2", "order", saga.EventSagaCompleted))
	assert.Equal(t, saga.EventSagaCompleted, receive(t, sub).Type)

	sub.SetFilter(Filter{})
	assert.Empty(t, sub.Filter().SagaIDs)
}

func TestBroadcaster_OverflowMarksLagged(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe(Filter{}, 1)

	b.Publish(sagaEvent("s-1", "order", saga.EventStepStarted))
	select {
	case <-sub.Lagged():
		t.Fatal("lagged before any drop")
	default:
	}

	b.Publish(sagaEvent("s-1", "order", saga.EventStepCompleted))
	b.Publish(sagaEvent("s-1", "order", saga.EventSagaCompleted))

	assert.Equal(t, uint64(2), sub.Dropped())
	select {
	case <-sub.Lagged():
	default:
		t.Fatal("expected Lagged to be closed after a drop")
	}
	assert.Equal(t, saga.EventStepStarted, receive(t, sub).Type)
}

func TestBroadcaster_UnsubscribeAndClose(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(Filter{}, 0)
	assert.Equal(t, defaultBuffer, cap(sub.ch))

	b.Unsubscribe(sub)
	_, ok := <-sub.C()
	assert.False(t, ok)
	b.Unsubscribe(sub)
	assert.Zero(t, b.Subscribers())

	other := b.Subscribe(Filter{}, 1)
	b.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	late := b.Subscribe(Filter{}, 1)
	_, ok = <-late.C()
	assert.False(t, ok, "subscribing after Close yields a closed subscription")
	b.Publish(sagaEvent("s-1", "order", saga.EventSagaStarted))
}

func TestRelay_ForwardsAndDeduplicates(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	b := NewBroadcaster()
	sub := b.Subscribe(Filter{}, 8)
	ch := sub.C()
	defer b.Close()

	router := eventbus.NewSagaSchemaRouter()
	relay := NewRelay(bus, b, router, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	publisher, err := eventbus.NewPublisher("node-1", bus, eventbus.DefaultRetryConfig())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	sink := eventbus.NewSink(publisher)

	// the relay subscribes asynchronously; publish until the first event arrives
	ev := saga.Event{
		Type:      saga.EventSagaStarted,
		SagaID:    "saga-1",
		SagaType:  "order",
		Status:    saga.StatusRunning,
		Timestamp: time.Now().UTC(),
	}
	deadline := time.After(2 * time.Second)
	var got saga.Event
	for received := false; !received; {
		if err := sink.Publish(ctx, ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case got = <-ch:
			received = true
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("relay did not forward the event")
		}
	}
	if got.Type != saga.EventSagaStarted || got.SagaType != "order" {
		t.Fatalf("unexpected event %+v", got)
	}

	// a redelivered envelope is dropped
	dup, err := publisher.PublishLifecycleEvent(ctx, eventbus.LifecycleEvent{
		Domain: eventbus.DomainSaga, EventType: string(saga.EventSagaPaused), SagaType: "order", SagaID: "saga-1",
		Payload: saga.Event{Type: saga.EventSagaPaused, SagaID: "saga-1", Status: saga.StatusPaused, Timestamp: time.Now()},
	})
	if err != nil {
		t.Fatalf("PublishLifecycleEvent() error = %v", err)
	}
	raw := mustMarshal(t, dup)
	subject := eventbus.Subject(eventbus.DomainSaga, "order", "paused")
	if err := bus.Publish(ctx, subject, raw); err != nil {
		t.Fatalf("bus.Publish() error = %v", err)
	}

	drain := time.After(200 * time.Millisecond)
	paused := 0
	for loop := true; loop; {
		select {
		case ev := <-ch:
			if ev.Type == saga.EventSagaPaused {
				paused++
			}
		case <-drain:
			loop = false
		}
	}
	if paused != 1 {
		t.Fatalf("expected one paused event after dedup, got %d", paused)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func mustMarshal(t *testing.T, env eventbus.Envelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	return raw
}
