package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{">", "sagaflow.v1.lifecycle.saga.order.started", true},
		{"sagaflow.v1.lifecycle.>", "sagaflow.v1.lifecycle.step.order.completed", true},
		{"sagaflow.v1.lifecycle.>", "sagaflow.v1.lifecycle", true},
		{"sagaflow.v1.lifecycle.>", "sagaflow.v1", false},
		{"sagaflow.v1.lifecycle.>", "sagaflow.v2.lifecycle.saga.order.started", false},
		{"sagaflow.v1.lifecycle.saga.order.*", "sagaflow.v1.lifecycle.saga.order.failed", true},
		{"sagaflow.v1.lifecycle.saga.order.*", "sagaflow.v1.lifecycle.saga.payment.failed", false},
		{"sagaflow.v1.lifecycle.*.order.*", "sagaflow.v1.lifecycle.step.order.started", true},
		{"sagaflow.v1.lifecycle.*.order.*", "sagaflow.v1.lifecycle.step.order", false},
		{"a.b", "a.b", true},
		{"a.b", "a.b.c", false},
	}
	for _, tt := range tests {
		got := compilePattern(tt.pattern).match(tt.subject)
		assert.Equal(t, tt.want, got, "%s ~ %s", tt.pattern, tt.subject)
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	orders, err := bus.Subscribe(SagaTypeWildcardSubject(DomainSaga, "order"), 4)
	require.NoError(t, err)
	all, err := bus.Subscribe(SubjectPrefix+".>", 4)
	require.NoError(t, err)
	assert.Equal(t, 2, bus.Subscribers())
	assert.Equal(t, SubjectPrefix+".>", all.Pattern())

	payload := []byte(`{"saga_id":"s-1"}`)
	require.NoError(t, bus.Publish(context.Background(), Subject(DomainSaga, "order", "started"), payload))
	require.NoError(t, bus.Publish(context.Background(), Subject(DomainSaga, "payment", "started"), payload))
	payload[0] = 'x'

	msg := <-orders.C()
	assert.Equal(t, Subject(DomainSaga, "order", "started"), msg.Subject)
	assert.Equal(t, `{"saga_id":"s-1"}`, string(msg.Payload), "payload is copied on publish")
	assert.False(t, msg.Timestamp.IsZero())
	assert.Len(t, all.C(), 2)
	assert.Empty(t, orders.C())
}

func TestMemoryBus_DropsWhenFull(t *testing.T) {
	bus := NewMemoryBus()
	sub, err := bus.Subscribe(">", 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), "a.b", nil))
	}
	assert.Equal(t, uint64(2), sub.Dropped())
	assert.Len(t, sub.C(), 1)
}

func TestMemoryBus_CloseAndErrors(t *testing.T) {
	bus := NewMemoryBus()
	_, err := bus.Subscribe("", 1)
	assert.Error(t, err)

	sub, err := bus.Subscribe("a.*", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultSubscriptionBuffer, cap(sub.ch))

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Zero(t, bus.Subscribers())
	require.NoError(t, bus.Publish(context.Background(), "a.b", nil))

	assert.Error(t, bus.Publish(context.Background(), "", nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bus.Publish(ctx, "a.b", nil), context.Canceled)
}
