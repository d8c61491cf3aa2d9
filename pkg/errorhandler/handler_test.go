package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/saga"
)

type fakeTarget struct {
	id            string
	pauseErr      error
	cancelErr     error
	compensateErr error

	mu          sync.Mutex
	paused      int
	cancelled   []string
	compensated []string
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return f.pauseErr
}

func (f *fakeTarget) Cancel(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, reason)
	return f.cancelErr
}

func (f *fakeTarget) Compensate(_ context.Context, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compensated = append(f.compensated, reason)
	return f.compensateErr
}

type describedTarget struct {
	fakeTarget
	name string
	sc   saga.SagaContext
	step string
}

func (d *describedTarget) Name() string              { return d.name }
func (d *describedTarget) AggregateID() string       { return d.sc.AggregateID }
func (d *describedTarget) Context() saga.SagaContext { return d.sc }
func (d *describedTarget) CurrentStepName() string   { return d.step }

type typedErr struct{ t ErrorType }

func (e typedErr) Error() string            { return "typed failure" }
func (e typedErr) SagaErrorType() ErrorType { return e.t }

func ptr[T any](v T) *T { return &v }

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func newHandler(t *testing.T, cfg Config, opts ...Option) *Handler {
	t.Helper()
	h, err := New(cfg, append([]Option{WithClock(fixedClock())}, opts...)...)
	require.NoError(t, err)
	return h
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(nil)
	tests := []struct {
		msg  string
		want ErrorType
	}{
		{"request Timeout while charging", ErrorTypeTimeout},
		{"network unreachable", ErrorTypeNetwork},
		{"connection refused", ErrorTypeNetwork},
		{"invalid data in order", ErrorTypeData},
		{"validation failed: amount", ErrorTypeData},
		{"missing config key", ErrorTypeConfig},
		{"internal failure", ErrorTypeSystem},
		{"system overloaded", ErrorTypeSystem},
		{"compensation aborted", ErrorTypeCompensation},
		{"execution halted", ErrorTypeExecution},
		{"step exploded", ErrorTypeExecution},
		{"boom", ErrorTypeUnknown},
		// earlier rules win
		{"database connection lost", ErrorTypeNetwork},
		{"timeout on network call", ErrorTypeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(errors.New(tt.msg)))
			// deterministic
			assert.Equal(t, tt.want, c.Classify(errors.New(tt.msg)))
		})
	}
}

func TestKeywordClassifier_Structured(t *testing.T) {
	c := NewKeywordClassifier(nil)

	assert.Equal(t, ErrorTypeUnknown, c.Classify(nil))
	assert.Equal(t, ErrorTypeConfig, c.Classify(fmt.Errorf("wrapped: %w", typedErr{t: ErrorTypeConfig})))
	assert.Equal(t, ErrorTypeTimeout, c.Classify(fmt.Errorf("charge: %w", context.DeadlineExceeded)))

	compErr := &saga.CompensationError{SagaID: "s", Step: "data_sync", Index: 0, Err: errors.New("boom")}
	assert.Equal(t, ErrorTypeCompensation, c.Classify(compErr))

	stepErr := &saga.StepError{SagaID: "s", Step: "charge", Index: 1, Err: errors.New("connection reset")}
	assert.Equal(t, ErrorTypeNetwork, c.Classify(stepErr))

	plain := &saga.StepError{SagaID: "s", Step: "charge", Index: 1, Err: errors.New("boom")}
	assert.Equal(t, ErrorTypeExecution, c.Classify(plain))
}

func TestBackoffInterval(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	assert.Equal(t, base, BackoffInterval(base, max, 2, 0))
	assert.Equal(t, 400*time.Millisecond, BackoffInterval(base, max, 2, 2))
	assert.Equal(t, max, BackoffInterval(base, max, 2, 10))
	assert.Equal(t, max, BackoffInterval(base, max, 2, 5000))

	prev := time.Duration(0)
	for i := 0; i < 80; i++ {
		d := BackoffInterval(base, max, 3, i)
		assert.GreaterOrEqual(t, d, prev, "retry %d", i)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
}

func TestHandle_DefaultStrategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryInterval = 200 * time.Millisecond
	cfg.MaxRetryInterval = time.Second
	h := newHandler(t, cfg)
	now := fixedClock()()

	t.Run("execution error delays retry", func(t *testing.T) {
		res := h.Handle(context.Background(), &fakeTarget{id: "s1"}, errors.New("step failed"), 0)
		assert.True(t, res.Success)
		assert.True(t, res.Recovered)
		assert.Equal(t, StrategyDelayedRetry, res.Strategy)
		require.NotNil(t, res.NextRetryAt)
		assert.Equal(t, now.Add(200*time.Millisecond), *res.NextRetryAt)
	})

	t.Run("network error backs off exponentially", func(t *testing.T) {
		res := h.Handle(context.Background(), &fakeTarget{id: "s2"}, errors.New("connection refused"), 2)
		assert.Equal(t, StrategyExponentialBackoff, res.Strategy)
		require.NotNil(t, res.NextRetryAt)
		assert.Equal(t, 800*time.Millisecond, res.RetryDelay(now))
	})

	t.Run("retries are refused once exhausted", func(t *testing.T) {
		res := h.Handle(context.Background(), &fakeTarget{id: "s3"}, errors.New("request timeout"), 3)
		assert.False(t, res.Success)
		assert.False(t, res.Recovered)
		assert.Nil(t, res.NextRetryAt)
		assert.Contains(t, res.Error, "exceeded max retries (3)")
		assert.NotEmpty(t, res.SuggestedAction)
	})

	t.Run("system error pauses the saga", func(t *testing.T) {
		target := &fakeTarget{id: "s4"}
		res := h.Handle(context.Background(), target, errors.New("internal error"), 0)
		assert.Equal(t, StrategyPauseSaga, res.Strategy)
		assert.True(t, res.Success)
		assert.False(t, res.Recovered)
		assert.Equal(t, 1, target.paused)
	})

	t.Run("pause failure is reported", func(t *testing.T) {
		target := &fakeTarget{id: "s5", pauseErr: errors.New("not running")}
		res := h.Handle(context.Background(), target, errors.New("internal error"), 0)
		assert.False(t, res.Success)
		assert.Equal(t, "not running", res.Error)
	})

	t.Run("unknown error needs an operator", func(t *testing.T) {
		res := h.Handle(context.Background(), &fakeTarget{id: "s6"}, errors.New("boom"), 0)
		assert.Equal(t, StrategyManualIntervention, res.Strategy)
		assert.Equal(t, ErrorTypeUnknown, res.ErrorType)
		assert.True(t, res.Success)
		assert.False(t, res.Recovered)
		assert.NotEmpty(t, res.SuggestedAction)
	})
}

func TestHandle_OverriddenStrategies(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Classification = map[ErrorType]Strategy{
		ErrorTypeExecution: StrategyCompensateAndRetry,
		ErrorTypeData:      StrategyCancelSaga,
		ErrorTypeConfig:    StrategySkipStep,
		ErrorTypeNetwork:   StrategyImmediateRetry,
	}
	cfg.Strategies = map[Strategy]StrategyConfig{
		StrategyImmediateRetry: {MaxRetries: ptr(5)},
	}
	h := newHandler(t, cfg)
	ctx := context.Background()

	target := &fakeTarget{id: "s1"}
	res := h.Handle(ctx, target, errors.New("step failed"), 0)
	assert.True(t, res.Success)
	assert.True(t, res.Recovered)
	require.Len(t, target.compensated, 1)
	assert.Contains(t, target.compensated[0], "step failed")

	failing := &fakeTarget{id: "s2", compensateErr: errors.New("undo failed")}
	res = h.Handle(ctx, failing, errors.New("step failed"), 0)
	assert.False(t, res.Success)
	assert.Equal(t, "undo failed", res.Error)

	target = &fakeTarget{id: "s3"}
	res = h.Handle(ctx, target, errors.New("validation failed"), 0)
	assert.Equal(t, StrategyCancelSaga, res.Strategy)
	assert.True(t, res.Success)
	assert.Len(t, target.cancelled, 1)

	res = h.Handle(ctx, &fakeTarget{id: "s4"}, errors.New("bad config"), 0)
	assert.Equal(t, StrategySkipStep, res.Strategy)
	assert.True(t, res.Recovered)

	res = h.Handle(ctx, &fakeTarget{id: "s5"}, errors.New("network down"), 4)
	assert.Equal(t, StrategyImmediateRetry, res.Strategy)
	assert.True(t, res.Success)
	assert.Equal(t, time.Duration(0), res.RetryDelay(fixedClock()()))

	res = h.Handle(ctx, nil, errors.New("validation failed"), 0)
	assert.False(t, res.Success)
}

func TestHandle_ZeroOverridesAreHonoured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategies = map[Strategy]StrategyConfig{
		StrategyDelayedRetry:       {RetryInterval: ptr(time.Duration(0))},
		StrategyExponentialBackoff: {MaxRetries: ptr(0)},
	}
	h := newHandler(t, cfg)
	now := fixedClock()()

	res := h.Handle(context.Background(), &fakeTarget{id: "s1"}, errors.New("step failed"), 0)
	require.True(t, res.Success)
	require.NotNil(t, res.NextRetryAt)
	assert.Equal(t, now, *res.NextRetryAt)

	// the delayed retry keeps the handler-wide budget
	res = h.Handle(context.Background(), &fakeTarget{id: "s1"}, errors.New("step failed"), 2)
	assert.True(t, res.Success)

	res = h.Handle(context.Background(), &fakeTarget{id: "s2"}, errors.New("request timeout"), 0)
	assert.Equal(t, StrategyExponentialBackoff, res.Strategy)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "exceeded max retries (0)")

	bad := DefaultConfig()
	bad.Strategies = map[Strategy]StrategyConfig{StrategySkipStep: {MaxRetries: ptr(-1)}}
	assert.Error(t, bad.Validate())
}

func TestHandle_HistoryAndStatistics(t *testing.T) {
	h := newHandler(t, DefaultConfig())
	ctx := context.Background()
	now := fixedClock()()
	target := &describedTarget{
		fakeTarget: fakeTarget{id: "saga-1"},
		name:       "order",
		sc:         saga.SagaContext{AggregateID: "order-7", CurrentStepIndex: 1, StartTime: now.Add(-90 * time.Second)},
		step:       "charge",
	}

	h.Handle(ctx, target, errors.New("step failed"), 0)
	h.Handle(ctx, target, &saga.StepError{SagaID: "saga-1", Step: "ship", Index: 2, Err: errors.New("request timeout")}, 10)
	h.Handle(ctx, &fakeTarget{id: "saga-2"}, errors.New("boom"), 0)

	history := h.GetSagaErrorHistory("saga-1")
	require.Len(t, history, 2)
	assert.Equal(t, ErrorTypeExecution, history[0].Type)
	assert.Equal(t, ErrorTypeTimeout, history[1].Type)
	assert.NotEmpty(t, history[0].ID)
	assert.Empty(t, h.GetSagaErrorHistory("missing"))

	first := history[0]
	assert.Equal(t, "order", first.SagaName)
	assert.Equal(t, "order-7", first.AggregateID)
	assert.Equal(t, 1, first.StepIndex)
	assert.Equal(t, "charge", first.StepName)
	assert.Equal(t, 90*time.Second, first.Elapsed)
	assert.True(t, first.Recoverable)
	assert.True(t, first.Recovered)
	assert.Equal(t, []string{suggestedAction(ErrorTypeExecution)}, first.Suggestions)

	// the failing step named by the error wins; exhausted retries are still recoverable but not recovered
	second := history[1]
	assert.Equal(t, 2, second.StepIndex)
	assert.Equal(t, "ship", second.StepName)
	assert.True(t, second.Recoverable)
	assert.False(t, second.Recovered)
	require.Len(t, second.Suggestions, 2)
	assert.Contains(t, second.Suggestions[0], "retries exhausted")

	other := h.GetSagaErrorHistory("saga-2")
	require.Len(t, other, 1)
	assert.Equal(t, -1, other[0].StepIndex)
	assert.Empty(t, other[0].SagaName)
	assert.Zero(t, other[0].Elapsed)
	assert.False(t, other[0].Recoverable)
	assert.NotEmpty(t, other[0].Suggestions)

	stats := h.GetStatistics()
	assert.Equal(t, int64(3), stats.TotalErrors)
	assert.Equal(t, int64(1), stats.ByType[ErrorTypeExecution])
	assert.Equal(t, int64(1), stats.ByStrategy[StrategyManualIntervention])
	assert.Equal(t, int64(1), stats.RecoveredCount)
	assert.Equal(t, int64(1), stats.FailedRecoveryCount)

	// stats are returned by copy
	stats.ByType[ErrorTypeExecution] = 99
	assert.Equal(t, int64(1), h.GetStatistics().ByType[ErrorTypeExecution])

	h.ClearHistory("saga-1")
	assert.Empty(t, h.GetSagaErrorHistory("saga-1"))
	assert.Len(t, h.GetSagaErrorHistory("saga-2"), 1)
	h.ClearHistory("")
	assert.Empty(t, h.GetSagaErrorHistory("saga-2"))
}

func TestHandle_Cleanup(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := now
	h, err := New(DefaultConfig(), WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	target := &fakeTarget{id: "saga-1"}
	h.Handle(context.Background(), target, errors.New("boom"), 0)
	current = now.Add(time.Hour)
	h.Handle(context.Background(), target, errors.New("boom"), 0)
	h.Handle(context.Background(), &fakeTarget{id: "saga-2"}, errors.New("boom"), 0)

	removed := h.Cleanup(now.Add(30 * time.Minute))
	assert.Equal(t, 1, removed)
	assert.Len(t, h.GetSagaErrorHistory("saga-1"), 1)
	assert.Equal(t, int64(3), h.GetStatistics().TotalErrors)

	assert.Equal(t, 2, h.Cleanup(now.Add(2*time.Hour)))
	assert.Empty(t, h.GetSagaErrorHistory("saga-2"))
}

func TestHandle_NotificationThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Notification = NotificationConfig{Enabled: true, Channels: []string{"ops", "nope"}, Threshold: 2}

	var mu sync.Mutex
	var notified []ErrorInfo
	ops := NotifierFunc(func(_ context.Context, info ErrorInfo) error {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, info)
		return nil
	})
	h := newHandler(t, cfg, WithNotifier("ops", ops))
	target := &fakeTarget{id: "saga-1"}

	h.Handle(context.Background(), target, errors.New("boom"), 0)
	assert.Empty(t, notified)
	h.Handle(context.Background(), target, errors.New("boom"), 0)
	require.Len(t, notified, 1)
	assert.Equal(t, "saga-1", notified[0].SagaID)

	// retry strategies that succeed never notify
	h.Handle(context.Background(), target, errors.New("step failed"), 0)
	assert.Len(t, notified, 1)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := DefaultConfig()
	bad.RetryMultiplier = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Classification = map[ErrorType]Strategy{"NOPE": StrategySkipStep}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Classification = map[ErrorType]Strategy{ErrorTypeData: "NOPE"}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.RetryInterval = time.Minute
	bad.MaxRetryInterval = time.Second
	_, err := New(bad)
	assert.Error(t, err)
}

func TestHandle_ConcurrentSafe(t *testing.T) {
	h := newHandler(t, DefaultConfig())
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Handle(context.Background(), &fakeTarget{id: fmt.Sprintf("saga-%d", i%4)}, errors.New("step failed"), 0)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(32), h.GetStatistics().TotalErrors)
	total := 0
	for i := 0; i < 4; i++ {
		total += len(h.GetSagaErrorHistory(fmt.Sprintf("saga-%d", i)))
	}
	assert.Equal(t, 32, total)
}
