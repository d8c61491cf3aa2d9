package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
	"github.com/goclaw/sagaflow/pkg/storage/memory"
)

type undoRecorder struct {
	mu       sync.Mutex
	calls    []string
	failures atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (r *undoRecorder) undo(name string) saga.StepFunc {
	return func(ctx context.Context, sc *saga.SagaContext) error {
		cur := r.inflight.Add(1)
		defer r.inflight.Add(-1)
		for {
			old := r.peak.Load()
			if cur <= old || r.peak.CompareAndSwap(old, cur) {
				break
			}
		}
		if r.delay > 0 {
			time.Sleep(r.delay)
		}
		if r.failures.Load() > 0 {
			r.failures.Add(-1)
			return errors.New("undo " + name + " failed")
		}
		r.mu.Lock()
		r.calls = append(r.calls, sc.AggregateID+":"+name)
		r.mu.Unlock()
		return nil
	}
}

func (r *undoRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newRegistry(rec *undoRecorder) *saga.Registry {
	reg := saga.NewRegistry()
	noop := func(context.Context, *saga.SagaContext) error { return nil }
	reg.MustRegister("order", func(aggregateID string) (saga.Saga, error) {
		b, err := saga.New(saga.Config{Name: "order"}, aggregateID, func() ([]*saga.Step, error) {
			return []*saga.Step{
				saga.NewStep("reserve", noop, rec.undo("reserve")),
				saga.NewStep("charge", noop, rec.undo("charge")),
				saga.NewStep("ship", noop, rec.undo("ship")),
			}, nil
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	})
	return reg
}

func seedFailed(t *testing.T, store storage.Store, sagaID, aggregateID string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.Save(context.Background(), &saga.SagaStateSnapshot{
		SagaID:      sagaID,
		AggregateID: aggregateID,
		SagaType:    "order",
		Status:      saga.StatusFailed,
		Context:     saga.SagaContext{AggregateID: aggregateID, CurrentStepIndex: 2, Error: "ship failed"},
		StepStates: []saga.StepState{
			{Name: "reserve", Executed: true},
			{Name: "charge", Executed: true},
			{Name: "ship"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, cfg Config, rec *undoRecorder) (*Manager, *memory.Store, *clock) {
	t.Helper()
	store := memory.NewStore()
	clk := newClock()
	m, err := NewManager(cfg, store, newRegistry(rec), WithClock(clk.Now))
	require.NoError(t, err)
	return m, store, clk
}

func TestImmediateStrategyCompensatesInReverse(t *testing.T) {
	rec := &undoRecorder{}
	m, store, _ := newManager(t, DefaultConfig(), rec)
	seedFailed(t, store, "saga-1", "order-1")

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "ship failed", 0)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, []string{"order-1:charge", "order-1:reserve"}, rec.list())

	snap, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, snap.Status)
	assert.Equal(t, 2, snap.CompensatedSteps())
	assert.Equal(t, "ship failed", snap.Context.CompensationReason)

	// a second task on the compensated saga is a no-op success
	again, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "again", 0)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, again.Status)
	assert.Len(t, rec.list(), 2)
}

func TestRetryThenPermanentFailure(t *testing.T) {
	rec := &undoRecorder{}
	rec.failures.Store(100)
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	cfg.MaxRetries = 2
	cfg.RetryInterval = time.Minute
	m, store, clk := newManager(t, cfg, rec)
	seedFailed(t, store, "saga-1", "order-1")

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "boom", 0)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	res, err := m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, TaskRetrying, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	require.NotNil(t, res.NextAttemptAt)
	assert.Equal(t, clk.Now().Add(time.Minute), *res.NextAttemptAt)
	assert.Contains(t, res.Error, "undo charge failed")

	snap, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, snap.Status)

	res, err = m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, res.Status)
	assert.Equal(t, 2, res.RetryCount)
	assert.Nil(t, res.NextAttemptAt)

	_, err = m.ExecuteCompensationTask(context.Background(), task.ID)
	var stateErr *TaskStateError
	assert.ErrorAs(t, err, &stateErr)

	stats := m.GetStatistics()
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int64(2), stats.Executions)
	assert.Equal(t, float64(0), stats.SuccessRate)
}

func TestRetryResumesWhereCompensationStopped(t *testing.T) {
	rec := &undoRecorder{}
	rec.failures.Store(1)
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	m, store, _ := newManager(t, cfg, rec)
	seedFailed(t, store, "saga-1", "order-1")

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "boom", 0)
	require.NoError(t, err)
	res, err := m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Equal(t, TaskRetrying, res.Status)

	res, err = m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.CompensatedSteps)
	assert.Equal(t, []string{"order-1:charge", "order-1:reserve"}, rec.list())
}

func TestMissingSnapshotFailsWithoutRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	m, _, _ := newManager(t, cfg, &undoRecorder{})

	task, err := m.CreateCompensationTask(context.Background(), "ghost", "agg", "", 0)
	require.NoError(t, err)
	res, err := m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, res.Status)
	assert.Contains(t, res.Error, "not found")

	_, err = m.ExecuteCompensationTask(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRunningSnapshotIsLeftAlone(t *testing.T) {
	rec := &undoRecorder{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	m, store, _ := newManager(t, cfg, rec)
	seedFailed(t, store, "saga-1", "order-1")
	snap, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	snap.Status = saga.StatusRunning
	require.NoError(t, store.Save(context.Background(), snap))

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "", 0)
	require.NoError(t, err)
	res, err := m.ExecuteCompensationTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, res.Status)
	assert.Equal(t, 1, res.RetryCount)
	assert.Contains(t, res.Error, "status RUNNING")

	after, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, after.Status)
	assert.Zero(t, after.CompensatedSteps())
	assert.Empty(t, rec.list())
}

func TestSagaHeldByEngineIsNotCompensated(t *testing.T) {
	rec := &undoRecorder{}
	store := memory.NewStore()
	seedFailed(t, store, "saga-1", "order-1")
	var held atomic.Bool
	held.Store(true)
	m, err := NewManager(DefaultConfig(), store, newRegistry(rec),
		WithRunningCheck(func(id string) bool { return id == "saga-1" && held.Load() }))
	require.NoError(t, err)

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "", 0)
	require.NoError(t, err)
	got, err := m.GetCompensationTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, got.Status)
	assert.Contains(t, got.LastError, "still executing")
	assert.Empty(t, rec.list())

	snap, err := store.GetByID(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusFailed, snap.Status)

	held.Store(false)
	again, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "", 0)
	require.NoError(t, err)
	got, err = m.GetCompensationTask(again.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Equal(t, []string{"order-1:charge", "order-1:reserve"}, rec.list())
}

func TestPendingOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = StrategyManual
	m, _, clk := newManager(t, cfg, &undoRecorder{})
	ctx := context.Background()

	low, err := m.CreateCompensationTask(ctx, "s-low", "a", "", 1)
	require.NoError(t, err)
	clk.Advance(time.Second)
	highOld, err := m.CreateCompensationTask(ctx, "s-high-old", "a", "", 5)
	require.NoError(t, err)
	clk.Advance(time.Second)
	highNew, err := m.CreateCompensationTask(ctx, "s-high-new", "a", "", 5)
	require.NoError(t, err)
	clk.Advance(time.Second)
	mid, err := m.CreateCompensationTask(ctx, "s-mid", "a", "", 3)
	require.NoError(t, err)

	pending := m.GetPendingTasks(0)
	require.Len(t, pending, 4)
	got := []string{pending[0].ID, pending[1].ID, pending[2].ID, pending[3].ID}
	assert.Equal(t, []string{highOld.ID, highNew.ID, mid.ID, low.ID}, got)

	assert.Len(t, m.GetPendingTasks(2), 2)

	require.NoError(t, m.CancelCompensationTask(highOld.ID))
	assert.Len(t, m.GetPendingTasks(0), 3)
	var stateErr *TaskStateError
	assert.ErrorAs(t, m.CancelCompensationTask(highOld.ID), &stateErr)
	assert.ErrorIs(t, m.CancelCompensationTask("nope"), ErrTaskNotFound)

	// MANUAL never runs from the sweep
	assert.Equal(t, 0, m.ProcessDueTasks(ctx))
}

func TestDelayedStrategyWaitsForSchedule(t *testing.T) {
	rec := &undoRecorder{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyDelayed
	cfg.Delay = 10 * time.Second
	m, store, clk := newManager(t, cfg, rec)
	seedFailed(t, store, "saga-1", "order-1")

	task, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "later", 0)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, task.Status)

	assert.Equal(t, 0, m.ProcessDueTasks(context.Background()))
	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, m.ProcessDueTasks(context.Background()))

	got, err := m.GetCompensationTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, got.Status)
	assert.Len(t, rec.list(), 2)
}

func TestBatchStrategyBoundsTickAndParallelism(t *testing.T) {
	rec := &undoRecorder{delay: 20 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyBatch
	cfg.BatchSize = 10
	cfg.ParallelCompensation = true
	cfg.MaxParallelCompensations = 2
	m, store, _ := newManager(t, cfg, rec)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("saga-%d", i)
		seedFailed(t, store, id, "order-"+id)
		_, err := m.CreateCompensationTask(context.Background(), id, "order-"+id, "", 0)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, m.ProcessDueTasks(context.Background()))
	assert.Equal(t, 2, m.ProcessDueTasks(context.Background()))
	assert.Equal(t, 1, m.ProcessDueTasks(context.Background()))
	assert.Equal(t, 0, m.ProcessDueTasks(context.Background()))

	assert.Equal(t, 5, m.GetStatistics().Completed)
	assert.LessOrEqual(t, rec.peak.Load(), int32(2))
	assert.Len(t, rec.list(), 10)
}

func TestSerialModeRunsOneAtATime(t *testing.T) {
	rec := &undoRecorder{delay: 5 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyDelayed
	cfg.Delay = 0
	m, store, _ := newManager(t, cfg, rec)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("saga-%d", i)
		seedFailed(t, store, id, id)
		_, err := m.CreateCompensationTask(context.Background(), id, id, "", 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.ProcessDueTasks(context.Background()))
	assert.Equal(t, int32(1), rec.peak.Load())
}

func TestCleanupRemovesOldTerminalTasks(t *testing.T) {
	rec := &undoRecorder{}
	m, store, clk := newManager(t, DefaultConfig(), rec)
	seedFailed(t, store, "saga-1", "order-1")

	done, err := m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "", 0)
	require.NoError(t, err)
	require.Equal(t, TaskCompleted, done.Status)

	m.cfg.Strategy = StrategyManual
	pending, err := m.CreateCompensationTask(context.Background(), "saga-2", "order-2", "", 0)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	assert.Equal(t, 1, m.Cleanup(clk.Now().Add(-time.Minute)))
	_, err = m.GetCompensationTask(done.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.GetCompensationTask(pending.ID)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	rec := &undoRecorder{}
	cfg := DefaultConfig()
	cfg.Strategy = StrategyDelayed
	cfg.Delay = 0
	cfg.CheckInterval = 5 * time.Millisecond
	store := memory.NewStore()
	m, err := NewManager(cfg, store, newRegistry(rec))
	require.NoError(t, err)
	seedFailed(t, store, "saga-1", "order-1")

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrManagerRunning)

	_, err = m.CreateCompensationTask(context.Background(), "saga-1", "order-1", "", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.GetStatistics().Completed == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()

	seedFailed(t, store, "saga-2", "order-2")
	task, err := m.CreateCompensationTask(context.Background(), "saga-2", "order-2", "", 0)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	got, err := m.GetCompensationTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskPending, got.Status)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Strategy = "SOMETIMES"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxParallelCompensations = 0
	assert.Error(t, bad.Validate())

	_, err := NewManager(DefaultConfig(), nil, saga.NewRegistry())
	assert.Error(t, err)
}
