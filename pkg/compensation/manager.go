// Package compensation schedules and runs compensation tasks for persisted
// sagas, rebuilding each saga through the type registry.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

const (
	tracerName      = "sagaflow.compensation"
	spanTaskExecute = "compensation.task.execute"
)

// MetricsRecorder records compensation metrics.
type MetricsRecorder interface {
	RecordCompensation(status string)
	RecordCompensationDuration(duration time.Duration)
	RecordCompensationRetry()
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordCompensation(string)                {}
func (nopMetricsRecorder) RecordCompensationDuration(time.Duration) {}
func (nopMetricsRecorder) RecordCompensationRetry()                 {}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r MetricsRecorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.metrics = r
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRunningCheck reports sagas still held by the engine. Tasks for those
// sagas fail without touching the snapshot.
func WithRunningCheck(isRunning func(sagaID string) bool) Option {
	return func(m *Manager) {
		if isRunning != nil {
			m.isRunning = isRunning
		}
	}
}

// pendingKey orders schedulable tasks: priority desc, scheduledAt asc, id asc.
type pendingKey struct {
	priority    int
	scheduledAt time.Time
	id          string
}

func lessPending(a, b pendingKey) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.scheduledAt.Equal(b.scheduledAt) {
		return a.scheduledAt.Before(b.scheduledAt)
	}
	return a.id < b.id
}

// Manager owns compensation tasks.
type Manager struct {
	cfg      Config
	store    storage.Store
	registry *saga.Registry
	log      logger.Logger
	metrics  MetricsRecorder
	now      func() time.Time
	tracer   trace.Tracer

	isRunning func(sagaID string) bool

	mu      sync.Mutex
	tasks   map[string]*Task
	pending *btree.BTreeG[pendingKey]

	executions    int64
	successes     int64
	totalExecTime time.Duration

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a compensation manager.
func NewManager(cfg Config, store storage.Store, registry *saga.Registry, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("saga registry cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compensation config: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		registry: registry,
		log:      logger.Nop(),
		metrics:  nopMetricsRecorder{},
		now:      time.Now,
		tracer:   otel.Tracer(tracerName),
		tasks:    make(map[string]*Task),
		pending:  btree.NewBTreeG(lessPending),

		isRunning: func(string) bool { return false },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.log = m.log.With("component", "compensation_manager")
	return m, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// CreateCompensationTask registers a task for sagaID. With the IMMEDIATE
// strategy the task runs before the call returns; the returned task reflects
// its state afterwards.
func (m *Manager) CreateCompensationTask(ctx context.Context, sagaID, aggregateID, reason string, priority int) (*Task, error) {
	if sagaID == "" {
		return nil, fmt.Errorf("saga id cannot be empty")
	}
	now := m.now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		SagaID:      sagaID,
		AggregateID: aggregateID,
		Reason:      reason,
		Priority:    priority,
		Status:      TaskPending,
		MaxRetries:  m.cfg.MaxRetries,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if m.cfg.Strategy == StrategyDelayed {
		task.ScheduledAt = now.Add(m.cfg.Delay)
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.pending.Set(keyOf(task))
	m.mu.Unlock()

	m.log.Info("compensation task created",
		"task_id", task.ID,
		"saga_id", sagaID,
		"priority", priority,
		"strategy", m.cfg.Strategy,
	)

	if m.cfg.Strategy == StrategyImmediate {
		if _, err := m.ExecuteCompensationTask(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return m.GetCompensationTask(task.ID)
}

// ExecuteCompensationTask runs a pending or retrying task now. Compensation
// failures are reported in the result; the error is for tasks that cannot run.
func (m *Manager) ExecuteCompensationTask(ctx context.Context, taskID string) (*ExecutionResult, error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !task.Status.schedulable() {
		err := &TaskStateError{TaskID: taskID, Op: "execute", Status: task.Status}
		m.mu.Unlock()
		return nil, err
	}
	m.claimLocked(task)
	claimed := task.clone()
	m.mu.Unlock()

	return m.run(ctx, claimed), nil
}

func (m *Manager) claimLocked(task *Task) {
	m.pending.Delete(keyOf(task))
	now := m.now().UTC()
	task.Status = TaskRunning
	task.StartedAt = now
	task.UpdatedAt = now
}

func (m *Manager) run(ctx context.Context, task *Task) *ExecutionResult {
	ctx, span := m.tracer.Start(ctx, spanTaskExecute, trace.WithAttributes(
		attribute.String("compensation.task_id", task.ID),
		attribute.String("saga.id", task.SagaID),
		attribute.Int("compensation.retry_count", task.RetryCount),
	))
	defer span.End()

	start := time.Now()
	compensated, err := m.compensate(ctx, task)
	elapsed := time.Since(start)

	res := m.finish(task.ID, compensated, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("compensation.status", string(res.Status)))
	return res
}

// compensate rebuilds the saga from its snapshot, runs its compensation and
// persists the resulting snapshot.
func (m *Manager) compensate(ctx context.Context, task *Task) (int, error) {
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
	}

	if m.isRunning(task.SagaID) {
		return 0, &SagaStateError{SagaID: task.SagaID, Status: saga.StatusRunning, Held: true}
	}
	snapshot, err := m.store.GetByID(ctx, task.SagaID)
	if err != nil {
		return 0, err
	}
	switch snapshot.Status {
	case saga.StatusCompensated:
		return 0, nil
	case saga.StatusFailed:
	default:
		return 0, &SagaStateError{SagaID: task.SagaID, Status: snapshot.Status}
	}
	before := snapshot.CompensatedSteps()

	s, err := m.registry.Restore(snapshot)
	if err != nil {
		return 0, err
	}
	reason := task.Reason
	if reason == "" {
		reason = "compensation task " + task.ID
	}
	compErr := s.Compensate(ctx, reason)

	after := s.Snapshot()
	var rejected *saga.LifecycleError
	if !errors.As(compErr, &rejected) {
		if err := m.store.Save(context.WithoutCancel(ctx), after); err != nil {
			return after.CompensatedSteps() - before, errors.Join(compErr, fmt.Errorf("persist snapshot: %w", err))
		}
	}
	return after.CompensatedSteps() - before, compErr
}

func (m *Manager) finish(taskID string, compensated int, elapsed time.Duration, err error) *ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	task := m.tasks[taskID]
	now := m.now().UTC()
	m.executions++
	m.totalExecTime += elapsed
	m.metrics.RecordCompensationDuration(elapsed)

	res := &ExecutionResult{
		TaskID:           taskID,
		SagaID:           task.SagaID,
		CompensatedSteps: compensated,
		Duration:         elapsed,
	}
	task.UpdatedAt = now

	switch {
	case err == nil:
		m.successes++
		task.Status = TaskCompleted
		task.CompletedAt = now
		task.LastError = ""
		res.Success = true
		m.metrics.RecordCompensation("completed")
		m.log.Info("compensation task completed", "task_id", taskID, "saga_id", task.SagaID, "steps", compensated)
	default:
		task.LastError = err.Error()
		task.RetryCount++
		res.Error = err.Error()
		if !permanent(err) && task.RetryCount < task.MaxRetries {
			task.Status = TaskRetrying
			task.ScheduledAt = now.Add(m.cfg.RetryInterval)
			m.pending.Set(keyOf(task))
			next := task.ScheduledAt
			res.NextAttemptAt = &next
			m.metrics.RecordCompensationRetry()
			m.log.Warn("compensation task will be retried",
				"task_id", taskID, "saga_id", task.SagaID, "retry_count", task.RetryCount, "error", err)
		} else {
			task.Status = TaskFailed
			task.CompletedAt = now
			m.metrics.RecordCompensation("failed")
			m.log.Error("compensation task failed permanently",
				"task_id", taskID, "saga_id", task.SagaID, "retry_count", task.RetryCount, "error", err)
		}
	}
	res.Status = task.Status
	res.RetryCount = task.RetryCount
	return res
}

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	var (
		lifecycle *saga.LifecycleError
		state     *SagaStateError
	)
	return storage.IsNotFound(err) || errors.Is(err, saga.ErrUnknownSagaType) ||
		errors.As(err, &lifecycle) || errors.As(err, &state)
}

// CancelCompensationTask cancels a task that has not started.
func (m *Manager) CancelCompensationTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !task.Status.schedulable() {
		return &TaskStateError{TaskID: taskID, Op: "cancel", Status: task.Status}
	}
	m.pending.Delete(keyOf(task))
	now := m.now().UTC()
	task.Status = TaskCancelled
	task.UpdatedAt = now
	task.CompletedAt = now
	m.metrics.RecordCompensation("cancelled")
	return nil
}

// GetCompensationTask returns a copy of one task.
func (m *Manager) GetCompensationTask(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task.clone(), nil
}

// ListTasks returns copies of every task, optionally filtered by status.
func (m *Manager) ListTasks(status TaskStatus) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if status == "" || t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

// GetPendingTasks returns pending and retrying tasks in execution order:
// priority descending, then oldest schedule first. limit <= 0 means all.
func (m *Manager) GetPendingTasks(limit int) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0)
	m.pending.Scan(func(k pendingKey) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		out = append(out, m.tasks[k.id].clone())
		return true
	})
	return out
}

// GetStatistics summarizes the tasks and executions.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{Total: len(m.tasks), Executions: m.executions}
	for _, t := range m.tasks {
		switch t.Status {
		case TaskPending:
			stats.Pending++
		case TaskRunning:
			stats.Running++
		case TaskRetrying:
			stats.Retrying++
		case TaskCompleted:
			stats.Completed++
		case TaskFailed:
			stats.Failed++
		case TaskCancelled:
			stats.Cancelled++
		}
	}
	if m.executions > 0 {
		stats.SuccessRate = float64(m.successes) / float64(m.executions)
		stats.AverageExecutionTime = m.totalExecTime / time.Duration(m.executions)
	}
	return stats
}

// Cleanup removes terminal tasks last updated before the cutoff.
func (m *Manager) Cleanup(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.tasks {
		if t.Status.IsTerminal() && t.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

// ProcessDueTasks runs the tasks whose schedule has passed, following the
// strategy's per-tick limit. It returns the number of tasks started.
func (m *Manager) ProcessDueTasks(ctx context.Context) int {
	limit := m.cfg.batchLimit()
	if limit == 0 {
		return 0
	}
	now := m.now().UTC()

	m.mu.Lock()
	var due []*Task
	m.pending.Scan(func(k pendingKey) bool {
		if limit > 0 && len(due) >= limit {
			return false
		}
		if !k.scheduledAt.After(now) {
			due = append(due, m.tasks[k.id])
		}
		return true
	})
	claimed := make([]*Task, 0, len(due))
	for _, t := range due {
		m.claimLocked(t)
		claimed = append(claimed, t.clone())
	}
	m.mu.Unlock()

	if len(claimed) == 0 {
		return 0
	}
	m.runAll(ctx, claimed)
	return len(claimed)
}

func (m *Manager) runAll(ctx context.Context, tasks []*Task) {
	if !m.cfg.ParallelCompensation {
		for _, t := range tasks {
			m.run(ctx, t)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxParallelCompensations)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			m.run(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// Start launches the scheduling sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrManagerRunning
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stop := m.stopCh

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if n := m.ProcessDueTasks(ctx); n > 0 {
					m.log.Debug("compensation sweep processed tasks", "count", n)
				}
			}
		}
	}()
	return nil
}

// Stop halts the sweep and waits for the current tick. It is idempotent.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.wg.Wait()
}

func keyOf(t *Task) pendingKey {
	return pendingKey{priority: t.Priority, scheduledAt: t.ScheduledAt, id: t.ID}
}
