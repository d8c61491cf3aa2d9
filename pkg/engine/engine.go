// Package engine executes sagas with bounded concurrency, timeouts, periodic
// snapshotting, error-handler driven retries and background recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/goclaw/sagaflow/pkg/errorhandler"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// execution is a saga held by the engine while it runs.
type execution struct {
	saga      saga.Saga
	startedAt time.Time
	cancel    context.CancelFunc

	// saveMu orders snapshot saves so the latest state is written last.
	saveMu sync.Mutex

	// compMu serializes Compensate with the run's final transition.
	compMu sync.Mutex

	eventsMu sync.Mutex
	events   []saga.Event
}

// Engine is the saga execution engine.
type Engine struct {
	cfg        Config
	store      storage.Store
	registry   *saga.Registry
	handler    *errorhandler.Handler
	classifier errorhandler.Classifier
	metrics    MetricsRecorder
	events     EventPublisher
	log        logger.Logger
	now        func() time.Time
	limiter    *rate.Limiter

	execMu     sync.Mutex
	executions map[string]*execution

	statsMu sync.Mutex
	stats   ExecutionStatistics
	// execTime sums durations of monitored executions.
	execTime  time.Duration
	execTimed int64

	lifeMu     sync.Mutex
	started    bool
	destroyed  atomic.Bool
	stopSweeps context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
}

// New creates an engine over the given snapshot store.
func New(cfg Config, store storage.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("state store cannot be nil")
	}
	e := &Engine{
		cfg:        cfg,
		store:      store,
		classifier: errorhandler.NewKeywordClassifier(nil),
		metrics:    nopMetricsRecorder{},
		log:        logger.Nop(),
		now:        time.Now,
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.handler != nil {
		e.classifier = e.handler
		// the handler's recovery settings feed the engine's single sweep
		hc := e.handler.Config()
		if hc.AutoRecovery {
			e.cfg.AutoRecovery = true
			if hc.RecoveryCheckInterval > 0 && (e.cfg.RecoveryCheckInterval <= 0 || hc.RecoveryCheckInterval < e.cfg.RecoveryCheckInterval) {
				e.cfg.RecoveryCheckInterval = hc.RecoveryCheckInterval
			}
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	limit := rate.Inf
	if e.cfg.RecoveryRate > 0 {
		limit = rate.Limit(e.cfg.RecoveryRate)
	}
	e.limiter = rate.NewLimiter(limit, 1)
	e.log = e.log.With("component", "saga_engine")
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Execute admits s and runs it to a terminal or interrupted state. Admission
// failures are returned as errors without side effects; execution failures
// are reported in the result.
func (e *Engine) Execute(ctx context.Context, s saga.Saga, input map[string]any) (*ExecutionResult, error) {
	if s == nil {
		return nil, fmt.Errorf("saga cannot be nil")
	}
	if e.destroyed.Load() {
		return nil, ErrEngineDestroyed
	}

	runCtx, cancel := context.WithCancel(ctx)
	exec, err := e.admit(s, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	defer func() {
		cancel()
		e.release(exec)
	}()
	return e.run(runCtx, exec, input), nil
}

// Submit admits s like Execute and runs it in the background. The run is
// detached from ctx cancellation. The returned channel receives the result.
func (e *Engine) Submit(ctx context.Context, s saga.Saga, input map[string]any) (<-chan *ExecutionResult, error) {
	if s == nil {
		return nil, fmt.Errorf("saga cannot be nil")
	}
	if e.destroyed.Load() {
		return nil, ErrEngineDestroyed
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec, err := e.admit(s, cancel)
	if err != nil {
		cancel()
		return nil, err
	}
	done := make(chan *ExecutionResult, 1)
	go func() {
		res := e.run(runCtx, exec, input)
		cancel()
		e.release(exec)
		done <- res
	}()
	return done, nil
}

// admit registers the saga as running. The check and the insert happen under
// one lock so two callers can never both be admitted.
func (e *Engine) admit(s saga.Saga, cancel context.CancelFunc) (*execution, error) {
	id := s.ID()
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if _, ok := e.executions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaAlreadyRunning, id)
	}
	if len(e.executions) >= e.cfg.MaxConcurrentSagas {
		return nil, fmt.Errorf("%w: %d sagas running", ErrConcurrencyLimitReached, len(e.executions))
	}
	exec := &execution{saga: s, startedAt: e.now().UTC(), cancel: cancel}
	e.executions[id] = exec
	return exec, nil
}

func (e *Engine) release(exec *execution) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if cur, ok := e.executions[exec.saga.ID()]; ok && cur == exec {
		delete(e.executions, exec.saga.ID())
	}
}

func (e *Engine) lookup(sagaID string) (*execution, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	exec, ok := e.executions[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotRunning, sagaID)
	}
	return exec, nil
}

func (e *Engine) timeoutFor(s saga.Saga) time.Duration {
	if t := s.Config().Timeout; t > 0 {
		return t
	}
	return e.cfg.ExecutionTimeout
}

func (e *Engine) run(ctx context.Context, exec *execution, input map[string]any) *ExecutionResult {
	s := exec.saga
	start := time.Now()
	log := e.log.With("saga_id", s.ID(), "saga", s.Name())

	ctx, span := startSpan(ctx, spanSagaExecute, sagaAttributes(s)...)
	defer span.End()

	timeout := e.timeoutFor(s)
	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	s.MergeData(input)
	if err := s.Start(); err != nil {
		log.Warn("saga could not start", "error", err)
		return e.result(exec, start, 0, err)
	}
	e.metrics.SagaActive(s.Name(), 1)
	defer e.metrics.SagaActive(s.Name(), -1)

	log.InfoContext(ctx, "saga execution started", "timeout", timeout)
	e.persist(ctx, exec)
	stopSaver := e.startStateSaver(ctx, exec)

	retries, err := e.executeSteps(execCtx, exec)
	stopSaver()

	// compMu waits out a compensation that interrupted the run and keeps a
	// new one from starting until the final state is persisted.
	exec.compMu.Lock()
	if err == nil {
		err = s.Complete()
	}
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{SagaID: s.ID(), Timeout: timeout}
		}
		switch s.Status() {
		case saga.StatusRunning, saga.StatusPaused:
			if fErr := s.Fail(err); fErr != nil {
				log.Warn("failed to mark saga as failed", "error", fErr)
			}
		}
	}
	e.persist(ctx, exec)
	exec.compMu.Unlock()
	e.publish(ctx, exec)

	res := e.result(exec, start, retries, err)
	e.record(s.Name(), res)
	if err != nil {
		failSpan(span, err)
		log.WarnContext(ctx, "saga execution failed", "status", res.Status, "error_type", res.ErrorType, "error", err)
	} else {
		log.InfoContext(ctx, "saga execution completed", "duration", res.ExecutionTime)
	}
	span.SetAttributes(attribute.String("saga.status", string(res.Status)))
	return res
}

// executeSteps runs the saga's steps, consulting the error handler after each
// failure. It returns the number of retries made.
func (e *Engine) executeSteps(ctx context.Context, exec *execution) (int, error) {
	s := exec.saga
	retries := 0
	for attempt := 0; ; attempt++ {
		attemptCtx, span := startSpan(ctx, spanSagaAttempt, attribute.Int("saga.attempt", attempt))
		err := s.ExecuteSteps(attemptCtx)
		span.End()
		e.publish(ctx, exec)
		if err == nil {
			return retries, nil
		}
		if ctx.Err() != nil || errors.Is(err, saga.ErrSagaInterrupted) || e.handler == nil {
			return retries, err
		}

		res := e.handler.Handle(ctx, s, err, retries)
		if !res.Success {
			return retries, err
		}
		switch {
		case res.Strategy.IsRetry():
			retries++
			if wErr := e.sleep(ctx, res.RetryDelay(e.now())); wErr != nil {
				return retries, err
			}
		case res.Strategy == errorhandler.StrategySkipStep:
			if skipErr := s.SkipCurrentStep(); skipErr != nil {
				return retries, errors.Join(err, skipErr)
			}
		case res.Strategy == errorhandler.StrategyPauseSaga:
			// ExecuteSteps waits for resume and retries the failed step
			e.persist(ctx, exec)
			e.publish(ctx, exec)
		default:
			// compensated, cancelled or escalated: the saga stops here
			return retries, err
		}
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) result(exec *execution, start time.Time, retries int, err error) *ExecutionResult {
	s := exec.saga
	sc := s.Context()
	e.collect(exec)
	exec.eventsMu.Lock()
	events := append([]saga.Event{}, exec.events...)
	exec.eventsMu.Unlock()

	res := &ExecutionResult{
		Success:       err == nil,
		SagaID:        s.ID(),
		Status:        s.Status(),
		ExecutionTime: time.Since(start),
		Data:          sc.Data,
		Events:        events,
		Retries:       retries,
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorType = e.classifier.Classify(err)
	}
	return res
}

func (e *Engine) record(sagaType string, res *ExecutionResult) {
	e.statsMu.Lock()
	e.stats.TotalExecutions++
	if res.Success {
		e.stats.SuccessfulExecutions++
	} else {
		e.stats.FailedExecutions++
	}
	if e.cfg.PerformanceMonitoring {
		e.execTime += res.ExecutionTime
		e.execTimed++
	}
	e.statsMu.Unlock()

	if !e.cfg.PerformanceMonitoring {
		return
	}
	e.metrics.ObserveSaga(sagaType, res.Status, res.ExecutionTime)
	for _, ev := range res.Events {
		switch ev.Type {
		case saga.EventStepCompleted, saga.EventStepFailed, saga.EventStepSkipped, saga.EventStepCompensated:
			e.metrics.ObserveStep(sagaType, ev.StepName, strings.TrimPrefix(string(ev.Type), "step."))
		}
	}
}

// persist saves the saga's current snapshot. Failures are logged; the
// execution keeps going on the in-memory state.
func (e *Engine) persist(ctx context.Context, exec *execution) {
	exec.saveMu.Lock()
	defer exec.saveMu.Unlock()
	snapshot := exec.saga.Snapshot()
	if err := e.store.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		e.log.ErrorContext(ctx, "failed to save saga snapshot",
			"saga_id", snapshot.SagaID, "status", snapshot.Status, "error", err)
	}
}

func (e *Engine) startStateSaver(ctx context.Context, exec *execution) func() {
	if e.cfg.StateSaveInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.cfg.StateSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				e.persist(ctx, exec)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// collect moves the saga's pending events into the execution's log.
func (e *Engine) collect(exec *execution) []saga.Event {
	drained := exec.saga.DrainEvents()
	if len(drained) == 0 {
		return nil
	}
	exec.eventsMu.Lock()
	exec.events = append(exec.events, drained...)
	exec.eventsMu.Unlock()
	return drained
}

// publish forwards the saga's pending events to the event publisher.
func (e *Engine) publish(ctx context.Context, exec *execution) {
	drained := e.collect(exec)
	if e.events == nil {
		return
	}
	for _, ev := range drained {
		if err := e.events.Publish(ctx, ev); err != nil {
			e.log.Warn("failed to publish saga event", "saga_id", ev.SagaID, "event", ev.Type, "error", err)
		}
	}
}

// Pause pauses a running saga at its next step boundary.
func (e *Engine) Pause(ctx context.Context, sagaID string) error {
	exec, err := e.lookup(sagaID)
	if err != nil {
		return err
	}
	if err := exec.saga.Pause(); err != nil {
		return err
	}
	e.persist(ctx, exec)
	e.publish(ctx, exec)
	e.log.Info("saga paused", "saga_id", sagaID)
	return nil
}

// Resume resumes a paused saga.
func (e *Engine) Resume(ctx context.Context, sagaID string) error {
	exec, err := e.lookup(sagaID)
	if err != nil {
		return err
	}
	if err := exec.saga.Resume(); err != nil {
		return err
	}
	e.persist(ctx, exec)
	e.publish(ctx, exec)
	e.log.Info("saga resumed", "saga_id", sagaID)
	return nil
}

// Cancel abandons a running saga without compensating it and aborts its
// in-flight step.
func (e *Engine) Cancel(ctx context.Context, sagaID, reason string) error {
	exec, err := e.lookup(sagaID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	if err := exec.saga.Cancel(reason); err != nil {
		return err
	}
	exec.cancel()
	e.persist(ctx, exec)
	e.publish(ctx, exec)
	e.log.Info("saga cancelled", "saga_id", sagaID, "reason", reason)
	return nil
}

// Compensate compensates a running saga. It waits for the in-flight step to
// finish, then undoes executed steps in reverse order.
func (e *Engine) Compensate(ctx context.Context, sagaID, reason string) error {
	exec, err := e.lookup(sagaID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "compensation requested"
	}
	exec.compMu.Lock()
	err = exec.saga.Compensate(ctx, reason)
	exec.compMu.Unlock()
	e.persist(ctx, exec)
	e.publish(ctx, exec)
	if err != nil {
		e.log.Warn("saga compensation failed", "saga_id", sagaID, "error", err)
		return err
	}
	e.log.Info("saga compensated", "saga_id", sagaID, "reason", reason)
	return nil
}

// GetSagaStatus returns the status of a running saga, falling back to the
// store. Unknown sagas yield a storage NotFoundError.
func (e *Engine) GetSagaStatus(ctx context.Context, sagaID string) (saga.SagaStatus, error) {
	if exec, err := e.lookup(sagaID); err == nil {
		return exec.saga.Status(), nil
	}
	snapshot, err := e.store.GetByID(ctx, sagaID)
	if err != nil {
		return "", err
	}
	return snapshot.Status, nil
}

// GetSagaStatistics describes one saga, running or persisted.
func (e *Engine) GetSagaStatistics(ctx context.Context, sagaID string) (*SagaStatistics, error) {
	var (
		snapshot *saga.SagaStateSnapshot
		running  bool
	)
	if exec, err := e.lookup(sagaID); err == nil {
		snapshot = exec.saga.Snapshot()
		running = true
	} else {
		snapshot, err = e.store.GetByID(ctx, sagaID)
		if err != nil {
			return nil, err
		}
	}

	stats := &SagaStatistics{
		SagaID:           snapshot.SagaID,
		SagaType:         snapshot.SagaType,
		AggregateID:      snapshot.AggregateID,
		Status:           snapshot.Status,
		Running:          running,
		CurrentStepIndex: snapshot.Context.CurrentStepIndex,
		TotalSteps:       len(snapshot.StepStates),
		ExecutedSteps:    snapshot.ExecutedSteps(),
		CompensatedSteps: snapshot.CompensatedSteps(),
		RecoveryAttempts: snapshot.Context.RecoveryAttempts,
		StartTime:        snapshot.Context.StartTime,
		LastUpdateTime:   snapshot.Context.LastUpdateTime,
		Error:            snapshot.Context.Error,
	}
	for _, st := range snapshot.StepStates {
		if st.Skipped {
			stats.SkippedSteps++
		}
	}
	if !stats.StartTime.IsZero() {
		end := stats.LastUpdateTime
		if running {
			end = e.now().UTC()
		}
		stats.Duration = end.Sub(stats.StartTime)
	}
	return stats, nil
}

// GetExecutionStatistics returns the aggregate counters.
func (e *Engine) GetExecutionStatistics() ExecutionStatistics {
	e.execMu.Lock()
	running := len(e.executions)
	e.execMu.Unlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := e.stats
	out.RunningSagas = running
	if e.execTimed > 0 {
		out.AverageExecutionTime = e.execTime / time.Duration(e.execTimed)
	}
	return out
}

// GetRunningSagas lists the sagas currently held by the engine, oldest first.
func (e *Engine) GetRunningSagas() []RunningSaga {
	e.execMu.Lock()
	execs := make([]*execution, 0, len(e.executions))
	for _, exec := range e.executions {
		execs = append(execs, exec)
	}
	e.execMu.Unlock()

	out := make([]RunningSaga, 0, len(execs))
	for _, exec := range execs {
		sc := exec.saga.Context()
		out = append(out, RunningSaga{
			SagaID:           exec.saga.ID(),
			SagaType:         exec.saga.Name(),
			AggregateID:      exec.saga.AggregateID(),
			Status:           exec.saga.Status(),
			CurrentStepIndex: sc.CurrentStepIndex,
			StartedAt:        exec.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SagaID < out[j].SagaID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// IsRunning reports whether the engine currently holds sagaID.
func (e *Engine) IsRunning(sagaID string) bool {
	_, err := e.lookup(sagaID)
	return err == nil
}

// IsHealthy reports whether the engine has not been destroyed.
func (e *Engine) IsHealthy() bool {
	return !e.destroyed.Load()
}

// IsReady reports whether the engine is started and accepting work.
func (e *Engine) IsReady() bool {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	return e.started && !e.destroyed.Load()
}

// Start launches the recovery and cleanup sweeps that are enabled.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.destroyed.Load() {
		return ErrEngineDestroyed
	}
	if e.started {
		return ErrEngineStarted
	}
	e.started = true
	ctx, e.stopSweeps = context.WithCancel(ctx)

	if e.cfg.AutoRecovery {
		e.runPeriodically(ctx, e.cfg.RecoveryCheckInterval, func(ctx context.Context) {
			e.RunRecoverySweep(ctx)
		})
	}
	if e.cfg.Cleanup.Enabled {
		e.runPeriodically(ctx, e.cfg.Cleanup.Interval, func(ctx context.Context) {
			before := e.now().UTC().Add(-e.cfg.retention())
			if _, err := e.Cleanup(ctx, before); err != nil {
				e.log.Warn("snapshot cleanup failed", "error", err)
			}
		})
	}
	e.log.Info("saga engine started",
		"max_concurrent_sagas", e.cfg.MaxConcurrentSagas,
		"auto_recovery", e.cfg.AutoRecovery,
		"cleanup", e.cfg.Cleanup.Enabled,
	)
	return nil
}

func (e *Engine) runPeriodically(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Destroy stops the background sweeps and waits for them. Sagas already
// executing run to completion. It is idempotent.
func (e *Engine) Destroy() {
	e.once.Do(func() {
		e.lifeMu.Lock()
		e.destroyed.Store(true)
		if e.stopSweeps != nil {
			e.stopSweeps()
		}
		e.lifeMu.Unlock()
		e.wg.Wait()
		e.log.Info("saga engine destroyed")
	})
}
