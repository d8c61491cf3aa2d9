// Package saga provides the saga state model and the base saga instance that
// runs ordered steps forward and compensates them in reverse.
package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goclaw/sagaflow/pkg/logger"
)

// Config describes a saga type.
type Config struct {
	Name        string
	Description string
	Version     string
	// Timeout bounds one execution. Zero defers to the engine's timeout.
	Timeout time.Duration
}

// Saga is a multi-step workflow driven by the execution engine.
type Saga interface {
	ID() string
	Name() string
	AggregateID() string
	Config() Config
	Status() SagaStatus
	Context() SagaContext

	InitializeSteps() error
	ExecuteSteps(ctx context.Context) error
	ExecuteCompensationSteps(ctx context.Context) error

	Start() error
	Complete() error
	Fail(cause error) error
	Pause() error
	Resume() error
	Cancel(reason string) error
	Compensate(ctx context.Context, reason string) error
	SkipCurrentStep() error

	MergeData(data map[string]any)
	Snapshot() *SagaStateSnapshot
	Restore(snapshot *SagaStateSnapshot) error
	DrainEvents() []Event
}

// StepsFunc builds the ordered step list of a concrete saga type.
type StepsFunc func() ([]*Step, error)

// Option customizes a Base saga.
type Option func(*Base)

// WithLogger sets the saga logger.
func WithLogger(log logger.Logger) Option {
	return func(b *Base) {
		if log != nil {
			b.log = log
		}
	}
}

// WithID overrides the generated saga id.
func WithID(id string) Option {
	return func(b *Base) {
		if id != "" {
			b.id = id
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Base) {
		if now != nil {
			b.now = now
		}
	}
}

// Base implements Saga. Concrete saga types embed *Base and supply their steps.
type Base struct {
	mu     sync.RWMutex
	stepMu sync.Mutex

	id        string
	cfg       Config
	baseLog   logger.Logger
	log       logger.Logger
	now       func() time.Time
	buildStep StepsFunc

	status     SagaStatus
	sc         SagaContext
	steps      []*Step
	stepStates []StepState
	createdAt  time.Time
	resumeCh   chan struct{}
	events     []Event
}

var _ Saga = (*Base)(nil)

// New creates a PENDING saga bound to aggregateID.
func New(cfg Config, aggregateID string, steps StepsFunc, opts ...Option) (*Base, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("saga name cannot be empty")
	}
	if aggregateID == "" {
		return nil, fmt.Errorf("saga %s aggregate id cannot be empty", cfg.Name)
	}
	if steps == nil {
		return nil, fmt.Errorf("saga %s steps func cannot be nil", cfg.Name)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("saga %s timeout cannot be negative", cfg.Name)
	}

	b := &Base{
		id:        uuid.NewString(),
		cfg:       cfg,
		log:       logger.Nop(),
		now:       time.Now,
		buildStep: steps,
		status:    StatusPending,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	now := b.now().UTC()
	b.createdAt = now
	b.sc = SagaContext{
		AggregateID:    aggregateID,
		LastUpdateTime: now,
		Data:           make(map[string]any),
	}
	b.baseLog = b.log
	b.log = b.baseLog.With("saga_id", b.id, "saga", cfg.Name)
	return b, nil
}

func (b *Base) ID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

func (b *Base) Name() string { return b.cfg.Name }

func (b *Base) Config() Config { return b.cfg }

func (b *Base) AggregateID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sc.AggregateID
}

func (b *Base) Status() SagaStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Context returns a copy of the saga context.
func (b *Base) Context() SagaContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sc.Clone()
}

// CurrentStepName returns the name of the step at the current index, or ""
// when the index is past the last step.
func (b *Base) CurrentStepName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx := b.sc.CurrentStepIndex
	if idx < 0 || idx >= len(b.stepStates) {
		return ""
	}
	return b.stepStates[idx].Name
}

// InitializeSteps builds the step list once. Later calls are no-ops.
func (b *Base) InitializeSteps() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initializeStepsLocked()
}

func (b *Base) initializeStepsLocked() error {
	if b.steps != nil {
		return nil
	}
	steps, err := b.buildStep()
	if err != nil {
		return fmt.Errorf("initialize steps of saga %s: %w", b.cfg.Name, err)
	}
	if len(steps) == 0 {
		return fmt.Errorf("saga %s must define at least one step", b.cfg.Name)
	}
	seen := make(map[string]struct{}, len(steps))
	states := make([]StepState, len(steps))
	for i, step := range steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("saga %s: %w", b.cfg.Name, err)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga %s: duplicate step name %s", b.cfg.Name, step.Name)
		}
		seen[step.Name] = struct{}{}
		states[i] = StepState{Name: step.Name}
	}
	b.steps = steps
	b.stepStates = states
	return nil
}

// ExecuteSteps runs the remaining forward steps in order. It stops at the
// first failing step, waits while the saga is paused and returns an
// InterruptedError once the saga leaves RUNNING.
func (b *Base) ExecuteSteps(ctx context.Context) error {
	if err := b.InitializeSteps(); err != nil {
		return err
	}
	for {
		idx, err := b.nextStep(ctx)
		if err != nil {
			return err
		}
		if idx < 0 {
			return nil
		}
		if err := b.runStep(ctx, idx); err != nil {
			return err
		}
	}
}

// nextStep returns the index of the first pending step, or -1 when all steps are done.
func (b *Base) nextStep(ctx context.Context) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b.mu.Lock()
		switch b.status {
		case StatusRunning:
			idx := -1
			for i, st := range b.stepStates {
				if !st.Executed && !st.Skipped {
					idx = i
					break
				}
			}
			b.mu.Unlock()
			return idx, nil
		case StatusPaused:
			resume := b.resumeCh
			b.mu.Unlock()
			select {
			case <-resume:
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		default:
			err := &InterruptedError{SagaID: b.id, Status: b.status}
			b.mu.Unlock()
			return 0, err
		}
	}
}

func (b *Base) runStep(ctx context.Context, idx int) error {
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	b.mu.Lock()
	if b.status != StatusRunning {
		err := &InterruptedError{SagaID: b.id, Status: b.status}
		b.mu.Unlock()
		return err
	}
	step := b.steps[idx]
	b.sc.CurrentStepIndex = idx
	b.sc.LastUpdateTime = b.now().UTC()
	work := b.sc.Clone()
	b.recordLocked(EventStepStarted, step.Name, idx, "")
	b.mu.Unlock()

	b.log.Debug("executing saga step", "step", step.Name, "index", idx)
	start := time.Now()
	err := step.run(ctx, step.Action, &work)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sc.LastUpdateTime = b.now().UTC()
	if err != nil {
		stepErr := &StepError{SagaID: b.id, Step: step.Name, Index: idx, Err: err}
		b.sc.Error = stepErr.Error()
		b.recordLocked(EventStepFailed, step.Name, idx, err.Error())
		b.log.Warn("saga step failed", "step", step.Name, "index", idx, "error", err)
		return stepErr
	}
	b.sc.Data = work.Data
	b.sc.Error = ""
	b.stepStates[idx].Executed = true
	b.recordLocked(EventStepCompleted, step.Name, idx, "")
	b.log.Debug("saga step completed", "step", step.Name, "index", idx, "duration", time.Since(start))
	return nil
}

// ExecuteCompensationSteps compensates executed steps in reverse order.
// Steps already compensated are skipped, so the call is idempotent.
func (b *Base) ExecuteCompensationSteps(ctx context.Context) error {
	if err := b.InitializeSteps(); err != nil {
		return err
	}
	b.stepMu.Lock()
	defer b.stepMu.Unlock()

	b.mu.RLock()
	last := len(b.steps) - 1
	b.mu.RUnlock()

	for idx := last; idx >= 0; idx-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.mu.Lock()
		state := b.stepStates[idx]
		if !state.Executed || state.Compensated {
			b.mu.Unlock()
			continue
		}
		step := b.steps[idx]
		b.sc.CurrentStepIndex = idx
		b.sc.LastUpdateTime = b.now().UTC()
		work := b.sc.Clone()
		b.mu.Unlock()

		b.log.Debug("compensating saga step", "step", step.Name, "index", idx)
		err := step.run(ctx, step.Compensation, &work)

		b.mu.Lock()
		b.sc.LastUpdateTime = b.now().UTC()
		if err != nil {
			compErr := &CompensationError{SagaID: b.id, Step: step.Name, Index: idx, Err: err}
			b.sc.Error = compErr.Error()
			b.mu.Unlock()
			return compErr
		}
		b.sc.Data = work.Data
		b.stepStates[idx].Compensated = true
		b.recordLocked(EventStepCompensated, step.Name, idx, "")
		b.mu.Unlock()
	}
	return nil
}

// Start moves a pending saga, or a failed one being recovered, to RUNNING.
func (b *Base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPending && b.status != StatusFailed {
		return b.lifecycleErrLocked("start", StatusRunning)
	}
	if err := b.initializeStepsLocked(); err != nil {
		return err
	}
	now := b.now().UTC()
	if b.status == StatusFailed {
		b.sc.RecoveryAttempts++
		b.sc.Error = ""
	}
	if b.sc.StartTime.IsZero() {
		b.sc.StartTime = now
	}
	b.transitionLocked(StatusRunning, EventSagaStarted, "")
	return nil
}

// Complete marks a running saga as completed.
func (b *Base) Complete() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ValidateTransition(b.status, StatusCompleted); err != nil {
		return b.wrapLocked("complete", err)
	}
	for _, st := range b.stepStates {
		if !st.Executed && !st.Skipped {
			return fmt.Errorf("cannot complete saga %s: step %s has not executed", b.id, st.Name)
		}
	}
	b.transitionLocked(StatusCompleted, EventSagaCompleted, "")
	return nil
}

// Fail marks the saga as failed and records the cause.
func (b *Base) Fail(cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ValidateTransition(b.status, StatusFailed); err != nil {
		return b.wrapLocked("fail", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
		b.sc.Error = reason
	}
	b.releaseResumeLocked()
	b.transitionLocked(StatusFailed, EventSagaFailed, reason)
	return nil
}

// Pause pauses a running saga at the next step boundary.
func (b *Base) Pause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return b.lifecycleErrLocked("pause", StatusPaused)
	}
	b.resumeCh = make(chan struct{})
	b.transitionLocked(StatusPaused, EventSagaPaused, "")
	return nil
}

// Resume resumes a paused saga.
func (b *Base) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusPaused {
		return b.lifecycleErrLocked("resume", StatusRunning)
	}
	b.releaseResumeLocked()
	b.transitionLocked(StatusRunning, EventSagaResumed, "")
	return nil
}

// Cancel abandons a running saga without compensating it.
func (b *Base) Cancel(reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning {
		return b.lifecycleErrLocked("cancel", StatusCancelled)
	}
	if reason != "" {
		b.sc.Error = reason
	}
	b.transitionLocked(StatusCancelled, EventSagaCancelled, reason)
	return nil
}

// Compensate moves a running or failed saga to COMPENSATING, undoes its
// executed steps and ends in COMPENSATED, or FAILED if a compensation fails.
func (b *Base) Compensate(ctx context.Context, reason string) error {
	b.mu.Lock()
	if b.status != StatusRunning && b.status != StatusFailed {
		err := b.lifecycleErrLocked("compensate", StatusCompensating)
		b.mu.Unlock()
		return err
	}
	b.sc.CompensationReason = reason
	b.transitionLocked(StatusCompensating, EventSagaCompensating, reason)
	b.mu.Unlock()

	b.log.Info("compensating saga", "reason", reason)
	err := b.ExecuteCompensationSteps(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.sc.Error = err.Error()
		b.transitionLocked(StatusFailed, EventSagaFailed, err.Error())
		return err
	}
	b.sc.Error = ""
	b.transitionLocked(StatusCompensated, EventSagaCompensated, reason)
	return nil
}

// SkipCurrentStep marks the step at the current index as skipped so forward
// execution continues with the next one.
func (b *Base) SkipCurrentStep() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusRunning && b.status != StatusPaused {
		return b.lifecycleErrLocked("skip step of", b.status)
	}
	idx := b.sc.CurrentStepIndex
	if idx < 0 || idx >= len(b.stepStates) {
		return fmt.Errorf("saga %s has no step at index %d", b.id, idx)
	}
	if b.stepStates[idx].Executed {
		return fmt.Errorf("saga %s step %s already executed", b.id, b.stepStates[idx].Name)
	}
	b.stepStates[idx].Skipped = true
	b.sc.Error = ""
	b.sc.LastUpdateTime = b.now().UTC()
	b.recordLocked(EventStepSkipped, b.stepStates[idx].Name, idx, "")
	return nil
}

// MergeData copies entries into the context data map.
func (b *Base) MergeData(data map[string]any) {
	if len(data) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range data {
		b.sc.Set(k, v)
	}
}

// Snapshot captures the current state.
func (b *Base) Snapshot() *SagaStateSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &SagaStateSnapshot{
		SagaID:      b.id,
		AggregateID: b.sc.AggregateID,
		SagaType:    b.cfg.Name,
		Status:      b.status,
		Context:     b.sc.Clone(),
		StepStates:  append([]StepState(nil), b.stepStates...),
		CreatedAt:   b.createdAt,
		UpdatedAt:   b.now().UTC(),
	}
}

// Restore loads persisted state into a freshly built saga of the same type.
func (b *Base) Restore(snapshot *SagaStateSnapshot) error {
	if err := snapshot.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot.SagaType != "" && snapshot.SagaType != b.cfg.Name {
		return fmt.Errorf("snapshot type %s does not match saga %s", snapshot.SagaType, b.cfg.Name)
	}
	if err := b.initializeStepsLocked(); err != nil {
		return err
	}
	if len(snapshot.StepStates) != len(b.stepStates) {
		return fmt.Errorf("snapshot has %d steps, saga %s defines %d", len(snapshot.StepStates), b.cfg.Name, len(b.stepStates))
	}
	for i, st := range snapshot.StepStates {
		if st.Name != b.stepStates[i].Name {
			return fmt.Errorf("snapshot step %d is %s, saga %s defines %s", i, st.Name, b.cfg.Name, b.stepStates[i].Name)
		}
	}
	b.id = snapshot.SagaID
	b.status = snapshot.Status
	b.sc = snapshot.Context.Clone()
	if b.sc.Data == nil {
		b.sc.Data = make(map[string]any)
	}
	b.stepStates = append([]StepState(nil), snapshot.StepStates...)
	b.createdAt = snapshot.CreatedAt
	if b.status == StatusPaused {
		b.resumeCh = make(chan struct{})
	}
	b.log = b.baseLog.With("saga_id", b.id, "saga", b.cfg.Name)
	return nil
}

// DrainEvents returns and clears the events recorded since the last call.
func (b *Base) DrainEvents() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

func (b *Base) transitionLocked(to SagaStatus, event EventType, reason string) {
	b.status = to
	b.sc.LastUpdateTime = b.now().UTC()
	b.recordLocked(event, "", b.sc.CurrentStepIndex, reason)
}

func (b *Base) recordLocked(typ EventType, step string, idx int, reason string) {
	b.events = append(b.events, Event{
		Type:        typ,
		SagaID:      b.id,
		SagaType:    b.cfg.Name,
		AggregateID: b.sc.AggregateID,
		Status:      b.status,
		StepName:    step,
		StepIndex:   idx,
		Reason:      reason,
		Timestamp:   b.now().UTC(),
	})
}

func (b *Base) releaseResumeLocked() {
	if b.resumeCh != nil {
		close(b.resumeCh)
		b.resumeCh = nil
	}
}

func (b *Base) lifecycleErrLocked(op string, to SagaStatus) error {
	return b.wrapLocked(op, &InvalidTransitionError{From: b.status, To: to})
}

func (b *Base) wrapLocked(op string, err error) error {
	return &LifecycleError{Op: op, SagaID: b.id, Status: b.status, Err: err}
}
