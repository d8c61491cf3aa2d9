package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

// maxHistoryPerSaga caps the history of one saga; older entries are dropped.
const maxHistoryPerSaga = 100

// Target is the saga surface the handler acts on.
type Target interface {
	ID() string
	Pause() error
	Cancel(reason string) error
	Compensate(ctx context.Context, reason string) error
}

// Describer is implemented by targets that expose their saga context. The
// handler copies it into ErrorInfo when present.
type Describer interface {
	Name() string
	AggregateID() string
	Context() saga.SagaContext
	CurrentStepName() string
}

// MetricsRecorder records error handling metrics.
type MetricsRecorder interface {
	RecordErrorHandled(errorType, strategy string, recovered bool, duration time.Duration)
}

type nopMetricsRecorder struct{}

func (nopMetricsRecorder) RecordErrorHandled(string, string, bool, time.Duration) {}

// Option customizes a Handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(log logger.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithClassifier replaces the keyword classifier.
func WithClassifier(c Classifier) Option {
	return func(h *Handler) {
		if c != nil {
			h.classifier = c
		}
	}
}

// WithNotifier registers a notification channel by name.
func WithNotifier(channel string, n Notifier) Option {
	return func(h *Handler) {
		if channel != "" && n != nil {
			h.channels[channel] = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(h *Handler) {
		if m != nil {
			h.metrics = m
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler classifies saga errors and applies the mapped strategy.
type Handler struct {
	cfg        Config
	classifier Classifier
	log        logger.Logger
	metrics    MetricsRecorder
	now        func() time.Time
	channels   map[string]Notifier
	notifier   Notifier

	history *xsync.MapOf[string, []ErrorInfo]

	statsMu         sync.Mutex
	stats           Statistics
	totalProcessing time.Duration
}

// New creates a Handler.
func New(cfg Config, opts ...Option) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid error handler config: %w", err)
	}
	if cfg.RetryMultiplier == 0 {
		cfg.RetryMultiplier = 2
	}
	h := &Handler{
		cfg:        cfg,
		classifier: NewKeywordClassifier(nil),
		log:        logger.Nop(),
		metrics:    nopMetricsRecorder{},
		now:        time.Now,
		channels:   make(map[string]Notifier),
		history:    xsync.NewMapOf[string, []ErrorInfo](),
		stats: Statistics{
			ByType:     make(map[ErrorType]int64),
			ByStrategy: make(map[Strategy]int64),
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.log = h.log.With("component", "error_handler")
	if _, ok := h.channels["log"]; !ok {
		h.channels["log"] = NewLogNotifier(h.log)
	}

	var selected multiNotifier
	for _, ch := range cfg.Notification.Channels {
		n, ok := h.channels[ch]
		if !ok {
			h.log.Warn("unknown notification channel ignored", "channel", ch)
			continue
		}
		selected = append(selected, n)
	}
	if len(selected) > 0 {
		h.notifier = selected
	}
	return h, nil
}

// Config returns the handler configuration.
func (h *Handler) Config() Config {
	return h.cfg
}

// Classify returns the error type of err.
func (h *Handler) Classify(err error) ErrorType {
	return h.classifier.Classify(err)
}

// StrategyFor returns the strategy mapped to t.
func (h *Handler) StrategyFor(t ErrorType) Strategy {
	return h.cfg.strategyFor(t)
}

// Handle classifies err, applies the mapped strategy to target and records the
// outcome. retryCount is the number of retries already made for this execution.
func (h *Handler) Handle(ctx context.Context, target Target, err error, retryCount int) *Result {
	start := time.Now()
	errType := h.classifier.Classify(err)
	strategy := h.cfg.strategyFor(errType)

	sagaID := ""
	if target != nil {
		sagaID = target.ID()
	}
	res := &Result{Strategy: strategy, ErrorType: errType}
	h.apply(ctx, target, sagaID, err, retryCount, res)
	res.ProcessingTime = time.Since(start)

	info := ErrorInfo{
		ID:             uuid.NewString(),
		SagaID:         sagaID,
		StepIndex:      -1,
		Type:           errType,
		Strategy:       strategy,
		Message:        message(err),
		RetryCount:     retryCount,
		Recoverable:    strategy.Recoverable(),
		Recovered:      res.Recovered,
		Suggestions:    suggestions(errType, res),
		ProcessingTime: res.ProcessingTime,
		Timestamp:      h.now().UTC(),
	}
	h.describe(&info, target, err)
	res.ErrorInfo = info
	count := h.record(info, res)
	h.metrics.RecordErrorHandled(string(errType), string(strategy), res.Recovered, res.ProcessingTime)

	if strategy == StrategyManualIntervention || !res.Success {
		h.notify(ctx, info, count)
	}

	h.log.WarnContext(ctx, "saga error handled",
		"saga_id", sagaID,
		"error_type", errType,
		"strategy", strategy,
		"success", res.Success,
		"recovered", res.Recovered,
		"retry_count", retryCount,
		"error", info.Message,
	)
	return res
}

func (h *Handler) apply(ctx context.Context, target Target, sagaID string, err error, retryCount int, res *Result) {
	strategy := res.Strategy
	now := h.now().UTC()

	switch strategy {
	case StrategyImmediateRetry, StrategyDelayedRetry, StrategyExponentialBackoff:
		max := h.cfg.maxRetriesFor(strategy)
		if retryCount >= max {
			res.Error = (&MaxRetriesExceededError{SagaID: sagaID, MaxRetries: max}).Error()
			res.SuggestedAction = "retries exhausted: inspect the failure, then recover or compensate the saga"
			return
		}
		var delay time.Duration
		switch strategy {
		case StrategyDelayedRetry:
			delay = h.cfg.intervalFor(strategy)
		case StrategyExponentialBackoff:
			delay = BackoffInterval(h.cfg.intervalFor(strategy), h.cfg.MaxRetryInterval, h.cfg.RetryMultiplier, retryCount)
		}
		next := now.Add(delay)
		res.Success = true
		res.Recovered = true
		res.NextRetryAt = &next

	case StrategyCompensateAndRetry:
		if target == nil {
			res.Error = "no saga to compensate"
			return
		}
		if max := h.cfg.maxRetriesFor(strategy); retryCount >= max {
			res.Error = (&MaxRetriesExceededError{SagaID: sagaID, MaxRetries: max}).Error()
			res.SuggestedAction = "retries exhausted: compensate the saga manually"
			return
		}
		actx, cancel := h.actionContext(ctx)
		defer cancel()
		if cErr := target.Compensate(actx, "error handler: "+message(err)); cErr != nil {
			res.Error = cErr.Error()
			res.SuggestedAction = suggestedAction(ErrorTypeCompensation)
			return
		}
		next := now.Add(h.cfg.intervalFor(strategy))
		res.Success = true
		res.Recovered = true
		res.NextRetryAt = &next

	case StrategySkipStep:
		res.Success = true
		res.Recovered = true

	case StrategyPauseSaga:
		if target == nil {
			res.Error = "no saga to pause"
			return
		}
		if pErr := target.Pause(); pErr != nil {
			res.Error = pErr.Error()
			return
		}
		res.Success = true
		res.SuggestedAction = "resume the saga once the underlying system issue is resolved"

	case StrategyCancelSaga:
		if target == nil {
			res.Error = "no saga to cancel"
			return
		}
		if cErr := target.Cancel("error handler: " + message(err)); cErr != nil {
			res.Error = cErr.Error()
			return
		}
		res.Success = true

	default:
		res.Success = true
		res.SuggestedAction = suggestedAction(res.ErrorType)
	}
}

// describe fills the saga context fields of info. A step named by the error
// wins over the saga's current step.
func (h *Handler) describe(info *ErrorInfo, target Target, err error) {
	if d, ok := target.(Describer); ok {
		sc := d.Context()
		info.SagaName = d.Name()
		info.AggregateID = d.AggregateID()
		info.StepIndex = sc.CurrentStepIndex
		info.StepName = d.CurrentStepName()
		if !sc.StartTime.IsZero() && info.Timestamp.After(sc.StartTime) {
			info.Elapsed = info.Timestamp.Sub(sc.StartTime)
		}
	}
	var (
		stepErr *saga.StepError
		compErr *saga.CompensationError
	)
	switch {
	case errors.As(err, &stepErr):
		info.StepIndex, info.StepName = stepErr.Index, stepErr.Step
	case errors.As(err, &compErr):
		info.StepIndex, info.StepName = compErr.Index, compErr.Step
	}
}

func (h *Handler) actionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, h.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// record appends to the history, folds the statistics and returns the number
// of errors currently kept for the saga.
func (h *Handler) record(info ErrorInfo, res *Result) int {
	count := 1
	if info.SagaID != "" {
		entries, _ := h.history.Compute(info.SagaID, func(old []ErrorInfo, _ bool) ([]ErrorInfo, bool) {
			next := make([]ErrorInfo, 0, len(old)+1)
			next = append(next, old...)
			next = append(next, info)
			if len(next) > maxHistoryPerSaga {
				next = next[len(next)-maxHistoryPerSaga:]
			}
			return next, false
		})
		count = len(entries)
	}

	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	h.stats.TotalErrors++
	h.stats.ByType[info.Type]++
	h.stats.ByStrategy[info.Strategy]++
	if res.Recovered {
		h.stats.RecoveredCount++
	}
	if !res.Success {
		h.stats.FailedRecoveryCount++
	}
	h.totalProcessing += res.ProcessingTime
	h.stats.AverageProcessingTime = h.totalProcessing / time.Duration(h.stats.TotalErrors)
	return count
}

func (h *Handler) notify(ctx context.Context, info ErrorInfo, count int) {
	if !h.cfg.Notification.Enabled || h.notifier == nil {
		return
	}
	threshold := h.cfg.Notification.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if count < threshold {
		return
	}
	if err := h.notifier.Notify(ctx, info); err != nil {
		h.log.Warn("error notification failed", "saga_id", info.SagaID, "error", err)
	}
}

// GetSagaErrorHistory returns the handled errors of one saga, oldest first.
func (h *Handler) GetSagaErrorHistory(sagaID string) []ErrorInfo {
	entries, ok := h.history.Load(sagaID)
	if !ok {
		return []ErrorInfo{}
	}
	return append([]ErrorInfo(nil), entries...)
}

// GetStatistics returns a copy of the aggregate statistics.
func (h *Handler) GetStatistics() Statistics {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	out := h.stats
	out.ByType = make(map[ErrorType]int64, len(h.stats.ByType))
	for k, v := range h.stats.ByType {
		out.ByType[k] = v
	}
	out.ByStrategy = make(map[Strategy]int64, len(h.stats.ByStrategy))
	for k, v := range h.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

// Cleanup drops history entries recorded before the cutoff and returns how
// many were removed. Aggregate statistics are kept.
func (h *Handler) Cleanup(before time.Time) int {
	removed := 0
	var keys []string
	h.history.Range(func(key string, _ []ErrorInfo) bool {
		keys = append(keys, key)
		return true
	})
	for _, key := range keys {
		h.history.Compute(key, func(old []ErrorInfo, loaded bool) ([]ErrorInfo, bool) {
			if !loaded {
				return nil, true
			}
			kept := make([]ErrorInfo, 0, len(old))
			for _, e := range old {
				if e.Timestamp.Before(before) {
					removed++
					continue
				}
				kept = append(kept, e)
			}
			return kept, len(kept) == 0
		})
	}
	return removed
}

// ClearHistory forgets the history of one saga, or of every saga when sagaID is empty.
func (h *Handler) ClearHistory(sagaID string) {
	if sagaID == "" {
		h.history.Clear()
		return
	}
	h.history.Delete(sagaID)
}

func message(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func suggestions(t ErrorType, res *Result) []string {
	out := make([]string, 0, 2)
	if res.SuggestedAction != "" {
		out = append(out, res.SuggestedAction)
	}
	if general := suggestedAction(t); general != res.SuggestedAction {
		out = append(out, general)
	}
	return out
}

func suggestedAction(t ErrorType) string {
	switch t {
	case ErrorTypeCompensation:
		return "compensation failed: repair the affected resources and compensate the saga again"
	case ErrorTypeData:
		return "fix the invalid input data and recover the saga"
	case ErrorTypeConfig:
		return "correct the configuration and recover the saga"
	case ErrorTypeSystem:
		return "check system health, then resume or recover the saga"
	case ErrorTypeTimeout, ErrorTypeNetwork:
		return "check downstream availability and recover the saga"
	case ErrorTypeExecution:
		return "inspect the failing step and recover or compensate the saga"
	default:
		return "inspect the error history and decide whether to recover or compensate the saga"
	}
}
