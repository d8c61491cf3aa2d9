package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

const sweepPageSize = 100

// RecoverSaga re-admits a failed saga from its latest snapshot and executes
// its remaining steps.
func (e *Engine) RecoverSaga(ctx context.Context, sagaID string) (*ExecutionResult, error) {
	ctx, span := startSpan(ctx, spanSagaRecover, attribute.String("saga.id", sagaID))
	defer span.End()

	res, err := e.recover(ctx, sagaID)
	switch {
	case err != nil:
		failSpan(span, err)
		e.recordRecovery(false)
	case !res.Success:
		span.SetStatus(codes.Error, res.Error)
		e.recordRecovery(false)
	default:
		e.recordRecovery(true)
	}
	return res, err
}

func (e *Engine) recover(ctx context.Context, sagaID string) (*ExecutionResult, error) {
	if e.IsRunning(sagaID) {
		return nil, fmt.Errorf("%w: %s", ErrSagaAlreadyRunning, sagaID)
	}
	snapshot, err := e.store.GetByID(ctx, sagaID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, sagaID)
		}
		return nil, fmt.Errorf("loading snapshot of saga %s: %w", sagaID, err)
	}
	if snapshot.Status != saga.StatusFailed {
		return nil, fmt.Errorf("%w: saga %s is %s", ErrNotFailedStatus, sagaID, snapshot.Status)
	}
	if snapshot.CompensatedSteps() > 0 || snapshot.Context.CompensationReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrCompensationStarted, sagaID)
	}
	if limit := e.cfg.MaxRecoveryAttempts; limit > 0 && snapshot.Context.RecoveryAttempts >= limit {
		return nil, fmt.Errorf("%w: saga %s after %d attempts", ErrRecoveryExhausted, sagaID, snapshot.Context.RecoveryAttempts)
	}
	if e.registry == nil {
		return nil, ErrNoRegistry
	}

	s, err := e.registry.Restore(snapshot)
	if err != nil {
		return nil, fmt.Errorf("restoring saga %s: %w", sagaID, err)
	}
	e.log.InfoContext(ctx, "recovering saga",
		"saga_id", sagaID,
		"saga", snapshot.SagaType,
		"step_index", snapshot.Context.CurrentStepIndex,
		"attempt", snapshot.Context.RecoveryAttempts+1,
	)
	return e.Execute(ctx, s, nil)
}

func (e *Engine) recordRecovery(ok bool) {
	status := "success"
	e.statsMu.Lock()
	if ok {
		e.stats.Recoveries++
	} else {
		e.stats.FailedRecoveries++
		status = "failed"
	}
	e.statsMu.Unlock()
	e.metrics.RecordSagaRecovery(status)
}

// RunRecoverySweep tries to recover every failed saga in the store. Failures
// are logged and do not stop the sweep. It returns the number of sagas that
// recovered successfully.
func (e *Engine) RunRecoverySweep(ctx context.Context) int {
	ctx, span := startSpan(ctx, spanRecoverSweep)
	defer span.End()

	ids, err := e.collectIDs(ctx, storage.Filter{
		Statuses: []saga.SagaStatus{saga.StatusFailed},
		SortBy:   storage.SortByUpdatedAt,
	})
	if err != nil {
		e.log.WarnContext(ctx, "recovery sweep could not list failed sagas", "error", err)
		span.RecordError(err)
		if len(ids) == 0 {
			return 0
		}
	}

	recovered := 0
	for _, id := range ids {
		if err := e.limiter.Wait(ctx); err != nil {
			break
		}
		if e.destroyed.Load() {
			break
		}
		res, err := e.RecoverSaga(ctx, id)
		switch {
		case err != nil:
			if errors.Is(err, ErrRecoveryExhausted) || errors.Is(err, ErrCompensationStarted) {
				e.log.DebugContext(ctx, "saga not eligible for recovery", "saga_id", id, "error", err)
				continue
			}
			e.log.WarnContext(ctx, "saga recovery failed", "saga_id", id, "error", err)
		case !res.Success:
			e.log.WarnContext(ctx, "recovered saga failed again", "saga_id", id, "error", res.Error)
		default:
			recovered++
		}
	}
	span.SetAttributes(
		attribute.Int("recovery.candidates", len(ids)),
		attribute.Int("recovery.recovered", recovered),
	)
	if len(ids) > 0 {
		e.log.InfoContext(ctx, "recovery sweep finished", "candidates", len(ids), "recovered", recovered)
	}
	return recovered
}

// Cleanup deletes terminal snapshots created before the cutoff and returns how
// many were removed.
func (e *Engine) Cleanup(ctx context.Context, before time.Time) (int, error) {
	ctx, span := startSpan(ctx, spanCleanup)
	defer span.End()

	ids, err := e.collectIDs(ctx, storage.Filter{
		Statuses:      saga.TerminalStatuses(),
		CreatedBefore: before,
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing snapshots for cleanup: %w", err)
	}

	removed := 0
	for _, id := range ids {
		if e.IsRunning(id) {
			continue
		}
		if err := e.store.Delete(ctx, id); err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			span.RecordError(err)
			e.recordCleaned(removed)
			return removed, fmt.Errorf("deleting snapshot of saga %s: %w", id, err)
		}
		removed++
	}
	e.recordCleaned(removed)
	span.SetAttributes(attribute.Int("cleanup.removed", removed))
	if removed > 0 {
		e.log.InfoContext(ctx, "cleaned up saga snapshots", "removed", removed, "before", before)
	}
	return removed, nil
}

func (e *Engine) recordCleaned(n int) {
	if n == 0 {
		return
	}
	e.statsMu.Lock()
	e.stats.CleanedSnapshots += int64(n)
	e.statsMu.Unlock()
	e.metrics.RecordSnapshotsCleaned(n)
}

// collectIDs pages through the store and returns the matching saga ids.
// Ids are collected before acting on them so deletions and recoveries do not
// shift the pages being read.
func (e *Engine) collectIDs(ctx context.Context, filter storage.Filter) ([]string, error) {
	filter.PageSize = sweepPageSize
	if filter.SortBy == "" {
		filter.SortBy = storage.SortByCreatedAt
	}
	filter.SortOrder = storage.SortAsc

	var ids []string
	for page := 1; ; page++ {
		filter.Page = page
		res, err := e.store.Query(ctx, filter)
		if err != nil {
			return ids, err
		}
		for _, snapshot := range res.Snapshots {
			ids = append(ids, snapshot.SagaID)
		}
		if page >= res.Pagination.TotalPages || len(res.Snapshots) == 0 {
			return ids, nil
		}
	}
}
