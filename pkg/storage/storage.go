// Package storage defines the saga snapshot store and its query model.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// Store persists saga snapshots. Implementations are safe for concurrent use
// and keep the last write for a saga id.
type Store interface {
	// Save inserts or replaces the snapshot of snapshot.SagaID and refreshes
	// the aggregate index.
	Save(ctx context.Context, snapshot *saga.SagaStateSnapshot) error
	// GetByID returns a NotFoundError for unknown ids.
	GetByID(ctx context.Context, sagaID string) (*saga.SagaStateSnapshot, error)
	GetByAggregateID(ctx context.Context, aggregateID string) ([]*saga.SagaStateSnapshot, error)
	Query(ctx context.Context, filter Filter) (*QueryResult, error)
	// Update applies patch to an existing snapshot and fails for unknown ids.
	Update(ctx context.Context, sagaID string, patch Patch) error
	Delete(ctx context.Context, sagaID string) error
	// Cleanup deletes every snapshot created before the cutoff and returns how many were removed.
	Cleanup(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Patch is a partial update of a snapshot. Nil fields are left untouched.
type Patch struct {
	Status     *saga.SagaStatus
	Context    *saga.SagaContext
	StepStates []saga.StepState
}

// Apply writes the patch into snapshot and bumps UpdatedAt.
func (p Patch) Apply(snapshot *saga.SagaStateSnapshot, now time.Time) error {
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
		}
		snapshot.Status = *p.Status
	}
	if p.Context != nil {
		snapshot.Context = p.Context.Clone()
	}
	if p.StepStates != nil {
		snapshot.StepStates = append([]saga.StepState(nil), p.StepStates...)
	}
	snapshot.UpdatedAt = now.UTC()
	return nil
}

// PrepareForSave validates a snapshot and fills zero timestamps.
func PrepareForSave(snapshot *saga.SagaStateSnapshot, now time.Time) (*saga.SagaStateSnapshot, error) {
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	out := snapshot.Clone()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now.UTC()
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = now.UTC()
	}
	return out, nil
}

var (
	// ErrInvalidFilter is wrapped by errors for malformed query filters.
	ErrInvalidFilter = errors.New("invalid snapshot filter")
	// ErrInvalidPatch is wrapped by errors for malformed patches.
	ErrInvalidPatch = errors.New("invalid snapshot patch")
)

// NotFoundError indicates that no snapshot exists for the saga id.
type NotFoundError struct {
	SagaID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("saga snapshot not found: %s", e.SagaID)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Cause
}

// SerializationError indicates a failure in snapshot encoding or decoding.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}
