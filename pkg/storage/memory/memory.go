// Package memory provides an in-memory snapshot store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// Store keeps snapshots in maps guarded by a RWMutex. Values are deep-copied
// on the way in and out.
type Store struct {
	mu          sync.RWMutex
	snapshots   map[string]*saga.SagaStateSnapshot
	byAggregate map[string]map[string]struct{}
	now         func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		snapshots:   make(map[string]*saga.SagaStateSnapshot),
		byAggregate: make(map[string]map[string]struct{}),
		now:         time.Now,
	}
}

// Save upserts a snapshot.
func (m *Store) Save(ctx context.Context, snapshot *saga.SagaStateSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := storage.PrepareForSave(snapshot, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.snapshots[copied.SagaID]; ok && prev.AggregateID != copied.AggregateID {
		m.unindexLocked(prev.AggregateID, prev.SagaID)
	}
	m.snapshots[copied.SagaID] = copied
	ids, ok := m.byAggregate[copied.AggregateID]
	if !ok {
		ids = make(map[string]struct{})
		m.byAggregate[copied.AggregateID] = ids
	}
	ids[copied.SagaID] = struct{}{}
	return nil
}

// GetByID returns a copy of the snapshot.
func (m *Store) GetByID(ctx context.Context, sagaID string) (*saga.SagaStateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[sagaID]
	if !ok {
		return nil, &storage.NotFoundError{SagaID: sagaID}
	}
	return snap.Clone(), nil
}

// GetByAggregateID returns all snapshots of an aggregate, oldest first.
func (m *Store) GetByAggregateID(ctx context.Context, aggregateID string) ([]*saga.SagaStateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	candidates := make([]*saga.SagaStateSnapshot, 0, len(m.byAggregate[aggregateID]))
	for id := range m.byAggregate[aggregateID] {
		candidates = append(candidates, m.snapshots[id].Clone())
	}
	m.mu.RUnlock()

	res, err := storage.ApplyFilter(candidates, storage.Filter{
		SortOrder: storage.SortAsc,
		PageSize:  storage.MaxPageSize,
	})
	if err != nil {
		return nil, err
	}
	return res.Snapshots, nil
}

// Query filters, sorts and pages the stored snapshots.
func (m *Store) Query(ctx context.Context, filter storage.Filter) (*storage.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	candidates := make([]*saga.SagaStateSnapshot, 0, len(m.snapshots))
	for _, snap := range m.snapshots {
		if filter.Matches(snap) {
			candidates = append(candidates, snap.Clone())
		}
	}
	m.mu.RUnlock()
	return storage.ApplyFilter(candidates, filter)
}

// Update patches an existing snapshot.
func (m *Store) Update(ctx context.Context, sagaID string, patch storage.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[sagaID]
	if !ok {
		return &storage.NotFoundError{SagaID: sagaID}
	}
	next := snap.Clone()
	if err := patch.Apply(next, m.now()); err != nil {
		return err
	}
	m.snapshots[sagaID] = next
	return nil
}

// Delete removes a snapshot. Deleting an unknown id is not an error.
func (m *Store) Delete(ctx context.Context, sagaID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sagaID)
	return nil
}

// Cleanup removes snapshots created before the cutoff.
func (m *Store) Cleanup(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, snap := range m.snapshots {
		if snap.CreatedAt.Before(before) {
			m.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op.
func (m *Store) Close() error {
	return nil
}

// Len returns the number of stored snapshots.
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

func (m *Store) deleteLocked(sagaID string) {
	snap, ok := m.snapshots[sagaID]
	if !ok {
		return
	}
	delete(m.snapshots, sagaID)
	m.unindexLocked(snap.AggregateID, sagaID)
}

func (m *Store) unindexLocked(aggregateID, sagaID string) {
	ids := m.byAggregate[aggregateID]
	delete(ids, sagaID)
	if len(ids) == 0 {
		delete(m.byAggregate, aggregateID)
	}
}
