package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/goclaw/sagaflow/pkg/saga"
)

// StoreTestSuite runs the same behavioural checks against any Store.
type StoreTestSuite struct {
	NewStore func(t *testing.T) Store
}

// RunAllTests runs every check as a subtest.
func (s *StoreTestSuite) RunAllTests(t *testing.T) {
	t.Run("SaveAndGetRoundTrip", s.TestSaveAndGetRoundTrip)
	t.Run("SaveIsUpsert", s.TestSaveIsUpsert)
	t.Run("AggregateIndex", s.TestAggregateIndex)
	t.Run("QueryFilters", s.TestQueryFilters)
	t.Run("QueryPagination", s.TestQueryPagination)
	t.Run("Update", s.TestUpdate)
	t.Run("Delete", s.TestDelete)
	t.Run("Cleanup", s.TestCleanup)
	t.Run("ConcurrentAccess", s.TestConcurrentAccess)
	t.Run("InvalidInput", s.TestInvalidInput)
}

var suiteBaseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func suiteSnapshot(id, aggregate string, status saga.SagaStatus, created time.Time) *saga.SagaStateSnapshot {
	return &saga.SagaStateSnapshot{
		SagaID:      id,
		AggregateID: aggregate,
		SagaType:    "order",
		Status:      status,
		Context: saga.SagaContext{
			AggregateID:      aggregate,
			CurrentStepIndex: 1,
			StartTime:        created,
			LastUpdateTime:   created,
			Data:             map[string]any{"order_id": aggregate},
		},
		StepStates: []saga.StepState{
			{Name: "reserve", Executed: true},
			{Name: "charge"},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func (s *StoreTestSuite) open(t *testing.T) Store {
	t.Helper()
	store := s.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustSave(t *testing.T, store Store, snap *saga.SagaStateSnapshot) {
	t.Helper()
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("Save(%s) error = %v", snap.SagaID, err)
	}
}

// TestSaveAndGetRoundTrip checks that a saved snapshot reads back unchanged.
func (s *StoreTestSuite) TestSaveAndGetRoundTrip(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	snap := suiteSnapshot("saga-1", "agg-1", saga.StatusRunning, suiteBaseTime)
	mustSave(t, store, snap)

	got, err := store.GetByID(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.SagaID != snap.SagaID || got.Status != snap.Status || got.Context.CurrentStepIndex != snap.Context.CurrentStepIndex {
		t.Fatalf("GetByID() = %+v, want %+v", got, snap)
	}
	if got.AggregateID != "agg-1" || got.SagaType != "order" {
		t.Fatalf("GetByID() aggregate/type = %s/%s", got.AggregateID, got.SagaType)
	}
	if len(got.StepStates) != 2 || !got.StepStates[0].Executed || got.StepStates[1].Executed {
		t.Fatalf("GetByID() step states = %+v", got.StepStates)
	}
	if got.Context.GetString("order_id") != "agg-1" {
		t.Fatalf("GetByID() data = %v", got.Context.Data)
	}
	if !got.CreatedAt.Equal(suiteBaseTime) {
		t.Fatalf("GetByID() created_at = %v, want %v", got.CreatedAt, suiteBaseTime)
	}

	// the stored copy is independent from the caller's value
	got.Status = saga.StatusCompleted
	again, err := store.GetByID(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if again.Status != saga.StatusRunning {
		t.Fatalf("stored snapshot mutated through returned value: %s", again.Status)
	}

	if _, err := store.GetByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("GetByID(missing) error = %v, want NotFoundError", err)
	}
}

// TestSaveIsUpsert checks that a second save replaces the first.
func (s *StoreTestSuite) TestSaveIsUpsert(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	mustSave(t, store, suiteSnapshot("saga-1", "agg-1", saga.StatusRunning, suiteBaseTime))
	next := suiteSnapshot("saga-1", "agg-1", saga.StatusFailed, suiteBaseTime)
	next.UpdatedAt = suiteBaseTime.Add(time.Minute)
	next.Context.Error = "boom"
	mustSave(t, store, next)

	got, err := store.GetByID(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != saga.StatusFailed || got.Context.Error != "boom" {
		t.Fatalf("GetByID() = %s/%q, want FAILED/boom", got.Status, got.Context.Error)
	}

	byAgg, err := store.GetByAggregateID(ctx, "agg-1")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(byAgg) != 1 {
		t.Fatalf("GetByAggregateID() len = %d, want 1", len(byAgg))
	}
}

// TestAggregateIndex checks the secondary index including aggregate moves.
func (s *StoreTestSuite) TestAggregateIndex(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	mustSave(t, store, suiteSnapshot("saga-1", "agg-1", saga.StatusRunning, suiteBaseTime))
	mustSave(t, store, suiteSnapshot("saga-2", "agg-1", saga.StatusCompleted, suiteBaseTime.Add(time.Second)))
	mustSave(t, store, suiteSnapshot("saga-3", "agg-2", saga.StatusRunning, suiteBaseTime))

	got, err := store.GetByAggregateID(ctx, "agg-1")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAggregateID(agg-1) len = %d, want 2", len(got))
	}

	moved := suiteSnapshot("saga-2", "agg-2", saga.StatusCompleted, suiteBaseTime.Add(time.Second))
	mustSave(t, store, moved)

	got, err = store.GetByAggregateID(ctx, "agg-1")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(got) != 1 || got[0].SagaID != "saga-1" {
		t.Fatalf("GetByAggregateID(agg-1) after move = %v", ids(got))
	}
	got, err = store.GetByAggregateID(ctx, "agg-2")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByAggregateID(agg-2) len = %d, want 2", len(got))
	}

	none, err := store.GetByAggregateID(ctx, "agg-none")
	if err != nil {
		t.Fatalf("GetByAggregateID(agg-none) error = %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("GetByAggregateID(agg-none) len = %d, want 0", len(none))
	}
}

// TestQueryFilters checks status, aggregate and time range filters plus sorting.
func (s *StoreTestSuite) TestQueryFilters(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	statuses := []saga.SagaStatus{saga.StatusFailed, saga.StatusCompleted, saga.StatusFailed, saga.StatusRunning}
	for i, st := range statuses {
		mustSave(t, store, suiteSnapshot(fmt.Sprintf("saga-%d", i), fmt.Sprintf("agg-%d", i%2), st, suiteBaseTime.Add(time.Duration(i)*time.Minute)))
	}

	res, err := store.Query(ctx, Filter{Statuses: []saga.SagaStatus{saga.StatusFailed}, SortOrder: SortAsc})
	if err != nil {
		t.Fatalf("Query(status) error = %v", err)
	}
	if got := ids(res.Snapshots); len(got) != 2 || got[0] != "saga-0" || got[1] != "saga-2" {
		t.Fatalf("Query(status) = %v, want [saga-0 saga-2]", got)
	}

	res, err = store.Query(ctx, Filter{AggregateID: "agg-1"})
	if err != nil {
		t.Fatalf("Query(aggregate) error = %v", err)
	}
	if got := ids(res.Snapshots); len(got) != 2 || got[0] != "saga-3" || got[1] != "saga-1" {
		t.Fatalf("Query(aggregate) = %v, want [saga-3 saga-1]", got)
	}

	res, err = store.Query(ctx, Filter{
		CreatedAfter:  suiteBaseTime.Add(time.Minute),
		CreatedBefore: suiteBaseTime.Add(3 * time.Minute),
		SortOrder:     SortAsc,
	})
	if err != nil {
		t.Fatalf("Query(range) error = %v", err)
	}
	if got := ids(res.Snapshots); len(got) != 2 || got[0] != "saga-1" || got[1] != "saga-2" {
		t.Fatalf("Query(range) = %v, want [saga-1 saga-2]", got)
	}

	res, err = store.Query(ctx, Filter{SagaID: "saga-3"})
	if err != nil {
		t.Fatalf("Query(id) error = %v", err)
	}
	if res.Pagination.Total != 1 {
		t.Fatalf("Query(id) total = %d, want 1", res.Pagination.Total)
	}
}

// TestQueryPagination checks page slicing and totals.
func (s *StoreTestSuite) TestQueryPagination(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		mustSave(t, store, suiteSnapshot(fmt.Sprintf("saga-%d", i), "agg", saga.StatusCompleted, suiteBaseTime.Add(time.Duration(i)*time.Second)))
	}

	res, err := store.Query(ctx, Filter{Page: 3, PageSize: 3, SortOrder: SortAsc})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := ids(res.Snapshots); len(got) != 1 || got[0] != "saga-6" {
		t.Fatalf("Query(page 3) = %v, want [saga-6]", got)
	}
	want := Pagination{Page: 3, PageSize: 3, Total: 7, TotalPages: 3}
	if res.Pagination != want {
		t.Fatalf("Pagination = %+v, want %+v", res.Pagination, want)
	}

	res, err = store.Query(ctx, Filter{Page: 5, PageSize: 3})
	if err != nil {
		t.Fatalf("Query(beyond) error = %v", err)
	}
	if len(res.Snapshots) != 0 || res.Pagination.Total != 7 {
		t.Fatalf("Query(beyond) = %d snapshots, total %d", len(res.Snapshots), res.Pagination.Total)
	}
}

// TestUpdate checks partial updates and the unknown id failure.
func (s *StoreTestSuite) TestUpdate(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	mustSave(t, store, suiteSnapshot("saga-1", "agg-1", saga.StatusRunning, suiteBaseTime))

	failed := saga.StatusFailed
	sc := saga.SagaContext{AggregateID: "agg-1", CurrentStepIndex: 1, Error: "charge failed"}
	if err := store.Update(ctx, "saga-1", Patch{Status: &failed, Context: &sc}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.GetByID(ctx, "saga-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Status != saga.StatusFailed || got.Context.Error != "charge failed" {
		t.Fatalf("after Update() = %s/%q", got.Status, got.Context.Error)
	}
	if len(got.StepStates) != 2 {
		t.Fatalf("Update() must keep step states, got %+v", got.StepStates)
	}
	if !got.UpdatedAt.After(suiteBaseTime) {
		t.Fatalf("Update() did not bump updated_at: %v", got.UpdatedAt)
	}

	if err := store.Update(ctx, "missing", Patch{Status: &failed}); !IsNotFound(err) {
		t.Fatalf("Update(missing) error = %v, want NotFoundError", err)
	}
}

// TestDelete checks removal from the primary record and the aggregate index.
func (s *StoreTestSuite) TestDelete(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	mustSave(t, store, suiteSnapshot("saga-1", "agg-1", saga.StatusCompleted, suiteBaseTime))
	if err := store.Delete(ctx, "saga-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.GetByID(ctx, "saga-1"); !IsNotFound(err) {
		t.Fatalf("GetByID() after delete error = %v", err)
	}
	byAgg, err := store.GetByAggregateID(ctx, "agg-1")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(byAgg) != 0 {
		t.Fatalf("aggregate index still lists %v", ids(byAgg))
	}
	if err := store.Delete(ctx, "saga-1"); err != nil {
		t.Fatalf("Delete() of missing snapshot error = %v", err)
	}
}

// TestCleanup checks that exactly the snapshots created before the cutoff go.
func (s *StoreTestSuite) TestCleanup(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		mustSave(t, store, suiteSnapshot(fmt.Sprintf("saga-%d", i), "agg", saga.StatusCompleted, suiteBaseTime.Add(time.Duration(i)*time.Hour)))
	}

	removed, err := store.Cleanup(ctx, suiteBaseTime.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("Cleanup() = %d, want 2", removed)
	}

	res, err := store.Query(ctx, Filter{SortOrder: SortAsc})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if got := ids(res.Snapshots); len(got) != 3 || got[0] != "saga-2" {
		t.Fatalf("remaining = %v, want [saga-2 saga-3 saga-4]", got)
	}
	byAgg, err := store.GetByAggregateID(ctx, "agg")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(byAgg) != 3 {
		t.Fatalf("aggregate index len = %d, want 3", len(byAgg))
	}

	removed, err = store.Cleanup(ctx, suiteBaseTime.Add(2*time.Hour))
	if err != nil || removed != 0 {
		t.Fatalf("second Cleanup() = %d, %v; want 0, nil", removed, err)
	}
}

// TestConcurrentAccess saves and updates from many goroutines.
func (s *StoreTestSuite) TestConcurrentAccess(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	mustSave(t, store, suiteSnapshot("shared", "agg-shared", saga.StatusRunning, suiteBaseTime))

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			snap := suiteSnapshot(fmt.Sprintf("saga-%d", i), "agg-shared", saga.StatusRunning, suiteBaseTime.Add(time.Duration(i)*time.Millisecond))
			if err := store.Save(ctx, snap); err != nil {
				errs <- err
			}
		}(i)
		go func() {
			defer wg.Done()
			sc := saga.SagaContext{AggregateID: "agg-shared", CurrentStepIndex: 1}
			if err := store.Update(ctx, "shared", Patch{Context: &sc}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent operation error = %v", err)
	}

	byAgg, err := store.GetByAggregateID(ctx, "agg-shared")
	if err != nil {
		t.Fatalf("GetByAggregateID() error = %v", err)
	}
	if len(byAgg) != workers+1 {
		t.Fatalf("GetByAggregateID() len = %d, want %d", len(byAgg), workers+1)
	}
}

// TestInvalidInput checks validation errors.
func (s *StoreTestSuite) TestInvalidInput(t *testing.T) {
	store := s.open(t)
	ctx := context.Background()

	if err := store.Save(ctx, &saga.SagaStateSnapshot{AggregateID: "agg", Status: saga.StatusPending}); err == nil {
		t.Fatal("Save() without saga id expected error")
	}
	if _, err := store.Query(ctx, Filter{SortBy: "name"}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("Query(bad sort) error = %v, want ErrInvalidFilter", err)
	}
	if _, err := store.Query(ctx, Filter{PageSize: MaxPageSize + 1}); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("Query(page size) error = %v, want ErrInvalidFilter", err)
	}
}

func ids(snaps []*saga.SagaStateSnapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.SagaID
	}
	return out
}
