// Package redis provides a Redis-backed snapshot store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

const (
	defaultKeyPrefix = "sagaflow"
	maxTxRetries     = 64
	fetchBatchSize   = 200
)

// Store keeps one JSON value per saga, a set of saga ids per aggregate and a
// sorted set of saga ids scored by creation time in microseconds.
type Store struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates a store over client. Close closes the client.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix, now: time.Now}
}

func (s *Store) dataKey(id string) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, id)
}

func (s *Store) aggregateKey(aggregateID string) string {
	return fmt.Sprintf("%s:aggregate:%s", s.prefix, aggregateID)
}

func (s *Store) createdKey() string {
	return s.prefix + ":created"
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *storage.SerializationError
	var nf *storage.NotFoundError
	if errors.As(err, &se) || errors.As(err, &nf) || errors.Is(err, storage.ErrInvalidPatch) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}

func decode(raw string) (*saga.SagaStateSnapshot, error) {
	var snapshot saga.SagaStateSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &snapshot, nil
}

func encode(snapshot *saga.SagaStateSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

// watch runs fn under WATCH on the saga key and retries when another client
// modified the key before EXEC.
func (s *Store) watch(ctx context.Context, sagaID string, fn func(tx *redis.Tx) error) error {
	key := s.dataKey(sagaID)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return unavailable(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Millisecond):
		}
	}
	return &storage.StorageUnavailableError{Cause: fmt.Errorf("saga %s: too many concurrent writers", sagaID)}
}

func (s *Store) getInTx(ctx context.Context, tx *redis.Tx, sagaID string) (*saga.SagaStateSnapshot, error) {
	raw, err := tx.Get(ctx, s.dataKey(sagaID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.NotFoundError{SagaID: sagaID}
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *Store) put(ctx context.Context, pipe redis.Pipeliner, prev, next *saga.SagaStateSnapshot) error {
	data, err := encode(next)
	if err != nil {
		return err
	}
	if prev != nil && prev.AggregateID != next.AggregateID {
		pipe.SRem(ctx, s.aggregateKey(prev.AggregateID), prev.SagaID)
	}
	pipe.Set(ctx, s.dataKey(next.SagaID), data, 0)
	pipe.SAdd(ctx, s.aggregateKey(next.AggregateID), next.SagaID)
	pipe.ZAdd(ctx, s.createdKey(), redis.Z{Score: score(next.CreatedAt), Member: next.SagaID})
	return nil
}

func (s *Store) remove(ctx context.Context, pipe redis.Pipeliner, snapshot *saga.SagaStateSnapshot) {
	pipe.Del(ctx, s.dataKey(snapshot.SagaID))
	pipe.SRem(ctx, s.aggregateKey(snapshot.AggregateID), snapshot.SagaID)
	pipe.ZRem(ctx, s.createdKey(), snapshot.SagaID)
}

// Save upserts a snapshot and its index entries atomically.
func (s *Store) Save(ctx context.Context, snapshot *saga.SagaStateSnapshot) error {
	next, err := storage.PrepareForSave(snapshot, s.now())
	if err != nil {
		return err
	}
	return s.watch(ctx, next.SagaID, func(tx *redis.Tx) error {
		prev, err := s.getInTx(ctx, tx, next.SagaID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.put(ctx, pipe, prev, next)
		})
		return err
	})
}

// GetByID loads one snapshot.
func (s *Store) GetByID(ctx context.Context, sagaID string) (*saga.SagaStateSnapshot, error) {
	raw, err := s.client.Get(ctx, s.dataKey(sagaID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &storage.NotFoundError{SagaID: sagaID}
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decode(raw)
}

// GetByAggregateID loads every snapshot listed in the aggregate set.
func (s *Store) GetByAggregateID(ctx context.Context, aggregateID string) ([]*saga.SagaStateSnapshot, error) {
	ids, err := s.client.SMembers(ctx, s.aggregateKey(aggregateID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	snapshots, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	res, err := storage.ApplyFilter(snapshots, storage.Filter{SortOrder: storage.SortAsc, PageSize: storage.MaxPageSize})
	if err != nil {
		return nil, err
	}
	return res.Snapshots, nil
}

// fetch loads snapshots with MGET in batches, skipping ids deleted meanwhile.
func (s *Store) fetch(ctx context.Context, ids []string) ([]*saga.SagaStateSnapshot, error) {
	out := make([]*saga.SagaStateSnapshot, 0, len(ids))
	for start := 0; start < len(ids); start += fetchBatchSize {
		end := min(start+fetchBatchSize, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.dataKey(id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			snapshot, err := decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, snapshot)
		}
	}
	return out, nil
}

// Query narrows candidates by the created-at sorted set and filters the rest in memory.
func (s *Store) Query(ctx context.Context, filter storage.Filter) (*storage.QueryResult, error) {
	if _, err := filter.Normalize(); err != nil {
		return nil, err
	}
	var ids []string
	var err error
	switch {
	case filter.SagaID != "":
		ids = []string{filter.SagaID}
	case filter.AggregateID != "":
		ids, err = s.client.SMembers(ctx, s.aggregateKey(filter.AggregateID)).Result()
	default:
		rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
		if !filter.CreatedAfter.IsZero() {
			rng.Min = strconv.FormatInt(filter.CreatedAfter.UnixMicro(), 10)
		}
		if !filter.CreatedBefore.IsZero() {
			rng.Max = strconv.FormatInt(filter.CreatedBefore.UnixMicro(), 10)
		}
		ids, err = s.client.ZRangeByScore(ctx, s.createdKey(), rng).Result()
	}
	if err != nil {
		return nil, unavailable(err)
	}
	candidates, err := s.fetch(ctx, ids)
	if err != nil {
		return nil, err
	}
	return storage.ApplyFilter(candidates, filter)
}

// Update patches an existing snapshot under WATCH.
func (s *Store) Update(ctx context.Context, sagaID string, patch storage.Patch) error {
	return s.watch(ctx, sagaID, func(tx *redis.Tx) error {
		prev, err := s.getInTx(ctx, tx, sagaID)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := patch.Apply(next, s.now()); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.put(ctx, pipe, prev, next)
		})
		return err
	})
}

// Delete removes a snapshot and its index entries.
func (s *Store) Delete(ctx context.Context, sagaID string) error {
	return s.watch(ctx, sagaID, func(tx *redis.Tx) error {
		prev, err := s.getInTx(ctx, tx, sagaID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.remove(ctx, pipe, prev)
			return nil
		})
		return err
	})
}

// Cleanup deletes snapshots created before the cutoff. Candidates come from
// the sorted set and are checked against the exact timestamp.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.createdKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	removed := 0
	for _, id := range ids {
		deleted := false
		err := s.watch(ctx, id, func(tx *redis.Tx) error {
			deleted = false
			prev, err := s.getInTx(ctx, tx, id)
			if storage.IsNotFound(err) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, s.createdKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if !prev.CreatedAt.Before(before) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.remove(ctx, pipe, prev)
				return nil
			})
			deleted = err == nil
			return err
		})
		if err != nil {
			return removed, err
		}
		if deleted {
			removed++
		}
	}
	return removed, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
