// Package badger provides a Badger-backed snapshot store.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

const (
	dataPrefix      = "snapshot:data:"
	aggregatePrefix = "snapshot:index:aggregate:"
	createdPrefix   = "snapshot:index:created:"

	maxConflictRetries = 16
	cleanupBatchSize   = 256
)

// Config holds configuration for Store.
type Config struct {
	Path             string
	InMemory         bool
	SyncWrites       bool
	ValueLogFileSize int64
	Logger           logger.Logger
}

// Store implements storage.Store on top of Badger. The snapshot and its index
// keys are always written in one transaction.
type Store struct {
	db  *badger.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.Logger != nil {
		opts.Logger = &badgerLogger{log: cfg.Logger.With("component", "badger")}
	} else {
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return New(db), nil
}

// New wraps an already opened database. Close closes it.
func New(db *badger.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func dataKey(id string) []byte {
	return []byte(dataPrefix + id)
}

func aggregateKey(aggregateID, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", aggregatePrefix, aggregateID, id))
}

func createdKey(created time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", createdPrefix, created.UnixNano(), id))
}

func serialize(snapshot *saga.SagaStateSnapshot) ([]byte, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return data, nil
}

func deserialize(data []byte) (*saga.SagaStateSnapshot, error) {
	var snapshot saga.SagaStateSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal", Cause: err}
	}
	return &snapshot, nil
}

// update runs fn in a read-write transaction, retrying on write conflicts so
// concurrent writers to one saga end with the last commit winning.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getInTxn(txn *badger.Txn, id string) (*saga.SagaStateSnapshot, error) {
	item, err := txn.Get(dataKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &storage.NotFoundError{SagaID: id}
	}
	if err != nil {
		return nil, err
	}
	var snapshot *saga.SagaStateSnapshot
	err = item.Value(func(val []byte) error {
		var decodeErr error
		snapshot, decodeErr = deserialize(val)
		return decodeErr
	})
	return snapshot, err
}

func putInTxn(txn *badger.Txn, prev, next *saga.SagaStateSnapshot) error {
	if prev != nil {
		if prev.AggregateID != next.AggregateID {
			if err := txn.Delete(aggregateKey(prev.AggregateID, prev.SagaID)); err != nil {
				return err
			}
		}
		if !prev.CreatedAt.Equal(next.CreatedAt) {
			if err := txn.Delete(createdKey(prev.CreatedAt, prev.SagaID)); err != nil {
				return err
			}
		}
	}
	data, err := serialize(next)
	if err != nil {
		return err
	}
	if err := txn.Set(dataKey(next.SagaID), data); err != nil {
		return err
	}
	if err := txn.Set(aggregateKey(next.AggregateID, next.SagaID), nil); err != nil {
		return err
	}
	return txn.Set(createdKey(next.CreatedAt, next.SagaID), nil)
}

func deleteInTxn(txn *badger.Txn, snapshot *saga.SagaStateSnapshot) error {
	if err := txn.Delete(dataKey(snapshot.SagaID)); err != nil {
		return err
	}
	if err := txn.Delete(aggregateKey(snapshot.AggregateID, snapshot.SagaID)); err != nil {
		return err
	}
	return txn.Delete(createdKey(snapshot.CreatedAt, snapshot.SagaID))
}

// Save upserts a snapshot together with its index keys.
func (s *Store) Save(ctx context.Context, snapshot *saga.SagaStateSnapshot) error {
	next, err := storage.PrepareForSave(snapshot, s.now())
	if err != nil {
		return err
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, next.SagaID)
		if err != nil && !storage.IsNotFound(err) {
			return err
		}
		return putInTxn(txn, prev, next)
	})
}

// GetByID loads one snapshot.
func (s *Store) GetByID(ctx context.Context, sagaID string) (*saga.SagaStateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snapshot *saga.SagaStateSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		snapshot, err = getInTxn(txn, sagaID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetByAggregateID walks the aggregate index.
func (s *Store) GetByAggregateID(ctx context.Context, aggregateID string) ([]*saga.SagaStateSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(fmt.Sprintf("%s%s:", aggregatePrefix, aggregateID))
	var out []*saga.SagaStateSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			snapshot, err := getInTxn(txn, id)
			if storage.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, snapshot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res, err := storage.ApplyFilter(out, storage.Filter{SortOrder: storage.SortAsc, PageSize: storage.MaxPageSize})
	if err != nil {
		return nil, err
	}
	return res.Snapshots, nil
}

// Query scans all snapshots and applies the filter.
func (s *Store) Query(ctx context.Context, filter storage.Filter) (*storage.QueryResult, error) {
	if _, err := filter.Normalize(); err != nil {
		return nil, err
	}
	var candidates []*saga.SagaStateSnapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(dataPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var snapshot *saga.SagaStateSnapshot
			err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				snapshot, decodeErr = deserialize(val)
				return decodeErr
			})
			if err != nil {
				return err
			}
			if filter.Matches(snapshot) {
				candidates = append(candidates, snapshot)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.ApplyFilter(candidates, filter)
}

// Update patches an existing snapshot.
func (s *Store) Update(ctx context.Context, sagaID string, patch storage.Patch) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, sagaID)
		if err != nil {
			return err
		}
		next := prev.Clone()
		if err := patch.Apply(next, s.now()); err != nil {
			return err
		}
		return putInTxn(txn, prev, next)
	})
}

// Delete removes a snapshot and its index keys.
func (s *Store) Delete(ctx context.Context, sagaID string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		prev, err := getInTxn(txn, sagaID)
		if storage.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return deleteInTxn(txn, prev)
	})
}

// Cleanup walks the created-at index up to the cutoff and deletes in batches.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	for {
		ids, err := s.createdBefore(ctx, before, cleanupBatchSize)
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			return removed, nil
		}
		batch := 0
		err = s.update(ctx, func(txn *badger.Txn) error {
			batch = 0
			for _, id := range ids {
				prev, err := getInTxn(txn, id.sagaID)
				if storage.IsNotFound(err) {
					if err := txn.Delete(id.key); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				if err := deleteInTxn(txn, prev); err != nil {
					return err
				}
				batch++
			}
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed += batch
	}
}

type indexEntry struct {
	key    []byte
	sagaID string
}

func (s *Store) createdBefore(ctx context.Context, before time.Time, limit int) ([]indexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []indexEntry
	cutoff := before.UnixNano()
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(createdPrefix)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := it.Item().KeyCopy(nil)
			rest := strings.TrimPrefix(string(key), createdPrefix)
			stamp, id, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			nanos, err := strconv.ParseInt(stamp, 10, 64)
			if err != nil {
				continue
			}
			if nanos >= cutoff {
				break
			}
			out = append(out, indexEntry{key: key, sagaID: id})
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
