// Package sqlstore provides a database/sql snapshot store for MySQL and PostgreSQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/goclaw/sagaflow/pkg/saga"
	"github.com/goclaw/sagaflow/pkg/storage"
)

// Dialect selects placeholder style and DDL.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
)

const tableName = "saga_snapshots"

const columns = "saga_id, aggregate_id, saga_type, status, context, step_states, created_at, updated_at"

var mysqlDDL = []string{
	"CREATE TABLE IF NOT EXISTS saga_snapshots ( saga_id VARCHAR(255) NOT NULL PRIMARY KEY, aggregate_id VARCHAR(255) NOT NULL, saga_type VARCHAR(255) NOT NULL, status VARCHAR(32) NOT NULL, context TEXT NOT NULL, step_states TEXT NOT NULL, created_at BIGINT NOT NULL, updated_at BIGINT NOT NULL, INDEX saga_snapshots_aggregate_idx (aggregate_id), INDEX saga_snapshots_created_idx (created_at) );",
}

var postgresDDL = []string{
	"CREATE TABLE IF NOT EXISTS saga_snapshots ( saga_id VARCHAR(255) NOT NULL PRIMARY KEY, aggregate_id VARCHAR(255) NOT NULL, saga_type VARCHAR(255) NOT NULL, status VARCHAR(32) NOT NULL, context TEXT NOT NULL, step_states TEXT NOT NULL, created_at BIGINT NOT NULL, updated_at BIGINT NOT NULL );",
	"CREATE INDEX IF NOT EXISTS saga_snapshots_aggregate_idx ON saga_snapshots (aggregate_id);",
	"CREATE INDEX IF NOT EXISTS saga_snapshots_created_idx ON saga_snapshots (created_at);",
}

// Store persists snapshots in a single table. Timestamps are stored as unix
// nanoseconds so both dialects compare them the same way.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ storage.Store = (*Store)(nil)

// New creates the store and its table if missing.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if dialect != MySQL && dialect != Postgres {
		return nil, errors.Errorf("unsupported sql dialect %q", dialect)
	}
	s := &Store{db: db, dialect: dialect, now: time.Now}
	if err := s.initTables(ctx); err != nil {
		return nil, errors.Wrapf(err, "initializing tables for sql snapshot store, dialect %s", dialect)
	}
	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	ddl := mysqlDDL
	if s.dialect == Postgres {
		ddl = postgresDDL
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if rErr := tx.Rollback(); rErr != nil {
				return errors.Wrapf(rErr, "rollback when %s", err)
			}
			return err
		}
	}
	return tx.Commit()
}

// prepQuery rewrites '?' placeholders to '$n' for postgres.
func (s *Store) prepQuery(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	counter := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(counter))
			counter++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) upsertQuery() string {
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", tableName, columns)
	if s.dialect == Postgres {
		return s.prepQuery(insert + " ON CONFLICT (saga_id) DO UPDATE SET aggregate_id = EXCLUDED.aggregate_id, saga_type = EXCLUDED.saga_type, status = EXCLUDED.status, context = EXCLUDED.context, step_states = EXCLUDED.step_states, created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at;")
	}
	return insert + " ON DUPLICATE KEY UPDATE aggregate_id = VALUES(aggregate_id), saga_type = VALUES(saga_type), status = VALUES(status), context = VALUES(context), step_states = VALUES(step_states), created_at = VALUES(created_at), updated_at = VALUES(updated_at);"
}

type row struct {
	sagaID, aggregateID, sagaType, status string
	context, stepStates                   string
	createdAt, updatedAt                  int64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (*row, error) {
	var r row
	err := sc.Scan(&r.sagaID, &r.aggregateID, &r.sagaType, &r.status, &r.context, &r.stepStates, &r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *row) snapshot() (*saga.SagaStateSnapshot, error) {
	snapshot := &saga.SagaStateSnapshot{
		SagaID:      r.sagaID,
		AggregateID: r.aggregateID,
		SagaType:    r.sagaType,
		Status:      saga.SagaStatus(r.status),
		CreatedAt:   time.Unix(0, r.createdAt).UTC(),
		UpdatedAt:   time.Unix(0, r.updatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.context), &snapshot.Context); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal context", Cause: err}
	}
	if err := json.Unmarshal([]byte(r.stepStates), &snapshot.StepStates); err != nil {
		return nil, &storage.SerializationError{Operation: "unmarshal step states", Cause: err}
	}
	return snapshot, nil
}

func args(snapshot *saga.SagaStateSnapshot) ([]any, error) {
	sc, err := json.Marshal(snapshot.Context)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal context", Cause: err}
	}
	steps := snapshot.StepStates
	if steps == nil {
		steps = []saga.StepState{}
	}
	st, err := json.Marshal(steps)
	if err != nil {
		return nil, &storage.SerializationError{Operation: "marshal step states", Cause: err}
	}
	return []any{
		snapshot.SagaID,
		snapshot.AggregateID,
		snapshot.SagaType,
		string(snapshot.Status),
		string(sc),
		string(st),
		snapshot.CreatedAt.UnixNano(),
		snapshot.UpdatedAt.UnixNano(),
	}, nil
}

// Save upserts a snapshot in one statement.
func (s *Store) Save(ctx context.Context, snapshot *saga.SagaStateSnapshot) error {
	next, err := storage.PrepareForSave(snapshot, s.now())
	if err != nil {
		return err
	}
	values, err := args(next)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.upsertQuery(), values...); err != nil {
		return errors.Wrapf(err, "saving snapshot of saga %s", next.SagaID)
	}
	return nil
}

// GetByID loads one snapshot.
func (s *Store) GetByID(ctx context.Context, sagaID string) (*saga.SagaStateSnapshot, error) {
	query := s.prepQuery(fmt.Sprintf("SELECT %s FROM %s WHERE saga_id = ?;", columns, tableName))
	r, err := scanRow(s.db.QueryRowContext(ctx, query, sagaID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &storage.NotFoundError{SagaID: sagaID}
		}
		return nil, errors.Wrapf(err, "querying snapshot of saga %s", sagaID)
	}
	return r.snapshot()
}

// GetByAggregateID lists the aggregate's snapshots, oldest first.
func (s *Store) GetByAggregateID(ctx context.Context, aggregateID string) ([]*saga.SagaStateSnapshot, error) {
	query := s.prepQuery(fmt.Sprintf("SELECT %s FROM %s WHERE aggregate_id = ? ORDER BY created_at ASC, saga_id ASC;", columns, tableName))
	rows, err := s.db.QueryContext(ctx, query, aggregateID)
	if err != nil {
		return nil, errors.Wrapf(err, "querying snapshots of aggregate %s", aggregateID)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*saga.SagaStateSnapshot, error) {
	defer rows.Close()
	out := make([]*saga.SagaStateSnapshot, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning row")
		}
		snapshot, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func whereClause(f storage.Filter) (string, []any) {
	var (
		conditions []string
		values     []any
	)
	add := func(cond string, v any) {
		conditions = append(conditions, cond)
		values = append(values, v)
	}
	if f.SagaID != "" {
		add("saga_id = ?", f.SagaID)
	}
	if f.AggregateID != "" {
		add("aggregate_id = ?", f.AggregateID)
	}
	if f.SagaType != "" {
		add("saga_type = ?", f.SagaType)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			values = append(values, string(st))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(marks, ", ")))
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= ?", f.CreatedAfter.UnixNano())
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < ?", f.CreatedBefore.UnixNano())
	}
	if !f.UpdatedAfter.IsZero() {
		add("updated_at >= ?", f.UpdatedAfter.UnixNano())
	}
	if !f.UpdatedBefore.IsZero() {
		add("updated_at < ?", f.UpdatedBefore.UnixNano())
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), values
}

// Query pushes filter, sort and paging down to the database.
func (s *Store) Query(ctx context.Context, filter storage.Filter) (*storage.QueryResult, error) {
	f, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	where, values := whereClause(f)

	var total int
	countQuery := s.prepQuery(fmt.Sprintf("SELECT COUNT(*) FROM %s%s;", tableName, where))
	if err := s.db.QueryRowContext(ctx, countQuery, values...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "counting snapshots")
	}

	dir := "DESC"
	if f.SortOrder == storage.SortAsc {
		dir = "ASC"
	}
	query := s.prepQuery(fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s %s, saga_id %s LIMIT ? OFFSET ?;",
		columns, tableName, where, string(f.SortBy), dir, dir))
	rows, err := s.db.QueryContext(ctx, query, append(values, f.PageSize, f.Offset())...)
	if err != nil {
		return nil, errors.Wrap(err, "querying snapshots with filter")
	}
	snapshots, err := collect(rows)
	if err != nil {
		return nil, err
	}
	return &storage.QueryResult{
		Snapshots:  snapshots,
		Pagination: storage.NewPagination(f, total),
	}, nil
}

// Update locks the row, applies the patch and writes it back.
func (s *Store) Update(ctx context.Context, sagaID string, patch storage.Patch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "beginning a transaction for saga %s", sagaID)
	}

	query := s.prepQuery(fmt.Sprintf("SELECT %s FROM %s WHERE saga_id = ? FOR UPDATE;", columns, tableName))
	r, err := scanRow(tx.QueryRowContext(ctx, query, sagaID))
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when %s", err)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return &storage.NotFoundError{SagaID: sagaID}
		}
		return errors.Wrapf(err, "loading snapshot of saga %s", sagaID)
	}

	snapshot, err := r.snapshot()
	if err == nil {
		err = patch.Apply(snapshot, s.now())
	}
	var values []any
	if err == nil {
		values, err = args(snapshot)
	}
	if err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when %s", err)
		}
		return err
	}

	update := s.prepQuery(fmt.Sprintf("UPDATE %s SET status = ?, context = ?, step_states = ?, updated_at = ? WHERE saga_id = ?;", tableName))
	if _, err := tx.ExecContext(ctx, update, values[3], values[4], values[5], values[7], sagaID); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(rErr, "rollback when %s", err)
		}
		return errors.Wrapf(err, "updating snapshot of saga %s", sagaID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "committing update of saga %s", sagaID)
	}
	return nil
}

// Delete removes a snapshot.
func (s *Store) Delete(ctx context.Context, sagaID string) error {
	query := s.prepQuery(fmt.Sprintf("DELETE FROM %s WHERE saga_id = ?;", tableName))
	if _, err := s.db.ExecContext(ctx, query, sagaID); err != nil {
		return errors.Wrapf(err, "deleting snapshot of saga %s", sagaID)
	}
	return nil
}

// Cleanup deletes snapshots created before the cutoff.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int, error) {
	query := s.prepQuery(fmt.Sprintf("DELETE FROM %s WHERE created_at < ?;", tableName))
	res, err := s.db.ExecContext(ctx, query, before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "cleaning up snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(n), nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
