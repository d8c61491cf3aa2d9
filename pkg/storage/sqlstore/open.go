package sqlstore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

// Config describes a database connection.
type Config struct {
	Dialect         Dialect
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// driverName maps a dialect to its registered database/sql driver.
func driverName(d Dialect) (string, error) {
	switch d {
	case MySQL:
		return "mysql", nil
	case Postgres:
		return "postgres", nil
	default:
		return "", errors.Errorf("unsupported sql dialect %q", d)
	}
}

// Open connects to the database, verifies the connection and creates the
// snapshot table if missing.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := driverName(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("sql dsn cannot be empty")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", cfg.Dialect)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "connecting to %s database", cfg.Dialect)
	}
	s, err := New(ctx, db, cfg.Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
