package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

// pqDiskFull is the SQLSTATE for disk_full.
const pqDiskFull = "53100"

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores values in a single key/value table. It serves tab
// fleets hosted server-side that share one database instead of a local file.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend creates a backend for dsn. The connection opens lazily.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: kvTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, pq.QuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) Get(key string) (string, bool, error) {
	if err := b.ensureReady(); err != nil {
		return "", false, &BackendError{Op: "get", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", pq.QuoteIdentifier(b.tableName))
	var value string
	err := b.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &BackendError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func (b *PostgresBackend) Set(key, value string) error {
	if err := b.ensureReady(); err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return &BackendError{Op: "set", Key: key, Err: postgresError(err)}
	}
	return nil
}

func (b *PostgresBackend) Remove(key string) error {
	if err := b.ensureReady(); err != nil {
		return &BackendError{Op: "remove", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE key = $1", pq.QuoteIdentifier(b.tableName))
	if _, err := b.db.ExecContext(ctx, query, key); err != nil {
		return &BackendError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (b *PostgresBackend) Keys(prefix string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT key FROM %s WHERE left(key, length($1)) = $1 ORDER BY key", pq.QuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
	}
	return keys, nil
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqDiskFull {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
