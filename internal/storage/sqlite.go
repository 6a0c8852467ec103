package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	kvTableName      = "tabtrail_kv"
	operationTimeout = 5 * time.Second
)

// SQLiteBackend stores values in a SQLite file. Several processes may open the
// same file, which makes it the natural backend for tabs running as separate
// processes.
type SQLiteBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewSQLiteBackend creates a backend for the database file at path. The file
// and its parent directory are created on first use.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	return &SQLiteBackend{path: path}, nil
}

func (b *SQLiteBackend) ensureReady() error {
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = err
				return
			}
		}
		dsn := "file:" + b.path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			b.initErr = fmt.Errorf("failed to open database: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			b.initErr = fmt.Errorf("database ping failed: %w", err)
			return
		}
		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, kvTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			db.Close()
			b.initErr = fmt.Errorf("failed to create table: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteBackend) Get(key string) (string, bool, error) {
	if err := b.ensureReady(); err != nil {
		return "", false, &BackendError{Op: "get", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	var value string
	err := b.db.QueryRowContext(ctx, "SELECT value FROM "+kvTableName+" WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &BackendError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func (b *SQLiteBackend) Set(key, value string) error {
	if err := b.ensureReady(); err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	query := "INSERT INTO " + kvTableName + ` (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := b.db.ExecContext(ctx, query, key, value, time.Now().UnixMilli()); err != nil {
		return &BackendError{Op: "set", Key: key, Err: sqliteError(err)}
	}
	return nil
}

func (b *SQLiteBackend) Remove(key string) error {
	if err := b.ensureReady(); err != nil {
		return &BackendError{Op: "remove", Key: key, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if _, err := b.db.ExecContext(ctx, "DELETE FROM "+kvTableName+" WHERE key = ?", key); err != nil {
		return &BackendError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

func (b *SQLiteBackend) Keys(prefix string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, &BackendError{Op: "keys", Key: prefix, Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx,
		"SELECT key FROM "+kvTableName+" WHERE substr(key, 1, length(?)) = ? ORDER BY key", prefix, prefix)
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

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// sqliteError maps SQLITE_FULL to ErrQuotaExceeded.
func sqliteError(err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "database or disk is full") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
