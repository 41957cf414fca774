package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultSQLiteTable = "replica_kv"

// SQLiteStore implements Store on a SQLite database file. Every process that
// opens the same file shares the same storage area.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*sqliteStoreOptions)

type sqliteStoreOptions struct {
	table       string
	busyTimeout time.Duration
}

// WithSQLiteTable overrides the table holding the entries.
func WithSQLiteTable(name string) SQLiteOption {
	return func(o *sqliteStoreOptions) {
		o.table = name
	}
}

// WithBusyTimeout sets how long a writer waits on a locked database.
func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(o *sqliteStoreOptions) {
		o.busyTimeout = d
	}
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	o := sqliteStoreOptions{table: defaultSQLiteTable, busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set store db journal mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`PRAGMA busy_timeout = %d`, o.busyTimeout.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set store db busy timeout: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TEXT NOT NULL
)`, o.table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}
	return &SQLiteStore{db: db, table: o.table}, nil
}

// DB exposes the underlying database so a change log can share it.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, s.table), key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query entry %q: %w", key, err)
	}
	return value, true, nil
}

// Set implements Store.Set.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetTx(ctx, key, value, nil)
}

// SetTx writes value under key and runs also in the same transaction.
// Nothing is written when also fails.
func (s *SQLiteStore) SetTx(ctx context.Context, key string, value []byte, also func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, s.table),
		key, value, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save entry %q: %w", key, err)
	}
	if also != nil {
		if err := also(tx); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entry %q: %w", key, err)
	}
	return nil
}

// Keys implements Store.Keys.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s ORDER BY key`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}
	return keys, nil
}
