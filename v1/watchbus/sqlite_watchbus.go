package watchbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSQLiteChangesTable = "replica_changes"
	defaultPollInterval       = 200 * time.Millisecond
	defaultRetention          = 10 * time.Minute
)

// SQLiteWatchBus records changes in a log table of the shared database and
// polls it. Because the log lives next to the data, any process that can
// write the store can notify every other process polling the same file.
// Watchers start at the current head: history is never replayed, a fresh
// instance reads the store instead.
type SQLiteWatchBus struct {
	db        *sql.DB
	table     string
	interval  time.Duration
	retention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	w      watchers
}

// SQLiteOption configures a SQLiteWatchBus.
type SQLiteOption func(*SQLiteWatchBus)

// WithPollInterval sets how often the change log is read.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteWatchBus) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithRetention sets how long log rows are kept before being trimmed.
func WithRetention(d time.Duration) SQLiteOption {
	return func(b *SQLiteWatchBus) {
		if d > 0 {
			b.retention = d
		}
	}
}

// NewSQLiteWatchBus creates the change log table on db if needed.
func NewSQLiteWatchBus(db *sql.DB, opts ...SQLiteOption) (*SQLiteWatchBus, error) {
	b := &SQLiteWatchBus{
		db:        db,
		table:     defaultSQLiteChangesTable,
		interval:  defaultPollInterval,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(b)
	}
	if _, err := db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	origin TEXT NOT NULL,
	created_at INTEGER NOT NULL
)`, b.table)); err != nil {
		return nil, fmt.Errorf("initialize change log schema: %w", err)
	}
	return b, nil
}

// Publish appends the change to the log.
func (b *SQLiteWatchBus) Publish(ctx context.Context, change Change) error {
	return b.append(ctx, b.db, change)
}

// AppendTx appends the change inside tx, so it is committed together with
// the store write it announces.
func (b *SQLiteWatchBus) AppendTx(ctx context.Context, tx *sql.Tx, change Change) error {
	return b.append(ctx, tx, change)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *SQLiteWatchBus) append(ctx context.Context, db execer, change Change) error {
	_, err := db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, origin, created_at) VALUES (?, ?, ?, ?)`, b.table),
		change.Key, change.Value, change.Origin, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append change %q: %w", change.Key, err)
	}
	return nil
}

// DB returns the database holding the change log.
func (b *SQLiteWatchBus) DB() *sql.DB {
	return b.db
}

// Watch implements WatchBus.Watch.
func (b *SQLiteWatchBus) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	b.mu.Lock()
	if err := b.startLocked(ctx); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	box := b.w.add(origin)
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), box.out)
		case <-box.done:
		}
	}()
	return box.out, nil
}

func (b *SQLiteWatchBus) startLocked(ctx context.Context) error {
	if b.cancel != nil {
		return nil
	}
	head, err := b.head(ctx)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.poll(pctx, head, b.done)
	return nil
}

func (b *SQLiteWatchBus) head(ctx context.Context) (int64, error) {
	var seq int64
	err := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(seq), 0) FROM %s`, b.table)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query change log head: %w", err)
	}
	return seq, nil
}

func (b *SQLiteWatchBus) poll(ctx context.Context, after int64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	lastTrim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := b.read(ctx, after)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("replica: change log poll failed", "error", err)
			}
			continue
		}
		after = next
		if time.Since(lastTrim) > b.retention/2 {
			b.trim(ctx)
			lastTrim = time.Now()
		}
	}
}

func (b *SQLiteWatchBus) read(ctx context.Context, after int64) (int64, error) {
	rows, err := b.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT seq, key, value, origin FROM %s WHERE seq > ? ORDER BY seq`, b.table), after)
	if err != nil {
		return after, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c Change
		var seq int64
		if err := rows.Scan(&seq, &c.Key, &c.Value, &c.Origin); err != nil {
			return after, fmt.Errorf("scan change row: %w", err)
		}
		after = seq
		b.w.deliver(c)
	}
	if err := rows.Err(); err != nil {
		return after, fmt.Errorf("iterate change rows: %w", err)
	}
	return after, nil
}

func (b *SQLiteWatchBus) trim(ctx context.Context) {
	cutoff := time.Now().Add(-b.retention).UnixMilli()
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE created_at < ?`, b.table), cutoff); err != nil {
		slog.Warn("replica: change log trim failed", "error", err)
	}
}

// Unwatch implements WatchBus.Unwatch. Polling stops with the last watcher.
func (b *SQLiteWatchBus) Unwatch(ctx context.Context, ch <-chan Change) error {
	b.mu.Lock()
	var cancel context.CancelFunc
	var done chan struct{}
	if b.w.remove(ch) == 0 {
		cancel, done = b.cancel, b.done
		b.cancel, b.done = nil, nil
	}
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Close stops polling and closes every watcher. The database is owned by
// the caller and stays open.
func (b *SQLiteWatchBus) Close() error {
	b.w.closeAll()
	b.stop()
	return nil
}

func (b *SQLiteWatchBus) stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
