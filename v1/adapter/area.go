package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

const (
	defaultRetryInterval = time.Second
	notifyTimeout        = 5 * time.Second
)

// sqlTxStore and sqlTxLog commit a write and its change row in one
// transaction when they share a database.
type sqlTxStore interface {
	DB() *sql.DB
	SetTx(ctx context.Context, key string, value []byte, also func(*sql.Tx) error) error
}

type sqlTxLog interface {
	DB() *sql.DB
	AppendTx(ctx context.Context, tx *sql.Tx, change watchbus.Change) error
}

// redisTxStore and redisTxLog queue a write and its notification in one
// MULTI/EXEC when they share a client.
type redisTxStore interface {
	Client() *redis.Client
	SetPipe(ctx context.Context, key string, value []byte, also func(context.Context, redis.Pipeliner) error) error
}

type redisTxLog interface {
	Client() *redis.Client
	AppendPipe(ctx context.Context, pipe redis.Pipeliner, change watchbus.Change) error
}

// Area is one instance's view of the shared storage: reads go straight to
// the store, and every successful write is announced to the other
// instances through the change bus. The writer never sees its own changes.
//
// When the store and the change bus can commit together, the write and its
// announcement are one atomic step. Otherwise an announcement that fails
// after the write is kept and redelivered until the bus accepts it.
type Area struct {
	store   Store
	changes watchbus.WatchBus
	origin  string
	atomic  func(ctx context.Context, key string, value []byte, change watchbus.Change) error

	retryInterval time.Duration

	mu      sync.Mutex
	pending map[string]watchbus.Change
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

// AreaOption configures an Area.
type AreaOption func(*Area)

// WithRetryInterval sets how often failed announcements are redelivered.
func WithRetryInterval(d time.Duration) AreaOption {
	return func(a *Area) {
		if d > 0 {
			a.retryInterval = d
		}
	}
}

// NewArea binds store and changes to the instance identified by origin.
// A nil changes bus makes the area write-only from the other instances'
// point of view: they observe new values on their next cold read.
func NewArea(store Store, changes watchbus.WatchBus, origin string, opts ...AreaOption) *Area {
	a := &Area{
		store:         store,
		changes:       changes,
		origin:        origin,
		retryInterval: defaultRetryInterval,
		pending:       make(map[string]watchbus.Change),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.atomic = atomicWriter(store, changes)
	return a
}

func atomicWriter(store Store, changes watchbus.WatchBus) func(context.Context, string, []byte, watchbus.Change) error {
	if changes == nil {
		return nil
	}
	if s, ok := store.(sqlTxStore); ok {
		if l, ok := changes.(sqlTxLog); ok && s.DB() == l.DB() {
			return func(ctx context.Context, key string, value []byte, change watchbus.Change) error {
				return s.SetTx(ctx, key, value, func(tx *sql.Tx) error {
					return l.AppendTx(ctx, tx, change)
				})
			}
		}
	}
	if s, ok := store.(redisTxStore); ok {
		if l, ok := changes.(redisTxLog); ok && s.Client() == l.Client() {
			return func(ctx context.Context, key string, value []byte, change watchbus.Change) error {
				return s.SetPipe(ctx, key, value, func(ctx context.Context, pipe redis.Pipeliner) error {
					return l.AppendPipe(ctx, pipe, change)
				})
			}
		}
	}
	return nil
}

// Origin returns the instance identifier the area writes under.
func (a *Area) Origin() string {
	return a.origin
}

// Store returns the underlying store.
func (a *Area) Store() Store {
	return a.store
}

// Get reads the encoded value for key.
func (a *Area) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return a.store.Get(ctx, key)
}

// Set writes value for key and notifies the other instances. A rejected
// write is reported wrapped in ErrPersistence and produces no notification.
// Any other error means the value is stored and its announcement is queued
// for redelivery.
func (a *Area) Set(ctx context.Context, key string, value []byte) error {
	change := watchbus.Change{Key: key, Value: value, Origin: a.origin}
	if a.atomic != nil {
		if err := a.atomic(ctx, key, value, change); err != nil {
			return fmt.Errorf("%w: %w", warperrors.ErrPersistence, err)
		}
		return nil
	}
	if err := a.store.Set(ctx, key, value); err != nil {
		return fmt.Errorf("%w: %w", warperrors.ErrPersistence, err)
	}
	if a.changes == nil {
		return nil
	}
	return a.announce(ctx, change)
}

// announce publishes change. A newer announcement for the same key replaces
// a pending one, so redelivery never resurrects an older value.
func (a *Area) announce(ctx context.Context, change watchbus.Change) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.changes.Publish(ctx, change)
	if err == nil {
		delete(a.pending, change.Key)
		return nil
	}
	if a.closed {
		return fmt.Errorf("notify change %q: %w", change.Key, err)
	}
	a.pending[change.Key] = change
	if a.stop == nil {
		a.stop = make(chan struct{})
		a.done = make(chan struct{})
		go a.redeliver(a.stop, a.done)
	}
	return fmt.Errorf("notify change %q, queued for redelivery: %w", change.Key, err)
}

func (a *Area) redeliver(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if a.flush() == 0 {
			a.mu.Lock()
			// Announce starts a new loop once this one is gone.
			if len(a.pending) == 0 && a.stop == stop {
				a.stop, a.done = nil, nil
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
		}
	}
}

// flush retries every pending announcement and returns how many remain.
func (a *Area) flush() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, change := range a.pending {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		err := a.changes.Publish(ctx, change)
		cancel()
		if err != nil {
			slog.Warn("replica: change redelivery failed", "key", key, "pending", len(a.pending), "error", err)
			break
		}
		delete(a.pending, key)
	}
	return len(a.pending)
}

// Pending returns the number of announcements awaiting redelivery.
func (a *Area) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops redelivery. Announcements still pending are dropped; the
// values themselves are in the store.
func (a *Area) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	if n := len(a.pending); n > 0 {
		slog.Warn("replica: dropping pending change announcements", "origin", a.origin, "pending", n)
	}
	a.pending = map[string]watchbus.Change{}
	a.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Watch returns the changes written by other instances.
// It returns a nil channel when the area has no change bus.
func (a *Area) Watch(ctx context.Context) (<-chan watchbus.Change, error) {
	if a.changes == nil {
		return nil, nil
	}
	return a.changes.Watch(ctx, a.origin)
}

// Unwatch releases a channel returned by Watch.
func (a *Area) Unwatch(ctx context.Context, ch <-chan watchbus.Change) error {
	if a.changes == nil || ch == nil {
		return nil
	}
	return a.changes.Unwatch(ctx, ch)
}
