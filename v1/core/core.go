// Package core replicates named values across instances that share one
// store.
//
// An Instance binds the shared store, the change bus announcing store
// writes, and the broadcast bus. Cells created on an instance hold one key
// each: local commits are written through to the store and propagated to
// sibling instances, and values committed by siblings overwrite the local
// copy as they arrive (last applied wins).
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"go.opentelemetry.io/otel"

	"github.com/mirkobrombin/go-replica/v1/adapter"
	"github.com/mirkobrombin/go-replica/v1/codec"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

// BroadcastTopic is the topic every value cell publishes on, after the
// instance namespace.
const BroadcastTopic = "replica:state"

var tracer = otel.Tracer("github.com/mirkobrombin/go-replica/v1/core")

// ErrNoStore is returned by NewInstance when Config.Store is nil.
var ErrNoStore = errors.New("replica: store is required")

// Config wires an Instance.
type Config struct {
	// ID identifies the instance as the origin of its store writes.
	// A random UUID is used when empty.
	ID string
	// Store is the persistent store shared with sibling instances.
	Store adapter.Store
	// Changes announces store writes to siblings. Without it, siblings
	// only learn about writes through Broadcast or their next cold read.
	Changes watchbus.WatchBus
	// Broadcast carries value cell commits. Nil disables broadcasting.
	Broadcast syncbus.Bus
	// Namespace prefixes the broadcast topic. Instances sharing a bus but
	// not a store must use different namespaces.
	Namespace string
	// NotifyRetry is how often store change announcements that failed
	// after their write are redelivered. Defaults to one second.
	NotifyRetry time.Duration
	Codec     codec.Codec
	Logger    *slog.Logger
}

// Instance is one execution context participating in replication.
type Instance struct {
	id    string
	area  *adapter.Area
	bus   syncbus.Bus
	topic string
	codec codec.Codec
	log   *slog.Logger

	degraded sync.Once

	mu     sync.Mutex
	cells  map[disposer]struct{}
	closed bool
}

type disposer interface {
	Dispose() error
}

// NewInstance validates cfg and returns an Instance.
func NewInstance(cfg Config) (*Instance, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	id := cfg.ID
	if id == "" {
		var err error
		if id, err = uuid.GenerateUUID(); err != nil {
			return nil, err
		}
	}
	bus := cfg.Broadcast
	if bus == nil {
		bus = syncbus.NewNoopBus()
	}
	c := cfg.Codec
	if c == nil {
		c = codec.Default
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Instance{
		id:    id,
		area:  adapter.NewArea(cfg.Store, cfg.Changes, id, adapter.WithRetryInterval(cfg.NotifyRetry)),
		bus:   bus,
		topic: cfg.Namespace + BroadcastTopic,
		codec: c,
		log:   log.With("instance", id),
		cells: make(map[disposer]struct{}),
	}, nil
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Area returns the instance's view of the shared store.
func (i *Instance) Area() *adapter.Area { return i.area }

// openBroadcast opens a handle on the namespaced BroadcastTopic. When the bus cannot be
// opened the instance falls back to a handle that never delivers, and
// siblings converge through store changes alone.
func (i *Instance) openBroadcast() *syncbus.Handle {
	h, err := i.bus.Open(context.Background(), i.topic)
	if err == nil {
		return h
	}
	i.degraded.Do(func() {
		i.log.Warn("replica: broadcast unavailable, propagating through store changes only", "error", err)
	})
	h, _ = syncbus.NewNoopBus().Open(context.Background(), i.topic)
	return h
}

func (i *Instance) track(d disposer) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	i.cells[d] = struct{}{}
	return true
}

func (i *Instance) untrack(d disposer) {
	i.mu.Lock()
	delete(i.cells, d)
	i.mu.Unlock()
}

// Close disposes every live cell of the instance and stops redelivering
// change announcements. Buses and store are owned by the caller and stay
// open.
func (i *Instance) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	cells := make([]disposer, 0, len(i.cells))
	for d := range i.cells {
		cells = append(cells, d)
	}
	i.mu.Unlock()

	var errs []error
	for _, d := range cells {
		if err := d.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, i.area.Close())
	return errors.Join(errs...)
}
