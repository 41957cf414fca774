// Package presets wires common instance setups.
package presets

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-replica/v1/adapter"
	"github.com/mirkobrombin/go-replica/v1/core"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
	busnats "github.com/mirkobrombin/go-replica/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-replica/v1/syncbus/redis"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

// Group is a set of in-process instances sharing one in-memory store,
// change bus and broadcast bus. It stands in for the tabs of one
// application in tests and local development.
type Group struct {
	Store   *adapter.InMemoryStore
	Changes *watchbus.InMemoryWatchBus
	Bus     *syncbus.Hub

	mu        sync.Mutex
	instances []*core.Instance
}

// NewInMemoryGroup returns an empty Group.
func NewInMemoryGroup(opts ...adapter.InMemoryOption) *Group {
	return &Group{
		Store:   adapter.NewInMemoryStore(opts...),
		Changes: watchbus.NewInMemory(),
		Bus:     syncbus.NewInMemoryBus(),
	}
}

// Instance adds an instance to the group. An empty id is replaced by a
// random one.
func (g *Group) Instance(id string) (*core.Instance, error) {
	inst, err := core.NewInstance(core.Config{
		ID:        id,
		Store:     g.Store,
		Changes:   g.Changes,
		Broadcast: g.Bus,
	})
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.instances = append(g.instances, inst)
	g.mu.Unlock()
	return inst, nil
}

// Close closes every instance, then the broadcast bus.
func (g *Group) Close() error {
	g.mu.Lock()
	instances := g.instances
	g.instances = nil
	g.mu.Unlock()

	var eg errgroup.Group
	for _, inst := range instances {
		eg.Go(inst.Close)
	}
	err := eg.Wait()
	return errors.Join(err, g.Bus.Close())
}

// Node is one instance together with the connections it owns.
type Node struct {
	*core.Instance
	closers []io.Closer
}

// Close closes the instance, then its buses and connections in reverse
// order of creation.
func (n *Node) Close() error {
	errs := []error{n.Instance.Close()}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i].Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the stored keys, the change channel and the
	// broadcast channels, so nodes with different prefixes never see each
	// other's values.
	Prefix string
	ID     string
	Logger *slog.Logger
}

// NewRedis returns a Node using Redis for the store, the change
// notifications and the broadcast bus.
func NewRedis(opts RedisOptions) (*Node, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	closers := []io.Closer{client}
	fail := func(err error) (*Node, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	var storeOpts []adapter.RedisOption
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, adapter.WithPrefix(opts.Prefix))
	}
	changes := watchbus.NewRedisWatchBus(client, opts.Prefix+watchbus.DefaultRedisChannel)
	closers = append(closers, changes)
	bus, err := busredis.NewBus(client, busredis.WithChannelPrefix(opts.Prefix+busredis.DefaultChannelPrefix))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closerFunc(bus.Close))

	inst, err := core.NewInstance(core.Config{
		ID:        opts.ID,
		Store:     adapter.NewRedisStore(client, storeOpts...),
		Changes:   changes,
		Broadcast: bus,
		Logger:    opts.Logger,
	})
	if err != nil {
		return fail(err)
	}
	return &Node{Instance: inst, closers: closers}, nil
}

// SQLiteOptions configures a Node sharing a SQLite file with other
// processes.
type SQLiteOptions struct {
	Path string
	// NATSURL enables broadcasting over NATS. Without it, siblings converge
	// through the change log alone.
	NATSURL      string
	PollInterval time.Duration
	ID           string
	Logger       *slog.Logger
}

// NewSQLiteNATS returns a Node storing values and the change log in a
// SQLite file, broadcasting over NATS when configured.
func NewSQLiteNATS(opts SQLiteOptions) (*Node, error) {
	store, err := adapter.OpenSQLiteStore(opts.Path)
	if err != nil {
		return nil, err
	}
	closers := []io.Closer{store}
	fail := func(err error) (*Node, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	changes, err := watchbus.NewSQLiteWatchBus(store.DB(), watchbus.WithPollInterval(opts.PollInterval))
	if err != nil {
		return fail(err)
	}
	closers = append(closers, changes)

	var bus syncbus.Bus
	if opts.NATSURL != "" {
		conn, err := nats.Connect(opts.NATSURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closerFunc(func() error { conn.Close(); return nil }))
		hub := busnats.NewBus(conn)
		closers = append(closers, closerFunc(hub.Close))
		bus = hub
	}

	inst, err := core.NewInstance(core.Config{
		ID:        opts.ID,
		Store:     store,
		Changes:   changes,
		Broadcast: bus,
		Logger:    opts.Logger,
	})
	if err != nil {
		return fail(err)
	}
	return &Node{Instance: inst, closers: closers}, nil
}
