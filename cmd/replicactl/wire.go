package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-replica/v1/adapter"
	"github.com/mirkobrombin/go-replica/v1/config"
	"github.com/mirkobrombin/go-replica/v1/core"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
	buskafka "github.com/mirkobrombin/go-replica/v1/syncbus/kafka"
	busnats "github.com/mirkobrombin/go-replica/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-replica/v1/syncbus/redis"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

// runtime is one configured instance and everything it owns.
type runtime struct {
	cfg     *config.Config
	inst    *core.Instance
	changes watchbus.WatchBus
	hub     *syncbus.Hub
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (rt *runtime) Close() error {
	var errs []error
	if rt.inst != nil {
		errs = append(errs, rt.inst.Close())
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (rt *runtime) own(c io.Closer) { rt.closers = append(rt.closers, c) }

// openRuntime wires store, change bus and broadcast bus from cfg.
func openRuntime(cfg *config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	clients := map[string]*redis.Client{}
	redisClient := func(addr string) *redis.Client {
		if c, ok := clients[addr]; ok {
			return c
		}
		c := redis.NewClient(&redis.Options{Addr: addr})
		clients[addr] = c
		rt.own(c)
		return c
	}

	var store adapter.Store
	var sqlite *adapter.SQLiteStore
	switch cfg.Store.Backend {
	case config.BackendMemory:
		store = adapter.NewInMemoryStore()
	case config.BackendRedis:
		var opts []adapter.RedisOption
		if cfg.Store.Prefix != "" {
			opts = append(opts, adapter.WithPrefix(cfg.Store.Prefix))
		}
		if cfg.Store.Timeout > 0 {
			opts = append(opts, adapter.WithTimeout(cfg.Store.Timeout))
		}
		store = adapter.NewRedisStore(redisClient(cfg.Store.RedisAddr), opts...)
	case config.BackendSQLite:
		sqlite, err = adapter.OpenSQLiteStore(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.own(sqlite)
		store = sqlite
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Changes.Backend {
	case config.BackendNone:
	case config.BackendMemory:
		rt.changes = watchbus.NewInMemory()
	case config.BackendRedis:
		b := watchbus.NewRedisWatchBus(redisClient(cfg.Store.RedisAddr), cfg.Store.Prefix+watchbus.DefaultRedisChannel)
		rt.own(b)
		rt.changes = b
	case config.BackendSQLite:
		b, err := watchbus.NewSQLiteWatchBus(sqlite.DB(),
			watchbus.WithPollInterval(cfg.Changes.PollInterval),
			watchbus.WithRetention(cfg.Changes.Retention),
		)
		if err != nil {
			return nil, err
		}
		rt.own(b)
		rt.changes = b
	default:
		return nil, fmt.Errorf("unknown changes backend %q", cfg.Changes.Backend)
	}

	var transport syncbus.Transport
	switch cfg.Broadcast.Backend {
	case config.BackendNone:
	case config.BackendMemory:
		rt.hub = syncbus.NewInMemoryBus()
	case config.BackendRedis:
		t, err := busredis.New(redisClient(cfg.BroadcastRedisAddr()))
		if err != nil {
			return nil, err
		}
		transport = t
	case config.BackendNATS:
		conn, err := nats.Connect(cfg.Broadcast.NATSURL)
		if err != nil {
			// Degrade to store changes only rather than refusing to start.
			slog.Warn("replicactl: nats unreachable, broadcasting disabled", "url", cfg.Broadcast.NATSURL, "error", err)
			break
		}
		rt.own(closerFunc(func() error { conn.Close(); return nil }))
		transport = busnats.New(conn)
	case config.BackendKafka:
		t, err := buskafka.New(cfg.Broadcast.KafkaBrokers, sarama.NewConfig())
		if err != nil {
			slog.Warn("replicactl: kafka unreachable, broadcasting disabled", "brokers", strings.Join(cfg.Broadcast.KafkaBrokers, ","), "error", err)
			break
		}
		transport = t
	default:
		return nil, fmt.Errorf("unknown broadcast backend %q", cfg.Broadcast.Backend)
	}
	if transport != nil {
		if cfg.Broadcast.BreakerThreshold > 0 {
			transport = syncbus.NewCircuitBreaker(transport, cfg.Broadcast.BreakerThreshold, cfg.Broadcast.BreakerTimeout)
		}
		rt.hub = syncbus.NewHub(transport)
	}
	if rt.hub != nil {
		rt.own(closerFunc(rt.hub.Close))
	}

	var bus syncbus.Bus
	if rt.hub != nil {
		bus = rt.hub
	}
	rt.inst, err = core.NewInstance(core.Config{
		ID:        cfg.InstanceID,
		Store:     store,
		Changes:   rt.changes,
		Broadcast: bus,
		Namespace: cfg.Store.Prefix,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("replicactl: instance ready", "instance", rt.inst.ID(),
		"store", cfg.Store.Backend, "changes", cfg.Changes.Backend, "broadcast", cfg.Broadcast.Backend)
	return rt, nil
}
