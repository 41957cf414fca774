package watchbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel carrying store changes.
const DefaultRedisChannel = "replica:changes"

// RedisWatchBus uses Redis pub/sub to implement WatchBus. One subscription
// per bus is shared by all of its watchers.
type RedisWatchBus struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	w      watchers
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
// An empty channel selects DefaultRedisChannel.
func NewRedisWatchBus(client *redis.Client, channel string) *RedisWatchBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisWatchBus{client: client, channel: channel}
}

// Publish implements WatchBus.Publish.
func (b *RedisWatchBus) Publish(ctx context.Context, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// AppendPipe queues the change on pipe, so a transaction pipeline publishes
// it together with the store write it announces.
func (b *RedisWatchBus) AppendPipe(ctx context.Context, pipe redis.Pipeliner, change Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	pipe.Publish(ctx, b.channel, data)
	return nil
}

// Client returns the Redis client the bus publishes with.
func (b *RedisWatchBus) Client() *redis.Client {
	return b.client
}

// Watch implements WatchBus.Watch.
func (b *RedisWatchBus) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	b.mu.Lock()
	if err := b.subscribeLocked(ctx); err != nil {
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

func (b *RedisWatchBus) subscribeLocked(ctx context.Context) error {
	if b.pubsub != nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ps := b.client.Subscribe(cctx, b.channel)
	if _, err := ps.Receive(cctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.pubsub = ps
	go b.dispatch(ps)
	return nil
}

func (b *RedisWatchBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var c Change
		if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
			slog.Warn("replica: dropping malformed change", "channel", msg.Channel, "error", err)
			continue
		}
		b.w.deliver(c)
	}
}

// Unwatch implements WatchBus.Unwatch. The shared subscription is released
// when the last watcher leaves.
func (b *RedisWatchBus) Unwatch(ctx context.Context, ch <-chan Change) error {
	b.mu.Lock()
	var ps *redis.PubSub
	if b.w.remove(ch) == 0 {
		ps = b.pubsub
		b.pubsub = nil
	}
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close releases the subscription and closes every watcher.
func (b *RedisWatchBus) Close() error {
	b.w.closeAll()
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}
