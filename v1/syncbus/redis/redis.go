// Package redis carries broadcast messages over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
)

const (
	// DefaultChannelPrefix is prepended to every topic.
	DefaultChannelPrefix = "replica:bcast:"
	defaultTimeout       = 5 * time.Second
	seenTTL              = time.Minute
)

// Option configures a Transport.
type Option func(*Transport)

// WithChannelPrefix overrides DefaultChannelPrefix.
func WithChannelPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithTimeout bounds each PUBLISH and SUBSCRIBE round trip.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.timeout = d }
}

// Transport implements syncbus.Transport on Redis pub/sub. Message IDs seen
// in the last minute are remembered so a message replayed after a
// resubscription is delivered once.
type Transport struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	seen    *ristretto.Cache
}

// New returns a Transport using client. The client stays owned by the caller.
func New(client *redis.Client, opts ...Option) (*Transport, error) {
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 14,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	t := &Transport{
		client:  client,
		prefix:  DefaultChannelPrefix,
		timeout: defaultTimeout,
		seen:    seen,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewBus returns a syncbus.Hub relaying through a Redis Transport.
func NewBus(client *redis.Client, opts ...Option) (*syncbus.Hub, error) {
	t, err := New(client, opts...)
	if err != nil {
		return nil, err
	}
	return syncbus.NewHub(t), nil
}

func (t *Transport) channel(topic string) string { return t.prefix + topic }

// Send implements syncbus.Transport.Send.
func (t *Transport) Send(ctx context.Context, topic string, msg syncbus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.channel(topic), data).Err(); err != nil {
		return mapRedisErr(err)
	}
	return nil
}

// Listen implements syncbus.Transport.Listen.
func (t *Transport) Listen(ctx context.Context, topic string, deliver func(syncbus.Message)) (func() error, error) {
	ps := t.client.Subscribe(ctx, t.channel(topic))
	rctx, cancel := context.WithTimeout(ctx, t.timeout)
	_, err := ps.Receive(rctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, mapRedisErr(err)
	}

	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ch {
			var msg syncbus.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				slog.Warn("syncbus/redis: malformed message", "channel", m.Channel, "error", err)
				continue
			}
			if t.duplicate(msg.ID) {
				continue
			}
			deliver(msg)
		}
	}()

	return func() error {
		err := ps.Close()
		<-done
		return mapRedisErr(err)
	}, nil
}

func (t *Transport) duplicate(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := t.seen.Get(id); ok {
		return true
	}
	t.seen.SetWithTTL(id, struct{}{}, 1, seenTTL)
	return false
}

// Close releases the dedupe cache. It does not close the Redis client.
func (t *Transport) Close() error {
	t.seen.Close()
	return nil
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	default:
		return err
	}
}
