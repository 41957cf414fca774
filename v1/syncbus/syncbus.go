// Package syncbus implements the low-latency broadcast channel used to push
// freshly committed values to sibling instances.
//
// A Bus hands out Handles bound to a topic. A message published through a
// handle reaches every other open handle on the same topic, in this process
// and, through a Transport, in other processes. Delivery is at most once,
// with no backlog: handles opened later never see earlier messages and a
// receiver whose buffer is full loses the message.
package syncbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
)

const handleBuffer = 64

var tracer = otel.Tracer("github.com/mirkobrombin/go-replica/v1/syncbus")

// Message is one broadcast payload. Value holds the encoded document.
type Message struct {
	ID     string `json:"i"`
	Key    string `json:"k"`
	Value  []byte `json:"v"`
	Sender string `json:"s"`
	Node   string `json:"n"`
}

// Bus opens broadcast handles on a topic.
type Bus interface {
	Open(ctx context.Context, topic string) (*Handle, error)
}

// Transport carries messages between processes. Listen must deliver every
// message sent on topic by any process, including the caller's own.
type Transport interface {
	Send(ctx context.Context, topic string, msg Message) error
	Listen(ctx context.Context, topic string, deliver func(Message)) (stop func() error, err error)
}

// Metrics reports bus counters.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

type topicState struct {
	handles map[string]*Handle
	stop    func() error
}

// Hub implements Bus. Handles of one hub on the same topic reach each other
// directly; a Transport, when present, links hubs of other processes.
type Hub struct {
	node      string
	transport Transport

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub returns a Hub relaying through t. A nil transport keeps delivery
// inside the hub.
func NewHub(t Transport) *Hub {
	return &Hub{
		node:      uuid.NewString(),
		transport: t,
		topics:    make(map[string]*topicState),
	}
}

// NewInMemoryBus returns a Hub with no transport: every instance of a
// process group opens its handles on the same value.
func NewInMemoryBus() *Hub {
	return NewHub(nil)
}

// Open implements Bus.Open. The handle is closed when ctx is done.
func (b *Hub) Open(ctx context.Context, topic string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &Handle{
		id:    uuid.NewString(),
		topic: topic,
		hub:   b,
		ch:    make(chan Message, handleBuffer),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, warperrors.ErrClosed
	}
	ts := b.topics[topic]
	if ts == nil {
		ts = &topicState{handles: make(map[string]*Handle)}
		if b.transport != nil {
			stop, err := b.transport.Listen(context.Background(), topic, func(m Message) { b.receive(topic, m) })
			if err != nil {
				return nil, fmt.Errorf("%w: %w", warperrors.ErrTransportUnavailable, err)
			}
			ts.stop = stop
		}
		b.topics[topic] = ts
	}
	ts.handles[h.id] = h

	go func() {
		select {
		case <-ctx.Done():
			_ = h.Close()
		case <-h.done:
		}
	}()
	return h, nil
}

func (b *Hub) publish(ctx context.Context, h *Handle, key string, value []byte) error {
	ctx, span := tracer.Start(ctx, "Hub.Publish", trace.WithAttributes(
		attribute.String("replica.bus.topic", h.topic),
		attribute.String("replica.bus.key", key),
	))
	defer span.End()

	msg := Message{
		ID:     uuid.NewString(),
		Key:    key,
		Value:  append([]byte(nil), value...),
		Sender: h.id,
		Node:   b.node,
	}
	b.fanOut(h.topic, msg)
	if b.transport != nil {
		if err := b.transport.Send(ctx, h.topic, msg); err != nil {
			span.RecordError(err)
			return err
		}
	}
	b.published.Add(1)
	return nil
}

// receive handles messages coming back from the transport. Messages sent by
// this hub were already delivered locally.
func (b *Hub) receive(topic string, m Message) {
	if m.Node == b.node {
		return
	}
	b.fanOut(topic, m)
}

func (b *Hub) fanOut(topic string, m Message) {
	b.mu.Lock()
	ts := b.topics[topic]
	var targets []*Handle
	if ts != nil {
		targets = make([]*Handle, 0, len(ts.handles))
		for id, h := range ts.handles {
			if id != m.Sender {
				targets = append(targets, h)
			}
		}
	}
	// Sends happen under the lock so Close never races with a send on a
	// closed channel; they never block.
	for _, h := range targets {
		select {
		case h.ch <- m:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
		}
	}
	b.mu.Unlock()
}

func (b *Hub) remove(h *Handle) error {
	b.mu.Lock()
	ts := b.topics[h.topic]
	if ts == nil {
		b.mu.Unlock()
		return nil
	}
	if _, ok := ts.handles[h.id]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(ts.handles, h.id)
	close(h.ch)
	var stop func() error
	if len(ts.handles) == 0 {
		delete(b.topics, h.topic)
		stop = ts.stop
	}
	b.mu.Unlock()
	if stop != nil {
		return stop()
	}
	return nil
}

// Close closes every handle and the transport, if it is an io.Closer.
func (b *Hub) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]*topicState)
	for _, ts := range topics {
		for _, h := range ts.handles {
			close(h.ch)
			h.markClosed()
		}
	}
	b.mu.Unlock()

	for _, ts := range topics {
		if ts.stop != nil {
			_ = ts.stop()
		}
	}
	if c, ok := b.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Metrics returns the published, delivered and dropped counts.
func (b *Hub) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}

// Handle is one subscriber/publisher on a topic.
type Handle struct {
	id    string
	topic string
	hub   *Hub
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

// ID returns the handle identifier carried as Message.Sender.
func (h *Handle) ID() string { return h.id }

// Topic returns the topic the handle is bound to.
func (h *Handle) Topic() string { return h.topic }

// Publish sends key and value to every other open handle on the topic.
func (h *Handle) Publish(ctx context.Context, key string, value []byte) error {
	select {
	case <-h.done:
		return warperrors.ErrClosed
	default:
	}
	if h.hub == nil {
		return nil
	}
	return h.hub.publish(ctx, h, key, value)
}

// Messages returns the channel of messages from other handles. It is closed
// by Close.
func (h *Handle) Messages() <-chan Message { return h.ch }

// Close unsubscribes the handle. It is safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		close(h.done)
		if h.hub != nil {
			err = h.hub.remove(h)
		} else {
			close(h.ch)
		}
	})
	return err
}

// markClosed is used by Hub.Close, which already closed the channel.
func (h *Handle) markClosed() {
	h.once.Do(func() { close(h.done) })
}
