package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-replica/v1/codec"
	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/metrics"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
	"github.com/mirkobrombin/go-replica/v1/watchbus"
)

// ErrUpdatePanicked is returned by Mutate and Dispatch when the update
// function panicked. The previous value is kept.
var ErrUpdatePanicked = errors.New("replica: update panicked")

type op[T any] struct {
	ctx    context.Context
	update func(T) T
	done   chan struct{}
	err    error
}

// cell is the event loop shared by value and reducer cells. All writes to
// value happen on the loop goroutine; readers load the latest snapshot.
type cell[T any] struct {
	key      string
	inst     *Instance
	spanName string

	value atomic.Pointer[T]

	handle  *syncbus.Handle
	changes <-chan watchbus.Change

	ops    chan *op[T]
	stop   chan struct{}
	exited chan struct{}
	once   sync.Once

	wmu      sync.Mutex
	watchers map[chan T]struct{}
	disposed bool
}

func newCell[T any](ctx context.Context, inst *Instance, key string, initial T, broadcast bool, spanName string) (*cell[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &cell[T]{
		key:      key,
		inst:     inst,
		spanName: spanName,
		ops:      make(chan *op[T]),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		watchers: make(map[chan T]struct{}),
	}

	// Subscribe before the initial read so a write landing in between is
	// applied on top of it instead of being missed.
	if broadcast {
		c.handle = inst.openBroadcast()
	}
	changes, err := inst.area.Watch(context.Background())
	if err != nil {
		inst.log.Warn("replica: storage changes unavailable", "key", key, "error", err)
	}
	c.changes = changes

	v := c.load(ctx, initial)
	c.value.Store(&v)

	if !inst.track(c) {
		c.release()
		return nil, warperrors.ErrClosed
	}
	metrics.CellGauge.Inc()
	go c.loop()
	return c, nil
}

// load reads the persisted value, falling back to initial on a miss, a read
// error or an undecodable entry. Nothing is written back.
func (c *cell[T]) load(ctx context.Context, initial T) T {
	data, ok, err := c.inst.area.Get(ctx, c.key)
	if err != nil {
		c.inst.log.Warn("replica: initial read failed, using initial value", "key", c.key, "error", err)
		return initial
	}
	if !ok {
		return initial
	}
	v, err := codec.Decode[T](c.inst.codec, data)
	if err != nil {
		metrics.DecodeFailureCounter.WithLabelValues(metrics.SourceInit).Inc()
		c.inst.log.Warn("replica: stored value undecodable, using initial value", "key", c.key, "error", err)
		return initial
	}
	return v
}

func (c *cell[T]) loop() {
	defer close(c.exited)
	var msgs <-chan syncbus.Message
	if c.handle != nil {
		msgs = c.handle.Messages()
	}
	changes := c.changes
	for {
		select {
		case <-c.stop:
			return
		case o := <-c.ops:
			c.commit(o)
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if m.Key == c.key {
				c.apply(m.Value, metrics.SourceBroadcast)
			}
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if ch.Key == c.key {
				c.apply(ch.Value, metrics.SourceStorage)
			}
		}
	}
}

func (c *cell[T]) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// apply overwrites the local value with a sibling's commit. There is no
// ordering check: the last applied value wins.
func (c *cell[T]) apply(data []byte, source string) {
	if c.stopping() {
		return
	}
	v, err := codec.Decode[T](c.inst.codec, data)
	if err != nil {
		metrics.DecodeFailureCounter.WithLabelValues(source).Inc()
		c.inst.log.Warn("replica: discarding undecodable remote value", "key", c.key, "source", source, "error", err)
		return
	}
	c.value.Store(&v)
	metrics.RemoteApplyCounter.WithLabelValues(source).Inc()
	c.notify(v)
}

// commit runs one local update against the latest value, then writes it
// through and publishes it. Store and bus failures are reported, never
// returned: the in-memory commit stands. The I/O outlives a caller that
// gives up once the op was accepted.
func (c *cell[T]) commit(o *op[T]) {
	defer close(o.done)
	ctx, span := tracer.Start(context.WithoutCancel(o.ctx), c.spanName, trace.WithAttributes(attribute.String("replica.key", c.key)))
	defer span.End()

	next, err := applyUpdate(o.update, *c.value.Load())
	if err != nil {
		o.err = err
		span.RecordError(err)
		c.inst.log.Error("replica: update panicked, value unchanged", "key", c.key, "error", err)
		return
	}
	c.value.Store(&next)
	metrics.CommitCounter.Inc()
	c.notify(next)

	data, err := c.inst.codec.Marshal(next)
	if err != nil {
		span.RecordError(err)
		c.inst.log.Warn("replica: encode failed, commit kept in memory only", "key", c.key, "error", err)
		return
	}
	if err := c.inst.area.Set(ctx, c.key, data); err != nil {
		span.RecordError(err)
		if errors.Is(err, warperrors.ErrPersistence) {
			metrics.PersistFailureCounter.Inc()
			c.inst.log.Warn("replica: persist failed, commit kept in memory", "key", c.key, "error", err)
		} else {
			c.inst.log.Warn("replica: change notification failed", "key", c.key, "error", err)
		}
	}
	if c.handle == nil {
		return
	}
	if err := c.handle.Publish(ctx, c.key, data); err != nil {
		span.RecordError(err)
		metrics.PublishFailureCounter.Inc()
		c.inst.log.Warn("replica: broadcast failed", "key", c.key, "error", err)
	}
}

func applyUpdate[T any](update func(T) T, prev T) (next T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUpdatePanicked, r)
		}
	}()
	return update(prev), nil
}

// submit hands update to the loop and waits until it is committed.
func (c *cell[T]) submit(ctx context.Context, update func(T) T) error {
	o := &op[T]{ctx: ctx, update: update, done: make(chan struct{})}
	select {
	case c.ops <- o:
	case <-c.stop:
		return warperrors.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-o.done
	return o.err
}

func (c *cell[T]) read() T {
	return *c.value.Load()
}

// Dispose stops the loop, then releases the subscriptions. Operations the
// loop accepted before complete first.
func (c *cell[T]) Dispose() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		<-c.exited
		err = c.release()
		c.inst.untrack(c)
		metrics.CellGauge.Dec()
	})
	return err
}

func (c *cell[T]) release() error {
	var errs []error
	if c.handle != nil {
		if err := c.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.inst.area.Unwatch(context.Background(), c.changes); err != nil {
		errs = append(errs, err)
	}
	c.closeWatchers()
	return errors.Join(errs...)
}
