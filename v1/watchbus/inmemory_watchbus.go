package watchbus

import (
	"context"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus. Instances
// sharing one value form a process group.
type InMemoryWatchBus struct {
	w watchers
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{}
}

// Publish sends the change to all watchers of other origins.
func (b *InMemoryWatchBus) Publish(ctx context.Context, change Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	change.Value = append([]byte(nil), change.Value...)
	b.w.deliver(change)
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, origin string) (<-chan Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	box := b.w.add(origin)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), box.out)
		case <-box.done:
		}
	}()
	return box.out, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, ch <-chan Change) error {
	b.w.remove(ch)
	return nil
}
