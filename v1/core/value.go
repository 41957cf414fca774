package core

import "context"

// ValueCell replicates one value under a key. Commits are written to the
// store and broadcast to sibling instances.
type ValueCell[T any] struct {
	c *cell[T]
}

// NewValueCell creates a cell for key on inst. The persisted value is used
// when present and decodable, initial otherwise; initial is never written
// to the store. ctx bounds the initial read only: the cell lives until
// Dispose or the instance is closed.
func NewValueCell[T any](ctx context.Context, inst *Instance, key string, initial T) (*ValueCell[T], error) {
	c, err := newCell(ctx, inst, key, initial, true, "ValueCell.Mutate")
	if err != nil {
		return nil, err
	}
	return &ValueCell[T]{c: c}, nil
}

// Key returns the replicated key.
func (v *ValueCell[T]) Key() string { return v.c.key }

// Read returns the current local value without any I/O.
func (v *ValueCell[T]) Read() T { return v.c.read() }

// Mutate commits update applied to the latest local value, which may differ
// from what Read returned when Mutate was called. It returns once the
// commit is done locally; store and broadcast failures are logged and
// counted but not returned. update must not modify its argument in place.
// If update panics the value is left unchanged and ErrUpdatePanicked is
// returned. update runs on the cell's loop and must not call Dispose, which
// waits for that loop to exit.
func (v *ValueCell[T]) Mutate(ctx context.Context, update func(T) T) error {
	return v.c.submit(ctx, update)
}

// Set commits value regardless of the current one.
func (v *ValueCell[T]) Set(ctx context.Context, value T) error {
	return v.c.submit(ctx, func(T) T { return value })
}

// Watch streams the value after each change until ctx is done or the cell
// is disposed.
func (v *ValueCell[T]) Watch(ctx context.Context) <-chan T { return v.c.watch(ctx) }

// Dispose stops remote application and releases the subscriptions.
// It is safe to call more than once.
func (v *ValueCell[T]) Dispose() error { return v.c.Dispose() }
