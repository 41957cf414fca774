package core

import "context"

// Transition computes the next state. It must be pure: siblings receive
// only the resulting state and never replay actions.
type Transition[S, A any] func(state S, action A) S

// ReducerCell replicates a state driven by actions. Dispatched states are
// written to the store only; siblings learn about them through storage
// changes.
type ReducerCell[S, A any] struct {
	c          *cell[S]
	transition Transition[S, A]
}

// NewReducerCell creates a reducer cell for key on inst, loading the
// persisted state or falling back to initial.
func NewReducerCell[S, A any](ctx context.Context, inst *Instance, key string, transition func(S, A) S, initial S) (*ReducerCell[S, A], error) {
	c, err := newCell(ctx, inst, key, initial, false, "ReducerCell.Dispatch")
	if err != nil {
		return nil, err
	}
	return &ReducerCell[S, A]{c: c, transition: transition}, nil
}

// Key returns the replicated key.
func (r *ReducerCell[S, A]) Key() string { return r.c.key }

// Read returns the current local state.
func (r *ReducerCell[S, A]) Read() S { return r.c.read() }

// Dispatch applies action to the latest state and commits the result.
// A panicking transition leaves the state unchanged and returns
// ErrUpdatePanicked. The transition runs on the cell's loop and must not
// dispose the cell.
func (r *ReducerCell[S, A]) Dispatch(ctx context.Context, action A) error {
	return r.c.submit(ctx, func(s S) S { return r.transition(s, action) })
}

// Watch streams the state after each change.
func (r *ReducerCell[S, A]) Watch(ctx context.Context) <-chan S { return r.c.watch(ctx) }

// Dispose stops remote application. It is safe to call more than once.
func (r *ReducerCell[S, A]) Dispose() error { return r.c.Dispose() }
