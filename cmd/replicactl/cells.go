package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mirkobrombin/go-replica/v1/core"
	"github.com/mirkobrombin/go-replica/v1/reducers"
)

var errKindMismatch = errors.New("key is bound to another kind of cell")

type reducerEntry struct {
	name string
	cell *core.ReducerCell[any, reducers.Action]
}

// cells keeps one cell per key for the lifetime of the runtime. A key is
// served either by a value cell or by a reducer cell, never both: two cells
// of one instance do not see each other's commits.
type cells struct {
	rt *runtime

	mu       sync.Mutex
	values   map[string]*core.ValueCell[any]
	reducers map[string]reducerEntry
}

func newCells(rt *runtime) *cells {
	return &cells{
		rt:       rt,
		values:   make(map[string]*core.ValueCell[any]),
		reducers: make(map[string]reducerEntry),
	}
}

func (c *cells) value(ctx context.Context, key string) (*core.ValueCell[any], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[key]; ok {
		return v, nil
	}
	if _, ok := c.reducers[key]; ok {
		return nil, fmt.Errorf("%q: %w", key, errKindMismatch)
	}
	v, err := core.NewValueCell[any](ctx, c.rt.inst, key, nil)
	if err != nil {
		return nil, err
	}
	c.values[key] = v
	return v, nil
}

func (c *cells) reducer(ctx context.Context, name, key string) (*core.ReducerCell[any, reducers.Action], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.reducers[key]; ok {
		if e.name != name {
			return nil, fmt.Errorf("%q is driven by reducer %q: %w", key, e.name, errKindMismatch)
		}
		return e.cell, nil
	}
	if _, ok := c.values[key]; ok {
		return nil, fmt.Errorf("%q: %w", key, errKindMismatch)
	}
	prog, initial, err := c.rt.cfg.Reducer(name)
	if err != nil {
		return nil, err
	}
	r, err := core.NewReducerCell[any, reducers.Action](ctx, c.rt.inst, key, prog.Transition, initial)
	if err != nil {
		return nil, err
	}
	c.reducers[key] = reducerEntry{name: name, cell: r}
	return r, nil
}

// read returns the current value of key from whichever cell serves it,
// creating a value cell when none does.
func (c *cells) read(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	e, ok := c.reducers[key]
	c.mu.Unlock()
	if ok {
		return e.cell.Read(), nil
	}
	v, err := c.value(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.Read(), nil
}
