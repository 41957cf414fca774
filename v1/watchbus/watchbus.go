// Package watchbus carries storage change notifications between instances
// sharing a store. A change published by one instance is delivered to every
// watcher registered under a different origin, never back to its writer.
//
// Each change is a complete snapshot of the key, so a watcher that falls
// behind only needs the latest change per key. Watchers coalesce pending
// changes by key instead of dropping them.
package watchbus

import (
	"context"
	"sync"
)

// Change describes one committed store write.
type Change struct {
	Key    string `json:"k"`
	Value  []byte `json:"v"`
	Origin string `json:"o"`
}

// WatchBus delivers store changes to other instances.
type WatchBus interface {
	// Publish announces a committed write.
	Publish(ctx context.Context, change Change) error
	// Watch returns a channel receiving changes made by any origin other
	// than origin, until ctx is done or Unwatch is called.
	Watch(ctx context.Context, origin string) (<-chan Change, error)
	// Unwatch stops delivery to ch and closes it.
	Unwatch(ctx context.Context, ch <-chan Change) error
}

// mailbox buffers changes for one watcher, keeping only the latest pending
// change per key, and pumps them into out.
type mailbox struct {
	origin string

	mu      sync.Mutex
	pending map[string]Change
	order   []string

	signal chan struct{}
	out    chan Change
	done   chan struct{}
	once   sync.Once
}

func newMailbox(origin string) *mailbox {
	m := &mailbox{
		origin:  origin,
		pending: make(map[string]Change),
		signal:  make(chan struct{}, 1),
		out:     make(chan Change, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) accepts(c Change) bool {
	return c.Origin != m.origin
}

func (m *mailbox) put(c Change) {
	m.mu.Lock()
	if _, ok := m.pending[c.Key]; !ok {
		m.order = append(m.order, c.Key)
	}
	m.pending[c.Key] = c
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.order) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		key := m.order[0]
		m.order = m.order[1:]
		c := m.pending[key]
		delete(m.pending, key)
		m.mu.Unlock()

		select {
		case m.out <- c:
		case <-m.done:
			return
		}
	}
}

func (m *mailbox) close() {
	m.once.Do(func() { close(m.done) })
}

// watchers is the fan-out registry shared by the WatchBus implementations.
type watchers struct {
	mu    sync.Mutex
	boxes map[<-chan Change]*mailbox
}

func (w *watchers) add(origin string) *mailbox {
	box := newMailbox(origin)
	w.mu.Lock()
	if w.boxes == nil {
		w.boxes = make(map[<-chan Change]*mailbox)
	}
	w.boxes[box.out] = box
	w.mu.Unlock()
	return box
}

func (w *watchers) remove(ch <-chan Change) (remaining int) {
	w.mu.Lock()
	box, ok := w.boxes[ch]
	if ok {
		delete(w.boxes, ch)
	}
	remaining = len(w.boxes)
	w.mu.Unlock()
	if ok {
		box.close()
	}
	return remaining
}

func (w *watchers) deliver(c Change) int {
	w.mu.Lock()
	boxes := make([]*mailbox, 0, len(w.boxes))
	for _, box := range w.boxes {
		boxes = append(boxes, box)
	}
	w.mu.Unlock()
	n := 0
	for _, box := range boxes {
		if box.accepts(c) {
			box.put(c)
			n++
		}
	}
	return n
}

func (w *watchers) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.boxes)
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	boxes := w.boxes
	w.boxes = nil
	w.mu.Unlock()
	for _, box := range boxes {
		box.close()
	}
}
