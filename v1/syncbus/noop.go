package syncbus

import "context"

// NoopBus is the degraded broadcast used when no transport can be opened.
// Publishing succeeds and nothing is ever delivered; instances keep
// converging through store change notifications.
type NoopBus struct{}

// NewNoopBus returns a NoopBus.
func NewNoopBus() NoopBus { return NoopBus{} }

// Open implements Bus.Open.
func (NoopBus) Open(ctx context.Context, topic string) (*Handle, error) {
	h := &Handle{
		id:    "noop",
		topic: topic,
		ch:    make(chan Message),
		done:  make(chan struct{}),
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = h.Close()
		case <-h.done:
		}
	}()
	return h, nil
}
