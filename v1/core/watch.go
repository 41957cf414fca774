package core

import (
	"context"

	"github.com/mirkobrombin/go-replica/v1/metrics"
)

// watch returns a channel receiving the cell value after every local commit
// or remote application. Only the latest value is kept for a slow reader.
func (c *cell[T]) watch(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	c.wmu.Lock()
	if c.disposed {
		c.wmu.Unlock()
		close(ch)
		return ch
	}
	c.watchers[ch] = struct{}{}
	c.wmu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		select {
		case <-ctx.Done():
			c.unwatch(ch)
		case <-c.exited:
		}
	}()
	return ch
}

func (c *cell[T]) unwatch(ch chan T) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, ok := c.watchers[ch]; !ok {
		return
	}
	delete(c.watchers, ch)
	close(ch)
	metrics.WatcherGauge.Dec()
}

func (c *cell[T]) notify(v T) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for ch := range c.watchers {
		select {
		case ch <- v:
			continue
		default:
		}
		// Replace the stale value; the loop is the only sender.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (c *cell[T]) closeWatchers() {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.disposed = true
	for ch := range c.watchers {
		delete(c.watchers, ch)
		close(ch)
		metrics.WatcherGauge.Dec()
	}
}
