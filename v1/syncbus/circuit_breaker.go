package syncbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Transport with circuit breaker logic. Once the
// backend has failed threshold consecutive sends, further sends fail fast
// with ErrCircuitOpen until timeout has elapsed; local delivery through the
// Hub is unaffected.
type CircuitBreaker struct {
	transport Transport
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around t.
func NewCircuitBreaker(t Transport, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		transport: t,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready to probe.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed.
// It handles the transition from Open to Half-Open based on timeout.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Send implements Transport.Send with circuit breaker logic.
func (cb *CircuitBreaker) Send(ctx context.Context, topic string, msg Message) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.transport.Send(ctx, topic, msg); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Listen passes through to the wrapped transport.
func (cb *CircuitBreaker) Listen(ctx context.Context, topic string, deliver func(Message)) (func() error, error) {
	return cb.transport.Listen(ctx, topic, deliver)
}

// Close closes the wrapped transport when it supports it.
func (cb *CircuitBreaker) Close() error {
	if c, ok := cb.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
