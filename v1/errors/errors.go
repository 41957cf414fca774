// Package errors defines the sentinel errors shared by go-replica packages.
//
// Adapters and transports wrap these with fmt.Errorf("...: %w") so callers
// can classify failures with errors.Is.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrDecode reports stored or received bytes that do not decode into
	// the expected value type.
	ErrDecode = errors.New("replica: decode failed")
	// ErrPersistence reports a rejected store write.
	ErrPersistence = errors.New("replica: persistence failed")
	// ErrQuotaExceeded is returned by bounded stores when a write would
	// exceed the configured capacity.
	ErrQuotaExceeded = errors.New("replica: storage quota exceeded")
	// ErrTransportUnavailable is returned when a broadcast transport cannot
	// be opened on the host.
	ErrTransportUnavailable = errors.New("replica: transport unavailable")
	// ErrClosed is returned by operations on a disposed cell or closed bus.
	ErrClosed = errors.New("replica: closed")
)
