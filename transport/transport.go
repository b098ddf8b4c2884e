// Package transport provides frame-level I/O with an attached base station.
//
// The core only assumes a synchronous "write frame / read frame or timeout"
// capability over a single exclusively-owned device; everything above this
// package is independent of how the frames actually move.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/clickerkit/basepoll/protocol"
)

var (
	// ErrDeviceNotFound means no base station is attached.
	ErrDeviceNotFound = errors.New("transport: no base station found")
	// ErrDeviceBusy means another process has claimed the base station.
	ErrDeviceBusy = errors.New("transport: base station already in use")
	// ErrTimeout is the expected idle outcome of Receive: no frame arrived
	// within the deadline. It is not a device fault.
	ErrTimeout = errors.New("transport: receive timed out")
	// ErrClosed is returned after the transport has been released.
	ErrClosed = errors.New("transport: closed")
)

// Error wraps a device I/O failure with the operation that raised it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Transport is the device capability boundary: write one frame, read one
// frame or time out, release the device.
type Transport interface {
	// Send writes a full frame to the outbound endpoint. A short write or
	// device stall surfaces as *Error.
	Send(f protocol.Frame) error
	// Receive blocks for up to timeout waiting for an inbound frame.
	// ErrTimeout means no data arrived in time.
	Receive(timeout time.Duration) (protocol.Frame, error)
	// Close releases the device back to a quiescent addressable state.
	// Close is idempotent.
	Close() error
}
