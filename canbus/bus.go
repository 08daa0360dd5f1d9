package canbus

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed indicates the bus has been closed.
	ErrClosed = errors.New("canbus: closed")
	// ErrTimeout indicates a send or receive did not complete in time.
	ErrTimeout = errors.New("canbus: timeout")
	// ErrUnsupportedPlatform is returned by drivers that cannot run on this OS.
	ErrUnsupportedPlatform = errors.New("canbus: unsupported platform")
)

// Sender transmits frames.
type Sender interface {
	Send(ctx context.Context, frame Frame) error
}

// Receiver yields frames as they arrive.
type Receiver interface {
	// Receive blocks until a frame arrives, the context is done or the bus is closed.
	Receive(ctx context.Context) (Frame, error)
}

// Bus is a CAN bus connection. Send is only ever called from the control loop; Receive is
// only ever called from a single Pump goroutine.
type Bus interface {
	Sender
	Receiver
	Close() error
}

// Error is the typed failure reported by bus drivers.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("canbus %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error for github.com/pkg/errors.Cause.
func (e *Error) Cause() error {
	return e.Err
}

// WrapError annotates a driver error with the failing operation. nil stays nil.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var busErr *Error
	if errors.As(err, &busErr) {
		return err
	}
	return &Error{Op: op, Err: err}
}
