//go:build !linux

package socketcan

import (
	"context"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/logging"
)

// Bus is unavailable outside Linux.
type Bus struct{}

// Open always fails outside Linux.
func Open(ctx context.Context, iface string, logger logging.Logger) (*Bus, error) {
	return nil, canbus.WrapError("open", canbus.ErrUnsupportedPlatform)
}

// Send always fails outside Linux.
func (b *Bus) Send(ctx context.Context, f canbus.Frame) error {
	return canbus.WrapError("send", canbus.ErrUnsupportedPlatform)
}

// Receive always fails outside Linux.
func (b *Bus) Receive(ctx context.Context) (canbus.Frame, error) {
	return canbus.Frame{}, canbus.WrapError("receive", canbus.ErrUnsupportedPlatform)
}

// Close is a no-op outside Linux.
func (b *Bus) Close() error {
	return nil
}

var _ canbus.Bus = (*Bus)(nil)
