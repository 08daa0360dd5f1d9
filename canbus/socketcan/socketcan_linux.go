//go:build linux

package socketcan

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.einride.tech/can/pkg/socketcan"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

// Bus is a canbus.Bus on a SocketCAN interface.
type Bus struct {
	iface  string
	logger logging.Logger

	conn net.Conn
	tx   *socketcan.Transmitter
	rx   chan canbus.Frame
	errs chan error

	workers   utils.StoppableWorkers
	closeOnce sync.Once
	closed    chan struct{}
}

// Open dials the named interface and starts reading frames from it.
func Open(ctx context.Context, iface string, logger logging.Logger) (*Bus, error) {
	conn, err := socketcan.DialContext(ctx, network, iface)
	if err != nil {
		return nil, canbus.WrapError("open", errors.Wrapf(err, "dial %s", iface))
	}
	b := &Bus{
		iface:  iface,
		logger: logger,
		conn:   conn,
		tx:     socketcan.NewTransmitter(conn),
		rx:     make(chan canbus.Frame, rxBuffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	b.workers = utils.NewStoppableWorkers(b.readLoop)
	return b, nil
}

func (b *Bus) readLoop(ctx context.Context) {
	recv := socketcan.NewReceiver(b.conn)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			b.logger.Debugw("error frame", "iface", b.iface, "frame", recv.ErrorFrame())
			continue
		}
		f := fromDriverFrame(recv.Frame())
		select {
		case b.rx <- f:
		case <-ctx.Done():
			return
		}
	}
	if err := recv.Err(); err != nil && ctx.Err() == nil {
		select {
		case b.errs <- err:
		default:
		}
	}
}

// Send transmits a frame.
func (b *Bus) Send(ctx context.Context, f canbus.Frame) error {
	if err := f.Validate(); err != nil {
		return canbus.WrapError("send", err)
	}
	select {
	case <-b.closed:
		return canbus.WrapError("send", canbus.ErrClosed)
	default:
	}
	if err := b.tx.TransmitFrame(ctx, toDriverFrame(f)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return canbus.WrapError("send", canbus.ErrTimeout)
		}
		return canbus.WrapError("send", err)
	}
	return nil
}

// Receive blocks for the next data frame. Error frames are logged and skipped.
func (b *Bus) Receive(ctx context.Context) (canbus.Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	case err := <-b.errs:
		return canbus.Frame{}, canbus.WrapError("receive", err)
	case <-b.closed:
		return canbus.Frame{}, canbus.WrapError("receive", canbus.ErrClosed)
	case <-ctx.Done():
		return canbus.Frame{}, canbus.WrapError("receive", ctx.Err())
	}
}

// Close closes the socket and waits for the reader to exit.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
		b.workers.Stop()
	})
	return err
}

var _ canbus.Bus = (*Bus)(nil)
