package slcan

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"go.uber.org/multierr"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

const rxBuffer = 256

// Config describes the serial adapter.
type Config struct {
	Path    string
	Baud    int
	Bitrate int
	// Port replaces the serial device, used by tests.
	Port io.ReadWriteCloser
}

func (cfg *Config) populateDefaults() {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = 500000
	}
}

// Bus is a canbus.Bus over an SLCAN adapter.
type Bus struct {
	logger logging.Logger

	writeMu sync.Mutex
	port    io.ReadWriteCloser
	rx      chan canbus.Frame
	errs    chan error

	workers   utils.StoppableWorkers
	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens the adapter, sets the bus bitrate and opens the CAN channel.
func Open(cfg Config, logger logging.Logger) (*Bus, error) {
	cfg.populateDefaults()
	setup, err := setupCommands(cfg.Bitrate)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == nil {
		if cfg.Path == "" {
			return nil, errors.New("slcan needs a serial path")
		}
		port, err = serial.OpenPort(&serial.Config{Name: cfg.Path, Baud: cfg.Baud, ReadTimeout: time.Second})
		if err != nil {
			return nil, canbus.WrapError("open", errors.Wrapf(err, "open %s", cfg.Path))
		}
	}
	for _, line := range setup {
		if _, err := port.Write(line); err != nil {
			return nil, canbus.WrapError("open", errors.Wrap(err, "configure adapter"))
		}
	}

	b := &Bus{
		logger: logger,
		port:   port,
		rx:     make(chan canbus.Frame, rxBuffer),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	b.workers = utils.NewStoppableWorkers(b.readLoop)
	return b, nil
}

func (b *Bus) readLoop(ctx context.Context) {
	r := bufio.NewReader(b.port)
	for {
		line, err := r.ReadBytes(terminator)
		if err != nil {
			// tarm/serial reports a read timeout as io.EOF with no data
			if errors.Is(err, io.EOF) && len(line) == 0 && ctx.Err() == nil {
				select {
				case <-b.closed:
					return
				default:
					continue
				}
			}
			if ctx.Err() == nil {
				select {
				case b.errs <- err:
				default:
				}
			}
			return
		}
		// strip acks and bells that precede the frame on the same read
		for len(line) > 0 && (line[0] == bell || line[0] == 'z' || line[0] == 'Z' || line[0] == terminator) {
			if line[0] == bell {
				b.logger.Debug("adapter rejected a command")
			}
			line = line[1:]
		}
		if len(line) == 0 {
			continue
		}
		f, err := DecodeFrame(line)
		if err != nil {
			b.logger.Debugw("skipping adapter line", "line", string(line), "error", err)
			continue
		}
		select {
		case b.rx <- f:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes a transmit command for the frame.
func (b *Bus) Send(ctx context.Context, f canbus.Frame) error {
	line, err := EncodeFrame(f)
	if err != nil {
		return canbus.WrapError("send", err)
	}
	select {
	case <-b.closed:
		return canbus.WrapError("send", canbus.ErrClosed)
	case <-ctx.Done():
		return canbus.WrapError("send", ctx.Err())
	default:
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.port.Write(line); err != nil {
		return canbus.WrapError("send", err)
	}
	return nil
}

// Receive blocks for the next frame from the adapter.
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

// Close closes the CAN channel and the serial port.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.writeMu.Lock()
		_, werr := b.port.Write([]byte{'C', terminator})
		b.writeMu.Unlock()
		err = multierr.Combine(
			canbus.WrapError("close", werr),
			errors.Wrap(b.port.Close(), "close port"),
		)
		b.workers.Stop()
	})
	return err
}

var _ canbus.Bus = (*Bus)(nil)
