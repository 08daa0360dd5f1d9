package operator

import (
	"context"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/telemetry"
	"go.viam.com/rover/utils"
	"go.viam.com/rover/wire"
)

// DatagramConfig configures the UDP transport.
type DatagramConfig struct {
	TelemetryInterval time.Duration
	ConnectionTimeout time.Duration
	Clock             clock.Clock
}

// DatagramServer serves a single implicit operator over UDP: whoever sent the most recent
// datagram receives telemetry.
type DatagramServer struct {
	conn   *net.UDPConn
	cfg    DatagramConfig
	sink   CommandSink
	source *telemetry.Broadcaster
	logger logging.Logger

	operator    atomic.Pointer[net.UDPAddr]
	lastReceive atomic.Time
	silent      atomic.Bool
}

// NewDatagramServer serves on an already bound socket.
func NewDatagramServer(
	conn *net.UDPConn,
	cfg DatagramConfig,
	sink CommandSink,
	source *telemetry.Broadcaster,
	logger logging.Logger,
) *DatagramServer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &DatagramServer{conn: conn, cfg: cfg, sink: sink, source: source, logger: logger}
}

// Operator returns the current operator address, or nil before the first datagram.
func (s *DatagramServer) Operator() *net.UDPAddr {
	return s.operator.Load()
}

// Serve receives commands and sends telemetry until ctx is done. It closes the socket on
// return.
func (s *DatagramServer) Serve(ctx context.Context) error {
	workers := utils.NewStoppableWorkersWithContext(ctx, s.sendLoop)
	defer workers.Stop()

	stop := context.AfterFunc(ctx, func() {
		//nolint:errcheck
		s.conn.Close()
	})
	defer stop()

	s.logger.Infow("serving datagram operator", "addr", s.conn.LocalAddr().String())
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warnw("datagram receive failed", "error", err)
			continue
		}
		s.receive(buf[:n], addr)
	}
}

func (s *DatagramServer) receive(b []byte, addr *net.UDPAddr) {
	if prev := s.operator.Swap(addr); prev == nil || prev.String() != addr.String() {
		s.logger.Infow("operator address changed", "operator", addr.String())
	}
	s.lastReceive.Store(s.cfg.Clock.Now())
	if s.silent.CompareAndSwap(true, false) {
		s.logger.Infow("operator link restored", "operator", addr.String())
	}

	cmd, err := wire.DecodeCommand(b)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues("udp").Inc()
		s.logger.Debugw("dropping malformed datagram", "from", addr.String(), "error", err)
		return
	}
	s.sink.Submit(cmd)
}

func (s *DatagramServer) sendLoop(ctx context.Context) {
	ticker := s.cfg.Clock.Ticker(s.cfg.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.tick()
	}
}

func (s *DatagramServer) tick() {
	addr := s.operator.Load()
	if addr == nil {
		return
	}
	if snap, ok := s.source.Latest(); ok {
		s.sendTelemetry(snap, addr)
	}
	// The heartbeat keeps the command pipeline alive but never feeds the watchdog, so a
	// silent operator still times the rover out of a driving mode.
	if s.cfg.Clock.Since(s.lastReceive.Load()) > s.cfg.ConnectionTimeout {
		if s.silent.CompareAndSwap(false, true) {
			s.logger.Warnw("operator silent", "operator", addr.String(), "timeout", s.cfg.ConnectionTimeout)
		}
		s.sink.Submit(wire.HeartbeatCommand{})
	}
}

func (s *DatagramServer) sendTelemetry(snap wire.Telemetry, addr *net.UDPAddr) {
	b, err := wire.EncodeTelemetry(snap)
	if err != nil {
		s.logger.Errorw("cannot encode telemetry", "error", err)
		return
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		s.logger.Debugw("set write deadline", "error", err)
	}
	if _, err := s.conn.WriteToUDP(b, addr); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debugw("telemetry send failed", "operator", addr.String(), "error", err)
	}
}
