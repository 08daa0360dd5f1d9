package operator

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/telemetry"
	"go.viam.com/rover/wire"
)

const shutdownTimeout = 2 * time.Second

// StreamConfig configures the websocket command/telemetry transport.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	Clock             clock.Clock
}

// StreamServer accepts any number of websocket operators. Each gets telemetry pushed at the
// heartbeat interval and may send commands at any time.
type StreamServer struct {
	cfg      StreamConfig
	sink     CommandSink
	source   *telemetry.Broadcaster
	logger   logging.Logger
	upgrader websocket.Upgrader
}

// NewStreamServer returns a server that is started by Serve.
func NewStreamServer(cfg StreamConfig, sink CommandSink, source *telemetry.Broadcaster, logger logging.Logger) *StreamServer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &StreamServer{
		cfg:    cfg,
		sink:   sink,
		source: source,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Serve accepts connections on ln until ctx is done, then closes every client and waits for
// their tasks to finish.
func (s *StreamServer) Serve(ctx context.Context, ln net.Listener) error {
	return serveWebsocket(ctx, ln, s.logger, func(sessions *sessionGroup) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := s.upgrader.Upgrade(w, r, nil)
			if err != nil {
				s.logger.Debugw("websocket upgrade failed", "error", err)
				return
			}
			sessions.track(conn, s.logger, func() {
				sess := newSession("stream", conn, s.logger)
				sess.run(ctx, s.receive(sess), s.send(sess))
			})
		})
	})
}

func (s *StreamServer) receive(sess *session) func(context.Context, int, []byte) {
	return func(_ context.Context, messageType int, data []byte) {
		if messageType != websocket.BinaryMessage {
			return
		}
		cmd, err := wire.DecodeCommand(data)
		if err != nil {
			metrics.DecodeErrors.WithLabelValues("ws").Inc()
			sess.logger.Debugw("dropping malformed message", "error", err)
			return
		}
		s.sink.Submit(cmd)
	}
}

func (s *StreamServer) send(sess *session) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := s.cfg.Clock.Ticker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			snap, ok := s.source.Latest()
			if !ok {
				continue
			}
			b, err := wire.EncodeTelemetry(snap)
			if err != nil {
				return err
			}
			if err := sess.write(b); err != nil {
				return err
			}
		}
	}
}

// serveWebsocket runs an HTTP server for a websocket handler and tears it down with ctx.
func serveWebsocket(
	ctx context.Context,
	ln net.Listener,
	logger logging.Logger,
	handler func(sessions *sessionGroup) http.Handler,
) error {
	sessions := &sessionGroup{}
	srv := &http.Server{Handler: handler(sessions), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Infow("serving websocket operators", "addr", ln.Addr().String())

	var err error
	select {
	case err = <-errCh:
		err = errors.Wrap(err, "websocket server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	sessions.closeAndWait()
	return err
}
