package operator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
)

// session is one websocket client. Its send and receive tasks run as a pair: when either
// returns, the shared context is cancelled and the connection closed, which ends the other.
type session struct {
	id       string
	listener string
	conn     *websocket.Conn
	logger   logging.Logger
}

func newSession(listener string, conn *websocket.Conn, logger logging.Logger) *session {
	id := uuid.NewString()
	return &session{
		id:       id,
		listener: listener,
		conn:     conn,
		logger:   logger.Sublogger(id[:8]),
	}
}

// run blocks until both tasks have returned.
func (s *session) run(
	ctx context.Context,
	receive func(ctx context.Context, messageType int, data []byte),
	send func(ctx context.Context) error,
) {
	gauge := metrics.ConnectedClients.WithLabelValues(s.listener)
	gauge.Inc()
	defer gauge.Dec()
	s.logger.Infow("client connected", "remote", s.conn.RemoteAddr().String())

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		//nolint:errcheck
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
		//nolint:errcheck
		s.conn.Close()
	})
	defer stop()

	g.Go(func() error {
		for {
			messageType, data, err := s.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return errSessionClosed
				}
				return errors.Wrap(err, "receive")
			}
			receive(gctx, messageType, data)
		}
	})
	g.Go(func() error {
		if err := send(gctx); err != nil {
			return errors.Wrap(err, "send")
		}
		return errSessionClosed
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, errSessionClosed) && ctx.Err() == nil {
		s.logger.Debugw("client connection ended", "error", err)
	}
	s.logger.Infow("client disconnected")
}

var errSessionClosed = errors.New("session closed")

// sessionGroup tracks the sessions of one server. Connections upgraded after closeAndWait
// has begun are closed instead of started.
type sessionGroup struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// track runs fn for conn unless the group is closed.
func (g *sessionGroup) track(conn *websocket.Conn, logger logging.Logger, fn func()) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		logger.Debugw("rejecting client during shutdown", "remote", conn.RemoteAddr().String())
		//nolint:errcheck
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeTimeout))
		//nolint:errcheck
		conn.Close()
		return
	}
	g.wg.Add(1)
	g.mu.Unlock()
	defer g.wg.Done()
	fn()
}

// closeAndWait stops new sessions from starting and waits for the running ones.
func (g *sessionGroup) closeAndWait() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.wg.Wait()
}

func (s *session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}
