package operator

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/wire"
)

// MediaServer pushes the most recent camera frame to every connected client, at most maxFPS
// frames per second per client. Frames published faster than a client can take are skipped.
type MediaServer struct {
	maxFPS   float64
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	latest  wire.MediaFrame
	seq     uint64
	changed chan struct{}
}

// NewMediaServer returns a server that is started by Serve.
func NewMediaServer(maxFPS float64, logger logging.Logger) *MediaServer {
	return &MediaServer{
		maxFPS:  maxFPS,
		logger:  logger,
		changed: make(chan struct{}),
		upgrader: websocket.Upgrader{
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Publish replaces the latest frame and wakes waiting clients.
func (s *MediaServer) Publish(frame wire.MediaFrame) {
	payload := make([]byte, len(frame.Payload))
	copy(payload, frame.Payload)
	frame.Payload = payload

	s.mu.Lock()
	s.latest = frame
	s.seq++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *MediaServer) snapshot() (wire.MediaFrame, uint64, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.seq, s.changed
}

// Serve accepts media clients on ln until ctx is done.
func (s *MediaServer) Serve(ctx context.Context, ln net.Listener) error {
	return serveWebsocket(ctx, ln, s.logger, func(sessions *sessionGroup) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := s.upgrader.Upgrade(w, r, nil)
			if err != nil {
				s.logger.Debugw("websocket upgrade failed", "error", err)
				return
			}
			sessions.track(conn, s.logger, func() {
				sess := newSession("media", conn, s.logger)
				sess.run(ctx, func(context.Context, int, []byte) {}, s.send(sess))
			})
		})
	})
}

func (s *MediaServer) send(sess *session) func(context.Context) error {
	return func(ctx context.Context) error {
		limiter := rate.NewLimiter(rate.Limit(s.maxFPS), 1)
		var sent uint64
		for {
			frame, seq, changed := s.snapshot()
			if seq == sent {
				select {
				case <-ctx.Done():
					return nil
				case <-changed:
				}
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
			// Take whatever is newest once the limiter lets us through.
			frame, seq, _ = s.snapshot()
			if err := sess.write(wire.EncodeMedia(frame)); err != nil {
				return err
			}
			sent = seq
		}
	}
}
