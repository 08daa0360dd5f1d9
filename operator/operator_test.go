package operator

import (
	"context"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/metrics"
	"go.viam.com/rover/mode"
	"go.viam.com/rover/spatialmath"
	"go.viam.com/rover/telemetry"
	"go.viam.com/rover/wire"
)

type recordingSink struct {
	mu   sync.Mutex
	cmds []wire.Command
}

func (s *recordingSink) Submit(cmd wire.Command) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return true
}

func (s *recordingSink) count(match func(wire.Command) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, c := range s.cmds {
		if match(c) {
			n++
		}
	}
	return n
}

func isTwist(c wire.Command) bool {
	_, ok := c.(wire.TwistCommand)
	return ok
}

func isHeartbeat(c wire.Command) bool {
	_, ok := c.(wire.HeartbeatCommand)
	return ok
}

func sampleTelemetry(ts uint64) wire.Telemetry {
	return wire.Telemetry{
		Mode:          mode.Teleop,
		Pose:          spatialmath.Pose{X: 1.5, Y: -0.5, Theta: 0.25},
		TimestampMS:   ts,
		MotorTemps:    []float64{30, 30, 31, 31},
		MotorCurrents: []float64{2, 2, 2, 2},
	}
}

func encode(t *testing.T, cmd wire.Command) []byte {
	t.Helper()
	b, err := wire.EncodeCommand(cmd)
	test.That(t, err, test.ShouldBeNil)
	return b
}

func TestDatagramServer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	test.That(t, err, test.ShouldBeNil)

	sink := &recordingSink{}
	source := telemetry.NewBroadcaster()
	source.Publish(sampleTelemetry(42))
	srv := NewDatagramServer(conn, DatagramConfig{
		TelemetryInterval: 10 * time.Millisecond,
		ConnectionTimeout: 150 * time.Millisecond,
	}, sink, source, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		test.That(t, <-done, test.ShouldBeNil)
	}()

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	test.That(t, err, test.ShouldBeNil)
	defer client.Close()

	test.That(t, srv.Operator(), test.ShouldBeNil)
	_, err = client.Write(encode(t, wire.TwistCommand{Linear: 0.5, Angular: 0.1}))
	test.That(t, err, test.ShouldBeNil)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sink.count(isTwist), test.ShouldEqual, 1)
	})
	test.That(t, srv.Operator().String(), test.ShouldEqual, client.LocalAddr().String())

	t.Run("telemetry reaches the operator", func(t *testing.T) {
		buf := make([]byte, maxDatagramSize)
		test.That(t, client.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
		n, err := client.Read(buf)
		test.That(t, err, test.ShouldBeNil)
		snap, err := wire.DecodeTelemetry(buf[:n])
		test.That(t, err, test.ShouldBeNil)
		test.That(t, snap.TimestampMS, test.ShouldEqual, uint64(42))
		test.That(t, snap.Pose, test.ShouldResemble, spatialmath.Pose{X: 1.5, Y: -0.5, Theta: 0.25})
	})

	t.Run("malformed datagrams are counted", func(t *testing.T) {
		before := testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("udp"))
		_, err := client.Write([]byte{0x7F, 1, 2})
		test.That(t, err, test.ShouldBeNil)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("udp")), test.ShouldEqual, before+1)
		})
	})

	t.Run("silence injects heartbeats", func(t *testing.T) {
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, sink.count(isHeartbeat), test.ShouldBeGreaterThan, 0)
		})
		test.That(t, sink.count(isTwist), test.ShouldEqual, 1)
	})
}

func dialStream(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	return conn
}

func readTelemetry(t *testing.T, conn *websocket.Conn) wire.Telemetry {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	messageType, data, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, messageType, test.ShouldEqual, websocket.BinaryMessage)
	snap, err := wire.DecodeTelemetry(data)
	test.That(t, err, test.ShouldBeNil)
	return snap
}

func TestStreamServer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)

	sink := &recordingSink{}
	source := telemetry.NewBroadcaster()
	source.Publish(sampleTelemetry(7))
	srv := NewStreamServer(StreamConfig{HeartbeatInterval: 10 * time.Millisecond}, sink, source, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	gauge := metrics.ConnectedClients.WithLabelValues("stream")
	base := testutil.ToFloat64(gauge)

	first := dialStream(t, ln.Addr().String())
	second := dialStream(t, ln.Addr().String())
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, testutil.ToFloat64(gauge), test.ShouldEqual, base+2)
	})

	test.That(t, first.WriteMessage(websocket.BinaryMessage, encode(t, wire.TwistCommand{Linear: 1})), test.ShouldBeNil)
	test.That(t, second.WriteMessage(websocket.BinaryMessage, encode(t, wire.EStopCommand{})), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sink.count(isTwist), test.ShouldEqual, 1)
		test.That(tb, sink.count(func(c wire.Command) bool {
			_, ok := c.(wire.EStopCommand)
			return ok
		}), test.ShouldEqual, 1)
	})
	test.That(t, readTelemetry(t, first).TimestampMS, test.ShouldEqual, uint64(7))

	// Dropping one client leaves the other served.
	test.That(t, first.Close(), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, testutil.ToFloat64(gauge), test.ShouldEqual, base+1)
	})
	source.Publish(sampleTelemetry(8))
	var latest uint64
	for i := 0; i < 50 && latest != 8; i++ {
		latest = readTelemetry(t, second).TimestampMS
	}
	test.That(t, latest, test.ShouldEqual, uint64(8))
	test.That(t, second.WriteMessage(websocket.BinaryMessage, encode(t, wire.TwistCommand{Linear: 2})), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, sink.count(isTwist), test.ShouldEqual, 2)
	})

	// Text frames are ignored and malformed binary frames are counted.
	before := testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("ws"))
	test.That(t, second.WriteMessage(websocket.TextMessage, []byte("hello")), test.ShouldBeNil)
	test.That(t, second.WriteMessage(websocket.BinaryMessage, []byte{wire.TagTwist, 1}), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, testutil.ToFloat64(metrics.DecodeErrors.WithLabelValues("ws")), test.ShouldEqual, before+1)
	})

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(gauge), test.ShouldEqual, base)
	second.Close()
}

func TestMediaServerThrottles(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)

	srv := NewMediaServer(5, logger)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		test.That(t, <-done, test.ShouldBeNil)
	}()

	conn := dialStream(t, ln.Addr().String())
	defer conn.Close()

	read := func() wire.MediaFrame {
		test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
		_, data, err := conn.ReadMessage()
		test.That(t, err, test.ShouldBeNil)
		frame, err := wire.DecodeMedia(data)
		test.That(t, err, test.ShouldBeNil)
		return frame
	}

	// The client may connect after the first publish; keep publishing until it gets one.
	payload := []byte{0xFF, 0xD8, 0xFF}
	var first wire.MediaFrame
	got := make(chan wire.MediaFrame, 1)
	go func() { got <- read() }()
	for ts := uint64(1); ; ts++ {
		srv.Publish(wire.MediaFrame{TimestampMS: ts, Width: 64, Height: 48, Payload: payload})
		select {
		case first = <-got:
		case <-time.After(10 * time.Millisecond):
			continue
		}
		break
	}
	test.That(t, first.Payload, test.ShouldResemble, payload)
	start := time.Now()

	base := first.TimestampMS + 1000
	for i := uint64(1); i <= 10; i++ {
		srv.Publish(wire.MediaFrame{TimestampMS: base + i, Payload: payload})
	}
	next := read()
	test.That(t, time.Since(start), test.ShouldBeGreaterThan, 100*time.Millisecond)
	test.That(t, next.TimestampMS, test.ShouldEqual, base+10)
}

func TestSessionGroupRejectsLateUpgrades(t *testing.T) {
	logger := logging.NewTestLogger(t)
	group := &sessionGroup{}
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			group.track(conn, logger, func() {
				started <- struct{}{}
				<-release
				conn.Close()
			})
		}),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		//nolint:errcheck
		srv.Serve(ln)
	}()
	defer srv.Close()

	first := dialStream(t, ln.Addr().String())
	defer first.Close()
	<-started

	waited := make(chan struct{})
	go func() {
		group.closeAndWait()
		close(waited)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		group.mu.Lock()
		defer group.mu.Unlock()
		test.That(tb, group.closed, test.ShouldBeTrue)
	})

	// an upgrade finishing after shutdown began is closed, never started
	late := dialStream(t, ln.Addr().String())
	defer late.Close()
	test.That(t, late.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	_, _, err = late.ReadMessage()
	test.That(t, websocket.IsCloseError(err, websocket.CloseGoingAway), test.ShouldBeTrue)
	test.That(t, started, test.ShouldHaveLength, 0)

	// the running session is still waited for
	select {
	case <-waited:
		t.Fatal("closeAndWait returned with a session running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-waited
}
