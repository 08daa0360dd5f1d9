package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rover/logging"
	"go.viam.com/rover/mode"
	"go.viam.com/rover/spatialmath"
	"go.viam.com/rover/wire"
)

func snapshot(ts uint64) wire.Telemetry {
	return wire.Telemetry{
		Mode:          mode.Teleop,
		Pose:          spatialmath.Pose{X: 1, Y: 2, Theta: 0.5},
		TimestampMS:   ts,
		MotorTemps:    []float64{30, 31, 32, 33},
		MotorCurrents: []float64{1, 2, 3, 4},
	}
}

func TestBroadcasterLatest(t *testing.T) {
	b := NewBroadcaster()
	_, ok := b.Latest()
	test.That(t, ok, test.ShouldBeFalse)

	in := snapshot(1)
	b.Publish(in)
	in.MotorTemps[0] = 99

	got, ok := b.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, got.TimestampMS, test.ShouldEqual, uint64(1))
	test.That(t, got.MotorTemps[0], test.ShouldEqual, 30.0)

	got.MotorCurrents[0] = -1
	again, _ := b.Latest()
	test.That(t, again.MotorCurrents[0], test.ShouldEqual, 1.0)
}

func TestSubscriptionSeesOnlyLatest(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(snapshot(i))
	}
	got, err := sub.Next(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.TimestampMS, test.ShouldEqual, uint64(5))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	test.That(t, err, test.ShouldEqual, context.DeadlineExceeded)
}

func TestSubscriptionWakes(t *testing.T) {
	b := NewBroadcaster()
	var wg sync.WaitGroup
	results := make([]uint64, 3)
	for i := range results {
		sub := b.Subscribe()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := sub.Next(context.Background())
			if err == nil {
				results[i] = got.TimestampMS
			}
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	b.Publish(snapshot(42))
	wg.Wait()
	test.That(t, results, test.ShouldResemble, []uint64{42, 42, 42})
}

func TestSnapshotJSON(t *testing.T) {
	payload, err := json.Marshal(snapshot(7))
	test.That(t, err, test.ShouldBeNil)
	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(payload, &decoded), test.ShouldBeNil)
	test.That(t, decoded["mode"], test.ShouldEqual, "teleop")
	test.That(t, decoded["timestamp_ms"], test.ShouldEqual, 7.0)
	test.That(t, decoded["pose"].(map[string]interface{})["theta"], test.ShouldEqual, 0.5)

	var back wire.Telemetry
	test.That(t, json.Unmarshal(payload, &back), test.ShouldBeNil)
	test.That(t, back, test.ShouldResemble, snapshot(7))
}

type doneToken struct {
	err error
}

func (tok *doneToken) Wait() bool                     { return true }
func (tok *doneToken) WaitTimeout(time.Duration) bool { return true }
func (tok *doneToken) Error() error                   { return tok.err }

func (tok *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// fakeClient records publishes; methods the sink does not call panic via the nil embed.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	published map[string][][]byte
}

func (c *fakeClient) Connect() mqtt.Token { return &doneToken{} }

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = append(c.published[topic], payload.([]byte))
	return &doneToken{}
}

func (c *fakeClient) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published[topic])
}

func (c *fakeClient) payloads(topic string) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.published[topic]...)
}

func TestMQTTSink(t *testing.T) {
	b := NewBroadcaster()
	clk := clock.NewMock()
	client := &fakeClient{published: map[string][][]byte{}}
	cfg := MQTTConfig{Topic: "rover/test/telemetry", Interval: 50 * time.Millisecond, Clock: clk}
	sink := newMQTTSinkWithClient(cfg, client, b, logging.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	// nothing is published before the first snapshot
	time.Sleep(20 * time.Millisecond)
	test.That(t, client.count(cfg.Topic), test.ShouldEqual, 0)

	b.Publish(snapshot(3))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, client.count(cfg.Topic), test.ShouldEqual, 1)
	})

	// snapshots inside one interval collapse into the newest
	b.Publish(snapshot(4))
	b.Publish(snapshot(5))
	time.Sleep(20 * time.Millisecond)
	test.That(t, client.count(cfg.Topic), test.ShouldEqual, 1)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		clk.Add(cfg.Interval)
		test.That(tb, client.count(cfg.Topic), test.ShouldEqual, 2)
	})

	// an unchanged snapshot is not published again
	clk.Add(cfg.Interval)
	time.Sleep(20 * time.Millisecond)
	test.That(t, client.count(cfg.Topic), test.ShouldEqual, 2)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)

	var stamps []uint64
	for _, payload := range client.payloads(cfg.Topic) {
		var got wire.Telemetry
		test.That(t, json.Unmarshal(payload, &got), test.ShouldBeNil)
		stamps = append(stamps, got.TimestampMS)
	}
	test.That(t, stamps, test.ShouldResemble, []uint64{3, 5})
}

func TestRedisKeys(t *testing.T) {
	test.That(t, TelemetryKey("r1"), test.ShouldEqual, "rover:r1:telemetry")
	test.That(t, RegistrationKey("r1"), test.ShouldEqual, "rover:r1:registration")
}

func TestRedisSinkUnreachable(t *testing.T) {
	sink := NewRedisSink(RedisConfig{Addr: "127.0.0.1:1", RobotID: "r1", Interval: time.Millisecond},
		NewBroadcaster(), logging.NewTestLogger(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sink.Run(ctx)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "redis ping")
}
