package vesc

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rover/canbus"
)

type recordingBus struct {
	frames []canbus.Frame
	failID uint32
}

func (b *recordingBus) Send(ctx context.Context, f canbus.Frame) error {
	if b.failID != 0 && f.ID == b.failID {
		return &canbus.Error{Op: "send", Err: canbus.ErrTimeout}
	}
	b.frames = append(b.frames, f)
	return nil
}

func payloadInt32(f canbus.Frame) int32 {
	return int32(binary.BigEndian.Uint32(f.Data[:4]))
}

func testDrivetrainConfig() DrivetrainConfig {
	return DrivetrainConfig{PolePairs: 7, FrontLeft: 1, FrontRight: 2, RearLeft: 3, RearRight: 4}
}

func TestIDPacking(t *testing.T) {
	f := SetRPMFrame(3, 12000)
	test.That(t, f.Extended, test.ShouldBeTrue)
	test.That(t, f.ID, test.ShouldEqual, uint32(0x0303))
	code, id := UnpackID(f.ID)
	test.That(t, code, test.ShouldEqual, uint32(CommandSetRPM))
	test.That(t, id, test.ShouldEqual, uint8(3))
	test.That(t, f.Len, test.ShouldEqual, uint8(4))
	test.That(t, payloadInt32(f), test.ShouldEqual, int32(12000))
	test.That(t, f.Data[:4], test.ShouldResemble, []byte{0x00, 0x00, 0x2E, 0xE0})

	test.That(t, PackID(uint32(Status5), 0x7F), test.ShouldEqual, uint32(27<<8|0x7F))
}

func TestCommandScaling(t *testing.T) {
	t.Run("duty is clamped then scaled", func(t *testing.T) {
		test.That(t, payloadInt32(SetDutyFrame(1, 0.25)), test.ShouldEqual, int32(25000))
		test.That(t, payloadInt32(SetDutyFrame(1, 1.5)), test.ShouldEqual, int32(100000))
		test.That(t, payloadInt32(SetDutyFrame(1, -3)), test.ShouldEqual, int32(-100000))
	})
	t.Run("current is milliamps", func(t *testing.T) {
		f := SetCurrentFrame(9, -2.5)
		code, id := UnpackID(f.ID)
		test.That(t, code, test.ShouldEqual, uint32(CommandSetCurrent))
		test.That(t, id, test.ShouldEqual, uint8(9))
		test.That(t, payloadInt32(f), test.ShouldEqual, int32(-2500))
	})
	t.Run("brake current is unsigned", func(t *testing.T) {
		f := SetCurrentBrakeFrame(9, -4)
		code, _ := UnpackID(f.ID)
		test.That(t, code, test.ShouldEqual, uint32(CommandSetCurrentBrake))
		test.That(t, payloadInt32(f), test.ShouldEqual, int32(4000))
	})
	t.Run("position is micro degrees", func(t *testing.T) {
		test.That(t, payloadInt32(SetPosFrame(1, 90.5)), test.ShouldEqual, int32(90500000))
	})
	t.Run("command value round trip", func(t *testing.T) {
		code, id, v, ok := CommandValue(SetDutyFrame(5, -0.5))
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, code, test.ShouldEqual, CommandSetDuty)
		test.That(t, id, test.ShouldEqual, uint8(5))
		test.That(t, DutyFromCommand(v), test.ShouldAlmostEqual, -0.5)

		_, _, _, ok = CommandValue(Status1Frame(5, 1, 0, 0))
		test.That(t, ok, test.ShouldBeFalse)
	})
}

func TestStatusDecoding(t *testing.T) {
	mock := clock.NewMock()
	c := NewController(3, mock)
	test.That(t, c.State().Updated.IsZero(), test.ShouldBeTrue)
	test.That(t, c.State().Stale(mock.Now(), time.Second), test.ShouldBeTrue)

	test.That(t, c.Process(Status1Frame(3, 5000, 12.3, 0.45)), test.ShouldBeTrue)
	s := c.State()
	test.That(t, s.ERPM, test.ShouldEqual, int32(5000))
	test.That(t, s.Current, test.ShouldAlmostEqual, 12.3, 0.1)
	test.That(t, s.Duty, test.ShouldAlmostEqual, 0.45, 0.001)
	test.That(t, s.HasSeen(Status1), test.ShouldBeTrue)
	test.That(t, s.HasSeen(Status5), test.ShouldBeFalse)
	test.That(t, s.Updated, test.ShouldEqual, mock.Now())

	test.That(t, c.Process(Status4Frame(3, 45.6, 60.2, -3.4, 12)), test.ShouldBeTrue)
	s = c.State()
	test.That(t, s.FETTemp, test.ShouldAlmostEqual, 45.6, 0.1)
	test.That(t, s.MotorTemp, test.ShouldAlmostEqual, 60.2, 0.1)
	test.That(t, s.InputCurrent, test.ShouldAlmostEqual, -3.4, 0.1)
	test.That(t, s.PIDPos, test.ShouldAlmostEqual, 12.0, 0.02)

	test.That(t, c.Process(Status5Frame(3, -123456, 48.1)), test.ShouldBeTrue)
	s = c.State()
	test.That(t, s.Tachometer, test.ShouldEqual, int32(-123456))
	test.That(t, s.InputVoltage, test.ShouldAlmostEqual, 48.1, 0.1)

	var energy [8]byte
	binary.BigEndian.PutUint32(energy[0:4], 12345)
	binary.BigEndian.PutUint32(energy[4:8], 500)
	test.That(t, c.Process(canbus.Frame{ID: PackID(uint32(Status2), 3), Extended: true, Len: 8, Data: energy}),
		test.ShouldBeTrue)
	test.That(t, c.State().AmpHours, test.ShouldAlmostEqual, 1.2345)
	test.That(t, c.State().AmpHoursCharged, test.ShouldAlmostEqual, 0.05)
}

func TestStatusIgnored(t *testing.T) {
	c := NewController(3, clock.NewMock())

	t.Run("other controller", func(t *testing.T) {
		test.That(t, c.Process(Status1Frame(4, 1, 1, 0.1)), test.ShouldBeFalse)
	})
	t.Run("short payload", func(t *testing.T) {
		f := Status1Frame(3, 1, 1, 0.1)
		f.Len = 7
		test.That(t, c.Process(f), test.ShouldBeFalse)
	})
	t.Run("standard frame", func(t *testing.T) {
		f := Status1Frame(3, 1, 1, 0.1)
		f.Extended = false
		test.That(t, c.Process(f), test.ShouldBeFalse)
	})
	t.Run("unknown status", func(t *testing.T) {
		test.That(t, c.Process(canbus.Frame{ID: PackID(99, 3), Extended: true, Len: 8}), test.ShouldBeFalse)
	})
	t.Run("command echo", func(t *testing.T) {
		test.That(t, c.Process(SetRPMFrame(3, 100)), test.ShouldBeFalse)
	})
	test.That(t, c.State().Updated.IsZero(), test.ShouldBeTrue)
}

func TestDrivetrainConfigValidate(t *testing.T) {
	cfg := testDrivetrainConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	cfg.PolePairs = 0
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)

	cfg = testDrivetrainConfig()
	cfg.RearRight = cfg.FrontLeft
	err := cfg.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rear_right")

	_, err = NewDrivetrain(cfg, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDrivetrainFanOut(t *testing.T) {
	ctx := context.Background()
	d, err := NewDrivetrain(testDrivetrainConfig(), clock.NewMock())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, d.PolePairs(), test.ShouldEqual, 7)

	bus := &recordingBus{}
	test.That(t, d.SetRPM(ctx, bus, [4]float64{100, -100, 100.4, -0.2}), test.ShouldBeNil)
	test.That(t, len(bus.frames), test.ShouldEqual, 4)
	expected := []struct {
		id   uint8
		erpm int32
	}{{1, 700}, {2, -700}, {3, 703}, {4, -1}}
	for i, e := range expected {
		code, id := UnpackID(bus.frames[i].ID)
		test.That(t, code, test.ShouldEqual, uint32(CommandSetRPM))
		test.That(t, id, test.ShouldEqual, e.id)
		test.That(t, payloadInt32(bus.frames[i]), test.ShouldEqual, e.erpm)
	}

	bus = &recordingBus{}
	test.That(t, d.SetCurrent(ctx, bus, 0), test.ShouldBeNil)
	test.That(t, d.SetCurrentBrake(ctx, bus, 5), test.ShouldBeNil)
	test.That(t, len(bus.frames), test.ShouldEqual, 8)
}

func TestDrivetrainSendFailureKeepsGoing(t *testing.T) {
	d, err := NewDrivetrain(testDrivetrainConfig(), clock.NewMock())
	test.That(t, err, test.ShouldBeNil)

	bus := &recordingBus{failID: PackID(uint32(CommandSetRPM), 2)}
	err = d.SetRPM(context.Background(), bus, [4]float64{1, 1, 1, 1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "front_right")
	var busErr *canbus.Error
	test.That(t, errors.As(err, &busErr), test.ShouldBeTrue)
	test.That(t, len(bus.frames), test.ShouldEqual, 3)
}

func TestDrivetrainFanIn(t *testing.T) {
	d, err := NewDrivetrain(testDrivetrainConfig(), clock.NewMock())
	test.That(t, err, test.ShouldBeNil)

	_, ok := d.Tachometers()
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = d.InputVoltage()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, d.Process(Status5Frame(1, 10, 48)), test.ShouldBeTrue)
	test.That(t, d.Process(Status5Frame(2, 20, 48)), test.ShouldBeTrue)
	test.That(t, d.Process(Status5Frame(3, 30, 50)), test.ShouldBeTrue)
	_, ok = d.Tachometers()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, d.Process(Status5Frame(4, 40, 50)), test.ShouldBeTrue)
	test.That(t, d.Process(Status5Frame(42, 40, 50)), test.ShouldBeFalse)

	tach, ok := d.Tachometers()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tach, test.ShouldResemble, [4]int32{10, 20, 30, 40})

	volts, ok := d.InputVoltage()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, volts, test.ShouldAlmostEqual, 49.0)

	test.That(t, d.Controller(RearLeft).ID(), test.ShouldEqual, uint8(3))
	test.That(t, d.States()[RearRight].Tachometer, test.ShouldEqual, int32(40))
	test.That(t, RearRight.String(), test.ShouldEqual, "rear_right")
}
