package canbus

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/rover/logging"
)

func TestFrameValidate(t *testing.T) {
	f, err := NewFrame(0x0303, true, []byte{1, 2, 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Payload(), test.ShouldResemble, []byte{1, 2, 3})
	test.That(t, f.String(), test.ShouldEqual, "00000303#010203")

	_, err = NewFrame(0x800, false, nil)
	test.That(t, err, test.ShouldEqual, ErrInvalidID)

	_, err = NewFrame(MaxExtendedID+1, true, nil)
	test.That(t, err, test.ShouldEqual, ErrInvalidID)

	_, err = NewFrame(1, false, make([]byte, 9))
	test.That(t, err, test.ShouldEqual, ErrInvalidLength)

	std, err := NewFrame(0x123, false, []byte{0xAB})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, std.String(), test.ShouldEqual, "123#ab")
}

func TestWrapError(t *testing.T) {
	test.That(t, WrapError("send", nil), test.ShouldBeNil)

	err := WrapError("send", ErrTimeout)
	var busErr *Error
	test.That(t, errors.As(err, &busErr), test.ShouldBeTrue)
	test.That(t, busErr.Op, test.ShouldEqual, "send")
	test.That(t, errors.Is(err, ErrTimeout), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "canbus send")

	// Already typed errors are not wrapped twice.
	test.That(t, WrapError("receive", err), test.ShouldEqual, err)
}

type chanReceiver struct {
	frames chan Frame
}

func (r *chanReceiver) Receive(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-r.frames:
		if !ok {
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func TestPumpDropsOldestWhenFull(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src := &chanReceiver{frames: make(chan Frame, 4)}
	for i := uint32(1); i <= 4; i++ {
		src.frames <- Frame{ID: i}
	}
	close(src.frames)

	out := make(chan Frame, 2)
	done := make(chan struct{})
	go func() {
		Pump(context.Background(), src, out, logger)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit on closed bus")
	}

	frames := Drain(out, 10)
	test.That(t, len(frames), test.ShouldEqual, 2)
	test.That(t, frames[0].ID, test.ShouldEqual, uint32(3))
	test.That(t, frames[1].ID, test.ShouldEqual, uint32(4))
	test.That(t, len(Drain(out, 10)), test.ShouldEqual, 0)
}
