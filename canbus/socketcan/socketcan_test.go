package socketcan

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/rover/canbus"
)

func TestFrameConversion(t *testing.T) {
	f, err := canbus.NewFrame(0x0903, true, []byte{0, 0, 0x13, 0x88, 0, 0x7b, 0x01, 0xc2})
	test.That(t, err, test.ShouldBeNil)

	df := toDriverFrame(f)
	test.That(t, df.ID, test.ShouldEqual, uint32(0x0903))
	test.That(t, df.IsExtended, test.ShouldBeTrue)
	test.That(t, df.Length, test.ShouldEqual, uint8(8))
	test.That(t, df.Data[3], test.ShouldEqual, byte(0x88))
	test.That(t, df.Validate(), test.ShouldBeNil)

	test.That(t, fromDriverFrame(df), test.ShouldResemble, f)

	short, err := canbus.NewFrame(0x123, false, []byte{0xAA})
	test.That(t, err, test.ShouldBeNil)
	df = toDriverFrame(short)
	test.That(t, df.IsExtended, test.ShouldBeFalse)
	test.That(t, df.Length, test.ShouldEqual, uint8(1))
	test.That(t, fromDriverFrame(df), test.ShouldResemble, short)
}
