package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestNormalizeAngle(t *testing.T) {
	test.That(t, NormalizeAngle(0), test.ShouldEqual, 0.0)
	test.That(t, NormalizeAngle(math.Pi), test.ShouldAlmostEqual, math.Pi)
	test.That(t, NormalizeAngle(-math.Pi), test.ShouldAlmostEqual, math.Pi)
	test.That(t, NormalizeAngle(3*math.Pi/2), test.ShouldAlmostEqual, -math.Pi/2)
	test.That(t, NormalizeAngle(-5*math.Pi/2), test.ShouldAlmostEqual, -math.Pi/2)
	test.That(t, NormalizeAngle(20*math.Pi+0.1), test.ShouldAlmostEqual, 0.1, 1e-9)
	test.That(t, NormalizeAngle(math.NaN()), test.ShouldEqual, 0.0)
}

func TestPoseAdvance(t *testing.T) {
	p := NewPose(0, 0, 0).Advance(1, 0, 0)
	test.That(t, p.X, test.ShouldAlmostEqual, 1.0)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0.0)

	p = NewPose(0, 0, math.Pi/2).Advance(2, 0, 0)
	test.That(t, p.X, test.ShouldAlmostEqual, 0.0)
	test.That(t, p.Y, test.ShouldAlmostEqual, 2.0)

	p = NewPose(0, 0, math.Pi-0.1).Advance(0, 0, 0.2)
	test.That(t, p.Theta, test.ShouldAlmostEqual, -math.Pi+0.1, 1e-9)
}
