// Package spatialmath holds the planar pose type shared by odometry and telemetry.
package spatialmath

import "math"

// Pose is a planar robot pose in a fixed local frame established at startup or reset.
// Theta is always kept in (-pi, pi].
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// NewPose returns a pose with a normalized heading.
func NewPose(x, y, theta float64) Pose {
	return Pose{X: x, Y: y, Theta: NormalizeAngle(theta)}
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(theta float64) float64 {
	if math.IsNaN(theta) || math.IsInf(theta, 0) {
		return 0
	}
	wrapped := math.Mod(theta, 2*math.Pi)
	if wrapped <= -math.Pi {
		wrapped += 2 * math.Pi
	} else if wrapped > math.Pi {
		wrapped -= 2 * math.Pi
	}
	return wrapped
}

// Advance integrates a robot-frame displacement (forward dx, lateral dy, rotation dtheta)
// using the midpoint heading and returns the resulting pose.
func (p Pose) Advance(dx, dy, dtheta float64) Pose {
	mid := p.Theta + dtheta/2
	sin, cos := math.Sincos(mid)
	return Pose{
		X:     p.X + dx*cos - dy*sin,
		Y:     p.Y + dx*sin + dy*cos,
		Theta: NormalizeAngle(p.Theta + dtheta),
	}
}
