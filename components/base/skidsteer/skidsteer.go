// Package skidsteer converts body-frame velocity commands into per-wheel angular velocities
// for a four-wheel skid-steer base.
package skidsteer

import (
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rover/utils"
)

// Params is the static chassis geometry.
type Params struct {
	WheelRadius float64 `json:"wheel_radius_m"`
	TrackWidth  float64 `json:"track_width_m"`
	Wheelbase   float64 `json:"wheelbase_m"`
}

// Validate ensures all parts of the config are valid.
func (p *Params) Validate(path string) error {
	if p.WheelRadius == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "wheel_radius_m")
	}
	if p.TrackWidth == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "track_width_m")
	}
	if p.WheelRadius < 0 || p.TrackWidth < 0 || p.Wheelbase < 0 {
		return goutils.NewConfigValidationError(path, errors.New("chassis dimensions must be positive"))
	}
	return nil
}

// Twist is a body-frame velocity command.
type Twist struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
	Boost   bool    `json:"boost"`
}

// WheelVelocities are per-wheel angular velocities in rad/s.
type WheelVelocities struct {
	FrontLeft  float64 `json:"front_left"`
	FrontRight float64 `json:"front_right"`
	RearLeft   float64 `json:"rear_left"`
	RearRight  float64 `json:"rear_right"`
}

// Array returns the velocities in front-left, front-right, rear-left, rear-right order.
func (w WheelVelocities) Array() [4]float64 {
	return [4]float64{w.FrontLeft, w.FrontRight, w.RearLeft, w.RearRight}
}

// RPM returns the velocities in wheel order as mechanical revolutions per minute.
func (w WheelVelocities) RPM() [4]float64 {
	var out [4]float64
	for i, v := range w.Array() {
		out[i] = utils.RadPerSecToRPM(v)
	}
	return out
}

// Mix computes wheel velocities for a twist. Wheels on the same side always match.
func (p Params) Mix(tw Twist) WheelVelocities {
	if p.WheelRadius <= 0 {
		return WheelVelocities{}
	}
	halfTrack := tw.Angular * p.TrackWidth / 2
	left := (tw.Linear - halfTrack) / p.WheelRadius
	right := (tw.Linear + halfTrack) / p.WheelRadius
	return WheelVelocities{
		FrontLeft:  left,
		FrontRight: right,
		RearLeft:   left,
		RearRight:  right,
	}
}
