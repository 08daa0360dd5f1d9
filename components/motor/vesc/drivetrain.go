package vesc

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/utils"
)

// Wheel indexes the four drive controllers.
type Wheel int

// Wheels in the order used by every per-wheel array.
const (
	FrontLeft Wheel = iota
	FrontRight
	RearLeft
	RearRight
	numWheels
)

func (w Wheel) String() string {
	switch w {
	case FrontLeft:
		return "front_left"
	case FrontRight:
		return "front_right"
	case RearLeft:
		return "rear_left"
	case RearRight:
		return "rear_right"
	case numWheels:
	}
	return fmt.Sprintf("wheel(%d)", int(w))
}

// DrivetrainConfig describes the four controllers of a skid-steer drivetrain.
type DrivetrainConfig struct {
	PolePairs  int   `json:"pole_pairs"`
	FrontLeft  uint8 `json:"front_left"`
	FrontRight uint8 `json:"front_right"`
	RearLeft   uint8 `json:"rear_left"`
	RearRight  uint8 `json:"rear_right"`
}

// Validate ensures all parts of the config are valid.
func (cfg *DrivetrainConfig) Validate() error {
	if cfg.PolePairs <= 0 {
		return errors.Errorf("pole_pairs must be positive, got %d", cfg.PolePairs)
	}
	ids := map[uint8]Wheel{}
	for i, id := range cfg.ids() {
		if other, ok := ids[id]; ok {
			return errors.Errorf("%s and %s share controller id %d", other, Wheel(i), id)
		}
		ids[id] = Wheel(i)
	}
	return nil
}

func (cfg *DrivetrainConfig) ids() [numWheels]uint8 {
	return [numWheels]uint8{cfg.FrontLeft, cfg.FrontRight, cfg.RearLeft, cfg.RearRight}
}

// Drivetrain owns the four drive controllers and the shared pole-pair count. Outbound
// commands are fanned out per wheel; inbound frames are fanned in to whichever controller
// they address.
type Drivetrain struct {
	controllers [numWheels]*Controller
	polePairs   int
}

// NewDrivetrain returns a drivetrain for a validated config.
func NewDrivetrain(cfg DrivetrainConfig, clk clock.Clock) (*Drivetrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Drivetrain{polePairs: cfg.PolePairs}
	for i, id := range cfg.ids() {
		d.controllers[i] = NewController(id, clk)
	}
	return d, nil
}

// PolePairs returns the motors' pole-pair count.
func (d *Drivetrain) PolePairs() int {
	return d.polePairs
}

// Controller returns the controller driving a wheel.
func (d *Drivetrain) Controller(w Wheel) *Controller {
	return d.controllers[w]
}

// SetRPM commands each wheel's mechanical RPM, converted to ERPM with the pole-pair count.
// Every wheel is attempted even if an earlier send fails.
func (d *Drivetrain) SetRPM(ctx context.Context, bus canbus.Sender, rpm [4]float64) error {
	var err error
	for i, c := range d.controllers {
		erpm := utils.ScaleToInt32(rpm[i], float64(d.polePairs))
		err = multierr.Append(err, d.send(ctx, bus, Wheel(i), SetRPMFrame(c.id, erpm)))
	}
	return err
}

// SetCurrent commands the same motor current on every wheel.
func (d *Drivetrain) SetCurrent(ctx context.Context, bus canbus.Sender, amps float64) error {
	var err error
	for i, c := range d.controllers {
		err = multierr.Append(err, d.send(ctx, bus, Wheel(i), SetCurrentFrame(c.id, amps)))
	}
	return err
}

// SetCurrentBrake commands the same braking current on every wheel.
func (d *Drivetrain) SetCurrentBrake(ctx context.Context, bus canbus.Sender, amps float64) error {
	var err error
	for i, c := range d.controllers {
		err = multierr.Append(err, d.send(ctx, bus, Wheel(i), SetCurrentBrakeFrame(c.id, amps)))
	}
	return err
}

func (d *Drivetrain) send(ctx context.Context, bus canbus.Sender, w Wheel, f canbus.Frame) error {
	if err := bus.Send(ctx, f); err != nil {
		return errors.Wrapf(err, "%s (id %d)", w, d.controllers[w].id)
	}
	return nil
}

// Process hands a received frame to the controller it addresses and reports whether any
// controller consumed it.
func (d *Drivetrain) Process(f canbus.Frame) bool {
	for _, c := range d.controllers {
		if c.Process(f) {
			return true
		}
	}
	return false
}

// States returns a copy of every controller's status in wheel order.
func (d *Drivetrain) States() [4]State {
	var out [4]State
	for i, c := range d.controllers {
		out[i] = c.State()
	}
	return out
}

// Tachometers returns the cumulative tachometer counts in wheel order. ok is false until
// every controller has reported at least one STATUS5 frame.
func (d *Drivetrain) Tachometers() (tach [4]int32, ok bool) {
	for i, c := range d.controllers {
		s := c.State()
		if !s.HasSeen(Status5) {
			return tach, false
		}
		tach[i] = s.Tachometer
	}
	return tach, true
}

// InputVoltage averages the input voltage across controllers that have reported one.
func (d *Drivetrain) InputVoltage() (float64, bool) {
	var volts []float64
	for _, c := range d.controllers {
		if s := c.State(); s.HasSeen(Status5) {
			volts = append(volts, s.InputVoltage)
		}
	}
	if len(volts) == 0 {
		return 0, false
	}
	return utils.Mean(volts...), true
}
