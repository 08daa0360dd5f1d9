package vesc

import (
	"github.com/benbjohnson/clock"

	"go.viam.com/rover/canbus"
)

// Controller tracks the status of a single VESC on the bus. Its State is written only by
// Process, which the control loop calls for every received frame.
type Controller struct {
	id    uint8
	clk   clock.Clock
	state State
}

// NewController returns a controller for the given bus id.
func NewController(id uint8, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{id: id, clk: clk}
}

// ID returns the controller's bus id.
func (c *Controller) ID() uint8 {
	return c.id
}

// Process applies a status frame addressed to this controller. Frames for other controllers,
// non-status codes and short payloads are ignored and reported as not consumed.
func (c *Controller) Process(f canbus.Frame) bool {
	if !f.Extended {
		return false
	}
	code, id := UnpackID(f.ID)
	if id != c.id {
		return false
	}
	return c.state.applyStatus(StatusCode(code), f.Payload(), c.clk.Now())
}

// State returns a copy of the latest decoded status.
func (c *Controller) State() State {
	return c.state
}
