package skidsteer

import (
	"github.com/benbjohnson/clock"
)

// Controller limits, rate limits and mixes twists. It is not safe for concurrent use; the
// control loop owns it.
type Controller struct {
	params Params
	limits Limits
	rate   *RateLimiter
}

// NewController returns a controller for the given geometry and limits.
func NewController(params Params, limits Limits, clk clock.Clock) *Controller {
	return &Controller{
		params: params,
		limits: limits,
		rate:   NewRateLimiter(limits.MaxAccel, clk),
	}
}

// Params returns the chassis geometry.
func (c *Controller) Params() Params {
	return c.params
}

// Compute returns the wheel velocities for tw along with the twist actually applied after
// limiting.
func (c *Controller) Compute(tw Twist) (WheelVelocities, Twist) {
	applied := c.limits.Apply(tw)
	applied.Linear = c.rate.Apply(applied.Linear)
	return c.params.Mix(applied), applied
}

// Reset clears the rate limiter so the next command is applied without ramping.
func (c *Controller) Reset() {
	c.rate.Reset()
}
