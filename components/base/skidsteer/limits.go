package skidsteer

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"go.viam.com/rover/utils"
)

// Limits bound a twist before it is mixed. A zero limit disables that bound.
type Limits struct {
	MaxLinear   float64 `json:"max_linear_mps"`
	MaxAngular  float64 `json:"max_angular_rps"`
	BoostLinear float64 `json:"boost_linear_mps"`
	MaxAccel    float64 `json:"max_accel_mps2"`
}

// Apply clamps the linear and angular components. With boost set the boost limit replaces
// the normal linear limit. Non-finite components are zeroed.
func (l Limits) Apply(tw Twist) Twist {
	maxLinear := l.MaxLinear
	if tw.Boost && l.BoostLinear > 0 {
		maxLinear = l.BoostLinear
	}
	return Twist{
		Linear:  utils.ClampAbs(finite(tw.Linear), maxLinear),
		Angular: utils.ClampAbs(finite(tw.Angular), l.MaxAngular),
		Boost:   tw.Boost,
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// RateLimiter bounds how fast the linear velocity may change between calls.
type RateLimiter struct {
	maxAccel float64
	clk      clock.Clock

	primed bool
	last   time.Time
	value  float64
}

// NewRateLimiter returns a limiter allowing at most maxAccel m/s² of change. A nil clock uses
// the wall clock.
func NewRateLimiter(maxAccel float64, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{maxAccel: maxAccel, clk: clk}
}

// Apply returns target limited by the time elapsed since the previous call. The first call
// after construction or Reset passes target through unchanged.
func (r *RateLimiter) Apply(target float64) float64 {
	now := r.clk.Now()
	if !r.primed || r.maxAccel <= 0 {
		r.primed = true
		r.last = now
		r.value = target
		return target
	}
	dt := now.Sub(r.last).Seconds()
	r.last = now
	maxDelta := math.Max(r.maxAccel*dt, 0)
	r.value += lo.Clamp(target-r.value, -maxDelta, maxDelta)
	return r.value
}

// Reset forgets the previous output.
func (r *RateLimiter) Reset() {
	r.primed = false
	r.value = 0
	r.last = time.Time{}
}
