// Package wheelodometry dead-reckons a planar pose from motor controller tachometers on a
// skid-steer base.
package wheelodometry

import (
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rover/components/base/skidsteer"
	"go.viam.com/rover/spatialmath"
)

// tachTicksPerERev is how many tachometer counts a controller reports per electrical revolution.
const tachTicksPerERev = 6

// Displacement is the motion since the previous update, in the robot frame.
type Displacement struct {
	DX     float64
	DY     float64
	DTheta float64
}

// Odometry integrates tachometer deltas. It is owned by the control loop and is not safe for
// concurrent use.
type Odometry struct {
	params    skidsteer.Params
	polePairs int

	primed   bool
	last     [4]int32
	pose     spatialmath.Pose
	distance float64
}

// New returns odometry for the given chassis and motor pole-pair count.
func New(params skidsteer.Params, polePairs int) (*Odometry, error) {
	if polePairs <= 0 {
		return nil, errors.Errorf("pole pairs must be positive, got %d", polePairs)
	}
	if params.WheelRadius <= 0 || params.TrackWidth <= 0 {
		return nil, errors.New("wheel radius and track width must be positive")
	}
	return &Odometry{params: params, polePairs: polePairs}, nil
}

// Update consumes cumulative tachometer counts in front-left, front-right, rear-left,
// rear-right order. The first call after construction or Reset only records the counts and
// returns a zero displacement.
func (o *Odometry) Update(tach [4]int32) Displacement {
	if !o.primed {
		o.primed = true
		o.last = tach
		return Displacement{}
	}
	var dist [4]float64
	for i := range tach {
		// int32 subtraction wraps, so a counter rollover still yields the short delta
		delta := tach[i] - o.last[i]
		dist[i] = o.ticksToMeters(delta)
	}
	o.last = tach

	left := (dist[0] + dist[2]) / 2
	right := (dist[1] + dist[3]) / 2
	d := Displacement{
		DX:     (left + right) / 2,
		DTheta: (right - left) / o.params.TrackWidth,
	}
	o.distance += math.Abs(d.DX)
	o.pose = o.pose.Advance(d.DX, d.DY, d.DTheta)
	return d
}

func (o *Odometry) ticksToMeters(ticks int32) float64 {
	revs := float64(ticks) / float64(tachTicksPerERev*o.polePairs)
	return revs * 2 * math.Pi * o.params.WheelRadius
}

// Pose returns the integrated pose.
func (o *Odometry) Pose() spatialmath.Pose {
	return o.pose
}

// TotalDistance returns the sum of absolute forward displacement.
func (o *Odometry) TotalDistance() float64 {
	return o.distance
}

// Reset zeroes the pose and distance. The next Update primes again.
func (o *Odometry) Reset() {
	o.primed = false
	o.last = [4]int32{}
	o.pose = spatialmath.Pose{}
	o.distance = 0
}
