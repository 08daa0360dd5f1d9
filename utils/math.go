package utils

import (
	"math"

	"github.com/samber/lo"
)

// RadPerSecToRPM converts an angular velocity in rad/s to revolutions per minute.
func RadPerSecToRPM(radPerSec float64) float64 {
	return radPerSec * 60 / (2 * math.Pi)
}

// ScaleToInt32 multiplies v by scale, rounds to the nearest integer and saturates at the
// int32 range.
func ScaleToInt32(v, scale float64) int32 {
	scaled := math.Round(v * scale)
	if math.IsNaN(scaled) {
		return 0
	}
	return int32(lo.Clamp(scaled, math.MinInt32, math.MaxInt32))
}

// ScaleToInt16 is ScaleToInt32 for int16 fields.
func ScaleToInt16(v, scale float64) int16 {
	scaled := math.Round(v * scale)
	if math.IsNaN(scaled) {
		return 0
	}
	return int16(lo.Clamp(scaled, math.MinInt16, math.MaxInt16))
}

// ClampAbs limits v to [-limit, limit]. A non-positive limit disables clamping.
func ClampAbs(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	return lo.Clamp(v, -limit, limit)
}

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return lo.Sum(values) / float64(len(values))
}
