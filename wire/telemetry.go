package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rover/mode"
	"go.viam.com/rover/spatialmath"
)

// telemetryFixedLen covers the tag through the commanded angular velocity.
const telemetryFixedLen = 1 + 1 + 3*8 + 8 + 8 + 2*8

// Telemetry is the robot snapshot sent to operators.
type Telemetry struct {
	Mode            mode.Mode        `json:"mode"`
	Pose            spatialmath.Pose `json:"pose"`
	BatteryVoltage  float64          `json:"battery_voltage"`
	TimestampMS     uint64           `json:"timestamp_ms"`
	LinearVelocity  float64          `json:"linear_velocity"`
	AngularVelocity float64          `json:"angular_velocity"`
	MotorTemps      []float64        `json:"motor_temps"`
	MotorCurrents   []float64        `json:"motor_currents"`
}

// EncodeTelemetry serializes a snapshot. Temperatures and currents must have equal length.
func EncodeTelemetry(t Telemetry) ([]byte, error) {
	if len(t.MotorTemps) != len(t.MotorCurrents) {
		return nil, errors.Errorf("wire: %d motor temperatures but %d currents",
			len(t.MotorTemps), len(t.MotorCurrents))
	}
	buf := make([]byte, 0, telemetryFixedLen+16*len(t.MotorTemps))
	buf = append(buf, TagTelemetry, byte(t.Mode))
	for _, v := range []float64{t.Pose.X, t.Pose.Y, t.Pose.Theta, t.BatteryVoltage} {
		buf = appendFloat64(buf, v)
	}
	buf = binary.LittleEndian.AppendUint64(buf, t.TimestampMS)
	buf = appendFloat64(buf, t.LinearVelocity)
	buf = appendFloat64(buf, t.AngularVelocity)
	for _, v := range t.MotorTemps {
		buf = appendFloat64(buf, v)
	}
	for _, v := range t.MotorCurrents {
		buf = appendFloat64(buf, v)
	}
	return buf, nil
}

// DecodeTelemetry parses a snapshot. The motor count is derived from the message length.
func DecodeTelemetry(b []byte) (Telemetry, error) {
	if len(b) == 0 {
		return Telemetry{}, ErrTruncated
	}
	if b[0] != TagTelemetry {
		return Telemetry{}, errors.Wrapf(ErrUnknownTag, "0x%02x", b[0])
	}
	if len(b) < telemetryFixedLen {
		return Telemetry{}, ErrTruncated
	}
	rest := len(b) - telemetryFixedLen
	if rest%16 != 0 {
		return Telemetry{}, errors.Wrap(ErrTruncated, "partial motor block")
	}
	m := mode.Mode(b[1])
	if !m.Valid() {
		return Telemetry{}, errors.Wrapf(ErrInvalidMode, "byte %d", b[1])
	}
	t := Telemetry{Mode: m}
	off := 2
	next := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[off : off+8]))
		off += 8
		return v
	}
	t.Pose = spatialmath.Pose{X: next(), Y: next(), Theta: next()}
	t.BatteryVoltage = next()
	t.TimestampMS = binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	t.LinearVelocity = next()
	t.AngularVelocity = next()
	n := rest / 16
	t.MotorTemps = make([]float64, n)
	t.MotorCurrents = make([]float64, n)
	for i := range t.MotorTemps {
		t.MotorTemps[i] = next()
	}
	for i := range t.MotorCurrents {
		t.MotorCurrents[i] = next()
	}
	return t, nil
}

func appendFloat64(buf []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}
