// Package vesc implements the VESC motor-controller CAN protocol: extended frame ids that pack
// a command or status code with the controller id, big-endian command payloads and status
// frame decoding.
package vesc

import (
	"encoding/binary"
	"math"

	"github.com/samber/lo"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/utils"
)

// CommandCode selects what a command frame asks the controller to do.
type CommandCode uint32

// Command codes.
const (
	CommandSetDuty         CommandCode = 0
	CommandSetCurrent      CommandCode = 1
	CommandSetCurrentBrake CommandCode = 2
	CommandSetRPM          CommandCode = 3
	CommandSetPos          CommandCode = 4
)

// StatusCode identifies a periodic status frame broadcast by a controller.
type StatusCode uint32

// Status codes.
const (
	// Status1 carries ERPM, motor current and duty cycle.
	Status1 StatusCode = 9
	// Status2 carries amp-hours consumed and charged.
	Status2 StatusCode = 14
	// Status3 carries watt-hours consumed and charged.
	Status3 StatusCode = 15
	// Status4 carries FET temperature, motor temperature, input current and PID position.
	Status4 StatusCode = 16
	// Status5 carries the tachometer and input voltage.
	Status5 StatusCode = 27
)

const (
	dutyScale    = 100000
	currentScale = 1000
	posScale     = 1000000
)

// PackID builds the 29-bit extended id for a code addressed to a controller.
func PackID(code uint32, controllerID uint8) uint32 {
	return code<<8 | uint32(controllerID)
}

// UnpackID splits an extended id into its code and controller id.
func UnpackID(id uint32) (code uint32, controllerID uint8) {
	return (id & canbus.MaxExtendedID) >> 8, uint8(id & 0xFF)
}

func commandFrame(code CommandCode, controllerID uint8, value int32) canbus.Frame {
	f := canbus.Frame{
		ID:       PackID(uint32(code), controllerID),
		Extended: true,
		Len:      4,
	}
	binary.BigEndian.PutUint32(f.Data[:4], uint32(value))
	return f
}

// SetDutyFrame commands a duty cycle. duty is clamped to [-1, 1].
func SetDutyFrame(controllerID uint8, duty float64) canbus.Frame {
	if math.IsNaN(duty) {
		duty = 0
	}
	duty = lo.Clamp(duty, -1, 1)
	return commandFrame(CommandSetDuty, controllerID, utils.ScaleToInt32(duty, dutyScale))
}

// SetCurrentFrame commands a motor current in amps. Sent as milliamps.
func SetCurrentFrame(controllerID uint8, amps float64) canbus.Frame {
	return commandFrame(CommandSetCurrent, controllerID, utils.ScaleToInt32(amps, currentScale))
}

// SetCurrentBrakeFrame commands a braking current in amps. Sent as milliamps; the sign is
// ignored since the controller always brakes against the direction of rotation.
func SetCurrentBrakeFrame(controllerID uint8, amps float64) canbus.Frame {
	return commandFrame(CommandSetCurrentBrake, controllerID, utils.ScaleToInt32(math.Abs(amps), currentScale))
}

// SetRPMFrame commands an electrical RPM.
func SetRPMFrame(controllerID uint8, erpm int32) canbus.Frame {
	return commandFrame(CommandSetRPM, controllerID, erpm)
}

// SetPosFrame commands a rotor position in degrees. Sent as millionths of a degree.
func SetPosFrame(controllerID uint8, degrees float64) canbus.Frame {
	return commandFrame(CommandSetPos, controllerID, utils.ScaleToInt32(degrees, posScale))
}

// CommandValue extracts the raw big-endian payload of a command frame. It is the inverse of
// the Set*Frame helpers and is used by the simulated bus.
func CommandValue(f canbus.Frame) (CommandCode, uint8, int32, bool) {
	if !f.Extended || f.Len < 4 {
		return 0, 0, 0, false
	}
	code, id := UnpackID(f.ID)
	if code > uint32(CommandSetPos) {
		return 0, 0, 0, false
	}
	return CommandCode(code), id, int32(binary.BigEndian.Uint32(f.Data[:4])), true
}

// DutyFromCommand converts a SetDuty payload back to a duty cycle.
func DutyFromCommand(v int32) float64 { return float64(v) / dutyScale }

// CurrentFromCommand converts a SetCurrent/SetCurrentBrake payload back to amps.
func CurrentFromCommand(v int32) float64 { return float64(v) / currentScale }
