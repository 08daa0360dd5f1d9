package vesc

import (
	"encoding/binary"
	"time"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/utils"
)

const (
	statusPayloadLen = 8

	currentStatusScale = 10
	dutyStatusScale    = 1000
	tempStatusScale    = 10
	voltageStatusScale = 10
	pidPosStatusScale  = 50
	energyStatusScale  = 10000
)

// State is the decoded status of one controller. It is stale until the first status frame
// arrives; Updated stays zero until then.
type State struct {
	ERPM         int32   `json:"erpm"`
	Current      float64 `json:"current_a"`
	Duty         float64 `json:"duty"`
	FETTemp      float64 `json:"fet_temp_c"`
	MotorTemp    float64 `json:"motor_temp_c"`
	InputCurrent float64 `json:"input_current_a"`
	PIDPos       float64 `json:"pid_pos_deg"`
	Tachometer   int32   `json:"tachometer"`
	InputVoltage float64 `json:"input_voltage_v"`

	AmpHours         float64 `json:"amp_hours"`
	AmpHoursCharged  float64 `json:"amp_hours_charged"`
	WattHours        float64 `json:"watt_hours"`
	WattHoursCharged float64 `json:"watt_hours_charged"`

	Updated time.Time `json:"updated"`
	seen    uint8
}

func statusBit(code StatusCode) uint8 {
	switch code {
	case Status1:
		return 1 << 0
	case Status2:
		return 1 << 1
	case Status3:
		return 1 << 2
	case Status4:
		return 1 << 3
	case Status5:
		return 1 << 4
	}
	return 0
}

// HasSeen reports whether a status frame of the given code has been applied.
func (s State) HasSeen(code StatusCode) bool {
	bit := statusBit(code)
	return bit != 0 && s.seen&bit != 0
}

// Stale reports whether no status frame has arrived within maxAge of now.
func (s State) Stale(now time.Time, maxAge time.Duration) bool {
	return s.Updated.IsZero() || now.Sub(s.Updated) > maxAge
}

func beInt16(b []byte) int16 { return int16(binary.BigEndian.Uint16(b)) }
func beInt32(b []byte) int32 { return int32(binary.BigEndian.Uint32(b)) }

// applyStatus decodes payload into s. It reports false for codes it does not know or payloads
// shorter than a full status frame.
func (s *State) applyStatus(code StatusCode, payload []byte, at time.Time) bool {
	if len(payload) < statusPayloadLen {
		return false
	}
	switch code {
	case Status1:
		s.ERPM = beInt32(payload[0:4])
		s.Current = float64(beInt16(payload[4:6])) / currentStatusScale
		s.Duty = float64(beInt16(payload[6:8])) / dutyStatusScale
	case Status2:
		s.AmpHours = float64(beInt32(payload[0:4])) / energyStatusScale
		s.AmpHoursCharged = float64(beInt32(payload[4:8])) / energyStatusScale
	case Status3:
		s.WattHours = float64(beInt32(payload[0:4])) / energyStatusScale
		s.WattHoursCharged = float64(beInt32(payload[4:8])) / energyStatusScale
	case Status4:
		s.FETTemp = float64(beInt16(payload[0:2])) / tempStatusScale
		s.MotorTemp = float64(beInt16(payload[2:4])) / tempStatusScale
		s.InputCurrent = float64(beInt16(payload[4:6])) / currentStatusScale
		s.PIDPos = float64(beInt16(payload[6:8])) / pidPosStatusScale
	case Status5:
		s.Tachometer = beInt32(payload[0:4])
		s.InputVoltage = float64(beInt16(payload[4:6])) / voltageStatusScale
	default:
		return false
	}
	s.seen |= statusBit(code)
	s.Updated = at
	return true
}

func statusFrame(code StatusCode, controllerID uint8, payload [statusPayloadLen]byte) canbus.Frame {
	return canbus.Frame{
		ID:       PackID(uint32(code), controllerID),
		Extended: true,
		Len:      statusPayloadLen,
		Data:     payload,
	}
}

// Status1Frame encodes a STATUS1 frame the way a controller broadcasts it.
func Status1Frame(controllerID uint8, erpm int32, current, duty float64) canbus.Frame {
	var p [statusPayloadLen]byte
	binary.BigEndian.PutUint32(p[0:4], uint32(erpm))
	binary.BigEndian.PutUint16(p[4:6], uint16(utils.ScaleToInt16(current, currentStatusScale)))
	binary.BigEndian.PutUint16(p[6:8], uint16(utils.ScaleToInt16(duty, dutyStatusScale)))
	return statusFrame(Status1, controllerID, p)
}

// Status4Frame encodes a STATUS4 frame.
func Status4Frame(controllerID uint8, fetTemp, motorTemp, inputCurrent, pidPos float64) canbus.Frame {
	var p [statusPayloadLen]byte
	binary.BigEndian.PutUint16(p[0:2], uint16(utils.ScaleToInt16(fetTemp, tempStatusScale)))
	binary.BigEndian.PutUint16(p[2:4], uint16(utils.ScaleToInt16(motorTemp, tempStatusScale)))
	binary.BigEndian.PutUint16(p[4:6], uint16(utils.ScaleToInt16(inputCurrent, currentStatusScale)))
	binary.BigEndian.PutUint16(p[6:8], uint16(utils.ScaleToInt16(pidPos, pidPosStatusScale)))
	return statusFrame(Status4, controllerID, p)
}

// Status5Frame encodes a STATUS5 frame. The trailing two bytes are padding.
func Status5Frame(controllerID uint8, tachometer int32, inputVoltage float64) canbus.Frame {
	var p [statusPayloadLen]byte
	binary.BigEndian.PutUint32(p[0:4], uint32(tachometer))
	binary.BigEndian.PutUint16(p[4:6], uint16(utils.ScaleToInt16(inputVoltage, voltageStatusScale)))
	return statusFrame(Status5, controllerID, p)
}
