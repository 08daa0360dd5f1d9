// Package wire encodes and decodes the binary messages exchanged with operator stations. All
// multi-byte fields are little-endian. The same bytes travel over every transport.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"go.viam.com/rover/mode"
)

// Message tags.
const (
	TagTwist        byte = 0x01
	TagEStop        byte = 0x02
	TagHeartbeat    byte = 0x03
	TagSetMode      byte = 0x04
	TagTool         byte = 0x05
	TagEStopRelease byte = 0x06
	TagTelemetry    byte = 0x10
	TagMedia        byte = 0x20
)

var (
	// ErrTruncated is returned when a message is shorter than its tag requires.
	ErrTruncated = errors.New("wire: truncated message")
	// ErrUnknownTag is returned for an unrecognized first byte.
	ErrUnknownTag = errors.New("wire: unknown tag")
	// ErrInvalidMode is returned for a SetMode byte outside the requestable modes.
	ErrInvalidMode = errors.New("wire: invalid mode")
)

const (
	twistLen     = 1 + 8 + 8
	setModeLen   = 1 + 1
	toolLen      = 1 + 4 + 4 + 1 + 1
	emptyCmdLen  = 1
	maxCmdLength = twistLen + 1
)

// Command is one decoded operator message. The set of implementations is closed.
type Command interface {
	// Tag returns the message's type byte.
	Tag() byte
	isCommand()
}

// TwistCommand requests a body-frame velocity.
type TwistCommand struct {
	Linear  float64
	Angular float64
	Boost   bool
}

// EStopCommand requests an emergency stop.
type EStopCommand struct{}

// HeartbeatCommand keeps the link alive without commanding motion.
type HeartbeatCommand struct{}

// SetModeCommand requests an operating mode. Only Disabled, Idle, Teleop and Autonomous can
// be requested.
type SetModeCommand struct {
	Mode mode.Mode
}

// ToolCommand drives the attached tool.
type ToolCommand struct {
	Axis    float32
	Motor   float32
	ActionA bool
	ActionB bool
}

// EStopReleaseCommand requests leaving EStop.
type EStopReleaseCommand struct{}

// Tag implements Command.
func (TwistCommand) Tag() byte { return TagTwist }

// Tag implements Command.
func (EStopCommand) Tag() byte { return TagEStop }

// Tag implements Command.
func (HeartbeatCommand) Tag() byte { return TagHeartbeat }

// Tag implements Command.
func (SetModeCommand) Tag() byte { return TagSetMode }

// Tag implements Command.
func (ToolCommand) Tag() byte { return TagTool }

// Tag implements Command.
func (EStopReleaseCommand) Tag() byte { return TagEStopRelease }

func (TwistCommand) isCommand()        {}
func (EStopCommand) isCommand()        {}
func (HeartbeatCommand) isCommand()    {}
func (SetModeCommand) isCommand()      {}
func (ToolCommand) isCommand()         {}
func (EStopReleaseCommand) isCommand() {}

// CommandName returns a short lowercase name for a command, used as a metric label.
func CommandName(cmd Command) string {
	switch cmd.(type) {
	case TwistCommand:
		return "twist"
	case EStopCommand:
		return "estop"
	case HeartbeatCommand:
		return "heartbeat"
	case SetModeCommand:
		return "set_mode"
	case ToolCommand:
		return "tool"
	case EStopReleaseCommand:
		return "estop_release"
	}
	return "unknown"
}

func requestable(m mode.Mode) bool {
	return m <= mode.Autonomous
}

// EncodeCommand serializes a command. Twist always carries the boost byte.
func EncodeCommand(cmd Command) ([]byte, error) {
	buf := make([]byte, 0, maxCmdLength)
	buf = append(buf, cmd.Tag())
	switch c := cmd.(type) {
	case TwistCommand:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Linear))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Angular))
		buf = append(buf, boolByte(c.Boost))
	case SetModeCommand:
		if !requestable(c.Mode) {
			return nil, errors.Wrapf(ErrInvalidMode, "%s", c.Mode)
		}
		buf = append(buf, byte(c.Mode))
	case ToolCommand:
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c.Axis))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(c.Motor))
		buf = append(buf, boolByte(c.ActionA), boolByte(c.ActionB))
	case EStopCommand, HeartbeatCommand, EStopReleaseCommand:
	default:
		return nil, errors.Errorf("wire: cannot encode %T", cmd)
	}
	return buf, nil
}

// DecodeCommand parses one command. Trailing bytes beyond a message's layout are ignored.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < emptyCmdLen {
		return nil, ErrTruncated
	}
	switch b[0] {
	case TagTwist:
		if len(b) < twistLen {
			return nil, ErrTruncated
		}
		c := TwistCommand{
			Linear:  math.Float64frombits(binary.LittleEndian.Uint64(b[1:9])),
			Angular: math.Float64frombits(binary.LittleEndian.Uint64(b[9:17])),
		}
		if len(b) > twistLen {
			c.Boost = b[twistLen] != 0
		}
		return c, nil
	case TagEStop:
		return EStopCommand{}, nil
	case TagHeartbeat:
		return HeartbeatCommand{}, nil
	case TagSetMode:
		if len(b) < setModeLen {
			return nil, ErrTruncated
		}
		m := mode.Mode(b[1])
		if !requestable(m) {
			return nil, errors.Wrapf(ErrInvalidMode, "byte %d", b[1])
		}
		return SetModeCommand{Mode: m}, nil
	case TagTool:
		if len(b) < toolLen {
			return nil, ErrTruncated
		}
		return ToolCommand{
			Axis:    math.Float32frombits(binary.LittleEndian.Uint32(b[1:5])),
			Motor:   math.Float32frombits(binary.LittleEndian.Uint32(b[5:9])),
			ActionA: b[9] != 0,
			ActionB: b[10] != 0,
		}, nil
	case TagEStopRelease:
		return EStopReleaseCommand{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownTag, "0x%02x", b[0])
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
