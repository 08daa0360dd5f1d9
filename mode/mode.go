// Package mode implements the rover's operating-mode state machine. Only the transitions in
// the table below are possible; every other event is a no-op that keeps the current mode.
package mode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Mode is an operating state.
type Mode uint8

// Modes. The numeric values are the wire encoding.
const (
	Disabled Mode = iota
	Idle
	Teleop
	Autonomous
	EStop
	Fault
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case Idle:
		return "idle"
	case Teleop:
		return "teleop"
	case Autonomous:
		return "autonomous"
	case EStop:
		return "estop"
	case Fault:
		return "fault"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m <= Fault
}

// IsDriving is true only in modes that command wheel motion.
func (m Mode) IsDriving() bool {
	return m == Teleop || m == Autonomous
}

// IsSafe is true in modes where the wheels are held stopped.
func (m Mode) IsSafe() bool {
	return m == Disabled || m == Idle || m == EStop
}

// Event drives a transition.
type Event uint8

// Events.
const (
	Enable Event = iota
	Disable
	TeleopCommand
	AutonomousRequest
	AutonomousEnd
	CommandTimeout
	EStopEvent
	EStopRelease
	FaultEvent
	FaultClear
)

func (e Event) String() string {
	switch e {
	case Enable:
		return "enable"
	case Disable:
		return "disable"
	case TeleopCommand:
		return "teleop_command"
	case AutonomousRequest:
		return "autonomous_request"
	case AutonomousEnd:
		return "autonomous_end"
	case CommandTimeout:
		return "command_timeout"
	case EStopEvent:
		return "estop"
	case EStopRelease:
		return "estop_release"
	case FaultEvent:
		return "fault"
	case FaultClear:
		return "fault_clear"
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

type edge struct {
	from Mode
	ev   Event
}

var transitions = map[edge]Mode{
	{Disabled, Enable}: Idle,

	{Idle, Disable}:           Disabled,
	{Idle, TeleopCommand}:     Teleop,
	{Idle, AutonomousRequest}: Autonomous,
	{Idle, EStopEvent}:        EStop,

	{Teleop, Disable}:           Disabled,
	{Teleop, CommandTimeout}:    Idle,
	{Teleop, AutonomousRequest}: Autonomous,
	{Teleop, EStopEvent}:        EStop,

	{Autonomous, Disable}:        Disabled,
	{Autonomous, TeleopCommand}:  Teleop,
	{Autonomous, AutonomousEnd}:  Idle,
	{Autonomous, CommandTimeout}: Idle,
	{Autonomous, EStopEvent}:     EStop,

	{EStop, EStopRelease}: Idle,

	{Fault, FaultClear}: Disabled,
}

// next returns the mode reached from m on ev. Fault is reachable from every mode.
func next(m Mode, ev Event) (Mode, bool) {
	if ev == FaultEvent {
		return Fault, true
	}
	to, ok := transitions[edge{m, ev}]
	return to, ok
}

// Machine holds the current mode. It is owned by the control loop and is not safe for
// concurrent use.
type Machine struct {
	mode Mode
}

// NewMachine returns a machine in Disabled.
func NewMachine() *Machine {
	return &Machine{mode: Disabled}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	return m.mode
}

// Handle applies an event and returns the resulting mode and whether it changed.
func (m *Machine) Handle(ev Event) (Mode, bool) {
	to, ok := next(m.mode, ev)
	if !ok || to == m.mode {
		return m.mode, false
	}
	m.mode = to
	return to, true
}

// ForceEStop enters EStop from any mode, bypassing the table. It reports whether the mode
// changed.
func (m *Machine) ForceEStop() bool {
	if m.mode == EStop {
		return false
	}
	m.mode = EStop
	return true
}

// IsDriving is true in Teleop and Autonomous.
func (m *Machine) IsDriving() bool {
	return m.mode.IsDriving()
}

// IsSafe is true in Disabled, Idle and EStop.
func (m *Machine) IsSafe() bool {
	return m.mode.IsSafe()
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	for candidate := Disabled; candidate <= Fault; candidate++ {
		if candidate.String() == string(text) {
			*m = candidate
			return nil
		}
	}
	return errors.Errorf("unknown mode %q", text)
}
