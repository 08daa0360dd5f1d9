// Package attachment tracks tools plugged into the rover's tool slots. Tools announce
// themselves on the CAN bus in their own id range; the table routes operator tool commands
// to them.
package attachment

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"go.viam.com/rover/canbus"
	"go.viam.com/rover/utils"
)

const (
	// IDBase is the first id of the attachment range.
	IDBase uint32 = 0x1F0000
	// MaxSlots is the number of addressable tool slots.
	MaxSlots = 16

	idRangeMask uint32 = 0x1FFFF000
	slotShift          = 8
	slotMask    uint32 = 0xF

	positionScale = 1000
	commandScale  = 32767
)

// MsgType is the low byte of an attachment frame id.
type MsgType uint8

// Message types.
const (
	MsgDiscovery MsgType = 1
	MsgStatus    MsgType = 2
	MsgCommand   MsgType = 3
)

// Kind is a known attachment type.
type Kind uint8

// Kinds.
const (
	KindGripper Kind = 1
	KindPlow    Kind = 2
	KindLift    Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindGripper:
		return "gripper"
	case KindPlow:
		return "plow"
	case KindLift:
		return "lift"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindGripper && k <= KindLift
}

// Attachment is a discovered tool.
type Attachment struct {
	Slot     uint8     `json:"slot"`
	Kind     Kind      `json:"kind"`
	Version  uint8     `json:"version"`
	Position float64   `json:"position"`
	Fault    bool      `json:"fault"`
	LastSeen time.Time `json:"last_seen"`
}

// Command drives the tool in a slot. Axis and Motor are in [-1, 1].
type Command struct {
	Axis    float64
	Motor   float64
	ActionA bool
	ActionB bool
}

// FrameID packs a slot and message type into an attachment frame id.
func FrameID(slot uint8, msg MsgType) uint32 {
	return IDBase | (uint32(slot)&slotMask)<<slotShift | uint32(msg)
}

// ParseID reports whether id is in the attachment range and splits it.
func ParseID(id uint32) (slot uint8, msg MsgType, ok bool) {
	if id&idRangeMask != IDBase {
		return 0, 0, false
	}
	return uint8((id >> slotShift) & slotMask), MsgType(id & 0xFF), true
}

// IsAttachmentFrame reports whether f belongs to the attachment sub-protocol.
func IsAttachmentFrame(f canbus.Frame) bool {
	_, _, ok := ParseID(f.ID)
	return f.Extended && ok
}

// Table holds the attachment in each slot. It is owned by the control loop.
type Table struct {
	clk   clock.Clock
	slots [MaxSlots]*Attachment
}

// NewTable returns an empty table. A nil clock uses the wall clock.
func NewTable(clk clock.Clock) *Table {
	if clk == nil {
		clk = clock.New()
	}
	return &Table{clk: clk}
}

// Process applies an attachment frame and reports whether it belonged to the attachment
// range. Discovery registers or replaces a slot; status updates a registered slot.
func (t *Table) Process(f canbus.Frame) bool {
	if !f.Extended {
		return false
	}
	slot, msg, ok := ParseID(f.ID)
	if !ok {
		return false
	}
	payload := f.Payload()
	switch msg {
	case MsgDiscovery:
		if len(payload) < 2 || !Kind(payload[0]).Valid() {
			return true
		}
		t.slots[slot] = &Attachment{
			Slot:     slot,
			Kind:     Kind(payload[0]),
			Version:  payload[1],
			LastSeen: t.clk.Now(),
		}
	case MsgStatus:
		a := t.slots[slot]
		if a == nil || len(payload) < 3 {
			return true
		}
		a.Position = float64(int16(binary.BigEndian.Uint16(payload[0:2]))) / positionScale
		a.Fault = payload[2] != 0
		a.LastSeen = t.clk.Now()
	case MsgCommand:
	}
	return true
}

// Slots returns the registered attachments ordered by slot.
func (t *Table) Slots() []Attachment {
	present := lo.Filter(t.slots[:], func(a *Attachment, _ int) bool { return a != nil })
	return lo.Map(present, func(a *Attachment, _ int) Attachment { return *a })
}

// Expire drops attachments not heard from within maxAge and returns them.
func (t *Table) Expire(maxAge time.Duration) []Attachment {
	var dropped []Attachment
	now := t.clk.Now()
	for i, a := range t.slots {
		if a != nil && now.Sub(a.LastSeen) > maxAge {
			dropped = append(dropped, *a)
			t.slots[i] = nil
		}
	}
	return dropped
}

// CommandFrame encodes cmd for the lowest occupied slot. ok is false when no tool is attached.
func (t *Table) CommandFrame(cmd Command) (canbus.Frame, bool) {
	for _, a := range t.slots {
		if a != nil {
			return EncodeCommand(a.Slot, cmd), true
		}
	}
	return canbus.Frame{}, false
}

// EncodeCommand builds the command frame for a slot.
func EncodeCommand(slot uint8, cmd Command) canbus.Frame {
	f := canbus.Frame{ID: FrameID(slot, MsgCommand), Extended: true, Len: 5}
	binary.BigEndian.PutUint16(f.Data[0:2], uint16(utils.ScaleToInt16(utils.ClampAbs(cmd.Axis, 1), commandScale)))
	binary.BigEndian.PutUint16(f.Data[2:4], uint16(utils.ScaleToInt16(utils.ClampAbs(cmd.Motor, 1), commandScale)))
	if cmd.ActionA {
		f.Data[4] |= 1 << 0
	}
	if cmd.ActionB {
		f.Data[4] |= 1 << 1
	}
	return f
}

// DecodeCommand parses a command frame back into its slot and command.
func DecodeCommand(f canbus.Frame) (uint8, Command, bool) {
	slot, msg, ok := ParseID(f.ID)
	if !ok || !f.Extended || msg != MsgCommand || f.Len < 5 {
		return 0, Command{}, false
	}
	return slot, Command{
		Axis:    float64(int16(binary.BigEndian.Uint16(f.Data[0:2]))) / commandScale,
		Motor:   float64(int16(binary.BigEndian.Uint16(f.Data[2:4]))) / commandScale,
		ActionA: f.Data[4]&(1<<0) != 0,
		ActionB: f.Data[4]&(1<<1) != 0,
	}, true
}

// DiscoveryFrame builds the frame a tool sends to announce itself.
func DiscoveryFrame(slot uint8, kind Kind, version uint8) canbus.Frame {
	f := canbus.Frame{ID: FrameID(slot, MsgDiscovery), Extended: true, Len: 2}
	f.Data[0] = byte(kind)
	f.Data[1] = version
	return f
}

// StatusFrame builds the frame a tool sends to report its state.
func StatusFrame(slot uint8, position float64, fault bool) canbus.Frame {
	f := canbus.Frame{ID: FrameID(slot, MsgStatus), Extended: true, Len: 3}
	binary.BigEndian.PutUint16(f.Data[0:2], uint16(utils.ScaleToInt16(position, positionScale)))
	if fault {
		f.Data[2] = 1
	}
	return f
}
