// Package canbus defines the raw CAN frame and the bus abstraction every motor-bus and
// attachment driver is written against.
package canbus

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

const (
	// MaxStandardID is the largest 11-bit identifier.
	MaxStandardID = 0x7FF
	// MaxExtendedID is the largest 29-bit identifier.
	MaxExtendedID = 0x1FFFFFFF
	// MaxPayload is the classical CAN data length limit.
	MaxPayload = 8
)

var (
	// ErrInvalidID is returned for identifiers that do not fit their frame format.
	ErrInvalidID = errors.New("canbus: invalid identifier")
	// ErrInvalidLength is returned for payloads longer than 8 bytes.
	ErrInvalidLength = errors.New("canbus: invalid data length")
)

// Frame is a classical CAN 2.0A/2.0B data frame.
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [MaxPayload]byte
}

// NewFrame builds a frame, copying data into the fixed payload buffer.
func NewFrame(id uint32, extended bool, data []byte) (Frame, error) {
	f := Frame{ID: id, Extended: extended}
	if len(data) > MaxPayload {
		return Frame{}, ErrInvalidLength
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > MaxPayload {
		return ErrInvalidLength
	}
	maxID := uint32(MaxStandardID)
	if f.Extended {
		maxID = MaxExtendedID
	}
	if f.ID > maxID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid portion of the data buffer.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxPayload {
		n = MaxPayload
	}
	return f.Data[:n]
}

func (f Frame) String() string {
	if f.Extended {
		return fmt.Sprintf("%08X#%s", f.ID, hex.EncodeToString(f.Payload()))
	}
	return fmt.Sprintf("%03X#%s", f.ID, hex.EncodeToString(f.Payload()))
}
