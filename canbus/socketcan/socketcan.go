// Package socketcan connects the rover to a Linux SocketCAN interface such as can0.
package socketcan

import (
	"go.einride.tech/can"

	"go.viam.com/rover/canbus"
)

const (
	network = "can"
	// rxBuffer holds frames read from the socket until Receive is called.
	rxBuffer = 256
)

func toDriverFrame(f canbus.Frame) can.Frame {
	return can.Frame{
		ID:         f.ID,
		Length:     f.Len,
		Data:       can.Data(f.Data),
		IsExtended: f.Extended,
	}
}

func fromDriverFrame(f can.Frame) canbus.Frame {
	return canbus.Frame{
		ID:       f.ID,
		Extended: f.IsExtended,
		Len:      f.Length,
		Data:     [canbus.MaxPayload]byte(f.Data),
	}
}
