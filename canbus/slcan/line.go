// Package slcan drives serial-line CAN adapters that speak the Lawicel SLCAN ASCII protocol.
package slcan

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/pkg/errors"

	"go.viam.com/rover/canbus"
)

// ErrMalformedLine is returned for adapter lines that are not data frames.
var ErrMalformedLine = errors.New("slcan: malformed line")

const (
	cmdStandard = 't'
	cmdExtended = 'T'
	terminator  = '\r'
	bell        = '\a'

	standardIDDigits = 3
	extendedIDDigits = 8
)

// bitrateCodes maps a bus bitrate to its Sn setup command.
var bitrateCodes = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// EncodeFrame renders a frame as a transmit command, terminator included.
func EncodeFrame(f canbus.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var line string
	if f.Extended {
		line = fmt.Sprintf("%c%08X%d", cmdExtended, f.ID, f.Len)
	} else {
		line = fmt.Sprintf("%c%03X%d", cmdStandard, f.ID, f.Len)
	}
	line += fmt.Sprintf("%X", f.Payload())
	return append([]byte(line), terminator), nil
}

// DecodeFrame parses a received frame line. The terminator is optional.
func DecodeFrame(line []byte) (canbus.Frame, error) {
	if n := len(line); n > 0 && line[n-1] == terminator {
		line = line[:n-1]
	}
	if len(line) == 0 {
		return canbus.Frame{}, ErrMalformedLine
	}
	var f canbus.Frame
	digits := standardIDDigits
	switch line[0] {
	case cmdStandard:
	case cmdExtended:
		f.Extended = true
		digits = extendedIDDigits
	default:
		return canbus.Frame{}, errors.Wrapf(ErrMalformedLine, "unexpected command %q", line[0])
	}
	if len(line) < 1+digits+1 {
		return canbus.Frame{}, errors.Wrap(ErrMalformedLine, "short header")
	}
	id, err := strconv.ParseUint(string(line[1:1+digits]), 16, 32)
	if err != nil {
		return canbus.Frame{}, errors.Wrap(ErrMalformedLine, err.Error())
	}
	f.ID = uint32(id)
	dlc := line[1+digits]
	if dlc < '0' || dlc > '0'+canbus.MaxPayload {
		return canbus.Frame{}, errors.Wrapf(ErrMalformedLine, "bad length %q", dlc)
	}
	f.Len = dlc - '0'
	data := line[2+digits:]
	if len(data) != int(f.Len)*2 {
		return canbus.Frame{}, errors.Wrapf(ErrMalformedLine, "want %d data bytes", f.Len)
	}
	if _, err := hex.Decode(f.Data[:f.Len], data); err != nil {
		return canbus.Frame{}, errors.Wrap(ErrMalformedLine, err.Error())
	}
	if err := f.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return f, nil
}

// setupCommands returns the lines that close, configure and open the channel.
func setupCommands(bitrate int) ([][]byte, error) {
	code, ok := bitrateCodes[bitrate]
	if !ok {
		return nil, errors.Errorf("unsupported bitrate %d", bitrate)
	}
	return [][]byte{
		{'C', terminator},
		{'S', code, terminator},
		{'O', terminator},
	}, nil
}
