package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const mediaHeaderLen = 1 + 8 + 2 + 2

// MediaFrame is an out-of-band binary payload such as a camera frame.
type MediaFrame struct {
	TimestampMS uint64
	Width       uint16
	Height      uint16
	Payload     []byte
}

// EncodeMedia serializes a media frame.
func EncodeMedia(f MediaFrame) []byte {
	buf := make([]byte, 0, mediaHeaderLen+len(f.Payload))
	buf = append(buf, TagMedia)
	buf = binary.LittleEndian.AppendUint64(buf, f.TimestampMS)
	buf = binary.LittleEndian.AppendUint16(buf, f.Width)
	buf = binary.LittleEndian.AppendUint16(buf, f.Height)
	return append(buf, f.Payload...)
}

// DecodeMedia parses a media frame. The payload aliases b.
func DecodeMedia(b []byte) (MediaFrame, error) {
	if len(b) == 0 {
		return MediaFrame{}, ErrTruncated
	}
	if b[0] != TagMedia {
		return MediaFrame{}, errors.Wrapf(ErrUnknownTag, "0x%02x", b[0])
	}
	if len(b) < mediaHeaderLen {
		return MediaFrame{}, ErrTruncated
	}
	return MediaFrame{
		TimestampMS: binary.LittleEndian.Uint64(b[1:9]),
		Width:       binary.LittleEndian.Uint16(b[9:11]),
		Height:      binary.LittleEndian.Uint16(b[11:13]),
		Payload:     b[mediaHeaderLen:],
	}, nil
}
