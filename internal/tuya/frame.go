package tuya

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// ClusterID is the Tuya manufacturer-specific cluster carrying DP traffic.
const ClusterID uint16 = 0xEF00

// Manufacturer cluster command IDs.
const (
	CmdSetData         uint8 = 0x00
	CmdGetDataResponse uint8 = 0x01
	CmdSetDataResponse uint8 = 0x02
	CmdQueryData       uint8 = 0x03
	CmdActiveStatus    uint8 = 0x06
	CmdTimeSync        uint8 = 0x24
)

const headerLen = 6 // seq(2) dp(1) type(1) len(2)

// Frame is a single data-point record.
type Frame struct {
	Seq     uint16
	DP      uint8
	Type    DPType
	Payload []byte // nil when empty
}

// IsDataReport reports whether an inbound command carries DP records.
func IsDataReport(cmd uint8) bool {
	switch cmd {
	case CmdGetDataResponse, CmdSetDataResponse, CmdActiveStatus:
		return true
	}
	return false
}

// Decode parses exactly one DP record. Trailing bytes after the declared
// payload are an error.
func Decode(b []byte) (Frame, error) {
	frames, err := DecodeMessage(b)
	if err != nil {
		return Frame{}, err
	}
	if len(frames) != 1 {
		return Frame{}, fmt.Errorf("%w: %d records, want 1", ErrMalformedFrame, len(frames))
	}
	return frames[0], nil
}

// DecodeMessage parses a sequence number followed by one or more DP
// records. Any defect rejects the whole message.
func DecodeMessage(b []byte) ([]Frame, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(b), headerLen)
	}
	seq := binary.BigEndian.Uint16(b)
	var frames []Frame
	pos := 2
	for pos < len(b) {
		if len(b)-pos < headerLen-2 {
			return nil, fmt.Errorf("%w: truncated record header at offset %d", ErrMalformedFrame, pos)
		}
		dp := b[pos]
		t := DPType(b[pos+1])
		n := int(binary.BigEndian.Uint16(b[pos+2:]))
		pos += 4
		if !t.Valid() {
			return nil, fmt.Errorf("%w: dp %d has unknown type 0x%02X", ErrMalformedFrame, dp, uint8(t))
		}
		if pos+n > len(b) {
			return nil, fmt.Errorf("%w: dp %d declares %d bytes, have %d", ErrMalformedFrame, dp, n, len(b)-pos)
		}
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			copy(payload, b[pos:pos+n])
		}
		pos += n
		frames = append(frames, Frame{Seq: seq, DP: dp, Type: t, Payload: payload})
	}
	return frames, nil
}

// Encode serialises a single DP record.
func Encode(f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type 0x%02X", ErrMalformedFrame, uint8(f.Type))
	}
	if len(f.Payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrMalformedFrame, len(f.Payload))
	}
	out := make([]byte, headerLen, headerLen+len(f.Payload))
	binary.BigEndian.PutUint16(out, f.Seq)
	out[2] = f.DP
	out[3] = uint8(f.Type)
	binary.BigEndian.PutUint16(out[4:], uint16(len(f.Payload)))
	return append(out, f.Payload...), nil
}

// TimeResponse builds the payload answering a device time request:
// a little-endian length of 8 followed by UTC and local epoch seconds, both
// big-endian.
func TimeResponse(now time.Time) []byte {
	_, offset := now.Zone()
	utc := now.Unix()
	out := make([]byte, 10)
	binary.LittleEndian.PutUint16(out, 8)
	binary.BigEndian.PutUint32(out[2:], uint32(utc))
	binary.BigEndian.PutUint32(out[6:], uint32(utc+int64(offset)))
	return out
}
