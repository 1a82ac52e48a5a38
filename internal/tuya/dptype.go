package tuya

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrMalformedFrame reports a DP record whose structure is invalid.
	ErrMalformedFrame = errors.New("tuya: malformed frame")
	// ErrTypeMismatch reports a payload whose length or value does not fit its DP type.
	ErrTypeMismatch = errors.New("tuya: type mismatch")
)

// DPType is the wire tag of a data-point value.
type DPType uint8

const (
	TypeRaw    DPType = 0x00
	TypeBool   DPType = 0x01
	// TypeValue is a four byte big-endian integer, read as signed so that
	// sub-zero temperatures decode. Values above math.MaxInt32 are not
	// representable.
	TypeValue  DPType = 0x02
	TypeString DPType = 0x03
	TypeEnum   DPType = 0x04
	TypeBitmap DPType = 0x05
)

var typeNames = [...]string{"raw", "bool", "value", "string", "enum", "bitmap"}

// Valid reports whether t is one of the known wire tags.
func (t DPType) Valid() bool {
	return t <= TypeBitmap
}

func (t DPType) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("dptype(0x%02X)", uint8(t))
}

// ParseDPType resolves a type name as used in device profiles.
func ParseDPType(name string) (DPType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range typeNames {
		if s == n {
			return DPType(i), nil
		}
	}
	return 0, fmt.Errorf("tuya: unknown dp type %q", name)
}

// MarshalText encodes the type by name.
func (t DPType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tuya: invalid dp type 0x%02X", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText lets profiles spell the type by name ("value") in YAML and JSON.
func (t *DPType) UnmarshalText(b []byte) error {
	v, err := ParseDPType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DecodeValue interprets a DP payload according to its type.
//
//	raw    -> []byte (copy)
//	bool   -> bool
//	value  -> int64, 32-bit two's complement
//	string -> string
//	enum   -> uint8
//	bitmap -> uint32
func DecodeValue(t DPType, b []byte) (any, error) {
	switch t {
	case TypeRaw:
		cp := make([]byte, len(b))
		copy(cp, b)
		return cp, nil
	case TypeBool:
		if len(b) != 1 || b[0] > 1 {
			return nil, fmt.Errorf("%w: bool payload % X", ErrTypeMismatch, b)
		}
		return b[0] == 1, nil
	case TypeValue:
		if len(b) != 4 {
			return nil, fmt.Errorf("%w: value needs 4 bytes, have %d", ErrTypeMismatch, len(b))
		}
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case TypeString:
		return string(b), nil
	case TypeEnum:
		if len(b) != 1 {
			return nil, fmt.Errorf("%w: enum needs 1 byte, have %d", ErrTypeMismatch, len(b))
		}
		return b[0], nil
	case TypeBitmap:
		switch len(b) {
		case 1:
			return uint32(b[0]), nil
		case 2:
			return uint32(binary.BigEndian.Uint16(b)), nil
		case 4:
			return binary.BigEndian.Uint32(b), nil
		}
		return nil, fmt.Errorf("%w: bitmap needs 1, 2 or 4 bytes, have %d", ErrTypeMismatch, len(b))
	}
	return nil, fmt.Errorf("%w: unknown type %s", ErrTypeMismatch, t)
}

// EncodeValue is the inverse of DecodeValue. Integer inputs of any Go width
// are accepted; values outside the type's range fail with ErrTypeMismatch.
// Bitmaps use the narrowest of 1, 2 or 4 bytes.
func EncodeValue(t DPType, v any) ([]byte, error) {
	switch t {
	case TypeRaw:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: raw from %T", ErrTypeMismatch, v)
		}
		return append([]byte(nil), b...), nil
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: bool from %T", ErrTypeMismatch, v)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case TypeValue:
		n, ok := toInt64(v)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: value %v out of int32 range", ErrTypeMismatch, v)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(int32(n)))
		return out, nil
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: string from %T", ErrTypeMismatch, v)
		}
		return []byte(s), nil
	case TypeEnum:
		n, ok := toInt64(v)
		if !ok || n < 0 || n > math.MaxUint8 {
			return nil, fmt.Errorf("%w: enum %v out of range", ErrTypeMismatch, v)
		}
		return []byte{byte(n)}, nil
	case TypeBitmap:
		n, ok := toInt64(v)
		if !ok || n < 0 || n > math.MaxUint32 {
			return nil, fmt.Errorf("%w: bitmap %v out of range", ErrTypeMismatch, v)
		}
		switch {
		case n <= math.MaxUint8:
			return []byte{byte(n)}, nil
		case n <= math.MaxUint16:
			return binary.BigEndian.AppendUint16(nil, uint16(n)), nil
		default:
			return binary.BigEndian.AppendUint32(nil, uint32(n)), nil
		}
	}
	return nil, fmt.Errorf("%w: unknown type %s", ErrTypeMismatch, t)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
