package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeBitmap32 uint8 = 0x1B
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
	TypeUTC      uint8 = 0xE2
)

// TypeSize returns the fixed size in bytes of a ZCL type, or -1 for
// length-prefixed types.
func TypeSize(typeID uint8) int {
	switch typeID {
	case TypeNoData:
		return 0
	case TypeBool, TypeUint8, TypeInt8, TypeEnum8, TypeBitmap8:
		return 1
	case TypeUint16, TypeInt16, TypeEnum16, TypeBitmap16:
		return 2
	case TypeUint24:
		return 3
	case TypeUint32, TypeInt32, TypeBitmap32, TypeUTC:
		return 4
	default:
		return -1
	}
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	switch typeID {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeBitmap8:
		return "map8"
	case TypeBitmap16:
		return "map16"
	case TypeBitmap32:
		return "map32"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint24:
		return "uint24"
	case TypeUint32:
		return "uint32"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeOctetStr:
		return "octstr"
	case TypeCharStr:
		return "string"
	case TypeUTC:
		return "UTC"
	default:
		return fmt.Sprintf("0x%02X", typeID)
	}
}

// DecodeValue decodes a ZCL typed value from raw bytes, returning the Go value
// and the number of bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	size := TypeSize(typeID)
	if size == 0 {
		return nil, 0, nil
	}
	if size < 0 {
		return decodeString(typeID, data)
	}
	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for type 0x%02X: need %d, have %d", typeID, size, len(data))
	}

	switch typeID {
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeUint24:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, 3, nil
	case TypeUint32, TypeBitmap32, TypeUTC:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	}
	return nil, 0, fmt.Errorf("zcl: decode not implemented for type 0x%02X", typeID)
}

func decodeString(typeID uint8, data []byte) (any, int, error) {
	if typeID != TypeCharStr && typeID != TypeOctetStr {
		return nil, 0, fmt.Errorf("zcl: unsupported variable type 0x%02X", typeID)
	}
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("zcl: no length byte for string type")
	}
	n := int(data[0])
	if n == 0xFF {
		return nil, 1, nil
	}
	if len(data) < 1+n {
		return nil, 0, fmt.Errorf("zcl: string truncated: need %d, have %d", n, len(data)-1)
	}
	if typeID == TypeCharStr {
		return string(data[1 : 1+n]), 1 + n, nil
	}
	b := make([]byte, n)
	copy(b, data[1:1+n])
	return b, 1 + n, nil
}

// EncodeValue encodes a Go value into ZCL wire format. Values outside the
// type's range are rejected, never clamped.
func EncodeValue(typeID uint8, val any) ([]byte, error) {
	switch typeID {
	case TypeBool:
		v, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeUint8, TypeEnum8, TypeBitmap8, TypeUint16, TypeEnum16, TypeBitmap16,
		TypeUint24, TypeUint32, TypeBitmap32, TypeUTC:
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		size := TypeSize(typeID)
		limit := int64(1)<<(8*size) - 1
		if v < 0 || v > limit {
			return nil, fmt.Errorf("zcl: value %d overflows %s (max %d)", v, TypeName(typeID), limit)
		}
		return putLittleEndian(uint64(v), size), nil

	case TypeInt8, TypeInt16, TypeInt32:
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		size := TypeSize(typeID)
		lo, hi := -(int64(1) << (8*size - 1)), int64(1)<<(8*size-1)-1
		if v < lo || v > hi {
			return nil, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, TypeName(typeID), lo, hi)
		}
		return putLittleEndian(uint64(v), size), nil

	case TypeCharStr:
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to string", val)
		}
		if len(s) > 254 {
			return nil, fmt.Errorf("zcl: string too long for CharStr: %d (max 254)", len(s))
		}
		return append([]byte{uint8(len(s))}, s...), nil

	case TypeOctetStr:
		b, ok := val.([]byte)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to []byte", val)
		}
		if len(b) > 254 {
			return nil, fmt.Errorf("zcl: data too long for OctetStr: %d (max 254)", len(b))
		}
		return append([]byte{uint8(len(b))}, b...), nil
	}

	return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
}

func putLittleEndian(v uint64, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val != math.Trunc(val) || val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}
