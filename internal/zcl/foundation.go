package zcl

import "encoding/binary"

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
)

// ZCL status codes
const (
	ZCLStatusSuccess            uint8 = 0x00
	ZCLStatusFailure            uint8 = 0x01
	ZCLStatusUnsupportedCommand uint8 = 0x81
	ZCLStatusUnsupportedAttr    uint8 = 0x86
	ZCLStatusInvalidValue       uint8 = 0x87
	ZCLStatusReadOnly           uint8 = 0x88
	ZCLStatusInvalidDataType    uint8 = 0x8D
)

// ReportRecord builds one attribute record of a Report Attributes frame:
// attribute ID (LE), data type, encoded value.
func ReportRecord(attrID uint16, typeID uint8, value any) ([]byte, error) {
	enc, err := EncodeValue(typeID, value)
	if err != nil {
		return nil, err
	}
	rec := make([]byte, 3, 3+len(enc))
	binary.LittleEndian.PutUint16(rec, attrID)
	rec[2] = typeID
	return append(rec, enc...), nil
}
