package clusters

import "tuya-dp-bridge/internal/zcl"

// TemperatureMeasurement values are in hundredths of a degree Celsius.
var TemperatureMeasurement = zcl.ClusterDef{
	ID:   0x0402,
	Key:  "temperature",
	Name: "Temperature Measurement",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: zcl.TypeInt16, Access: zcl.AccessRead},
		{ID: 0x0003, Name: "Tolerance", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}

// RelativeHumidity values are in hundredths of a percent.
var RelativeHumidity = zcl.ClusterDef{
	ID:   0x0405,
	Key:  "humidity",
	Name: "Relative Humidity",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0003, Name: "Tolerance", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}

var IASZone = zcl.ClusterDef{
	ID:   0x0500,
	Key:  "ias_zone",
	Name: "IAS Zone",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "ZoneState", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: 0x0001, Name: "ZoneType", Type: zcl.TypeEnum16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "ZoneStatus", Type: zcl.TypeBitmap16, Access: zcl.AccessRead | zcl.AccessReport},
	},
}
