package clusters

import "tuya-dp-bridge/internal/zcl"

// TuyaManufacturer is the vendor channel all DP traffic is multiplexed over.
// Its attributes are never read directly; the command list documents which
// frames the engine understands.
var TuyaManufacturer = zcl.ClusterDef{
	ID:   0xEF00,
	Key:  "tuya_manufacturer",
	Name: "Tuya Manufacturer Specific",
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "SetData", Direction: zcl.DirectionToServer},
		{ID: 0x03, Name: "QueryData", Direction: zcl.DirectionToServer},
		{ID: 0x24, Name: "TimeSync", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "GetDataResponse", Direction: zcl.DirectionToClient},
		{ID: 0x02, Name: "SetDataResponse", Direction: zcl.DirectionToClient},
		{ID: 0x06, Name: "ActiveStatusReport", Direction: zcl.DirectionToClient},
		{ID: 0x24, Name: "TimeRequest", Direction: zcl.DirectionToClient},
	},
}

// All returns every cluster the bridge knows about, in ID order.
func All() []zcl.ClusterDef {
	return []zcl.ClusterDef{
		Basic,
		PowerConfiguration,
		Groups,
		Scenes,
		OnOff,
		Time,
		BinaryInput,
		OTAUpgrade,
		TemperatureMeasurement,
		RelativeHumidity,
		IASZone,
		TuyaManufacturer,
	}
}
