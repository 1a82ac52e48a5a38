package clusters

import "tuya-dp-bridge/internal/zcl"

var Basic = zcl.ClusterDef{
	ID:   0x0000,
	Key:  "basic",
	Name: "Basic",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "ZCLVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0001, Name: "ApplicationVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0003, Name: "HWVersion", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0004, Name: "ManufacturerName", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: 0x0005, Name: "ModelIdentifier", Type: zcl.TypeCharStr, Access: zcl.AccessRead},
		{ID: 0x0007, Name: "PowerSource", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "ResetToFactoryDefaults", Direction: zcl.DirectionToServer},
	},
}

// PowerConfiguration carries both battery telemetry (percentage, voltage) and
// the battery descriptors Tuya profiles usually pin as constants.
var PowerConfiguration = zcl.ClusterDef{
	ID:   0x0001,
	Key:  "power",
	Name: "Power Configuration",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0020, Name: "BatteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0021, Name: "BatteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0031, Name: "BatterySize", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0033, Name: "BatteryQuantity", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0034, Name: "BatteryRatedVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0035, Name: "BatteryAlarmMask", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x003E, Name: "BatteryAlarmState", Type: zcl.TypeBitmap32, Access: zcl.AccessRead | zcl.AccessReport},
	},
}

var Groups = zcl.ClusterDef{
	ID:   0x0004,
	Key:  "groups",
	Name: "Groups",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "NameSupport", Type: zcl.TypeBitmap8, Access: zcl.AccessRead},
	},
}

var Scenes = zcl.ClusterDef{
	ID:   0x0005,
	Key:  "scenes",
	Name: "Scenes",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "SceneCount", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0001, Name: "CurrentScene", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "CurrentGroup", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0003, Name: "SceneValid", Type: zcl.TypeBool, Access: zcl.AccessRead},
	},
}

var OnOff = zcl.ClusterDef{
	ID:   0x0006,
	Key:  "on_off",
	Name: "On/Off",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "OnOff", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessWrite | zcl.AccessReport},
		{ID: 0x4003, Name: "StartUpOnOff", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
	Commands: []zcl.CommandDef{
		{ID: 0x00, Name: "Off", Direction: zcl.DirectionToServer},
		{ID: 0x01, Name: "On", Direction: zcl.DirectionToServer},
		{ID: 0x02, Name: "Toggle", Direction: zcl.DirectionToServer},
	},
}

var Time = zcl.ClusterDef{
	ID:   0x000A,
	Key:  "time",
	Name: "Time",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "Time", Type: zcl.TypeUTC, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0001, Name: "TimeStatus", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0002, Name: "TimeZone", Type: zcl.TypeInt32, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}

var BinaryInput = zcl.ClusterDef{
	ID:   0x000F,
	Key:  "binary_input",
	Name: "Binary Input (Basic)",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0051, Name: "OutOfService", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0055, Name: "PresentValue", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x006F, Name: "StatusFlags", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessReport},
	},
}

var OTAUpgrade = zcl.ClusterDef{
	ID:   0x0019,
	Key:  "ota",
	Name: "OTA Upgrade",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0002, Name: "CurrentFileVersion", Type: zcl.TypeUint32, Access: zcl.AccessRead},
	},
}
