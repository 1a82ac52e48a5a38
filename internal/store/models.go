package store

import "time"

// Device is a bound Tuya device.
type Device struct {
	IEEEAddress  string     `json:"ieee_address"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	FriendlyName string     `json:"friendly_name,omitempty"`
	Profile      string     `json:"profile"`
	Endpoints    []Endpoint `json:"endpoints,omitempty"`
	BoundAt      time.Time  `json:"bound_at"`
	LastSeen     time.Time  `json:"last_seen"`
}

// Endpoint is an advertised simple descriptor, kept so a device can be
// matched again on restart.
type Endpoint struct {
	ID          uint8    `json:"id"`
	ProfileID   uint16   `json:"profile_id"`
	DeviceID    uint16   `json:"device_id"`
	InClusters  []uint16 `json:"in_clusters"`
	OutClusters []uint16 `json:"out_clusters"`
}

// AttributeValue is one entry of a device's attribute snapshot. Values are
// CBOR encoded, so integers come back as int64 or uint64.
type AttributeValue struct {
	Endpoint  uint8  `cbor:"1,keyasint"`
	ClusterID uint16 `cbor:"2,keyasint"`
	AttrID    uint16 `cbor:"3,keyasint"`
	Value     any    `cbor:"4,keyasint"`
}
