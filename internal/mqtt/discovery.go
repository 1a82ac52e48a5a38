//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"sort"
	"strings"

	"tuya-dp-bridge/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/tuya_A4C138.../temperature/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Device            haDevice `json:"device"`
}

// device is what discovery needs to know about a bound device: its
// identity and the standard clusters it exposes.
type device struct {
	IEEE         string
	Manufacturer string
	Model        string
	FriendlyName string
	Clusters     []uint16
}

func describe(s *coordinator.Session) device {
	info := s.Info()
	d := device{
		IEEE:         s.IEEE(),
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		FriendlyName: info.FriendlyName,
	}
	for _, lc := range s.Device().Clusters() {
		d.Clusters = append(d.Clusters, lc.Def().ID)
	}
	sort.Slice(d.Clusters, func(i, j int) bool { return d.Clusters[i] < d.Clusters[j] })
	return d
}

// displayName returns a display name for the device.
func (d device) displayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.Manufacturer != "" && d.Model != "" {
		return d.Manufacturer + " " + d.Model
	}
	if d.Model != "" {
		return d.Model
	}
	return d.IEEE
}

// identifier returns the unique identifier for HA device registry.
func (d device) identifier() string {
	return "tuya_" + d.IEEE
}

// topicName returns the topic name for a device (friendly name or IEEE).
func (d device) topicName() string {
	return topicName(d.FriendlyName, d.IEEE)
}

func topicName(friendlyName, ieee string) string {
	if friendlyName == "" {
		return ieee
	}
	// Sanitize: lowercase and keep only safe chars for MQTT topics.
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(friendlyName))
}

// sensorKinds lists the HA entities published per exposed cluster.
var sensorKinds = []struct {
	cluster     uint16
	component   string
	objectID    string
	suffix      string
	deviceClass string
	unit        string
	valueTmpl   string
}{
	{0x0402, "sensor", "temperature", "Temperature", "temperature", "°C", "{{ value_json.temperature }}"},
	{0x0405, "sensor", "humidity", "Humidity", "humidity", "%", "{{ value_json.humidity }}"},
	{0x0001, "sensor", "battery", "Battery", "battery", "%", "{{ value_json.battery }}"},
	{0x000F, "binary_sensor", "contact", "Contact", "opening", "", "{{ 'ON' if value_json.contact else 'OFF' }}"},
	{0x0500, "binary_sensor", "zone", "Zone", "safety", "", "{{ 'ON' if value_json.zone_status else 'OFF' }}"},
}

// buildDiscovery generates HA discovery messages for a device based on its
// exposed clusters.
func buildDiscovery(d device, prefix string) []discoveryMsg {
	if len(d.Clusters) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + d.topicName()
	nodeID := d.identifier()
	name := d.displayName()

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: d.Manufacturer,
		Model:        d.Model,
		Name:         name,
	}

	has := make(map[uint16]bool, len(d.Clusters))
	for _, id := range d.Clusters {
		has[id] = true
	}

	var msgs []discoveryMsg
	if has[0x0006] {
		msgs = append(msgs, buildSwitch(nodeID, name, stateTopic, avail, stateTopic+"/set", haDev))
	}
	for _, k := range sensorKinds {
		if !has[k.cluster] {
			continue
		}
		payload := haDiscovery{
			Name:              name + " " + k.suffix,
			UniqueID:          nodeID + "_" + k.objectID,
			StateTopic:        stateTopic,
			AvailabilityTopic: avail,
			ValueTemplate:     k.valueTmpl,
			UnitOfMeasurement: k.unit,
			DeviceClass:       k.deviceClass,
			Device:            haDev,
		}
		if k.component == "sensor" {
			payload.StateClass = "measurement"
		} else {
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", k.component, nodeID, k.objectID),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

func buildSwitch(nodeID, displayName, stateTopic, avail, cmdTopic string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          nodeID + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(ieee string) []discoveryMsg {
	nodeID := device{IEEE: ieee}.identifier()
	msgs := []discoveryMsg{{Topic: fmt.Sprintf("homeassistant/switch/%s/switch/config", nodeID)}}
	for _, k := range sensorKinds {
		msgs = append(msgs, discoveryMsg{
			Topic: fmt.Sprintf("homeassistant/%s/%s/%s/config", k.component, nodeID, k.objectID),
		})
	}
	return msgs
}
