package coordinator

import (
	"log/slog"

	"tuya-dp-bridge/internal/bus"
)

// Event types
const (
	EventDeviceBound     = "device_bound"
	EventDeviceRemoved   = "device_removed"
	EventAttributeReport = "attribute_report"
	EventDiagnostic      = "diagnostic"
)

// Event represents a coordinator event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// DeviceEvent is the payload of device_bound and device_removed.
type DeviceEvent struct {
	IEEE         string `json:"ieee"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Profile      string `json:"profile,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// AttributeReport is the payload of attribute_report: one standard
// attribute value produced from a data point.
type AttributeReport struct {
	IEEE         string `json:"ieee"`
	FriendlyName string `json:"friendly_name,omitempty"`
	Endpoint     uint8  `json:"endpoint"`
	ClusterID    uint16 `json:"cluster_id"`
	Cluster      string `json:"cluster"`
	AttrID       uint16 `json:"attr_id"`
	Attribute    string `json:"attribute"`
	Value        any    `json:"value"`
	DP           uint8  `json:"dp"`
	Changed      bool   `json:"changed"`
}

// DiagnosticEvent is the payload of diagnostic.
type DiagnosticEvent struct {
	IEEE      string `json:"ieee"`
	Kind      string `json:"kind"`
	DP        uint8  `json:"dp,omitempty"`
	Cluster   uint16 `json:"cluster,omitempty"`
	Attribute uint16 `json:"attribute,omitempty"`
	Error     string `json:"error"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for coordinator events, keyed by event type.
type EventBus struct {
	bus *bus.Bus[string, Event]
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{bus: bus.New[string, Event](logger.With("component", "events"))}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.bus.Subscribe(eventType, bus.Handler[Event](handler))
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.bus.SubscribeAll(bus.Handler[Event](handler))
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.bus.Publish(event.Type, event)
}
