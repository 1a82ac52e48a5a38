//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tuya-dp-bridge/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Unsubscribe(topics ...string) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge publishes translated device state to MQTT with HA autodiscovery
// and turns <prefix>/<device>/set messages into standard cluster writes.
type Bridge struct {
	client client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsubs []func()

	// Per-device state accumulator.
	mu     sync.Mutex
	states map[string]map[string]any // IEEE -> property map
	// Command topic subscribed per IEEE.
	setTopics map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, nil, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "tuya-dp-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.resync()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The connect handler may fire before Connect returns.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, c client, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		client:    c,
		coord:     coord,
		prefix:    prefix,
		logger:    logger.With("component", "mqtt"),
		states:    make(map[string]map[string]any),
		setTopics: make(map[string]string),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	ev := b.coord.Events()
	b.unsubs = append(b.unsubs,
		ev.On(coordinator.EventAttributeReport, b.handleAttributeReport),
		ev.On(coordinator.EventDeviceBound, b.handleDeviceBound),
		ev.On(coordinator.EventDeviceRemoved, b.handleDeviceRemoved),
	)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// resync republishes everything a fresh broker session needs.
func (b *Bridge) resync() {
	b.publishBridgeState("online")
	b.mu.Lock()
	clear(b.setTopics)
	b.mu.Unlock()
	for _, s := range b.coord.Sessions() {
		b.publishDeviceDiscovery(s)
		b.subscribeDeviceCommands(s)
	}
}

func (b *Bridge) handleDeviceBound(event coordinator.Event) {
	data, ok := event.Data.(coordinator.DeviceEvent)
	if !ok {
		return
	}
	s, ok := b.coord.Session(data.IEEE)
	if !ok {
		return
	}
	b.publishDeviceDiscovery(s)
	b.subscribeDeviceCommands(s)
}

func (b *Bridge) handleDeviceRemoved(event coordinator.Event) {
	data, ok := event.Data.(coordinator.DeviceEvent)
	if !ok || data.IEEE == "" {
		return
	}

	// Remove discovery entries.
	for _, msg := range buildRemoveDiscovery(data.IEEE) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	// Clear accumulated state.
	b.mu.Lock()
	delete(b.states, data.IEEE)
	topic, ok := b.setTopics[data.IEEE]
	delete(b.setTopics, data.IEEE)
	b.mu.Unlock()
	if ok {
		b.client.Unsubscribe(topic)
	}
}

func (b *Bridge) handleAttributeReport(event coordinator.Event) {
	rep, ok := event.Data.(coordinator.AttributeReport)
	if !ok || rep.IEEE == "" {
		return
	}
	prop := mapAttributeToProperty(rep.ClusterID, rep.Attribute)
	if prop == "" {
		return
	}
	b.updateAndPublishState(rep.IEEE, topicName(rep.FriendlyName, rep.IEEE), prop, propertyValue(prop, rep.Value))
}

func (b *Bridge) updateAndPublishState(ieee, name, prop string, value any) {
	b.mu.Lock()
	state, ok := b.states[ieee]
	if !ok {
		state = make(map[string]any)
		b.states[ieee] = state
	}
	state[prop] = value
	state["last_seen"] = time.Now().UTC().Format(time.RFC3339)
	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+name, payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDeviceDiscovery(s *coordinator.Session) {
	d := describe(s)
	for _, msg := range buildDiscovery(d, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "ieee", d.IEEE, "name", d.displayName())
}

func (b *Bridge) subscribeDeviceCommands(s *coordinator.Session) {
	topic := b.prefix + "/" + describe(s).topicName() + "/set"
	ieee := s.IEEE()

	b.mu.Lock()
	prev, had := b.setTopics[ieee]
	b.setTopics[ieee] = topic
	b.mu.Unlock()
	if had && prev == topic {
		return
	}
	if had {
		b.client.Unsubscribe(prev)
	}
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(ieee, msg.Payload())
	})
}

// handleCommand applies a set payload. Keys are "state" (ON, OFF, TOGGLE)
// or "<cluster>.<attribute>" for a direct attribute write. A bare ON/OFF
// payload is accepted as a state command.
func (b *Bridge) handleCommand(ieee string, payload []byte) {
	var cmd map[string]any
	if err := json.Unmarshal(payload, &cmd); err != nil {
		raw := strings.TrimSpace(string(payload))
		if raw == "" || strings.ContainsAny(raw, "{[\"") {
			b.logger.Warn("invalid command JSON", "ieee", ieee, "err", err)
			return
		}
		cmd = map[string]any{"state": raw}
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	keys := make([]string, 0, len(cmd))
	for k := range cmd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := b.apply(ctx, ieee, key, cmd[key]); err != nil {
			b.logger.Warn("command failed", "ieee", ieee, "key", key, "err", err)
		}
	}
}

func (b *Bridge) apply(ctx context.Context, ieee, key string, value any) error {
	if key == "state" {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("state must be a string, got %T", value)
		}
		t, err := b.coord.ResolveCommand(ieee, "on_off", strings.ToLower(s))
		if err != nil {
			return err
		}
		return b.coord.Invoke(ctx, ieee, t.Endpoint, t.ClusterID, t.CommandID, nil)
	}
	cluster, attr, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("unknown property %q", key)
	}
	t, err := b.coord.ResolveAttribute(ieee, cluster, attr)
	if err != nil {
		return err
	}
	return b.coord.Write(ctx, ieee, t.Endpoint, t.ClusterID, t.AttrID, value)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// mapAttributeToProperty maps well-known cluster/attribute combos to property names.
func mapAttributeToProperty(clusterID uint16, attrName string) string {
	switch clusterID {
	case 0x0006: // On/Off
		if attrName == "on_off" {
			return "state"
		}
	case 0x000F: // Binary Input
		if attrName == "present_value" {
			return "contact"
		}
	case 0x0402: // Temperature
		if attrName == "measured_value" {
			return "temperature"
		}
	case 0x0405: // Humidity
		if attrName == "measured_value" {
			return "humidity"
		}
	case 0x0500: // IAS Zone
		if attrName == "zone_status" {
			return "zone_status"
		}
	case 0x0001: // Power Configuration
		switch attrName {
		case "battery_percentage_remaining":
			return "battery"
		case "battery_voltage":
			return "voltage"
		}
	}
	return ""
}

// propertyValue converts a ZCL attribute value into the unit HA expects:
// hundredths to °C and %, half-percent to %, 100 mV to V.
func propertyValue(prop string, v any) any {
	switch prop {
	case "state":
		if on, ok := v.(bool); ok {
			if on {
				return "ON"
			}
			return "OFF"
		}
	case "temperature", "humidity":
		if f, ok := toFloat64(v); ok {
			return round2(f / 100)
		}
	case "battery":
		if f, ok := toFloat64(v); ok {
			return round2(f / 2)
		}
	case "voltage":
		if f, ok := toFloat64(v); ok {
			return round2(f / 10)
		}
	case "zone_status":
		if f, ok := toFloat64(v); ok {
			// alarm1 bit
			return int64(f)&1 != 0
		}
	}
	return v
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
