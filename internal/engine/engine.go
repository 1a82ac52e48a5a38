// Package engine translates Tuya DP frames into standard attribute updates
// and attribute writes back into DP frames, for one device.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"tuya-dp-bridge/internal/bus"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/tuya"
	"tuya-dp-bridge/internal/zcl"
)

var (
	ErrUnmappedDataPoint = errors.New("engine: unmapped data point")
	ErrNotWritable       = errors.New("engine: attribute not writable")
)

// Topic addresses one local cluster on the device bus.
type Topic struct {
	Endpoint  uint8
	ClusterID uint16
}

// Update is a converted value bound for a local cluster attribute.
type Update struct {
	Endpoint  uint8
	ClusterID uint16
	AttrID    uint16
	Name      string
	Value     any
	DP        uint8
}

// Bus carries updates from the engine to the local clusters of one device.
type Bus = bus.Bus[Topic, Update]

// NewBus creates a device bus.
func NewBus(logger *slog.Logger) *Bus {
	return bus.New[Topic, Update](logger)
}

// Sender delivers a cluster command to the physical device.
type Sender interface {
	SendCommand(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, payload []byte) error

func (f SenderFunc) SendCommand(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, payload []byte) error {
	return f(ctx, endpoint, clusterID, cmdID, payload)
}

// Option configures an Engine.
type Option func(*Engine)

// WithDiagnostics installs a callback for dropped frames and rejected writes.
func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(e *Engine) { e.onDiag = fn }
}

// WithClock overrides the time source used for time sync replies.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine holds no per-frame state: every inbound frame is translated on its
// own. Only the outbound sequence counter persists between calls.
type Engine struct {
	profile *profile.DeviceProfile
	bus     *Bus
	sender  Sender
	logger  *slog.Logger
	onDiag  func(Diagnostic)
	now     func() time.Time
	seq     atomic.Uint32
}

// New creates an engine for a validated profile.
func New(p *profile.DeviceProfile, b *Bus, sender Sender, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		profile: p,
		bus:     b,
		sender:  sender,
		logger:  logger.With("component", "engine", "profile", p.Name),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Profile returns the profile the engine translates with.
func (e *Engine) Profile() *profile.DeviceProfile { return e.profile }

// HandleCommand processes one inbound manufacturer-cluster command.
// Frames that cannot be translated are reported as diagnostics and dropped;
// the returned error joins those failures for the caller's logs.
func (e *Engine) HandleCommand(ctx context.Context, cmdID uint8, payload []byte) error {
	switch {
	case cmdID == tuya.CmdTimeSync:
		return e.sendTime(ctx)
	case !tuya.IsDataReport(cmdID):
		e.logger.Debug("ignoring manufacturer command", "cmd", fmt.Sprintf("0x%02X", cmdID))
		return nil
	}

	frames, err := tuya.DecodeMessage(payload)
	if err != nil {
		e.diagnose(Diagnostic{Kind: KindMalformedFrame, Err: err})
		return err
	}
	var errs []error
	for _, f := range frames {
		if err := e.HandleFrame(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleFrame translates one DP record. Every mapping of the DP must
// convert cleanly before any update is published.
func (e *Engine) HandleFrame(f tuya.Frame) error {
	var mappings []*profile.AttributeMapping
	for _, m := range e.profile.Lookup(f.DP) {
		if !m.IsCommand() {
			mappings = append(mappings, m)
		}
	}
	if len(mappings) == 0 {
		err := fmt.Errorf("%w: dp %d", ErrUnmappedDataPoint, f.DP)
		e.diagnose(Diagnostic{Kind: KindUnmappedDP, DP: f.DP, Err: err})
		return err
	}

	updates := make([]Update, 0, len(mappings))
	for _, m := range mappings {
		if f.Type != m.Type {
			e.logger.Debug("dp wire type differs from mapping", "dp", f.DP, "wire", f.Type, "mapping", m.Type)
		}
		raw, err := tuya.DecodeValue(m.Type, f.Payload)
		if err != nil {
			e.diagnose(Diagnostic{Kind: KindTypeMismatch, DP: f.DP, Cluster: m.ClusterID, Attribute: m.AttrID, Err: err})
			return err
		}
		v, err := m.Convert(raw)
		if err != nil {
			e.diagnose(Diagnostic{Kind: KindConversionFailed, DP: f.DP, Cluster: m.ClusterID, Attribute: m.AttrID, Err: err})
			return err
		}
		updates = append(updates, Update{
			Endpoint:  m.Endpoint,
			ClusterID: m.ClusterID,
			AttrID:    m.AttrID,
			Name:      zcl.SnakeCase(m.Attribute),
			Value:     v,
			DP:        f.DP,
		})
	}

	for _, u := range updates {
		e.logger.Debug("dp translated", "dp", u.DP, "cluster", fmt.Sprintf("0x%04X", u.ClusterID), "attr", u.Name, "value", u.Value)
		e.bus.Publish(Topic{Endpoint: u.Endpoint, ClusterID: u.ClusterID}, u)
	}
	return nil
}

// Write converts an attribute value back into a DP and sends it to the
// device. The device confirms with a set-data response, which arrives as a
// normal inbound report. There are no retries.
func (e *Engine) Write(ctx context.Context, endpoint uint8, clusterID, attrID uint16, value any) error {
	m := e.profile.LookupTarget(endpoint, clusterID, attrID)
	if m == nil || !m.Writable() {
		err := fmt.Errorf("%w: endpoint %d cluster 0x%04X attribute 0x%04X", ErrNotWritable, endpoint, clusterID, attrID)
		e.diagnose(Diagnostic{Kind: KindNotWritable, Cluster: clusterID, Attribute: attrID, Err: err})
		return err
	}
	dpVal, err := m.ConvertInverse(value)
	if err != nil {
		e.diagnose(Diagnostic{Kind: KindConversionFailed, DP: m.DP, Cluster: clusterID, Attribute: attrID, Err: err})
		return err
	}
	return e.sendDP(ctx, m, dpVal)
}

// Invoke runs a cluster command bound to a DP. A nil arg sends the
// mapping's fixed value when it has one.
func (e *Engine) Invoke(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, arg any) error {
	m := e.profile.LookupCommand(endpoint, clusterID, cmdID)
	if m == nil || !m.Writable() {
		err := fmt.Errorf("%w: endpoint %d cluster 0x%04X command 0x%02X", ErrNotWritable, endpoint, clusterID, cmdID)
		e.diagnose(Diagnostic{Kind: KindNotWritable, Cluster: clusterID, Err: err})
		return err
	}
	dpVal := m.Value
	if arg != nil || dpVal == nil {
		v, err := m.ConvertInverse(arg)
		if err != nil {
			e.diagnose(Diagnostic{Kind: KindConversionFailed, DP: m.DP, Cluster: clusterID, Err: err})
			return err
		}
		dpVal = v
	}
	return e.sendDP(ctx, m, dpVal)
}

// Query asks the device to report all of its data points.
func (e *Engine) Query(ctx context.Context) error {
	return e.sender.SendCommand(ctx, e.profile.ManufacturerEndpoint(), tuya.ClusterID, tuya.CmdQueryData, nil)
}

func (e *Engine) sendDP(ctx context.Context, m *profile.AttributeMapping, v any) error {
	payload, err := tuya.EncodeValue(m.Type, v)
	if err != nil {
		e.diagnose(Diagnostic{Kind: KindTypeMismatch, DP: m.DP, Cluster: m.ClusterID, Attribute: m.AttrID, Err: err})
		return err
	}
	frame, err := tuya.Encode(tuya.Frame{Seq: e.nextSeq(), DP: m.DP, Type: m.Type, Payload: payload})
	if err != nil {
		return err
	}
	e.logger.Debug("sending dp", "dp", m.DP, "type", m.Type, "value", v)
	if err := e.sender.SendCommand(ctx, e.profile.ManufacturerEndpoint(), tuya.ClusterID, tuya.CmdSetData, frame); err != nil {
		return fmt.Errorf("send dp %d: %w", m.DP, err)
	}
	return nil
}

func (e *Engine) sendTime(ctx context.Context) error {
	if err := e.sender.SendCommand(ctx, e.profile.ManufacturerEndpoint(), tuya.ClusterID, tuya.CmdTimeSync, tuya.TimeResponse(e.now())); err != nil {
		return fmt.Errorf("send time: %w", err)
	}
	return nil
}

func (e *Engine) nextSeq() uint16 {
	return uint16(e.seq.Add(1))
}

func (e *Engine) diagnose(d Diagnostic) {
	switch d.Kind {
	case KindUnmappedDP:
		e.logger.Debug("dp dropped", "kind", d.Kind, "dp", d.DP, "err", d.Err)
	default:
		e.logger.Warn("dp dropped", "kind", d.Kind, "dp", d.DP, "err", d.Err)
	}
	if e.onDiag != nil {
		e.onDiag(d)
	}
}
