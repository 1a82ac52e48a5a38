package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuya-dp-bridge/internal/adapter"
	"tuya-dp-bridge/internal/engine"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/store"
	"tuya-dp-bridge/internal/transport"
	"tuya-dp-bridge/internal/tuya"
	"tuya-dp-bridge/internal/zcl"
)

var (
	ErrNoProfile      = errors.New("coordinator: no profile matches device")
	ErrUnknownDevice  = errors.New("coordinator: device not bound")
	ErrUnknownCluster = errors.New("coordinator: cluster not exposed by device")
	ErrInboxFull      = errors.New("coordinator: device inbox full")
)

// DiagnosticRejected is the diagnostic kind for updates the local clusters
// refused, e.g. values outside the attribute's range.
const DiagnosticRejected = "update_rejected"

// Config holds coordinator tuning.
type Config struct {
	// InboxSize bounds the frames queued per device.
	InboxSize int
	// QueryOnBind asks a freshly bound device for all data points.
	QueryOnBind bool
}

// DeviceInfo is what is known about a device when it is bound.
type DeviceInfo struct {
	IEEE         string                       `json:"ieee"`
	Manufacturer string                       `json:"manufacturer"`
	Model        string                       `json:"model"`
	FriendlyName string                       `json:"friendly_name,omitempty"`
	Endpoints    map[uint8]profile.Descriptor `json:"endpoints,omitempty"`
}

// Coordinator binds Tuya devices to profiles and routes their manufacturer
// cluster traffic through per-device sessions.
type Coordinator struct {
	transport transport.Transport
	store     store.Store
	registry  *zcl.Registry
	profiles  *profile.DB
	events    *EventBus
	logger    *slog.Logger
	config    Config
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	// bindMu serializes Bind and Remove so a device never has two workers.
	bindMu   sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator. Call Start to re-bind stored devices and begin
// receiving from the transport.
func New(tr transport.Transport, st store.Store, registry *zcl.Registry, profiles *profile.DB, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		transport: tr,
		store:     st,
		registry:  registry,
		profiles:  profiles,
		events:    events,
		logger:    logger.With("component", "coordinator"),
		config:    cfg,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start re-binds every stored device and installs the transport handler.
// Devices whose profile disappeared stay in the store and are logged.
func (c *Coordinator) Start(ctx context.Context) error {
	devs, err := c.store.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	bound := 0
	for _, dev := range devs {
		if _, err := c.Bind(ctx, infoFromStore(dev)); err != nil {
			c.logger.Warn("re-bind failed", "ieee", dev.IEEEAddress, "model", dev.Model, "err", err)
			continue
		}
		bound++
	}
	c.transport.OnMessage(c.HandleMessage)
	c.logger.Info("coordinator started", "devices", bound, "profiles", c.profiles.Len())
	return nil
}

// Stop cancels the coordinator context and stops every session worker.
// Stored devices are kept.
func (c *Coordinator) Stop() {
	c.cancel()
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for ieee, s := range c.sessions {
		sessions = append(sessions, s)
		delete(c.sessions, ieee)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.stop()
	}
}

func infoFromStore(dev *store.Device) DeviceInfo {
	info := DeviceInfo{
		IEEE:         dev.IEEEAddress,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		FriendlyName: dev.FriendlyName,
	}
	if len(dev.Endpoints) > 0 {
		info.Endpoints = make(map[uint8]profile.Descriptor, len(dev.Endpoints))
		for _, ep := range dev.Endpoints {
			info.Endpoints[ep.ID] = profile.Descriptor{
				ProfileID:      ep.ProfileID,
				DeviceType:     ep.DeviceID,
				InputClusters:  ep.InClusters,
				OutputClusters: ep.OutClusters,
			}
		}
	}
	return info
}

func storeEndpoints(eps map[uint8]profile.Descriptor) []store.Endpoint {
	out := make([]store.Endpoint, 0, len(eps))
	for id, d := range eps {
		out = append(out, store.Endpoint{
			ID:          id,
			ProfileID:   d.ProfileID,
			DeviceID:    d.DeviceType,
			InClusters:  d.InputClusters,
			OutClusters: d.OutputClusters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Bind matches the device against the profile database and starts its
// session. Binding an already bound device replaces its session: the old
// worker finishes its current frame and stops before the new one starts.
// Frames arriving in between are dropped.
func (c *Coordinator) Bind(ctx context.Context, info DeviceInfo) (*Session, error) {
	ieee := transport.NormalizeIEEE(info.IEEE)
	if ieee == "" {
		return nil, errors.New("coordinator: empty ieee address")
	}
	p := c.profiles.Match(profile.Identity{Manufacturer: info.Manufacturer, Model: info.Model}, info.Endpoints)
	if p == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoProfile, info.Manufacturer, info.Model)
	}

	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	prev := c.sessions[ieee]
	delete(c.sessions, ieee)
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
		prev.logger.Info("session replaced")
	}

	now := c.now()
	dev := store.Device{
		IEEEAddress:  ieee,
		Manufacturer: info.Manufacturer,
		Model:        info.Model,
		FriendlyName: info.FriendlyName,
		Profile:      p.Name,
		Endpoints:    storeEndpoints(info.Endpoints),
		BoundAt:      now,
	}
	if prev, err := c.store.GetDevice(ieee); err == nil {
		dev.BoundAt = prev.BoundAt
		dev.LastSeen = prev.LastSeen
		if dev.FriendlyName == "" {
			dev.FriendlyName = prev.FriendlyName
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get device: %w", err)
	}

	s := &Session{
		ID:      uuid.NewString(),
		ieee:    ieee,
		profile: p,
		inbox:   make(chan transport.Message, c.config.InboxSize),
		info:    dev,
		done:    make(chan struct{}),
	}
	s.logger = c.logger.With("ieee", ieee, "profile", p.Name, "session", s.ID)
	s.bus = engine.NewBus(s.logger)
	s.engine = engine.New(p, s.bus, c.sender(ieee), s.logger,
		engine.WithDiagnostics(func(d engine.Diagnostic) { c.emitDiagnostic(s, d) }),
		engine.WithClock(c.now),
	)
	device, err := adapter.NewDevice(p, c.registry, s.bus, s.engine, adapter.Hooks{
		Report: func(r adapter.Report) { c.handleReport(s, r) },
		Reject: func(u engine.Update, err error) { c.handleReject(s, u, err) },
	}, s.logger)
	if err != nil {
		return nil, err
	}
	s.device = device

	snap, err := c.store.LoadAttributes(ieee)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("load attribute snapshot", "err", err)
	}
	if n := device.Restore(toEntries(snap)); n > 0 {
		s.logger.Debug("attribute snapshot restored", "entries", n)
	}

	if err := c.store.SaveDevice(&dev); err != nil {
		device.Close()
		return nil, fmt.Errorf("save device: %w", err)
	}

	wctx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	go s.run(wctx, func() { c.touch(s) })

	c.mu.Lock()
	c.sessions[ieee] = s
	c.mu.Unlock()

	s.logger.Info("device bound", "name", s.Name())
	c.events.Emit(Event{Type: EventDeviceBound, Data: DeviceEvent{
		IEEE:         ieee,
		FriendlyName: dev.FriendlyName,
		Profile:      p.Name,
		SessionID:    s.ID,
	}})

	if c.config.QueryOnBind {
		if err := s.engine.Query(ctx); err != nil {
			s.logger.Warn("query data points", "err", err)
		}
	}
	return s, nil
}

// Remove stops the device's session and deletes it with its snapshot.
func (c *Coordinator) Remove(ieee string) error {
	ieee = transport.NormalizeIEEE(ieee)
	c.bindMu.Lock()
	defer c.bindMu.Unlock()

	c.mu.Lock()
	s := c.sessions[ieee]
	delete(c.sessions, ieee)
	c.mu.Unlock()

	var ev DeviceEvent
	if s != nil {
		s.stop()
		ev = DeviceEvent{IEEE: ieee, FriendlyName: s.Info().FriendlyName, Profile: s.profile.Name, SessionID: s.ID}
	} else {
		ev = DeviceEvent{IEEE: ieee}
	}

	err := c.store.DeleteDevice(ieee)
	if s == nil && err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
		}
		return err
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c.logger.Info("device removed", "ieee", ieee)
	c.events.Emit(Event{Type: EventDeviceRemoved, Data: ev})
	return nil
}

// Rename sets a device's friendly name in the store and on its live
// session. An empty name clears it.
func (c *Coordinator) Rename(ieee, name string) (*store.Device, error) {
	ieee = transport.NormalizeIEEE(ieee)
	var out store.Device
	err := c.store.UpdateDevice(ieee, func(dev *store.Device) error {
		dev.FriendlyName = name
		out = *dev
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
	}
	if err != nil {
		return nil, err
	}
	if s, ok := c.Session(ieee); ok {
		s.mu.Lock()
		s.info.FriendlyName = name
		s.mu.Unlock()
	}
	return &out, nil
}

// HandleMessage routes an inbound transport message to its device. It is
// installed as the transport handler by Start.
func (c *Coordinator) HandleMessage(msg transport.Message) {
	if err := c.Deliver(msg); err != nil {
		c.logger.Warn("message dropped", "msg", msg.String(), "err", err)
	}
}

// Deliver queues a manufacturer cluster message on its device's session.
// Messages for other clusters are ignored.
func (c *Coordinator) Deliver(msg transport.Message) error {
	if msg.ClusterID != tuya.ClusterID {
		return nil
	}
	ieee := transport.NormalizeIEEE(msg.IEEE)
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.sessions[ieee]
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
	}
	select {
	case s.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInboxFull, ieee)
	}
}

func (c *Coordinator) sender(ieee string) engine.Sender {
	return engine.SenderFunc(func(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, payload []byte) error {
		return c.transport.Send(ctx, transport.Message{
			IEEE:      ieee,
			Endpoint:  endpoint,
			ClusterID: clusterID,
			CommandID: cmdID,
			Payload:   payload,
		})
	})
}

func (c *Coordinator) handleReport(s *Session, r adapter.Report) {
	if r.Changed {
		c.saveSnapshot(s)
	}
	c.events.Emit(Event{Type: EventAttributeReport, Data: AttributeReport{
		IEEE:         s.ieee,
		FriendlyName: s.Info().FriendlyName,
		Endpoint:     r.Endpoint,
		ClusterID:    r.ClusterID,
		Cluster:      r.Cluster,
		AttrID:       r.AttrID,
		Attribute:    r.Name,
		Value:        r.Value,
		DP:           r.DP,
		Changed:      r.Changed,
	}})
}

func (c *Coordinator) handleReject(s *Session, u engine.Update, err error) {
	c.events.Emit(Event{Type: EventDiagnostic, Data: DiagnosticEvent{
		IEEE:      s.ieee,
		Kind:      DiagnosticRejected,
		DP:        u.DP,
		Cluster:   u.ClusterID,
		Attribute: u.AttrID,
		Error:     err.Error(),
	}})
}

func (c *Coordinator) emitDiagnostic(s *Session, d engine.Diagnostic) {
	ev := DiagnosticEvent{
		IEEE:      s.ieee,
		Kind:      string(d.Kind),
		DP:        d.DP,
		Cluster:   d.Cluster,
		Attribute: d.Attribute,
	}
	if d.Err != nil {
		ev.Error = d.Err.Error()
	}
	c.events.Emit(Event{Type: EventDiagnostic, Data: ev})
}

func (c *Coordinator) saveSnapshot(s *Session) {
	entries := s.device.State().Snapshot()
	values := make([]store.AttributeValue, len(entries))
	for i, e := range entries {
		values[i] = store.AttributeValue{
			Endpoint:  e.Endpoint,
			ClusterID: e.ClusterID,
			AttrID:    e.AttrID,
			Value:     e.Value,
		}
	}
	if err := c.store.SaveAttributes(s.ieee, values); err != nil {
		s.logger.Error("save attribute snapshot", "err", err)
	}
}

func toEntries(values []store.AttributeValue) []adapter.Entry {
	out := make([]adapter.Entry, len(values))
	for i, v := range values {
		out[i] = adapter.Entry{
			Key:   adapter.Key{Endpoint: v.Endpoint, ClusterID: v.ClusterID, AttrID: v.AttrID},
			Value: v.Value,
		}
	}
	return out
}

func (c *Coordinator) touch(s *Session) {
	t := c.now()
	s.touch(t)
	err := c.store.UpdateDevice(s.ieee, func(dev *store.Device) error {
		dev.LastSeen = t
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("update last seen", "err", err)
	}
}

// Session returns the session of a bound device.
func (c *Coordinator) Session(ieee string) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[transport.NormalizeIEEE(ieee)]
	return s, ok
}

// Sessions returns every live session ordered by IEEE address.
func (c *Coordinator) Sessions() []*Session {
	c.mu.RLock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ieee < out[j].ieee })
	return out
}

func (c *Coordinator) cluster(ieee string, endpoint uint8, clusterID uint16) (*adapter.LocalCluster, error) {
	s, ok := c.Session(ieee)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
	}
	lc, ok := s.device.Cluster(endpoint, clusterID)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04X on endpoint %d", ErrUnknownCluster, clusterID, endpoint)
	}
	return lc, nil
}

// Read returns the current value of a standard attribute.
func (c *Coordinator) Read(ieee string, endpoint uint8, clusterID, attrID uint16) (any, error) {
	lc, err := c.cluster(ieee, endpoint, clusterID)
	if err != nil {
		return nil, err
	}
	return lc.Read(attrID)
}

// Write sends a standard attribute write to the device.
func (c *Coordinator) Write(ctx context.Context, ieee string, endpoint uint8, clusterID, attrID uint16, value any) error {
	lc, err := c.cluster(ieee, endpoint, clusterID)
	if err != nil {
		return err
	}
	return lc.Write(ctx, attrID, value)
}

// Invoke sends a standard cluster command to the device.
func (c *Coordinator) Invoke(ctx context.Context, ieee string, endpoint uint8, clusterID uint16, cmdID uint8, arg any) error {
	lc, err := c.cluster(ieee, endpoint, clusterID)
	if err != nil {
		return err
	}
	return lc.Invoke(ctx, cmdID, arg)
}

// Query asks a bound device to report all of its data points.
func (c *Coordinator) Query(ctx context.Context, ieee string) error {
	s, ok := c.Session(ieee)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
	}
	return s.engine.Query(ctx)
}

// Target is a resolved attribute or command address on a device.
type Target struct {
	Endpoint  uint8
	ClusterID uint16
	AttrID    uint16
	CommandID uint8
}

// ResolveAttribute turns a cluster reference ("temperature", "0x0402") and
// an attribute name or ID into an address on the device. The lowest
// endpoint exposing the cluster wins.
func (c *Coordinator) ResolveAttribute(ieee, clusterRef, attrRef string) (Target, error) {
	lc, err := c.resolveCluster(ieee, clusterRef)
	if err != nil {
		return Target{}, err
	}
	t := Target{Endpoint: lc.Endpoint(), ClusterID: lc.Def().ID}
	if a := lc.Def().FindAttributeByName(attrRef); a != nil {
		t.AttrID = a.ID
		return t, nil
	}
	n, err := strconv.ParseUint(attrRef, 0, 16)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q on %s", adapter.ErrUnsupportedAttribute, attrRef, lc.Def().Name)
	}
	t.AttrID = uint16(n)
	return t, nil
}

// ResolveCommand is ResolveAttribute for server-bound commands.
func (c *Coordinator) ResolveCommand(ieee, clusterRef, cmdRef string) (Target, error) {
	lc, err := c.resolveCluster(ieee, clusterRef)
	if err != nil {
		return Target{}, err
	}
	t := Target{Endpoint: lc.Endpoint(), ClusterID: lc.Def().ID}
	if cmd := lc.Def().FindCommandByName(cmdRef); cmd != nil {
		t.CommandID = cmd.ID
		return t, nil
	}
	n, err := strconv.ParseUint(cmdRef, 0, 8)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %q on %s", adapter.ErrUnsupportedCommand, cmdRef, lc.Def().Name)
	}
	t.CommandID = uint8(n)
	return t, nil
}

func (c *Coordinator) resolveCluster(ieee, ref string) (*adapter.LocalCluster, error) {
	s, ok := c.Session(ieee)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, ieee)
	}
	def := c.registry.Resolve(ref)
	if def == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCluster, ref)
	}
	for _, lc := range s.device.Clusters() {
		if lc.Def().ID == def.ID {
			return lc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCluster, def.Name)
}

// Devices returns every stored device, bound or not.
func (c *Coordinator) Devices() ([]*store.Device, error) {
	return c.store.ListDevices()
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Registry returns the ZCL registry.
func (c *Coordinator) Registry() *zcl.Registry {
	return c.registry
}

// Profiles returns the device profile database.
func (c *Coordinator) Profiles() *profile.DB {
	return c.profiles
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
