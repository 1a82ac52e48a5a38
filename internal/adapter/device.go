package adapter

import (
	"fmt"
	"log/slog"
	"sort"

	"tuya-dp-bridge/internal/engine"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/tuya"
	"tuya-dp-bridge/internal/zcl"
)

// Device is the replacement topology of one physical device: a local
// cluster per replacement input cluster, each listening on the device bus.
type Device struct {
	profile  *profile.DeviceProfile
	state    *State
	clusters map[engine.Topic]*LocalCluster
	unsubs   []func()
	logger   *slog.Logger
}

// NewDevice builds the local clusters of a validated profile and subscribes
// them to b. The manufacturer cluster itself is not exposed.
func NewDevice(p *profile.DeviceProfile, reg *zcl.Registry, b *engine.Bus, out Outbound, hooks Hooks, logger *slog.Logger) (*Device, error) {
	if !p.Validated() {
		return nil, fmt.Errorf("adapter: profile %q is not validated", p.Name)
	}
	d := &Device{
		profile:  p,
		state:    NewState(),
		clusters: make(map[engine.Topic]*LocalCluster),
		logger:   logger.With("component", "adapter", "profile", p.Name),
	}
	for _, epID := range p.Replacement.EndpointIDs() {
		for _, clusterID := range p.Replacement[epID].Inputs() {
			if clusterID == tuya.ClusterID {
				continue
			}
			def := reg.Get(clusterID)
			if def == nil {
				def = &zcl.ClusterDef{ID: clusterID, Name: fmt.Sprintf("0x%04X", clusterID)}
			}
			constants := make(map[uint16]any)
			for _, c := range p.ConstantsFor(epID, clusterID) {
				constants[c.AttrID] = c.Value
			}
			lc := &LocalCluster{
				endpoint:  epID,
				def:       def,
				constants: constants,
				state:     d.state,
				out:       out,
				hooks:     hooks,
				logger:    d.logger,
			}
			topic := engine.Topic{Endpoint: epID, ClusterID: clusterID}
			d.clusters[topic] = lc
			d.unsubs = append(d.unsubs, b.Subscribe(topic, lc.handleUpdate))
		}
	}
	return d, nil
}

// Cluster returns the local cluster on an endpoint.
func (d *Device) Cluster(endpoint uint8, clusterID uint16) (*LocalCluster, bool) {
	c, ok := d.clusters[engine.Topic{Endpoint: endpoint, ClusterID: clusterID}]
	return c, ok
}

// Clusters returns all local clusters ordered by endpoint and cluster ID.
func (d *Device) Clusters() []*LocalCluster {
	out := make([]*LocalCluster, 0, len(d.clusters))
	for _, c := range d.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].endpoint != out[j].endpoint {
			return out[i].endpoint < out[j].endpoint
		}
		return out[i].def.ID < out[j].def.ID
	})
	return out
}

// State returns the dynamic attribute store.
func (d *Device) State() *State { return d.state }

// Restore seeds the state from a snapshot without emitting reports. Entries
// for unknown or constant attributes, or with values that no longer fit
// the attribute type, are skipped. It returns the number restored.
func (d *Device) Restore(entries []Entry) int {
	n := 0
	for _, e := range entries {
		c, ok := d.Cluster(e.Endpoint, e.ClusterID)
		if !ok {
			continue
		}
		if _, isConst := c.constants[e.AttrID]; isConst {
			continue
		}
		attr := c.def.FindAttribute(e.AttrID)
		if attr == nil {
			continue
		}
		v, _, err := normalize(attr, e.Value)
		if err != nil {
			d.logger.Debug("skip snapshot entry", "cluster", c.def.Key, "attr", attr.Key(), "err", err)
			continue
		}
		d.state.set(e.Key, v)
		n++
	}
	return n
}

// Close detaches every local cluster from the bus.
func (d *Device) Close() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
}
