// Package adapter exposes the translated data points of a Tuya device as
// local standard ZCL clusters.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"tuya-dp-bridge/internal/engine"
	"tuya-dp-bridge/internal/zcl"
)

var (
	ErrReadOnly             = errors.New("adapter: attribute is read-only")
	ErrUnsupportedAttribute = errors.New("adapter: unsupported attribute")
	ErrUnsupportedCommand   = errors.New("adapter: unsupported command")
	ErrNoValue              = errors.New("adapter: attribute has no value yet")
)

// Outbound is the write path back to the physical device.
type Outbound interface {
	Write(ctx context.Context, endpoint uint8, clusterID, attrID uint16, value any) error
	Invoke(ctx context.Context, endpoint uint8, clusterID uint16, cmdID uint8, arg any) error
}

// Cluster is the standard-cluster surface the hub sees.
type Cluster interface {
	Endpoint() uint8
	Def() *zcl.ClusterDef
	Read(attrID uint16) (any, error)
	Write(ctx context.Context, attrID uint16, value any) error
	Invoke(ctx context.Context, cmdID uint8, arg any) error
	Attributes() map[uint16]any
}

// Report is emitted for every accepted update. Changed is false when the
// update repeated the stored value.
type Report struct {
	Endpoint  uint8
	ClusterID uint16
	Cluster   string
	AttrID    uint16
	Name      string
	Value     any
	DP        uint8
	Changed   bool
	// Record is the attribute record of a ZCL Report Attributes frame.
	Record []byte
}

// Hooks receive the results of update handling.
type Hooks struct {
	Report func(Report)
	Reject func(engine.Update, error)
}

// LocalCluster serves one standard cluster from translated DP values.
// Constant attributes live in their own map and cannot be written.
type LocalCluster struct {
	endpoint  uint8
	def       *zcl.ClusterDef
	constants map[uint16]any
	state     *State
	out       Outbound
	hooks     Hooks
	logger    *slog.Logger
}

var _ Cluster = (*LocalCluster)(nil)

func (c *LocalCluster) Endpoint() uint8 { return c.endpoint }

func (c *LocalCluster) Def() *zcl.ClusterDef { return c.def }

func (c *LocalCluster) key(attrID uint16) Key {
	return Key{Endpoint: c.endpoint, ClusterID: c.def.ID, AttrID: attrID}
}

// Read returns a constant or the last reported value.
func (c *LocalCluster) Read(attrID uint16) (any, error) {
	if v, ok := c.constants[attrID]; ok {
		return v, nil
	}
	if v, ok := c.state.Get(c.key(attrID)); ok {
		return v, nil
	}
	if c.def.FindAttribute(attrID) == nil {
		return nil, fmt.Errorf("%w: 0x%04X on %s", ErrUnsupportedAttribute, attrID, c.def.Name)
	}
	return nil, fmt.Errorf("%w: 0x%04X on %s", ErrNoValue, attrID, c.def.Name)
}

// Write forwards to the device. The local value changes only when the
// device reports back.
func (c *LocalCluster) Write(ctx context.Context, attrID uint16, value any) error {
	if _, ok := c.constants[attrID]; ok {
		return fmt.Errorf("%w: 0x%04X on %s", ErrReadOnly, attrID, c.def.Name)
	}
	if c.def.FindAttribute(attrID) == nil {
		return fmt.Errorf("%w: 0x%04X on %s", ErrUnsupportedAttribute, attrID, c.def.Name)
	}
	return c.out.Write(ctx, c.endpoint, c.def.ID, attrID, value)
}

func (c *LocalCluster) Invoke(ctx context.Context, cmdID uint8, arg any) error {
	if c.def.FindCommand(cmdID, zcl.DirectionToServer) == nil {
		return fmt.Errorf("%w: 0x%02X on %s", ErrUnsupportedCommand, cmdID, c.def.Name)
	}
	return c.out.Invoke(ctx, c.endpoint, c.def.ID, cmdID, arg)
}

// Attributes returns constants and dynamic values keyed by attribute ID.
func (c *LocalCluster) Attributes() map[uint16]any {
	out := make(map[uint16]any, len(c.constants))
	for id, v := range c.constants {
		out[id] = v
	}
	for _, e := range c.state.Snapshot() {
		if e.Endpoint == c.endpoint && e.ClusterID == c.def.ID {
			out[e.AttrID] = e.Value
		}
	}
	return out
}

// AttributeIDs returns the IDs with a value, in ascending order.
func (c *LocalCluster) AttributeIDs() []uint16 {
	attrs := c.Attributes()
	ids := make([]uint16, 0, len(attrs))
	for id := range attrs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// normalize checks v against the attribute's ZCL type and returns it as the
// Go type the wire decoder produces, together with the encoded record.
func normalize(attr *zcl.AttributeDef, v any) (any, []byte, error) {
	rec, err := zcl.ReportRecord(attr.ID, attr.Type, v)
	if err != nil {
		return nil, nil, err
	}
	norm, _, err := zcl.DecodeValue(attr.Type, rec[3:])
	if err != nil {
		return nil, nil, err
	}
	return norm, rec, nil
}

func (c *LocalCluster) handleUpdate(u engine.Update) {
	attr := c.def.FindAttribute(u.AttrID)
	if attr == nil {
		c.reject(u, fmt.Errorf("%w: 0x%04X on %s", ErrUnsupportedAttribute, u.AttrID, c.def.Name))
		return
	}
	if _, ok := c.constants[u.AttrID]; ok {
		c.reject(u, fmt.Errorf("%w: 0x%04X on %s", ErrReadOnly, u.AttrID, c.def.Name))
		return
	}
	v, rec, err := normalize(attr, u.Value)
	if err != nil {
		c.reject(u, fmt.Errorf("%s.%s: %w", c.def.Key, attr.Key(), err))
		return
	}
	changed := c.state.set(c.key(attr.ID), v)
	if c.hooks.Report != nil {
		c.hooks.Report(Report{
			Endpoint:  c.endpoint,
			ClusterID: c.def.ID,
			Cluster:   c.def.Key,
			AttrID:    attr.ID,
			Name:      attr.Key(),
			Value:     v,
			DP:        u.DP,
			Changed:   changed,
			Record:    rec,
		})
	}
}

func (c *LocalCluster) reject(u engine.Update, err error) {
	c.logger.Warn("update rejected", "dp", u.DP, "err", err)
	if c.hooks.Reject != nil {
		c.hooks.Reject(u, err)
	}
}
