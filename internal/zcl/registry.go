package zcl

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Registry holds all known ZCL cluster definitions.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	keys     map[string]uint16
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		keys:     make(map[string]uint16),
		logger:   logger,
	}
}

// Register adds a cluster definition to the registry, merging into an
// existing definition with the same ID.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		if existing.Key != "" {
			r.keys[existing.Key] = existing.ID
		}
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
		return
	}
	clone := c.DeepCopy()
	r.clusters[c.ID] = clone
	if clone.Key != "" {
		r.keys[clone.Key] = clone.ID
	}
	r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "key", c.Key)
}

// Clone returns an independent copy of the registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry(r.logger)
	for id, c := range r.clusters {
		out.clusters[id] = c.DeepCopy()
	}
	for k, id := range r.keys {
		out.keys[k] = id
	}
	return out
}

// CheckMerge reports whether registering c would redefine an attribute that
// is already known under a different type.
func (r *Registry) CheckMerge(c ClusterDef) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing, ok := r.clusters[c.ID]
	if !ok {
		return nil
	}
	for _, attr := range c.Attributes {
		if old := existing.FindAttribute(attr.ID); old != nil && old.Type != attr.Type {
			return fmt.Errorf("cluster 0x%04X attribute 0x%04X: type 0x%02X conflicts with 0x%02X",
				c.ID, attr.ID, attr.Type, old.Type)
		}
	}
	return nil
}

// Get returns a cluster definition by ID, or nil if not found.
// The returned value is a deep copy; callers may modify it safely.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// Resolve finds a cluster from a profile reference: its key ("temperature"),
// a hex ID ("0x0402") or a decimal ID ("1026").
func (r *Registry) Resolve(ref string) *ClusterDef {
	ref = strings.TrimSpace(ref)
	r.mu.RLock()
	id, ok := r.keys[strings.ToLower(ref)]
	r.mu.RUnlock()
	if ok {
		return r.Get(id)
	}
	n, err := strconv.ParseUint(ref, 0, 16)
	if err != nil {
		return nil
	}
	return r.Get(uint16(n))
}

// All returns all registered cluster definitions.
// Each entry is a deep copy; callers may modify them safely.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	return result
}
