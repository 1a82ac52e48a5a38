// Package profile describes how a Tuya device's data points map onto
// standard ZCL clusters, and loads those descriptions from disk.
package profile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tuya-dp-bridge/internal/tuya"
	"tuya-dp-bridge/internal/zcl"
)

// ClusterRef names a cluster by registry key ("temperature") or by ID
// ("0x0402", "1026", or a bare number in JSON).
type ClusterRef string

func (r *ClusterRef) UnmarshalJSON(b []byte) error {
	var n uint16
	if err := json.Unmarshal(b, &n); err == nil {
		*r = ClusterRef(strconv.Itoa(int(n)))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("cluster reference: %w", err)
	}
	*r = ClusterRef(s)
	return nil
}

// Resolve returns the cluster definition the reference names. Numeric
// references that the registry does not know resolve to a bare definition
// without attributes.
func (r ClusterRef) Resolve(reg *zcl.Registry) *zcl.ClusterDef {
	if c := reg.Resolve(string(r)); c != nil {
		return c
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(r)), 0, 16)
	if err != nil {
		return nil
	}
	return &zcl.ClusterDef{ID: uint16(n), Name: fmt.Sprintf("0x%04X", n)}
}

// ModelInfo is one (manufacturer, model) pair a profile applies to.
type ModelInfo struct {
	Manufacturer string `json:"manufacturer" yaml:"manufacturer"`
	Model        string `json:"model" yaml:"model"`
}

// Endpoint is a simple descriptor as written in a profile.
type Endpoint struct {
	ProfileID      uint16       `json:"profile_id" yaml:"profile_id"`
	DeviceType     uint16       `json:"device_type" yaml:"device_type"`
	InputClusters  []ClusterRef `json:"input_clusters" yaml:"input_clusters"`
	OutputClusters []ClusterRef `json:"output_clusters,omitempty" yaml:"output_clusters,omitempty"`

	inputs  []uint16
	outputs []uint16
}

// Inputs returns the resolved input cluster IDs. Empty before Validate.
func (e *Endpoint) Inputs() []uint16 { return e.inputs }

// Outputs returns the resolved output cluster IDs. Empty before Validate.
func (e *Endpoint) Outputs() []uint16 { return e.outputs }

// HasInput reports whether the endpoint serves cluster id.
func (e *Endpoint) HasInput(id uint16) bool {
	for _, c := range e.inputs {
		if c == id {
			return true
		}
	}
	return false
}

// Topology maps endpoint IDs to descriptors.
type Topology map[uint8]*Endpoint

// EndpointIDs returns the endpoint IDs in ascending order.
func (t Topology) EndpointIDs() []uint8 {
	ids := make([]uint8, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AttributeMapping routes one DP to one attribute (or one outbound command)
// of a standard cluster. A DP may appear in several mappings.
type AttributeMapping struct {
	DP        uint8          `json:"dp" yaml:"dp"`
	Type      tuya.DPType    `json:"type" yaml:"type"`
	Endpoint  uint8          `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Cluster   ClusterRef     `json:"cluster" yaml:"cluster"`
	Attribute string         `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Command   string         `json:"command,omitempty" yaml:"command,omitempty"`
	Converter ConverterSpec  `json:"converter,omitempty" yaml:"converter,omitempty"`
	Inverse   *ConverterSpec `json:"inverse,omitempty" yaml:"inverse,omitempty"`
	// Value is the fixed DP value a command mapping sends when invoked
	// without an argument.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// Filled in by Validate.
	ClusterID uint16 `json:"-" yaml:"-"`
	AttrID    uint16 `json:"-" yaml:"-"`
	CommandID uint8  `json:"-" yaml:"-"`
	ZCLType   uint8  `json:"-" yaml:"-"`

	conv *Converter
	inv  *Converter
}

// IsCommand reports whether the mapping targets a cluster command rather
// than an attribute.
func (m *AttributeMapping) IsCommand() bool {
	return m.Command != ""
}

// Writable reports whether the outbound path is defined.
func (m *AttributeMapping) Writable() bool {
	return m.inv != nil || (m.IsCommand() && m.Value != nil)
}

// Convert applies the forward converter to a decoded DP value.
func (m *AttributeMapping) Convert(v any) (any, error) {
	if m.conv == nil {
		return nil, fmt.Errorf("%w: mapping for dp %d not validated", ErrConversion, m.DP)
	}
	return m.conv.Convert(v)
}

// ConvertInverse turns an attribute value back into a DP value.
func (m *AttributeMapping) ConvertInverse(v any) (any, error) {
	if m.inv == nil {
		return nil, fmt.Errorf("%w: dp %d has no inverse", ErrConversion, m.DP)
	}
	return m.inv.Convert(v)
}

func (m *AttributeMapping) target() string {
	if m.IsCommand() {
		return fmt.Sprintf("%s.%s()", m.Cluster, m.Command)
	}
	return fmt.Sprintf("%s.%s", m.Cluster, m.Attribute)
}

// Constant is a fixed attribute value served without any DP traffic, such
// as the battery size of a device that never reports it.
type Constant struct {
	Endpoint  uint8      `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Cluster   ClusterRef `json:"cluster" yaml:"cluster"`
	Attribute string     `json:"attribute" yaml:"attribute"`
	Value     any        `json:"value" yaml:"value"`

	ClusterID uint16 `json:"-" yaml:"-"`
	AttrID    uint16 `json:"-" yaml:"-"`
	ZCLType   uint8  `json:"-" yaml:"-"`
}

// DeviceProfile is the complete translation description for one device family.
type DeviceProfile struct {
	Name        string             `json:"name" yaml:"name"`
	Models      []ModelInfo        `json:"models" yaml:"models"`
	Signature   Topology           `json:"signature,omitempty" yaml:"signature,omitempty"`
	Replacement Topology           `json:"replacement" yaml:"replacement"`
	Mappings    []AttributeMapping `json:"mappings" yaml:"mappings"`
	Constants   []Constant         `json:"constants,omitempty" yaml:"constants,omitempty"`

	validated bool
}

// Validated reports whether Validate succeeded on this profile.
func (p *DeviceProfile) Validated() bool { return p.validated }

// Lookup returns every mapping for dp in declaration order.
func (p *DeviceProfile) Lookup(dp uint8) []*AttributeMapping {
	var out []*AttributeMapping
	for i := range p.Mappings {
		if p.Mappings[i].DP == dp {
			out = append(out, &p.Mappings[i])
		}
	}
	return out
}

// LookupTarget finds the mapping that feeds an attribute. When several DPs
// feed the same attribute, a writable mapping wins.
func (p *DeviceProfile) LookupTarget(endpoint uint8, clusterID, attrID uint16) *AttributeMapping {
	var found *AttributeMapping
	for i := range p.Mappings {
		m := &p.Mappings[i]
		if m.IsCommand() || m.Endpoint != endpoint || m.ClusterID != clusterID || m.AttrID != attrID {
			continue
		}
		if m.Writable() {
			return m
		}
		if found == nil {
			found = m
		}
	}
	return found
}

// LookupCommand finds the mapping bound to a cluster command.
func (p *DeviceProfile) LookupCommand(endpoint uint8, clusterID uint16, cmdID uint8) *AttributeMapping {
	for i := range p.Mappings {
		m := &p.Mappings[i]
		if m.IsCommand() && m.Endpoint == endpoint && m.ClusterID == clusterID && m.CommandID == cmdID {
			return m
		}
	}
	return nil
}

// ConstantsFor returns the constants of one local cluster.
func (p *DeviceProfile) ConstantsFor(endpoint uint8, clusterID uint16) []Constant {
	var out []Constant
	for _, c := range p.Constants {
		if c.Endpoint == endpoint && c.ClusterID == clusterID {
			out = append(out, c)
		}
	}
	return out
}

// ManufacturerEndpoint is the endpoint DP frames are sent to: the first
// signature endpoint carrying the manufacturer cluster, else the first such
// replacement endpoint, else 1.
func (p *DeviceProfile) ManufacturerEndpoint() uint8 {
	for _, topo := range []Topology{p.Signature, p.Replacement} {
		for _, id := range topo.EndpointIDs() {
			if topo[id].HasInput(tuya.ClusterID) {
				return id
			}
		}
	}
	return 1
}

// Identity is what a device reports about itself in the Basic cluster.
type Identity struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
}

// Descriptor is an advertised simple descriptor.
type Descriptor struct {
	ProfileID      uint16   `json:"profile_id"`
	DeviceType     uint16   `json:"device_type"`
	InputClusters  []uint16 `json:"input_clusters"`
	OutputClusters []uint16 `json:"output_clusters"`
}

// Matches reports whether the profile applies to a device. The signature is
// only checked when both sides have one.
func (p *DeviceProfile) Matches(id Identity, sig map[uint8]Descriptor) bool {
	found := false
	for _, m := range p.Models {
		if m.Manufacturer == id.Manufacturer && m.Model == id.Model {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(p.Signature) == 0 || len(sig) == 0 {
		return true
	}
	if len(p.Signature) != len(sig) {
		return false
	}
	for epID, want := range p.Signature {
		got, ok := sig[epID]
		if !ok {
			return false
		}
		if got.ProfileID != want.ProfileID || got.DeviceType != want.DeviceType {
			return false
		}
		if !sameSet(got.InputClusters, want.inputs) || !sameSet(got.OutputClusters, want.outputs) {
			return false
		}
	}
	return true
}

func sameSet(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uint16]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
