package profile

import (
	"fmt"
	"strings"

	"tuya-dp-bridge/internal/zcl"
)

// ValidationError lists every problem found in a profile.
type ValidationError struct {
	Profile  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("profile %q invalid: %s", e.Profile, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

type targetKey struct {
	dp      uint8
	cluster uint16
	name    string
}

// Validate checks the profile against the cluster registry, resolves every
// cluster, attribute and command reference, and compiles the converters.
// On failure it returns a *ValidationError and the profile stays unusable.
func (p *DeviceProfile) Validate(reg *zcl.Registry) error {
	verr := &ValidationError{Profile: p.Name}
	p.validated = false

	if p.Name == "" {
		verr.addf("missing name")
	}
	if len(p.Models) == 0 {
		verr.addf("no models")
	}
	for i, m := range p.Models {
		if m.Manufacturer == "" || m.Model == "" {
			verr.addf("models[%d]: manufacturer and model are required", i)
		}
	}
	if len(p.Replacement) == 0 {
		verr.addf("replacement has no endpoints")
	}

	resolveTopology(p.Signature, "signature", reg, verr)
	resolveTopology(p.Replacement, "replacement", reg, verr)

	seen := make(map[targetKey]bool)
	for i := range p.Mappings {
		p.validateMapping(i, reg, verr, seen)
	}

	mapped := make(map[[3]uint16]bool)
	for _, m := range p.Mappings {
		if !m.IsCommand() {
			mapped[[3]uint16{uint16(m.Endpoint), m.ClusterID, m.AttrID}] = true
		}
	}
	for i := range p.Constants {
		p.validateConstant(i, reg, verr, mapped)
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	p.validated = true
	return nil
}

func resolveTopology(t Topology, label string, reg *zcl.Registry, verr *ValidationError) {
	for _, id := range t.EndpointIDs() {
		ep := t[id]
		if ep == nil {
			verr.addf("%s endpoint %d: empty descriptor", label, id)
			continue
		}
		ep.inputs = resolveRefs(ep.InputClusters, fmt.Sprintf("%s endpoint %d input", label, id), reg, verr)
		ep.outputs = resolveRefs(ep.OutputClusters, fmt.Sprintf("%s endpoint %d output", label, id), reg, verr)
	}
}

func resolveRefs(refs []ClusterRef, label string, reg *zcl.Registry, verr *ValidationError) []uint16 {
	ids := make([]uint16, 0, len(refs))
	for _, ref := range refs {
		c := ref.Resolve(reg)
		if c == nil {
			verr.addf("%s: unknown cluster %q", label, ref)
			continue
		}
		ids = append(ids, c.ID)
	}
	return ids
}

// hostEndpoint picks the replacement endpoint serving clusterID. An explicit
// override must exist and serve the cluster.
func (p *DeviceProfile) hostEndpoint(override uint8, clusterID uint16) (uint8, error) {
	if override != 0 {
		ep, ok := p.Replacement[override]
		if !ok || ep == nil {
			return 0, fmt.Errorf("endpoint %d not in replacement", override)
		}
		if !ep.HasInput(clusterID) {
			return 0, fmt.Errorf("cluster 0x%04X not on replacement endpoint %d", clusterID, override)
		}
		return override, nil
	}
	for _, id := range p.Replacement.EndpointIDs() {
		if ep := p.Replacement[id]; ep != nil && ep.HasInput(clusterID) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("cluster 0x%04X not on any replacement endpoint", clusterID)
}

func (p *DeviceProfile) validateMapping(i int, reg *zcl.Registry, verr *ValidationError, seen map[targetKey]bool) {
	m := &p.Mappings[i]
	label := fmt.Sprintf("mappings[%d] dp %d", i, m.DP)

	if !m.Type.Valid() {
		verr.addf("%s: unknown dp type %s", label, m.Type)
	}
	if (m.Attribute == "") == (m.Command == "") {
		verr.addf("%s: exactly one of attribute or command is required", label)
		return
	}

	conv, err := NewConverter(m.Converter)
	if err != nil {
		verr.addf("%s: converter: %v", label, err)
	} else if m.Type.Valid() && !conv.Accepts(m.Type) {
		verr.addf("%s: converter %s does not accept %s input", label, conv.Name, m.Type)
	} else {
		m.conv = conv
	}
	m.inv = nil
	if m.Inverse != nil {
		inv, err := NewConverter(*m.Inverse)
		if err != nil {
			verr.addf("%s: inverse: %v", label, err)
		} else if m.Type.Valid() && !inv.Produces(m.Type) {
			verr.addf("%s: inverse %s does not produce %s output", label, inv.Name, m.Type)
		} else {
			m.inv = inv
		}
	}

	cluster := m.Cluster.Resolve(reg)
	if cluster == nil {
		verr.addf("%s: unknown cluster %q", label, m.Cluster)
		return
	}
	m.ClusterID = cluster.ID
	ep, err := p.hostEndpoint(m.Endpoint, cluster.ID)
	if err != nil {
		verr.addf("%s: %v", label, err)
	} else {
		m.Endpoint = ep
	}

	if m.IsCommand() {
		cmd := cluster.FindCommandByName(m.Command)
		if cmd == nil {
			verr.addf("%s: cluster %s has no command %q", label, m.Cluster, m.Command)
			return
		}
		m.CommandID = cmd.ID
		if m.Inverse == nil && m.Value == nil {
			verr.addf("%s: command mapping needs an inverse or a value", label)
		}
		return
	}

	attr := cluster.FindAttributeByName(m.Attribute)
	if attr == nil {
		verr.addf("%s: cluster %s has no attribute %q", label, m.Cluster, m.Attribute)
		return
	}
	m.AttrID = attr.ID
	m.ZCLType = attr.Type

	key := targetKey{dp: m.DP, cluster: cluster.ID, name: attr.Key()}
	if seen[key] {
		verr.addf("%s: duplicate mapping to %s", label, m.target())
	}
	seen[key] = true
}

func (p *DeviceProfile) validateConstant(i int, reg *zcl.Registry, verr *ValidationError, mapped map[[3]uint16]bool) {
	c := &p.Constants[i]
	label := fmt.Sprintf("constants[%d] %s.%s", i, c.Cluster, c.Attribute)

	cluster := c.Cluster.Resolve(reg)
	if cluster == nil {
		verr.addf("%s: unknown cluster", label)
		return
	}
	attr := cluster.FindAttributeByName(c.Attribute)
	if attr == nil {
		verr.addf("%s: unknown attribute", label)
		return
	}
	ep, err := p.hostEndpoint(c.Endpoint, cluster.ID)
	if err != nil {
		verr.addf("%s: %v", label, err)
		return
	}
	c.Endpoint, c.ClusterID, c.AttrID, c.ZCLType = ep, cluster.ID, attr.ID, attr.Type

	enc, err := zcl.EncodeValue(attr.Type, c.Value)
	if err != nil {
		verr.addf("%s: %v", label, err)
		return
	}
	// Store the value in its ZCL Go type (uint8 for enum8 and so on).
	if v, _, err := zcl.DecodeValue(attr.Type, enc); err == nil {
		c.Value = v
	}
	if mapped[[3]uint16{uint16(ep), cluster.ID, attr.ID}] {
		verr.addf("%s: attribute is also fed by a data point", label)
	}
}
