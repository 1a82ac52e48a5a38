package zcl

import (
	"strings"
	"unicode"
)

// Access flags
const (
	AccessRead   uint8 = 0x01
	AccessWrite  uint8 = 0x02
	AccessReport uint8 = 0x04
)

// AttributeDef defines a ZCL attribute.
type AttributeDef struct {
	ID     uint16 `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Type   uint8  `json:"type" yaml:"type"`
	Access uint8  `json:"access" yaml:"access"` // bitmask: 1=read, 2=write, 4=reportable
}

// Key returns the snake_case form of the attribute name, e.g.
// "BatteryPercentageRemaining" -> "battery_percentage_remaining".
func (a *AttributeDef) Key() string {
	return SnakeCase(a.Name)
}

func (a *AttributeDef) IsWritable() bool {
	return a.Access&AccessWrite != 0
}

func (a *AttributeDef) IsReportable() bool {
	return a.Access&AccessReport != 0
}

// CommandDirection indicates the direction of a cluster command.
type CommandDirection string

const (
	DirectionToServer CommandDirection = "toServer"
	DirectionToClient CommandDirection = "toClient"
)

// CommandDef defines a cluster-specific command.
type CommandDef struct {
	ID        uint8            `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Direction CommandDirection `json:"direction" yaml:"direction"`
}

// ClusterDef defines a ZCL cluster with its attributes and commands.
// Key is the short handle device profiles use to reference the cluster.
type ClusterDef struct {
	ID         uint16         `json:"id" yaml:"id"`
	Key        string         `json:"key,omitempty" yaml:"key,omitempty"`
	Name       string         `json:"name" yaml:"name"`
	Attributes []AttributeDef `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Commands   []CommandDef   `json:"commands,omitempty" yaml:"commands,omitempty"`
}

// FindAttribute looks up an attribute by ID.
func (c *ClusterDef) FindAttribute(id uint16) *AttributeDef {
	for i := range c.Attributes {
		if c.Attributes[i].ID == id {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindAttributeByName accepts either the ZCL name ("MeasuredValue") or its
// snake_case key ("measured_value").
func (c *ClusterDef) FindAttributeByName(name string) *AttributeDef {
	key := SnakeCase(name)
	for i := range c.Attributes {
		if c.Attributes[i].Name == name || c.Attributes[i].Key() == key {
			return &c.Attributes[i]
		}
	}
	return nil
}

// FindCommand looks up a command by ID and direction.
func (c *ClusterDef) FindCommand(id uint8, dir CommandDirection) *CommandDef {
	for i := range c.Commands {
		if c.Commands[i].ID == id && c.Commands[i].Direction == dir {
			return &c.Commands[i]
		}
	}
	return nil
}

// FindCommandByName looks up a server-bound command by name or snake_case key.
func (c *ClusterDef) FindCommandByName(name string) *CommandDef {
	key := SnakeCase(name)
	for i := range c.Commands {
		cmd := &c.Commands[i]
		if cmd.Direction != DirectionToServer {
			continue
		}
		if cmd.Name == name || SnakeCase(cmd.Name) == key {
			return cmd
		}
	}
	return nil
}

// DeepCopy returns a deep copy of the cluster definition.
func (c *ClusterDef) DeepCopy() *ClusterDef {
	cp := *c
	if c.Attributes != nil {
		cp.Attributes = make([]AttributeDef, len(c.Attributes))
		copy(cp.Attributes, c.Attributes)
	}
	if c.Commands != nil {
		cp.Commands = make([]CommandDef, len(c.Commands))
		copy(cp.Commands, c.Commands)
	}
	return &cp
}

// Merge adds attributes and commands from another definition, keeping
// existing entries. A missing Key is taken from the overlay.
func (c *ClusterDef) Merge(other *ClusterDef) {
	if c.Key == "" {
		c.Key = other.Key
	}
	for _, attr := range other.Attributes {
		if c.FindAttribute(attr.ID) == nil {
			c.Attributes = append(c.Attributes, attr)
		}
	}
	for _, cmd := range other.Commands {
		if c.FindCommand(cmd.ID, cmd.Direction) == nil {
			c.Commands = append(c.Commands, cmd)
		}
	}
}

// SnakeCase converts a CamelCase ZCL name to snake_case. Runs of capitals
// stay together ("HWVersion" -> "hw_version"). Already snake_case input is
// returned lowercased.
func SnakeCase(s string) string {
	if strings.ContainsRune(s, '_') {
		return strings.ToLower(s)
	}
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
