package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"

	"gopkg.in/yaml.v3"

	"tuya-dp-bridge/internal/tuya"
)

// ErrConversion is returned when a converter cannot handle its input.
var ErrConversion = errors.New("profile: conversion failed")

// ConverterSpec names a converter and its parameters as written in a
// profile. In YAML and JSON a bare string is shorthand for {name: <string>}.
type ConverterSpec struct {
	Name    string `json:"name" yaml:"name"`
	Factor  int64  `json:"factor,omitempty" yaml:"factor,omitempty"`
	Divisor int64  `json:"divisor,omitempty" yaml:"divisor,omitempty"`
	Offset  int64  `json:"offset,omitempty" yaml:"offset,omitempty"`
	Bit     uint8  `json:"bit,omitempty" yaml:"bit,omitempty"`
	Expr    string `json:"expr,omitempty" yaml:"expr,omitempty"`
}

func (s *ConverterSpec) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		s.Name = n.Value
		return nil
	}
	type plain ConverterSpec
	return n.Decode((*plain)(s))
}

func (s *ConverterSpec) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		s.Name = name
		return nil
	}
	type plain ConverterSpec
	return json.Unmarshal(b, (*plain)(s))
}

// Func is a pure value transformation.
type Func func(any) (any, error)

// Converter is a compiled ConverterSpec.
type Converter struct {
	Name     string
	// accepts lists the DP types the converter takes as input; nil means any.
	accepts  []tuya.DPType
	// produces lists the DP types the output can be encoded as when the
	// converter runs as an inverse; nil means unknown until run time.
	produces []tuya.DPType
	fn       Func
}

// Produces reports whether the output may be encoded as DP type t.
func (c *Converter) Produces(t tuya.DPType) bool {
	return c.produces == nil || slices.Contains(c.produces, t)
}

// Accepts reports whether the converter can consume values of DP type t.
func (c *Converter) Accepts(t tuya.DPType) bool {
	return c.accepts == nil || slices.Contains(c.accepts, t)
}

func (c *Converter) Convert(v any) (any, error) {
	return c.fn(v)
}

var (
	numericTypes = []tuya.DPType{tuya.TypeValue, tuya.TypeEnum, tuya.TypeBitmap}
	boolType     = []tuya.DPType{tuya.TypeBool}
)

// NewConverter compiles a spec. An empty name means identity.
func NewConverter(spec ConverterSpec) (*Converter, error) {
	switch spec.Name {
	case "", "identity":
		return &Converter{Name: "identity", fn: Passthrough}, nil
	case "scale":
		factor, divisor := spec.Factor, spec.Divisor
		if factor == 0 {
			factor = 1
		}
		if divisor == 0 {
			divisor = 1
		}
		return &Converter{Name: spec.Name, accepts: numericTypes, produces: numericTypes, fn: Scale(factor, divisor, spec.Offset)}, nil
	case "invert":
		return &Converter{Name: spec.Name, accepts: boolType, produces: boolType, fn: Invert}, nil
	case "bit":
		if spec.Bit > 31 {
			return nil, fmt.Errorf("bit index %d out of range 0..31", spec.Bit)
		}
		return &Converter{Name: spec.Name, accepts: numericTypes, produces: boolType, fn: Bit(spec.Bit)}, nil
	case "bool_to_int":
		return &Converter{Name: spec.Name, accepts: boolType, produces: numericTypes, fn: BoolToInt}, nil
	case "lua":
		fn, err := newLuaFunc(spec.Expr)
		if err != nil {
			return nil, err
		}
		return &Converter{Name: spec.Name, fn: fn}, nil
	}
	return nil, fmt.Errorf("unknown converter %q", spec.Name)
}

// Passthrough returns its input unchanged.
func Passthrough(v any) (any, error) {
	return v, nil
}

// Scale returns x*factor/divisor + offset using integer arithmetic. Division
// truncates toward zero and the result is not clamped.
func Scale(factor, divisor, offset int64) Func {
	return func(v any) (any, error) {
		x, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: scale of %T", ErrConversion, v)
		}
		return x*factor/divisor + offset, nil
	}
}

// Invert negates a boolean.
func Invert(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: invert of %T", ErrConversion, v)
	}
	return !b, nil
}

// Bit extracts bit n of an integer as a boolean.
func Bit(n uint8) Func {
	return func(v any) (any, error) {
		x, ok := asInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: bit of %T", ErrConversion, v)
		}
		return x>>n&1 == 1, nil
	}
}

// BoolToInt maps false/true to 0/1.
func BoolToInt(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: bool_to_int of %T", ErrConversion, v)
	}
	if b {
		return int64(1), nil
	}
	return int64(0), nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
