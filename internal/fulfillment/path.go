// Package fulfillment records how each generic requirement of a function
// can be derived from metadata that is already available, and searches
// type structure for the cheapest such derivation.
package fulfillment

import (
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ComponentKind is one derivation step.
type ComponentKind uint8

const (
	// NominalTypeArgument loads generic argument metadata from a nominal
	// type's argument vector.
	NominalTypeArgument ComponentKind = iota
	// NominalTypeArgumentConformance loads a conformance witness table from
	// a nominal type's argument vector.
	NominalTypeArgumentConformance
	// OutOfLineBaseProtocol loads an inherited protocol's table from a slot.
	OutOfLineBaseProtocol
	// AssociatedConformance asks the runtime for an associated conformance
	// witness table.
	AssociatedConformance
	// AssociatedType asks the runtime for associated type metadata.
	AssociatedType
	// ConditionalConformance loads a conditional requirement's table from
	// the private area of an instantiated witness table.
	ConditionalConformance
	// Impossible marks a requirement that has no runtime representation.
	Impossible
)

var componentNames = [...]string{
	NominalTypeArgument:            "nominal_type_argument",
	NominalTypeArgumentConformance: "nominal_type_argument_conformance",
	OutOfLineBaseProtocol:          "out_of_line_base_protocol",
	AssociatedConformance:          "associated_conformance",
	AssociatedType:                 "associated_type",
	ConditionalConformance:         "conditional_conformance",
	Impossible:                     "impossible",
}

func (k ComponentKind) String() string {
	if int(k) < len(componentNames) {
		return componentNames[k]
	}

	return fmt.Sprintf("component(%d)", int(k))
}

// Component is a kind plus its primary index.
type Component struct {
	Kind  ComponentKind
	Index int
}

func (c Component) String() string {
	if c.Kind == Impossible {
		return c.Kind.String()
	}

	return fmt.Sprintf("%s[%d]", c.Kind, c.Index)
}

// MetadataPath is an immutable sequence of components. Append returns a new
// path; the receiver is never modified.
type MetadataPath struct {
	components []Component
}

// NewPath returns a path of the given components.
func NewPath(cs ...Component) MetadataPath {
	return MetadataPath{components: append([]Component(nil), cs...)}
}

// ImpossiblePath returns the single-component Impossible path.
func ImpossiblePath() MetadataPath {
	return NewPath(Component{Kind: Impossible})
}

// Append returns p extended by c.
func (p MetadataPath) Append(c Component) MetadataPath {
	out := make([]Component, len(p.components)+1)
	copy(out, p.components)
	out[len(p.components)] = c

	return MetadataPath{components: out}
}

func (p MetadataPath) add(kind ComponentKind, index int) MetadataPath {
	return p.Append(Component{Kind: kind, Index: index})
}

// Components returns the components. The slice must not be modified.
func (p MetadataPath) Components() []Component { return p.components }

// Len returns the number of components.
func (p MetadataPath) Len() int { return len(p.components) }

// IsEmpty reports whether p derives the source itself.
func (p MetadataPath) IsEmpty() bool { return len(p.components) == 0 }

// IsImpossible reports whether p contains an Impossible component.
func (p MetadataPath) IsImpossible() bool {
	for _, c := range p.components {
		if c.Kind == Impossible {
			return true
		}
	}

	return false
}

// Cost is the number of derivation steps; impossible paths cost MaxInt.
func (p MetadataPath) Cost() int {
	if p.IsImpossible() {
		return math.MaxInt
	}

	return len(p.components)
}

// Prefix returns the first n components.
func (p MetadataPath) Prefix(n int) MetadataPath {
	return MetadataPath{components: p.components[:n:n]}
}

// Equal reports component-wise equality.
func (p MetadataPath) Equal(o MetadataPath) bool {
	if len(p.components) != len(o.components) {
		return false
	}

	for i := range p.components {
		if p.components[i] != o.components[i] {
			return false
		}
	}

	return true
}

func (p MetadataPath) String() string {
	if len(p.components) == 0 {
		return "<source>"
	}

	parts := make([]string, len(p.components))
	for i, c := range p.components {
		parts[i] = c.String()
	}

	return strings.Join(parts, ".")
}

// MarshalBinary encodes p as a varint count followed by (kind, index)
// varint pairs.
func (p MetadataPath) MarshalBinary() ([]byte, error) {
	b := protowire.AppendVarint(nil, uint64(len(p.components)))
	for _, c := range p.components {
		b = protowire.AppendVarint(b, uint64(c.Kind))
		b = protowire.AppendVarint(b, uint64(c.Index))
	}

	return b, nil
}

// UnmarshalBinary decodes the MarshalBinary form.
func (p *MetadataPath) UnmarshalBinary(data []byte) error {
	n, m := protowire.ConsumeVarint(data)
	if m < 0 {
		return fmt.Errorf("metadata path: bad length: %w", protowire.ParseError(m))
	}

	data = data[m:]

	// Each component takes at least two bytes.
	if n > uint64(len(data)/2) {
		return fmt.Errorf("metadata path: %d components in %d bytes", n, len(data))
	}

	out := make([]Component, 0, n)

	for i := uint64(0); i < n; i++ {
		kind, m := protowire.ConsumeVarint(data)
		if m < 0 {
			return fmt.Errorf("metadata path: component %d kind: %w", i, protowire.ParseError(m))
		}

		data = data[m:]

		index, m := protowire.ConsumeVarint(data)
		if m < 0 {
			return fmt.Errorf("metadata path: component %d index: %w", i, protowire.ParseError(m))
		}

		data = data[m:]

		if kind > uint64(Impossible) {
			return fmt.Errorf("metadata path: component %d has unknown kind %d", i, kind)
		}

		if index > math.MaxInt32 {
			return fmt.Errorf("metadata path: component %d index %d out of range", i, index)
		}

		out = append(out, Component{Kind: ComponentKind(kind), Index: int(index)})
	}

	if len(data) != 0 {
		return fmt.Errorf("metadata path: %d trailing bytes", len(data))
	}

	p.components = out

	return nil
}
