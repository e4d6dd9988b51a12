package sema

import (
	"fmt"
	"strings"
)

// RequirementKind discriminates generic signature requirements.
type RequirementKind int

const (
	ReqConformance RequirementKind = iota
	ReqSuperclass
	ReqSameType
	ReqLayout
)

// Requirement is one requirement of a generic signature.
type Requirement struct {
	Kind     RequirementKind
	Subject  *Type
	Protocol *ProtocolDecl
	// Type is the superclass bound or the same-type constraint.
	Type   *Type
	Layout string
}

func (r Requirement) String() string {
	switch r.Kind {
	case ReqConformance:
		return fmt.Sprintf("%s: %s", r.Subject, r.Protocol.Name)
	case ReqSuperclass:
		return fmt.Sprintf("%s: %s", r.Subject, r.Type)
	case ReqSameType:
		return fmt.Sprintf("%s == %s", r.Subject, r.Type)
	default:
		return fmt.Sprintf("%s: %s", r.Subject, r.Layout)
	}
}

// Conforms returns a conformance requirement.
func Conforms(subject *Type, proto *ProtocolDecl) Requirement {
	return Requirement{Kind: ReqConformance, Subject: subject, Protocol: proto}
}

// GenericSignature is an ordered list of generic parameters plus their
// canonical requirements.
type GenericSignature struct {
	Params       []*Type
	Requirements []Requirement
	// Pseudogeneric signatures are erased at the binary interface: their
	// parameters have no runtime representation.
	Pseudogeneric bool
}

// IsEmpty reports whether the signature has no parameters.
func (s *GenericSignature) IsEmpty() bool {
	return s == nil || len(s.Params) == 0
}

// RequiredProtocols returns the protocols t is directly required to
// conform to, in requirement order.
func (s *GenericSignature) RequiredProtocols(t *Type) []*ProtocolDecl {
	if s == nil {
		return nil
	}

	var out []*ProtocolDecl
	for _, r := range s.Requirements {
		if r.Kind == ReqConformance && r.Subject.Equal(t) {
			out = append(out, r.Protocol)
		}
	}

	return out
}

// ConformsTo reports whether the signature proves t : p, either directly or
// through protocol inheritance.
func (s *GenericSignature) ConformsTo(t *Type, p *ProtocolDecl) bool {
	for _, q := range s.RequiredProtocols(t) {
		if q == p || q.Inherits(p) {
			return true
		}
	}

	return false
}

// SuperclassBound returns the superclass constraint on t, if any.
func (s *GenericSignature) SuperclassBound(t *Type) *Type {
	if s == nil {
		return nil
	}

	for _, r := range s.Requirements {
		if r.Kind == ReqSuperclass && r.Subject.Equal(t) {
			return r.Type
		}
	}

	return nil
}

// IsRelevant reports whether t is a generic parameter of s or a prefix of a
// requirement subject; the fulfillment search only descends into such types.
func (s *GenericSignature) IsRelevant(t *Type) bool {
	if s == nil {
		return false
	}

	for _, p := range s.Params {
		if p.Equal(t) {
			return true
		}
	}

	for _, r := range s.Requirements {
		if r.Subject.HasPrefix(t) {
			return true
		}
	}

	return false
}

// LookupAssociatedType resolves name as an associated type of base using the
// protocols base is required to conform to.
func (s *GenericSignature) LookupAssociatedType(base *Type, name string) *AssociatedTypeDecl {
	for _, p := range s.RequiredProtocols(base) {
		if a := p.LookupAssociatedType(name); a != nil {
			return a
		}
	}

	return nil
}

func (s *GenericSignature) String() string {
	if s.IsEmpty() {
		return "<>"
	}

	params := make([]string, len(s.Params))
	for i, p := range s.Params {
		params[i] = p.Key()
	}

	out := "<" + strings.Join(params, ", ")

	if len(s.Requirements) > 0 {
		reqs := make([]string, len(s.Requirements))
		for i, r := range s.Requirements {
			reqs[i] = r.String()
		}

		out += " where " + strings.Join(reqs, ", ")
	}

	return out + ">"
}
