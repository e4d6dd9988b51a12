package sema

import "fmt"

// Conformance is a normal protocol conformance record: Type conforms to
// Protocol, possibly generically and possibly conditionally.
type Conformance struct {
	Protocol *ProtocolDecl
	// Type is the conforming type written in terms of Generics.
	Type     *Type
	Generics *GenericSignature
	Module   string
	// Methods maps requirement names to witness symbols. An empty symbol
	// marks a witness removed by dead method elimination.
	Methods       map[string]string
	TypeWitnesses map[string]*Type
	// Conditional lists the conformance requirements the conformance adds on
	// top of the conforming type's own signature.
	Conditional []Requirement
	// ProtocolVersion is the version of a resilient protocol this
	// conformance was compiled against.
	ProtocolVersion string
}

// Key identifies the conformance in registries.
func (c *Conformance) Key() string {
	return c.Type.Key() + ": " + c.Protocol.Name
}

func (c *Conformance) String() string { return c.Key() }

// IsGeneric reports whether the conformance lives in a generic context.
func (c *Conformance) IsGeneric() bool {
	return !c.Generics.IsEmpty()
}

// ConformanceRef is either an abstract conformance of a type parameter or a
// concrete conformance specialized by Subs.
type ConformanceRef struct {
	Protocol *ProtocolDecl
	Type     *Type
	Concrete *Conformance
	Subs     SubstitutionMap
}

// AbstractConformance returns the abstract conformance t : p.
func AbstractConformance(t *Type, p *ProtocolDecl) ConformanceRef {
	return ConformanceRef{Protocol: p, Type: t}
}

// IsAbstract reports whether r names no concrete conformance.
func (r ConformanceRef) IsAbstract() bool { return r.Concrete == nil }

func (r ConformanceRef) String() string {
	if r.IsAbstract() {
		return fmt.Sprintf("abstract %s: %s", r.Type, r.Protocol.Name)
	}

	return fmt.Sprintf("%s: %s", r.Type, r.Protocol.Name)
}

// TypeWitness returns the type that witnesses assoc for the conforming type.
func (r ConformanceRef) TypeWitness(assoc *AssociatedTypeDecl, lookup ConformanceLookup) (*Type, bool) {
	if r.IsAbstract() {
		return Member(r.Type, assoc), true
	}

	w, ok := r.Concrete.TypeWitnesses[assoc.Name]
	if !ok {
		if assoc.Protocol != r.Protocol && lookup != nil {
			inherited, ok := lookup.LookupConformance(r.Type, assoc.Protocol)
			if ok && inherited.Concrete != r.Concrete {
				return inherited.TypeWitness(assoc, lookup)
			}
		}

		return nil, false
	}

	return Subst(w, r.Subs, lookup), true
}

// AssociatedType resolves a path rooted at Self, such as Self.Element, for
// the conforming type.
func (r ConformanceRef) AssociatedType(path *Type, lookup ConformanceLookup) (*Type, bool) {
	if path.Kind == KindGenericParam {
		return r.Type, true
	}

	if path.Kind != KindDependentMember {
		return nil, false
	}

	base, ok := r.AssociatedType(path.Base, lookup)
	if !ok {
		return nil, false
	}

	if base.Equal(r.Type) {
		return r.TypeWitness(path.Assoc, lookup)
	}

	if base.IsTypeParameter() {
		return Member(base, path.Assoc), true
	}

	if lookup == nil {
		return nil, false
	}

	baseRef, ok := lookup.LookupConformance(base, path.Assoc.Protocol)
	if !ok {
		return nil, false
	}

	return baseRef.TypeWitness(path.Assoc, lookup)
}

// AssociatedConformance resolves Self.path : proto for the conforming type.
func (r ConformanceRef) AssociatedConformance(path *Type, proto *ProtocolDecl, lookup ConformanceLookup) (ConformanceRef, bool) {
	t, ok := r.AssociatedType(path, lookup)
	if !ok {
		return ConformanceRef{}, false
	}

	if t.IsTypeParameter() {
		return AbstractConformance(t, proto), true
	}

	if lookup == nil {
		return ConformanceRef{}, false
	}

	return lookup.LookupConformance(t, proto)
}

// ConditionalRequirements returns the conditional conformance requirements
// of a concrete conformance that are represented by a witness table, with
// the specialization applied. Index i is the i-th conditional table of the
// conformance's witness table.
func (r ConformanceRef) ConditionalRequirements(lookup ConformanceLookup) []Requirement {
	if r.IsAbstract() {
		return nil
	}

	out := make([]Requirement, 0, len(r.Concrete.Conditional))
	for _, c := range r.Concrete.Conditional {
		if c.Kind != ReqConformance || !c.Protocol.RequiresWitnessTable() {
			continue
		}

		out = append(out, Requirement{
			Kind:     c.Kind,
			Subject:  Subst(c.Subject, r.Subs, lookup),
			Protocol: c.Protocol,
		})
	}

	return out
}
