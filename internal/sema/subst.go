package sema

import "sort"

// SubstitutionMap replaces generic parameters by name.
type SubstitutionMap struct {
	replacements map[string]*Type
}

// NewSubstitutionMap returns an empty map.
func NewSubstitutionMap() SubstitutionMap {
	return SubstitutionMap{replacements: map[string]*Type{}}
}

// Set binds param to t.
func (m SubstitutionMap) Set(param, t *Type) {
	m.replacements[param.Key()] = t
}

// Lookup returns the replacement for param.
func (m SubstitutionMap) Lookup(param *Type) (*Type, bool) {
	if m.replacements == nil {
		return nil, false
	}

	t, ok := m.replacements[param.Key()]

	return t, ok
}

// Len returns the number of bindings.
func (m SubstitutionMap) Len() int { return len(m.replacements) }

func (m SubstitutionMap) String() string {
	keys := make([]string, 0, len(m.replacements))
	for k := range m.replacements {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := "["
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}

		out += k + " := " + m.replacements[k].Key()
	}

	return out + "]"
}

// ConformanceLookup resolves conformances of concrete types.
type ConformanceLookup interface {
	LookupConformance(t *Type, p *ProtocolDecl) (ConformanceRef, bool)
}

// Subst applies subs to t. Dependent members whose base becomes concrete are
// resolved through the type witnesses of the base's conformance.
func Subst(t *Type, subs SubstitutionMap, lookup ConformanceLookup) *Type {
	switch t.Kind {
	case KindGenericParam:
		if r, ok := subs.Lookup(t); ok {
			return r
		}

		return t
	case KindDependentMember:
		base := Subst(t.Base, subs, lookup)
		if base.IsTypeParameter() || lookup == nil {
			if base == t.Base {
				return t
			}

			return Member(base, t.Assoc)
		}

		ref, ok := lookup.LookupConformance(base, t.Assoc.Protocol)
		if !ok {
			return Member(base, t.Assoc)
		}

		w, ok := ref.TypeWitness(t.Assoc, lookup)
		if !ok {
			return Member(base, t.Assoc)
		}

		return w
	case KindNominal:
		if len(t.Args) == 0 {
			return t
		}

		args := make([]*Type, len(t.Args))
		for i, a := range t.Args {
			args[i] = Subst(a, subs, lookup)
		}

		return Nominal(t.Decl, args...)
	case KindMetatype:
		return Metatype(Subst(t.Base, subs, lookup), t.Thick)
	default:
		return t
	}
}

// Match binds the generic parameters of pattern so that it equals concrete.
// Bindings are added to subs; it reports false on a structural mismatch or
// an inconsistent binding.
func Match(pattern, concrete *Type, subs SubstitutionMap) bool {
	switch pattern.Kind {
	case KindGenericParam:
		if prev, ok := subs.Lookup(pattern); ok {
			return prev.Equal(concrete)
		}

		subs.Set(pattern, concrete)

		return true
	case KindNominal:
		if concrete.Kind != KindNominal || concrete.Decl != pattern.Decl || len(concrete.Args) != len(pattern.Args) {
			return false
		}

		for i := range pattern.Args {
			if !Match(pattern.Args[i], concrete.Args[i], subs) {
				return false
			}
		}

		return true
	case KindMetatype:
		if concrete.Kind != KindMetatype || concrete.Thick != pattern.Thick {
			return false
		}

		return Match(pattern.Base, concrete.Base, subs)
	default:
		return pattern.Equal(concrete)
	}
}

// ForwardingSubstitutions maps every parameter of sig to itself.
func ForwardingSubstitutions(sig *GenericSignature) SubstitutionMap {
	m := NewSubstitutionMap()
	if sig == nil {
		return m
	}

	for _, p := range sig.Params {
		m.Set(p, p)
	}

	return m
}
