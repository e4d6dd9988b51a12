// Package generics enumerates the runtime requirements of a generic
// signature: type metadata for each parameter and witness tables for each
// conformance that has a runtime representation.
package generics

import "github.com/orizon-lang/witgen/internal/sema"

// Requirement asks for the type metadata of TypeParameter when Protocol is
// nil, or for the witness table proving TypeParameter : Protocol.
type Requirement struct {
	TypeParameter *sema.Type
	Protocol      *sema.ProtocolDecl
}

// Metadata returns a metadata requirement.
func Metadata(t *sema.Type) Requirement { return Requirement{TypeParameter: t} }

// WitnessTable returns a witness table requirement.
func WitnessTable(t *sema.Type, p *sema.ProtocolDecl) Requirement {
	return Requirement{TypeParameter: t, Protocol: p}
}

// IsMetadata reports whether r asks for type metadata.
func (r Requirement) IsMetadata() bool { return r.Protocol == nil }

// Key is the structural identity of r.
func (r Requirement) Key() string {
	if r.Protocol == nil {
		return r.TypeParameter.Key()
	}

	return r.TypeParameter.Key() + ": " + r.Protocol.Name
}

// Equal reports structural equality.
func (r Requirement) Equal(o Requirement) bool {
	return r.Protocol == o.Protocol && r.TypeParameter.Equal(o.TypeParameter)
}

func (r Requirement) String() string {
	if r.Protocol == nil {
		return "metadata " + r.TypeParameter.Key()
	}

	return "witness_table " + r.Key()
}

// Enumerate calls fn for every requirement of sig: first the metadata of
// each generic parameter in order, then each conformance requirement whose
// protocol needs a witness table. Other requirement kinds add nothing.
func Enumerate(sig *sema.GenericSignature, fn func(Requirement)) {
	if sig.IsEmpty() {
		return
	}

	for _, p := range sig.Params {
		fn(Metadata(p))
	}

	for _, r := range sig.Requirements {
		if r.Kind != sema.ReqConformance || !r.Protocol.RequiresWitnessTable() {
			continue
		}

		fn(WitnessTable(r.Subject, r.Protocol))
	}
}

// Requirements returns the enumeration of sig as a slice.
func Requirements(sig *sema.GenericSignature) []Requirement {
	var out []Requirement
	Enumerate(sig, func(r Requirement) { out = append(out, r) })

	return out
}

// NominalArgument is a requirement of a nominal type's generic signature
// instantiated with concrete arguments; Index is its position in the
// nominal's generic argument vector.
type NominalArgument struct {
	Index       int
	Requirement Requirement
	Type        *sema.Type
}

// NominalArguments instantiates the requirements of t's declaration with
// t's arguments. The order matches the generic argument vector of the
// nominal's metadata.
func NominalArguments(t *sema.Type, lookup sema.ConformanceLookup) []NominalArgument {
	if t.Kind != sema.KindNominal || !t.Decl.IsGeneric() {
		return nil
	}

	subs := sema.NewSubstitutionMap()
	for i, p := range t.Decl.Generics.Params {
		if i < len(t.Args) {
			subs.Set(p, t.Args[i])
		}
	}

	reqs := Requirements(t.Decl.Generics)
	out := make([]NominalArgument, len(reqs))

	for i, r := range reqs {
		out[i] = NominalArgument{
			Index:       i,
			Requirement: r,
			Type:        sema.Subst(r.TypeParameter, subs, lookup),
		}
	}

	return out
}
