package fulfillment

import "github.com/orizon-lang/witgen/internal/sema"

// SignatureKeys treats the type parameters of a generic signature as
// interesting and records only the conformances the signature requires.
type SignatureKeys struct {
	Generics *sema.GenericSignature
}

func (k SignatureKeys) IsInterestingType(t *sema.Type) bool {
	return t.IsTypeParameter()
}

func (k SignatureKeys) HasInterestingType(t *sema.Type) bool {
	if t.IsTypeParameter() {
		return k.Generics.IsRelevant(t)
	}

	return t.HasTypeParameter()
}

func (k SignatureKeys) HasLimitedInterestingConformances(t *sema.Type) bool {
	return true
}

func (k SignatureKeys) InterestingConformances(t *sema.Type) []*sema.ProtocolDecl {
	return k.Generics.RequiredProtocols(t)
}

func (k SignatureKeys) SuperclassBound(t *sema.Type) *sema.Type {
	return k.Generics.SuperclassBound(t)
}

// ConformanceKeys is used inside witness table accessors, where every type
// parameter and every conformance of one may be reachable from the
// conforming type's metadata or table.
type ConformanceKeys struct {
	Generics *sema.GenericSignature
}

func (k ConformanceKeys) IsInterestingType(t *sema.Type) bool {
	return t.IsTypeParameter()
}

func (k ConformanceKeys) HasInterestingType(t *sema.Type) bool {
	return t.HasTypeParameter()
}

func (k ConformanceKeys) HasLimitedInterestingConformances(t *sema.Type) bool {
	return false
}

func (k ConformanceKeys) InterestingConformances(t *sema.Type) []*sema.ProtocolDecl {
	return nil
}

func (k ConformanceKeys) SuperclassBound(t *sema.Type) *sema.Type {
	if k.Generics == nil {
		return nil
	}

	return k.Generics.SuperclassBound(t)
}
