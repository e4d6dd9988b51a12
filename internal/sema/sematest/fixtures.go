// Package sematest builds small semantic worlds shared by tests.
package sematest

import "github.com/orizon-lang/witgen/internal/sema"

// World is a standard-library-like module used across tests.
type World struct {
	Module *sema.Module

	Eq, Hashable, Collection, Bidirectional, Sendable *sema.ProtocolDecl
	A, B, C, D                                        *sema.ProtocolDecl

	Element, Index *sema.AssociatedTypeDecl

	Int, String, Array, Dictionary, Pair, Base, Derived *sema.NominalDecl

	IntEq, IntHashable, StringEq        *sema.Conformance
	ArrayEq, ArrayCollection            *sema.Conformance
	DictionaryCollection, ArrayBidirect *sema.Conformance
}

// NewWorld returns a freshly built world. Each call returns independent
// declarations so tests can mutate them.
func NewWorld() *World {
	w := &World{}
	const mod = "Swift"

	w.Eq = &sema.ProtocolDecl{Name: "Eq", Module: mod}
	w.Eq.AddMethod("equals")

	w.Hashable = &sema.ProtocolDecl{Name: "Hashable", Module: mod, Inherited: []*sema.ProtocolDecl{w.Eq}}
	w.Hashable.AddMethod("hash")

	w.Sendable = &sema.ProtocolDecl{Name: "Sendable", Module: mod, Kind: sema.ProtocolMarker}

	w.Collection = &sema.ProtocolDecl{Name: "Collection", Module: mod}
	w.Element = w.Collection.AddAssociatedType("Element")
	w.Index = w.Collection.AddAssociatedType("Index")
	w.Collection.AddMethod("count")
	w.Collection.AddMethod("subscript").Kind = sema.MethodGetter
	w.Collection.AddAssociatedConformance(sema.Member(w.Collection.SelfType(), w.Index), w.Eq)
	w.Collection.AddAssociatedConformance(sema.Member(w.Collection.SelfType(), w.Index), w.Sendable)

	w.Bidirectional = &sema.ProtocolDecl{Name: "BidirectionalCollection", Module: mod, Inherited: []*sema.ProtocolDecl{w.Collection}}
	w.Bidirectional.AddMethod("index_before")

	// C inherits B and B inherits A. D inherits C, the marker Sendable and
	// B directly, so path tests see two routes from D to A.
	w.A = &sema.ProtocolDecl{Name: "A", Module: mod}
	w.A.AddMethod("a")
	w.B = &sema.ProtocolDecl{Name: "B", Module: mod, Inherited: []*sema.ProtocolDecl{w.A}}
	w.B.AddMethod("b")
	w.C = &sema.ProtocolDecl{Name: "C", Module: mod, Inherited: []*sema.ProtocolDecl{w.B}}
	w.C.AddMethod("c")
	w.D = &sema.ProtocolDecl{Name: "D", Module: mod, Inherited: []*sema.ProtocolDecl{w.C, w.Sendable, w.B}}
	w.D.AddMethod("d")

	w.Int = &sema.NominalDecl{Name: "Int", Module: mod}
	w.String = &sema.NominalDecl{Name: "String", Module: mod}

	arrayElement := sema.GenericParam(0, 0, "Element")
	w.Array = &sema.NominalDecl{Name: "Array", Module: mod, Generics: &sema.GenericSignature{Params: []*sema.Type{arrayElement}}}

	pa, pb := sema.GenericParam(0, 0, "First"), sema.GenericParam(0, 1, "Second")
	w.Pair = &sema.NominalDecl{Name: "Pair", Module: mod, Generics: &sema.GenericSignature{Params: []*sema.Type{pa, pb}}}

	key, value := sema.GenericParam(0, 0, "Key"), sema.GenericParam(0, 1, "Value")
	w.Dictionary = &sema.NominalDecl{Name: "Dictionary", Module: mod, Generics: &sema.GenericSignature{
		Params:       []*sema.Type{key, value},
		Requirements: []sema.Requirement{sema.Conforms(key, w.Hashable)},
	}}

	w.Base = &sema.NominalDecl{Name: "Base", Module: mod, Kind: sema.NominalClass}

	dt := sema.GenericParam(0, 0, "Payload")
	w.Derived = &sema.NominalDecl{
		Name: "Derived", Module: mod, Kind: sema.NominalClass,
		Generics:   &sema.GenericSignature{Params: []*sema.Type{dt}},
		Superclass: sema.Nominal(w.Base),
	}

	intType := sema.Nominal(w.Int)

	w.IntEq = &sema.Conformance{Protocol: w.Eq, Type: intType, Module: mod, Methods: map[string]string{"equals": "Int.equals"}}
	w.IntHashable = &sema.Conformance{Protocol: w.Hashable, Type: intType, Module: mod, Methods: map[string]string{"hash": "Int.hash"}}
	w.StringEq = &sema.Conformance{Protocol: w.Eq, Type: sema.Nominal(w.String), Module: mod, Methods: map[string]string{"equals": "String.equals"}}

	arraySig := &sema.GenericSignature{Params: []*sema.Type{arrayElement}}
	w.ArrayCollection = &sema.Conformance{
		Protocol: w.Collection, Type: w.Array.DeclaredType(), Generics: arraySig, Module: mod,
		Methods:       map[string]string{"count": "Array.count", "subscript": "Array.subscript"},
		TypeWitnesses: map[string]*sema.Type{"Element": arrayElement, "Index": intType},
	}

	w.ArrayBidirect = &sema.Conformance{
		Protocol: w.Bidirectional, Type: w.Array.DeclaredType(), Generics: arraySig, Module: mod,
		Methods: map[string]string{"index_before": "Array.index_before"},
	}

	eqElement := sema.Conforms(arrayElement, w.Eq)
	w.ArrayEq = &sema.Conformance{
		Protocol: w.Eq, Type: w.Array.DeclaredType(), Module: mod,
		Generics:    &sema.GenericSignature{Params: []*sema.Type{arrayElement}, Requirements: []sema.Requirement{eqElement}},
		Methods:     map[string]string{"equals": "Array.equals"},
		Conditional: []sema.Requirement{eqElement},
	}

	w.DictionaryCollection = &sema.Conformance{
		Protocol: w.Collection, Type: w.Dictionary.DeclaredType(), Generics: w.Dictionary.Generics, Module: mod,
		Methods:       map[string]string{"count": "Dictionary.count", "subscript": "Dictionary.subscript"},
		TypeWitnesses: map[string]*sema.Type{"Element": sema.Nominal(w.Pair, key, value), "Index": intType},
	}

	w.Module = &sema.Module{
		Name:      mod,
		Protocols: []*sema.ProtocolDecl{w.Eq, w.Hashable, w.Sendable, w.Collection, w.Bidirectional, w.A, w.B, w.C, w.D},
		Nominals:  []*sema.NominalDecl{w.Int, w.String, w.Array, w.Pair, w.Dictionary, w.Base, w.Derived},
		Conformances: []*sema.Conformance{
			w.IntEq, w.IntHashable, w.StringEq, w.ArrayCollection, w.ArrayBidirect, w.ArrayEq, w.DictionaryCollection,
		},
	}

	return w
}

// IntType returns the Int type.
func (w *World) IntType() *sema.Type { return sema.Nominal(w.Int) }

// ArrayOf returns Array<elem>.
func (w *World) ArrayOf(elem *sema.Type) *sema.Type { return sema.Nominal(w.Array, elem) }
