// Package sema models the resolved semantic records handed to the witness
// generator by the type checker: types, nominal and protocol declarations,
// generic signatures and protocol conformances.
package sema

import (
	"fmt"
	"strings"
)

// TypeKind identifies the shape of a Type.
type TypeKind int

const (
	KindGenericParam TypeKind = iota
	KindDependentMember
	KindNominal
	KindMetatype
	KindExistential
	KindBuiltin
)

func (k TypeKind) String() string {
	switch k {
	case KindGenericParam:
		return "generic_param"
	case KindDependentMember:
		return "dependent_member"
	case KindNominal:
		return "nominal"
	case KindMetatype:
		return "metatype"
	case KindExistential:
		return "existential"
	case KindBuiltin:
		return "builtin"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Type is an immutable canonical type. Types are compared structurally
// through Key, never by pointer.
type Type struct {
	Kind TypeKind

	// Name is the generic parameter name or the builtin name.
	Name  string
	Depth int
	Index int

	// Base is the base of a dependent member or the instance of a metatype.
	Base  *Type
	Assoc *AssociatedTypeDecl

	Decl *NominalDecl
	Args []*Type

	// Thick marks a metatype that carries its metadata at runtime.
	Thick bool

	Protocols []*ProtocolDecl

	key string
}

// GenericParam returns the generic parameter type at (depth, index).
func GenericParam(depth, index int, name string) *Type {
	if name == "" {
		name = fmt.Sprintf("τ_%d_%d", depth, index)
	}

	return finish(&Type{Kind: KindGenericParam, Name: name, Depth: depth, Index: index})
}

// Member returns the dependent member type base.assoc.
func Member(base *Type, assoc *AssociatedTypeDecl) *Type {
	return finish(&Type{Kind: KindDependentMember, Base: base, Assoc: assoc})
}

// Nominal returns decl applied to args.
func Nominal(decl *NominalDecl, args ...*Type) *Type {
	return finish(&Type{Kind: KindNominal, Decl: decl, Args: args})
}

// Metatype returns the metatype of instance.
func Metatype(instance *Type, thick bool) *Type {
	return finish(&Type{Kind: KindMetatype, Base: instance, Thick: thick})
}

// Existential returns the protocol composition type of protos.
func Existential(protos ...*ProtocolDecl) *Type {
	return finish(&Type{Kind: KindExistential, Protocols: protos})
}

// Builtin returns a builtin scalar type.
func Builtin(name string) *Type {
	return finish(&Type{Kind: KindBuiltin, Name: name})
}

func finish(t *Type) *Type {
	t.key = t.render()
	return t
}

// Key returns the canonical spelling used for structural equality and as
// a map key.
func (t *Type) Key() string {
	if t == nil {
		return ""
	}

	return t.key
}

func (t *Type) String() string { return t.Key() }

func (t *Type) render() string {
	switch t.Kind {
	case KindGenericParam:
		return t.Name
	case KindDependentMember:
		return t.Base.Key() + "." + t.Assoc.Name
	case KindNominal:
		if len(t.Args) == 0 {
			return t.Decl.Name
		}

		parts := make([]string, len(t.Args))
		for i, a := range t.Args {
			parts[i] = a.Key()
		}

		return t.Decl.Name + "<" + strings.Join(parts, ", ") + ">"
	case KindMetatype:
		if t.Thick {
			return t.Base.Key() + ".Type"
		}

		return "@thin " + t.Base.Key() + ".Type"
	case KindExistential:
		if len(t.Protocols) == 0 {
			return "Any"
		}

		names := make([]string, len(t.Protocols))
		for i, p := range t.Protocols {
			names[i] = p.Name
		}

		return "any " + strings.Join(names, " & ")
	case KindBuiltin:
		return "Builtin." + t.Name
	default:
		return "<invalid>"
	}
}

// Equal reports structural equality.
func (t *Type) Equal(o *Type) bool {
	if t == nil || o == nil {
		return t == o
	}

	return t.key == o.key
}

// IsTypeParameter reports whether t is a generic parameter or a dependent
// member rooted in one.
func (t *Type) IsTypeParameter() bool {
	switch t.Kind {
	case KindGenericParam:
		return true
	case KindDependentMember:
		return t.Base.IsTypeParameter()
	default:
		return false
	}
}

// HasTypeParameter reports whether any type parameter occurs inside t.
func (t *Type) HasTypeParameter() bool {
	switch t.Kind {
	case KindGenericParam, KindDependentMember:
		return true
	case KindNominal:
		for _, a := range t.Args {
			if a.HasTypeParameter() {
				return true
			}
		}

		return false
	case KindMetatype:
		return t.Base.HasTypeParameter()
	default:
		return false
	}
}

// IsClass reports whether t is an instance of a class declaration.
func (t *Type) IsClass() bool {
	return t.Kind == KindNominal && t.Decl.Kind == NominalClass
}

// IsThickMetatype reports whether t is a metatype passed with its metadata.
func (t *Type) IsThickMetatype() bool {
	return t.Kind == KindMetatype && t.Thick
}

// Root returns the generic parameter a type parameter is rooted in.
func (t *Type) Root() *Type {
	for t.Kind == KindDependentMember {
		t = t.Base
	}

	return t
}

// MemberDepth returns the number of associated type projections in t.
func (t *Type) MemberDepth() int {
	n := 0
	for t.Kind == KindDependentMember {
		n++
		t = t.Base
	}

	return n
}

// HasPrefix reports whether prefix is t itself or one of the bases t
// projects from.
func (t *Type) HasPrefix(prefix *Type) bool {
	for cur := t; cur != nil; cur = cur.Base {
		if cur.Equal(prefix) {
			return true
		}

		if cur.Kind != KindDependentMember {
			return false
		}
	}

	return false
}
