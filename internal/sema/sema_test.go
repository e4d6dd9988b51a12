package sema_test

import (
	"testing"

	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/sema/sematest"
)

func TestTypeKeys(t *testing.T) {
	w := sematest.NewWorld()
	tp := sema.GenericParam(0, 0, "T")

	tests := []struct {
		name     string
		typ      *sema.Type
		expected string
	}{
		{"param", tp, "T"},
		{"member", sema.Member(tp, w.Element), "T.Element"},
		{"nominal", w.ArrayOf(w.IntType()), "Array<Int>"},
		{"thick_metatype", sema.Metatype(tp, true), "T.Type"},
		{"thin_metatype", sema.Metatype(tp, false), "@thin T.Type"},
		{"existential", sema.Existential(w.Eq, w.Collection), "any Eq & Collection"},
		{"builtin", sema.Builtin("Int64"), "Builtin.Int64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.typ.Key(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestTypeParameterPredicates(t *testing.T) {
	w := sematest.NewWorld()
	tp := sema.GenericParam(0, 0, "T")
	member := sema.Member(sema.Member(tp, w.Index), w.Element)

	if !member.IsTypeParameter() {
		t.Errorf("Expected %s to be a type parameter", member)
	}

	if member.MemberDepth() != 2 {
		t.Errorf("Expected depth 2, got %d", member.MemberDepth())
	}

	if !member.Root().Equal(tp) {
		t.Errorf("Expected root T, got %s", member.Root())
	}

	if !member.HasPrefix(sema.Member(tp, w.Index)) {
		t.Error("Expected T.Index to be a prefix")
	}

	if w.ArrayOf(w.IntType()).HasTypeParameter() {
		t.Error("Expected Array<Int> to be concrete")
	}

	if !w.ArrayOf(tp).HasTypeParameter() {
		t.Error("Expected Array<T> to contain a type parameter")
	}
}

func TestSubstResolvesDependentMembers(t *testing.T) {
	w := sematest.NewWorld()
	tp := sema.GenericParam(0, 0, "T")
	subs := sema.NewSubstitutionMap()
	subs.Set(tp, w.ArrayOf(w.IntType()))

	got := sema.Subst(sema.Member(tp, w.Element), subs, w.Module)
	if !got.Equal(w.IntType()) {
		t.Errorf("Expected Int, got %s", got)
	}

	dict := sema.Nominal(w.Dictionary, w.IntType(), sema.Nominal(w.String))
	subs.Set(tp, dict)

	got = sema.Subst(sema.Member(tp, w.Element), subs, w.Module)
	if got.Key() != "Pair<Int, String>" {
		t.Errorf("Expected Pair<Int, String>, got %s", got)
	}
}

func TestLookupConformance(t *testing.T) {
	w := sematest.NewWorld()

	ref, ok := w.Module.LookupConformance(w.ArrayOf(w.IntType()), w.Eq)
	if !ok {
		t.Fatal("Expected Array<Int>: Eq")
	}

	if ref.Concrete != w.ArrayEq {
		t.Errorf("Expected the Array: Eq conformance, got %v", ref.Concrete)
	}

	conds := ref.ConditionalRequirements(w.Module)
	if len(conds) != 1 || !conds[0].Subject.Equal(w.IntType()) {
		t.Errorf("Expected conditional requirement Int: Eq, got %v", conds)
	}

	if _, ok := w.Module.LookupConformance(sema.Nominal(w.String), w.Hashable); ok {
		t.Error("Expected String: Hashable to be missing")
	}

	tp := sema.GenericParam(0, 0, "T")
	if ref, ok := w.Module.LookupConformance(tp, w.Eq); !ok || !ref.IsAbstract() {
		t.Error("Expected an abstract conformance for a type parameter")
	}
}

func TestAssociatedConformance(t *testing.T) {
	w := sematest.NewWorld()
	ref, _ := w.Module.LookupConformance(w.ArrayOf(w.IntType()), w.Collection)

	idx := sema.Member(w.Collection.SelfType(), w.Index)

	assoc, ok := ref.AssociatedConformance(idx, w.Eq, w.Module)
	if !ok {
		t.Fatal("Expected Array<Int>.Index: Eq")
	}

	if assoc.Concrete != w.IntEq {
		t.Errorf("Expected Int: Eq, got %v", assoc)
	}
}

func TestProtocolMembersInDeclarationOrder(t *testing.T) {
	p := &sema.ProtocolDecl{Name: "Container", Module: "Swift"}
	item := p.AddAssociatedType("Item")
	get := p.AddMethod("get")
	gap := p.AddPlaceholder("reserved", 2)

	expected := []sema.ProtocolMember{
		{Kind: sema.MemberAssociatedType, AssociatedType: item},
		{Kind: sema.MemberMethod, Method: get},
		{Kind: sema.MemberPlaceholder, Placeholder: gap},
	}

	if len(p.Members) != len(expected) {
		t.Fatalf("Expected %d members, got %d", len(expected), len(p.Members))
	}

	for i, m := range p.Members {
		if m != expected[i] {
			t.Errorf("Expected member %d to be %+v, got %+v", i, expected[i], m)
		}
	}

	dep := sema.Member(p.SelfType(), item)
	if dep.Kind != sema.KindDependentMember || dep.Assoc != item || !dep.Base.Equal(p.SelfType()) {
		t.Errorf("Expected Self.Item, got %s", dep)
	}
}

func TestMatch(t *testing.T) {
	w := sematest.NewWorld()
	a, b := sema.GenericParam(0, 0, "A"), sema.GenericParam(0, 1, "B")

	tests := []struct {
		name     string
		pattern  *sema.Type
		concrete *sema.Type
		ok       bool
	}{
		{"bind", w.ArrayOf(a), w.ArrayOf(w.IntType()), true},
		{"consistent", sema.Nominal(w.Pair, a, a), sema.Nominal(w.Pair, w.IntType(), w.IntType()), true},
		{"inconsistent", sema.Nominal(w.Pair, a, a), sema.Nominal(w.Pair, w.IntType(), sema.Nominal(w.String)), false},
		{"different_decl", w.ArrayOf(a), sema.Nominal(w.Pair, a, b), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sema.Match(tt.pattern, tt.concrete, sema.NewSubstitutionMap()); got != tt.ok {
				t.Errorf("Expected %v, got %v", tt.ok, got)
			}
		})
	}
}
