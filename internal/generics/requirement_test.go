package generics

import (
	"testing"

	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/sema/sematest"
)

func TestEnumerate(t *testing.T) {
	w := sematest.NewWorld()
	tp, up := sema.GenericParam(0, 0, "T"), sema.GenericParam(0, 1, "U")
	sig := &sema.GenericSignature{
		Params: []*sema.Type{tp, up},
		Requirements: []sema.Requirement{
			sema.Conforms(tp, w.Collection),
			sema.Conforms(tp, w.Sendable),
			{Kind: sema.ReqSuperclass, Subject: up, Type: sema.Nominal(w.Base)},
			sema.Conforms(sema.Member(tp, w.Element), w.Eq),
		},
	}

	got := Requirements(sig)
	expected := []string{
		"metadata T",
		"metadata U",
		"witness_table T: Collection",
		"witness_table T.Element: Eq",
	}

	if len(got) != len(expected) {
		t.Fatalf("Expected %d requirements, got %d: %v", len(expected), len(got), got)
	}

	for i, r := range got {
		if r.String() != expected[i] {
			t.Errorf("Requirement %d: expected %q, got %q", i, expected[i], r.String())
		}
	}
}

func TestEnumerateEmpty(t *testing.T) {
	if got := Requirements(nil); len(got) != 0 {
		t.Errorf("Expected no requirements, got %v", got)
	}
}

func TestRequirementEquality(t *testing.T) {
	w := sematest.NewWorld()
	a := WitnessTable(sema.GenericParam(0, 0, "T"), w.Eq)
	b := WitnessTable(sema.GenericParam(0, 0, "T"), w.Eq)

	if !a.Equal(b) || a.Key() != b.Key() {
		t.Error("Expected structurally equal requirements")
	}

	if a.Equal(Metadata(a.TypeParameter)) {
		t.Error("Expected metadata and witness table requirements to differ")
	}
}

func TestNominalArguments(t *testing.T) {
	w := sematest.NewWorld()
	tp := sema.GenericParam(0, 0, "T")
	dict := sema.Nominal(w.Dictionary, tp, w.IntType())

	args := NominalArguments(dict, w.Module)
	if len(args) != 3 {
		t.Fatalf("Expected 3 generic arguments, got %d", len(args))
	}

	if !args[0].Type.Equal(tp) || !args[0].Requirement.IsMetadata() {
		t.Errorf("Expected argument 0 to be metadata for T, got %v", args[0])
	}

	if !args[2].Type.Equal(tp) || args[2].Requirement.Protocol != w.Hashable {
		t.Errorf("Expected argument 2 to be T: Hashable, got %v", args[2])
	}
}
