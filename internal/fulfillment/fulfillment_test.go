package fulfillment

import (
	"math"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/sema/sematest"
)

func TestPathString(t *testing.T) {
	tests := []struct {
		name     string
		path     MetadataPath
		expected string
	}{
		{"empty", NewPath(), "<source>"},
		{"single", NewPath(Component{Kind: NominalTypeArgument, Index: 1}), "nominal_type_argument[1]"},
		{"chain", NewPath(
			Component{Kind: NominalTypeArgumentConformance, Index: 2},
			Component{Kind: OutOfLineBaseProtocol, Index: 0},
		), "nominal_type_argument_conformance[2].out_of_line_base_protocol[0]"},
		{"impossible", ImpossiblePath(), "impossible"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.path.String(); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestPathAppendDoesNotAlias(t *testing.T) {
	base := NewPath(Component{Kind: NominalTypeArgument, Index: 0})
	left := base.Append(Component{Kind: AssociatedType, Index: 1})
	right := base.Append(Component{Kind: AssociatedType, Index: 2})

	if base.Len() != 1 {
		t.Errorf("Expected base to keep 1 component, got %d", base.Len())
	}

	if left.Components()[1].Index != 1 || right.Components()[1].Index != 2 {
		t.Errorf("Expected independent extensions, got %s and %s", left, right)
	}
}

func TestPathCost(t *testing.T) {
	p := NewPath(Component{Kind: NominalTypeArgument}, Component{Kind: OutOfLineBaseProtocol})
	if p.Cost() != 2 {
		t.Errorf("Expected cost 2, got %d", p.Cost())
	}

	if ImpossiblePath().Cost() != math.MaxInt {
		t.Errorf("Expected impossible path to cost MaxInt, got %d", ImpossiblePath().Cost())
	}

	if !p.Prefix(1).Equal(NewPath(Component{Kind: NominalTypeArgument})) {
		t.Errorf("Expected prefix of length 1, got %s", p.Prefix(1))
	}
}

func TestPathBinaryEncoding(t *testing.T) {
	p := NewPath(
		Component{Kind: NominalTypeArgumentConformance, Index: 300},
		Component{Kind: ConditionalConformance, Index: 1},
		Component{Kind: AssociatedConformance, Index: 0},
	)

	data, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	var decoded MetadataPath
	if err := decoded.UnmarshalBinary(data); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if !decoded.Equal(p) {
		t.Errorf("Expected %s, got %s", p, decoded)
	}

	if err := decoded.UnmarshalBinary(data[:len(data)-1]); err == nil {
		t.Error("Expected an error for truncated input")
	}

	if err := decoded.UnmarshalBinary(append(data, 0)); err == nil {
		t.Error("Expected an error for trailing bytes")
	}
}

func TestPathBinaryRejectsCorruptInput(t *testing.T) {
	huge := protowire.AppendVarint(nil, 1<<62)
	huge = protowire.AppendVarint(huge, uint64(NominalTypeArgument))
	huge = protowire.AppendVarint(huge, 0)

	wide := protowire.AppendVarint(nil, 1)
	wide = protowire.AppendVarint(wide, uint64(NominalTypeArgument))
	wide = protowire.AppendVarint(wide, 1<<63)

	badKind := protowire.AppendVarint(nil, 1)
	badKind = protowire.AppendVarint(badKind, uint64(Impossible)+1)
	badKind = protowire.AppendVarint(badKind, 0)

	tests := []struct {
		name string
		data []byte
	}{
		{"count beyond input", huge},
		{"index beyond int32", wide},
		{"unknown kind", badKind},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p MetadataPath

			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Expected an error, got panic %v", r)
				}
			}()

			if err := p.UnmarshalBinary(tt.data); err == nil {
				t.Errorf("Expected an error, got path %s", p)
			}
		})
	}
}

func TestMapKeepsCheapest(t *testing.T) {
	w := sematest.NewWorld()
	T := sema.GenericParam(0, 0, "T")
	m := NewMap()

	long := Fulfillment{SourceIndex: 0, Path: NewPath(Component{Kind: NominalTypeArgument}, Component{Kind: NominalTypeArgument})}
	short := Fulfillment{SourceIndex: 1, Path: NewPath(Component{Kind: NominalTypeArgument})}

	if !m.Add(T, nil, long) {
		t.Fatal("Expected first add to change the map")
	}

	if !m.Add(T, nil, short) {
		t.Error("Expected a cheaper fulfillment to replace the entry")
	}

	if m.Add(T, nil, long) {
		t.Error("Expected a costlier fulfillment to be rejected")
	}

	if m.Add(T, nil, short) {
		t.Error("Expected an equal fulfillment to leave the map unchanged")
	}

	f, ok := m.TypeMetadata(T)
	if !ok || f.SourceIndex != 1 {
		t.Errorf("Expected source 1, got %+v", f)
	}

	if _, ok := m.WitnessTable(T, w.Eq); ok {
		t.Error("Expected no witness table entry")
	}
}

func TestMapTiePrefersExact(t *testing.T) {
	T := sema.GenericParam(0, 0, "T")
	m := NewMap()
	path := NewPath(Component{Kind: NominalTypeArgument})

	m.Add(T, nil, Fulfillment{SourceIndex: 0, Path: path})

	if !m.Add(T, nil, Fulfillment{SourceIndex: 1, Path: path, Exact: true}) {
		t.Fatal("Expected exact provenance to win a tie")
	}

	if m.Add(T, nil, Fulfillment{SourceIndex: 2, Path: path}) {
		t.Error("Expected inexact provenance to lose a tie")
	}

	f, _ := m.TypeMetadata(T)
	if f.SourceIndex != 1 || !f.Exact {
		t.Errorf("Expected exact source 1, got %+v", f)
	}
}

func TestMapEntriesOrder(t *testing.T) {
	w := sematest.NewWorld()
	T, U := sema.GenericParam(0, 0, "T"), sema.GenericParam(0, 1, "U")
	m := NewMap()

	m.Add(U, nil, Fulfillment{SourceIndex: 1})
	m.Add(T, w.Eq, Fulfillment{SourceIndex: 0})
	m.Add(T, nil, Fulfillment{SourceIndex: 0})

	entries := m.Entries()
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}

	if entries[0].Type.Key() != "U" || entries[1].Protocol != w.Eq || !entries[2].IsMetadata() {
		t.Errorf("Expected insertion order, got %v", entries)
	}

	if got := len(m.FromSource(0)); got != 2 {
		t.Errorf("Expected 2 entries from source 0, got %d", got)
	}
}

func newSearcher(w *sematest.World, sig *sema.GenericSignature) *Searcher {
	return &Searcher{
		Map:       NewMap(),
		Protocols: protoinfo.NewCache(),
		Lookup:    w.Module,
		Keys:      SignatureKeys{Generics: sig},
	}
}

func TestSearchNominalMetadata(t *testing.T) {
	w := sematest.NewWorld()
	K, V := sema.GenericParam(0, 0, "K"), sema.GenericParam(0, 1, "V")
	sig := &sema.GenericSignature{
		Params:       []*sema.Type{K, V},
		Requirements: []sema.Requirement{sema.Conforms(K, w.Hashable)},
	}

	s := newSearcher(w, sig)
	if !s.SearchTypeMetadata(sema.Nominal(w.Dictionary, K, V), true, StateComplete, 0, NewPath()) {
		t.Fatal("Expected the search to find something")
	}

	tests := []struct {
		name     string
		t        *sema.Type
		proto    *sema.ProtocolDecl
		expected string
	}{
		{"key", K, nil, "nominal_type_argument[0]"},
		{"value", V, nil, "nominal_type_argument[1]"},
		{"key_hashable", K, w.Hashable, "nominal_type_argument_conformance[2]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := s.Map.Lookup(tt.t, tt.proto)
			if !ok {
				t.Fatalf("Expected %s to be fulfilled", tt.t)
			}

			if f.Path.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, f.Path)
			}

			if !f.Exact {
				t.Error("Expected generic arguments to be exact")
			}
		})
	}

	// Eq is reachable through Hashable but the signature does not require it.
	if _, ok := s.Map.WitnessTable(K, w.Eq); ok {
		t.Error("Expected K: Eq not to be recorded")
	}
}

func TestSearchPrunesRepeatedSource(t *testing.T) {
	w := sematest.NewWorld()
	T := sema.GenericParam(0, 0, "T")
	sig := &sema.GenericSignature{Params: []*sema.Type{T}}
	s := newSearcher(w, sig)

	if !s.SearchTypeMetadata(w.ArrayOf(T), true, StateComplete, 0, NewPath()) {
		t.Fatal("Expected the first search to change the map")
	}

	if s.SearchTypeMetadata(w.ArrayOf(T), true, StateComplete, 1, NewPath()) {
		t.Error("Expected a second source of equal cost to change nothing")
	}

	f, _ := s.Map.TypeMetadata(T)
	if f.SourceIndex != 0 {
		t.Errorf("Expected source 0 to keep T, got %d", f.SourceIndex)
	}
}

func TestSearchWitnessTableAssociatedTypes(t *testing.T) {
	w := sematest.NewWorld()
	T := sema.GenericParam(0, 0, "T")
	index := sema.Member(T, w.Index)
	sig := &sema.GenericSignature{
		Params: []*sema.Type{T},
		Requirements: []sema.Requirement{
			sema.Conforms(T, w.Collection),
			sema.Conforms(index, w.Eq),
		},
	}

	s := newSearcher(w, sig)
	s.SearchWitnessTable(T, w.Collection, 1, NewPath())

	tests := []struct {
		name     string
		t        *sema.Type
		proto    *sema.ProtocolDecl
		expected string
	}{
		{"self", T, w.Collection, "<source>"},
		{"element", sema.Member(T, w.Element), nil, "associated_type[1]"},
		{"index", index, nil, "associated_type[2]"},
		{"index_eq", index, w.Eq, "associated_conformance[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := s.Map.Lookup(tt.t, tt.proto)
			if !ok {
				t.Fatalf("Expected %s to be fulfilled", tt.t)
			}

			if f.Path.String() != tt.expected || f.SourceIndex != 1 {
				t.Errorf("Expected %s from source 1, got %s from %d", tt.expected, f.Path, f.SourceIndex)
			}
		})
	}

	f, _ := s.Map.TypeMetadata(sema.Member(T, w.Element))
	if f.State != StateAbstract {
		t.Errorf("Expected associated type metadata to be abstract, got %s", f.State)
	}
}

func TestSearchOutOfLineBase(t *testing.T) {
	w := sematest.NewWorld()
	T := sema.GenericParam(0, 0, "T")
	sig := &sema.GenericSignature{
		Params:       []*sema.Type{T},
		Requirements: []sema.Requirement{sema.Conforms(T, w.D), sema.Conforms(T, w.A)},
	}

	s := newSearcher(w, sig)
	s.SearchWitnessTable(T, w.D, 0, NewPath())

	f, ok := s.Map.WitnessTable(T, w.A)
	if !ok {
		t.Fatal("Expected T: A to be fulfilled")
	}

	if f.Path.Len() != 2 {
		t.Errorf("Expected a two step path, got %s", f.Path)
	}
}

func TestSearchConditionalConformance(t *testing.T) {
	w := sematest.NewWorld()
	T := sema.GenericParam(0, 0, "T")
	sig := &sema.GenericSignature{
		Params:       []*sema.Type{T},
		Requirements: []sema.Requirement{sema.Conforms(T, w.Eq)},
	}

	s := newSearcher(w, sig)
	s.SearchWitnessTable(w.ArrayOf(T), w.Eq, 0, NewPath())

	f, ok := s.Map.WitnessTable(T, w.Eq)
	if !ok {
		t.Fatal("Expected T: Eq to be fulfilled")
	}

	if f.Path.String() != "conditional_conformance[0]" {
		t.Errorf("Expected conditional_conformance[0], got %s", f.Path)
	}

	if s.Map.Len() != 1 {
		t.Errorf("Expected only T: Eq, got %d entries", s.Map.Len())
	}
}

func TestSearchSuperclassBound(t *testing.T) {
	w := sematest.NewWorld()
	T, U := sema.GenericParam(0, 0, "T"), sema.GenericParam(0, 1, "U")
	sig := &sema.GenericSignature{
		Params: []*sema.Type{T, U},
		Requirements: []sema.Requirement{
			{Kind: sema.ReqSuperclass, Subject: T, Type: sema.Nominal(w.Derived, U)},
		},
	}

	s := newSearcher(w, sig)
	s.SearchTypeMetadata(T, false, StateComplete, 0, NewPath())

	f, ok := s.Map.TypeMetadata(U)
	if !ok {
		t.Fatal("Expected U to be fulfilled through the superclass bound")
	}

	if f.Path.String() != "nominal_type_argument[0]" {
		t.Errorf("Expected nominal_type_argument[0], got %s", f.Path)
	}
}

func TestSearchDeterministic(t *testing.T) {
	render := func() []string {
		w := sematest.NewWorld()
		K, V := sema.GenericParam(0, 0, "K"), sema.GenericParam(0, 1, "V")
		sig := &sema.GenericSignature{
			Params:       []*sema.Type{K, V},
			Requirements: []sema.Requirement{sema.Conforms(K, w.Hashable)},
		}

		s := newSearcher(w, sig)
		s.SearchTypeMetadata(sema.Nominal(w.Dictionary, K, V), true, StateComplete, 0, NewPath())

		var out []string
		for _, e := range s.Map.Entries() {
			key := e.Type.Key()
			if e.Protocol != nil {
				key += ": " + e.Protocol.Name
			}

			out = append(out, key+" = "+e.Fulfillment.Path.String())
		}

		return out
	}

	first, second := render(), render()
	if len(first) != len(second) {
		t.Fatalf("Expected equal lengths, got %d and %d", len(first), len(second))
	}

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Entry %d differs: %s vs %s", i, first[i], second[i])
		}
	}
}
