package irgen

import (
	stderrors "errors"
	"testing"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/layout"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/sema/sematest"
)

var layoutMismatch = &werrors.StandardError{Category: werrors.CategoryLayout}

func mustBuild(t *testing.T, b *ModuleBuilder, c *sema.Conformance) *WitnessTable {
	t.Helper()

	wt, err := BuildWitnessTable(b, c)
	if err != nil {
		t.Fatalf("Expected %s to build, got %v", c, err)
	}

	return wt
}

func TestWitnessTableDirect(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)

	wt := mustBuild(t, b, w.IntEq)

	if len(wt.Description.Entries) != 1 {
		t.Fatalf("Expected 1 slot, got %d", len(wt.Description.Entries))
	}

	if got := wt.Pattern.Fields[0]; got.Kind != lir.ConstSymbol || got.Symbol != "@Int.equals" {
		t.Errorf("Expected @Int.equals, got %s", got)
	}

	if kind := b.Registry.Info(w.IntEq).Kind; kind != DirectConformance {
		t.Errorf("Expected direct conformance, got %s", kind)
	}

	if wt.Instantiator != nil || wt.Cache != nil || wt.Description.RequiresSpecialization {
		t.Error("Expected a plain constant table")
	}

	body := insns(wt.Accessor)
	if len(body) != 1 {
		t.Fatalf("Expected a single return, got %d instructions", len(body))
	}

	if ret, ok := body[0].(lir.Ret); !ok || ret.Src != WitnessTableSymbol(w.IntEq) {
		t.Errorf("Expected ret %s, got %v", WitnessTableSymbol(w.IntEq), body[0])
	}

	if wt.Descriptor.Generic || wt.Descriptor.NumConditionalRequirements != 0 {
		t.Errorf("Expected a non-generic descriptor, got %+v", wt.Descriptor)
	}

	again := mustBuild(t, b, w.IntEq)
	if again != wt {
		t.Error("Expected the registered table on a second build")
	}
}

func TestWitnessTableConditional(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)

	wt := mustBuild(t, b, w.ArrayEq)
	desc := wt.Description

	if len(desc.ConditionalRequirements) != 1 || desc.PrivateCacheSlotCount != 1 || !desc.RequiresSpecialization {
		t.Fatalf("Expected one conditional table in a private slot, got %+v", desc)
	}

	if kind := b.Registry.Info(w.ArrayEq).Kind; kind != AccessorConformance {
		t.Errorf("Expected accessor conformance, got %s", kind)
	}

	if wt.Instantiator == nil {
		t.Fatal("Expected an instantiation function")
	}

	bad := wt.Instantiator.Block(badWitnessTableCountBlk)
	if bad == nil || len(bad.Insns) != 2 {
		t.Fatalf("Expected a trapping count check block, got %+v", bad)
	}

	if _, ok := bad.Insns[0].(lir.Trap); !ok {
		t.Errorf("Expected trap, got %v", bad.Insns[0])
	}

	stored := false
	for _, in := range insns(wt.Instantiator) {
		if g, ok := in.(lir.Gep); ok && g.Base == paramWitnessTable && g.Index == -1 {
			stored = true
		}
	}

	if !stored {
		t.Error("Expected the conditional table to be copied to offset -1")
	}

	if n := countCalls(wt.Accessor, RuntimeGetGenericWitnessTable); n != 1 {
		t.Errorf("Expected 1 call to %s, got %d", RuntimeGetGenericWitnessTable, n)
	}

	if len(wt.Accessor.Params) != 3 {
		t.Errorf("Expected metadata, tables and count parameters, got %v", wt.Accessor.Params)
	}

	if wt.Layout.NumPrivate != 1 || wt.Layout.SizeInWords() != len(desc.Entries)+1 {
		t.Errorf("Expected one private word in front of %d witnesses, got %+v", len(desc.Entries), wt.Layout)
	}

	for _, in := range insns(wt.Accessor) {
		if a, ok := in.(lir.Alloc); ok && a.Words != 2 {
			t.Errorf("Expected a two word instantiation buffer, got %d", a.Words)
		}
	}

	expected := int64(layout.EncodePrivateSize(1, true))
	if got := wt.Cache.Fields[1].Value; got != expected {
		t.Errorf("Expected private size field %d, got %d", expected, got)
	}

	if len(wt.PrivateData.Fields) != layout.GenericMetadataPrivateDataWords || wt.PrivateData.Constant {
		t.Errorf("Expected a mutable private data area of %d words", layout.GenericMetadataPrivateDataWords)
	}

	if !wt.Descriptor.Generic || wt.Descriptor.NumConditionalRequirements != 1 || !wt.Descriptor.RequiresInstantiation {
		t.Errorf("Expected a generic descriptor with one conditional requirement, got %+v", wt.Descriptor)
	}
}

func TestWitnessTableAssociatedTypes(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)
	info := b.Protocols.Full(w.Collection)

	wt := mustBuild(t, b, w.ArrayCollection)

	if wt.Description.RequiresSpecialization {
		t.Error("Expected Array: Collection to need no instantiation")
	}

	elem := wt.Pattern.Fields[info.AssociatedTypeIndex(w.Element)]
	if elem.Symbol != AssociatedTypeAccessorSymbol(w.ArrayCollection, w.Element) {
		t.Errorf("Expected the Element accessor, got %s", elem)
	}

	index := wt.Pattern.Fields[info.AssociatedTypeIndex(w.Index)]
	if index.Symbol != MetadataAccessorSymbol("Int") {
		t.Errorf("Expected Int's metadata accessor, got %s", index)
	}

	conf := wt.Pattern.Fields[0]
	if conf.Symbol != AccessorSymbol(w.IntEq) {
		t.Errorf("Expected Int: Eq accessor for Self.Index: Eq, got %s", conf)
	}

	fn := b.Function(elem.Symbol)
	if fn == nil {
		t.Fatal("Expected the Element accessor to be emitted")
	}

	var load *lir.Load
	for _, in := range insns(fn) {
		if l, ok := in.(lir.Load); ok {
			load = &l
		}
	}

	if load == nil || !load.Invariant {
		t.Errorf("Expected Element to be loaded from Self's arguments, got %+v", load)
	}
}

func TestWitnessTableCheckedCache(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)

	wt := mustBuild(t, b, w.DictionaryCollection)
	desc := wt.Description

	if desc.PrivateCacheSlotCount != 1 || !desc.RequiresSpecialization {
		t.Fatalf("Expected one private cache slot, got %+v", desc)
	}

	if wt.Instantiator != nil {
		t.Error("Expected no instantiation function without conditional tables or bases")
	}

	fn := b.Function(AssociatedTypeAccessorSymbol(w.DictionaryCollection, w.Element))
	if fn == nil {
		t.Fatal("Expected the Element accessor to be emitted")
	}

	var acquire, release bool
	for _, in := range insns(fn) {
		switch in := in.(type) {
		case lir.Load:
			acquire = acquire || in.Order == lir.Acquire
		case lir.Store:
			release = release || in.Order == lir.Release
		}
	}

	if !acquire || !release {
		t.Errorf("Expected an acquire load and a release store, got acquire=%v release=%v", acquire, release)
	}

	if n := countCalls(fn, MetadataAccessorSymbol("Pair")); n != 1 {
		t.Errorf("Expected Pair's metadata to be fetched once, got %d", n)
	}
}

func TestWitnessTableSpecializedBase(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)

	wt := mustBuild(t, b, w.ArrayBidirect)
	base := wt.Description.Entries[0]

	if base.Entry.Kind != protoinfo.EntryOutOfLineBase || !base.Instantiated || base.Value.Kind != lir.ConstNull {
		t.Fatalf("Expected a null base slot patched at instantiation, got %+v", base)
	}

	if wt.Instantiator == nil {
		t.Fatal("Expected an instantiation function")
	}

	if n := countCalls(wt.Instantiator, AccessorSymbol(w.ArrayCollection)); n != 1 {
		t.Errorf("Expected the base table from %s, got %d calls", AccessorSymbol(w.ArrayCollection), n)
	}

	patched := false
	for _, in := range insns(wt.Instantiator) {
		if g, ok := in.(lir.Gep); ok && g.Base == paramWitnessTable && g.Index == 0 {
			patched = true
		}
	}

	if !patched {
		t.Error("Expected slot 0 to be patched")
	}
}

func TestWitnessTableHashableUsesConstantBase(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)

	wt := mustBuild(t, b, w.IntHashable)

	if got := wt.Pattern.Fields[0]; got.Symbol != WitnessTableSymbol(w.IntEq) {
		t.Errorf("Expected the Int: Eq table as base, got %s", got)
	}

	if wt.Description.RequiresSpecialization {
		t.Error("Expected no specialization")
	}
}

func TestWitnessTableDeletedMethod(t *testing.T) {
	w := sematest.NewWorld()
	b := NewModuleBuilder(w.Module, nil)
	w.StringEq.Methods["equals"] = ""

	wt := mustBuild(t, b, w.StringEq)

	entry := wt.Description.Entries[0]
	if !entry.Deleted || entry.Value.Symbol != RuntimeDeletedMethodError {
		t.Errorf("Expected the deleted method stub, got %+v", entry)
	}
}

func TestWitnessTableLayoutMismatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *sematest.World) *sema.Conformance
	}{
		{"missing method", func(w *sematest.World) *sema.Conformance {
			delete(w.IntEq.Methods, "equals")
			return w.IntEq
		}},
		{"unknown method", func(w *sematest.World) *sema.Conformance {
			w.IntEq.Methods["bogus"] = "Int.bogus"
			return w.IntEq
		}},
		{"unknown type witness", func(w *sematest.World) *sema.Conformance {
			w.IntEq.TypeWitnesses = map[string]*sema.Type{"Element": w.IntType()}
			return w.IntEq
		}},
		{"placeholder", func(w *sematest.World) *sema.Conformance {
			w.Eq.AddPlaceholder("missing", 2)
			return w.IntEq
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := sematest.NewWorld()
			c := tt.mutate(w)
			b := NewModuleBuilder(w.Module, nil)

			_, err := BuildWitnessTable(b, c)
			if !stderrors.Is(err, layoutMismatch) {
				t.Errorf("Expected a layout mismatch, got %v", err)
			}

			if _, ok := b.Registry.Table(c); ok {
				t.Error("Expected nothing to be registered")
			}
		})
	}
}

func resilientWorld() (*sematest.World, *sema.ProtocolDecl) {
	w := sematest.NewWorld()

	p := &sema.ProtocolDecl{
		Name: "Stream", Module: "Lib", Resilient: true, Version: "2.1.0",
		Defaults: map[string]string{"flush": "Stream.flush.default"},
	}
	p.AddMethod("read")
	p.AddMethod("flush").Since = "2.0.0"

	w.Module.Protocols = append(w.Module.Protocols, p)

	return w, p
}

func TestWitnessTableResilientDefault(t *testing.T) {
	w, p := resilientWorld()
	c := &sema.Conformance{
		Protocol: p, Type: w.IntType(), Module: "Swift", ProtocolVersion: "1.4.0",
		Methods: map[string]string{"read": "Int.read"},
	}
	w.Module.Conformances = append(w.Module.Conformances, c)

	b := NewModuleBuilder(w.Module, nil)
	wt := mustBuild(t, b, c)

	flush := wt.Description.Entries[1]
	if !flush.Default || flush.Value.Symbol != "@Stream.flush.default" {
		t.Errorf("Expected the default witness for flush, got %+v", flush)
	}

	if !wt.Description.IsResilient || !wt.Description.RequiresSpecialization {
		t.Error("Expected a resilient table requiring specialization")
	}

	if len(wt.Descriptor.ResilientWitnesses) != 1 || wt.Descriptor.ResilientWitnesses[0].Slot != 0 {
		t.Errorf("Expected one resilient witness for read, got %+v", wt.Descriptor.ResilientWitnesses)
	}

	if wt.Descriptor.Retroactive {
		t.Error("Expected a conformance declared in the type's own module not to be retroactive")
	}

	if n := countCalls(wt.Accessor, MetadataAccessorSymbol("Int")); n != 1 {
		t.Errorf("Expected the accessor to fetch Int's metadata, got %d calls", n)
	}
}

func TestWitnessTableResilientMissingCurrentRequirement(t *testing.T) {
	w, p := resilientWorld()
	c := &sema.Conformance{
		Protocol: p, Type: w.IntType(), Module: "Swift", ProtocolVersion: "2.0.0",
		Methods: map[string]string{"read": "Int.read"},
	}

	b := NewModuleBuilder(w.Module, nil)

	if _, err := BuildWitnessTable(b, c); !stderrors.Is(err, layoutMismatch) {
		t.Errorf("Expected a layout mismatch, got %v", err)
	}
}

func TestWitnessTableSlotStability(t *testing.T) {
	render := func() []string {
		w := sematest.NewWorld()
		b := NewModuleBuilder(w.Module, nil)
		wt := mustBuild(t, b, w.DictionaryCollection)

		out := make([]string, len(wt.Pattern.Fields))
		for i, f := range wt.Pattern.Fields {
			out[i] = f.String()
		}

		return out
	}

	first := render()
	second := render()

	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Expected slot %d to be %s, got %s", i, first[i], second[i])
		}
	}
}
