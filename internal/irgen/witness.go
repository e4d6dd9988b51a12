package irgen

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/orizon-lang/witgen/internal/descriptor"
	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/fulfillment"
	"github.com/orizon-lang/witgen/internal/layout"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
)

// Parameter names of the functions emitted for a witness table.
const (
	paramSelf               = "%self"
	paramWitnessTable       = "%wtable"
	paramAssocMetadata      = "%assoc.meta"
	paramMetadata           = "%metadata"
	paramInstantiationArgs  = "%args"
	paramConditionalTables  = "%conditional.tables"
	paramConditionalCount   = "%count"
	badWitnessTableCountBlk = "bad_witness_table_count"
)

// Witness is the resolved content of one public slot.
type Witness struct {
	Slot  int
	Entry protoinfo.Entry
	Value lir.Const
	// Default marks a resilient protocol's default witness standing in for
	// a requirement newer than the conformance.
	Default bool
	// Deleted marks a method removed as dead code; the slot holds a stub
	// that traps when called.
	Deleted bool
	// Instantiated slots are null in the pattern and written by the
	// instantiation function.
	Instantiated bool
}

// ConformanceDescription is everything decided about a conformance's
// table before any global is emitted.
type ConformanceDescription struct {
	Protocol                *sema.ProtocolDecl
	ConformingType          *sema.Type
	Entries                 []Witness
	IsResilient             bool
	ConditionalRequirements []sema.Requirement
	PrivateCacheSlotCount   int
	// RequiresSpecialization is set when the pattern cannot be used as the
	// table itself and has to be instantiated by the runtime.
	RequiresSpecialization bool
}

// WitnessTable is a built conformance: its pattern and the functions and
// records the runtime uses to reach it.
type WitnessTable struct {
	Conformance *sema.Conformance
	Description *ConformanceDescription
	Layout      layout.WitnessTableLayout

	Pattern *lir.Global
	// Instantiator is nil when nothing is patched at instantiation.
	Instantiator *lir.Function
	Accessor     *lir.Function
	// Cache and PrivateData are nil unless the table requires
	// specialization.
	Cache       *lir.Global
	PrivateData *lir.Global
	Descriptor  *descriptor.Conformance
	// DescriptorGlobal is the conformance descriptor as emitted.
	DescriptorGlobal *lir.Global
}

type specializedBase struct {
	Slot int
	Ref  sema.ConformanceRef
}

type witnessTableBuilder struct {
	b    *ModuleBuilder
	c    *sema.Conformance
	root sema.ConformanceRef
	info *protoinfo.Info

	resilient []protoinfo.ResilientRequirement

	desc      *ConformanceDescription
	table     layout.WitnessTableLayout
	condIndex []int
	bases     []specializedBase
}

// BuildWitnessTable builds the table of c and registers it. Building the
// same conformance twice returns the registered table. Tables whose
// witnesses do not match the protocol layout fail with a LAYOUT error.
func BuildWitnessTable(b *ModuleBuilder, c *sema.Conformance) (wt *WitnessTable, err error) {
	if old, ok := b.Registry.Table(c); ok {
		return old, nil
	}

	defer werrors.Recover(&err)

	wb := &witnessTableBuilder{
		b:    b,
		c:    c,
		root: sema.RootConformance(c),
		info: b.Protocols.Full(c.Protocol),
		desc: &ConformanceDescription{
			Protocol:       c.Protocol,
			ConformingType: c.Type,
			IsResilient:    IsResilientConformance(c),
		},
	}

	if c.Protocol.Resilient {
		wb.resilient, err = protoinfo.ResilientRequirements(c.Protocol, b.Protocols)
		if err != nil {
			return nil, fmt.Errorf("conformance %s: %w", c, err)
		}
	}

	wb.checkWitnessNames()

	wt = wb.build()

	if registered, added := b.Registry.Add(wt); !added {
		return registered, nil
	}

	return wt, nil
}

// checkWitnessNames rejects witnesses for requirements the protocol does
// not have.
func (wb *witnessTableBuilder) checkWitnessNames() {
	methods := map[string]bool{}
	for _, m := range wb.c.Protocol.Methods() {
		methods[m.Name] = true
	}

	names := make([]string, 0, len(wb.c.Methods))
	for name := range wb.c.Methods {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if !methods[name] {
			panic(werrors.LayoutMismatch(wb.c.Key(), "witness for unknown requirement "+name))
		}
	}

	for name := range wb.c.TypeWitnesses {
		if wb.c.Protocol.LookupAssociatedType(name) == nil {
			panic(werrors.LayoutMismatch(wb.c.Key(), "type witness for unknown associated type "+name))
		}
	}
}

func (wb *witnessTableBuilder) allocPrivate() int {
	idx := wb.table.NumPrivate
	wb.table.NumPrivate++
	wb.desc.RequiresSpecialization = true

	return idx
}

func (wb *witnessTableBuilder) build() *WitnessTable {
	c, desc := wb.c, wb.desc

	desc.ConditionalRequirements = wb.root.ConditionalRequirements(wb.b)
	for range desc.ConditionalRequirements {
		wb.condIndex = append(wb.condIndex, wb.allocPrivate())
	}

	if desc.IsResilient {
		desc.RequiresSpecialization = true
	}

	for slot, entry := range wb.info.Entries() {
		desc.Entries = append(desc.Entries, wb.witness(slot, entry))
	}

	desc.PrivateCacheSlotCount = wb.table.NumPrivate
	wb.table.NumWitnesses = len(desc.Entries)

	wt := &WitnessTable{
		Conformance: c,
		Description: desc,
		Layout:      wb.table,
	}

	fields := make([]lir.Const, len(desc.Entries))
	for i, w := range desc.Entries {
		fields[i] = w.Value
	}

	wt.Pattern = wb.b.AddGlobal(&lir.Global{Name: WitnessTableSymbol(c), Constant: true, Fields: fields})

	if len(desc.ConditionalRequirements) > 0 || len(wb.bases) > 0 {
		wt.Instantiator = wb.instantiationFunction()
		wb.b.AddFunction(wt.Instantiator)
	}

	if desc.RequiresSpecialization {
		wt.Cache, wt.PrivateData = wb.genericCache(wt.Instantiator)
	}

	wt.Accessor = wb.accessFunction()
	wb.b.AddFunction(wt.Accessor)

	wt.Descriptor = wb.descriptorRecord()
	wt.DescriptorGlobal = wb.b.AddGlobal(wb.descriptorGlobal(wt))

	return wt
}

func (wb *witnessTableBuilder) witness(slot int, entry protoinfo.Entry) Witness {
	w := Witness{Slot: slot, Entry: entry}

	switch entry.Kind {
	case protoinfo.EntryOutOfLineBase:
		ref, ok := wb.b.LookupConformance(wb.c.Type, entry.Base)
		if !ok || ref.IsAbstract() {
			panic(werrors.LayoutMismatch(wb.c.Key(), "no conformance to base protocol "+entry.Base.Name))
		}

		if sym, ok := wb.b.Registry.Info(ref.Concrete).TryGetConstantTable(); ok {
			w.Value = lir.Symbol(sym)
			break
		}

		w.Value = lir.Null()
		w.Instantiated = true
		wb.desc.RequiresSpecialization = true
		wb.bases = append(wb.bases, specializedBase{Slot: slot, Ref: ref})
	case protoinfo.EntryMethod:
		wb.methodWitness(&w)
	case protoinfo.EntryAssociatedType:
		w.Value = lir.Symbol(wb.associatedTypeWitness(entry.AssociatedType))
	case protoinfo.EntryAssociatedConformance:
		w.Value = lir.Symbol(wb.associatedConformanceWitness(entry.AssociatedConformance))
	case protoinfo.EntryPlaceholder:
		panic(werrors.LayoutMismatch(wb.c.Key(), "slot "+strconv.Itoa(slot)+" is an unresolved placeholder "+entry.Placeholder.Name))
	default:
		panic(werrors.Internal("unknown witness table entry %s", entry.Kind))
	}

	return w
}

func (wb *witnessTableBuilder) methodWitness(w *Witness) {
	name := w.Entry.Method.Name

	sym, ok := wb.c.Methods[name]
	switch {
	case ok && sym == "":
		w.Value = lir.Symbol(RuntimeDeletedMethodError)
		w.Deleted = true
	case ok:
		w.Value = lir.Symbol("@" + sym)
	case wb.resilient != nil:
		req := wb.resilient[w.Slot]

		missing, err := req.MissingIn(wb.c.ProtocolVersion)
		if err != nil {
			panic(werrors.InvalidInput("conformance %s: %v", wb.c.Key(), err))
		}

		if !missing || req.Default == "" {
			panic(werrors.LayoutMismatch(wb.c.Key(), "no witness for "+name))
		}

		w.Value = lir.Symbol("@" + req.Default)
		w.Default = true
	default:
		panic(werrors.LayoutMismatch(wb.c.Key(), "no witness for "+name))
	}
}

// newAccessorEmitter starts a function taking the conforming type's
// metadata and witness table, with everything derivable from them bound.
func (wb *witnessTableBuilder) newAccessorEmitter(fn *lir.Function) *FunctionEmitter {
	e := NewFunctionEmitter(wb.b, fn, wb.c.Generics)

	self := e.BindSource(MetadataSource{Kind: SourceSelfMetadata, ParamIndex: NoParam, Type: wb.c.Type}, paramSelf)
	table := e.BindSource(MetadataSource{Kind: SourceSelfWitnessTable, ParamIndex: NoParam, Type: wb.c.Type, Protocol: wb.c.Protocol}, paramWitnessTable)

	m := fulfillment.NewMap()
	s := &fulfillment.Searcher{Map: m, Protocols: wb.b.Protocols, Lookup: wb.b, Keys: fulfillment.ConformanceKeys{Generics: wb.c.Generics}}
	s.SearchTypeMetadata(wb.c.Type, false, fulfillment.StateAbstract, self, fulfillment.NewPath())
	s.SearchConformance(wb.root, table, fulfillment.NewPath())

	e.UseFulfillments(m)
	e.SetLocalTypeData(wb.c.Type, nil, paramSelf)
	e.SetLocalTypeData(wb.c.Type, wb.c.Protocol, paramWitnessTable)

	return e
}

// emitCheckedCache returns from the function the value cached in a new
// private slot of the table, computing and publishing it on first use.
func (wb *witnessTableBuilder) emitCheckedCache(e *FunctionEmitter, fetch func() string) {
	idx := wb.allocPrivate()

	slot := e.B.Gep("cache.addr", paramWitnessTable, wb.table.PrivateOffset(idx))
	cached := e.B.Temp("cached")
	e.B.Emit(lir.Load{Dst: cached, Addr: slot, Order: lir.Acquire})

	isNull := e.B.Temp("is.null")
	e.B.Emit(lir.Cmp{Dst: isNull, Pred: "eq", LHS: cached, RHS: "null"})

	fetchBB := e.B.NewBlock("fetch")
	contBB := e.B.NewBlock("cont")
	e.B.Emit(lir.BrCond{Cond: isNull, True: fetchBB.Label, False: contBB.Label})

	e.B.SetBlock(contBB)
	e.B.Emit(lir.Ret{Src: cached})

	e.B.SetBlock(fetchBB)
	v := fetch()
	e.B.Emit(lir.Store{Addr: slot, Val: v, Order: lir.Release})
	e.B.Emit(lir.Ret{Src: v})
}

func (wb *witnessTableBuilder) associatedTypeWitness(at *sema.AssociatedTypeDecl) string {
	t, ok := wb.root.TypeWitness(at, wb.b)
	if !ok {
		panic(werrors.LayoutMismatch(wb.c.Key(), "no type witness for "+at.Name))
	}

	if !t.HasTypeParameter() {
		return wb.b.typeMetadataAccessFunction(t)
	}

	fn := &lir.Function{Name: AssociatedTypeAccessorSymbol(wb.c, at), Params: []string{paramSelf, paramWitnessTable}}
	e := wb.newAccessorEmitter(fn)

	if f, ok := e.fulfillments.TypeMetadata(t); ok {
		e.B.Emit(lir.Ret{Src: e.Follow(f.SourceIndex, f.Path, fulfillment.StateComplete)})
	} else if t.IsTypeParameter() {
		e.B.Emit(lir.Ret{Src: e.EmitTypeMetadataRef(t)})
	} else {
		wb.emitCheckedCache(e, func() string { return e.EmitTypeMetadataRef(t) })
	}

	wb.b.AddFunction(fn)

	return fn.Name
}

func (wb *witnessTableBuilder) associatedConformanceWitness(ac *sema.AssociatedConformanceDecl) string {
	t, ok := wb.root.AssociatedType(ac.Path, wb.b)
	if !ok {
		panic(werrors.LayoutMismatch(wb.c.Key(), "cannot resolve "+ac.Path.Key()))
	}

	ref, ok := wb.root.AssociatedConformance(ac.Path, ac.Protocol, wb.b)
	if !ok {
		panic(werrors.LayoutMismatch(wb.c.Key(), "no conformance for "+ac.String()))
	}

	if !t.HasTypeParameter() {
		if ref.Concrete.IsGeneric() {
			return wb.b.lazyWitnessTableAccessor(ref)
		}

		return AccessorSymbol(ref.Concrete)
	}

	fn := &lir.Function{
		Name:   AssociatedConformanceAccessorSymbol(wb.c, ac),
		Params: []string{paramAssocMetadata, paramSelf, paramWitnessTable},
	}
	e := wb.newAccessorEmitter(fn)
	e.SetLocalTypeData(t, nil, paramAssocMetadata)

	var info *ConformanceInfo
	if !ref.IsAbstract() {
		info = wb.b.Registry.Info(ref.Concrete)
	}

	if info != nil {
		if sym, ok := info.TryGetConstantTable(); ok {
			e.B.Emit(lir.Ret{Src: sym})
			wb.b.AddFunction(fn)

			return fn.Name
		}
	}

	if f, ok := e.fulfillments.WitnessTable(t, ac.Protocol); ok {
		e.B.Emit(lir.Ret{Src: e.Follow(f.SourceIndex, f.Path, fulfillment.StateComplete)})
	} else if info == nil {
		e.B.Emit(lir.Ret{Src: e.EmitWitnessTableRef(t, ac.Protocol)})
	} else {
		wb.emitCheckedCache(e, func() string { return info.GetTable(e, ref) })
	}

	wb.b.AddFunction(fn)

	return fn.Name
}

// instantiationFunction emits the function the runtime calls on a fresh
// copy of the pattern. It receives the table, the conforming type's
// metadata and a two word buffer holding the conditional tables and their
// count.
func (wb *witnessTableBuilder) instantiationFunction() *lir.Function {
	c := wb.c
	fn := &lir.Function{Name: InstantiatorSymbol(c), Params: []string{paramWitnessTable, paramMetadata, paramInstantiationArgs}}
	e := NewFunctionEmitter(wb.b, fn, c.Generics)

	src := e.BindSource(MetadataSource{Kind: SourceMetadata, ParamIndex: NoParam, Type: c.Type}, paramMetadata)
	m := fulfillment.NewMap()
	s := &fulfillment.Searcher{Map: m, Protocols: wb.b.Protocols, Lookup: wb.b, Keys: fulfillment.ConformanceKeys{Generics: c.Generics}}
	s.SearchTypeMetadata(c.Type, true, fulfillment.StateComplete, src, fulfillment.NewPath())
	e.UseFulfillments(m)
	e.SetLocalTypeData(c.Type, nil, paramMetadata)

	conds := wb.desc.ConditionalRequirements

	lc := wb.b.Layout
	args := lc.InstantiationArguments()
	tables := e.B.Load("cond.tables", e.B.Gep("args.tables", paramInstantiationArgs, lc.FieldWord(args, "conditional_tables")))
	count := e.B.Load("cond.count", e.B.Gep("args.count", paramInstantiationArgs, lc.FieldWord(args, "conditional_count")))

	ok := e.B.Temp("count.ok")
	e.B.Emit(lir.Cmp{Dst: ok, Pred: "eq", LHS: count, RHS: strconv.Itoa(len(conds))})

	cont := e.B.NewBlock("cont")
	bad := e.B.NewBlock(badWitnessTableCountBlk)
	e.B.Emit(lir.BrCond{Cond: ok, True: cont.Label, False: bad.Label})

	e.B.SetBlock(bad)
	e.B.Emit(lir.Trap{})
	e.B.Emit(lir.Unreachable{})

	e.B.SetBlock(cont)

	for i, req := range conds {
		table := e.B.Load("cond.wtable", e.B.Gep("cond.src", tables, i))
		dst := e.B.Gep("cond.dst", paramWitnessTable, wb.table.PrivateOffset(wb.condIndex[i]))
		e.B.Emit(lir.Store{Addr: dst, Val: table})

		if req.Subject.IsTypeParameter() {
			e.SetLocalTypeData(req.Subject, req.Protocol, table)
		}
	}

	for _, base := range wb.bases {
		table := wb.b.Registry.Info(base.Ref.Concrete).GetTable(e, base.Ref)
		dst := e.B.Gep("base.dst", paramWitnessTable, wb.table.SlotOffset(base.Slot))
		e.B.Emit(lir.Store{Addr: dst, Val: table})
	}

	e.B.Emit(lir.Ret{})

	return fn
}

// genericCache emits the record handed to swift_getGenericWitnessTable
// and the private data area the runtime keeps instantiations in.
func (wb *witnessTableBuilder) genericCache(instantiator *lir.Function) (*lir.Global, *lir.Global) {
	c := wb.c

	private := make([]lir.Const, layout.GenericMetadataPrivateDataWords)
	for i := range private {
		private[i] = lir.Null()
	}

	pd := wb.b.AddGlobal(&lir.Global{Name: PrivateDataSymbol(c), Fields: private})

	inst := ""
	if instantiator != nil {
		inst = instantiator.Name
	}

	cache := wb.b.AddGlobal(&lir.Global{
		Name:     GenericCacheSymbol(c),
		Constant: true,
		Fields: []lir.Const{
			lir.Int(int64(len(wb.desc.Entries)), 2),
			lir.Int(int64(layout.EncodePrivateSize(wb.table.NumPrivate, instantiator != nil)), 2),
			lir.Relative(ProtocolDescriptorSymbol(c.Protocol)),
			lir.Relative(WitnessTableSymbol(c)),
			lir.Relative(inst),
			lir.Relative(pd.Name),
		},
	})

	return cache, pd
}

// accessFunction emits AccessorSymbol(c). Generic conformances take the
// conforming type's metadata and the conditional tables.
func (wb *witnessTableBuilder) accessFunction() *lir.Function {
	c := wb.c
	fn := &lir.Function{Name: AccessorSymbol(c)}

	args := AccessorRequiresArguments(c)
	if args {
		fn.Params = []string{paramMetadata, paramConditionalTables, paramConditionalCount}
	}

	e := NewFunctionEmitter(wb.b, fn, c.Generics)

	if !wb.desc.RequiresSpecialization {
		e.B.Emit(lir.Ret{Src: WitnessTableSymbol(c)})
		return fn
	}

	meta, tables, count := paramMetadata, "null", "0"
	if args {
		tables, count = paramConditionalTables, paramConditionalCount
	} else {
		meta = e.EmitTypeMetadataRef(c.Type)
	}

	lc := wb.b.Layout
	argsLayout := lc.InstantiationArguments()

	buffer := e.B.Temp("conditional.tables")
	e.B.Emit(lir.Alloc{Dst: buffer, Name: "conditional.tables", Words: lc.Words(argsLayout.TotalSize)})
	e.B.Emit(lir.Store{Addr: e.B.Gep("buf.tables", buffer, lc.FieldWord(argsLayout, "conditional_tables")), Val: tables})
	e.B.Emit(lir.Store{Addr: e.B.Gep("buf.count", buffer, lc.FieldWord(argsLayout, "conditional_count")), Val: count})

	v := e.B.Call("wtable", RuntimeGetGenericWitnessTable, GenericCacheSymbol(c), meta, buffer)
	e.B.Emit(lir.Ret{Src: v})

	return fn
}

// typeMetadataAccessFunction returns a function taking no arguments that
// returns the metadata of the concrete type t, emitting one when t needs
// generic arguments.
func (b *ModuleBuilder) typeMetadataAccessFunction(t *sema.Type) string {
	switch {
	case t.Kind == sema.KindNominal && !t.Decl.IsGeneric():
		return MetadataAccessorSymbol(t.Decl.Name)
	case t.Kind == sema.KindBuiltin:
		return MetadataAccessorSymbol("Builtin." + t.Name)
	}

	name := "@" + MangleType(t) + ".metadata"
	if b.HasFunction(name) {
		return name
	}

	fn := &lir.Function{Name: name}
	e := NewFunctionEmitter(b, fn, nil)
	e.B.Emit(lir.Ret{Src: e.EmitTypeMetadataRef(t)})
	b.AddFunction(fn)

	return name
}

// requirementFlags returns the runtime requirement kind of e and whether
// it is an instance member.
func requirementFlags(e protoinfo.Entry) (descriptor.RequirementKind, bool) {
	switch e.Kind {
	case protoinfo.EntryOutOfLineBase:
		return descriptor.KindBaseProtocol, false
	case protoinfo.EntryAssociatedType:
		return descriptor.KindAssociatedType, false
	case protoinfo.EntryAssociatedConformance:
		return descriptor.KindAssociatedConformance, false
	case protoinfo.EntryMethod:
		instance := !e.Method.Static

		switch e.Method.Kind {
		case sema.MethodInit:
			return descriptor.KindInit, instance
		case sema.MethodGetter:
			return descriptor.KindGetter, instance
		case sema.MethodSetter:
			return descriptor.KindSetter, instance
		default:
			return descriptor.KindMethod, instance
		}
	default:
		panic(werrors.Internal("no requirement descriptor for %s", e))
	}
}

func (wb *witnessTableBuilder) descriptorRecord() *descriptor.Conformance {
	c, desc := wb.c, wb.desc

	rec := &descriptor.Conformance{
		NumConditionalRequirements: len(desc.ConditionalRequirements),
		Generic:                    desc.RequiresSpecialization,
		TableSizeInWords:           len(desc.Entries),
		PrivateSizeInWords:         wb.table.NumPrivate,
		RequiresInstantiation:      len(desc.ConditionalRequirements) > 0 || len(wb.bases) > 0,
	}

	if c.Module != c.Protocol.Module {
		declModule := ""
		if c.Type.Kind == sema.KindNominal {
			declModule = c.Type.Decl.Module
		}

		rec.Retroactive = c.Module != declModule
	}

	if desc.IsResilient {
		for _, w := range desc.Entries {
			if w.Entry.Kind != protoinfo.EntryMethod || w.Default {
				continue
			}

			kind, instance := requirementFlags(w.Entry)
			rec.ResilientWitnesses = append(rec.ResilientWitnesses, descriptor.ResilientWitness{
				Slot:  w.Slot,
				Flags: descriptor.RequirementFlags(kind, instance),
			})
		}
	}

	return rec
}

func (wb *witnessTableBuilder) descriptorGlobal(wt *WitnessTable) *lir.Global {
	c := wb.c
	rec := wt.Descriptor

	typeRef := ""
	if c.Type.Kind == sema.KindNominal {
		typeRef = MetadataAccessorSymbol(c.Type.Decl.Name)
	}

	g := &lir.Global{
		Name:     DescriptorSymbol(c),
		Constant: true,
		Fields: []lir.Const{
			lir.Relative(ProtocolDescriptorSymbol(c.Protocol)),
			lir.Relative(typeRef),
			lir.Relative(WitnessTableSymbol(c)),
			lir.Int(int64(rec.Flags()), 4),
		},
	}

	if len(rec.ResilientWitnesses) > 0 {
		g.Fields = append(g.Fields, lir.Int(int64(len(rec.ResilientWitnesses)), 4))

		for _, rw := range rec.ResilientWitnesses {
			g.Fields = append(g.Fields,
				lir.Relative(RequirementSymbol(c.Protocol, rw.Slot)),
				lir.Relative(wt.Description.Entries[rw.Slot].Value.Symbol))
		}
	}

	if rec.Generic {
		inst := ""
		if wt.Instantiator != nil {
			inst = wt.Instantiator.Name
		}

		g.Fields = append(g.Fields,
			lir.Int(int64(rec.TableSizeInWords), 2),
			lir.Int(int64(layout.EncodePrivateSize(rec.PrivateSizeInWords, rec.RequiresInstantiation)), 2),
			lir.Relative(inst),
			lir.Relative(PrivateDataSymbol(c)))
	}

	return g
}
