package irgen

import (
	"sort"
	"strconv"
	"sync"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/sema"
)

// ConformanceKind selects how a conformance's witness table is reached.
type ConformanceKind int

const (
	// DirectConformance tables are link-time constants.
	DirectConformance ConformanceKind = iota
	// AccessorConformance tables are produced by calling an accessor.
	AccessorConformance
)

func (k ConformanceKind) String() string {
	switch k {
	case DirectConformance:
		return "direct"
	case AccessorConformance:
		return "accessor"
	default:
		return "conformance_kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ConformanceInfo is the access strategy chosen once per root conformance.
type ConformanceInfo struct {
	Kind        ConformanceKind
	Conformance *sema.Conformance
}

// TryGetConstantTable returns the table symbol when the table is a
// constant.
func (ci *ConformanceInfo) TryGetConstantTable() (string, bool) {
	switch ci.Kind {
	case DirectConformance:
		return WitnessTableSymbol(ci.Conformance), true
	case AccessorConformance:
		return "", false
	default:
		panic(werrors.Internal("unknown conformance kind %s", ci.Kind))
	}
}

// GetTable emits, into e, code producing the witness table for ref, which
// must be an application of ci's conformance.
func (ci *ConformanceInfo) GetTable(e *FunctionEmitter, ref sema.ConformanceRef) string {
	switch ci.Kind {
	case DirectConformance:
		return WitnessTableSymbol(ci.Conformance)
	case AccessorConformance:
		// The type is not fixed yet, so nothing can be cached.
		if ref.Type.HasTypeParameter() {
			return emitWitnessTableAccessorCall(e, ref)
		}

		return e.B.Call("wtable", e.Module.lazyWitnessTableAccessor(ref))
	default:
		panic(werrors.Internal("unknown conformance kind %s", ci.Kind))
	}
}

// AccessorRequiresArguments reports whether the accessor of c takes the
// conforming type's metadata and the conditional tables.
func AccessorRequiresArguments(c *sema.Conformance) bool {
	return c.IsGeneric()
}

// emitWitnessTableAccessorCall calls the general accessor for ref, passing
// the metadata and a buffer of the conditional requirement tables.
// Conformances from other modules are looked up through the runtime by
// their descriptor.
func emitWitnessTableAccessorCall(e *FunctionEmitter, ref sema.ConformanceRef) string {
	c := ref.Concrete

	if !AccessorRequiresArguments(c) && c.Module == e.Module.Name {
		return e.B.Call("wtable", AccessorSymbol(c))
	}

	meta := e.EmitTypeMetadataRef(ref.Type)
	conds := ref.ConditionalRequirements(e.Module)

	buffer, count := "null", "0"
	if len(conds) > 0 {
		tables := make([]string, len(conds))
		for i, req := range conds {
			tables[i] = e.EmitWitnessTableRef(req.Subject, req.Protocol)
		}

		buffer = e.B.Temp("conditional.tables")
		lc := e.Module.Layout
		e.B.Emit(lir.Alloc{Dst: buffer, Name: "conditional.tables", Words: lc.Words(lc.ArgumentBuffer(len(conds)).TotalSize)})

		for i, table := range tables {
			slot := e.B.Gep("cond.slot", buffer, i)
			e.B.Emit(lir.Store{Addr: slot, Val: table})
		}

		count = strconv.Itoa(len(conds))
	}

	if c.Module != e.Module.Name {
		return e.B.Call("wtable", RuntimeGetWitnessTable, DescriptorSymbol(c), meta, buffer)
	}

	return e.B.Call("wtable", AccessorSymbol(c), meta, buffer, count)
}

// lazyWitnessTableAccessor returns the caching accessor for ref, a
// conformance applied to a fully concrete type, emitting it on first use.
// The cache is read with acquire and published with release ordering.
func (b *ModuleBuilder) lazyWitnessTableAccessor(ref sema.ConformanceRef) string {
	name := LazyAccessorSymbol(ref.Type, ref.Protocol)
	if b.HasFunction(name) {
		return name
	}

	cache := LazyCacheSymbol(ref.Type, ref.Protocol)
	fn := &lir.Function{Name: name}
	e := NewFunctionEmitter(b, fn, nil)

	cached := e.B.Temp("cached")
	e.B.Emit(lir.Load{Dst: cached, Addr: cache, Order: lir.Acquire})

	isNull := e.B.Temp("is.null")
	e.B.Emit(lir.Cmp{Dst: isNull, Pred: "eq", LHS: cached, RHS: "null"})

	fetch := e.B.NewBlock("fetch")
	cont := e.B.NewBlock("cont")
	e.B.Emit(lir.BrCond{Cond: isNull, True: fetch.Label, False: cont.Label})

	e.B.SetBlock(cont)
	e.B.Emit(lir.Ret{Src: cached})

	e.B.SetBlock(fetch)
	table := emitWitnessTableAccessorCall(e, ref)
	e.B.Emit(lir.Store{Addr: cache, Val: table, Order: lir.Release})
	e.B.Emit(lir.Ret{Src: table})

	b.AddGlobal(&lir.Global{Name: cache, Fields: []lir.Const{lir.Null()}})
	b.AddFunction(fn)

	return name
}

// IsResilientConformance reports whether c must not assume the layout of
// its protocol: the protocol is resilient and defined in another module.
func IsResilientConformance(c *sema.Conformance) bool {
	if !c.Protocol.Resilient {
		return false
	}

	return c.Module != c.Protocol.Module
}

// IsDependentConformance reports whether c's witness table depends on
// anything not known at compile time, so that it has to be instantiated at
// run time.
func IsDependentConformance(c *sema.Conformance, lookup sema.ConformanceLookup) bool {
	return isDependentConformance(c, lookup, map[*sema.Conformance]bool{})
}

func isDependentConformance(c *sema.Conformance, lookup sema.ConformanceLookup, visited map[*sema.Conformance]bool) bool {
	if visited[c] {
		return false
	}
	visited[c] = true

	if IsResilientConformance(c) {
		return true
	}

	for _, base := range c.Protocol.WitnessTableBases() {
		ref, ok := lookup.LookupConformance(c.Type, base)
		if !ok || ref.IsAbstract() {
			continue
		}

		if isDependentConformance(ref.Concrete, lookup, visited) {
			return true
		}
	}

	if !c.IsGeneric() {
		return false
	}

	for _, w := range c.TypeWitnesses {
		if w.HasTypeParameter() {
			return true
		}
	}

	return len(sema.RootConformance(c).ConditionalRequirements(lookup)) > 0
}

// Registry owns the access strategy and the built witness table of every
// conformance of a compilation. Entries are keyed by protocol and
// conforming type and created at most once.
type Registry struct {
	module *ModuleBuilder

	mu     sync.Mutex
	infos  map[string]*ConformanceInfo
	tables map[string]*WitnessTable
}

// NewRegistry returns an empty registry for b.
func NewRegistry(b *ModuleBuilder) *Registry {
	return &Registry{
		module: b,
		infos:  map[string]*ConformanceInfo{},
		tables: map[string]*WitnessTable{},
	}
}

// Info returns the access strategy of c.
func (r *Registry) Info(c *sema.Conformance) *ConformanceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.infos[c.Key()]; ok {
		return info
	}

	info := &ConformanceInfo{Kind: DirectConformance, Conformance: c}
	if IsDependentConformance(c, r.module) {
		info.Kind = AccessorConformance
	}

	r.infos[c.Key()] = info

	return info
}

// Add registers wt. When a table for the same conformance exists, that
// table is returned with false.
func (r *Registry) Add(wt *WitnessTable) (*WitnessTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := wt.Conformance.Key()
	if old, ok := r.tables[key]; ok {
		return old, false
	}

	r.tables[key] = wt

	return wt, true
}

// Table returns the built table of c.
func (r *Registry) Table(c *sema.Conformance) (*WitnessTable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wt, ok := r.tables[c.Key()]

	return wt, ok
}

// Tables returns the built tables ordered by conformance.
func (r *Registry) Tables() []*WitnessTable {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*WitnessTable, 0, len(r.tables))
	for _, wt := range r.tables {
		out = append(out, wt)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Conformance.Key() < out[j].Conformance.Key() })

	return out
}
