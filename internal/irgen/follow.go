package irgen

import (
	"strconv"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/fulfillment"
	"github.com/orizon-lang/witgen/internal/generics"
	"github.com/orizon-lang/witgen/internal/layout"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
)

// WitnessTableType is the bitcast target for loaded witness tables.
const WitnessTableType = "witness_table"

type boundSource struct {
	MetadataSource
	Value string
}

type localKey struct {
	Type     string
	Protocol string
}

// PathCache remembers the values of path prefixes already followed from
// each source within one function.
type PathCache struct {
	values map[string]string
}

// NewPathCache returns an empty cache.
func NewPathCache() *PathCache {
	return &PathCache{values: map[string]string{}}
}

func pathCacheKey(source int, path fulfillment.MetadataPath) string {
	return strconv.Itoa(source) + "/" + path.String()
}

func (c *PathCache) lookup(source int, path fulfillment.MetadataPath) (string, bool) {
	v, ok := c.values[pathCacheKey(source, path)]
	return v, ok
}

func (c *PathCache) store(source int, path fulfillment.MetadataPath, value string) {
	c.values[pathCacheKey(source, path)] = value
}

// Len returns the number of cached prefixes.
func (c *PathCache) Len() int { return len(c.values) }

// FunctionEmitter emits metadata and witness table references into one
// function. Its caches are scoped to that function and are never shared.
type FunctionEmitter struct {
	Module   *ModuleBuilder
	B        *lir.Builder
	Generics *sema.GenericSignature

	sources      []boundSource
	fulfillments *fulfillment.Map
	local        map[localKey]string
	localOrder   []localKey
	localProtos  map[localKey]*sema.ProtocolDecl
	paths        *PathCache
}

// NewFunctionEmitter starts emitting into fn.
func NewFunctionEmitter(m *ModuleBuilder, fn *lir.Function, sig *sema.GenericSignature) *FunctionEmitter {
	return &FunctionEmitter{
		Module:       m,
		B:            lir.NewBuilder(fn),
		Generics:     sig,
		fulfillments: fulfillment.NewMap(),
		local:        map[localKey]string{},
		localProtos:  map[localKey]*sema.ProtocolDecl{},
		paths:        NewPathCache(),
	}
}

// BindSource makes src available with the given value and returns its
// source index.
func (e *FunctionEmitter) BindSource(src MetadataSource, value string) int {
	e.sources = append(e.sources, boundSource{MetadataSource: src, Value: value})
	return len(e.sources) - 1
}

// UseFulfillments selects the map consulted by EmitTypeMetadataRef and
// EmitWitnessTableRef. Its source indices refer to bound sources.
func (e *FunctionEmitter) UseFulfillments(m *fulfillment.Map) { e.fulfillments = m }

// Paths returns the prefix cache.
func (e *FunctionEmitter) Paths() *PathCache { return e.paths }

func keyFor(t *sema.Type, p *sema.ProtocolDecl) localKey {
	k := localKey{Type: t.Key()}
	if p != nil {
		k.Protocol = p.Name
	}

	return k
}

// SetLocalTypeData records value as the metadata of t, or the witness
// table of t : p. The first value recorded wins.
func (e *FunctionEmitter) SetLocalTypeData(t *sema.Type, p *sema.ProtocolDecl, value string) {
	k := keyFor(t, p)
	if _, ok := e.local[k]; ok || value == "" {
		return
	}

	e.local[k] = value
	e.localOrder = append(e.localOrder, k)
	e.localProtos[k] = p
}

// LocalTypeData returns a value recorded by SetLocalTypeData.
func (e *FunctionEmitter) LocalTypeData(t *sema.Type, p *sema.ProtocolDecl) (string, bool) {
	v, ok := e.local[keyFor(t, p)]
	return v, ok
}

// node is what the value at some point of a path is: metadata for Type,
// or the witness table of Type : Protocol.
type node struct {
	Type     *sema.Type
	Protocol *sema.ProtocolDecl
}

// Follow derives the value at the end of path starting from source. The
// longest prefix already followed in this function is reused. Metadata
// produced by the last component is requested in state request; steps in
// the middle of the path only need abstract metadata. Following an
// impossible path panics.
func (e *FunctionEmitter) Follow(source int, path fulfillment.MetadataPath, request fulfillment.MetadataState) string {
	if path.IsImpossible() {
		panic(werrors.ImpossiblePath(path.String()))
	}

	if source < 0 || source >= len(e.sources) {
		panic(werrors.Internal("source %d is not bound", source))
	}

	src := e.sources[source]
	cur := node{Type: src.Type}

	if src.ProvidesWitnessTable() {
		cur.Protocol = src.Protocol
	}

	value := src.Value
	if value == "" {
		panic(werrors.Internal("source %s has no run time value", src.MetadataSource))
	}

	comps := path.Components()
	start := 0

	// Find the longest cached prefix; the node still has to be replayed.
	for n := len(comps); n > 0; n-- {
		if v, ok := e.paths.lookup(source, path.Prefix(n)); ok {
			for i := 0; i < n; i++ {
				cur = e.stepNode(cur, comps[i])
			}

			value, start = v, n

			break
		}
	}

	for i := start; i < len(comps); i++ {
		req := fulfillment.StateAbstract
		if i == len(comps)-1 {
			req = request
		}

		next := e.stepNode(cur, comps[i])
		value = e.followComponent(cur, next, comps[i], value, req)
		cur = next

		// Metadata requested in a weaker state must not answer later
		// requests for complete metadata.
		if comps[i].Kind == fulfillment.AssociatedType && !req.Satisfies(fulfillment.StateComplete) {
			continue
		}

		e.paths.store(source, path.Prefix(i+1), value)
		e.SetLocalTypeData(cur.Type, cur.Protocol, value)
	}

	return value
}

// stepNode computes what component c derives from cur without emitting
// anything.
func (e *FunctionEmitter) stepNode(cur node, c fulfillment.Component) node {
	switch c.Kind {
	case fulfillment.NominalTypeArgument, fulfillment.NominalTypeArgumentConformance:
		arg := e.nominalArgument(cur, c.Index)
		if arg.Requirement.IsMetadata() {
			return node{Type: arg.Type}
		}

		return node{Type: arg.Type, Protocol: arg.Requirement.Protocol}
	case fulfillment.OutOfLineBaseProtocol:
		entry := e.tableEntry(cur, c.Index, protoinfo.EntryOutOfLineBase)
		return node{Type: cur.Type, Protocol: entry.Base}
	case fulfillment.AssociatedConformance:
		entry := e.tableEntry(cur, c.Index, protoinfo.EntryAssociatedConformance)
		ac := entry.AssociatedConformance

		return node{Type: e.associatedType(cur, ac.Path), Protocol: ac.Protocol}
	case fulfillment.AssociatedType:
		entry := e.tableEntry(cur, c.Index, protoinfo.EntryAssociatedType)
		ref := e.conformanceOf(cur)

		t, ok := ref.TypeWitness(entry.AssociatedType, e.Module)
		if !ok {
			panic(werrors.Internal("%s has no witness for %s", ref, entry.AssociatedType.Name))
		}

		return node{Type: t}
	case fulfillment.ConditionalConformance:
		reqs := e.conformanceOf(cur).ConditionalRequirements(e.Module)
		if c.Index >= len(reqs) {
			panic(werrors.Internal("%s has no conditional requirement %d", cur.Type, c.Index))
		}

		return node{Type: reqs[c.Index].Subject, Protocol: reqs[c.Index].Protocol}
	default:
		panic(werrors.ImpossiblePath(c.String()))
	}
}

func (e *FunctionEmitter) followComponent(cur, next node, c fulfillment.Component, value string, request fulfillment.MetadataState) string {
	switch c.Kind {
	case fulfillment.NominalTypeArgument, fulfillment.NominalTypeArgumentConformance:
		decl := e.nominalDecl(cur.Type)
		slot := e.B.Gep("arg.addr", value, layout.GenericArgumentOffset(decl)+c.Index)

		hint := "arg.meta"
		if next.Protocol != nil {
			hint = "arg.wtable"
		}

		return e.invariantLoad(hint, slot)
	case fulfillment.OutOfLineBaseProtocol:
		slot := e.B.Gep("base.addr", value, c.Index)
		loaded := e.invariantLoad("base", slot)
		cast := e.B.Temp("base.wtable")
		e.B.Emit(lir.Bitcast{Dst: cast, Src: loaded, Type: WitnessTableType})

		return cast
	case fulfillment.AssociatedConformance:
		parent := e.EmitTypeMetadataRequest(cur.Type, fulfillment.StateAbstract)
		assoc := e.EmitTypeMetadataRequest(next.Type, fulfillment.StateAbstract)

		return e.B.Call("assoc.wtable", RuntimeGetAssociatedConformanceWitness,
			value, parent, assoc, RequirementsBaseSymbol(cur.Protocol), RequirementSymbol(cur.Protocol, c.Index))
	case fulfillment.AssociatedType:
		parent := e.EmitTypeMetadataRequest(cur.Type, fulfillment.StateAbstract)

		return e.B.Call("assoc.meta", RuntimeGetAssociatedTypeWitness,
			MetadataRequest(request), value, parent, RequirementsBaseSymbol(cur.Protocol), RequirementSymbol(cur.Protocol, c.Index))
	case fulfillment.ConditionalConformance:
		slot := e.B.Gep("cond.addr", value, layout.PrivateSlotOffset(c.Index))
		return e.invariantLoad("cond.wtable", slot)
	default:
		panic(werrors.ImpossiblePath(c.String()))
	}
}

func (e *FunctionEmitter) invariantLoad(hint, addr string) string {
	dst := e.B.Temp(hint)
	e.B.Emit(lir.Load{Dst: dst, Addr: addr, Invariant: true})

	return dst
}

// nominalDecl returns the declaration whose argument vector a metadata
// value of t is laid out by: t's own, or a class-bounded parameter's bound.
func (e *FunctionEmitter) nominalDecl(t *sema.Type) *sema.NominalDecl {
	if t.Kind == sema.KindNominal {
		return t.Decl
	}

	if bound := e.Generics.SuperclassBound(t); bound != nil {
		return bound.Decl
	}

	panic(werrors.Internal("%s has no generic argument vector", t))
}

func (e *FunctionEmitter) nominalArgument(cur node, index int) generics.NominalArgument {
	if cur.Protocol != nil {
		panic(werrors.Internal("nominal argument %d taken from a witness table of %s", index, cur.Type))
	}

	t := cur.Type
	if t.Kind != sema.KindNominal {
		t = e.Generics.SuperclassBound(t)
		if t == nil {
			panic(werrors.Internal("%s has no generic argument vector", cur.Type))
		}
	}

	args := generics.NominalArguments(t, e.Module)
	if index >= len(args) {
		panic(werrors.Internal("%s has no generic argument %d", t, index))
	}

	return args[index]
}

func (e *FunctionEmitter) tableEntry(cur node, slot int, kind protoinfo.EntryKind) protoinfo.Entry {
	if cur.Protocol == nil {
		panic(werrors.Internal("witness table slot %d taken from metadata of %s", slot, cur.Type))
	}

	entry := e.Module.Protocols.Full(cur.Protocol).Entry(slot)
	if entry.Kind != kind {
		panic(werrors.Internal("slot %d of %s is a %s, not a %s", slot, cur.Protocol.Name, entry.Kind, kind))
	}

	return entry
}

func (e *FunctionEmitter) conformanceOf(cur node) sema.ConformanceRef {
	return mustConformance(e.Module, cur.Type, cur.Protocol)
}

func (e *FunctionEmitter) associatedType(cur node, path *sema.Type) *sema.Type {
	ref := e.conformanceOf(cur)

	t, ok := ref.AssociatedType(path, e.Module)
	if !ok {
		panic(werrors.Internal("cannot resolve %s for %s", path, ref))
	}

	return t
}

// EmitTypeMetadataRef returns the complete metadata of t, derived from
// local data, a fulfillment, or computed from t's structure.
func (e *FunctionEmitter) EmitTypeMetadataRef(t *sema.Type) string {
	return e.EmitTypeMetadataRequest(t, fulfillment.StateComplete)
}

// EmitTypeMetadataRequest returns the metadata of t in at least state
// request. Only complete metadata is remembered as local data.
func (e *FunctionEmitter) EmitTypeMetadataRequest(t *sema.Type, request fulfillment.MetadataState) string {
	if v, ok := e.LocalTypeData(t, nil); ok {
		return v
	}

	complete := request.Satisfies(fulfillment.StateComplete)

	if f, ok := e.fulfillments.TypeMetadata(t); ok {
		v := e.Follow(f.SourceIndex, f.Path, request)
		if complete {
			e.SetLocalTypeData(t, nil, v)
		}

		return v
	}

	var v string

	switch t.Kind {
	case sema.KindGenericParam:
		panic(werrors.UnsatisfiableRequirement(generics.Metadata(t).String(), e.B.Function().Name))
	case sema.KindDependentMember:
		v = e.emitAssociatedTypeMetadata(t, request)
		if !complete {
			return v
		}
	case sema.KindNominal:
		var args []string
		for _, arg := range generics.NominalArguments(t, e.Module) {
			if arg.Requirement.IsMetadata() {
				args = append(args, e.EmitTypeMetadataRef(arg.Type))
			} else {
				args = append(args, e.EmitWitnessTableRef(arg.Type, arg.Requirement.Protocol))
			}
		}

		v = e.B.Call("meta", MetadataAccessorSymbol(t.Decl.Name), args...)
	case sema.KindMetatype:
		v = e.B.Call("meta", RuntimeGetMetatypeMetadata, e.EmitTypeMetadataRef(t.Base))
	case sema.KindExistential:
		args := []string{strconv.Itoa(len(t.Protocols))}
		for _, p := range t.Protocols {
			args = append(args, ProtocolDescriptorSymbol(p))
		}

		v = e.B.Call("meta", RuntimeGetExistentialMetadata, args...)
	case sema.KindBuiltin:
		v = e.B.Call("meta", MetadataAccessorSymbol("Builtin."+t.Name))
	default:
		panic(werrors.Internal("cannot emit metadata for %s", t))
	}

	e.SetLocalTypeData(t, nil, v)

	return v
}

// emitAssociatedTypeMetadata asks the base's witness table for the
// associated type.
func (e *FunctionEmitter) emitAssociatedTypeMetadata(t *sema.Type, request fulfillment.MetadataState) string {
	proto := t.Assoc.Protocol
	wtable := e.EmitWitnessTableRef(t.Base, proto)
	parent := e.EmitTypeMetadataRequest(t.Base, fulfillment.StateAbstract)
	slot := e.Module.Protocols.Full(proto).AssociatedTypeIndex(t.Assoc)

	return e.B.Call("assoc.meta", RuntimeGetAssociatedTypeWitness,
		MetadataRequest(request), wtable, parent, RequirementsBaseSymbol(proto), RequirementSymbol(proto, slot))
}

// EmitWitnessTableRef returns the witness table for t : p.
func (e *FunctionEmitter) EmitWitnessTableRef(t *sema.Type, p *sema.ProtocolDecl) string {
	if v, ok := e.LocalTypeData(t, p); ok {
		return v
	}

	if f, ok := e.fulfillments.WitnessTable(t, p); ok {
		v := e.Follow(f.SourceIndex, f.Path, fulfillment.StateComplete)
		e.SetLocalTypeData(t, p, v)

		return v
	}

	var v string

	if t.IsTypeParameter() {
		v = e.emitAbstractWitnessTableRef(t, p)
	} else {
		ref := mustConformance(e.Module, t, p)
		v = e.Module.Registry.Info(ref.Concrete).GetTable(e, ref)
	}

	e.SetLocalTypeData(t, p, v)

	return v
}

// knownTables lists the protocols of tables for t this function already
// has or can follow to, in a stable order.
func (e *FunctionEmitter) knownTables(t *sema.Type, exclude *sema.ProtocolDecl) []*sema.ProtocolDecl {
	var out []*sema.ProtocolDecl

	seen := map[*sema.ProtocolDecl]bool{exclude: true}
	add := func(p *sema.ProtocolDecl) {
		if p != nil && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, k := range e.localOrder {
		if k.Type == t.Key() {
			add(e.localProtos[k])
		}
	}

	for _, entry := range e.fulfillments.Entries() {
		if entry.Type.Equal(t) && !entry.Fulfillment.Path.IsImpossible() {
			add(entry.Protocol)
		}
	}

	return out
}

func (e *FunctionEmitter) emitAbstractWitnessTableRef(t *sema.Type, p *sema.ProtocolDecl) string {
	origins := e.knownTables(t, p)
	if path, ok := protoinfo.FindPath(e.Module.Protocols, origins, p); ok {
		origin := e.EmitWitnessTableRef(t, origins[path.Origin])

		return e.applyProtocolPath(path, origins, origin)
	}

	if t.Kind == sema.KindDependentMember {
		if v, ok := e.emitAssociatedConformanceRef(t, p); ok {
			return v
		}
	}

	panic(werrors.UnsatisfiableRequirement(generics.WitnessTable(t, p).String(), e.B.Function().Name))
}

func (e *FunctionEmitter) applyProtocolPath(path protoinfo.Path, origins []*sema.ProtocolDecl, origin string) string {
	return path.Apply(e.Module.Protocols, origins, origin, func(value string, slot int, _ *sema.ProtocolDecl) string {
		addr := e.B.Gep("base.addr", value, slot)
		loaded := e.invariantLoad("base", addr)
		cast := e.B.Temp("base.wtable")
		e.B.Emit(lir.Bitcast{Dst: cast, Src: loaded, Type: WitnessTableType})

		return cast
	})
}

// emitAssociatedConformanceRef derives Base.Assoc : p from the associated
// conformance requirement of Assoc's protocol that implies it.
func (e *FunctionEmitter) emitAssociatedConformanceRef(t *sema.Type, p *sema.ProtocolDecl) (string, bool) {
	parent := t.Assoc.Protocol
	self := sema.Member(parent.SelfType(), t.Assoc)

	for _, ac := range parent.AssociatedConformances {
		if !ac.Path.Equal(self) || (ac.Protocol != p && !ac.Protocol.Inherits(p)) {
			continue
		}

		slot := e.Module.Protocols.Full(parent).AssociatedConformanceIndex(ac)
		wtable := e.EmitWitnessTableRef(t.Base, parent)
		parentMeta := e.EmitTypeMetadataRef(t.Base)
		assocMeta := e.EmitTypeMetadataRef(t)

		v := e.B.Call("assoc.wtable", RuntimeGetAssociatedConformanceWitness,
			wtable, parentMeta, assocMeta, RequirementsBaseSymbol(parent), RequirementSymbol(parent, slot))

		if ac.Protocol == p {
			return v, true
		}

		e.SetLocalTypeData(t, ac.Protocol, v)

		path, ok := protoinfo.FindPath(e.Module.Protocols, []*sema.ProtocolDecl{ac.Protocol}, p)
		if !ok {
			return "", false
		}

		return e.applyProtocolPath(path, []*sema.ProtocolDecl{ac.Protocol}, v), true
	}

	return "", false
}
