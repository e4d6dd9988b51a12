package wtruntime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/blacktop/go-macho/types/swift"

	"github.com/orizon-lang/witgen/internal/generics"
	"github.com/orizon-lang/witgen/internal/layout"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/sema"
)

// Entry points implemented by the runtime itself.
const (
	GetWitnessTable                 = "@swift_getWitnessTable"
	GetGenericWitnessTable          = "@swift_getGenericWitnessTable"
	GetAssociatedTypeWitness        = "@swift_getAssociatedTypeWitness"
	GetAssociatedConformanceWitness = "@swift_getAssociatedConformanceWitness"
	GetObjectType                   = "@swift_getObjectType"
	GetMetatypeMetadata             = "@swift_getMetatypeMetadata"
	GetExistentialMetadata          = "@swift_getExistentialTypeMetadata"
	DeletedMethodError              = "@swift_deletedMethodError"
)

var (
	// ErrTrap is matched by every error raised by a trap in generated code.
	ErrTrap = errors.New("trap")
	// ErrDeletedMethod is returned when a deleted witness is called.
	ErrDeletedMethod = fmt.Errorf("%w: deleted method called", ErrTrap)
)

// TrapError reports the block that trapped.
type TrapError struct {
	Function string
	Block    string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("trap in %s at %s", e.Function, e.Block)
}

func (e *TrapError) Is(target error) bool { return target == ErrTrap }

type native func(rt *Runtime, args []Value, depth int) (Value, error)

var natives map[string]native

func init() {
	natives = map[string]native{
		GetWitnessTable:                 (*Runtime).getWitnessTable,
		GetGenericWitnessTable:          (*Runtime).getGenericWitnessTable,
		GetAssociatedTypeWitness:        (*Runtime).getAssociatedTypeWitness,
		GetAssociatedConformanceWitness: (*Runtime).getAssociatedConformanceWitness,
		GetObjectType:                   (*Runtime).getObjectType,
		GetMetatypeMetadata:             (*Runtime).getMetatypeMetadata,
		GetExistentialMetadata:          (*Runtime).getExistentialMetadata,
		DeletedMethodError: func(*Runtime, []Value, int) (Value, error) {
			return Null, ErrDeletedMethod
		},
	}
}

// Runtime holds the loaded lir modules, the objects their globals are
// materialized into, and the uniqued type metadata.
type Runtime struct {
	// MaxSteps bounds the instructions one call may execute.
	MaxSteps int

	decls  map[string]*sema.NominalDecl
	lookup sema.ConformanceLookup
	cache  *layout.StructLayout

	mu        sync.Mutex
	globals   map[string]*lir.Global
	functions map[string]*lir.Function
	objects   map[string]*Object
	metadata  map[string]*Object
	typeNames map[*Object]string

	tables *GenericWitnessTableCache
}

// New returns a runtime whose metadata accessors know the nominal types
// of the given semantic modules.
func New(modules ...*sema.Module) *Runtime {
	rt := &Runtime{
		MaxSteps:  1 << 20,
		decls:     map[string]*sema.NominalDecl{},
		cache:     layout.NewLayoutCalculator().GenericWitnessTableCache(),
		globals:   map[string]*lir.Global{},
		functions: map[string]*lir.Function{},
		objects:   map[string]*Object{},
		metadata:  map[string]*Object{},
		typeNames: map[*Object]string{},
		tables:    NewGenericWitnessTableCache(),
	}

	var lookups multiLookup
	for _, m := range modules {
		for _, d := range m.Nominals {
			rt.decls[d.Name] = d
		}

		lookups = append(lookups, m)
	}

	rt.lookup = lookups

	return rt
}

type multiLookup []*sema.Module

func (ml multiLookup) LookupConformance(t *sema.Type, p *sema.ProtocolDecl) (sema.ConformanceRef, bool) {
	for _, m := range ml {
		if ref, ok := m.LookupConformance(t, p); ok {
			return ref, true
		}
	}

	return sema.ConformanceRef{}, false
}

// Load adds the definitions of m. Defining a symbol twice is an error.
func (rt *Runtime) Load(m *lir.Module) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	for _, g := range m.Globals {
		if _, ok := rt.globals[g.Name]; ok {
			return fmt.Errorf("module %s: global %s already defined", m.Name, g.Name)
		}

		rt.globals[g.Name] = g
	}

	for _, f := range m.Functions {
		if _, ok := rt.functions[f.Name]; ok {
			return fmt.Errorf("module %s: function %s already defined", m.Name, f.Name)
		}

		rt.functions[f.Name] = f
	}

	return nil
}

// Tables returns the instantiation cache.
func (rt *Runtime) Tables() *GenericWitnessTableCache { return rt.tables }

// Symbol resolves a global or function name to its value. Names with no
// definition resolve to opaque symbols.
func (rt *Runtime) Symbol(name string) (Value, error) {
	rt.mu.Lock()
	_, isFunc := rt.functions[name]
	g, isGlobal := rt.globals[name]
	rt.mu.Unlock()

	switch {
	case isGlobal:
		obj, err := rt.global(g)
		if err != nil {
			return Null, err
		}

		return Pointer(obj, 0), nil
	case isFunc, natives[name] != nil, rt.isMetadataAccessor(name):
		return Value{Kind: KindFunction, Name: name}, nil
	default:
		return Value{Kind: KindSymbol, Name: name}, nil
	}
}

// global materializes g once. Fields referring to other globals are
// resolved after the object is published so cycles terminate.
func (rt *Runtime) global(g *lir.Global) (*Object, error) {
	rt.mu.Lock()
	if obj, ok := rt.objects[g.Name]; ok {
		rt.mu.Unlock()
		return obj, nil
	}

	obj := NewObject(g.Name, len(g.Fields))
	rt.objects[g.Name] = obj
	rt.mu.Unlock()

	for i, f := range g.Fields {
		var v Value

		switch f.Kind {
		case lir.ConstInt:
			v = Int(f.Value)
		case lir.ConstSymbol, lir.ConstRelative:
			if f.Symbol == "" {
				break
			}

			var err error
			if v, err = rt.Symbol(f.Symbol); err != nil {
				return nil, err
			}
		}

		if err := obj.Store(i, v); err != nil {
			return nil, err
		}
	}

	return obj, nil
}

func (rt *Runtime) isMetadataAccessor(name string) bool {
	decl, builtin := metadataAccessorTarget(name)
	if builtin {
		return true
	}

	_, ok := rt.decls[decl]

	return ok
}

// metadataAccessorTarget splits @Name.metadata into Name, reporting
// whether it names a builtin type.
func metadataAccessorTarget(name string) (string, bool) {
	if !strings.HasPrefix(name, "@") || !strings.HasSuffix(name, ".metadata") {
		return "", false
	}

	target := strings.TrimSuffix(strings.TrimPrefix(name, "@"), ".metadata")
	if strings.HasPrefix(target, "Builtin.") {
		return target, true
	}

	return target, false
}

// TypeName returns the type a metadata value describes.
func (rt *Runtime) TypeName(v Value) (string, bool) {
	if v.Kind != KindPointer || v.Offset != 0 {
		return "", false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	name, ok := rt.typeNames[v.Object]

	return name, ok
}

// uniqueMetadata returns the metadata object for key, creating it on
// first use.
func (rt *Runtime) uniqueMetadata(key, name string, create func() *Object) Value {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if obj, ok := rt.metadata[key]; ok {
		return Pointer(obj, 0)
	}

	obj := create()
	obj.Name = name
	rt.metadata[key] = obj
	rt.typeNames[obj] = name

	return Pointer(obj, 0)
}

// Metadata returns the metadata of the nominal or builtin type name
// applied to args, the generic argument vector.
func (rt *Runtime) Metadata(name string, args ...Value) (Value, error) {
	if strings.HasPrefix(name, "Builtin.") {
		return rt.uniqueMetadata(name, name, func() *Object {
			return NewObject(name, layout.ValueMetadataHeaderWords)
		}), nil
	}

	decl, ok := rt.decls[name]
	if !ok {
		return Null, fmt.Errorf("no metadata accessor for %s", name)
	}

	vector := generics.NominalArguments(decl.DeclaredType(), rt.lookup)
	if len(args) < len(vector) {
		return Null, fmt.Errorf("metadata of %s needs %d arguments, got %d", name, len(vector), len(args))
	}

	args = args[:len(vector)]

	var typeArgs []string
	for i, a := range vector {
		if !a.Requirement.IsMetadata() {
			continue
		}

		argName, ok := rt.TypeName(args[i])
		if !ok {
			return Null, fmt.Errorf("argument %d of %s is not metadata: %s", i, name, args[i])
		}

		typeArgs = append(typeArgs, argName)
	}

	display := name
	if len(typeArgs) > 0 {
		display += "<" + strings.Join(typeArgs, ", ") + ">"
	}

	offset := layout.GenericArgumentOffset(decl)

	var initErr error

	v := rt.uniqueMetadata(display, display, func() *Object {
		obj := NewObject(display, offset+len(args))
		initErr = obj.Store(0, Int(int64(decl.Kind)))

		for i, a := range args {
			if err := obj.Store(offset+i, a); err != nil && initErr == nil {
				initErr = err
			}
		}

		return obj
	})

	return v, initErr
}

// NewInstance allocates a class instance whose isa word is meta.
func (rt *Runtime) NewInstance(meta Value) Value {
	rt.mu.Lock()
	name := rt.typeNames[meta.Object]
	rt.mu.Unlock()

	obj := NewObject(name+" instance", 1)
	_ = obj.Store(0, meta)

	return Pointer(obj, 0)
}

// NewBuffer allocates an argument buffer holding vs.
func NewBuffer(vs ...Value) Value {
	obj := NewObject("buffer", len(vs))
	for i, v := range vs {
		_ = obj.Store(i, v)
	}

	return Pointer(obj, 0)
}

func (rt *Runtime) getObjectType(args []Value, _ int) (Value, error) {
	if len(args) != 1 {
		return Null, fmt.Errorf("%s takes 1 argument, got %d", GetObjectType, len(args))
	}

	return Deref(args[0])
}

func (rt *Runtime) getMetatypeMetadata(args []Value, _ int) (Value, error) {
	if len(args) != 1 {
		return Null, fmt.Errorf("%s takes 1 argument, got %d", GetMetatypeMetadata, len(args))
	}

	base, ok := rt.TypeName(args[0])
	if !ok {
		return Null, fmt.Errorf("%s: %s is not metadata", GetMetatypeMetadata, args[0])
	}

	name := base + ".Type"

	return rt.uniqueMetadata(name, name, func() *Object {
		obj := NewObject(name, layout.ValueMetadataHeaderWords)
		_ = obj.Store(1, args[0])

		return obj
	}), nil
}

func (rt *Runtime) getExistentialMetadata(args []Value, _ int) (Value, error) {
	if len(args) == 0 || args[0].Kind != KindInt || int(args[0].Int) != len(args)-1 {
		return Null, fmt.Errorf("%s: malformed protocol list %v", GetExistentialMetadata, args)
	}

	name := "Any"
	if len(args) > 1 {
		protos := make([]string, len(args)-1)
		for i, p := range args[1:] {
			protos[i] = strings.TrimSuffix(strings.TrimPrefix(p.Name, "@"), ".protocol")
		}

		name = strings.Join(protos, " & ")
	}

	return rt.uniqueMetadata("any "+name, name, func() *Object {
		return NewObject(name, layout.ValueMetadataHeaderWords)
	}), nil
}

// requirementSlot returns the witness table slot of a requirement
// descriptor symbol of the form @P.requirements+N.
func requirementSlot(req Value) (int, error) {
	i := strings.LastIndexByte(req.Name, '+')
	if i < 0 {
		return 0, fmt.Errorf("malformed requirement descriptor %s", req)
	}

	return strconv.Atoi(req.Name[i+1:])
}

func (rt *Runtime) witnessAt(table, req Value) (Value, error) {
	slot, err := requirementSlot(req)
	if err != nil {
		return Null, err
	}

	if table.Kind != KindPointer {
		return Null, fmt.Errorf("witness table %s is not a pointer", table)
	}

	w, err := table.Object.Load(table.Offset + slot)
	if err != nil {
		return Null, err
	}

	if w.Kind != KindFunction {
		return Null, fmt.Errorf("slot %d of %s holds %s, not an accessor", slot, table, w)
	}

	return w, nil
}

// getAssociatedTypeWitness(request, table, parent, requirements, requirement)
func (rt *Runtime) getAssociatedTypeWitness(args []Value, depth int) (Value, error) {
	if len(args) != 5 {
		return Null, fmt.Errorf("%s takes 5 arguments, got %d", GetAssociatedTypeWitness, len(args))
	}

	fn, err := rt.witnessAt(args[1], args[4])
	if err != nil {
		return Null, fmt.Errorf("%s: %w", GetAssociatedTypeWitness, err)
	}

	return rt.invoke(fn.Name, []Value{args[2], args[1]}, depth+1)
}

// getAssociatedConformanceWitness(table, parent, assoc, requirements, requirement)
func (rt *Runtime) getAssociatedConformanceWitness(args []Value, depth int) (Value, error) {
	if len(args) != 5 {
		return Null, fmt.Errorf("%s takes 5 arguments, got %d", GetAssociatedConformanceWitness, len(args))
	}

	fn, err := rt.witnessAt(args[0], args[4])
	if err != nil {
		return Null, fmt.Errorf("%s: %w", GetAssociatedConformanceWitness, err)
	}

	return rt.invoke(fn.Name, []Value{args[2], args[1], args[0]}, depth+1)
}

// getWitnessTable(descriptor, metadata, conditional tables) finds the
// accessor of the described conformance and calls it.
func (rt *Runtime) getWitnessTable(args []Value, depth int) (Value, error) {
	if len(args) != 3 {
		return Null, fmt.Errorf("%s takes 3 arguments, got %d", GetWitnessTable, len(args))
	}

	desc := args[0]
	if desc.Kind != KindPointer || !strings.HasSuffix(desc.Object.Name, ".descriptor") {
		return Null, fmt.Errorf("%s: %s is not a conformance descriptor", GetWitnessTable, desc)
	}

	raw, err := desc.Object.Load(desc.Offset + 3)
	if err != nil {
		return Null, err
	}

	flags := swift.ConformanceFlags(uint32(raw.Int))
	accessor := strings.TrimSuffix(desc.Object.Name, ".descriptor") + ".accessor"

	rt.mu.Lock()
	fn, ok := rt.functions[accessor]
	rt.mu.Unlock()

	if !ok {
		return Null, fmt.Errorf("%s: no accessor %s", GetWitnessTable, accessor)
	}

	if len(fn.Params) == 0 {
		return rt.invoke(accessor, nil, depth+1)
	}

	count := Int(int64(flags.GetNumConditionalRequirements()))

	return rt.invoke(accessor, []Value{args[1], args[2], count}, depth+1)
}

func (rt *Runtime) cacheField(name string) int {
	for i, f := range rt.cache.Fields {
		if f.Name == name {
			return i
		}
	}

	panic("no generic witness table cache field " + name)
}

// getGenericWitnessTable(cache, metadata, arguments) returns the table of
// the cache's conformance for metadata, instantiating it on first use.
func (rt *Runtime) getGenericWitnessTable(args []Value, depth int) (Value, error) {
	if len(args) != 3 {
		return Null, fmt.Errorf("%s takes 3 arguments, got %d", GetGenericWitnessTable, len(args))
	}

	cache, meta, buffer := args[0], args[1], args[2]
	if cache.Kind != KindPointer {
		return Null, fmt.Errorf("%s: cache %s is not a record", GetGenericWitnessTable, cache)
	}

	return rt.tables.Get(cache, meta, func() (Value, error) {
		return rt.instantiate(cache.Object, meta, buffer, depth)
	})
}

func (rt *Runtime) instantiate(record *Object, meta, buffer Value, depth int) (Value, error) {
	field := func(name string) (Value, error) { return record.Load(rt.cacheField(name)) }

	size, err := field("witness_table_size_in_words")
	if err != nil {
		return Null, err
	}

	private, err := field("witness_table_private_size_in_words_and_requires_instantiation")
	if err != nil {
		return Null, err
	}

	pattern, err := field("pattern")
	if err != nil {
		return Null, err
	}

	instantiator, err := field("instantiator")
	if err != nil {
		return Null, err
	}

	if pattern.Kind != KindPointer {
		return Null, fmt.Errorf("%s has no pattern", record.Name)
	}

	privateWords, requiresInstantiation := layout.DecodePrivateSize(uint16(private.Int))

	typeName, _ := rt.TypeName(meta)
	obj := NewObject(pattern.Object.Name+"<"+typeName+">", privateWords+int(size.Int))

	for i := 0; i < int(size.Int); i++ {
		v, err := pattern.Object.Load(pattern.Offset + i)
		if err != nil {
			return Null, err
		}

		if err := obj.Store(privateWords+i, v); err != nil {
			return Null, err
		}
	}

	table := Pointer(obj, privateWords)

	if requiresInstantiation {
		if instantiator.Kind != KindFunction {
			return Null, fmt.Errorf("%s requires instantiation but has no instantiator", record.Name)
		}

		if _, err := rt.invoke(instantiator.Name, []Value{table, meta, buffer}, depth+1); err != nil {
			return Null, fmt.Errorf("instantiating %s: %w", obj.Name, err)
		}
	}

	return table, nil
}

type tableKey struct {
	cache    Value
	metadata Value
}

type tableEntry struct {
	mu    sync.Mutex
	table atomic.Pointer[Value]
}

// GenericWitnessTableCache holds the tables instantiated for each
// conformance and conforming type. A table is published once; readers
// that find it never take the entry lock.
type GenericWitnessTableCache struct {
	mu      sync.Mutex
	entries map[tableKey]*tableEntry

	instantiations atomic.Int64
}

// NewGenericWitnessTableCache returns an empty cache.
func NewGenericWitnessTableCache() *GenericWitnessTableCache {
	return &GenericWitnessTableCache{entries: map[tableKey]*tableEntry{}}
}

// Get returns the table for (cache, metadata), calling instantiate when
// no table was published yet. A failed instantiation publishes nothing.
func (c *GenericWitnessTableCache) Get(cache, metadata Value, instantiate func() (Value, error)) (Value, error) {
	key := tableKey{cache: cache, metadata: metadata}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &tableEntry{}
		c.entries[key] = e
	}
	c.mu.Unlock()

	if t := e.table.Load(); t != nil {
		return *t, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.table.Load(); t != nil {
		return *t, nil
	}

	t, err := instantiate()
	if err != nil {
		return Null, err
	}

	c.instantiations.Add(1)
	e.table.Store(&t)

	return t, nil
}

// Instantiations returns how many tables were instantiated.
func (c *GenericWitnessTableCache) Instantiations() int64 { return c.instantiations.Load() }
