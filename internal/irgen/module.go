// Package irgen decides how generic functions receive their type metadata
// and witness tables, emits the code that derives them, and builds the
// witness tables of protocol conformances.
package irgen

import (
	"strconv"
	"strings"
	"sync"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/fulfillment"
	"github.com/orizon-lang/witgen/internal/layout"
	"github.com/orizon-lang/witgen/internal/lir"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
)

// Runtime entry points called by generated code.
const (
	RuntimeGetWitnessTable                 = "@swift_getWitnessTable"
	RuntimeGetGenericWitnessTable          = "@swift_getGenericWitnessTable"
	RuntimeGetAssociatedTypeWitness        = "@swift_getAssociatedTypeWitness"
	RuntimeGetAssociatedConformanceWitness = "@swift_getAssociatedConformanceWitness"
	RuntimeGetObjectType                   = "@swift_getObjectType"
	RuntimeGetMetatypeMetadata             = "@swift_getMetatypeMetadata"
	RuntimeGetExistentialMetadata          = "@swift_getExistentialTypeMetadata"
	RuntimeDeletedMethodError              = "@swift_deletedMethodError"
)

// Request arguments of swift_getAssociatedTypeWitness.
const (
	MetadataRequestComplete       = "0"
	MetadataRequestLayoutComplete = "63"
	MetadataRequestAbstract       = "255"
)

// MetadataRequest returns the request argument asking for metadata in at
// least state s.
func MetadataRequest(s fulfillment.MetadataState) string {
	switch s {
	case fulfillment.StateAbstract:
		return MetadataRequestAbstract
	case fulfillment.StateLayoutComplete:
		return MetadataRequestLayoutComplete
	default:
		return MetadataRequestComplete
	}
}

// ModuleBuilder collects the globals and functions emitted for one module.
// Conformances and functions may be emitted from several goroutines; each
// unit builds its own lir.Function and hands it over here.
type ModuleBuilder struct {
	Name      string
	Sema      *sema.Module
	Protocols *protoinfo.Cache
	Layout    *layout.LayoutCalculator
	Registry  *Registry

	mu        sync.Mutex
	globals   map[string]*lir.Global
	functions map[string]*lir.Function
}

// NewModuleBuilder returns a builder for m sharing the protocol cache.
func NewModuleBuilder(m *sema.Module, protocols *protoinfo.Cache) *ModuleBuilder {
	if protocols == nil {
		protocols = protoinfo.NewCache()
	}

	b := &ModuleBuilder{
		Name:      m.Name,
		Sema:      m,
		Protocols: protocols,
		Layout:    layout.NewLayoutCalculator(),
		globals:   map[string]*lir.Global{},
		functions: map[string]*lir.Function{},
	}
	b.Registry = NewRegistry(b)

	return b
}

// LookupConformance resolves conformances through the semantic module.
func (b *ModuleBuilder) LookupConformance(t *sema.Type, p *sema.ProtocolDecl) (sema.ConformanceRef, bool) {
	return b.Sema.LookupConformance(t, p)
}

// AddGlobal registers g unless a global of the same name exists, in which
// case the existing one is returned.
func (b *ModuleBuilder) AddGlobal(g *lir.Global) *lir.Global {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.globals[g.Name]; ok {
		return old
	}

	b.globals[g.Name] = g

	return g
}

// AddFunction registers fn. It reports false and leaves the module alone
// when a function of that name was already emitted.
func (b *ModuleBuilder) AddFunction(fn *lir.Function) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.functions[fn.Name]; ok {
		return false
	}

	b.functions[fn.Name] = fn

	return true
}

// HasFunction reports whether name was emitted.
func (b *ModuleBuilder) HasFunction(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.functions[name]

	return ok
}

// Global returns the global named name.
func (b *ModuleBuilder) Global(name string) *lir.Global {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.globals[name]
}

// Function returns the function named name.
func (b *ModuleBuilder) Function(name string) *lir.Function {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.functions[name]
}

// Module returns everything emitted so far as a sorted lir module.
func (b *ModuleBuilder) Module() *lir.Module {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := &lir.Module{Name: b.Name}
	for _, g := range b.globals {
		m.Globals = append(m.Globals, g)
	}

	for _, f := range b.functions {
		m.Functions = append(m.Functions, f)
	}

	m.Sort()

	return m
}

var mangler = strings.NewReplacer("<", "[", ">", "]", ", ", ",", " ", "_")

// MangleType spells t as a symbol fragment.
func MangleType(t *sema.Type) string { return mangler.Replace(t.Key()) }

// ConformanceSymbol is the symbol prefix of a conformance pattern, such as
// @Array[Element]:Collection.
func ConformanceSymbol(c *sema.Conformance) string {
	return "@" + MangleType(c.Type) + ":" + c.Protocol.Name
}

// SpecializedConformanceSymbol names entities of a conformance applied to
// a concrete type, such as @Array[Int]:Eq.
func SpecializedConformanceSymbol(t *sema.Type, p *sema.ProtocolDecl) string {
	return "@" + MangleType(t) + ":" + p.Name
}

func WitnessTableSymbol(c *sema.Conformance) string   { return ConformanceSymbol(c) + ".wtable" }
func AccessorSymbol(c *sema.Conformance) string       { return ConformanceSymbol(c) + ".accessor" }
func InstantiatorSymbol(c *sema.Conformance) string   { return ConformanceSymbol(c) + ".instantiate" }
func GenericCacheSymbol(c *sema.Conformance) string   { return ConformanceSymbol(c) + ".generic.cache" }
func DescriptorSymbol(c *sema.Conformance) string     { return ConformanceSymbol(c) + ".descriptor" }
func PrivateDataSymbol(c *sema.Conformance) string    { return ConformanceSymbol(c) + ".private" }
func ResilientTableSymbol(c *sema.Conformance) string { return ConformanceSymbol(c) + ".resilient" }

// AssociatedTypeAccessorSymbol names the accessor stored in the slot of
// associated type at.
func AssociatedTypeAccessorSymbol(c *sema.Conformance, at *sema.AssociatedTypeDecl) string {
	return ConformanceSymbol(c) + ".assoc." + at.Name
}

// AssociatedConformanceAccessorSymbol names the accessor stored in the slot
// of associated conformance ac.
func AssociatedConformanceAccessorSymbol(c *sema.Conformance, ac *sema.AssociatedConformanceDecl) string {
	return ConformanceSymbol(c) + ".assoc_conf." + MangleType(ac.Path) + ":" + ac.Protocol.Name
}

// LazyAccessorSymbol and LazyCacheSymbol name the caching accessor of a
// conformance applied to the concrete type t.
func LazyAccessorSymbol(t *sema.Type, p *sema.ProtocolDecl) string {
	return SpecializedConformanceSymbol(t, p) + ".lazy"
}

func LazyCacheSymbol(t *sema.Type, p *sema.ProtocolDecl) string {
	return SpecializedConformanceSymbol(t, p) + ".lazy.cache"
}

// MetadataAccessorSymbol names the metadata accessor of a nominal or
// builtin type; it takes the generic argument vector as arguments.
func MetadataAccessorSymbol(name string) string { return "@" + name + ".metadata" }

// ProtocolDescriptorSymbol names a protocol's descriptor.
func ProtocolDescriptorSymbol(p *sema.ProtocolDecl) string { return "@" + p.Name + ".protocol" }

// RequirementsBaseSymbol names the start of a protocol's requirement
// descriptors; slot n's descriptor is RequirementSymbol(p, n).
func RequirementsBaseSymbol(p *sema.ProtocolDecl) string { return "@" + p.Name + ".requirements" }

func RequirementSymbol(p *sema.ProtocolDecl, slot int) string {
	return RequirementsBaseSymbol(p) + "+" + strconv.Itoa(slot)
}

func mustConformance(lookup sema.ConformanceLookup, t *sema.Type, p *sema.ProtocolDecl) sema.ConformanceRef {
	ref, ok := lookup.LookupConformance(t, p)
	if !ok {
		panic(werrors.Internal("no conformance of %s to %s", t, p.Name))
	}

	return ref
}
