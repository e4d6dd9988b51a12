// Package manifest reads the YAML description of a module handed to the
// witness generator and resolves it into semantic records.
//
// A manifest names protocols, nominal types, conformances, generic
// functions and specializations. Types are written in source syntax:
//
//	Array<Element>, T.Element, T.Type, @thin T.Type, P & Q, Any, Builtin.Int64
//
// and requirements as "T: P", "T: SomeClass", "T: AnyObject" or "T == U".
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/sema"
)

// File is the document layout of a manifest.
type File struct {
	Module          string               `yaml:"module"`
	Protocols       []ProtocolSpec       `yaml:"protocols"`
	Nominals        []NominalSpec        `yaml:"nominals"`
	Conformances    []ConformanceSpec    `yaml:"conformances"`
	Functions       []FunctionSpec       `yaml:"functions"`
	Specializations []SpecializationSpec `yaml:"specializations"`
}

// ProtocolSpec describes a protocol. Members keep declaration order, which
// fixes witness table slot order.
type ProtocolSpec struct {
	Name                   string            `yaml:"name"`
	Module                 string            `yaml:"module"`
	Kind                   string            `yaml:"kind"`
	Inherits               []string          `yaml:"inherits"`
	Resilient              bool              `yaml:"resilient"`
	Version                string            `yaml:"version"`
	Defaults               map[string]string `yaml:"defaults"`
	Members                []MemberSpec      `yaml:"members"`
	AssociatedConformances []AssocConfSpec   `yaml:"associated_conformances"`
}

// MemberSpec is one protocol member; exactly one of AssociatedType,
// Method and Placeholder is set.
type MemberSpec struct {
	AssociatedType string `yaml:"associated_type"`
	Method         string `yaml:"method"`
	Kind           string `yaml:"kind"`
	Static         bool   `yaml:"static"`
	Since          string `yaml:"since"`
	Placeholder    string `yaml:"placeholder"`
	Slots          int    `yaml:"slots"`
}

// AssocConfSpec is a requirement Path: Protocol of a protocol's
// requirement signature, with Path rooted in Self.
type AssocConfSpec struct {
	Path     string `yaml:"path"`
	Protocol string `yaml:"protocol"`
}

// GenericsSpec is a generic signature. Params is either a flat list of
// names, all at depth 0, or a list of lists, one per depth.
type GenericsSpec struct {
	Params        ParamLevels `yaml:"params"`
	Requirements  []string    `yaml:"requirements"`
	Pseudogeneric bool        `yaml:"pseudogeneric"`
}

// ParamLevels holds generic parameter names by depth.
type ParamLevels [][]string

// UnmarshalYAML accepts both the flat and the nested form.
func (l *ParamLevels) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: params must be a list", node.Line)
	}

	var flat []string

	var levels [][]string

	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			flat = append(flat, item.Value)
		case yaml.SequenceNode:
			var level []string
			if err := item.Decode(&level); err != nil {
				return err
			}

			levels = append(levels, level)
		default:
			return fmt.Errorf("line %d: a generic parameter must be a name or a list of names", item.Line)
		}
	}

	if len(flat) > 0 && len(levels) > 0 {
		return fmt.Errorf("line %d: params mixes names and depth lists", node.Line)
	}

	if len(flat) > 0 {
		levels = [][]string{flat}
	}

	*l = levels

	return nil
}

// NominalSpec describes a struct, enum or class.
type NominalSpec struct {
	Name       string        `yaml:"name"`
	Module     string        `yaml:"module"`
	Kind       string        `yaml:"kind"`
	Generics   *GenericsSpec `yaml:"generics"`
	Superclass string        `yaml:"superclass"`
	Resilient  bool          `yaml:"resilient"`
}

// ConformanceSpec describes a conformance. Without Generics a conformance
// of a generic type lives in the type's own signature.
type ConformanceSpec struct {
	Type            string            `yaml:"type"`
	Protocol        string            `yaml:"protocol"`
	Module          string            `yaml:"module"`
	Generics        *GenericsSpec     `yaml:"generics"`
	Conditional     []string          `yaml:"conditional"`
	Methods         map[string]string `yaml:"methods"`
	TypeWitnesses   map[string]string `yaml:"type_witnesses"`
	ProtocolVersion string            `yaml:"protocol_version"`
}

// ParamSpec is a formal parameter.
type ParamSpec struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Indirect bool   `yaml:"indirect"`
}

// FunctionSpec describes a generic function to lower.
type FunctionSpec struct {
	Name       string        `yaml:"name"`
	Convention string        `yaml:"convention"`
	Generics   *GenericsSpec `yaml:"generics"`
	Params     []ParamSpec   `yaml:"params"`
	// Self marks the last parameter as the receiver.
	Self            bool   `yaml:"self"`
	WitnessSelf     string `yaml:"witness_self"`
	WitnessProtocol string `yaml:"witness_protocol"`
}

// SpecializationSpec is a call of Function with concrete substitutions.
type SpecializationSpec struct {
	Function      string            `yaml:"function"`
	Substitutions map[string]string `yaml:"substitutions"`
}

// Load reads and resolves the manifest at path.
func Load(path string) (*sema.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return m, nil
}

// Parse resolves a manifest held in memory.
func Parse(data []byte) (*sema.Module, error) {
	f, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	return f.Resolve()
}

// Decode reads the document layout without resolving names. Unknown keys
// are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, werrors.InvalidInput("empty manifest")
		}

		return nil, werrors.InvalidInput("decoding manifest: %v", err)
	}

	if f.Module == "" {
		return nil, werrors.InvalidInput("manifest names no module")
	}

	return &f, nil
}

type declarations struct {
	protocols map[string]*sema.ProtocolDecl
	nominals  map[string]*sema.NominalDecl
}

type resolver struct {
	file   *File
	decls  *declarations
	module *sema.Module
}

// Resolve builds the semantic module. Names are declared before any body
// is resolved, so declarations may refer to each other in any order.
func (f *File) Resolve() (*sema.Module, error) {
	r := &resolver{
		file: f,
		decls: &declarations{
			protocols: map[string]*sema.ProtocolDecl{},
			nominals:  map[string]*sema.NominalDecl{},
		},
		module: &sema.Module{Name: f.Module},
	}

	steps := []func() error{
		r.declare,
		r.protocolMembers,
		r.associatedConformances,
		r.nominalSignatures,
		r.conformances,
		r.functions,
		r.specializations,
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return nil, werrors.InvalidInput("%v", err)
		}
	}

	return r.module, nil
}

func (r *resolver) moduleOf(name string) string {
	if name != "" {
		return name
	}

	return r.file.Module
}

func (r *resolver) declare() error {
	for _, ps := range r.file.Protocols {
		if ps.Name == "" {
			return fmt.Errorf("protocol without a name")
		}

		if r.decls.protocols[ps.Name] != nil || r.decls.nominals[ps.Name] != nil {
			return fmt.Errorf("%s is declared twice", ps.Name)
		}

		kind, err := protocolKind(ps.Kind)
		if err != nil {
			return fmt.Errorf("protocol %s: %w", ps.Name, err)
		}

		p := &sema.ProtocolDecl{
			Name:      ps.Name,
			Module:    r.moduleOf(ps.Module),
			Kind:      kind,
			Resilient: ps.Resilient,
			Version:   ps.Version,
			Defaults:  ps.Defaults,
		}

		r.decls.protocols[ps.Name] = p
		r.module.Protocols = append(r.module.Protocols, p)
	}

	for _, ns := range r.file.Nominals {
		if ns.Name == "" {
			return fmt.Errorf("nominal type without a name")
		}

		if r.decls.protocols[ns.Name] != nil || r.decls.nominals[ns.Name] != nil {
			return fmt.Errorf("%s is declared twice", ns.Name)
		}

		kind, err := nominalKind(ns.Kind)
		if err != nil {
			return fmt.Errorf("type %s: %w", ns.Name, err)
		}

		d := &sema.NominalDecl{Name: ns.Name, Module: r.moduleOf(ns.Module), Kind: kind, Resilient: ns.Resilient}

		// Parameters are declared now so other declarations can apply d;
		// requirements wait until every protocol is complete.
		if ns.Generics != nil {
			if d.Generics, err = declareParams(ns.Generics); err != nil {
				return fmt.Errorf("type %s: %w", ns.Name, err)
			}
		}

		r.decls.nominals[ns.Name] = d
		r.module.Nominals = append(r.module.Nominals, d)
	}

	for _, ps := range r.file.Protocols {
		p := r.decls.protocols[ps.Name]

		for _, name := range ps.Inherits {
			base := r.decls.protocols[name]
			if base == nil {
				return fmt.Errorf("protocol %s inherits unknown protocol %s", ps.Name, name)
			}

			p.Inherited = append(p.Inherited, base)
		}
	}

	return nil
}

func (r *resolver) protocolMembers() error {
	for _, ps := range r.file.Protocols {
		p := r.decls.protocols[ps.Name]

		for i, ms := range ps.Members {
			if err := addMember(p, ms); err != nil {
				return fmt.Errorf("protocol %s member %d: %w", ps.Name, i, err)
			}
		}
	}

	return nil
}

func addMember(p *sema.ProtocolDecl, ms MemberSpec) error {
	set := 0
	for _, s := range []string{ms.AssociatedType, ms.Method, ms.Placeholder} {
		if s != "" {
			set++
		}
	}

	if set != 1 {
		return fmt.Errorf("a member names exactly one of associated_type, method and placeholder")
	}

	switch {
	case ms.AssociatedType != "":
		p.AddAssociatedType(ms.AssociatedType)
	case ms.Method != "":
		kind, err := methodKind(ms.Kind)
		if err != nil {
			return err
		}

		m := p.AddMethod(ms.Method)
		m.Kind = kind
		m.Static = ms.Static
		m.Since = ms.Since
	default:
		if ms.Slots < 1 {
			return fmt.Errorf("placeholder %s occupies no slots", ms.Placeholder)
		}

		p.AddPlaceholder(ms.Placeholder, ms.Slots)
	}

	return nil
}

func (r *resolver) associatedConformances() error {
	for _, ps := range r.file.Protocols {
		p := r.decls.protocols[ps.Name]
		sc := &scope{decls: r.decls, protocol: p}

		for _, ac := range ps.AssociatedConformances {
			path, err := sc.parseType(ac.Path)
			if err != nil {
				return fmt.Errorf("protocol %s: %w", ps.Name, err)
			}

			if path.Kind != sema.KindDependentMember || !path.Root().Equal(p.SelfType()) {
				return fmt.Errorf("protocol %s: %s is not an associated type of Self", ps.Name, ac.Path)
			}

			proto := r.decls.protocols[ac.Protocol]
			if proto == nil {
				return fmt.Errorf("protocol %s: unknown protocol %s", ps.Name, ac.Protocol)
			}

			p.AddAssociatedConformance(path, proto)
		}
	}

	return nil
}

func (r *resolver) nominalSignatures() error {
	for _, ns := range r.file.Nominals {
		d := r.decls.nominals[ns.Name]
		sc := newScope(r.decls, d.Generics)

		if ns.Generics != nil {
			for _, req := range ns.Generics.Requirements {
				if _, err := sc.parseRequirement(req); err != nil {
					return fmt.Errorf("type %s: %w", ns.Name, err)
				}
			}
		}

		if ns.Superclass == "" {
			continue
		}

		if d.Kind != sema.NominalClass {
			return fmt.Errorf("type %s: only classes have a superclass", ns.Name)
		}

		super, err := sc.parseType(ns.Superclass)
		if err != nil {
			return fmt.Errorf("type %s: %w", ns.Name, err)
		}

		if !super.IsClass() {
			return fmt.Errorf("type %s: superclass %s is not a class", ns.Name, super)
		}

		d.Superclass = super
	}

	return nil
}

func (r *resolver) conformances() error {
	for _, cs := range r.file.Conformances {
		c, err := r.conformance(cs)
		if err != nil {
			return fmt.Errorf("conformance %s: %s: %w", cs.Type, cs.Protocol, err)
		}

		r.module.Conformances = append(r.module.Conformances, c)
	}

	return nil
}

func (r *resolver) conformance(cs ConformanceSpec) (*sema.Conformance, error) {
	proto := r.decls.protocols[cs.Protocol]
	if proto == nil {
		return nil, fmt.Errorf("unknown protocol")
	}

	var (
		sig *sema.GenericSignature
		sc  *scope
		ty  *sema.Type
		err error
	)

	decl := r.decls.nominals[nominalName(cs.Type)]

	switch {
	case cs.Generics != nil:
		if sig, sc, err = r.signature(cs.Generics); err != nil {
			return nil, err
		}
	case decl != nil && decl.IsGeneric():
		// Without its own signature the conformance lives in the type's
		// generic context; conditional requirements extend a copy of it.
		sig = &sema.GenericSignature{
			Params:       decl.Generics.Params,
			Requirements: append([]sema.Requirement(nil), decl.Generics.Requirements...),
		}
		sc = newScope(r.decls, sig)
	default:
		sc = newScope(r.decls, nil)
	}

	if decl != nil && decl.IsGeneric() && strings.TrimSpace(cs.Type) == decl.Name {
		ty = decl.DeclaredType()
	} else if ty, err = sc.parseType(cs.Type); err != nil {
		return nil, err
	}

	c := &sema.Conformance{
		Protocol:        proto,
		Type:            ty,
		Generics:        sig,
		Module:          r.moduleOf(cs.Module),
		Methods:         cs.Methods,
		ProtocolVersion: cs.ProtocolVersion,
	}

	if c.Methods == nil {
		c.Methods = map[string]string{}
	}

	for _, req := range cs.Conditional {
		parsed, err := sc.parseRequirement(req)
		if err != nil {
			return nil, err
		}

		c.Conditional = append(c.Conditional, parsed)
	}

	if len(cs.TypeWitnesses) > 0 {
		c.TypeWitnesses = make(map[string]*sema.Type, len(cs.TypeWitnesses))

		for name, src := range cs.TypeWitnesses {
			if proto.LookupAssociatedType(name) == nil {
				return nil, fmt.Errorf("%s has no associated type %s", proto.Name, name)
			}

			w, err := sc.parseType(src)
			if err != nil {
				return nil, fmt.Errorf("witness for %s: %w", name, err)
			}

			c.TypeWitnesses[name] = w
		}
	}

	return c, nil
}

func (r *resolver) functions() error {
	for _, fs := range r.file.Functions {
		fn, err := r.function(fs)
		if err != nil {
			return fmt.Errorf("function %s: %w", fs.Name, err)
		}

		r.module.Functions = append(r.module.Functions, fn)
	}

	return nil
}

func (r *resolver) function(fs FunctionSpec) (*sema.Function, error) {
	if fs.Name == "" {
		return nil, fmt.Errorf("function without a name")
	}

	conv, err := callingConvention(fs.Convention)
	if err != nil {
		return nil, err
	}

	fn := &sema.Function{Name: fs.Name, Convention: conv, HasSelf: fs.Self}

	sc := newScope(r.decls, nil)
	if fs.Generics != nil {
		if fn.Generics, sc, err = r.signature(fs.Generics); err != nil {
			return nil, err
		}
	}

	for _, ps := range fs.Params {
		t, err := sc.parseType(ps.Type)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", ps.Name, err)
		}

		p := sema.Param{Name: ps.Name, Type: t}
		if ps.Indirect {
			p.Convention = sema.ParamIndirect
		}

		fn.Params = append(fn.Params, p)
	}

	if fs.Self && len(fn.Params) == 0 {
		return nil, fmt.Errorf("self is set but there are no parameters")
	}

	if conv != sema.ConvWitnessMethod {
		if fs.WitnessSelf != "" || fs.WitnessProtocol != "" {
			return nil, fmt.Errorf("witness_self applies to witness methods only")
		}

		return fn, nil
	}

	if fs.WitnessSelf == "" || fs.WitnessProtocol == "" {
		return nil, fmt.Errorf("witness methods need witness_self and witness_protocol")
	}

	if fn.WitnessSelf, err = sc.parseType(fs.WitnessSelf); err != nil {
		return nil, fmt.Errorf("witness_self: %w", err)
	}

	proto := r.decls.protocols[fs.WitnessProtocol]
	if proto == nil {
		return nil, fmt.Errorf("unknown protocol %s", fs.WitnessProtocol)
	}

	ref, ok := r.module.LookupConformance(fn.WitnessSelf, proto)
	if !ok {
		return nil, fmt.Errorf("%s does not conform to %s", fn.WitnessSelf, proto.Name)
	}

	fn.WitnessConformance = ref

	return fn, nil
}

func (r *resolver) specializations() error {
	for _, ss := range r.file.Specializations {
		fn := r.module.Function(ss.Function)
		if fn == nil {
			return fmt.Errorf("specialization of unknown function %s", ss.Function)
		}

		subs := sema.NewSubstitutionMap()
		sc := newScope(r.decls, nil)

		var params []*sema.Type
		if fn.Generics != nil {
			params = fn.Generics.Params
		}

		for _, param := range params {
			src, ok := ss.Substitutions[param.Name]
			if !ok {
				return fmt.Errorf("specialization of %s: no substitution for %s", fn.Name, param.Name)
			}

			t, err := sc.parseType(src)
			if err != nil {
				return fmt.Errorf("specialization of %s: %w", fn.Name, err)
			}

			subs.Set(param, t)
		}

		if len(ss.Substitutions) != len(params) {
			return fmt.Errorf("specialization of %s: substitutions name parameters it does not have", fn.Name)
		}

		r.module.Specializations = append(r.module.Specializations, sema.Specialization{Function: fn, Subs: subs})
	}

	return nil
}

// signature builds a generic signature, resolving requirements in order
// so that later ones can project associated types earlier ones introduce.
func (r *resolver) signature(gs *GenericsSpec) (*sema.GenericSignature, *scope, error) {
	sig, err := declareParams(gs)
	if err != nil {
		return nil, nil, err
	}

	sc := newScope(r.decls, sig)

	for _, req := range gs.Requirements {
		if _, err := sc.parseRequirement(req); err != nil {
			return nil, nil, err
		}
	}

	return sig, sc, nil
}

func declareParams(gs *GenericsSpec) (*sema.GenericSignature, error) {
	sig := &sema.GenericSignature{Pseudogeneric: gs.Pseudogeneric}
	seen := map[string]bool{}

	for depth, level := range gs.Params {
		for index, name := range level {
			if name == "" || seen[name] {
				return nil, fmt.Errorf("generic parameter %q is empty or repeated", name)
			}

			seen[name] = true
			sig.Params = append(sig.Params, sema.GenericParam(depth, index, name))
		}
	}

	return sig, nil
}

// nominalName returns the declaration name a type expression applies.
func nominalName(src string) string {
	name, _, _ := strings.Cut(src, "<")
	return strings.TrimSpace(name)
}

func newScope(decls *declarations, sig *sema.GenericSignature) *scope {
	sc := &scope{decls: decls, params: map[string]*sema.Type{}, sig: sig}

	if sig != nil {
		for _, p := range sig.Params {
			sc.params[p.Name] = p
		}
	}

	return sc
}

func protocolKind(s string) (sema.ProtocolKind, error) {
	switch strings.ToLower(s) {
	case "", "normal":
		return sema.ProtocolNormal, nil
	case "marker":
		return sema.ProtocolMarker, nil
	case "objc":
		return sema.ProtocolObjC, nil
	}

	return 0, fmt.Errorf("unknown protocol kind %q", s)
}

func nominalKind(s string) (sema.NominalKind, error) {
	switch strings.ToLower(s) {
	case "", "struct":
		return sema.NominalStruct, nil
	case "enum":
		return sema.NominalEnum, nil
	case "class":
		return sema.NominalClass, nil
	}

	return 0, fmt.Errorf("unknown type kind %q", s)
}

func methodKind(s string) (sema.MethodKind, error) {
	switch strings.ToLower(s) {
	case "", "plain":
		return sema.MethodPlain, nil
	case "init":
		return sema.MethodInit, nil
	case "getter":
		return sema.MethodGetter, nil
	case "setter":
		return sema.MethodSetter, nil
	}

	return 0, fmt.Errorf("unknown method kind %q", s)
}

func callingConvention(s string) (sema.CallingConvention, error) {
	switch strings.ToLower(s) {
	case "", "thin":
		return sema.ConvThin, nil
	case "method":
		return sema.ConvMethod, nil
	case "witness_method":
		return sema.ConvWitnessMethod, nil
	case "objc_method":
		return sema.ConvObjCMethod, nil
	}

	return 0, fmt.Errorf("unknown calling convention %q", s)
}
