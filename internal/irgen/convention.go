package irgen

import (
	"fmt"
	"strconv"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/fulfillment"
	"github.com/orizon-lang/witgen/internal/generics"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
)

// SourceKind is where a metadata source comes from.
type SourceKind int

const (
	// SourceClassPointer is the dynamic type of a class instance argument.
	SourceClassPointer SourceKind = iota
	// SourceMetadata is a thick metatype argument.
	SourceMetadata
	// SourceGenericLValueMetadata is metadata passed alongside an indirect
	// self argument.
	SourceGenericLValueMetadata
	// SourceSelfMetadata and SourceSelfWitnessTable are the hidden Self
	// arguments of witness methods.
	SourceSelfMetadata
	SourceSelfWitnessTable
	// SourceErasedTypeMetadata stands for a parameter of a pseudogeneric
	// signature; it has no runtime value.
	SourceErasedTypeMetadata
	// SourceExplicitMetadata and SourceExplicitWitnessTable are requirements
	// passed as explicit parameters, searched for what they imply.
	SourceExplicitMetadata
	SourceExplicitWitnessTable
)

var sourceKindNames = [...]string{
	SourceClassPointer:          "class_pointer",
	SourceMetadata:              "metadata",
	SourceGenericLValueMetadata: "generic_lvalue_metadata",
	SourceSelfMetadata:          "self_metadata",
	SourceSelfWitnessTable:      "self_witness_table",
	SourceErasedTypeMetadata:    "erased_type_metadata",
	SourceExplicitMetadata:      "explicit_metadata",
	SourceExplicitWitnessTable:  "explicit_witness_table",
}

func (k SourceKind) String() string {
	if int(k) < len(sourceKindNames) {
		return sourceKindNames[k]
	}

	return fmt.Sprintf("source(%d)", int(k))
}

// NoParam marks a source not tied to a formal parameter.
const NoParam = -1

// MetadataSource is one origin of metadata available on function entry.
// Type is the static type of the metadata the source provides; for
// witness table sources Protocol names the table's protocol.
type MetadataSource struct {
	Kind       SourceKind
	ParamIndex int
	Type       *sema.Type
	Protocol   *sema.ProtocolDecl
}

// ProvidesWitnessTable reports whether the source value is a witness table
// rather than type metadata.
func (s MetadataSource) ProvidesWitnessTable() bool {
	return s.Kind == SourceSelfWitnessTable || s.Kind == SourceExplicitWitnessTable
}

func (s MetadataSource) String() string {
	out := s.Kind.String()
	if s.ParamIndex != NoParam {
		out += "(" + strconv.Itoa(s.ParamIndex) + ")"
	}

	out += " " + s.Type.Key()
	if s.Protocol != nil {
		out += ": " + s.Protocol.Name
	}

	return out
}

// PolymorphicConvention is the analysis of one generic function: the
// sources its metadata can be derived from, the fulfillments found by
// searching them, and the requirements that must be passed explicitly.
type PolymorphicConvention struct {
	Function *sema.Function

	sources      []MetadataSource
	fulfillments *fulfillment.Map
	requirements []generics.Requirement
	explicit     map[string]bool

	searcher *fulfillment.Searcher
}

// NewPolymorphicConvention analyzes fn. It panics with an unsatisfiable
// requirement error when a method bound to its receiver cannot derive
// every requirement from it.
func NewPolymorphicConvention(protocols *protoinfo.Cache, lookup sema.ConformanceLookup, fn *sema.Function) *PolymorphicConvention {
	pc := &PolymorphicConvention{
		Function:     fn,
		fulfillments: fulfillment.NewMap(),
		requirements: generics.Requirements(fn.Generics),
		explicit:     map[string]bool{},
	}

	pc.searcher = &fulfillment.Searcher{
		Map:       pc.fulfillments,
		Protocols: protocols,
		Lookup:    lookup,
		Keys:      fulfillment.SignatureKeys{Generics: fn.Generics},
	}

	if fn.Generics != nil && fn.Generics.Pseudogeneric {
		pc.considerPseudogeneric()
		return pc
	}

	switch fn.Convention {
	case sema.ConvWitnessMethod:
		pc.considerWitnessSelf()
	case sema.ConvObjCMethod:
		pc.considerObjCSelf()
	default:
		pc.considerParameters()
	}

	pc.addExplicitRequirements()

	return pc
}

// considerPseudogeneric registers one erased source per requirement and
// marks the requirement impossible from it. Witness methods still receive
// their Self arguments.
func (pc *PolymorphicConvention) considerPseudogeneric() {
	fn := pc.Function

	if fn.Convention == sema.ConvWitnessMethod {
		pc.considerWitnessSelf()
	}

	for _, req := range pc.requirements {
		pc.sources = append(pc.sources, MetadataSource{Kind: SourceErasedTypeMetadata, ParamIndex: NoParam, Type: req.TypeParameter})

		pc.fulfillments.Add(req.TypeParameter, req.Protocol, fulfillment.Fulfillment{
			SourceIndex: len(pc.sources) - 1,
			Path:        fulfillment.ImpossiblePath(),
			State:       fulfillment.StateComplete,
		})
	}
}

// considerWitnessSelf binds from the Self metadata and Self witness table
// only, so all witnesses of a requirement share one signature.
func (pc *PolymorphicConvention) considerWitnessSelf() {
	fn := pc.Function
	self := fn.WitnessSelf
	proto := fn.WitnessConformance.Protocol

	if self == nil || proto == nil {
		panic(werrors.InvalidInput("witness method %s has no Self conformance", fn.Name))
	}

	selfIndex := len(pc.sources)
	pc.sources = append(pc.sources, MetadataSource{Kind: SourceSelfMetadata, ParamIndex: NoParam, Type: self})

	// Abstract Self is recorded with an empty path; a concrete Self is
	// searched for the parameters it is built from.
	pc.searcher.SearchTypeMetadata(self, false, fulfillment.StateComplete, selfIndex, fulfillment.MetadataPath{})

	wtableIndex := len(pc.sources)
	pc.sources = append(pc.sources, MetadataSource{Kind: SourceSelfWitnessTable, ParamIndex: NoParam, Type: self, Protocol: proto})

	pc.fulfillments.Add(self, proto, fulfillment.Fulfillment{SourceIndex: wtableIndex, State: fulfillment.StateComplete, Exact: true})

	if !fn.WitnessConformance.IsAbstract() {
		pc.searcher.SearchConformance(fn.WitnessConformance, wtableIndex, fulfillment.MetadataPath{})
	}
}

// considerObjCSelf binds from the receiver's class pointer. Methods of
// generic classes exposed to the object runtime cannot take hidden
// arguments, so every requirement must come from self.
func (pc *PolymorphicConvention) considerObjCSelf() {
	fn := pc.Function

	self, index, ok := fn.SelfParam()
	if !ok {
		panic(werrors.InvalidInput("method %s has no receiver", fn.Name))
	}

	pc.sources = append(pc.sources, MetadataSource{Kind: SourceClassPointer, ParamIndex: index, Type: self.Type})

	if self.Type.IsTypeParameter() {
		pc.fulfillments.Add(self.Type, nil, fulfillment.Fulfillment{SourceIndex: 0, State: fulfillment.StateComplete})
	} else {
		pc.searcher.SearchTypeMetadata(self.Type, false, fulfillment.StateComplete, 0, fulfillment.MetadataPath{})
	}

	for _, req := range pc.requirements {
		if _, ok := pc.fulfillments.Lookup(req.TypeParameter, req.Protocol); !ok {
			panic(werrors.UnsatisfiableRequirement(req.String(), fn.Name))
		}
	}
}

// considerParameters visits the receiver first, then the remaining formal
// parameters left to right.
func (pc *PolymorphicConvention) considerParameters() {
	fn := pc.Function

	_, selfIndex, hasSelf := fn.SelfParam()
	if hasSelf {
		pc.considerParameter(selfIndex, true)
	}

	for i := range fn.Params {
		if hasSelf && i == selfIndex {
			continue
		}

		pc.considerParameter(i, false)
	}
}

func (pc *PolymorphicConvention) considerParameter(index int, isSelf bool) {
	param := pc.Function.Params[index]
	t := param.Type

	if param.Convention == sema.ParamIndirect {
		// Only an indirect self of a generic nominal brings its metadata
		// along.
		if isSelf && t.Kind == sema.KindNominal {
			pc.considerNewSource(SourceGenericLValueMetadata, index, t, true)
		}

		return
	}

	switch {
	case t.IsClass():
		pc.considerNewSource(SourceClassPointer, index, t, false)
	case t.Kind == sema.KindGenericParam:
		// An instance of a class-bounded parameter has a class pointer
		// whose metadata is at least the bound.
		if bound := pc.Function.Generics.SuperclassBound(t); bound != nil {
			pc.considerNewSource(SourceClassPointer, index, bound, false)
		}
	case t.IsThickMetatype():
		pc.considerNewSource(SourceMetadata, index, t.Base, false)
	}
}

// considerNewSource appends a tentative source and keeps it only when the
// search from it fulfilled something.
func (pc *PolymorphicConvention) considerNewSource(kind SourceKind, param int, t *sema.Type, exact bool) {
	if !pc.searcher.Keys.HasInterestingType(t) {
		return
	}

	index := len(pc.sources)
	pc.sources = append(pc.sources, MetadataSource{Kind: kind, ParamIndex: param, Type: t})

	if !pc.searcher.SearchTypeMetadata(t, exact, fulfillment.StateComplete, index, fulfillment.MetadataPath{}) {
		pc.sources = pc.sources[:index]
	}
}

// addExplicitRequirements walks the requirements in order; each one not
// yet fulfilled becomes an explicit parameter and is then searched as a
// source so later requirements can be derived from it.
func (pc *PolymorphicConvention) addExplicitRequirements() {
	for _, req := range pc.requirements {
		if _, ok := pc.fulfillments.Lookup(req.TypeParameter, req.Protocol); ok {
			continue
		}

		pc.explicit[req.Key()] = true

		index := len(pc.sources)
		if req.IsMetadata() {
			pc.sources = append(pc.sources, MetadataSource{Kind: SourceExplicitMetadata, ParamIndex: NoParam, Type: req.TypeParameter})
			pc.searcher.SearchTypeMetadata(req.TypeParameter, true, fulfillment.StateComplete, index, fulfillment.MetadataPath{})

			continue
		}

		pc.sources = append(pc.sources, MetadataSource{
			Kind: SourceExplicitWitnessTable, ParamIndex: NoParam, Type: req.TypeParameter, Protocol: req.Protocol,
		})
		pc.searcher.SearchWitnessTable(req.TypeParameter, req.Protocol, index, fulfillment.MetadataPath{})
	}
}

// Sources returns the metadata sources in source-index order.
func (pc *PolymorphicConvention) Sources() []MetadataSource { return pc.sources }

// Source returns source i.
func (pc *PolymorphicConvention) Source(i int) MetadataSource {
	if i < 0 || i >= len(pc.sources) {
		panic(werrors.Internal("source %d out of range for %s", i, pc.Function.Name))
	}

	return pc.sources[i]
}

// Fulfillments returns the fulfillment map. Callers must not modify it.
func (pc *PolymorphicConvention) Fulfillments() *fulfillment.Map { return pc.fulfillments }

// Requirements returns the requirements of the function's signature.
func (pc *PolymorphicConvention) Requirements() []generics.Requirement { return pc.requirements }

// UnfulfilledRequirements returns, in requirement order, the requirements
// passed as explicit parameters.
func (pc *PolymorphicConvention) UnfulfilledRequirements() []generics.Requirement {
	var out []generics.Requirement
	for _, req := range pc.requirements {
		if pc.explicit[req.Key()] {
			out = append(out, req)
		}
	}

	return out
}

// IsExplicit reports whether req is passed as an explicit parameter.
func (pc *PolymorphicConvention) IsExplicit(req generics.Requirement) bool {
	return pc.explicit[req.Key()]
}

// Fulfillment returns how req is obtained on entry.
func (pc *PolymorphicConvention) Fulfillment(req generics.Requirement) (fulfillment.Fulfillment, bool) {
	return pc.fulfillments.Lookup(req.TypeParameter, req.Protocol)
}

// RequirementParamName names the explicit parameter carrying req.
func RequirementParamName(req generics.Requirement) string {
	if req.IsMetadata() {
		return "%" + MangleType(req.TypeParameter)
	}

	return "%" + MangleType(req.TypeParameter) + ":" + req.Protocol.Name
}

// Hidden witness method parameters.
const (
	SelfMetadataParam     = "%Self"
	SelfWitnessTableParam = "%SelfWitnessTable"
)

func formalParamName(p sema.Param, i int) string {
	if p.Name != "" {
		return "%" + p.Name
	}

	return "%arg" + strconv.Itoa(i)
}

func lvalueMetadataParamName(p sema.Param, i int) string {
	return formalParamName(p, i) + ".metadata"
}

// ExpandSignature returns the lowered parameter list: the formal
// parameters, the metadata of an indirect generic self, one parameter per
// explicit requirement and, for witness methods, Self's metadata and
// witness table last.
func (pc *PolymorphicConvention) ExpandSignature() []string {
	fn := pc.Function

	var params []string
	for i, p := range fn.Params {
		params = append(params, formalParamName(p, i))
	}

	for _, src := range pc.sources {
		if src.Kind == SourceGenericLValueMetadata {
			params = append(params, lvalueMetadataParamName(fn.Params[src.ParamIndex], src.ParamIndex))
		}
	}

	for _, req := range pc.UnfulfilledRequirements() {
		params = append(params, RequirementParamName(req))
	}

	if fn.Convention == sema.ConvWitnessMethod {
		params = append(params, SelfMetadataParam, SelfWitnessTableParam)
	}

	return params
}

// EmitPolymorphicParameters binds every source of the convention in the
// prologue of e's function and records explicit requirements as local
// type data.
func (pc *PolymorphicConvention) EmitPolymorphicParameters(e *FunctionEmitter) {
	fn := pc.Function

	for _, src := range pc.sources {
		var value string

		switch src.Kind {
		case SourceClassPointer:
			value = e.B.Call("meta", RuntimeGetObjectType, formalParamName(fn.Params[src.ParamIndex], src.ParamIndex))
		case SourceMetadata:
			value = formalParamName(fn.Params[src.ParamIndex], src.ParamIndex)
		case SourceGenericLValueMetadata:
			value = lvalueMetadataParamName(fn.Params[src.ParamIndex], src.ParamIndex)
		case SourceSelfMetadata:
			value = SelfMetadataParam
		case SourceSelfWitnessTable:
			value = SelfWitnessTableParam
		case SourceExplicitMetadata:
			value = RequirementParamName(generics.Metadata(src.Type))
		case SourceExplicitWitnessTable:
			value = RequirementParamName(generics.WitnessTable(src.Type, src.Protocol))
		case SourceErasedTypeMetadata:
			// Nothing exists at run time.
		}

		e.BindSource(src, value)

		switch src.Kind {
		case SourceExplicitMetadata:
			e.SetLocalTypeData(src.Type, nil, value)
		case SourceExplicitWitnessTable:
			e.SetLocalTypeData(src.Type, src.Protocol, value)
		}
	}

	e.UseFulfillments(pc.fulfillments)
}

// EmitPolymorphicArguments computes, in the caller e, the explicit
// arguments a call of the convention's function needs under subs, in
// ExpandSignature order.
func (pc *PolymorphicConvention) EmitPolymorphicArguments(e *FunctionEmitter, subs sema.SubstitutionMap) []string {
	var args []string

	for _, req := range pc.UnfulfilledRequirements() {
		t := sema.Subst(req.TypeParameter, subs, e.Module)

		if req.IsMetadata() {
			args = append(args, e.EmitTypeMetadataRef(t))
			continue
		}

		args = append(args, e.EmitWitnessTableRef(t, req.Protocol))
	}

	return args
}
