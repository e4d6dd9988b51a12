package sema

// ParamConvention describes how a formal parameter is passed.
type ParamConvention int

const (
	ParamDirect ParamConvention = iota
	ParamIndirect
)

// Param is a formal parameter of a lowered function type.
type Param struct {
	Name       string
	Type       *Type
	Convention ParamConvention
}

// CallingConvention is the representation of a generic function.
type CallingConvention int

const (
	ConvThin CallingConvention = iota
	ConvMethod
	ConvWitnessMethod
	ConvObjCMethod
)

func (c CallingConvention) String() string {
	switch c {
	case ConvMethod:
		return "method"
	case ConvWitnessMethod:
		return "witness_method"
	case ConvObjCMethod:
		return "objc_method"
	default:
		return "thin"
	}
}

// Function is a generic function signature to analyze. When HasSelf is set
// the last parameter is the receiver.
type Function struct {
	Name       string
	Convention CallingConvention
	Generics   *GenericSignature
	Params     []Param
	HasSelf    bool

	// Witness methods receive Self's metadata and witness table; WitnessSelf
	// is the conforming type and WitnessConformance the conformance the
	// method implements.
	WitnessSelf        *Type
	WitnessConformance ConformanceRef
}

// SelfParam returns the receiver parameter and its index.
func (f *Function) SelfParam() (Param, int, bool) {
	if !f.HasSelf || len(f.Params) == 0 {
		return Param{}, -1, false
	}

	i := len(f.Params) - 1

	return f.Params[i], i, true
}

// Specialization is a call of a generic function with concrete
// substitutions, used to emit call sites.
type Specialization struct {
	Function *Function
	Subs     SubstitutionMap
}

// Module is the unit handed to the generator.
type Module struct {
	Name            string
	Protocols       []*ProtocolDecl
	Nominals        []*NominalDecl
	Conformances    []*Conformance
	Functions       []*Function
	Specializations []Specialization
}

// Protocol returns the protocol named name.
func (m *Module) Protocol(name string) *ProtocolDecl {
	for _, p := range m.Protocols {
		if p.Name == name {
			return p
		}
	}

	return nil
}

// Nominal returns the nominal declaration named name.
func (m *Module) Nominal(name string) *NominalDecl {
	for _, n := range m.Nominals {
		if n.Name == name {
			return n
		}
	}

	return nil
}

// Function returns the function named name.
func (m *Module) Function(name string) *Function {
	for _, f := range m.Functions {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// LookupConformance finds the conformance of t to p. Type parameters always
// conform abstractly; concrete types match conformance patterns.
func (m *Module) LookupConformance(t *Type, p *ProtocolDecl) (ConformanceRef, bool) {
	if t.IsTypeParameter() {
		return AbstractConformance(t, p), true
	}

	for _, c := range m.Conformances {
		if c.Protocol != p {
			continue
		}

		subs := NewSubstitutionMap()
		if Match(c.Type, t, subs) {
			return ConformanceRef{Protocol: p, Type: t, Concrete: c, Subs: subs}, true
		}
	}

	return ConformanceRef{}, false
}

// RootConformance returns the unspecialized reference for c.
func RootConformance(c *Conformance) ConformanceRef {
	return ConformanceRef{
		Protocol: c.Protocol,
		Type:     c.Type,
		Concrete: c,
		Subs:     ForwardingSubstitutions(c.Generics),
	}
}
