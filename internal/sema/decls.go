package sema

// NominalKind distinguishes struct, enum and class declarations.
type NominalKind int

const (
	NominalStruct NominalKind = iota
	NominalEnum
	NominalClass
)

func (k NominalKind) String() string {
	switch k {
	case NominalEnum:
		return "enum"
	case NominalClass:
		return "class"
	default:
		return "struct"
	}
}

// NominalDecl is a struct, enum or class declaration.
type NominalDecl struct {
	Name     string
	Module   string
	Kind     NominalKind
	Generics *GenericSignature
	// Superclass is expressed in terms of the declaration's own generic
	// parameters.
	Superclass *Type
	Resilient  bool
}

// IsGeneric reports whether the declaration has generic parameters.
func (d *NominalDecl) IsGeneric() bool {
	return d.Generics != nil && len(d.Generics.Params) > 0
}

// DeclaredType returns the declaration applied to its own parameters.
func (d *NominalDecl) DeclaredType() *Type {
	if !d.IsGeneric() {
		return Nominal(d)
	}

	return Nominal(d, d.Generics.Params...)
}

// ProtocolKind distinguishes protocols that need a witness table from
// those erased at the binary interface.
type ProtocolKind int

const (
	ProtocolNormal ProtocolKind = iota
	// ProtocolMarker protocols carry no requirements at runtime.
	ProtocolMarker
	// ProtocolObjC protocols dispatch through the object runtime.
	ProtocolObjC
)

// MethodKind is the flavour of a method requirement.
type MethodKind int

const (
	MethodPlain MethodKind = iota
	MethodInit
	MethodGetter
	MethodSetter
)

// MethodDecl is a function requirement of a protocol.
type MethodDecl struct {
	Name     string
	Kind     MethodKind
	Static   bool
	Protocol *ProtocolDecl
	// Since is the protocol version that introduced the requirement.
	Since string
}

// AssociatedTypeDecl is an associated type requirement.
type AssociatedTypeDecl struct {
	Name     string
	Protocol *ProtocolDecl
}

// PlaceholderDecl stands for members whose declarations could not be
// loaded; it still occupies Slots witness table entries.
type PlaceholderDecl struct {
	Name  string
	Slots int
}

// MemberKind discriminates Member.
type MemberKind int

const (
	MemberMethod MemberKind = iota
	MemberAssociatedType
	MemberPlaceholder
)

// ProtocolMember is one protocol member in declaration order.
type ProtocolMember struct {
	Kind           MemberKind
	Method         *MethodDecl
	AssociatedType *AssociatedTypeDecl
	Placeholder    *PlaceholderDecl
}

// AssociatedConformanceDecl is a requirement Self.Path : Protocol from a
// protocol's requirement signature.
type AssociatedConformanceDecl struct {
	Path     *Type
	Protocol *ProtocolDecl
}

func (a *AssociatedConformanceDecl) String() string {
	return a.Path.Key() + ": " + a.Protocol.Name
}

// ProtocolDecl is a protocol declaration.
type ProtocolDecl struct {
	Name                   string
	Module                 string
	Kind                   ProtocolKind
	Inherited              []*ProtocolDecl
	Members                []ProtocolMember
	AssociatedConformances []*AssociatedConformanceDecl
	Resilient              bool
	// Version is the current semantic version of a resilient protocol.
	Version string
	// Defaults maps requirement names to default witness symbols used for
	// conformances compiled against an older protocol version.
	Defaults map[string]string
}

var selfParam = GenericParam(0, 0, "Self")

// RequiresWitnessTable reports whether conformances to p are represented
// by a witness table at runtime.
func (p *ProtocolDecl) RequiresWitnessTable() bool {
	return p.Kind == ProtocolNormal
}

// SelfType returns the protocol's Self parameter.
func (p *ProtocolDecl) SelfType() *Type {
	return selfParam
}

// Methods returns method requirements in declaration order.
func (p *ProtocolDecl) Methods() []*MethodDecl {
	var out []*MethodDecl
	for _, m := range p.Members {
		if m.Kind == MemberMethod {
			out = append(out, m.Method)
		}
	}

	return out
}

// AssociatedTypes returns the associated types declared directly by p.
func (p *ProtocolDecl) AssociatedTypes() []*AssociatedTypeDecl {
	var out []*AssociatedTypeDecl
	for _, m := range p.Members {
		if m.Kind == MemberAssociatedType {
			out = append(out, m.AssociatedType)
		}
	}

	return out
}

// LookupAssociatedType finds an associated type by name in p or any of the
// protocols it inherits from.
func (p *ProtocolDecl) LookupAssociatedType(name string) *AssociatedTypeDecl {
	seen := map[*ProtocolDecl]bool{}

	var walk func(q *ProtocolDecl) *AssociatedTypeDecl
	walk = func(q *ProtocolDecl) *AssociatedTypeDecl {
		if seen[q] {
			return nil
		}
		seen[q] = true

		for _, a := range q.AssociatedTypes() {
			if a.Name == name {
				return a
			}
		}

		for _, b := range q.Inherited {
			if a := walk(b); a != nil {
				return a
			}
		}

		return nil
	}

	return walk(p)
}

// Inherits reports whether p inherits q, directly or transitively.
func (p *ProtocolDecl) Inherits(q *ProtocolDecl) bool {
	for _, b := range p.Inherited {
		if b == q || b.Inherits(q) {
			return true
		}
	}

	return false
}

// WitnessTableBases returns the inherited protocols that need their own
// witness table.
func (p *ProtocolDecl) WitnessTableBases() []*ProtocolDecl {
	var out []*ProtocolDecl
	for _, b := range p.Inherited {
		if b.RequiresWitnessTable() {
			out = append(out, b)
		}
	}

	return out
}

// AddMethod appends a method requirement.
func (p *ProtocolDecl) AddMethod(name string) *MethodDecl {
	m := &MethodDecl{Name: name, Protocol: p}
	p.Members = append(p.Members, ProtocolMember{Kind: MemberMethod, Method: m})

	return m
}

// AddAssociatedType appends an associated type requirement.
func (p *ProtocolDecl) AddAssociatedType(name string) *AssociatedTypeDecl {
	a := &AssociatedTypeDecl{Name: name, Protocol: p}
	p.Members = append(p.Members, ProtocolMember{Kind: MemberAssociatedType, AssociatedType: a})

	return a
}

// AddAssociatedConformance records Self.path : proto.
func (p *ProtocolDecl) AddAssociatedConformance(path *Type, proto *ProtocolDecl) *AssociatedConformanceDecl {
	a := &AssociatedConformanceDecl{Path: path, Protocol: proto}
	p.AssociatedConformances = append(p.AssociatedConformances, a)

	return a
}

// AddPlaceholder appends a placeholder occupying slots entries.
func (p *ProtocolDecl) AddPlaceholder(name string, slots int) *PlaceholderDecl {
	d := &PlaceholderDecl{Name: name, Slots: slots}
	p.Members = append(p.Members, ProtocolMember{Kind: MemberPlaceholder, Placeholder: d})

	return d
}
