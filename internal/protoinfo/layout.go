// Package protoinfo computes witness table layouts for protocols and finds
// paths between witness tables through protocol inheritance.
package protoinfo

import (
	"fmt"

	werrors "github.com/orizon-lang/witgen/internal/errors"
	"github.com/orizon-lang/witgen/internal/sema"
)

// EntryKind discriminates witness table entries.
type EntryKind int

const (
	EntryOutOfLineBase EntryKind = iota
	EntryAssociatedConformance
	EntryMethod
	EntryAssociatedType
	EntryPlaceholder
)

func (k EntryKind) String() string {
	switch k {
	case EntryOutOfLineBase:
		return "base"
	case EntryAssociatedConformance:
		return "associated_conformance"
	case EntryMethod:
		return "method"
	case EntryAssociatedType:
		return "associated_type"
	case EntryPlaceholder:
		return "placeholder"
	default:
		return fmt.Sprintf("entry(%d)", int(k))
	}
}

// Entry is one slot of a witness table.
type Entry struct {
	Kind                  EntryKind
	Base                  *sema.ProtocolDecl
	AssociatedConformance *sema.AssociatedConformanceDecl
	Method                *sema.MethodDecl
	AssociatedType        *sema.AssociatedTypeDecl
	Placeholder           *sema.PlaceholderDecl
}

func (e Entry) String() string {
	switch e.Kind {
	case EntryOutOfLineBase:
		return "base " + e.Base.Name
	case EntryAssociatedConformance:
		return "associated_conformance " + e.AssociatedConformance.String()
	case EntryMethod:
		return "method " + e.Method.Name
	case EntryAssociatedType:
		return "associated_type " + e.AssociatedType.Name
	default:
		return "placeholder " + e.Placeholder.Name
	}
}

// Kind selects how much of a protocol's layout is computed.
type Kind int

const (
	// RequirementSignature covers only base protocols and associated
	// conformances, the part of a layout that resilient clients rely on.
	RequirementSignature Kind = iota
	// Full covers every slot.
	Full
)

func (k Kind) String() string {
	if k == Full {
		return "full"
	}

	return "requirement_signature"
}

// Info is the slot assignment of a protocol's witness table.
type Info struct {
	Protocol *sema.ProtocolDecl
	Kind     Kind
	entries  []Entry
}

// Layout visits the requirements of p in declaration order and assigns one
// slot per out-of-line base, per associated conformance to a protocol that
// needs a table, per method and per associated type. Placeholders occupy
// as many slots as they declare.
func Layout(p *sema.ProtocolDecl, kind Kind) *Info {
	info := &Info{Protocol: p, Kind: kind}

	for _, base := range p.WitnessTableBases() {
		info.entries = append(info.entries, Entry{Kind: EntryOutOfLineBase, Base: base})
	}

	for _, ac := range p.AssociatedConformances {
		if !ac.Protocol.RequiresWitnessTable() {
			continue
		}

		info.entries = append(info.entries, Entry{Kind: EntryAssociatedConformance, AssociatedConformance: ac})
	}

	if kind == RequirementSignature {
		return info
	}

	for _, m := range p.Members {
		switch m.Kind {
		case sema.MemberMethod:
			info.entries = append(info.entries, Entry{Kind: EntryMethod, Method: m.Method})
		case sema.MemberAssociatedType:
			info.entries = append(info.entries, Entry{Kind: EntryAssociatedType, AssociatedType: m.AssociatedType})
		case sema.MemberPlaceholder:
			for i := 0; i < m.Placeholder.Slots; i++ {
				info.entries = append(info.entries, Entry{Kind: EntryPlaceholder, Placeholder: m.Placeholder})
			}
		}
	}

	return info
}

// Entries returns the slots in order. The slice must not be modified.
func (i *Info) Entries() []Entry { return i.entries }

// NumWitnesses returns the number of slots.
func (i *Info) NumWitnesses() int { return len(i.entries) }

// Entry returns slot n.
func (i *Info) Entry(n int) Entry {
	if n < 0 || n >= len(i.entries) {
		panic(werrors.Internal("slot %d out of range for %s (%d slots)", n, i.Protocol.Name, len(i.entries)))
	}

	return i.entries[n]
}

// BaseIndex returns the slot of the out-of-line base table for base.
func (i *Info) BaseIndex(base *sema.ProtocolDecl) int {
	for n, e := range i.entries {
		if e.Kind == EntryOutOfLineBase && e.Base == base {
			return n
		}
	}

	panic(werrors.Internal("protocol %s has no base %s", i.Protocol.Name, base.Name))
}

// FunctionIndex returns the slot of method m.
func (i *Info) FunctionIndex(m *sema.MethodDecl) int {
	for n, e := range i.entries {
		if e.Kind == EntryMethod && e.Method == m {
			return n
		}
	}

	panic(werrors.Internal("protocol %s has no method %s in its %s layout", i.Protocol.Name, m.Name, i.Kind))
}

// AssociatedTypeIndex returns the slot of associated type a.
func (i *Info) AssociatedTypeIndex(a *sema.AssociatedTypeDecl) int {
	for n, e := range i.entries {
		if e.Kind == EntryAssociatedType && e.AssociatedType == a {
			return n
		}
	}

	panic(werrors.Internal("protocol %s has no associated type %s in its %s layout", i.Protocol.Name, a.Name, i.Kind))
}

// AssociatedConformanceIndex returns the slot of associated conformance ac.
func (i *Info) AssociatedConformanceIndex(ac *sema.AssociatedConformanceDecl) int {
	for n, e := range i.entries {
		if e.Kind == EntryAssociatedConformance && e.AssociatedConformance == ac {
			return n
		}
	}

	panic(werrors.Internal("protocol %s has no associated conformance %s", i.Protocol.Name, ac))
}

// Signature renders the layout as one line per slot; two layouts are
// identical exactly when their signatures are equal.
func (i *Info) Signature() []string {
	out := make([]string, len(i.entries))
	for n, e := range i.entries {
		out[n] = fmt.Sprintf("%d %s", n, e)
	}

	return out
}
