package fulfillment

import (
	"github.com/orizon-lang/witgen/internal/sema"
)

// MetadataState is how complete a piece of metadata is guaranteed to be.
type MetadataState uint8

const (
	StateComplete MetadataState = iota
	StateLayoutComplete
	StateAbstract
)

func (s MetadataState) String() string {
	switch s {
	case StateLayoutComplete:
		return "layout_complete"
	case StateAbstract:
		return "abstract"
	default:
		return "complete"
	}
}

// Satisfies reports whether metadata in state s is good enough for a
// request of state req.
func (s MetadataState) Satisfies(req MetadataState) bool { return s <= req }

// Fulfillment says a requirement is obtained by following Path from the
// source at SourceIndex.
type Fulfillment struct {
	SourceIndex int
	Path        MetadataPath
	State       MetadataState
	// Exact is set when the source's dynamic type is known to be exactly
	// its static type.
	Exact bool
}

// better reports whether f should replace old: strictly cheaper wins, and on
// equal cost exact provenance beats inexact.
func (f Fulfillment) better(old Fulfillment) bool {
	fc, oc := f.Path.Cost(), old.Path.Cost()
	if fc != oc {
		return fc < oc
	}

	return f.Exact && !old.Exact
}

// Key identifies a map entry: a type, plus a protocol for witness tables.
type Key struct {
	Type     string
	Protocol string
}

// Entry is one fulfilled requirement.
type Entry struct {
	Type        *sema.Type
	Protocol    *sema.ProtocolDecl
	Fulfillment Fulfillment
}

// IsMetadata reports whether e fulfills type metadata.
func (e Entry) IsMetadata() bool { return e.Protocol == nil }

// Map holds the best known fulfillment per requirement. It is owned by a
// single function or conformance and is not safe for concurrent use.
type Map struct {
	entries map[Key]*Entry
	order   []Key
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{entries: make(map[Key]*Entry)}
}

func keyOf(t *sema.Type, p *sema.ProtocolDecl) Key {
	k := Key{Type: t.Key()}
	if p != nil {
		k.Protocol = p.Name
	}

	return k
}

// Add records f for (t, p). An existing entry is only replaced by a better
// fulfillment; equal ones are left alone. It reports whether the map
// changed.
func (m *Map) Add(t *sema.Type, p *sema.ProtocolDecl, f Fulfillment) bool {
	k := keyOf(t, p)

	if old, ok := m.entries[k]; ok {
		if !f.better(old.Fulfillment) {
			return false
		}

		old.Fulfillment = f

		return true
	}

	m.entries[k] = &Entry{Type: t, Protocol: p, Fulfillment: f}
	m.order = append(m.order, k)

	return true
}

// TypeMetadata returns the fulfillment for t's metadata.
func (m *Map) TypeMetadata(t *sema.Type) (Fulfillment, bool) {
	return m.lookup(keyOf(t, nil))
}

// WitnessTable returns the fulfillment for t : p.
func (m *Map) WitnessTable(t *sema.Type, p *sema.ProtocolDecl) (Fulfillment, bool) {
	return m.lookup(keyOf(t, p))
}

// Lookup returns the fulfillment of (t, p); p nil means metadata.
func (m *Map) Lookup(t *sema.Type, p *sema.ProtocolDecl) (Fulfillment, bool) {
	return m.lookup(keyOf(t, p))
}

func (m *Map) lookup(k Key) (Fulfillment, bool) {
	e, ok := m.entries[k]
	if !ok {
		return Fulfillment{}, false
	}

	return e.Fulfillment, true
}

// Len returns the number of entries.
func (m *Map) Len() int { return len(m.entries) }

// Entries returns the entries in first-insertion order.
func (m *Map) Entries() []Entry {
	out := make([]Entry, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, *m.entries[k])
	}

	return out
}

// FromSource returns the entries derived from source index i.
func (m *Map) FromSource(i int) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Fulfillment.SourceIndex == i {
			out = append(out, e)
		}
	}

	return out
}
