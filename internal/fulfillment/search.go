package fulfillment

import (
	"github.com/orizon-lang/witgen/internal/generics"
	"github.com/orizon-lang/witgen/internal/protoinfo"
	"github.com/orizon-lang/witgen/internal/sema"
)

// InterestingKeys decides which types and conformances the search records
// and which types it descends into.
type InterestingKeys interface {
	// IsInterestingType reports whether metadata for t is worth recording.
	IsInterestingType(t *sema.Type) bool
	// HasInterestingType reports whether t may contain something worth
	// recording, and therefore whether to descend into it.
	HasInterestingType(t *sema.Type) bool
	// HasLimitedInterestingConformances reports whether only the protocols
	// returned by InterestingConformances should be recorded for t.
	HasLimitedInterestingConformances(t *sema.Type) bool
	InterestingConformances(t *sema.Type) []*sema.ProtocolDecl
	// SuperclassBound returns the class bound of a type parameter, if any.
	SuperclassBound(t *sema.Type) *sema.Type
}

// DefaultMaxMemberDepth bounds how many associated type projections the
// search follows. Recursive associated conformances such as
// Self.SubSequence: Collection would otherwise never terminate.
const DefaultMaxMemberDepth = 4

// Searcher explores type structure reachable from a source and records
// fulfillments into Map.
type Searcher struct {
	Map       *Map
	Protocols *protoinfo.Cache
	Lookup    sema.ConformanceLookup
	Keys      InterestingKeys
	// MaxMemberDepth overrides DefaultMaxMemberDepth when positive.
	MaxMemberDepth int
}

func (s *Searcher) maxDepth() int {
	if s.MaxMemberDepth > 0 {
		return s.MaxMemberDepth
	}

	return DefaultMaxMemberDepth
}

// SearchTypeMetadata records what can be derived from metadata for t found
// at source/path. It reports whether the map changed.
func (s *Searcher) SearchTypeMetadata(t *sema.Type, exact bool, state MetadataState, source int, path MetadataPath) bool {
	if s.Keys.IsInterestingType(t) {
		f := Fulfillment{SourceIndex: source, Path: path, State: state, Exact: exact}
		if !s.Map.Add(t, nil, f) {
			// Everything below was already reached at least as cheaply.
			return false
		}

		// The metadata of a class-bounded parameter is a subclass of its
		// bound, so the bound's generic arguments sit at the same offsets.
		if bound := s.Keys.SuperclassBound(t); bound != nil {
			s.searchNominalTypeMetadata(bound, state, source, path)
		}

		return true
	}

	if !s.Keys.HasInterestingType(t) {
		return false
	}

	if t.Kind == sema.KindNominal && t.Decl.IsGeneric() {
		return s.searchNominalTypeMetadata(t, state, source, path)
	}

	return false
}

func (s *Searcher) searchNominalTypeMetadata(t *sema.Type, state MetadataState, source int, path MetadataPath) bool {
	changed := false

	for _, arg := range generics.NominalArguments(t, s.Lookup) {
		if arg.Requirement.IsMetadata() {
			if s.SearchTypeMetadata(arg.Type, true, state, source, path.add(NominalTypeArgument, arg.Index)) {
				changed = true
			}

			continue
		}

		if !s.Keys.HasInterestingType(arg.Type) {
			continue
		}

		if s.SearchWitnessTable(arg.Type, arg.Requirement.Protocol, source, path.add(NominalTypeArgumentConformance, arg.Index)) {
			changed = true
		}
	}

	return changed
}

func (s *Searcher) isInterestingConformance(t *sema.Type, p *sema.ProtocolDecl) bool {
	if !s.Keys.IsInterestingType(t) {
		return false
	}

	if !s.Keys.HasLimitedInterestingConformances(t) {
		return true
	}

	for _, q := range s.Keys.InterestingConformances(t) {
		if q == p {
			return true
		}
	}

	return false
}

// SearchWitnessTable records what can be derived from the witness table for
// t : proto found at source/path: the table itself, its out-of-line bases,
// associated type metadata, associated conformances and, for concrete
// conditional conformances, the conditional requirement tables.
func (s *Searcher) SearchWitnessTable(t *sema.Type, proto *sema.ProtocolDecl, source int, path MetadataPath) bool {
	changed := false

	if s.isInterestingConformance(t, proto) {
		f := Fulfillment{SourceIndex: source, Path: path, State: StateComplete, Exact: true}
		if !s.Map.Add(t, proto, f) {
			return false
		}

		changed = true
	}

	info := s.Protocols.Full(proto)

	for _, base := range proto.WitnessTableBases() {
		if s.SearchWitnessTable(t, base, source, path.add(OutOfLineBaseProtocol, info.BaseIndex(base))) {
			changed = true
		}
	}

	ref, haveRef := s.conformance(t, proto)

	if t.MemberDepth() < s.maxDepth() && haveRef {
		for _, at := range proto.AssociatedTypes() {
			assoc, ok := ref.TypeWitness(at, s.Lookup)
			if !ok || !s.Keys.IsInterestingType(assoc) {
				continue
			}

			if s.SearchTypeMetadata(assoc, false, StateAbstract, source, path.add(AssociatedType, info.AssociatedTypeIndex(at))) {
				changed = true
			}
		}

		for _, ac := range proto.AssociatedConformances {
			if !ac.Protocol.RequiresWitnessTable() {
				continue
			}

			assoc, ok := ref.AssociatedType(ac.Path, s.Lookup)
			if !ok || !s.Keys.HasInterestingType(assoc) {
				continue
			}

			if s.SearchWitnessTable(assoc, ac.Protocol, source, path.add(AssociatedConformance, info.AssociatedConformanceIndex(ac))) {
				changed = true
			}
		}
	}

	if haveRef && !ref.IsAbstract() {
		if s.SearchConformance(ref, source, path) {
			changed = true
		}
	}

	return changed
}

// SearchConformance records the conditional requirement tables stored in
// the private area of the witness table for ref.
func (s *Searcher) SearchConformance(ref sema.ConformanceRef, source int, path MetadataPath) bool {
	changed := false

	for i, req := range ref.ConditionalRequirements(s.Lookup) {
		if !s.Keys.HasInterestingType(req.Subject) {
			continue
		}

		if s.SearchWitnessTable(req.Subject, req.Protocol, source, path.add(ConditionalConformance, i)) {
			changed = true
		}
	}

	return changed
}

func (s *Searcher) conformance(t *sema.Type, proto *sema.ProtocolDecl) (sema.ConformanceRef, bool) {
	if t.IsTypeParameter() {
		return sema.AbstractConformance(t, proto), true
	}

	if s.Lookup == nil {
		return sema.ConformanceRef{}, false
	}

	return s.Lookup.LookupConformance(t, proto)
}
