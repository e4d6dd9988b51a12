package protoinfo

import (
	"fmt"

	semver "github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/witgen/internal/sema"
)

// ResilientRequirement describes one slot of a resilient protocol for
// conformances compiled against some version of it.
type ResilientRequirement struct {
	Slot  int
	Entry Entry
	// Since is the protocol version that introduced the requirement; nil
	// means it has always been there.
	Since *semver.Version
	// Default is the symbol of the protocol's default witness, if any.
	Default string

	missing *semver.Constraints
}

// ResilientRequirements lists every slot of p with the version it was
// introduced in and its default witness.
func ResilientRequirements(p *sema.ProtocolDecl, cache *Cache) ([]ResilientRequirement, error) {
	info := cache.Full(p)
	out := make([]ResilientRequirement, 0, info.NumWitnesses())

	for slot, e := range info.Entries() {
		r := ResilientRequirement{Slot: slot, Entry: e}

		if e.Kind == EntryMethod {
			r.Default = p.Defaults[e.Method.Name]

			if e.Method.Since != "" {
				v, err := semver.NewVersion(e.Method.Since)
				if err != nil {
					return nil, fmt.Errorf("protocol %s: requirement %s: %w", p.Name, e.Method.Name, err)
				}

				c, err := semver.NewConstraint("< " + v.String())
				if err != nil {
					return nil, fmt.Errorf("protocol %s: requirement %s: %w", p.Name, e.Method.Name, err)
				}

				r.Since, r.missing = v, c
			}
		}

		out = append(out, r)
	}

	return out, nil
}

// MissingIn reports whether a conformance compiled against version lacks
// this requirement. An empty version means the current protocol.
func (r ResilientRequirement) MissingIn(version string) (bool, error) {
	if r.missing == nil || version == "" {
		return false, nil
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("protocol version %q: %w", version, err)
	}

	return r.missing.Check(v), nil
}
