package protoinfo

import (
	"math"

	"github.com/orizon-lang/witgen/internal/sema"
)

// Path derives the witness table for a destination protocol from one of
// several origin tables: start at Origins[Origin] and load the base table
// at each slot of Slots in turn.
type Path struct {
	Origin int
	Slots  []int
}

// Len returns the number of loads the path performs.
func (p Path) Len() int { return len(p.Slots) }

type pathFinder struct {
	cache *Cache
	dest  *sema.ProtocolDecl
	best  int
}

// FindPath returns the shortest path from any origin to dest. Ties go to the
// earliest origin. An origin that is dest itself wins immediately with an
// empty path. It reports false when dest is not reachable.
func FindPath(cache *Cache, origins []*sema.ProtocolDecl, dest *sema.ProtocolDecl) (Path, bool) {
	pf := &pathFinder{cache: cache, dest: dest, best: math.MaxInt}

	var (
		result Path
		found  bool
	)

	for i, origin := range origins {
		if origin == dest {
			return Path{Origin: i}, true
		}

		reverse, ok := pf.findBetterPath(origin, 0)
		if !ok {
			continue
		}

		slots := make([]int, len(reverse))
		for j := range reverse {
			slots[j] = reverse[len(reverse)-1-j]
		}

		result = Path{Origin: i, Slots: slots}
		found = true
	}

	return result, found
}

// findBetterPath searches below proto for a path to the destination shorter
// than the best found so far. On success it returns the slots in reverse
// order, deepest first.
func (pf *pathFinder) findBetterPath(proto *sema.ProtocolDecl, lengthSoFar int) ([]int, bool) {
	info := pf.cache.Get(proto, RequirementSignature)

	var (
		bestReverse []int
		foundBetter bool
	)

	for _, base := range proto.WitnessTableBases() {
		lengthToBase := lengthSoFar + 1
		if lengthToBase >= pf.best {
			continue
		}

		slot := info.BaseIndex(base)

		// Nothing below this level can beat a direct hit.
		if base == pf.dest {
			pf.best = lengthToBase
			return []int{slot}, true
		}

		if reverse, ok := pf.findBetterPath(base, lengthToBase); ok {
			bestReverse = append(reverse, slot)
			foundBetter = true
		}
	}

	return bestReverse, foundBetter
}

// Apply walks the path with load, starting from the origin value. load
// receives the current value, the slot to read and the protocol whose table
// the result is; it is called once per slot.
func (p Path) Apply(cache *Cache, origins []*sema.ProtocolDecl, origin string, load func(value string, slot int, result *sema.ProtocolDecl) string) string {
	value := origin
	proto := origins[p.Origin]

	for _, slot := range p.Slots {
		base := cache.Get(proto, RequirementSignature).Entry(slot).Base
		value = load(value, slot, base)
		proto = base
	}

	return value
}
