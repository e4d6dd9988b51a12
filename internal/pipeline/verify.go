package pipeline

import (
	"fmt"

	"github.com/orizon-lang/witgen/internal/irgen"
	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/wtruntime"
)

// verify loads the emitted module into the reference runtime, fetches the
// table of every non-generic conformance through its accessor and runs
// every call site whose callee takes no object arguments.
func verify(m *sema.Module, res *Result) (int, error) {
	rt := wtruntime.New(m)
	if err := rt.Load(res.Module); err != nil {
		return 0, err
	}

	n := 0

	for _, wt := range res.Tables {
		c := wt.Conformance
		if c.IsGeneric() {
			continue
		}

		v, err := rt.Call(irgen.AccessorSymbol(c))
		if err != nil {
			return n, fmt.Errorf("accessor of %s: %w", c, err)
		}

		if v.Kind != wtruntime.KindPointer {
			return n, fmt.Errorf("accessor of %s returned %s", c, v)
		}

		n++
	}

	needsObject := map[string]bool{}
	for _, f := range res.Functions {
		needsObject[f.Name] = f.needsObject
	}

	for i, spec := range m.Specializations {
		if needsObject[spec.Function.Name] {
			continue
		}

		if _, err := rt.Call(CallerSymbol(spec.Function, i)); err != nil {
			return n, fmt.Errorf("call site %d of %s: %w", i, spec.Function.Name, err)
		}

		n++
	}

	return n, nil
}
