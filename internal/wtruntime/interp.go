package wtruntime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/orizon-lang/witgen/internal/lir"
)

// maxDepth bounds nested calls so runaway recursion fails instead of
// exhausting the stack.
const maxDepth = 256

// Call runs the function or runtime entry point name with args.
func (rt *Runtime) Call(name string, args ...Value) (Value, error) {
	return rt.invoke(name, args, 0)
}

func (rt *Runtime) invoke(name string, args []Value, depth int) (Value, error) {
	if depth > maxDepth {
		return Null, fmt.Errorf("call depth exceeded at %s", name)
	}

	rt.mu.Lock()
	fn, ok := rt.functions[name]
	rt.mu.Unlock()

	if ok {
		// Accessors stored in witness table slots may ignore trailing
		// arguments.
		if len(args) < len(fn.Params) {
			return Null, fmt.Errorf("%s takes %d arguments, got %d", name, len(fn.Params), len(args))
		}

		return rt.run(fn, args[:len(fn.Params)], depth)
	}

	if n := natives[name]; n != nil {
		return n(rt, args, depth)
	}

	if target, _ := metadataAccessorTarget(name); target != "" && rt.isMetadataAccessor(name) {
		return rt.Metadata(target, args...)
	}

	return Null, fmt.Errorf("call of undefined function %s", name)
}

type frame struct {
	rt    *Runtime
	fn    *lir.Function
	regs  map[string]Value
	depth int
}

func (f *frame) operand(s string) (Value, error) {
	switch {
	case s == "" || s == "null":
		return Null, nil
	case strings.HasPrefix(s, "%"):
		v, ok := f.regs[s]
		if !ok {
			return Null, fmt.Errorf("%s: undefined local %s", f.fn.Name, s)
		}

		return v, nil
	case strings.HasPrefix(s, "@"):
		return f.rt.Symbol(s)
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Null, fmt.Errorf("%s: bad operand %q", f.fn.Name, s)
	}

	return Int(n), nil
}

func (f *frame) pointer(s string) (Value, error) {
	v, err := f.operand(s)
	if err != nil {
		return Null, err
	}

	if v.Kind != KindPointer {
		return Null, fmt.Errorf("%s: %s is %s, not a pointer", f.fn.Name, s, v)
	}

	return v, nil
}

func boolValue(b bool) Value {
	if b {
		return Int(1)
	}

	return Int(0)
}

func (f *frame) compare(c lir.Cmp) (Value, error) {
	lhs, err := f.operand(c.LHS)
	if err != nil {
		return Null, err
	}

	rhs, err := f.operand(c.RHS)
	if err != nil {
		return Null, err
	}

	switch c.Pred {
	case "eq":
		return boolValue(lhs == rhs), nil
	case "ne":
		return boolValue(lhs != rhs), nil
	case "ult", "uge":
		if lhs.Kind != KindInt || rhs.Kind != KindInt {
			return Null, fmt.Errorf("%s: ordered compare of %s and %s", f.fn.Name, lhs, rhs)
		}

		if c.Pred == "ult" {
			return boolValue(uint64(lhs.Int) < uint64(rhs.Int)), nil
		}

		return boolValue(uint64(lhs.Int) >= uint64(rhs.Int)), nil
	default:
		return Null, fmt.Errorf("%s: unknown predicate %s", f.fn.Name, c.Pred)
	}
}

// run interprets fn. Loads and stores go through the objects' atomic
// words whatever their ordering annotation.
func (rt *Runtime) run(fn *lir.Function, args []Value, depth int) (Value, error) {
	if len(fn.Blocks) == 0 {
		return Null, fmt.Errorf("%s has no body", fn.Name)
	}

	f := &frame{rt: rt, fn: fn, regs: make(map[string]Value, len(fn.Params)), depth: depth}
	for i, p := range fn.Params {
		f.regs[p] = args[i]
	}

	bb := fn.Blocks[0]
	steps := 0

	for {
		next, ret, done, err := f.block(bb, &steps)
		if err != nil || done {
			return ret, err
		}

		if bb = fn.Block(next); bb == nil {
			return Null, fmt.Errorf("%s: branch to unknown block %s", fn.Name, next)
		}
	}
}

// block executes bb and returns the label to continue at, or the return
// value when the function is done.
func (f *frame) block(bb *lir.BasicBlock, steps *int) (string, Value, bool, error) {
	for _, insn := range bb.Insns {
		*steps++
		if *steps > f.rt.MaxSteps {
			return "", Null, true, fmt.Errorf("%s: step limit %d exceeded", f.fn.Name, f.rt.MaxSteps)
		}

		switch in := insn.(type) {
		case lir.Bitcast:
			v, err := f.operand(in.Src)
			if err != nil {
				return "", Null, true, err
			}

			f.regs[in.Dst] = v
		case lir.Alloc:
			words := in.Words
			if words == 0 {
				words = 1
			}

			f.regs[in.Dst] = Pointer(NewObject(f.fn.Name+"."+in.Name, words), 0)
		case lir.Gep:
			base, err := f.pointer(in.Base)
			if err != nil {
				return "", Null, true, err
			}

			f.regs[in.Dst] = Pointer(base.Object, base.Offset+in.Index)
		case lir.Load:
			p, err := f.pointer(in.Addr)
			if err != nil {
				return "", Null, true, err
			}

			v, err := Deref(p)
			if err != nil {
				return "", Null, true, fmt.Errorf("%s: %w", f.fn.Name, err)
			}

			f.regs[in.Dst] = v
		case lir.Store:
			p, err := f.pointer(in.Addr)
			if err != nil {
				return "", Null, true, err
			}

			v, err := f.operand(in.Val)
			if err != nil {
				return "", Null, true, err
			}

			if err := p.Object.Store(p.Offset, v); err != nil {
				return "", Null, true, fmt.Errorf("%s: %w", f.fn.Name, err)
			}
		case lir.Cmp:
			v, err := f.compare(in)
			if err != nil {
				return "", Null, true, err
			}

			f.regs[in.Dst] = v
		case lir.Call:
			v, err := f.call(in)
			if err != nil {
				return "", Null, true, err
			}

			if in.Dst != "" {
				f.regs[in.Dst] = v
			}
		case lir.BrCond:
			c, err := f.operand(in.Cond)
			if err != nil {
				return "", Null, true, err
			}

			if c.Kind == KindInt && c.Int != 0 {
				return in.True, Null, false, nil
			}

			return in.False, Null, false, nil
		case lir.Ret:
			v, err := f.operand(in.Src)
			return "", v, true, err
		case lir.Trap:
			return "", Null, true, &TrapError{Function: f.fn.Name, Block: bb.Label}
		case lir.Unreachable:
			return "", Null, true, fmt.Errorf("%s: reached unreachable in %s", f.fn.Name, bb.Label)
		default:
			return "", Null, true, fmt.Errorf("%s: cannot interpret %s", f.fn.Name, insn.Op())
		}
	}

	return "", Null, true, fmt.Errorf("%s: block %s falls through", f.fn.Name, bb.Label)
}

func (f *frame) call(c lir.Call) (Value, error) {
	callee, err := f.operand(c.Callee)
	if err != nil {
		return Null, err
	}

	if callee.Kind != KindFunction {
		return Null, fmt.Errorf("%s: call of %s, which is not a function", f.fn.Name, c.Callee)
	}

	args := make([]Value, len(c.Args))
	for i, a := range c.Args {
		if args[i], err = f.operand(a); err != nil {
			return Null, err
		}
	}

	return f.rt.invoke(callee.Name, args, f.depth+1)
}
