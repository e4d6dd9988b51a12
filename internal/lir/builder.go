package lir

import "fmt"

// Builder appends instructions to a function, one block at a time, and
// hands out fresh temporaries.
type Builder struct {
	fn    *Function
	cur   *BasicBlock
	temps map[string]int
}

// NewBuilder starts fn with an entry block.
func NewBuilder(fn *Function) *Builder {
	b := &Builder{fn: fn, temps: map[string]int{}}
	b.SetBlock(b.NewBlock("entry"))

	return b
}

// Function returns the function being built.
func (b *Builder) Function() *Function { return b.fn }

// NewBlock appends an empty block labelled label without selecting it.
func (b *Builder) NewBlock(label string) *BasicBlock {
	bb := &BasicBlock{Label: label}
	b.fn.Blocks = append(b.fn.Blocks, bb)

	return bb
}

// SetBlock selects bb as the insertion point.
func (b *Builder) SetBlock(bb *BasicBlock) { b.cur = bb }

// Block returns the insertion block.
func (b *Builder) Block() *BasicBlock { return b.cur }

// Temp returns a fresh local named after hint.
func (b *Builder) Temp(hint string) string {
	if hint == "" {
		hint = "t"
	}

	n := b.temps[hint]
	b.temps[hint] = n + 1

	return fmt.Sprintf("%%%s%d", hint, n)
}

// Emit appends insn to the insertion block.
func (b *Builder) Emit(insn Insn) {
	b.cur.Insns = append(b.cur.Insns, insn)
}

// Load emits a plain load and returns its result.
func (b *Builder) Load(hint, addr string) string {
	dst := b.Temp(hint)
	b.Emit(Load{Dst: dst, Addr: addr})

	return dst
}

// Gep emits an address offset and returns its result.
func (b *Builder) Gep(hint, base string, index int) string {
	dst := b.Temp(hint)
	b.Emit(Gep{Dst: dst, Base: base, Index: index})

	return dst
}

// Call emits a call with a result and returns it.
func (b *Builder) Call(hint, callee string, args ...string) string {
	dst := b.Temp(hint)
	b.Emit(Call{Dst: dst, Callee: callee, Args: args})

	return dst
}

// Terminated reports whether the insertion block already ends in a
// terminator.
func (b *Builder) Terminated() bool {
	if len(b.cur.Insns) == 0 {
		return false
	}

	switch b.cur.Insns[len(b.cur.Insns)-1].(type) {
	case Ret, BrCond, Unreachable:
		return true
	default:
		return false
	}
}
