// Package lir defines the low-level IR the witness generator emits: word
// sized values, explicit memory ordering on loads and stores, and globals
// made of typed constant fields. Operands are textual: %name for locals and
// parameters, @name for globals and functions, integer literals and null.
package lir

import (
	"fmt"
	"sort"
	"strings"
)

// Module bundles the globals and functions of one generated object.
type Module struct {
	Name      string
	Globals   []*Global
	Functions []*Function
}

// Function is a sequence of basic blocks. The first block is the entry.
type Function struct {
	Name   string
	Params []string
	Blocks []*BasicBlock
}

// BasicBlock contains a linear list of instructions ending in a terminator.
type BasicBlock struct {
	Label string
	Insns []Insn
}

// Insn is a target-agnostic instruction representation.
type Insn interface{ Op() string }

// Ordering is the memory ordering of a load or store.
type Ordering string

const (
	Unordered Ordering = ""
	Acquire   Ordering = "acquire"
	Release   Ordering = "release"
)

type Ret struct{ Src string }

func (Ret) Op() string { return "ret" }
func (r Ret) String() string {
	if r.Src == "" {
		return "ret void"
	}

	return fmt.Sprintf("ret %s", r.Src)
}

type Call struct {
	Dst        string
	Callee     string
	RetClass   string
	Args       []string
	ArgClasses []string
}

func (Call) Op() string { return "call" }
func (c Call) String() string {
	var b strings.Builder
	if c.Dst != "" {
		fmt.Fprintf(&b, "%s = ", c.Dst)
	}

	fmt.Fprintf(&b, "call %s(%s)", c.Callee, strings.Join(c.Args, ", "))

	// Annotate classes as a comment for debugging.
	if len(c.ArgClasses) > 0 || c.RetClass != "" {
		b.WriteString(" ;")

		if len(c.ArgClasses) > 0 {
			b.WriteString(" args:")

			for i, cl := range c.ArgClasses {
				if i > 0 {
					b.WriteString(",")
				}

				if cl == "" {
					cl = "?"
				}

				b.WriteString(cl)
			}
		}

		if c.RetClass != "" {
			fmt.Fprintf(&b, " ret:%s", c.RetClass)
		}
	}

	return b.String()
}

// Cmp compares two words. Pred is eq, ne, ult or uge.
type Cmp struct{ Dst, Pred, LHS, RHS string }

func (Cmp) Op() string { return "cmp" }
func (c Cmp) String() string {
	return fmt.Sprintf("%s = cmp.%s %s, %s", c.Dst, c.Pred, c.LHS, c.RHS)
}

type BrCond struct{ Cond, True, False string }

func (BrCond) Op() string       { return "brcond" }
func (b BrCond) String() string { return fmt.Sprintf("brcond %s, %s, %s", b.Cond, b.True, b.False) }

// Trap aborts execution.
type Trap struct{}

func (Trap) Op() string     { return "trap" }
func (Trap) String() string { return "trap" }

type Unreachable struct{}

func (Unreachable) Op() string     { return "unreachable" }
func (Unreachable) String() string { return "unreachable" }

// Alloc reserves Words stack words.
type Alloc struct {
	Dst, Name string
	Words     int
}

func (Alloc) Op() string { return "alloca" }
func (a Alloc) String() string {
	words := a.Words
	if words == 0 {
		words = 1
	}

	if a.Name != "" {
		return fmt.Sprintf("%s = alloca %s, %d", a.Dst, a.Name, words)
	}

	return fmt.Sprintf("%s = alloca %d", a.Dst, words)
}

// Load reads one word. Invariant loads read memory that never changes once
// published.
type Load struct {
	Dst, Addr string
	Order     Ordering
	Invariant bool
}

func (Load) Op() string { return "load" }
func (l Load) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s = load", l.Dst)

	if l.Order != Unordered {
		fmt.Fprintf(&b, " %s", l.Order)
	}

	fmt.Fprintf(&b, " %s", l.Addr)

	if l.Invariant {
		b.WriteString(", !invariant")
	}

	return b.String()
}

type Store struct {
	Addr, Val string
	Order     Ordering
}

func (Store) Op() string { return "store" }
func (s Store) String() string {
	if s.Order != Unordered {
		return fmt.Sprintf("store %s %s, %s", s.Order, s.Addr, s.Val)
	}

	return fmt.Sprintf("store %s, %s", s.Addr, s.Val)
}

// Gep offsets Base by Index words. Negative indices address the private
// area in front of an instantiated witness table.
type Gep struct {
	Dst, Base string
	Index     int
}

func (Gep) Op() string       { return "gep" }
func (g Gep) String() string { return fmt.Sprintf("%s = gep %s, %d", g.Dst, g.Base, g.Index) }

// Bitcast reinterprets Src as Type without changing its bits.
type Bitcast struct{ Dst, Src, Type string }

func (Bitcast) Op() string { return "bitcast" }
func (c Bitcast) String() string {
	return fmt.Sprintf("%s = bitcast %s to %s", c.Dst, c.Src, c.Type)
}

// ConstKind discriminates global initializer fields.
type ConstKind int

const (
	ConstNull ConstKind = iota
	ConstSymbol
	ConstInt
	// ConstRelative is a 32-bit offset from the field to Symbol.
	ConstRelative
)

// Const is one field of a global initializer. Width is the field size in
// bytes; zero means a pointer-sized word.
type Const struct {
	Kind   ConstKind
	Symbol string
	Value  int64
	Width  int
}

// Null returns a null pointer field.
func Null() Const { return Const{Kind: ConstNull} }

// Symbol returns a pointer to a global or function.
func Symbol(name string) Const { return Const{Kind: ConstSymbol, Symbol: name} }

// Int returns an integer field of width bytes.
func Int(v int64, width int) Const { return Const{Kind: ConstInt, Value: v, Width: width} }

// Relative returns a relative pointer to name; an empty name encodes zero.
func Relative(name string) Const { return Const{Kind: ConstRelative, Symbol: name, Width: 4} }

func (c Const) String() string {
	switch c.Kind {
	case ConstSymbol:
		return c.Symbol
	case ConstInt:
		return fmt.Sprintf("i%d %d", c.width()*8, c.Value)
	case ConstRelative:
		if c.Symbol == "" {
			return "rel 0"
		}

		return "rel " + c.Symbol
	default:
		return "null"
	}
}

func (c Const) width() int {
	if c.Width == 0 {
		return 8
	}

	return c.Width
}

// Global is a module-level variable. Constant globals never change after
// load; mutable ones are caches written by generated code.
type Global struct {
	Name     string
	Constant bool
	Fields   []Const
}

func (g *Global) String() string {
	kind := "global"
	if g.Constant {
		kind = "constant"
	}

	parts := make([]string, len(g.Fields))
	for i, f := range g.Fields {
		parts[i] = f.String()
	}

	return fmt.Sprintf("%s = %s { %s }", g.Name, kind, strings.Join(parts, ", "))
}

// Global returns the global named name.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
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

// Sort orders globals and functions by name so output is deterministic.
func (m *Module) Sort() {
	sort.Slice(m.Globals, func(i, j int) bool { return m.Globals[i].Name < m.Globals[j].Name })
	sort.Slice(m.Functions, func(i, j int) bool { return m.Functions[i].Name < m.Functions[j].Name })
}

func (m *Module) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "module %s\n", m.Name)

	for _, g := range m.Globals {
		b.WriteString(g.String())
		b.WriteByte('\n')
	}

	for _, f := range m.Functions {
		b.WriteByte('\n')
		b.WriteString(f.String())
	}

	return b.String()
}

// Block returns the block labelled label.
func (f *Function) Block(label string) *BasicBlock {
	for _, bb := range f.Blocks {
		if bb.Label == label {
			return bb
		}
	}

	return nil
}

func (f *Function) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "func %s(%s) {\n", f.Name, strings.Join(f.Params, ", "))

	for _, bb := range f.Blocks {
		if bb.Label != "" {
			fmt.Fprintf(&b, "%s:\n", bb.Label)
		}

		for _, ins := range bb.Insns {
			if s, ok := any(ins).(fmt.Stringer); ok {
				b.WriteString("  ")
				b.WriteString(s.String())
				b.WriteByte('\n')
			} else {
				fmt.Fprintf(&b, "  %s\n", ins.Op())
			}
		}
	}

	b.WriteString("}\n")

	return b.String()
}
