// Package wtruntime is a reference runtime for the code irgen emits: it
// interprets lir functions against word-addressed objects and implements
// the runtime entry points that look up and instantiate witness tables.
package wtruntime

import (
	"fmt"
	"strconv"
	"sync/atomic"
)

// ValueKind discriminates the words the interpreter manipulates.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindInt
	KindPointer
	KindFunction
	// KindSymbol is an address the runtime only compares, such as a
	// protocol requirement descriptor.
	KindSymbol
)

// Value is one machine word. Values are comparable; two pointers are
// equal when they address the same word of the same object.
type Value struct {
	Kind   ValueKind
	Int    int64
	Object *Object
	Offset int
	Name   string
}

// Null is the zero word.
var Null = Value{}

// Int returns an integer word.
func Int(v int64) Value { return Value{Kind: KindInt, Int: v} }

// Pointer returns the address of word offset of obj.
func Pointer(obj *Object, offset int) Value {
	return Value{Kind: KindPointer, Object: obj, Offset: offset}
}

// IsNull reports whether v is the null word.
func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindPointer:
		if v.Offset == 0 {
			return "&" + v.Object.Name
		}

		return fmt.Sprintf("&%s%+d", v.Object.Name, v.Offset)
	case KindFunction, KindSymbol:
		return v.Name
	default:
		return "null"
	}
}

// Object is a block of words. Each word is published atomically, so a
// value stored with release ordering is fully visible to an acquire load
// of the same word.
type Object struct {
	Name  string
	words []atomic.Pointer[Value]
}

// NewObject allocates size null words.
func NewObject(name string, size int) *Object {
	return &Object{Name: name, words: make([]atomic.Pointer[Value], size)}
}

// Len returns the object's size in words.
func (o *Object) Len() int { return len(o.words) }

func (o *Object) check(offset int) error {
	if offset < 0 || offset >= len(o.words) {
		return fmt.Errorf("access to word %d of %s outside [0, %d)", offset, o.Name, len(o.words))
	}

	return nil
}

// Load reads the word at offset.
func (o *Object) Load(offset int) (Value, error) {
	if err := o.check(offset); err != nil {
		return Null, err
	}

	if p := o.words[offset].Load(); p != nil {
		return *p, nil
	}

	return Null, nil
}

// Store writes v at offset.
func (o *Object) Store(offset int, v Value) error {
	if err := o.check(offset); err != nil {
		return err
	}

	o.words[offset].Store(&v)

	return nil
}

// Deref loads the word addressed by p.
func Deref(p Value) (Value, error) {
	if p.Kind != KindPointer {
		return Null, fmt.Errorf("load through non-pointer %s", p)
	}

	return p.Object.Load(p.Offset)
}
