// Package layout computes the memory layout of the runtime records the
// witness generator reads and writes: witness tables and their private
// areas, generic witness table caches, nominal type metadata and the
// argument buffers passed to instantiation.
package layout

import (
	"fmt"

	"github.com/orizon-lang/witgen/internal/sema"
)

// ArrayLayout represents the memory layout of a fixed-size array
type ArrayLayout struct {
	ElementType  string // Type name of elements
	ElementSize  int64  // Size of each element in bytes
	ElementAlign int64  // Alignment requirement of elements
	Length       int64  // Number of elements
	TotalSize    int64  // Total array size (Length * ElementSize)
}

// StructLayout represents the memory layout of a record
type StructLayout struct {
	Name       string        // Record name
	Fields     []FieldInfo   // Field information
	TotalSize  int64         // Total size including padding
	Alignment  int64         // Required alignment
	PaddingMap []PaddingInfo // Padding information
}

// FieldInfo contains information about a record field
type FieldInfo struct {
	Name      string // Field name
	Type      string // Field type name
	Offset    int64  // Offset from record start
	Size      int64  // Size of the field
	Alignment int64  // Required alignment
}

// PaddingInfo represents padding bytes inserted for alignment
type PaddingInfo struct {
	Offset int64
	Size   int64
	Reason string
}

// LayoutCalculator provides methods to calculate memory layouts
type LayoutCalculator struct {
	TargetPointerSize int64 // Size of pointers on target architecture (8 for x64)
	MaxAlignment      int64 // Maximum alignment supported by target
}

// NewLayoutCalculator creates a new layout calculator for a 64-bit target
func NewLayoutCalculator() *LayoutCalculator {
	return &LayoutCalculator{
		TargetPointerSize: 8,
		MaxAlignment:      16,
	}
}

// CalculateArrayLayout calculates the memory layout for a fixed-size array
func (lc *LayoutCalculator) CalculateArrayLayout(elementType string, elementSize, elementAlign, length int64) (*ArrayLayout, error) {
	if length < 0 {
		return nil, fmt.Errorf("array length cannot be negative: %d", length)
	}
	if elementSize <= 0 {
		return nil, fmt.Errorf("element size must be positive: %d", elementSize)
	}
	if elementAlign <= 0 {
		elementAlign = 1
	}

	if !isPowerOfTwo(elementAlign) {
		return nil, fmt.Errorf("element alignment must be power of 2: %d", elementAlign)
	}

	return &ArrayLayout{
		ElementType:  elementType,
		ElementSize:  elementSize,
		ElementAlign: elementAlign,
		Length:       length,
		TotalSize:    alignUp(length*elementSize, elementAlign),
	}, nil
}

// CalculateStructLayout calculates the memory layout for a record
func (lc *LayoutCalculator) CalculateStructLayout(name string, fields []FieldInfo) (*StructLayout, error) {
	if len(fields) == 0 {
		return &StructLayout{Name: name, Alignment: 1}, nil
	}

	var padding []PaddingInfo
	var layoutFields []FieldInfo
	currentOffset := int64(0)
	maxAlignment := int64(1)

	for _, field := range fields {
		if field.Size <= 0 {
			return nil, fmt.Errorf("field %s has invalid size: %d", field.Name, field.Size)
		}
		if field.Alignment <= 0 {
			field.Alignment = 1
		}
		if field.Alignment > lc.MaxAlignment {
			return nil, fmt.Errorf("field %s alignment %d exceeds target maximum %d", field.Name, field.Alignment, lc.MaxAlignment)
		}

		if field.Alignment > maxAlignment {
			maxAlignment = field.Alignment
		}

		alignedOffset := alignUp(currentOffset, field.Alignment)
		if alignedOffset > currentOffset {
			padding = append(padding, PaddingInfo{
				Offset: currentOffset,
				Size:   alignedOffset - currentOffset,
				Reason: fmt.Sprintf("alignment for field %s", field.Name),
			})
		}

		field.Offset = alignedOffset
		layoutFields = append(layoutFields, field)

		currentOffset = alignedOffset + field.Size
	}

	totalSize := alignUp(currentOffset, maxAlignment)
	if totalSize > currentOffset {
		padding = append(padding, PaddingInfo{
			Offset: currentOffset,
			Size:   totalSize - currentOffset,
			Reason: "record alignment",
		})
	}

	return &StructLayout{
		Name:       name,
		Fields:     layoutFields,
		TotalSize:  totalSize,
		Alignment:  maxAlignment,
		PaddingMap: padding,
	}, nil
}

// Field helpers for runtime records.

func U16(name string) FieldInfo { return FieldInfo{Name: name, Type: "u16", Size: 2, Alignment: 2} }
func U32(name string) FieldInfo { return FieldInfo{Name: name, Type: "u32", Size: 4, Alignment: 4} }

// Rel is a 32-bit self-relative pointer.
func Rel(name string) FieldInfo { return FieldInfo{Name: name, Type: "rel32", Size: 4, Alignment: 4} }

// Ptr is a pointer-sized field.
func (lc *LayoutCalculator) Ptr(name string) FieldInfo {
	return FieldInfo{Name: name, Type: "ptr", Size: lc.TargetPointerSize, Alignment: lc.TargetPointerSize}
}

// GenericWitnessTableCache is the record the runtime uses to instantiate a
// witness table: table size in words, private area size in words with the
// requires-instantiation bit, and relative pointers to the protocol, the
// pattern table, the instantiation function and the private data cache.
func (lc *LayoutCalculator) GenericWitnessTableCache() *StructLayout {
	l, err := lc.CalculateStructLayout("generic_witness_table_cache", []FieldInfo{
		U16("witness_table_size_in_words"),
		U16("witness_table_private_size_in_words_and_requires_instantiation"),
		Rel("protocol"),
		Rel("pattern"),
		Rel("instantiator"),
		Rel("private_data"),
	})
	if err != nil {
		panic(err)
	}

	return l
}

// GenericMetadataPrivateDataWords is the size of the private data area
// the runtime uses to cache instantiated tables of one conformance.
const GenericMetadataPrivateDataWords = 16

// RequiresInstantiationBit is set in the private size field when the table
// needs an instantiation function call.
const RequiresInstantiationBit = 1

// EncodePrivateSize packs the private size field of the cache record.
func EncodePrivateSize(words int, requiresInstantiation bool) uint16 {
	v := uint16(words) << 1
	if requiresInstantiation {
		v |= RequiresInstantiationBit
	}

	return v
}

// DecodePrivateSize unpacks EncodePrivateSize.
func DecodePrivateSize(v uint16) (words int, requiresInstantiation bool) {
	return int(v >> 1), v&RequiresInstantiationBit != 0
}

// WitnessTableLayout places the public slots of a witness table at word
// offsets 0..NumWitnesses-1 and the private slots in front of it, so that
// private slot i lives at word offset -1-i.
type WitnessTableLayout struct {
	NumWitnesses int
	NumPrivate   int
}

// SlotOffset returns the word offset of public slot i.
func (w WitnessTableLayout) SlotOffset(i int) int {
	if i < 0 || i >= w.NumWitnesses {
		panic(fmt.Sprintf("witness table slot %d out of range [0, %d)", i, w.NumWitnesses))
	}

	return i
}

// PrivateOffset returns the word offset of private slot i.
func (w WitnessTableLayout) PrivateOffset(i int) int {
	if i < 0 || i >= w.NumPrivate {
		panic(fmt.Sprintf("private slot %d out of range [0, %d)", i, w.NumPrivate))
	}

	return PrivateSlotOffset(i)
}

// PrivateSlotOffset is the word offset of private slot i in any witness
// table, for callers that do not know the table's full layout.
func PrivateSlotOffset(i int) int { return -1 - i }

// SizeInWords returns the full allocation size including the private area.
func (w WitnessTableLayout) SizeInWords() int { return w.NumWitnesses + w.NumPrivate }

// Metadata header sizes in words.
const (
	// Value metadata: kind, nominal type descriptor.
	ValueMetadataHeaderWords = 2
	// Class metadata: isa, superclass, two cache words, data, flags and
	// instance address point, instance size and alignment mask, class size
	// and address point, nominal type descriptor, ivar destroyer.
	ClassMetadataHeaderWords = 10
)

// GenericArgumentOffset returns the word offset of the generic argument
// vector in metadata for decl. Class metadata places a subclass's
// arguments after those of its generic ancestors.
func GenericArgumentOffset(decl *sema.NominalDecl) int {
	if decl.Kind != sema.NominalClass {
		return ValueMetadataHeaderWords
	}

	offset := ClassMetadataHeaderWords
	for super := decl.Superclass; super != nil && super.Kind == sema.KindNominal; super = super.Decl.Superclass {
		offset += genericArgumentCount(super.Decl)
	}

	return offset
}

func genericArgumentCount(decl *sema.NominalDecl) int {
	if !decl.IsGeneric() {
		return 0
	}

	n := len(decl.Generics.Params)
	for _, r := range decl.Generics.Requirements {
		if r.Kind == sema.ReqConformance && r.Protocol.RequiresWitnessTable() {
			n++
		}
	}

	return n
}

// ArgumentBuffer lays out the buffer of conditional conformance tables
// handed to an instantiation function.
func (lc *LayoutCalculator) ArgumentBuffer(count int) *ArrayLayout {
	l, err := lc.CalculateArrayLayout("witness_table", lc.TargetPointerSize, lc.TargetPointerSize, int64(count))
	if err != nil {
		panic(err)
	}

	return l
}

// InstantiationArguments is the buffer an accessor hands to
// swift_getGenericWitnessTable: the conditional table array and its count.
func (lc *LayoutCalculator) InstantiationArguments() *StructLayout {
	l, err := lc.CalculateStructLayout("instantiation_arguments", []FieldInfo{
		lc.Ptr("conditional_tables"),
		lc.Ptr("conditional_count"),
	})
	if err != nil {
		panic(err)
	}

	return l
}

// Words converts a size in bytes to target words, rounding up.
func (lc *LayoutCalculator) Words(size int64) int {
	return int((size + lc.TargetPointerSize - 1) / lc.TargetPointerSize)
}

// FieldWord returns the word offset of the named field of sl.
func (lc *LayoutCalculator) FieldWord(sl *StructLayout, name string) int {
	off, ok := sl.GetFieldOffset(name)
	if !ok {
		panic(fmt.Sprintf("record %s has no field %s", sl.Name, name))
	}

	return int(off / lc.TargetPointerSize)
}

func isPowerOfTwo(n int64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// alignUp rounds up to the next multiple of alignment
func alignUp(value, alignment int64) int64 {
	if alignment <= 1 {
		return value
	}
	return (value + alignment - 1) & ^(alignment - 1)
}

// GetFieldOffset returns the byte offset of a field within a record
func (sl *StructLayout) GetFieldOffset(fieldName string) (int64, bool) {
	for _, field := range sl.Fields {
		if field.Name == fieldName {
			return field.Offset, true
		}
	}
	return 0, false
}

// GetPaddingBytes returns the total number of padding bytes in the record
func (sl *StructLayout) GetPaddingBytes() int64 {
	var total int64
	for _, pad := range sl.PaddingMap {
		total += pad.Size
	}
	return total
}

func (al *ArrayLayout) String() string {
	return fmt.Sprintf("Array[%s; %d] (element: %d bytes, total: %d bytes, align: %d)",
		al.ElementType, al.Length, al.ElementSize, al.TotalSize, al.ElementAlign)
}

func (sl *StructLayout) String() string {
	return fmt.Sprintf("Record %s (%d fields, %d bytes, %d padding)",
		sl.Name, len(sl.Fields), sl.TotalSize, sl.GetPaddingBytes())
}
