package layout

import (
	"testing"

	"github.com/orizon-lang/witgen/internal/sema"
	"github.com/orizon-lang/witgen/internal/sema/sematest"
)

func TestLayoutCalculator(t *testing.T) {
	lc := NewLayoutCalculator()

	if lc.TargetPointerSize != 8 {
		t.Errorf("Expected pointer size 8, got %d", lc.TargetPointerSize)
	}

	if lc.MaxAlignment != 16 {
		t.Errorf("Expected max alignment 16, got %d", lc.MaxAlignment)
	}
}

func TestArrayLayout(t *testing.T) {
	lc := NewLayoutCalculator()

	tests := []struct {
		name         string
		elementSize  int64
		elementAlign int64
		length       int64
		expectedSize int64
		shouldError  bool
	}{
		{name: "pointer_array", elementSize: 8, elementAlign: 8, length: 3, expectedSize: 24},
		{name: "zero_length_array", elementSize: 8, elementAlign: 8, length: 0, expectedSize: 0},
		{name: "negative_length", elementSize: 8, elementAlign: 8, length: -1, shouldError: true},
		{name: "invalid_element_size", elementSize: 0, elementAlign: 8, length: 1, shouldError: true},
		{name: "invalid_alignment", elementSize: 8, elementAlign: 3, length: 1, shouldError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout, err := lc.CalculateArrayLayout("witness_table", tt.elementSize, tt.elementAlign, tt.length)

			if tt.shouldError {
				if err == nil {
					t.Error("Expected error but got none")
				}

				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if layout.TotalSize != tt.expectedSize {
				t.Errorf("Expected size %d, got %d", tt.expectedSize, layout.TotalSize)
			}
		})
	}
}

func TestStructLayoutPadding(t *testing.T) {
	lc := NewLayoutCalculator()

	layout, err := lc.CalculateStructLayout("mixed", []FieldInfo{
		U16("count"),
		lc.Ptr("table"),
		U32("flags"),
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if off, _ := layout.GetFieldOffset("table"); off != 8 {
		t.Errorf("Expected table at offset 8, got %d", off)
	}

	if layout.TotalSize != 24 {
		t.Errorf("Expected total size 24, got %d", layout.TotalSize)
	}

	if layout.GetPaddingBytes() != 10 {
		t.Errorf("Expected 10 padding bytes, got %d", layout.GetPaddingBytes())
	}
}

func TestStructLayoutRejectsOveraligned(t *testing.T) {
	lc := NewLayoutCalculator()

	_, err := lc.CalculateStructLayout("bad", []FieldInfo{{Name: "v", Size: 32, Alignment: 32}})
	if err == nil {
		t.Error("Expected an error for a field above the target alignment")
	}
}

func TestGenericWitnessTableCache(t *testing.T) {
	layout := NewLayoutCalculator().GenericWitnessTableCache()

	expected := map[string]int64{
		"witness_table_size_in_words":                                    0,
		"witness_table_private_size_in_words_and_requires_instantiation": 2,
		"protocol":     4,
		"pattern":      8,
		"instantiator": 12,
		"private_data": 16,
	}

	for name, off := range expected {
		got, ok := layout.GetFieldOffset(name)
		if !ok {
			t.Errorf("Expected field %s", name)
			continue
		}

		if got != off {
			t.Errorf("Expected %s at %d, got %d", name, off, got)
		}
	}

	if layout.TotalSize != 20 || layout.GetPaddingBytes() != 0 {
		t.Errorf("Expected a packed 20 byte record, got %s", layout)
	}
}

func TestPrivateSizeEncoding(t *testing.T) {
	tests := []struct {
		words    int
		requires bool
		encoded  uint16
	}{
		{0, false, 0},
		{1, true, 3},
		{2, false, 4},
		{5, true, 11},
	}

	for _, tt := range tests {
		got := EncodePrivateSize(tt.words, tt.requires)
		if got != tt.encoded {
			t.Errorf("Expected %d, got %d", tt.encoded, got)
		}

		words, requires := DecodePrivateSize(got)
		if words != tt.words || requires != tt.requires {
			t.Errorf("Expected (%d, %v), got (%d, %v)", tt.words, tt.requires, words, requires)
		}
	}
}

func TestWitnessTableLayout(t *testing.T) {
	wt := WitnessTableLayout{NumWitnesses: 3, NumPrivate: 2}

	if wt.SlotOffset(2) != 2 {
		t.Errorf("Expected slot 2 at offset 2, got %d", wt.SlotOffset(2))
	}

	if wt.PrivateOffset(0) != -1 || wt.PrivateOffset(1) != -2 {
		t.Errorf("Expected private offsets -1, -2, got %d, %d", wt.PrivateOffset(0), wt.PrivateOffset(1))
	}

	if wt.SizeInWords() != 5 {
		t.Errorf("Expected 5 words, got %d", wt.SizeInWords())
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for an out of range private slot")
		}
	}()

	wt.PrivateOffset(2)
}

func TestGenericArgumentOffset(t *testing.T) {
	w := sematest.NewWorld()

	P := sema.GenericParam(0, 0, "P")
	q := sema.GenericParam(0, 0, "Q")
	generic := &sema.NominalDecl{
		Name: "Box", Kind: sema.NominalClass,
		Generics: &sema.GenericSignature{Params: []*sema.Type{q}, Requirements: []sema.Requirement{sema.Conforms(q, w.Eq)}},
	}
	sub := &sema.NominalDecl{
		Name: "SubBox", Kind: sema.NominalClass,
		Generics:   &sema.GenericSignature{Params: []*sema.Type{P}},
		Superclass: sema.Nominal(generic, P),
	}

	tests := []struct {
		name     string
		decl     *sema.NominalDecl
		expected int
	}{
		{"struct", w.Array, ValueMetadataHeaderWords},
		{"class_with_plain_superclass", w.Derived, ClassMetadataHeaderWords},
		{"class_with_generic_superclass", sub, ClassMetadataHeaderWords + 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GenericArgumentOffset(tt.decl); got != tt.expected {
				t.Errorf("Expected offset %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestArgumentBuffer(t *testing.T) {
	buf := NewLayoutCalculator().ArgumentBuffer(2)
	if buf.TotalSize != 16 {
		t.Errorf("Expected 16 bytes, got %d", buf.TotalSize)
	}
}

func TestInstantiationArguments(t *testing.T) {
	lc := NewLayoutCalculator()
	args := lc.InstantiationArguments()

	if got := lc.Words(args.TotalSize); got != 2 {
		t.Errorf("Expected 2 words, got %d", got)
	}

	if lc.FieldWord(args, "conditional_tables") != 0 || lc.FieldWord(args, "conditional_count") != 1 {
		t.Errorf("Expected tables then count, got %v", args.Fields)
	}

	if got := lc.Words(lc.ArgumentBuffer(3).TotalSize); got != 3 {
		t.Errorf("Expected 3 words for 3 tables, got %d", got)
	}

	if lc.Words(0) != 0 || lc.Words(1) != 1 || lc.Words(9) != 2 {
		t.Error("Expected byte sizes to round up to whole words")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for an unknown field")
		}
	}()

	lc.FieldWord(args, "missing")
}

func TestPrivateSlotOffset(t *testing.T) {
	wt := WitnessTableLayout{NumWitnesses: 1, NumPrivate: 4}

	for i := 0; i < wt.NumPrivate; i++ {
		if wt.PrivateOffset(i) != PrivateSlotOffset(i) {
			t.Errorf("Expected private slot %d at %d, got %d", i, PrivateSlotOffset(i), wt.PrivateOffset(i))
		}
	}
}
