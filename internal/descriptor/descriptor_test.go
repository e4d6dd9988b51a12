package descriptor

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-macho/types/swift"
)

func TestFlags(t *testing.T) {
	tests := []struct {
		name        string
		conf        Conformance
		conditional int
		resilient   bool
		generic     bool
		retroactive bool
	}{
		{"plain", Conformance{}, 0, false, false, false},
		{"conditional", Conformance{NumConditionalRequirements: 3, Generic: true}, 3, false, true, false},
		{"resilient", Conformance{ResilientWitnesses: []ResilientWitness{{Slot: 1}}}, 0, true, false, false},
		{"retroactive", Conformance{Retroactive: true}, 0, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.conf.Flags()

			if got := f.GetNumConditionalRequirements(); got != tt.conditional {
				t.Errorf("Expected %d conditional requirements, got %d", tt.conditional, got)
			}

			if f.HasResilientWitnesses() != tt.resilient {
				t.Errorf("Expected resilient witnesses %v, got %v", tt.resilient, f.HasResilientWitnesses())
			}

			if f.HasGenericWitnessTable() != tt.generic {
				t.Errorf("Expected generic witness table %v, got %v", tt.generic, f.HasGenericWitnessTable())
			}

			if f.IsRetroactive() != tt.retroactive {
				t.Errorf("Expected retroactive %v, got %v", tt.retroactive, f.IsRetroactive())
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	in := &Conformance{
		NumConditionalRequirements: 1,
		ResilientWitnesses: []ResilientWitness{
			{Slot: 2, Flags: RequirementFlags(KindMethod, true), Impl: -16},
			{Slot: 4, Flags: RequirementFlags(KindGetter, false)},
		},
		Generic:               true,
		TableSizeInWords:      5,
		PrivateSizeInWords:    2,
		RequiresInstantiation: true,
	}

	data, err := in.Encode()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// flags, header, two witnesses of two relative offsets, generic table
	// header
	if expected := 4 + 4 + 2*8 + 12; len(data) != expected {
		t.Fatalf("Expected %d bytes, got %d", expected, len(data))
	}

	flags := swift.ConformanceFlags(binary.LittleEndian.Uint32(data))
	if flags != in.Flags() {
		t.Errorf("Expected flags %#x, got %#x", uint32(in.Flags()), uint32(flags))
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if out.NumConditionalRequirements != 1 || !out.Generic {
		t.Errorf("Expected 1 conditional requirement on a generic table, got %+v", out)
	}

	if out.TableSizeInWords != 5 || out.PrivateSizeInWords != 2 || !out.RequiresInstantiation {
		t.Errorf("Expected 5 public and 2 private words with instantiation, got %+v", out)
	}

	if len(out.ResilientWitnesses) != 2 {
		t.Fatalf("Expected 2 resilient witnesses, got %d", len(out.ResilientWitnesses))
	}

	w := out.ResilientWitnesses[0]
	if w.Slot != 2 || w.Impl != -16 || w.Flags.Kind() != KindMethod || !w.Flags.IsInstance() {
		t.Errorf("Expected instance method witness at slot 2, got %+v", w)
	}

	if k := out.ResilientWitnesses[1].Flags.Kind(); k != KindGetter {
		t.Errorf("Expected getter, got %v", k)
	}
}

func TestEncodeRejectsOversizedFields(t *testing.T) {
	if _, err := (&Conformance{NumConditionalRequirements: 256}).Encode(); err == nil {
		t.Error("Expected error for 256 conditional requirements")
	}

	if _, err := (&Conformance{Generic: true, PrivateSizeInWords: 1 << 15}).Encode(); err == nil {
		t.Error("Expected error for an oversized private area")
	}

	if _, err := (&Conformance{ResilientWitnesses: []ResilientWitness{{Slot: 1 << 16}}}).Encode(); err == nil {
		t.Error("Expected error for a slot beyond the requirement index range")
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	data, err := (&Conformance{}).Encode()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if _, err := Decode(append(data, 0)); err == nil {
		t.Error("Expected error for trailing bytes")
	}

	if _, err := Decode(data[:2]); err == nil {
		t.Error("Expected error for a truncated record")
	}
}
