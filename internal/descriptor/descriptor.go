// Package descriptor encodes the binary records that describe a witness
// table to the runtime: the conformance flags, the resilient witness list
// and the generic witness table header, in the layout the Mach-O Swift
// metadata readers understand.
package descriptor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blacktop/go-macho/types/swift"

	"github.com/orizon-lang/witgen/internal/layout"
)

// RequirementKind mirrors the runtime's protocol requirement kinds.
type RequirementKind = swift.ProtocolRequirementKind

const (
	KindBaseProtocol          = swift.PRKindBaseProtocol
	KindMethod                = swift.PRKindMethod
	KindInit                  = swift.PRKindInit
	KindGetter                = swift.PRKindGetter
	KindSetter                = swift.PRKindSetter
	KindAssociatedType        = swift.PRKindAssociatedTypeAccessFunction
	KindAssociatedConformance = swift.PRKindAssociatedConformanceAccessFunction
)

const instanceFlag = 0x10

// RequirementFlags packs a requirement kind and whether it is an instance
// member.
func RequirementFlags(kind RequirementKind, instance bool) swift.ProtocolRequirementFlags {
	f := swift.ProtocolRequirementFlags(kind)
	if instance {
		f |= instanceFlag
	}

	return f
}

// ResilientWitness is one witness a resilient conformance provides, named
// by the slot of the requirement it satisfies.
type ResilientWitness struct {
	Slot  int
	Flags swift.ProtocolRequirementFlags
	// Impl is the relative offset of the implementation; zero until
	// linked.
	Impl int32
}

// Conformance is the runtime description of one conformance.
type Conformance struct {
	Retroactive                bool
	NumConditionalRequirements int
	ResilientWitnesses         []ResilientWitness
	// Generic is set when the table is instantiated at run time.
	Generic               bool
	TableSizeInWords      int
	PrivateSizeInWords    int
	RequiresInstantiation bool
}

// Flags computes the conformance flags word.
func (c *Conformance) Flags() swift.ConformanceFlags {
	var f swift.ConformanceFlags

	if c.Retroactive {
		f |= swift.IsRetroactiveMask
	}

	f |= swift.ConformanceFlags(c.NumConditionalRequirements<<swift.NumConditionalRequirementsShift) & swift.NumConditionalRequirementsMask

	if len(c.ResilientWitnesses) > 0 {
		f |= swift.HasResilientWitnessesMask
	}

	if c.Generic {
		f |= swift.HasGenericWitnessTableMask
	}

	return f
}

// Encode writes the flags word, the resilient witnesses when present and
// the generic witness table header when present, little endian.
func (c *Conformance) Encode() ([]byte, error) {
	if c.NumConditionalRequirements > 0xFF {
		return nil, fmt.Errorf("descriptor: %d conditional requirements do not fit the flags", c.NumConditionalRequirements)
	}

	var buf bytes.Buffer

	put := func(v any) error { return binary.Write(&buf, binary.LittleEndian, v) }

	f := c.Flags()
	if err := put(f); err != nil {
		return nil, err
	}

	if f.HasResilientWitnesses() {
		if err := put(swift.TargetResilientWitnessesHeader{NumWitnesses: uint32(len(c.ResilientWitnesses))}); err != nil {
			return nil, err
		}

		for _, w := range c.ResilientWitnesses {
			if w.Slot < 0 || w.Slot > 0xFFFF {
				return nil, fmt.Errorf("descriptor: requirement slot %d out of range", w.Slot)
			}

			// The requirement is addressed by its descriptor index, with the
			// flags in the upper half for readers that decode them.
			var rec swift.TargetResilientWitness
			rec.RequirementOff.RelOff = int32(uint32(w.Slot) | uint32(w.Flags)<<16)
			rec.ImplOff.RelOff = w.Impl

			if err := put(rec.RequirementOff.RelOff); err != nil {
				return nil, err
			}

			if err := put(rec.ImplOff.RelOff); err != nil {
				return nil, err
			}
		}
	}

	if f.HasGenericWitnessTable() {
		if c.TableSizeInWords > 0xFFFF || c.PrivateSizeInWords > 0x7FFF {
			return nil, fmt.Errorf("descriptor: table of %d+%d words is too large", c.TableSizeInWords, c.PrivateSizeInWords)
		}

		hdr := swift.TargetGenericWitnessTable{
			WitnessTableSizeInWords:                                uint16(c.TableSizeInWords),
			WitnessTablePrivateSizeInWordsAndRequiresInstantiation: layout.EncodePrivateSize(c.PrivateSizeInWords, c.RequiresInstantiation),
		}
		if err := put(hdr); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// Decode reads a record written by Encode.
func Decode(data []byte) (*Conformance, error) {
	r := bytes.NewReader(data)
	get := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var f swift.ConformanceFlags
	if err := get(&f); err != nil {
		return nil, fmt.Errorf("descriptor: flags: %w", err)
	}

	c := &Conformance{
		Retroactive:                f.IsRetroactive(),
		NumConditionalRequirements: f.GetNumConditionalRequirements(),
		Generic:                    f.HasGenericWitnessTable(),
	}

	if f.HasResilientWitnesses() {
		var hdr swift.TargetResilientWitnessesHeader
		if err := get(&hdr); err != nil {
			return nil, fmt.Errorf("descriptor: resilient header: %w", err)
		}

		for i := uint32(0); i < hdr.NumWitnesses; i++ {
			var rec swift.TargetResilientWitness
			if err := rec.Read(r, 0); err != nil {
				return nil, fmt.Errorf("descriptor: resilient witness %d: %w", i, err)
			}

			req := uint32(rec.RequirementOff.RelOff)
			c.ResilientWitnesses = append(c.ResilientWitnesses, ResilientWitness{
				Slot:  int(req & 0xFFFF),
				Flags: swift.ProtocolRequirementFlags(req >> 16),
				Impl:  rec.ImplOff.RelOff,
			})
		}
	}

	if f.HasGenericWitnessTable() {
		var hdr swift.TargetGenericWitnessTable
		if err := get(&hdr); err != nil {
			return nil, fmt.Errorf("descriptor: generic witness table: %w", err)
		}

		c.TableSizeInWords = int(hdr.WitnessTableSizeInWords)
		c.PrivateSizeInWords, c.RequiresInstantiation = layout.DecodePrivateSize(hdr.WitnessTablePrivateSizeInWordsAndRequiresInstantiation)
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("descriptor: %d trailing bytes", r.Len()+1)
	}

	return c, nil
}
