package models

import (
	"fmt"
	"strings"
)

type RelocFlag uint16

const (
	RelocValid RelocFlag = 1 << iota
	// resolve the entry's symbol
	RelocSymbol
	// add the entry's addend (RELA) or the existing word (REL)
	RelocAddend
	// subtract the patch address
	RelocPCRel
	// add the object's load bias
	RelocBaseRel
	// copy the definition's bytes instead of storing an address
	RelocCopy
	// PLT slot, subject to lazy binding
	RelocJumpSlot
)

var relocFlagNames = []string{"valid", "sym", "addend", "pcrel", "base", "copy", "jmpslot"}

func (f RelocFlag) String() string {
	var names []string
	for i, name := range relocFlagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

// RelocDesc describes how one relocation type computes and stores its value.
type RelocDesc struct {
	Name  string
	Flags RelocFlag
	// width of the patched word in bytes
	Size int
	// right shift applied to the computed value
	Shift uint
	// bits of the word owned by the relocation; zero means the full word
	Mask uint64
}

func (d *RelocDesc) Has(f RelocFlag) bool {
	return d.Flags&f == f
}

func (d *RelocDesc) FieldMask() uint64 {
	if d.Mask != 0 {
		return d.Mask
	}
	if d.Size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(d.Size)*8) - 1
}

// Merge stores value into the masked field of old, preserving the other bits.
func (d *RelocDesc) Merge(old, value uint64) uint64 {
	mask := d.FieldMask()
	value >>= d.Shift
	return old&^mask | value&mask
}

// Addend extracts an implicit (REL) addend from the existing word.
func (d *RelocDesc) Addend(old uint64) uint64 {
	return (old & d.FieldMask()) << d.Shift
}

func (d *RelocDesc) String() string {
	return fmt.Sprintf("%s(%s size=%d shift=%d mask=%#x)", d.Name, d.Flags, d.Size, d.Shift, d.FieldMask())
}

// RelocTable is indexed by relocation type. Types past the end or without
// RelocValid are malformed input.
type RelocTable []RelocDesc

func (t RelocTable) Lookup(typ uint32) (*RelocDesc, bool) {
	if uint64(typ) >= uint64(len(t)) {
		return nil, false
	}
	d := &t[typ]
	if d.Flags&RelocValid == 0 {
		return nil, false
	}
	return d, true
}
