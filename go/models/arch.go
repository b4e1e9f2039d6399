package models

import (
	"debug/elf"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"
)

type Reg struct {
	Enum int
	Name string
}

type RegVal struct {
	Reg
	Val uint64
}

type regList []Reg

func (r regList) Len() int           { return len(r) }
func (r regList) Swap(i, j int)      { r[i], r[j] = r[j], r[i] }
func (r regList) Less(i, j int) bool { return sortorder.NaturalLess(r[i].Name, r[j].Name) }

type RegMap map[int]string

func (r RegMap) Items() regList {
	ret := make(regList, 0, len(r))
	for e, n := range r {
		ret = append(ret, Reg{e, n})
	}
	return ret
}

// Well-known relocation type numbers the engine needs to recognize by role.
type RelocTypes struct {
	None     uint32
	Relative uint32
	Copy     uint32
	JumpSlot uint32
	GlobDat  uint32
}

type Arch struct {
	Name    string
	Machine elf.Machine
	Class   elf.Class
	Bits    int
	Order   binary.ByteOrder

	Relocs RelocTable
	Types  RelocTypes
	// Lazy PLT binding through GOT[1] (object) and GOT[2] (resolver stub).
	// Architectures without it are always bound eagerly.
	LazyGOT bool
}

func (a *Arch) String() string {
	return a.Name
}

func (a *Arch) PtrSize() int {
	return a.Bits / 8
}

// RegSet names the registers of one emulated CPU.
type RegSet struct {
	Regs RegMap
	// sorted for RegDump
	regList regList
}

func (r *RegSet) RegNames() regList {
	if r.regList == nil {
		r.regList = r.Regs.Items()
		sort.Sort(r.regList)
	}
	return r.regList
}

type RegReader interface {
	RegRead(enum int) (uint64, error)
}

func (r *RegSet) RegDump(rr RegReader) ([]RegVal, error) {
	ret := make([]RegVal, 0, len(r.Regs))
	for _, reg := range r.RegNames() {
		val, err := rr.RegRead(reg.Enum)
		if err != nil {
			return nil, err
		}
		ret = append(ret, RegVal{reg, val})
	}
	return ret, nil
}

func (a *Arch) Validate() error {
	if a.Bits != 32 && a.Bits != 64 {
		return errors.Errorf("%s: bad word size %d", a.Name, a.Bits)
	}
	for _, typ := range []uint32{a.Types.Relative, a.Types.JumpSlot} {
		if _, ok := a.Relocs.Lookup(typ); !ok {
			return errors.Errorf("%s: relocation table lacks required type %d", a.Name, typ)
		}
	}
	return nil
}

// SmokeTest checks a relocation table for internal consistency.
func (a *Arch) SmokeTest(t *testing.T) {
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
	if len(a.Relocs) == 0 {
		t.Fatal("empty relocation table")
	}
	for typ, d := range a.Relocs {
		if !d.Has(RelocValid) {
			continue
		}
		switch d.Size {
		case 0:
			if typ != int(a.Types.None) && !d.Has(RelocCopy) {
				t.Errorf("%s: %s has no width", a, d.Name)
			}
		case 1, 2, 4, 8:
			if d.Size > a.PtrSize() {
				t.Errorf("%s: %s is wider than a pointer", a, d.Name)
			}
		default:
			t.Errorf("%s: %s has bad width %d", a, d.Name, d.Size)
		}
		if d.Mask != 0 && d.Mask&^d.FieldMask() != 0 {
			t.Errorf("%s: %s mask exceeds field", a, d.Name)
		}
	}
	rel, _ := a.Relocs.Lookup(a.Types.Relative)
	if !rel.Has(RelocBaseRel) || rel.Has(RelocSymbol) {
		t.Errorf("%s: bad RELATIVE descriptor %s", a, rel.Flags)
	}
	jmp, _ := a.Relocs.Lookup(a.Types.JumpSlot)
	if !jmp.Has(RelocJumpSlot) || !jmp.Has(RelocSymbol) || jmp.Size != a.PtrSize() {
		t.Errorf("%s: bad JUMP_SLOT descriptor %s", a, jmp.Flags)
	}
	if cp, ok := a.Relocs.Lookup(a.Types.Copy); ok && !cp.Has(RelocCopy) {
		t.Errorf("%s: COPY descriptor lacks copy flag", a)
	}
}
