package arm

import (
	"debug/elf"
	"encoding/binary"

	"github.com/lunixbochs/rtld/go/models"
)

const (
	v  = models.RelocValid
	s  = models.RelocSymbol
	a  = models.RelocAddend
	pc = models.RelocPCRel
	b  = models.RelocBaseRel
)

var Arch = &models.Arch{
	Name:    "arm",
	Machine: elf.EM_ARM,
	Class:   elf.ELFCLASS32,
	Bits:    32,
	Order:   binary.LittleEndian,
	LazyGOT: true,
	Types: models.RelocTypes{
		None:     uint32(elf.R_ARM_NONE),
		Relative: uint32(elf.R_ARM_RELATIVE),
		Copy:     uint32(elf.R_ARM_COPY),
		JumpSlot: uint32(elf.R_ARM_JUMP_SLOT),
		GlobDat:  uint32(elf.R_ARM_GLOB_DAT),
	},
	Relocs: models.RelocTable{
		elf.R_ARM_NONE: {Name: "NONE", Flags: v},
		// branch fixups are resolved at link time
		elf.R_ARM_PC24:      {Name: "PC24"},
		elf.R_ARM_ABS32:     {Name: "ABS32", Flags: v | s | a, Size: 4},
		elf.R_ARM_REL32:     {Name: "REL32", Flags: v | s | a | pc, Size: 4},
		elf.R_ARM_ABS16:     {Name: "ABS16", Flags: v | s | a, Size: 2},
		elf.R_ARM_ABS8:      {Name: "ABS8", Flags: v | s | a, Size: 1},
		elf.R_ARM_COPY:      {Name: "COPY", Flags: v | s | models.RelocCopy},
		elf.R_ARM_GLOB_DAT:  {Name: "GLOB_DAT", Flags: v | s, Size: 4},
		elf.R_ARM_JUMP_SLOT: {Name: "JUMP_SLOT", Flags: v | s | models.RelocJumpSlot, Size: 4},
		elf.R_ARM_RELATIVE:  {Name: "RELATIVE", Flags: v | a | b, Size: 4},
	},
}
