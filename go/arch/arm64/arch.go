package arm64

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
	Name:    "arm64",
	Machine: elf.EM_AARCH64,
	Class:   elf.ELFCLASS64,
	Bits:    64,
	Order:   binary.LittleEndian,
	LazyGOT: true,
	Types: models.RelocTypes{
		None:     uint32(elf.R_AARCH64_NONE),
		Relative: uint32(elf.R_AARCH64_RELATIVE),
		Copy:     uint32(elf.R_AARCH64_COPY),
		JumpSlot: uint32(elf.R_AARCH64_JUMP_SLOT),
		GlobDat:  uint32(elf.R_AARCH64_GLOB_DAT),
	},
	Relocs: models.RelocTable{
		elf.R_AARCH64_NONE:      {Name: "NONE", Flags: v},
		elf.R_AARCH64_ABS64:     {Name: "ABS64", Flags: v | s | a, Size: 8},
		elf.R_AARCH64_ABS32:     {Name: "ABS32", Flags: v | s | a, Size: 4},
		elf.R_AARCH64_ABS16:     {Name: "ABS16", Flags: v | s | a, Size: 2},
		elf.R_AARCH64_PREL64:    {Name: "PREL64", Flags: v | s | a | pc, Size: 8},
		elf.R_AARCH64_PREL32:    {Name: "PREL32", Flags: v | s | a | pc, Size: 4},
		elf.R_AARCH64_PREL16:    {Name: "PREL16", Flags: v | s | a | pc, Size: 2},
		elf.R_AARCH64_COPY:      {Name: "COPY", Flags: v | s | models.RelocCopy},
		elf.R_AARCH64_GLOB_DAT:  {Name: "GLOB_DAT", Flags: v | s | a, Size: 8},
		elf.R_AARCH64_JUMP_SLOT: {Name: "JUMP_SLOT", Flags: v | s | a | models.RelocJumpSlot, Size: 8},
		elf.R_AARCH64_RELATIVE:  {Name: "RELATIVE", Flags: v | a | b, Size: 8},
		elf.R_AARCH64_IRELATIVE: {Name: "IRELATIVE"},
	},
}
