package x86

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

// i386 uses REL tables: addends are read from the patched word.
var Arch = &models.Arch{
	Name:    "x86",
	Machine: elf.EM_386,
	Class:   elf.ELFCLASS32,
	Bits:    32,
	Order:   binary.LittleEndian,
	LazyGOT: true,
	Types: models.RelocTypes{
		None:     uint32(elf.R_386_NONE),
		Relative: uint32(elf.R_386_RELATIVE),
		Copy:     uint32(elf.R_386_COPY),
		JumpSlot: uint32(elf.R_386_JMP_SLOT),
		GlobDat:  uint32(elf.R_386_GLOB_DAT),
	},
	Relocs: models.RelocTable{
		elf.R_386_NONE:     {Name: "NONE", Flags: v},
		elf.R_386_32:       {Name: "32", Flags: v | s | a, Size: 4},
		elf.R_386_PC32:     {Name: "PC32", Flags: v | s | a | pc, Size: 4},
		elf.R_386_GOT32:    {Name: "GOT32"},
		elf.R_386_PLT32:    {Name: "PLT32"},
		elf.R_386_COPY:     {Name: "COPY", Flags: v | s | models.RelocCopy},
		elf.R_386_GLOB_DAT: {Name: "GLOB_DAT", Flags: v | s, Size: 4},
		elf.R_386_JMP_SLOT: {Name: "JMP_SLOT", Flags: v | s | models.RelocJumpSlot, Size: 4},
		elf.R_386_RELATIVE: {Name: "RELATIVE", Flags: v | a | b, Size: 4},
		elf.R_386_GOTOFF:   {Name: "GOTOFF"},
		elf.R_386_GOTPC:    {Name: "GOTPC"},
		elf.R_386_16:       {Name: "16", Flags: v | s | a, Size: 2},
		elf.R_386_PC16:     {Name: "PC16", Flags: v | s | a | pc, Size: 2},
		elf.R_386_8:        {Name: "8", Flags: v | s | a, Size: 1},
		elf.R_386_PC8:      {Name: "PC8", Flags: v | s | a | pc, Size: 1},
	},
}
