package x86_64

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
	Name:    "x86_64",
	Machine: elf.EM_X86_64,
	Class:   elf.ELFCLASS64,
	Bits:    64,
	Order:   binary.LittleEndian,
	LazyGOT: true,
	Types: models.RelocTypes{
		None:     uint32(elf.R_X86_64_NONE),
		Relative: uint32(elf.R_X86_64_RELATIVE),
		Copy:     uint32(elf.R_X86_64_COPY),
		JumpSlot: uint32(elf.R_X86_64_JMP_SLOT),
		GlobDat:  uint32(elf.R_X86_64_GLOB_DAT),
	},
	Relocs: models.RelocTable{
		elf.R_X86_64_NONE:     {Name: "NONE", Flags: v},
		elf.R_X86_64_64:       {Name: "64", Flags: v | s | a, Size: 8},
		elf.R_X86_64_PC32:     {Name: "PC32", Flags: v | s | a | pc, Size: 4},
		elf.R_X86_64_GOT32:    {Name: "GOT32"},
		elf.R_X86_64_PLT32:    {Name: "PLT32", Flags: v | s | a | pc, Size: 4},
		elf.R_X86_64_COPY:     {Name: "COPY", Flags: v | s | models.RelocCopy},
		elf.R_X86_64_GLOB_DAT: {Name: "GLOB_DAT", Flags: v | s | a, Size: 8},
		elf.R_X86_64_JMP_SLOT: {Name: "JUMP_SLOT", Flags: v | s | a | models.RelocJumpSlot, Size: 8},
		elf.R_X86_64_RELATIVE: {Name: "RELATIVE", Flags: v | a | b, Size: 8},
		elf.R_X86_64_GOTPCREL: {Name: "GOTPCREL"},
		elf.R_X86_64_32:       {Name: "32", Flags: v | s | a, Size: 4},
		elf.R_X86_64_32S:      {Name: "32S", Flags: v | s | a, Size: 4},
		elf.R_X86_64_16:       {Name: "16", Flags: v | s | a, Size: 2},
		elf.R_X86_64_PC16:     {Name: "PC16", Flags: v | s | a | pc, Size: 2},
		elf.R_X86_64_8:        {Name: "8", Flags: v | s | a, Size: 1},
		elf.R_X86_64_PC8:      {Name: "PC8", Flags: v | s | a | pc, Size: 1},
		elf.R_X86_64_PC64:     {Name: "PC64", Flags: v | s | a | pc, Size: 8},
		// ifuncs and TLS are not supported
		elf.R_X86_64_IRELATIVE: {Name: "IRELATIVE"},
	},
}
