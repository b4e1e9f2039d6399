package sparc64

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

// SPARC v9 instruction fields are patched in place through Shift and Mask.
// PLT slots are bound eagerly as data words.
var Arch = &models.Arch{
	Name:    "sparc64",
	Machine: elf.EM_SPARCV9,
	Class:   elf.ELFCLASS64,
	Bits:    64,
	Order:   binary.BigEndian,
	Types: models.RelocTypes{
		None:     uint32(elf.R_SPARC_NONE),
		Relative: uint32(elf.R_SPARC_RELATIVE),
		Copy:     uint32(elf.R_SPARC_COPY),
		JumpSlot: uint32(elf.R_SPARC_JMP_SLOT),
		GlobDat:  uint32(elf.R_SPARC_GLOB_DAT),
	},
	Relocs: models.RelocTable{
		elf.R_SPARC_NONE:     {Name: "NONE", Flags: v},
		elf.R_SPARC_8:        {Name: "8", Flags: v | s | a, Size: 1},
		elf.R_SPARC_16:       {Name: "16", Flags: v | s | a, Size: 2},
		elf.R_SPARC_32:       {Name: "32", Flags: v | s | a, Size: 4},
		elf.R_SPARC_DISP8:    {Name: "DISP8", Flags: v | s | a | pc, Size: 1},
		elf.R_SPARC_DISP16:   {Name: "DISP16", Flags: v | s | a | pc, Size: 2},
		elf.R_SPARC_DISP32:   {Name: "DISP32", Flags: v | s | a | pc, Size: 4},
		elf.R_SPARC_WDISP30:  {Name: "WDISP30", Flags: v | s | a | pc, Size: 4, Shift: 2, Mask: 0x3fffffff},
		elf.R_SPARC_WDISP22:  {Name: "WDISP22", Flags: v | s | a | pc, Size: 4, Shift: 2, Mask: 0x3fffff},
		elf.R_SPARC_HI22:     {Name: "HI22", Flags: v | s | a, Size: 4, Shift: 10, Mask: 0x3fffff},
		elf.R_SPARC_22:       {Name: "22", Flags: v | s | a, Size: 4, Mask: 0x3fffff},
		elf.R_SPARC_13:       {Name: "13", Flags: v | s | a, Size: 4, Mask: 0x1fff},
		elf.R_SPARC_LO10:     {Name: "LO10", Flags: v | s | a, Size: 4, Mask: 0x3ff},
		elf.R_SPARC_COPY:     {Name: "COPY", Flags: v | s | models.RelocCopy},
		elf.R_SPARC_GLOB_DAT: {Name: "GLOB_DAT", Flags: v | s | a, Size: 8},
		elf.R_SPARC_JMP_SLOT: {Name: "JMP_SLOT", Flags: v | s | a | models.RelocJumpSlot, Size: 8},
		elf.R_SPARC_RELATIVE: {Name: "RELATIVE", Flags: v | a | b, Size: 8},
		elf.R_SPARC_UA32:     {Name: "UA32", Flags: v | s | a, Size: 4},
		elf.R_SPARC_64:       {Name: "64", Flags: v | s | a, Size: 8},
		elf.R_SPARC_UA64:     {Name: "UA64", Flags: v | s | a, Size: 8},
	},
}
