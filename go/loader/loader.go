package loader

import (
	"debug/elf"
)

// Symbol is one dynamic symbol table entry.
type Symbol struct {
	Name    string
	Value   uint64
	Size    uint64
	Info    uint8
	Other   uint8
	Section elf.SectionIndex
}

func (s *Symbol) Bind() elf.SymBind { return elf.ST_BIND(s.Info) }
func (s *Symbol) Type() elf.SymType { return elf.ST_TYPE(s.Info) }

func (s *Symbol) Undefined() bool {
	return s.Section == elf.SHN_UNDEF
}

// Exportable reports whether the symbol can satisfy a lookup from another object.
func (s *Symbol) Exportable() bool {
	if s.Bind() == elf.STB_LOCAL {
		return false
	}
	switch s.Type() {
	case elf.STT_NOTYPE, elf.STT_OBJECT, elf.STT_FUNC, elf.STT_COMMON:
		return true
	}
	return false
}

// Reloc is one REL or RELA entry. Offset is a link-time address.
type Reloc struct {
	Offset    uint64
	Type      uint32
	Sym       uint32
	Addend    int64
	HasAddend bool
}

// Array locates a pointer array (init, fini) by link-time address.
type Array struct {
	Addr  uint64
	Count int
}
