package models

import (
	"fmt"

	"github.com/lunixbochs/rtld/go/models/mem"
)

// LoadSegment is one placed, page-aligned region of a loaded object.
type LoadSegment struct {
	Addr, Size uint64
	Prot       int
	// file offset backing the region, or -1 for zero-fill
	Off int64
}

func (s LoadSegment) Anon() bool {
	return s.Off < 0
}

func (s LoadSegment) Contains(addr uint64) bool {
	return addr >= s.Addr && addr < s.Addr+s.Size
}

func (s LoadSegment) Overlaps(addr, size uint64) bool {
	return addr < s.Addr+s.Size && s.Addr < addr+size
}

func (s LoadSegment) String() string {
	off := "anon"
	if !s.Anon() {
		off = fmt.Sprintf("off=%#x", s.Off)
	}
	return fmt.Sprintf("%#x-%#x %s %s", s.Addr, s.Addr+s.Size, mem.ProtString(s.Prot), off)
}
