package models

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/rtld/go/models/mem"
)

// Memory is the raw backend an AddressSpace is built on.
type Memory interface {
	MemMapProt(addr, size uint64, prot int) error
	MemProt(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error
}

// AddressSpace tracks placement and protection of every mapping.
type AddressSpace interface {
	Memory
	Bits() uint
	ByteOrder() binary.ByteOrder
	PageSize() uint64

	Mmap(addr, size uint64, prot int, fixed bool, desc string, file *mem.FileDesc) (uint64, error)
	MemReserve(addr, size uint64, fixed bool) (*mem.Page, error)
	MemRead(addr, size uint64) ([]byte, error)
	// WriteProt fails unless every byte of the range carries prot.
	WriteProt(addr uint64, p []byte, prot int) error
	ProtAt(addr uint64) (int, bool)
	ReadUint(addr uint64, size int) (uint64, error)
	Mappings() mem.Pages
}

type MapRequest struct {
	Name  string
	File  io.ReaderAt
	Progs []elf.ProgHeader
	// ET_EXEC objects are mapped at their link-time addresses.
	Fixed bool
	Hint  uint64
}

// Mapper places an object's PT_LOAD segments.
type Mapper interface {
	Map(req *MapRequest) (base uint64, segs []LoadSegment, err error)
	Unmap(segs []LoadSegment) error
}

type Allocator interface {
	Alloc(size uint64) (uint64, error)
	Free(addr uint64) error
	Calloc(n, size uint64) (uint64, error)
	Realloc(addr, size uint64) (uint64, error)
}

// Binder performs checked writes on behalf of the lazy binding gate.
type Binder interface {
	Register() (cookie uint64, err error)
	Permit(cookie, addr, size uint64) error
	Revoke(cookie, addr, size uint64) error
	Commit(addr uint64, data []byte, cookie uint64) error
}

// Executor runs guest code, used for initializers and finalizers.
type Executor interface {
	Call(addr uint64) error
}

// ResolverFunc resolves PLT slot index for the object identified by objID.
type ResolverFunc func(objID, index uint64) (uint64, error)

// TrampolineExecutor can divert execution of the lazy binding stub at addr to fn.
type TrampolineExecutor interface {
	Executor
	SetTrampoline(addr uint64, fn ResolverFunc) error
}
