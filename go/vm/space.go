package vm

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

const (
	BASE      = 0x100000
	PAGE_SIZE = 0x1000
)

// Space tracks every mapping's placement and protection over a raw backend.
// Writes through WriteProt are checked against the tracked protections,
// even when the backend itself does not enforce them.
type Space struct {
	mu    sync.Mutex
	mem   models.Memory
	sim   mem.MemSim
	bits  uint
	order binary.ByteOrder
	page  uint64
}

func NewSpace(backend models.Memory, bits uint, order binary.ByteOrder) *Space {
	return &Space{mem: backend, bits: bits, order: order, page: PAGE_SIZE}
}

// NewSimSpace returns a Space over simulated memory.
func NewSimSpace(bits uint, order binary.ByteOrder) *Space {
	return NewSpace(mem.NewMem(bits, order), bits, order)
}

func (s *Space) Bits() uint                  { return s.bits }
func (s *Space) ByteOrder() binary.ByteOrder { return s.order }
func (s *Space) PageSize() uint64            { return s.page }

func (s *Space) align(addr, size uint64, growSize bool) (uint64, uint64) {
	mask := s.page - 1
	right := addr + size
	if growSize {
		right = (right + mask) &^ mask
	}
	addr &^= mask
	return addr, right - addr
}

func (s *Space) pageUp(addr uint64) uint64 {
	return (addr + s.page - 1) &^ (s.page - 1)
}

func (s *Space) MemMapProt(addr, size uint64, prot int) error {
	_, err := s.Mmap(addr, size, prot, true, "", nil)
	return err
}

func (s *Space) MemProt(addr, size uint64, prot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, size = s.align(addr, size, true)
	if ok, _ := s.sim.RangeValid(addr, size, 0); !ok {
		return errors.Errorf("MemProt(%#x, %#x): range not mapped", addr, size)
	}
	if err := s.mem.MemProt(addr, size, prot); err != nil {
		return errors.Wrap(err, "s.MemProt() failed")
	}
	s.sim.Prot(addr, size, prot)
	return nil
}

func (s *Space) MemUnmap(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmap(addr, size)
}

func (s *Space) unmap(addr, size uint64) error {
	addr, size = s.align(addr, size, true)
	for _, mm := range s.sim.Mem.FindRange(addr, size) {
		start, n, _ := mm.Intersect(addr, size)
		if err := s.mem.MemUnmap(start, n); err != nil {
			return errors.Wrap(err, "s.MemUnmap() failed")
		}
	}
	s.sim.Unmap(addr, size)
	return nil
}

func (s *Space) Mappings() mem.Pages {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make(mem.Pages, len(s.sim.Mem))
	for i, p := range s.sim.Mem {
		c := *p
		ret[i] = &c
	}
	return ret
}

func (s *Space) ProtAt(addr uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.sim.Mem.Find(addr); p != nil {
		return p.Prot, true
	}
	return 0, false
}

func (s *Space) MemReserve(addr, size uint64, fixed bool) (*mem.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserve(addr, size, fixed)
}

func (s *Space) reserve(addr, size uint64, fixed bool) (*mem.Page, error) {
	if addr == 0 && !fixed {
		addr = BASE
	}
	addr, size = s.align(addr, size, true)
	if fixed {
		return &mem.Page{Addr: addr, Size: size, Prot: mem.PROT_NONE}, nil
	}
	top := ^uint64(0) >> (64 - s.bits)
	if size == 0 || size > top {
		return nil, errors.Errorf("bad reservation size %#x", size)
	}
	lastPage := top - size + 1
	for i := addr; i <= lastPage && i >= addr; i += s.page {
		hits := s.sim.Mem.FindRange(i, size)
		if len(hits) == 0 {
			return &mem.Page{Addr: i, Size: size, Prot: mem.PROT_NONE}, nil
		}
		// skip past the collision
		last := hits[len(hits)-1]
		i = last.Addr + last.Size - s.page
	}
	return nil, errors.Errorf("failed to reserve %#x bytes", size)
}

func (s *Space) Mmap(addr, size uint64, prot int, fixed bool, desc string, file *mem.FileDesc) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aligned, size := s.align(addr, size, true)
	if file != nil {
		file.Off -= addr - aligned
		file.Len += addr - aligned
	}
	page, err := s.reserve(aligned, size, fixed)
	if err != nil {
		return 0, err
	}
	if fixed && len(s.sim.Mem.FindRange(page.Addr, page.Size)) > 0 {
		if err := s.unmap(page.Addr, page.Size); err != nil {
			return 0, err
		}
	}
	page.Desc = desc
	page.File = file
	page.Prot = prot
	if err := s.mem.MemMapProt(page.Addr, page.Size, prot); err != nil {
		return 0, errors.Wrap(err, "s.Mmap() failed")
	}
	s.sim.Insert(page)
	return page.Addr, nil
}

// Overlaps reports whether any mapping intersects addr:addr+size.
func (s *Space) Overlaps(addr, size uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sim.Mem.FindRange(addr, size)) > 0
}

func (s *Space) MemRead(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := s.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Space) MemReadInto(p []byte, addr uint64) error {
	err := s.mem.MemReadInto(p, addr)
	return errors.Wrap(err, "s.MemReadInto() failed")
}

// MemWrite writes without a protection check. Loader code uses WriteProt.
func (s *Space) MemWrite(addr uint64, p []byte) error {
	err := s.mem.MemWrite(addr, p)
	return errors.Wrap(err, "s.MemWrite() failed")
}

func (s *Space) WriteProt(addr uint64, p []byte, prot int) error {
	s.mu.Lock()
	gmap, gprot := s.sim.RangeValid(addr, uint64(len(p)), prot)
	s.mu.Unlock()
	if !gmap {
		return errors.WithStack(&mem.MemError{Addr: addr, Size: len(p), Enum: mem.MEM_WRITE_UNMAPPED})
	} else if !gprot {
		return errors.WithStack(&mem.MemError{Addr: addr, Size: len(p), Enum: mem.MEM_WRITE_PROT})
	}
	return s.MemWrite(addr, p)
}

func (s *Space) ReadUint(addr uint64, size int) (uint64, error) {
	var buf [8]byte
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	if err := s.MemReadInto(buf[:size], addr); err != nil {
		return 0, err
	}
	return mem.UnpackUint(s.order, size, buf[:size])
}

func (s *Space) PackAddr(buf []byte, n uint64) ([]byte, error) {
	return mem.PackUint(s.order, int(s.bits/8), buf, n)
}

// WriteUint stores a size-byte word, failing unless the range is writable.
func (s *Space) WriteUint(addr uint64, size int, val uint64) error {
	var buf [8]byte
	p, err := mem.PackUint(s.order, size, buf[:], val)
	if err != nil {
		return err
	}
	return s.WriteProt(addr, p, mem.PROT_WRITE)
}
