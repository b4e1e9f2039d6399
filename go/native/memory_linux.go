//go:build linux

package native

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lunixbochs/rtld/go/models/mem"
)

// Memory places guest pages at identical host addresses, so mapped code can
// run in-process. It refuses to clobber existing host mappings.
type Memory struct {
	mu   sync.Mutex
	maps mem.MemSim
}

func NewMemory() *Memory {
	return &Memory{}
}

func hostProt(prot int) int {
	ret := unix.PROT_NONE
	if prot&mem.PROT_READ != 0 {
		ret |= unix.PROT_READ
	}
	if prot&mem.PROT_WRITE != 0 {
		ret |= unix.PROT_WRITE
	}
	if prot&mem.PROT_EXEC != 0 {
		ret |= unix.PROT_EXEC
	}
	return ret
}

func ptr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func (m *Memory) MemMapProt(addr, size uint64, prot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE
	p, err := unix.MmapPtr(-1, 0, ptr(addr), uintptr(size), hostProt(prot), flags)
	if err != nil {
		return errors.Wrapf(err, "mmap(%#x, %#x)", addr, size)
	}
	// kernels before 4.17 treat NOREPLACE as a hint
	if uint64(uintptr(p)) != addr {
		unix.MunmapPtr(p, uintptr(size))
		return errors.Errorf("mmap(%#x, %#x): host placed mapping at %p", addr, size, p)
	}
	m.maps.Map(addr, size, prot, true, false)
	return nil
}

func (m *Memory) MemProt(addr, size uint64, prot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok, _ := m.maps.RangeValid(addr, size, 0); !ok {
		return errors.Errorf("mprotect(%#x, %#x): range not mapped", addr, size)
	}
	if err := unix.Mprotect(unsafe.Slice((*byte)(ptr(addr)), size), hostProt(prot)); err != nil {
		return errors.Wrapf(err, "mprotect(%#x, %#x)", addr, size)
	}
	m.maps.Prot(addr, size, prot)
	return nil
}

func (m *Memory) MemUnmap(addr, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok, _ := m.maps.RangeValid(addr, size, 0); !ok {
		return errors.Errorf("munmap(%#x, %#x): range not mapped", addr, size)
	}
	if err := unix.MunmapPtr(ptr(addr), uintptr(size)); err != nil {
		return errors.Wrapf(err, "munmap(%#x, %#x)", addr, size)
	}
	m.maps.Unmap(addr, size)
	return nil
}

// MemReadInto and MemWrite go through the tracked protections, a host fault
// here would kill the process.
func (m *Memory) MemReadInto(p []byte, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok, prot := m.maps.RangeValid(addr, uint64(len(p)), mem.PROT_READ); !ok || !prot {
		return errors.WithStack(&mem.MemError{Addr: addr, Size: len(p), Enum: mem.MEM_READ_PROT})
	}
	copy(p, unsafe.Slice((*byte)(ptr(addr)), len(p)))
	return nil
}

func (m *Memory) MemWrite(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok, prot := m.maps.RangeValid(addr, uint64(len(p)), mem.PROT_WRITE); !ok || !prot {
		return errors.WithStack(&mem.MemError{Addr: addr, Size: len(p), Enum: mem.MEM_WRITE_PROT})
	}
	copy(unsafe.Slice((*byte)(ptr(addr)), len(p)), p)
	return nil
}
