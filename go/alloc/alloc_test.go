package alloc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
	"github.com/lunixbochs/rtld/go/vm"
)

type fatalPanic struct{ err error }

func mustFatal(t *testing.T, fn func()) error {
	var got error
	func() {
		defer func() {
			if r := recover(); r != nil {
				fp, ok := r.(fatalPanic)
				if !ok {
					panic(r)
				}
				got = fp.err
			}
		}()
		fn()
	}()
	if got == nil {
		t.Fatal("expected fatal error")
	}
	return got
}

func newAlloc() (*Allocator, *vm.Space) {
	space := vm.NewSimSpace(64, binary.LittleEndian)
	a := New(space, Options{Fatal: func(err error) { panic(fatalPanic{err}) }})
	return a, space
}

func TestAllocClasses(t *testing.T) {
	a, _ := newAlloc()
	seen := make(map[uint64]bool)
	for _, size := range []uint64{0, 1, 15, 16, 17, 100, 2048} {
		addr, err := a.Alloc(size)
		if err != nil {
			t.Fatal(err)
		}
		if addr == 0 || seen[addr] {
			t.Fatalf("Alloc(%d) returned %#x", size, addr)
		}
		if addr%minClass != 0 {
			t.Errorf("Alloc(%d) misaligned: %#x", size, addr)
		}
		seen[addr] = true
	}
	if len(a.chunks) != 1 {
		t.Errorf("expected one heap chunk, got %d", len(a.chunks))
	}
}

func TestAllocReuse(t *testing.T) {
	a, _ := newAlloc()
	x, _ := a.Alloc(40)
	if err := a.Free(x); err != nil {
		t.Fatal(err)
	}
	y, _ := a.Alloc(64)
	if x != y {
		t.Errorf("freed block not reused: %#x != %#x", x, y)
	}
	if err := a.Free(0x1234); err == nil {
		t.Error("free of unknown address should fail")
	}
	if err := a.Free(0); err != nil {
		t.Error("free(0) should be a no-op")
	}
}

func TestAllocLarge(t *testing.T) {
	a, space := newAlloc()
	addr, err := a.Alloc(0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if addr%vm.PAGE_SIZE != 0 {
		t.Errorf("large block not page aligned: %#x", addr)
	}
	if prot, ok := space.ProtAt(addr + 0x2fff); !ok || prot != mem.PROT_READ|mem.PROT_WRITE {
		t.Errorf("large block not mapped rw")
	}
	if err := a.Free(addr); err != nil {
		t.Fatal(err)
	}
	if _, ok := space.ProtAt(addr); ok {
		t.Error("large block still mapped after free")
	}
}

func TestCalloc(t *testing.T) {
	a, space := newAlloc()
	x, _ := a.Alloc(32)
	space.MemWrite(x, bytes.Repeat([]byte{0xaa}, 32))
	a.Free(x)
	y, err := a.Calloc(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if x != y {
		t.Fatalf("expected block reuse")
	}
	data, _ := space.MemRead(y, 32)
	if !bytes.Equal(data, make([]byte, 32)) {
		t.Errorf("calloc block not zeroed: %x", data)
	}
	if _, err := a.Calloc(1<<62, 8); err == nil {
		t.Error("overflowing calloc should fail")
	}
}

func TestRealloc(t *testing.T) {
	a, space := newAlloc()
	x, _ := a.Alloc(20)
	space.MemWrite(x, []byte("0123456789abcdefghij"))
	same, err := a.Realloc(x, 30)
	if err != nil || same != x {
		t.Fatalf("growing within a class should not move: %#x %v", same, err)
	}
	moved, err := a.Realloc(x, 100)
	if err != nil {
		t.Fatal(err)
	}
	if moved == x {
		t.Fatal("expected block to move")
	}
	data, _ := space.MemRead(moved, 20)
	if string(data) != "0123456789abcdefghij" {
		t.Errorf("contents lost: %q", data)
	}
	if size, ok := a.Size(moved); !ok || size != 100 {
		t.Errorf("size = %d", size)
	}
	if _, ok := a.Size(x); ok {
		t.Error("old block still live")
	}
	if addr, err := a.Realloc(moved, 0); err != nil || addr != 0 {
		t.Errorf("realloc to zero: %#x %v", addr, err)
	}
}

// reentrantSpace calls back into the allocator while it maps a chunk.
type reentrantSpace struct {
	*vm.Space
	a *Allocator
}

func (r *reentrantSpace) Mmap(addr, size uint64, prot int, fixed bool, desc string, file *mem.FileDesc) (uint64, error) {
	r.a.Alloc(8)
	return r.Space.Mmap(addr, size, prot, fixed, desc, file)
}

func TestReentrancy(t *testing.T) {
	rs := &reentrantSpace{Space: vm.NewSimSpace(64, binary.LittleEndian)}
	rs.a = New(rs, Options{Fatal: func(err error) { panic(fatalPanic{err}) }})
	err := mustFatal(t, func() { rs.a.Alloc(8) })
	if errors.Cause(err) != models.ErrReentrant {
		t.Errorf("unexpected error: %v", err)
	}
}
