// Package alloc is the loader's private heap. It carves size-class blocks out
// of chunks mapped in the guest address space and gives large requests their
// own mapping.
package alloc

import (
	"sync/atomic"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

const (
	minClass  = 16
	maxClass  = 2048
	numClass  = 8 // 16 .. 2048
	chunkSize = 0x10000
)

type Options struct {
	ChunkSize uint64
	// Fatal is called when a reentrant call is detected. It should not return.
	Fatal func(error)
	Log   log.Interface
}

type block struct {
	class int // -1 for a dedicated mapping
	size  uint64
}

type Allocator struct {
	space models.AddressSpace
	fatal func(error)
	log   log.Interface
	busy  int32

	chunkSize uint64
	cur, end  uint64
	chunks    []uint64

	free   [numClass][]uint64
	blocks map[uint64]block
}

func New(space models.AddressSpace, opts Options) *Allocator {
	a := &Allocator{
		space:     space,
		fatal:     opts.Fatal,
		log:       opts.Log,
		chunkSize: opts.ChunkSize,
		blocks:    make(map[uint64]block),
	}
	if a.chunkSize == 0 {
		a.chunkSize = chunkSize
	}
	if a.log == nil {
		a.log = log.Log
	}
	return a
}

// enter trips on any call made while another is in progress.
func (a *Allocator) enter(op string) error {
	if atomic.CompareAndSwapInt32(&a.busy, 0, 1) {
		return nil
	}
	err := errors.Wrap(models.ErrReentrant, op)
	a.log.WithField("op", op).Error("allocator reentered")
	if a.fatal != nil {
		a.fatal(err)
	}
	return err
}

func (a *Allocator) leave() {
	atomic.StoreInt32(&a.busy, 0)
}

func classOf(size uint64) int {
	c, n := 0, uint64(minClass)
	for n < size {
		n <<= 1
		c++
	}
	return c
}

func classSize(c int) uint64 {
	return minClass << uint(c)
}

func (a *Allocator) Alloc(size uint64) (uint64, error) {
	if err := a.enter("Alloc"); err != nil {
		return 0, err
	}
	defer a.leave()
	return a.alloc(size)
}

func (a *Allocator) alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	if size > maxClass {
		addr, err := a.space.Mmap(0, size, mem.PROT_READ|mem.PROT_WRITE, false, "[rtld heap]", nil)
		if err != nil {
			return 0, errors.Wrapf(err, "mapping %#x byte block", size)
		}
		a.blocks[addr] = block{class: -1, size: size}
		return addr, nil
	}
	c := classOf(size)
	if n := len(a.free[c]); n > 0 {
		addr := a.free[c][n-1]
		a.free[c] = a.free[c][:n-1]
		a.blocks[addr] = block{class: c, size: size}
		return addr, nil
	}
	csize := classSize(c)
	if a.cur+csize > a.end {
		addr, err := a.space.Mmap(0, a.chunkSize, mem.PROT_READ|mem.PROT_WRITE, false, "[rtld heap]", nil)
		if err != nil {
			return 0, errors.Wrap(err, "mapping heap chunk")
		}
		a.chunks = append(a.chunks, addr)
		a.cur, a.end = addr, addr+a.chunkSize
	}
	addr := a.cur
	a.cur += csize
	a.blocks[addr] = block{class: c, size: size}
	return addr, nil
}

func (a *Allocator) Free(addr uint64) error {
	if addr == 0 {
		return nil
	}
	if err := a.enter("Free"); err != nil {
		return err
	}
	defer a.leave()
	return a.release(addr)
}

func (a *Allocator) release(addr uint64) error {
	b, ok := a.blocks[addr]
	if !ok {
		return errors.Errorf("free of unallocated address %#x", addr)
	}
	delete(a.blocks, addr)
	if b.class < 0 {
		return a.space.MemUnmap(addr, b.size)
	}
	a.free[b.class] = append(a.free[b.class], addr)
	return nil
}

func (a *Allocator) Calloc(n, size uint64) (uint64, error) {
	if err := a.enter("Calloc"); err != nil {
		return 0, err
	}
	defer a.leave()
	total := n * size
	if size != 0 && total/size != n {
		return 0, errors.Errorf("calloc(%d, %d) overflows", n, size)
	}
	addr, err := a.alloc(total)
	if err != nil {
		return 0, err
	}
	// recycled blocks hold stale data
	if err := a.space.MemWrite(addr, make([]byte, total)); err != nil {
		a.release(addr)
		return 0, err
	}
	return addr, nil
}

func (a *Allocator) Realloc(addr, size uint64) (uint64, error) {
	if err := a.enter("Realloc"); err != nil {
		return 0, err
	}
	defer a.leave()
	if addr == 0 {
		return a.alloc(size)
	}
	b, ok := a.blocks[addr]
	if !ok {
		return 0, errors.Errorf("realloc of unallocated address %#x", addr)
	}
	if size == 0 {
		return 0, a.release(addr)
	}
	if b.class >= 0 && size <= classSize(b.class) {
		a.blocks[addr] = block{class: b.class, size: size}
		return addr, nil
	}
	naddr, err := a.alloc(size)
	if err != nil {
		return 0, err
	}
	n := b.size
	if size < n {
		n = size
	}
	data, err := a.space.MemRead(addr, n)
	if err == nil {
		err = a.space.MemWrite(naddr, data)
	}
	if err != nil {
		a.release(naddr)
		return 0, errors.Wrap(err, "realloc copy")
	}
	return naddr, a.release(addr)
}

// Size reports the requested size of a live block.
func (a *Allocator) Size(addr uint64) (uint64, bool) {
	b, ok := a.blocks[addr]
	return b.size, ok
}
