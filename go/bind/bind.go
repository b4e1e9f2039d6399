// Package bind supervises self-modification of PLT slots. A process registers
// for a cookie, declares the regions it may patch, and every later write must
// present the cookie and land entirely inside one of those regions.
package bind

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

type region struct {
	start, end uint64
}

type Supervisor struct {
	mu    sync.Mutex
	space models.AddressSpace
	log   log.Interface
	procs map[uint64][]region
}

func New(space models.AddressSpace, logger log.Interface) *Supervisor {
	if logger == nil {
		logger = log.Log
	}
	return &Supervisor{space: space, log: logger, procs: make(map[uint64][]region)}
}

func (s *Supervisor) Register() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, errors.Wrap(err, "generating bind cookie")
		}
		cookie := binary.LittleEndian.Uint64(buf[:])
		if _, ok := s.procs[cookie]; cookie != 0 && !ok {
			s.procs[cookie] = nil
			return cookie, nil
		}
	}
}

func (s *Supervisor) Permit(cookie, addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regions, ok := s.procs[cookie]
	if !ok {
		return errors.Wrap(models.ErrBindDenied, "unknown cookie")
	}
	if size == 0 || addr+size < addr {
		return errors.Errorf("bad bind region %#x+%#x", addr, size)
	}
	s.procs[cookie] = append(regions, region{addr, addr + size})
	return nil
}

func (s *Supervisor) Revoke(cookie, addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	regions, ok := s.procs[cookie]
	if !ok {
		return errors.Wrap(models.ErrBindDenied, "unknown cookie")
	}
	for i, r := range regions {
		if r.start == addr && r.end == addr+size {
			s.procs[cookie] = append(regions[:i], regions[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("no bind region at %#x+%#x", addr, size)
}

func (s *Supervisor) allowed(cookie, addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	for _, r := range s.procs[cookie] {
		if addr >= r.start && end <= r.end {
			return true
		}
	}
	return false
}

// Commit writes data at addr on behalf of the cookie's owner. Read-only
// pages are made writable for the write alone.
func (s *Supervisor) Commit(addr uint64, data []byte, cookie uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.procs[cookie]; !ok || !s.allowed(cookie, addr, uint64(len(data))) {
		s.log.WithFields(log.Fields{"addr": addr, "size": len(data)}).Error("bind denied")
		return errors.Wrapf(models.ErrBindDenied, "write of %d bytes at %#x", len(data), addr)
	}
	page := s.space.PageSize()
	for off := uint64(0); off < uint64(len(data)); {
		at := addr + off
		n := (at &^ (page - 1)) + page - at
		if rest := uint64(len(data)) - off; n > rest {
			n = rest
		}
		if err := s.writePage(at, data[off:off+n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

func (s *Supervisor) writePage(addr uint64, p []byte) error {
	prot, ok := s.space.ProtAt(addr)
	if !ok {
		return errors.WithStack(&mem.MemError{Addr: addr, Size: len(p), Enum: mem.MEM_WRITE_UNMAPPED})
	}
	if prot&mem.PROT_WRITE != 0 {
		return s.space.WriteProt(addr, p, mem.PROT_WRITE)
	}
	if err := s.space.MemProt(addr, uint64(len(p)), prot|mem.PROT_WRITE); err != nil {
		return err
	}
	err := s.space.WriteProt(addr, p, mem.PROT_WRITE)
	if rerr := s.space.MemProt(addr, uint64(len(p)), prot); err == nil {
		err = rerr
	}
	return err
}
