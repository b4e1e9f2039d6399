package vm

import (
	"debug/elf"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

const mapRetries = 8

func elfProt(flags elf.ProgFlag) int {
	prot := mem.PROT_NONE
	if flags&elf.PF_R != 0 {
		prot |= mem.PROT_READ
	}
	if flags&elf.PF_W != 0 {
		prot |= mem.PROT_WRITE
	}
	if flags&elf.PF_X != 0 {
		prot |= mem.PROT_EXEC
	}
	return prot
}

// Mapper places PT_LOAD segments into a Space.
type Mapper struct {
	Space *Space
	Log   log.Interface
}

func NewMapper(space *Space) *Mapper {
	return &Mapper{Space: space, Log: log.Log}
}

func (m *Mapper) span(progs []elf.ProgHeader) (lo, hi uint64, err error) {
	lo = ^uint64(0)
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if p.Filesz > p.Memsz {
			return 0, 0, errors.Errorf("segment at %#x: filesz %#x > memsz %#x", p.Vaddr, p.Filesz, p.Memsz)
		}
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hi {
			hi = end
		}
	}
	if hi == 0 {
		return 0, 0, errors.New("no loadable segments")
	}
	lo, size := m.Space.align(lo, hi-lo, true)
	return lo, lo + size, nil
}

func (m *Mapper) Map(req *models.MapRequest) (uint64, []models.LoadSegment, error) {
	lo, hi, err := m.span(req.Progs)
	if err != nil {
		return 0, nil, errors.Wrap(err, req.Name)
	}
	if req.Fixed {
		if m.Space.Overlaps(lo, hi-lo) {
			return 0, nil, errors.Errorf("%s: fixed mapping %#x-%#x collides", req.Name, lo, hi)
		}
		segs, err := m.place(req, 0)
		return 0, segs, err
	}
	hint := req.Hint
	for try := 0; try < mapRetries; try++ {
		page, err := m.Space.MemReserve(hint, hi-lo, false)
		if err != nil {
			return 0, nil, errors.Wrap(err, req.Name)
		}
		base := page.Addr - lo
		segs, err := m.place(req, base)
		if err == nil {
			return base, segs, nil
		}
		if errors.Cause(err) != errCollision {
			return 0, nil, err
		}
		m.Log.WithField("object", req.Name).Debugf("mapping at %#x collided, retrying", page.Addr)
		hint = page.Addr + page.Size
	}
	return 0, nil, errors.Errorf("%s: no room after %d attempts", req.Name, mapRetries)
}

var errCollision = errors.New("mapping collision")

func (m *Mapper) place(req *models.MapRequest, base uint64) ([]models.LoadSegment, error) {
	var segs []models.LoadSegment
	var prevEnd uint64
	fail := func(err error) ([]models.LoadSegment, error) {
		m.Unmap(segs)
		return nil, err
	}
	for _, p := range req.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		prot := elfProt(p.Flags)
		start, size := m.Space.align(base+p.Vaddr, p.Memsz, true)
		end := start + size
		if start < prevEnd {
			// shares a page with the previous segment
			last := &segs[len(segs)-1]
			last.Prot |= prot
			start = prevEnd
		}
		if end > start {
			if m.Space.Overlaps(start, end-start) {
				return fail(errors.WithStack(errCollision))
			}
			if _, err := m.Space.Mmap(start, end-start, mem.PROT_READ|mem.PROT_WRITE, true, req.Name, nil); err != nil {
				return fail(err)
			}
			fileEnd := m.Space.pageUp(base + p.Vaddr + p.Filesz)
			if fileEnd > end {
				fileEnd = end
			}
			if p.Filesz == 0 {
				fileEnd = start
			}
			if fileEnd > start {
				off := int64(p.Off) - int64(base+p.Vaddr-start)
				segs = append(segs, models.LoadSegment{Addr: start, Size: fileEnd - start, Prot: prot, Off: off})
			}
			if end > fileEnd {
				segs = append(segs, models.LoadSegment{Addr: fileEnd, Size: end - fileEnd, Prot: prot, Off: -1})
			}
			prevEnd = end
		}
		if p.Filesz > 0 {
			data := make([]byte, p.Filesz)
			if _, err := req.File.ReadAt(data, int64(p.Off)); err != nil {
				return fail(errors.Wrapf(err, "%s: reading segment at %#x", req.Name, p.Off))
			}
			if err := m.Space.MemWrite(base+p.Vaddr, data); err != nil {
				return fail(err)
			}
		}
	}
	for _, s := range segs {
		if err := m.Space.MemProt(s.Addr, s.Size, s.Prot); err != nil {
			return fail(err)
		}
	}
	return segs, nil
}

func (m *Mapper) Unmap(segs []models.LoadSegment) error {
	for _, s := range segs {
		if err := m.Space.MemUnmap(s.Addr, s.Size); err != nil {
			return err
		}
	}
	return nil
}
