package mem

import (
	"bytes"
	"fmt"
	"strings"
)

type FileDesc struct {
	Name string
	Off  uint64
	Len  uint64
}

// Page is one mapped region. A Page with nil Data only describes a mapping
// (used by address spaces that keep their bytes elsewhere).
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte

	Desc string
	File *FileDesc
}

func (p *Page) String() string {
	desc := fmt.Sprintf("0x%x-0x%x %s", p.Addr, p.Addr+p.Size, ProtString(p.Prot))
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	if p.File != nil {
		desc += fmt.Sprintf(" %s", p.File.Name)
	}
	return desc
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.Addr+p.Size
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := p.Addr
	end := p.Addr + p.Size
	e2 := addr + size
	if end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) Overlaps(addr, size uint64) bool {
	_, _, ok := p.Intersect(addr, size)
	return ok
}

func (p *Page) slice(addr, size uint64) *Page {
	o := addr - p.Addr
	var file *FileDesc
	if p.File != nil && o < p.File.Len {
		file = &FileDesc{
			Name: p.File.Name,
			Len:  p.File.Len - o,
			Off:  p.File.Off + o,
		}
	}
	var data []byte
	if p.Data != nil {
		data = p.Data[o : o+size]
	}
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: data, Desc: p.Desc, File: file}
}

/*
laddr                      rsize
|      lsize       raddr   |
[------|----page---|-------]
[-left-][---mid---][-right-]
|       |         |        |
|       addr      size     |
paddr                      psize
*/
func (p *Page) Split(addr, size uint64) (left, right *Page) {
	if addr+size < p.Addr+p.Size {
		ra := addr + size
		rs := (p.Addr + p.Size) - ra
		right = p.slice(ra, rs)
		if p.Data != nil {
			p.Data = p.Data[:ra-p.Addr]
		}
	}
	if addr > p.Addr {
		ls := addr - p.Addr
		left = p.slice(p.Addr, ls)
		if p.Data != nil {
			p.Data = p.Data[ls:]
		}
		if p.File != nil {
			if ls < p.File.Len {
				p.File = &FileDesc{Name: p.File.Name, Off: p.File.Off + ls, Len: p.File.Len - ls}
			} else {
				p.File = nil
			}
		}
	}
	if p.Data != nil {
		if addr < p.Addr {
			extra := bytes.Repeat([]byte{0}, int(p.Addr-addr))
			p.Data = append(extra, p.Data...)
		}
		raddr, nraddr := p.Addr+p.Size, addr+size
		if nraddr > raddr {
			extra := bytes.Repeat([]byte{0}, int(nraddr-raddr))
			p.Data = append(p.Data, extra...)
		}
	}
	p.Addr, p.Size = addr, size
	return left, right
}

type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// bsearch returns the index of the region containing addr (or -1), and the
// index of the first region ending after addr
func (p Pages) bsearch(addr uint64) (int, int) {
	l := 0
	r := len(p) - 1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr >= e.Addr {
			if addr < e.Addr+e.Size {
				return mid, mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1, l
}

func (p Pages) Find(addr uint64) *Page {
	i, _ := p.bsearch(addr)
	if i >= 0 {
		return p[i]
	}
	return nil
}

// FindRange returns every region overlapping addr:addr+size
func (p Pages) FindRange(addr, size uint64) Pages {
	_, first := p.bsearch(addr)
	var ret Pages
	for _, mm := range p[first:] {
		if mm.Addr >= addr+size {
			break
		}
		if mm.Overlaps(addr, size) {
			ret = append(ret, mm)
		}
	}
	return ret
}
