package loader

import (
	"debug/elf"
	"math"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
)

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

func (img *Image) readDynamic() ([]dynEntry, error) {
	var prog *elf.ProgHeader
	for i := range img.Progs {
		if img.Progs[i].Type == elf.PT_DYNAMIC {
			prog = &img.Progs[i]
		}
	}
	if prog == nil {
		return nil, nil
	}
	data := make([]byte, prog.Filesz)
	if _, err := img.r.ReadAt(data, int64(prog.Off)); err != nil {
		return nil, errors.Wrap(err, "reading PT_DYNAMIC")
	}
	var ents []dynEntry
	ptr := img.ptrSize()
	for off := 0; off+2*ptr <= len(data); off += 2 * ptr {
		var e dynEntry
		if ptr == 8 {
			e.tag = elf.DynTag(img.Order.Uint64(data[off:]))
			e.val = img.Order.Uint64(data[off+8:])
		} else {
			e.tag = elf.DynTag(int32(img.Order.Uint32(data[off:])))
			e.val = uint64(img.Order.Uint32(data[off+4:]))
		}
		if e.tag == elf.DT_NULL {
			break
		}
		ents = append(ents, e)
	}
	return ents, nil
}

func (img *Image) parseDynamic() error {
	ents, err := img.readDynamic()
	if err != nil {
		return err
	}
	if ents == nil {
		if img.Type == elf.ET_DYN {
			return errors.WithStack(models.ErrNoDynamic)
		}
		return nil
	}
	dyn := make(map[elf.DynTag]uint64)
	var needed, rpath, runpath []uint64
	var soname uint64
	hasSoname := false
	for _, e := range ents {
		switch e.tag {
		case elf.DT_NEEDED:
			needed = append(needed, e.val)
		case elf.DT_RPATH:
			rpath = append(rpath, e.val)
		case elf.DT_RUNPATH:
			runpath = append(runpath, e.val)
		case elf.DT_SONAME:
			soname, hasSoname = e.val, true
		default:
			dyn[e.tag] = e.val
		}
	}
	if strtab, ok := dyn[elf.DT_STRTAB]; ok {
		if img.strtab, err = img.readVaddr(strtab, dyn[elf.DT_STRSZ]); err != nil {
			return errors.Wrap(err, "DT_STRTAB")
		}
	}
	str := func(off uint64) string { return cstring(img.strtab, off) }
	for _, off := range needed {
		img.Needed = append(img.Needed, str(off))
	}
	if hasSoname {
		img.Soname = str(soname)
	}
	origin := filepath.Dir(img.Path)
	for _, off := range rpath {
		img.RPath = append(img.RPath, expandPath(str(off), origin)...)
	}
	for _, off := range runpath {
		img.RunPath = append(img.RunPath, expandPath(str(off), origin)...)
	}
	img.Flags = elf.DynFlag(dyn[elf.DT_FLAGS])
	img.Flags1 = elf.DynFlag1(dyn[elf.DT_FLAGS_1])
	img.PLTGOT = dyn[elf.DT_PLTGOT]
	img.Init = dyn[elf.DT_INIT]
	img.Fini = dyn[elf.DT_FINI]
	ptr := uint64(img.ptrSize())
	img.InitArray = Array{dyn[elf.DT_INIT_ARRAY], int(dyn[elf.DT_INIT_ARRAYSZ] / ptr)}
	img.FiniArray = Array{dyn[elf.DT_FINI_ARRAY], int(dyn[elf.DT_FINI_ARRAYSZ] / ptr)}
	img.PreinitArr = Array{dyn[elf.DT_PREINIT_ARRAY], int(dyn[elf.DT_PREINIT_ARRAYSZ] / ptr)}

	if addr, ok := dyn[elf.DT_HASH]; ok {
		if img.hash, err = img.readSysvHash(addr); err != nil {
			return err
		}
	}
	if addr, ok := dyn[elf.DT_GNU_HASH]; ok {
		if img.gnu, err = img.readGnuHash(addr); err != nil {
			return err
		}
	}
	if symtab, ok := dyn[elf.DT_SYMTAB]; ok {
		if err := img.readSymbols(symtab, dyn[elf.DT_SYMENT]); err != nil {
			return err
		}
	}

	if addr, ok := dyn[elf.DT_RELA]; ok {
		if img.Rels, err = img.readRelocs(addr, dyn[elf.DT_RELASZ], true); err != nil {
			return errors.Wrap(err, "DT_RELA")
		}
		img.RelCount = int(dyn[elf.DT_RELACOUNT])
	} else if addr, ok := dyn[elf.DT_REL]; ok {
		if img.Rels, err = img.readRelocs(addr, dyn[elf.DT_RELSZ], false); err != nil {
			return errors.Wrap(err, "DT_REL")
		}
		img.RelCount = int(dyn[elf.DT_RELCOUNT])
	}
	if img.RelCount > len(img.Rels) {
		return errors.Errorf("relative count %d exceeds %d relocations", img.RelCount, len(img.Rels))
	}
	if addr, ok := dyn[elf.DT_JMPREL]; ok {
		rela := elf.DynTag(dyn[elf.DT_PLTREL]) == elf.DT_RELA
		if img.PLTRels, err = img.readRelocs(addr, dyn[elf.DT_PLTRELSZ], rela); err != nil {
			return errors.Wrap(err, "DT_JMPREL")
		}
	}
	return nil
}

func expandPath(list, origin string) []string {
	var ret []string
	for _, dir := range strings.Split(list, ":") {
		if dir == "" {
			continue
		}
		dir = strings.ReplaceAll(dir, "${ORIGIN}", origin)
		dir = strings.ReplaceAll(dir, "$ORIGIN", origin)
		ret = append(ret, dir)
	}
	return ret
}

// symbolCount sizes DT_SYMTAB, which has no size tag of its own.
func (img *Image) symbolCount(symtab, syment uint64) int {
	if img.hash != nil {
		return int(img.hash.nchain)
	}
	if img.gnu != nil {
		return img.gnu.symbolCount()
	}
	// the string table conventionally follows the symbol table
	if strtab := img.strtabAddr(); strtab > symtab && syment > 0 {
		return int((strtab - symtab) / syment)
	}
	return 0
}

func (img *Image) strtabAddr() uint64 {
	ents, _ := img.readDynamic()
	for _, e := range ents {
		if e.tag == elf.DT_STRTAB {
			return e.val
		}
	}
	return 0
}

func (img *Image) readSymbols(symtab, syment uint64) error {
	minEnt := uint64(elf.Sym64Size)
	if img.Class == elf.ELFCLASS32 {
		minEnt = elf.Sym32Size
	}
	if syment == 0 {
		syment = minEnt
	} else if syment < minEnt {
		return errors.Wrapf(models.ErrBadMagic, "DT_SYMENT %d smaller than %d", syment, minEnt)
	}
	n := img.symbolCount(symtab, syment)
	if n <= 0 {
		return nil
	}
	if syment > math.MaxUint64/uint64(n) {
		return errors.Wrapf(models.ErrBadMagic, "%d symbols of %d bytes", n, syment)
	}
	if _, ok := img.fileOffset(symtab, uint64(n)*syment); !ok {
		return errors.Wrapf(models.ErrBadMagic, "%d symbols at %#x not backed by file", n, symtab)
	}
	data, err := img.readVaddr(symtab, uint64(n)*syment)
	if err != nil {
		return errors.Wrap(err, "DT_SYMTAB")
	}
	img.Syms = make([]Symbol, n)
	o := img.Order
	for i := range img.Syms {
		b := data[uint64(i)*syment:]
		s := &img.Syms[i]
		var name uint32
		if img.Class == elf.ELFCLASS64 {
			name = o.Uint32(b[0:])
			s.Info, s.Other = b[4], b[5]
			s.Section = elf.SectionIndex(o.Uint16(b[6:]))
			s.Value = o.Uint64(b[8:])
			s.Size = o.Uint64(b[16:])
		} else {
			name = o.Uint32(b[0:])
			s.Value = uint64(o.Uint32(b[4:]))
			s.Size = uint64(o.Uint32(b[8:]))
			s.Info, s.Other = b[12], b[13]
			s.Section = elf.SectionIndex(o.Uint16(b[14:]))
		}
		s.Name = cstring(img.strtab, uint64(name))
	}
	return nil
}

func (img *Image) readRelocs(addr, size uint64, rela bool) ([]Reloc, error) {
	if size == 0 {
		return nil, nil
	}
	data, err := img.readVaddr(addr, size)
	if err != nil {
		return nil, err
	}
	var ent int
	switch {
	case img.Class == elf.ELFCLASS64 && rela:
		ent = 24
	case img.Class == elf.ELFCLASS64:
		ent = 16
	case rela:
		ent = 12
	default:
		ent = 8
	}
	o := img.Order
	rels := make([]Reloc, 0, len(data)/ent)
	for off := 0; off+ent <= len(data); off += ent {
		b := data[off:]
		r := Reloc{HasAddend: rela}
		if img.Class == elf.ELFCLASS64 {
			r.Offset = o.Uint64(b)
			info := o.Uint64(b[8:])
			r.Sym, r.Type = uint32(info>>32), uint32(info)
			if rela {
				r.Addend = int64(o.Uint64(b[16:]))
			}
		} else {
			r.Offset = uint64(o.Uint32(b))
			info := o.Uint32(b[4:])
			r.Sym, r.Type = info>>8, info&0xff
			if rela {
				r.Addend = int64(int32(o.Uint32(b[8:])))
			}
		}
		if img.Machine == elf.EM_SPARCV9 {
			// the upper bits carry per-type data
			r.Type &= 0xff
		}
		rels = append(rels, r)
	}
	return rels, nil
}
