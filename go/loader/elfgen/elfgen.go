// Package elfgen writes small ELF64 shared objects and executables with a
// dynamic section, hash tables, relocations and a PLT. It produces the
// fixtures the loader is tested against.
package elfgen

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
)

const (
	pageSize = 0x1000
	stubSize = 16
	ExecBase = 0x400000
)

type Export struct {
	Name string
	// STT_FUNC or STT_OBJECT
	Kind  elf.SymType
	Weak  bool
	Local bool
	Size  uint64
	// initial contents of an object
	Data []byte
}

type Import struct {
	Name string
	Weak bool
	Func bool
	// Canonical gives an executable's undefined function the address of its
	// PLT stub, which non-PLT lookups treat as the function's identity.
	Canonical bool
	// Size of the expected definition, for copy relocations
	Size uint64
}

type Reloc struct {
	Type   uint32
	Sym    string
	Addend int64
	// AddendOf adds the link-time address of one of this object's exports.
	AddendOf string
	// At patches the named export's storage instead of a fresh slot.
	At string
}

type Builder struct {
	Arch    *models.Arch
	Type    elf.Type
	Soname  string
	Needed  []string
	RunPath string
	// emit DT_REL with implicit addends instead of DT_RELA
	Rel      bool
	GnuHash  bool
	NoDelete bool
	BindNow  bool

	Exports   []Export
	Imports   []Import
	Relocs    []Reloc
	PLT       []string
	Init      string
	Fini      string
	InitArray []string
	FiniArray []string
}

// Layout reports link-time addresses inside the generated file.
type Layout struct {
	Base      uint64
	Slots     []uint64
	Syms      map[string]uint64
	GOT       uint64
	GOTSlots  map[string]uint64
	PLTStubs  map[string]uint64
	PLT0      uint64
	InitArray uint64
	FiniArray uint64
	Dynamic   uint64
	Size      int
}

type symEnt struct {
	name  string
	value uint64
	size  uint64
	info  uint8
	shndx uint16
}

type relEnt struct {
	off    uint64
	typ    uint32
	sym    uint32
	addend int64
}

type writer struct {
	buf   []byte
	order binary.ByteOrder
}

func (w *writer) put(off uint64, v interface{}) {
	var b bytes.Buffer
	binary.Write(&b, w.order, v)
	copy(w.buf[off:], b.Bytes())
}

func (w *writer) word(off, v uint64) {
	w.order.PutUint64(w.buf[off:], v)
}

func align(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}

type strtab struct {
	data []byte
	offs map[string]uint32
}

func (s *strtab) add(name string) uint32 {
	if s.offs == nil {
		s.data = []byte{0}
		s.offs = map[string]uint32{"": 0}
	}
	if off, ok := s.offs[name]; ok {
		return off
	}
	off := uint32(len(s.data))
	s.data = append(append(s.data, name...), 0)
	s.offs[name] = off
	return off
}

func (b *Builder) WriteFile(path string) (*Layout, error) {
	data, layout, err := b.Build()
	if err != nil {
		return nil, err
	}
	return layout, errors.WithStack(os.WriteFile(path, data, 0755))
}

func (b *Builder) Build() ([]byte, *Layout, error) {
	if b.Arch == nil || b.Arch.Bits != 64 {
		return nil, nil, errors.New("elfgen: only 64-bit architectures are supported")
	}
	typ := b.Type
	if typ == 0 {
		typ = elf.ET_DYN
	}
	base := uint64(0)
	if typ == elf.ET_EXEC {
		base = ExecBase
	}
	order := b.Arch.Order
	L := &Layout{
		Base:     base,
		Syms:     make(map[string]uint64),
		GOTSlots: make(map[string]uint64),
		PLTStubs: make(map[string]uint64),
	}

	// symbol table: null, imports, then exports
	var strs strtab
	strs.add("")
	syms := []symEnt{{}}
	symIndex := make(map[string]uint32)
	for _, imp := range b.Imports {
		bind := elf.STB_GLOBAL
		if imp.Weak {
			bind = elf.STB_WEAK
		}
		kind := elf.STT_NOTYPE
		if imp.Func {
			kind = elf.STT_FUNC
		} else if imp.Size > 0 {
			kind = elf.STT_OBJECT
		}
		symIndex[imp.Name] = uint32(len(syms))
		syms = append(syms, symEnt{name: imp.Name, info: elf.ST_INFO(bind, kind), size: imp.Size})
	}
	for _, name := range b.PLT {
		if _, ok := symIndex[name]; !ok {
			symIndex[name] = uint32(len(syms))
			syms = append(syms, symEnt{name: name, info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC)})
		}
	}
	symoffset := uint32(len(syms))
	for _, exp := range b.Exports {
		if _, ok := symIndex[exp.Name]; ok {
			return nil, nil, errors.Errorf("elfgen: %s both imported and exported", exp.Name)
		}
		bind := elf.STB_GLOBAL
		if exp.Local {
			bind = elf.STB_LOCAL
		} else if exp.Weak {
			bind = elf.STB_WEAK
		}
		kind := exp.Kind
		if kind == elf.STT_NOTYPE {
			kind = elf.STT_FUNC
		}
		symIndex[exp.Name] = uint32(len(syms))
		syms = append(syms, symEnt{name: exp.Name, info: elf.ST_INFO(bind, kind), size: exp.Size})
	}
	for i := range syms {
		strs.add(syms[i].name)
	}
	for _, name := range b.Needed {
		strs.add(name)
	}
	if b.Soname != "" {
		strs.add(b.Soname)
	}
	if b.RunPath != "" {
		strs.add(b.RunPath)
	}

	// relocation entries, relative ones first
	nrel := len(b.Relocs) + len(b.InitArray) + len(b.FiniArray)
	relEntSize := uint64(24)
	if b.Rel {
		relEntSize = 16
	}

	// text segment
	const phnum = 3
	off := uint64(64 + phnum*56)
	dynstrOff := off
	off = align(off+uint64(len(strs.data)), 8)
	dynsymOff := off
	off += uint64(len(syms)) * elf.Sym64Size
	nbucket := uint32(len(syms)) | 1
	hashOff := off
	off = align(off+uint64(8+4*(nbucket+uint32(len(syms)))), 8)
	gnuOff := uint64(0)
	if b.GnuHash {
		gnuOff = off
		// one bucket, one bloom word
		off = align(off+16+8+4+4*uint64(len(syms)-int(symoffset)), 8)
	}
	relOff := off
	off += uint64(nrel) * relEntSize
	pltRelOff := off
	off += uint64(len(b.PLT)) * relEntSize
	off = align(off, stubSize)
	plt0 := off
	if len(b.PLT) > 0 {
		off += stubSize * uint64(len(b.PLT)+1)
	}
	funcOff := off
	nfunc := 0
	for _, exp := range b.Exports {
		if exp.Kind == elf.STT_FUNC || exp.Kind == elf.STT_NOTYPE {
			L.Syms[exp.Name] = base + funcOff + uint64(nfunc)*stubSize
			nfunc++
		}
	}
	off += uint64(nfunc) * stubSize
	textEnd := off

	// data segment
	dataOff := align(textEnd, pageSize)
	off = dataOff
	ndyn := b.countDynamic()
	dynOff := off
	off += uint64(ndyn) * 16
	gotOff := off
	if len(b.PLT) > 0 {
		off += 8 * uint64(3+len(b.PLT))
	}
	initOff := off
	off += 8 * uint64(len(b.InitArray))
	finiOff := off
	off += 8 * uint64(len(b.FiniArray))
	slotOff := off
	for _, r := range b.Relocs {
		if r.At == "" {
			off += 8
		}
	}
	objOff := make(map[string]uint64)
	for _, exp := range b.Exports {
		if exp.Kind != elf.STT_OBJECT {
			continue
		}
		size := exp.Size
		if uint64(len(exp.Data)) > size {
			size = uint64(len(exp.Data))
		}
		if size < 8 {
			size = 8
		}
		objOff[exp.Name] = off
		L.Syms[exp.Name] = base + off
		off = align(off+size, 8)
	}
	dataEnd := off
	L.Size = int(dataEnd)
	L.Dynamic = base + dynOff
	L.GOT = base + gotOff
	L.PLT0 = base + plt0
	L.InitArray = base + initOff
	L.FiniArray = base + finiOff

	w := &writer{buf: make([]byte, dataEnd), order: order}

	// finish symbols
	for i := range syms {
		s := &syms[i]
		if i == 0 {
			continue
		}
		if addr, ok := L.Syms[s.name]; ok && uint32(i) >= symoffset {
			s.value = addr
			s.shndx = 1
		}
	}
	for i, name := range b.PLT {
		stub := base + plt0 + stubSize*uint64(i+1)
		L.PLTStubs[name] = stub
		L.GOTSlots[name] = base + gotOff + 8*uint64(3+i)
		for _, imp := range b.Imports {
			if imp.Name == name && imp.Canonical {
				syms[symIndex[name]].value = stub
			}
		}
	}

	var rels []relEnt
	var nrelative int
	slot := base + slotOff
	for _, r := range b.Relocs {
		e := relEnt{typ: r.Type, addend: r.Addend}
		if r.Sym != "" {
			idx, ok := symIndex[r.Sym]
			if !ok {
				return nil, nil, errors.Errorf("elfgen: relocation against unknown symbol %s", r.Sym)
			}
			e.sym = idx
		}
		if r.AddendOf != "" {
			addr, ok := L.Syms[r.AddendOf]
			if !ok {
				return nil, nil, errors.Errorf("elfgen: addend of unknown export %s", r.AddendOf)
			}
			e.addend += int64(addr)
		}
		if r.At != "" {
			addr, ok := L.Syms[r.At]
			if !ok {
				return nil, nil, errors.Errorf("elfgen: relocation at unknown export %s", r.At)
			}
			e.off = addr
		} else {
			e.off = slot
			slot += 8
		}
		L.Slots = append(L.Slots, e.off)
		rels = append(rels, e)
	}
	for i, name := range b.InitArray {
		addr, ok := L.Syms[name]
		if !ok {
			return nil, nil, errors.Errorf("elfgen: unknown init function %s", name)
		}
		rels = append(rels, relEnt{off: base + initOff + 8*uint64(i), typ: b.Arch.Types.Relative, addend: int64(addr)})
	}
	for i, name := range b.FiniArray {
		addr, ok := L.Syms[name]
		if !ok {
			return nil, nil, errors.Errorf("elfgen: unknown fini function %s", name)
		}
		rels = append(rels, relEnt{off: base + finiOff + 8*uint64(i), typ: b.Arch.Types.Relative, addend: int64(addr)})
	}
	sort.SliceStable(rels, func(i, j int) bool {
		ri := rels[i].typ == b.Arch.Types.Relative
		rj := rels[j].typ == b.Arch.Types.Relative
		return ri && !rj
	})
	for _, r := range rels {
		if r.typ == b.Arch.Types.Relative {
			nrelative++
		}
	}

	// header
	var ident [elf.EI_NIDENT]byte
	copy(ident[:], elf.ELFMAG)
	ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	if order == binary.BigEndian {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2MSB)
	} else {
		ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	}
	ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	entry := uint64(0)
	if nfunc > 0 {
		entry = base + funcOff
	}
	w.put(0, elf.Header64{
		Ident:     ident,
		Type:      uint16(typ),
		Machine:   uint16(b.Arch.Machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     phnum,
	})
	w.put(64, elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
		Off: 0, Vaddr: base, Paddr: base, Filesz: textEnd, Memsz: textEnd, Align: pageSize,
	})
	w.put(64+56, elf.Prog64{
		Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W),
		Off: dataOff, Vaddr: base + dataOff, Paddr: base + dataOff,
		Filesz: dataEnd - dataOff, Memsz: dataEnd - dataOff, Align: pageSize,
	})
	w.put(64+112, elf.Prog64{
		Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
		Off: dynOff, Vaddr: base + dynOff, Paddr: base + dynOff,
		Filesz: uint64(ndyn) * 16, Memsz: uint64(ndyn) * 16, Align: 8,
	})

	copy(w.buf[dynstrOff:], strs.data)
	for i, s := range syms {
		w.put(dynsymOff+uint64(i)*elf.Sym64Size, elf.Sym64{
			Name: strs.add(s.name), Info: s.info, Shndx: s.shndx, Value: s.value, Size: s.size,
		})
	}
	b.writeSysvHash(w, hashOff, nbucket, syms)
	if b.GnuHash {
		b.writeGnuHash(w, gnuOff, symoffset, syms)
	}

	for _, exp := range b.Exports {
		if exp.Kind == elf.STT_OBJECT {
			copy(w.buf[objOff[exp.Name]:], exp.Data)
		}
	}
	put := func(at uint64, r relEnt) {
		info := uint64(r.sym)<<32 | uint64(r.typ)
		if b.Rel {
			w.put(at, elf.Rel64{Off: r.off, Info: info})
			// implicit addend lives in the patched word
			w.word(r.off-base, uint64(r.addend))
		} else {
			w.put(at, elf.Rela64{Off: r.off, Info: info, Addend: r.addend})
		}
	}
	for i, r := range rels {
		put(relOff+uint64(i)*relEntSize, r)
	}
	for i, name := range b.PLT {
		r := relEnt{off: L.GOTSlots[name], typ: b.Arch.Types.JumpSlot, sym: symIndex[name]}
		put(pltRelOff+uint64(i)*relEntSize, r)
	}

	// code
	if len(b.PLT) > 0 {
		b.writePLT(w, base, plt0, gotOff)
		w.word(gotOff, base+dynOff)
		for i, name := range b.PLT {
			w.word(gotOff+8*uint64(3+i), L.PLTStubs[name]+6)
		}
	}
	n := 0
	for _, exp := range b.Exports {
		if exp.Kind == elf.STT_FUNC || exp.Kind == elf.STT_NOTYPE {
			b.writeFunc(w, funcOff+uint64(n)*stubSize, uint32(n+1))
			n++
		}
	}

	// dynamic section
	dyn := dynOff
	tag := func(t elf.DynTag, v uint64) {
		w.put(dyn, elf.Dyn64{Tag: int64(t), Val: v})
		dyn += 16
	}
	for _, name := range b.Needed {
		tag(elf.DT_NEEDED, uint64(strs.add(name)))
	}
	if b.Soname != "" {
		tag(elf.DT_SONAME, uint64(strs.add(b.Soname)))
	}
	if b.RunPath != "" {
		tag(elf.DT_RUNPATH, uint64(strs.add(b.RunPath)))
	}
	tag(elf.DT_HASH, base+hashOff)
	if b.GnuHash {
		tag(elf.DT_GNU_HASH, base+gnuOff)
	}
	tag(elf.DT_STRTAB, base+dynstrOff)
	tag(elf.DT_STRSZ, uint64(len(strs.data)))
	tag(elf.DT_SYMTAB, base+dynsymOff)
	tag(elf.DT_SYMENT, elf.Sym64Size)
	if b.Rel {
		tag(elf.DT_REL, base+relOff)
		tag(elf.DT_RELSZ, uint64(len(rels))*relEntSize)
		tag(elf.DT_RELENT, relEntSize)
		tag(elf.DT_RELCOUNT, uint64(nrelative))
	} else {
		tag(elf.DT_RELA, base+relOff)
		tag(elf.DT_RELASZ, uint64(len(rels))*relEntSize)
		tag(elf.DT_RELAENT, relEntSize)
		tag(elf.DT_RELACOUNT, uint64(nrelative))
	}
	if len(b.PLT) > 0 {
		tag(elf.DT_JMPREL, base+pltRelOff)
		tag(elf.DT_PLTRELSZ, uint64(len(b.PLT))*relEntSize)
		if b.Rel {
			tag(elf.DT_PLTREL, uint64(elf.DT_REL))
		} else {
			tag(elf.DT_PLTREL, uint64(elf.DT_RELA))
		}
		tag(elf.DT_PLTGOT, base+gotOff)
	}
	if b.Init != "" {
		tag(elf.DT_INIT, L.Syms[b.Init])
	}
	if b.Fini != "" {
		tag(elf.DT_FINI, L.Syms[b.Fini])
	}
	if len(b.InitArray) > 0 {
		tag(elf.DT_INIT_ARRAY, base+initOff)
		tag(elf.DT_INIT_ARRAYSZ, 8*uint64(len(b.InitArray)))
	}
	if len(b.FiniArray) > 0 {
		tag(elf.DT_FINI_ARRAY, base+finiOff)
		tag(elf.DT_FINI_ARRAYSZ, 8*uint64(len(b.FiniArray)))
	}
	if b.BindNow {
		tag(elf.DT_FLAGS, uint64(elf.DF_BIND_NOW))
	}
	if b.NoDelete {
		tag(elf.DT_FLAGS_1, uint64(elf.DF_1_NODELETE))
	}
	tag(elf.DT_NULL, 0)
	return w.buf, L, nil
}

func (b *Builder) countDynamic() int {
	n := len(b.Needed) + 1 + 4 + 4 + 1 // needed, hash, str/sym, rel, null
	if b.Soname != "" {
		n++
	}
	if b.RunPath != "" {
		n++
	}
	if b.GnuHash {
		n++
	}
	if len(b.PLT) > 0 {
		n += 4
	}
	if b.Init != "" {
		n++
	}
	if b.Fini != "" {
		n++
	}
	if len(b.InitArray) > 0 {
		n += 2
	}
	if len(b.FiniArray) > 0 {
		n += 2
	}
	if b.BindNow {
		n++
	}
	if b.NoDelete {
		n++
	}
	return n
}

func (b *Builder) writeSysvHash(w *writer, off uint64, nbucket uint32, syms []symEnt) {
	nchain := uint32(len(syms))
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nchain)
	for i := uint32(1); i < nchain; i++ {
		h := loader.ElfHash(syms[i].name) % nbucket
		// append to the end of the bucket's chain to keep table order
		if buckets[h] == 0 {
			buckets[h] = i
			continue
		}
		j := buckets[h]
		for chains[j] != 0 {
			j = chains[j]
		}
		chains[j] = i
	}
	w.put(off, [2]uint32{nbucket, nchain})
	w.put(off+8, buckets)
	w.put(off+8+4*uint64(nbucket), chains)
}

func (b *Builder) writeGnuHash(w *writer, off uint64, symoffset uint32, syms []symEnt) {
	const shift = 6
	var bloom uint64
	hashed := syms[symoffset:]
	chain := make([]uint32, len(hashed))
	for i, s := range hashed {
		h := loader.GnuHash(s.name)
		bloom |= 1<<(h%64) | 1<<((h>>shift)%64)
		chain[i] = h &^ 1
	}
	bucket := uint32(0)
	if len(chain) > 0 {
		chain[len(chain)-1] |= 1
		bucket = symoffset
	}
	w.put(off, [4]uint32{1, symoffset, 1, shift})
	w.put(off+16, bloom)
	w.put(off+24, bucket)
	w.put(off+28, chain)
}

func (b *Builder) writeFunc(w *writer, off uint64, id uint32) {
	if b.Arch.Machine != elf.EM_X86_64 {
		w.order.PutUint32(w.buf[off:], id)
		return
	}
	code := []byte{0xb8, 0, 0, 0, 0, 0xc3}
	binary.LittleEndian.PutUint32(code[1:], id)
	copy(w.buf[off:], bytes.Repeat([]byte{0xcc}, stubSize))
	copy(w.buf[off:], code)
}

// writePLT emits the x86_64 lazy PLT: PLT0 pushes GOT[1] and jumps through
// GOT[2]; each PLTn jumps through its GOT slot, which initially points back
// at its own push of the relocation index.
func (b *Builder) writePLT(w *writer, base, plt0, gotOff uint64) {
	if b.Arch.Machine != elf.EM_X86_64 {
		return
	}
	rel32 := func(from, to uint64) []byte {
		var v [4]byte
		binary.LittleEndian.PutUint32(v[:], uint32(int32(int64(to)-int64(from))))
		return v[:]
	}
	var p0 []byte
	p0 = append(p0, 0xff, 0x35)
	p0 = append(p0, rel32(plt0+6, gotOff+8)...)
	p0 = append(p0, 0xff, 0x25)
	p0 = append(p0, rel32(plt0+12, gotOff+16)...)
	p0 = append(p0, 0x0f, 0x1f, 0x40, 0x00)
	copy(w.buf[plt0:], p0)
	for i := range b.PLT {
		pn := plt0 + stubSize*uint64(i+1)
		slot := gotOff + 8*uint64(3+i)
		var code []byte
		code = append(code, 0xff, 0x25)
		code = append(code, rel32(pn+6, slot)...)
		code = append(code, 0x68)
		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], uint32(i))
		code = append(code, idx[:]...)
		code = append(code, 0xe9)
		code = append(code, rel32(pn+16, plt0)...)
		copy(w.buf[pn:], code)
	}
}
