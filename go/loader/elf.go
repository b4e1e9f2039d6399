package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

func MatchElf(r io.ReaderAt) bool {
	return bytes.Equal(getMagic(r), elfMagic)
}

// Image is the parsed dynamic view of an ELF object.
type Image struct {
	Path    string
	Machine elf.Machine
	Class   elf.Class
	Order   binary.ByteOrder
	Type    elf.Type
	Entry   uint64
	Progs   []elf.ProgHeader
	Interp  string

	Dev, Ino uint64
	Size     int64

	Dynamic  uint64
	Needed   []string
	Soname   string
	RPath    []string
	RunPath  []string
	Flags    elf.DynFlag
	Flags1   elf.DynFlag1
	Syms     []Symbol
	Rels     []Reloc
	PLTRels  []Reloc
	RelCount int
	PLTGOT   uint64

	Init, Fini                       uint64
	InitArray, FiniArray, PreinitArr Array

	strtab []byte
	hash   *sysvHash
	gnu    *gnuHash
	r      io.ReaderAt
}

// Name is the soname if present, else the file name.
func (img *Image) Name() string {
	if img.Soname != "" {
		return img.Soname
	}
	return filepath.Base(img.Path)
}

func (img *Image) ptrSize() int {
	if img.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (img *Image) BindNow() bool {
	return img.Flags&elf.DF_BIND_NOW != 0 || img.Flags1&elf.DF_1_NOW != 0
}

func (img *Image) NoDelete() bool {
	return img.Flags1&elf.DF_1_NODELETE != 0
}

func (img *Image) Symbolic() bool {
	return img.Flags&elf.DF_SYMBOLIC != 0
}

// Parse reads the header, program headers and dynamic section of r.
func Parse(r io.ReaderAt, path string) (*Image, error) {
	if !MatchElf(r) {
		return nil, errors.Wrap(models.ErrBadMagic, path)
	}
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrapf(models.ErrBadMagic, "%s: %v", path, err)
	}
	img := &Image{
		Path:    path,
		Machine: f.Machine,
		Class:   f.Class,
		Order:   f.ByteOrder,
		Type:    f.Type,
		Entry:   f.Entry,
		r:       r,
	}
	if img.Type != elf.ET_DYN && img.Type != elf.ET_EXEC {
		return nil, errors.Errorf("%s: unsupported ELF type %s", path, img.Type)
	}
	for _, p := range f.Progs {
		img.Progs = append(img.Progs, p.ProgHeader)
		switch p.Type {
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if _, err := p.ReadAt(data, 0); err != nil {
				return nil, errors.Wrap(err, "reading PT_INTERP")
			}
			img.Interp = strings.TrimRight(string(data), "\x00")
		case elf.PT_DYNAMIC:
			img.Dynamic = p.Vaddr
		}
	}
	if err := img.parseDynamic(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// fileOffset translates a link-time address through the PT_LOAD headers.
func (img *Image) fileOffset(vaddr, size uint64) (int64, bool) {
	for _, p := range img.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && size <= p.Filesz && vaddr-p.Vaddr <= p.Filesz-size {
			return int64(p.Off + vaddr - p.Vaddr), true
		}
	}
	return 0, false
}

func (img *Image) readVaddr(vaddr, size uint64) ([]byte, error) {
	off, ok := img.fileOffset(vaddr, size)
	if !ok {
		return nil, errors.Errorf("address range %#x+%#x not backed by file", vaddr, size)
	}
	data := make([]byte, size)
	if _, err := img.r.ReadAt(data, off); err != nil {
		return nil, errors.Wrapf(err, "reading %#x bytes at %#x", size, vaddr)
	}
	return data, nil
}

func (img *Image) SymbolName(idx uint32) string {
	if int(idx) < len(img.Syms) {
		return img.Syms[idx].Name
	}
	return ""
}

// Lookup calls fn with each symbol index that may define name, in hash
// chain order, until fn returns true.
func (img *Image) Lookup(name string, fn func(idx uint32) bool) {
	switch {
	case img.gnu != nil:
		img.gnu.lookup(name, fn)
	case img.hash != nil:
		img.hash.lookup(name, fn)
	default:
		for i := 1; i < len(img.Syms); i++ {
			if img.Syms[i].Name == name && fn(uint32(i)) {
				return
			}
		}
	}
}
