package loader_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch/x86_64"
	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/models"
)

func libc() *elfgen.Builder {
	return &elfgen.Builder{
		Arch:    x86_64.Arch,
		Soname:  "libc.so.1",
		Needed:  []string{"libm.so.2"},
		RunPath: "$ORIGIN/lib:/opt/lib",
		Exports: []elfgen.Export{
			{Name: "puts", Kind: elf.STT_FUNC},
			{Name: "errno", Kind: elf.STT_OBJECT, Size: 8},
			{Name: "hidden", Kind: elf.STT_FUNC, Local: true},
		},
		Imports: []elfgen.Import{{Name: "sqrt", Func: true}},
		Relocs: []elfgen.Reloc{
			{Type: uint32(elf.R_X86_64_64), Sym: "sqrt"},
			{Type: uint32(elf.R_X86_64_RELATIVE), AddendOf: "puts"},
		},
		PLT: []string{"sqrt"},
	}
}

func parse(t *testing.T, b *elfgen.Builder) (*loader.Image, *elfgen.Layout) {
	data, layout, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	img, err := loader.Parse(bytes.NewReader(data), "/usr/lib/"+b.Soname)
	if err != nil {
		t.Fatal(err)
	}
	return img, layout
}

func TestParseDynamic(t *testing.T) {
	img, layout := parse(t, libc())
	if img.Machine != elf.EM_X86_64 || img.Type != elf.ET_DYN {
		t.Fatalf("bad header: %s %s", img.Machine, img.Type)
	}
	if img.Name() != "libc.so.1" {
		t.Errorf("bad name %q", img.Name())
	}
	if len(img.Needed) != 1 || img.Needed[0] != "libm.so.2" {
		t.Errorf("bad needed list %v", img.Needed)
	}
	if len(img.RunPath) != 2 || img.RunPath[0] != "/usr/lib/lib" || img.RunPath[1] != "/opt/lib" {
		t.Errorf("bad runpath %v", img.RunPath)
	}
	if img.PLTGOT != layout.GOT {
		t.Errorf("PLTGOT %#x != %#x", img.PLTGOT, layout.GOT)
	}
	if img.BindNow() || img.NoDelete() {
		t.Error("unexpected dynamic flags")
	}
}

func TestParseRelocs(t *testing.T) {
	img, layout := parse(t, libc())
	if len(img.Rels) != 2 || img.RelCount != 1 {
		t.Fatalf("got %d relocs, %d relative", len(img.Rels), img.RelCount)
	}
	rel := img.Rels[0]
	if rel.Type != uint32(elf.R_X86_64_RELATIVE) || !rel.HasAddend {
		t.Errorf("first reloc should be RELATIVE with addend: %+v", rel)
	}
	if uint64(rel.Addend) != layout.Syms["puts"] {
		t.Errorf("RELATIVE addend %#x, want %#x", rel.Addend, layout.Syms["puts"])
	}
	abs := img.Rels[1]
	if img.SymbolName(abs.Sym) != "sqrt" {
		t.Errorf("reloc symbol %q", img.SymbolName(abs.Sym))
	}
	if len(img.PLTRels) != 1 || img.PLTRels[0].Type != uint32(elf.R_X86_64_JMP_SLOT) {
		t.Fatalf("bad PLT relocs %+v", img.PLTRels)
	}
	if img.PLTRels[0].Offset != layout.GOTSlots["sqrt"] {
		t.Errorf("PLT reloc at %#x, want %#x", img.PLTRels[0].Offset, layout.GOTSlots["sqrt"])
	}
}

func TestParseRel(t *testing.T) {
	b := libc()
	b.Rel = true
	img, _ := parse(t, b)
	for _, r := range img.Rels {
		if r.HasAddend || r.Addend != 0 {
			t.Errorf("REL entry carries an addend: %+v", r)
		}
	}
	if img.RelCount != 1 {
		t.Errorf("RelCount = %d", img.RelCount)
	}
}

func TestSymbols(t *testing.T) {
	img, layout := parse(t, libc())
	var puts, hidden, sqrt *loader.Symbol
	for i := range img.Syms {
		s := &img.Syms[i]
		switch s.Name {
		case "puts":
			puts = s
		case "hidden":
			hidden = s
		case "sqrt":
			sqrt = s
		}
	}
	if puts == nil || hidden == nil || sqrt == nil {
		t.Fatal("missing symbols")
	}
	if puts.Value != layout.Syms["puts"] || puts.Undefined() || !puts.Exportable() {
		t.Errorf("bad puts: %+v", puts)
	}
	if hidden.Exportable() {
		t.Error("local symbol should not be exportable")
	}
	if !sqrt.Undefined() || sqrt.Type() != elf.STT_FUNC {
		t.Errorf("bad import: %+v", sqrt)
	}
}

func TestHashLookup(t *testing.T) {
	for _, gnu := range []bool{false, true} {
		b := libc()
		b.GnuHash = gnu
		img, _ := parse(t, b)
		for _, name := range []string{"puts", "errno", "sqrt"} {
			found := false
			img.Lookup(name, func(idx uint32) bool {
				if img.Syms[idx].Name == name {
					found = true
				}
				return found
			})
			// gnu hash only covers defined symbols
			if want := !(gnu && name == "sqrt"); found != want {
				t.Errorf("gnu=%v lookup(%s) found=%v", gnu, name, found)
			}
		}
		img.Lookup("missing", func(idx uint32) bool {
			if img.Syms[idx].Name == "missing" {
				t.Errorf("gnu=%v found nonexistent symbol", gnu)
			}
			return false
		})
	}
}

func TestHashFunctions(t *testing.T) {
	if h := loader.ElfHash("printf"); h != 0x077905a6 {
		t.Errorf("ElfHash(printf) = %#x", h)
	}
	if h := loader.GnuHash(""); h != 5381 {
		t.Errorf("GnuHash(\"\") = %d", h)
	}
	if h := loader.GnuHash("printf"); h != 0x156b2bb8 {
		t.Errorf("GnuHash(printf) = %#x", h)
	}
}

func TestDynamicFlags(t *testing.T) {
	b := libc()
	b.BindNow = true
	b.NoDelete = true
	b.Init = "puts"
	b.InitArray = []string{"puts", "puts"}
	b.FiniArray = []string{"puts"}
	img, layout := parse(t, b)
	if !img.BindNow() || !img.NoDelete() {
		t.Error("flags not parsed")
	}
	if img.Init != layout.Syms["puts"] {
		t.Errorf("DT_INIT = %#x", img.Init)
	}
	if img.InitArray.Count != 2 || img.InitArray.Addr != layout.InitArray {
		t.Errorf("bad init array %+v", img.InitArray)
	}
	if img.FiniArray.Count != 1 {
		t.Errorf("bad fini array %+v", img.FiniArray)
	}
	// init array slots are RELATIVE relocs sorted to the front
	if img.RelCount != 4 {
		t.Errorf("RelCount = %d", img.RelCount)
	}
}

func TestParseErrors(t *testing.T) {
	_, err := loader.Parse(bytes.NewReader([]byte("#!/bin/sh\n")), "script")
	if errors.Cause(err) != models.ErrBadMagic {
		t.Errorf("expected ErrBadMagic, got %v", err)
	}
	_, err = loader.Parse(bytes.NewReader(nil), "empty")
	if err == nil {
		t.Error("empty file parsed")
	}

	tests := []struct {
		name  string
		patch func(t *testing.T, data []byte)
		magic bool
	}{
		{"short syment", func(t *testing.T, data []byte) {
			binary.LittleEndian.PutUint64(data[dynamicValue(t, data, elf.DT_SYMENT):], 8)
		}, true},
		{"huge syment", func(t *testing.T, data []byte) {
			binary.LittleEndian.PutUint64(data[dynamicValue(t, data, elf.DT_SYMENT):], 1<<62)
		}, true},
		{"huge nchain", func(t *testing.T, data []byte) {
			hash := binary.LittleEndian.Uint64(data[dynamicValue(t, data, elf.DT_HASH):])
			binary.LittleEndian.PutUint32(data[vaddrOffset(t, data, hash)+4:], 0x7fffffff)
		}, false},
		{"wrapped hash size", func(t *testing.T, data []byte) {
			hash := binary.LittleEndian.Uint64(data[dynamicValue(t, data, elf.DT_HASH):])
			off := vaddrOffset(t, data, hash)
			binary.LittleEndian.PutUint32(data[off:], 1)
			binary.LittleEndian.PutUint32(data[off+4:], 0xffffffff)
		}, false},
	}
	for _, test := range tests {
		data, _, err := libc().Build()
		if err != nil {
			t.Fatal(err)
		}
		test.patch(t, data)
		_, err = loader.Parse(bytes.NewReader(data), "libc.so.1")
		if err == nil {
			t.Errorf("%s: parsed", test.name)
		} else if test.magic && errors.Cause(err) != models.ErrBadMagic {
			t.Errorf("%s: expected ErrBadMagic, got %v", test.name, err)
		}
	}
}

// dynamicValue returns the file offset of the value of tag.
func dynamicValue(t *testing.T, data []byte, tag elf.DynTag) uint64 {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_DYNAMIC {
			continue
		}
		for off := p.Off; off+16 <= p.Off+p.Filesz; off += 16 {
			if elf.DynTag(binary.LittleEndian.Uint64(data[off:])) == tag {
				return off + 8
			}
		}
	}
	t.Fatalf("no %s entry", tag)
	return 0
}

func vaddrOffset(t *testing.T, data []byte, vaddr uint64) uint64 {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD && vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Off + vaddr - p.Vaddr
		}
	}
	t.Fatalf("%#x not in a PT_LOAD", vaddr)
	return 0
}

func TestOpenIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libc.so.1")
	if _, err := libc().WriteFile(path); err != nil {
		t.Fatal(err)
	}
	a, err := loader.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := loader.Open(filepath.Join(dir, ".", "libc.so.1"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if a.Dev != b.Dev || a.Ino != b.Ino {
		t.Error("same file opened with different identity")
	}
	if a.Size == 0 {
		t.Error("size not recorded")
	}
	if a.Path != path {
		t.Errorf("path %q", a.Path)
	}
}
