package rtld

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

func TestRelocAddends(t *testing.T) {
	for _, rel := range []bool{false, true} {
		f := newFixture(t)
		f.build("libx.so", &elfgen.Builder{
			Rel: rel,
			Exports: []elfgen.Export{
				{Name: "f", Kind: elf.STT_FUNC},
				{Name: "data", Kind: elf.STT_OBJECT, Size: 16},
			},
			Relocs: []elfgen.Reloc{
				{Type: rRelative, AddendOf: "f"},
				{Type: r64, Sym: "data", Addend: 4},
			},
		})
		f.build("prog", &elfgen.Builder{Type: elf.ET_EXEC, Needed: []string{"libx.so"}})
		c, _, _ := f.load(nil, "prog")
		if got, want := f.slot(c, "libx.so", 0), f.sym(c, "libx.so", "f"); got != want {
			t.Errorf("rel=%v: RELATIVE = %#x, want %#x", rel, got, want)
		}
		if got, want := f.slot(c, "libx.so", 1), f.sym(c, "libx.so", "data")+4; got != want {
			t.Errorf("rel=%v: data+4 = %#x, want %#x", rel, got, want)
		}
	}
}

func TestPCRelative(t *testing.T) {
	f := newFixture(t)
	f.build("libx.so", &elfgen.Builder{Exports: funcs("f")})
	exe := f.build("prog", &elfgen.Builder{
		Type:    elf.ET_EXEC,
		Needed:  []string{"libx.so"},
		Imports: []elfgen.Import{{Name: "f", Func: true}},
		Relocs:  []elfgen.Reloc{{Type: rPC32, Sym: "f", Addend: -4}},
	})
	c, _, _ := f.load(nil, "prog")
	where := exe.Slots[0]
	got, err := c.space.ReadUint(where, 4)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(uint32(f.sym(c, "libx.so", "f") - 4 - where))
	if got != want {
		t.Errorf("PC32 = %#x, want %#x", got, want)
	}
	if hi, _ := c.space.ReadUint(where+4, 4); hi != 0 {
		t.Errorf("PC32 wrote past its field: %#x", hi)
	}
}

func TestBadRelocFatal(t *testing.T) {
	for _, typ := range []uint32{200, uint32(elf.R_X86_64_IRELATIVE), uint32(elf.R_X86_64_GOTPCREL)} {
		f := newFixture(t)
		f.build("prog", &elfgen.Builder{
			Type:    elf.ET_EXEC,
			Exports: funcs("f"),
			Relocs:  []elfgen.Reloc{{Type: typ, Sym: "f"}},
		})
		c, _ := f.context(nil)
		err := mustFatal(t, func() { c.LoadProgram(f.path("prog")) })
		if errors.Cause(err) != models.ErrBadReloc {
			t.Errorf("type %d: got %v", typ, err)
		}
	}
}

func TestProtectionRestored(t *testing.T) {
	f := newFixture(t)
	lib := f.build("libx.so", &elfgen.Builder{
		Exports: funcs("f", "g"),
		Relocs:  []elfgen.Reloc{{Type: r64, Sym: "g", At: "f"}},
	})
	f.build("prog", &elfgen.Builder{Type: elf.ET_EXEC, Needed: []string{"libx.so"}})
	c, _, _ := f.load(nil, "prog")
	x := f.object(c, "libx.so")
	text := x.Addr(lib.Syms["f"])
	if got, want := f.word(c, text), f.sym(c, "libx.so", "g"); got != want {
		t.Errorf("text relocation = %#x, want %#x", got, want)
	}
	if prot, _ := c.space.ProtAt(text); prot != mem.PROT_READ|mem.PROT_EXEC {
		t.Errorf("text protection = %s after relocation", mem.ProtString(prot))
	}
	if prot, _ := c.space.ProtAt(x.Addr(lib.Dynamic)); prot != mem.PROT_READ|mem.PROT_WRITE {
		t.Errorf("data protection = %s after relocation", mem.ProtString(prot))
	}
}

func TestCopyReloc(t *testing.T) {
	tests := []struct {
		libSize uint64
		warn    bool
	}{
		{8, false},
		{4, true},
	}
	for _, test := range tests {
		f := newFixture(t)
		f.build("libx.so", &elfgen.Builder{
			Exports: []elfgen.Export{{Name: "counter", Kind: elf.STT_OBJECT, Size: test.libSize, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}},
			Relocs:  []elfgen.Reloc{{Type: rGlobDat, Sym: "counter"}},
		})
		exe := f.build("prog", &elfgen.Builder{
			Type:    elf.ET_EXEC,
			Needed:  []string{"libx.so"},
			Exports: []elfgen.Export{{Name: "counter", Kind: elf.STT_OBJECT, Size: 8}},
			Relocs:  []elfgen.Reloc{{Type: rCopy, Sym: "counter", At: "counter"}},
		})
		c, _, _ := f.load(nil, "prog")
		got, err := c.space.MemRead(exe.Syms["counter"], 8)
		if err != nil {
			t.Fatal(err)
		}
		want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		if test.warn {
			want = []byte{1, 2, 3, 4, 0, 0, 0, 0}
		}
		if !bytes.Equal(got, want) {
			t.Errorf("size %d: copied %x, want %x", test.libSize, got, want)
		}
		if f.warned("copy relocation size mismatch") != test.warn {
			t.Errorf("size %d: unexpected warning state", test.libSize)
		}
		// the library's own references bind to the executable's copy
		if got := f.slot(c, "libx.so", 0); got != exe.Syms["counter"] {
			t.Errorf("library reference = %#x, want %#x", got, exe.Syms["counter"])
		}
	}
}

func TestRelocateIdempotent(t *testing.T) {
	f := newFixture(t)
	lib := f.build("libx.so", &elfgen.Builder{
		Exports: funcs("f", "g"),
		Imports: []elfgen.Import{{Name: "h", Func: true}},
		Relocs: []elfgen.Reloc{
			{Type: rRelative, AddendOf: "g"},
			{Type: r64, Sym: "f", Addend: 2},
			{Type: r64, Sym: "h"},
			{Type: r64, Sym: "g", At: "f"},
		},
		PLT: []string{"h"},
	})
	f.build("liby.so", &elfgen.Builder{Exports: funcs("h")})
	f.build("prog", &elfgen.Builder{Type: elf.ET_EXEC, Needed: []string{"libx.so", "liby.so"}})
	cfg := f.config()
	cfg.BindNow = true
	c, _, _ := f.load(cfg, "prog")
	x := f.object(c, "libx.so")
	snapshot := func() []byte {
		b, err := c.space.MemRead(x.Base, uint64(lib.Size))
		if err != nil {
			t.Fatal(err)
		}
		return b
	}
	before := snapshot()
	c.mu.Lock()
	x.status &^= StatusRelocDone
	err := c.relocate(x, true)
	c.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, snapshot()) {
		t.Error("second relocation pass changed memory")
	}
}

func TestMergeIdempotent(t *testing.T) {
	olds := []uint64{0, 0xffffffffffffffff, 0x0123456789abcdef}
	values := []uint64{0, 1, 0xdeadbeefcafe, 0xfffffffffffffffc}
	for _, a := range arch.Arches() {
		for typ := range a.Relocs {
			d, ok := a.Relocs.Lookup(uint32(typ))
			if !ok || d.Size == 0 {
				continue
			}
			for _, old := range olds {
				for _, v := range values {
					once := d.Merge(old, v)
					if twice := d.Merge(once, v); twice != once {
						t.Errorf("%s %s: merge not idempotent for old=%#x value=%#x", a, d.Name, old, v)
					}
					if once&^d.FieldMask() != old&^d.FieldMask() {
						t.Errorf("%s %s: merge touched bits outside its field", a, d.Name)
					}
				}
			}
		}
	}
}
