package rtld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"
	"os"
	"reflect"
	"testing"

	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/prebind"
	"github.com/lunixbochs/rtld/go/trace"
)

// prebindFixture builds a program whose library liby resolves f to itself
// when loaded alone but to libx inside the program, and cannot resolve h
// at all when loaded alone.
func prebindFixture(f *fixture) map[string]*elfgen.Builder {
	mods := map[string]*elfgen.Builder{
		"liby.so": {
			Exports: funcs("f", "g"),
			Imports: []elfgen.Import{{Name: "w", Weak: true}},
			Relocs:  []elfgen.Reloc{{Type: r64, Sym: "w"}, {Type: r64, Sym: "f"}},
			PLT:     []string{"h"},
		},
		"libx.so": {
			Needed:  []string{"liby.so"},
			Exports: funcs("f", "h"),
			Imports: []elfgen.Import{{Name: "g", Func: true}},
			Relocs:  []elfgen.Reloc{{Type: r64, Sym: "g"}, {Type: rRelative, AddendOf: "f"}},
		},
		"prog": {
			Type:    elf.ET_EXEC,
			Needed:  []string{"libx.so", "liby.so"},
			Imports: []elfgen.Import{{Name: "g", Func: true}, {Name: "w", Weak: true}},
			Relocs:  []elfgen.Reloc{{Type: r64, Sym: "g"}, {Type: r64, Sym: "w"}},
			PLT:     []string{"f"},
		},
	}
	for name, b := range mods {
		f.build(name, b)
	}
	return mods
}

// bindings loads prog and returns every relocated word plus the lazily
// bound PLT values.
func bindings(f *fixture) (map[string][]uint64, bool) {
	f.t.Helper()
	c, root, _ := f.load(nil, "prog")
	out := make(map[string][]uint64)
	for _, name := range []string{"prog", "libx.so", "liby.so"} {
		for i := range f.layouts[name].Slots {
			out[name] = append(out[name], f.slot(c, name, i))
		}
	}
	v, err := c.BindLazy(root.ID, 0)
	if err != nil {
		f.t.Fatal(err)
	}
	y := f.object(c, "liby.so")
	w, err := c.BindLazy(y.ID, 0)
	if err != nil {
		f.t.Fatal(err)
	}
	out["plt"] = []uint64{v, w}
	return out, c.Prebound()
}

func TestPrebindReplay(t *testing.T) {
	f := newFixture(t)
	mods := prebindFixture(f)
	cold, used := bindings(f)
	if used {
		t.Fatal("prebind used before any was written")
	}
	// inside the program liby's reference to f binds to libx
	if cold["liby.so"][1] != cold["plt"][0] {
		t.Fatalf("cold bindings %x", cold)
	}

	var rec recorder
	if err := Prebind(f.config(), []string{f.path("prog")}, f.options(&rec)...); err != nil {
		t.Fatalf("%+v", err)
	}
	for _, name := range []string{"prog", "libx.so", "liby.so"} {
		p, err := prebind.Open(f.path(name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		p.Close()
	}
	warm, used := bindings(f)
	if !used {
		t.Fatal("prebind data was not used")
	}
	if !reflect.DeepEqual(cold, warm) {
		t.Errorf("prebound bindings differ:\n%x\n%x", cold, warm)
	}

	// a rebuilt library invalidates the whole cache
	f.build("liby.so", mods["liby.so"])
	rebuilt, used := bindings(f)
	if used {
		t.Error("stale prebind data was used")
	}
	if !reflect.DeepEqual(cold, rebuilt) {
		t.Errorf("fallback bindings differ:\n%x\n%x", cold, rebuilt)
	}
}

func TestPrebindIdentityMismatch(t *testing.T) {
	f := newFixture(t)
	prebindFixture(f)
	cold, _ := bindings(f)
	var rec recorder
	if err := Prebind(f.config(), []string{f.path("prog")}, f.options(&rec)...); err != nil {
		t.Fatal(err)
	}
	// restamp libx with a new identity, as another prebind run would
	if err := prebind.Write(f.path("libx.so"), &prebind.Data{ID0: 1, ID1: 2}); err != nil {
		t.Fatal(err)
	}
	got, used := bindings(f)
	if used {
		t.Error("mismatched prebind data was used")
	}
	if !f.warned("prebind data does not match loaded objects, resolving symbols") {
		t.Error("mismatch was not reported")
	}
	if !reflect.DeepEqual(cold, got) {
		t.Errorf("bindings differ after mismatch:\n%x\n%x", cold, got)
	}

	cfg := f.config()
	cfg.NoPrebind = true
	if err := Prebind(cfg, []string{f.path("prog")}, f.options(&rec)...); err != nil {
		t.Fatal(err)
	}
	c, _, _ := f.load(cfg, "prog")
	if c.Prebound() {
		t.Error("LD_NOPREBIND ignored")
	}
}

func TestStripPrebind(t *testing.T) {
	f := newFixture(t)
	prebindFixture(f)
	sizes := make(map[string]int64)
	for _, name := range []string{"prog", "libx.so", "liby.so"} {
		st, err := os.Stat(f.path(name))
		if err != nil {
			t.Fatal(err)
		}
		sizes[name] = st.Size()
	}
	var rec recorder
	if err := Prebind(f.config(), []string{f.path("prog")}, f.options(&rec)...); err != nil {
		t.Fatal(err)
	}
	if err := StripPrebind(f.config(), []string{f.path("prog")}, f.options(&rec)...); err != nil {
		t.Fatal(err)
	}
	for name, size := range sizes {
		st, err := os.Stat(f.path(name))
		if err != nil {
			t.Fatal(err)
		}
		if st.Size() != size {
			t.Errorf("%s: size %d after strip, want %d", name, st.Size(), size)
		}
	}
}

type closeBuffer struct{ bytes.Buffer }

func (c *closeBuffer) Close() error { return nil }

func TestTraceEvents(t *testing.T) {
	f := newFixture(t)
	lazyProgram(f, "f")
	var buf closeBuffer
	w, err := trace.NewWriter(&buf, "x86_64", binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	c, root, _ := f.load(nil, "prog", WithTrace(w))
	if _, err := c.BindLazy(root.ID, 0); err != nil {
		t.Fatal(err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatal(err)
	}
	r, err := trace.NewReader(io.NopCloser(bytes.NewReader(buf.Bytes())))
	if err != nil {
		t.Fatal(err)
	}
	kinds := make(map[uint8]int)
	var bound *trace.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		kinds[ev.Kind]++
		if ev.Kind == trace.EV_BIND {
			bound = ev
		}
	}
	if kinds[trace.EV_LOAD] != 2 {
		t.Errorf("%d load events, want 2", kinds[trace.EV_LOAD])
	}
	if bound == nil || bound.Name != "f" || bound.Def != "libx.so" || bound.Value != f.sym(c, "libx.so", "f") {
		t.Errorf("bad bind event %v", bound)
	}
}
