package ldd

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"

	"github.com/lunixbochs/rtld/go/arch/x86_64"
	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/rtld"
	"github.com/lunixbochs/rtld/go/vm"
)

func TestList(t *testing.T) {
	dir := t.TempDir()
	build := func(name string, b *elfgen.Builder) {
		b.Arch = x86_64.Arch
		if b.Type != elf.ET_EXEC {
			b.Soname = name
		}
		if _, err := b.WriteFile(filepath.Join(dir, name)); err != nil {
			t.Fatal(err)
		}
	}
	fn := func(names ...string) []elfgen.Export {
		var exps []elfgen.Export
		for _, n := range names {
			exps = append(exps, elfgen.Export{Name: n, Kind: elf.STT_FUNC})
		}
		return exps
	}
	build("libc.so", &elfgen.Builder{Exports: fn("puts", "abort", "exit10", "exit2")})
	build("liba.so", &elfgen.Builder{Needed: []string{"libc.so"}})
	build("prog", &elfgen.Builder{
		Type:    elf.ET_EXEC,
		Needed:  []string{"liba.so", "libc.so"},
		Imports: []elfgen.Import{{Name: "missing", Func: true}},
		Relocs:  []elfgen.Reloc{{Type: uint32(elf.R_X86_64_64), Sym: "missing"}},
	})

	cfg := (&models.Config{SearchDirs: []string{dir}, ListOnly: true, NoPrebind: true}).Init()
	quiet := &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}
	ctx, err := rtld.NewContext(cfg, vm.NewSimSpace(64, binary.LittleEndian), rtld.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	exe := filepath.Join(dir, "prog")
	if _, err := ctx.LoadProgram(exe); err != nil {
		t.Fatalf("listing should tolerate unresolved symbols: %v", err)
	}
	for _, o := range ctx.Objects() {
		if o.State() != rtld.StateTraced {
			t.Errorf("%s: state %s, want traced", o.Name, o.State())
		}
	}

	var buf bytes.Buffer
	List(&buf, ctx, exe, models.Status{}, Options{Syms: true, Tree: true})
	out := buf.String()
	lines := strings.Split(out, "\n")
	if lines[0] != exe+":" {
		t.Errorf("header %q", lines[0])
	}
	var rows []string
	for _, l := range lines[2:] {
		if f := strings.Fields(l); len(f) == 7 {
			rows = append(rows, f[2]+" "+filepath.Base(f[6]))
		}
	}
	want := []string{"exe prog", "rlib liba.so", "rlib libc.so"}
	if strings.Join(rows, ",") != strings.Join(want, ",") {
		t.Errorf("rows %q, want %q\n%s", rows, want, out)
	}
	// natural order
	if i, j := strings.Index(out, "exit2"), strings.Index(out, "exit10"); i < 0 || j < 0 || i > j {
		t.Errorf("symbols not in natural order:\n%s", out)
	}
	if !strings.Contains(out, "\t  libc.so (see above)") {
		t.Errorf("tree should mark the shared dependency:\n%s", out)
	}
}
