package selftest

import (
	"debug/elf"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/cmd"
	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/models"
)

func fn(names ...string) []elfgen.Export {
	exps := make([]elfgen.Export, len(names))
	for i, name := range names {
		exps[i] = elfgen.Export{Name: name, Kind: elf.STT_FUNC}
	}
	return exps
}

// Fixtures describes a small program and its libraries: a shared base
// library, a plugin-style library with a weak optional import, and an
// executable calling into both through its PLT.
func Fixtures(a *models.Arch) map[string]*elfgen.Builder {
	abs := uint32(a.Types.GlobDat)
	return map[string]*elfgen.Builder{
		"libbase.so": {
			Arch:      a,
			Soname:    "libbase.so",
			Exports:   append(fn("base_init", "base_answer", "base_fini"), elfgen.Export{Name: "base_table", Kind: elf.STT_OBJECT, Size: 16}),
			InitArray: []string{"base_init"},
			FiniArray: []string{"base_fini"},
		},
		"libplug.so": {
			Arch:    a,
			Soname:  "libplug.so",
			Needed:  []string{"libbase.so"},
			RunPath: "$ORIGIN",
			Exports: fn("plug_call"),
			Imports: []elfgen.Import{
				{Name: "base_table"},
				{Name: "plug_optional", Func: true, Weak: true},
			},
			Relocs: []elfgen.Reloc{{Type: abs, Sym: "base_table"}, {Type: abs, Sym: "plug_optional"}},
			PLT:    []string{"base_answer"},
		},
		"demo": {
			Arch:    a,
			Type:    elf.ET_EXEC,
			Needed:  []string{"libplug.so", "libbase.so"},
			RunPath: "$ORIGIN",
			Exports: fn("main"),
			PLT:     []string{"plug_call", "base_answer"},
			Init:    "main",
		},
	}
}

// Write stores the fixtures in dir and returns the executable's path.
func Write(dir string, a *models.Arch) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithStack(err)
	}
	for name, b := range Fixtures(a) {
		if _, err := b.WriteFile(filepath.Join(dir, name)); err != nil {
			return "", errors.Wrap(err, name)
		}
	}
	return filepath.Join(dir, "demo"), nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	out := fs.String("o", "rtld-selftest", "output directory")
	archName := fs.String("arch", "x86_64", "target architecture")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	a, err := arch.ByName(*archName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	exe, err := Write(*out, a)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s\n\ntry:\n", *out)
	fmt.Printf("  rtld ldd -tree -syms %s\n", exe)
	fmt.Printf("  rtld prebind %s\n", exe)
	fmt.Printf("  rtld run -to %s.trace %s base_answer\n", exe, exe)
	fmt.Printf("  rtld trace -summary %s.trace\n", exe)
}

func init() { cmd.Register("selftest", "write a small set of example objects", Main) }
