package trace

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/cmd"
	"github.com/lunixbochs/rtld/go/trace"
)

func PrintJson(w io.Writer, tf *trace.Reader) error {
	out, err := json.Marshal(&tf.Header)
	if err != nil {
		return errors.Wrap(err, "error printing header")
	}
	fmt.Fprintf(w, "%s\n", out)
	for {
		ev, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace event")
		}
		out, _ := json.Marshal(ev)
		fmt.Fprintf(w, "%s\n", out)
	}
	return nil
}

func PrintPretty(w io.Writer, tf *trace.Reader) error {
	fmt.Fprintf(w, "# %s\n", tf.Header.Arch)
	for {
		ev, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace event")
		}
		fmt.Fprintln(w, ev)
	}
	return nil
}

// PrintSummary counts resolutions per defining object, with missing
// symbols listed by name.
func PrintSummary(w io.Writer, tf *trace.Reader) error {
	defs := make(map[string]int)
	missing := make(map[string]bool)
	loads := 0
	for {
		ev, err := tf.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace event")
		}
		switch ev.Kind {
		case trace.EV_LOAD:
			loads++
		case trace.EV_RESOLVE, trace.EV_BIND, trace.EV_COPY:
			if ev.Flags&trace.FLAG_MISSING != 0 {
				if ev.Flags&trace.FLAG_WEAK == 0 {
					missing[ev.Name] = true
				}
				continue
			}
			defs[ev.Def]++
		}
	}
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	fmt.Fprintf(w, "%d objects loaded\n", loads)
	for _, name := range names {
		fmt.Fprintf(w, "%6d %s\n", defs[name], name)
	}
	if len(missing) > 0 {
		var syms []string
		for name := range missing {
			syms = append(syms, name)
		}
		sort.Slice(syms, func(i, j int) bool { return sortorder.NaturalLess(syms[i], syms[j]) })
		fmt.Fprintf(w, "undefined:\n")
		for _, name := range syms {
			fmt.Fprintf(w, "       %s\n", name)
		}
	}
	return nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("args", flag.ExitOnError)
	jsonFlag := fs.Bool("json", false, "output trace as line-delimited JSON objects")
	summaryFlag := fs.Bool("summary", false, "count resolutions per defining object")
	fs.Usage = func() {
		fmt.Printf("Usage: %s [options] <tracefile>\n", args[0])
		fs.PrintDefaults()
	}

	fs.Parse(args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(1)
	}
	args = fs.Args()

	f, err := os.Open(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open: %s %v\n", args[0], err)
		os.Exit(1)
	}
	tf, err := trace.NewReader(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening trace file: %v\n", err)
		os.Exit(1)
	}
	defer tf.Close()
	switch {
	case *jsonFlag:
		err = PrintJson(os.Stdout, tf)
	case *summaryFlag:
		err = PrintSummary(os.Stdout, tf)
	default:
		err = PrintPretty(os.Stdout, tf)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func init() { cmd.Register("trace", "print a saved resolution trace", Main) }
