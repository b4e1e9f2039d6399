package ldd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"
	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mattn/go-colorable"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/cmd"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/rtld"
)

type Options struct {
	Syms bool
	Tree bool
}

func extent(o *rtld.Object) (lo, hi uint64) {
	lo = ^uint64(0)
	for _, s := range o.Segments {
		if s.Addr < lo {
			lo = s.Addr
		}
		if end := s.Addr + s.Size; end > hi {
			hi = end
		}
	}
	if hi == 0 {
		lo = 0
	}
	return lo, hi
}

func objType(o *rtld.Object) string {
	if o.IsExec() {
		return "exe"
	}
	return "rlib"
}

// List prints the loaded objects of ctx, OpenBSD ldd style.
func List(w io.Writer, ctx *rtld.Context, exe string, st models.Status, opts Options) {
	width := int(ctx.Space().Bits() / 4)
	fmt.Fprintf(w, "%s:\n", st.Path(exe))
	if ctx.Prebound() {
		fmt.Fprintf(w, "\t%s\n", st.Warn("(prebound)"))
	}
	fmt.Fprintf(w, "\t%-*s %-*s %-4s %-4s %-3s %-6s %s\n", width, "Start", width, "End", "Type", "Open", "Ref", "GrpRef", "Name")
	for _, o := range ctx.Objects() {
		lo, hi := extent(o)
		refs := o.Refs()
		fmt.Fprintf(w, "\t%s %s %-4s %-4d %-3d %-6d %s\n",
			st.Addr(fmt.Sprintf("%0*x", width, lo), width),
			st.Addr(fmt.Sprintf("%0*x", width, hi), width),
			objType(o), refs.Open, refs.Dep, refs.Group, st.Path(o.Path))
		if opts.Syms {
			listSyms(w, o, st, width)
		}
	}
	if opts.Tree {
		if err := tree(w, ctx); err != nil {
			fmt.Fprintf(w, "\t%s\n", st.Missing(err.Error()))
		}
	}
}

func listSyms(w io.Writer, o *rtld.Object, st models.Status, width int) {
	syms := o.Exports()
	sort.Slice(syms, func(i, j int) bool { return sortorder.NaturalLess(syms[i].Name, syms[j].Name) })
	for _, sym := range syms {
		weak := ""
		if sym.Weak {
			weak = " (weak)"
		}
		fmt.Fprintf(w, "\t\t%s %s%s\n", st.Addr(fmt.Sprintf("%0*x", width, sym.Value), width), sym.Name, weak)
	}
}

// tree prints the dependency graph from the root, each object expanded once.
func tree(w io.Writer, ctx *rtld.Context) error {
	root := ctx.Root()
	if root == nil {
		return nil
	}
	g := graph.New(func(o *rtld.Object) uint64 { return o.ID }, graph.Directed())
	objs := ctx.Objects()
	for _, o := range objs {
		if err := g.AddVertex(o); err != nil {
			return err
		}
	}
	for _, o := range objs {
		for _, ch := range o.Children() {
			if err := g.AddEdge(o.ID, ch.ID); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return err
			}
		}
	}
	adj, err := g.AdjacencyMap()
	if err != nil {
		return err
	}
	seen := make(map[uint64]bool)
	var walk func(id uint64, depth int) error
	walk = func(id uint64, depth int) error {
		o, err := g.Vertex(id)
		if err != nil {
			return err
		}
		indent := strings.Repeat("  ", depth)
		if seen[id] {
			fmt.Fprintf(w, "\t%s%s (see above)\n", indent, o.Name)
			return nil
		}
		seen[id] = true
		fmt.Fprintf(w, "\t%s%s\n", indent, o.Name)
		// children in load order
		var kids []uint64
		for k := range adj[id] {
			kids = append(kids, k)
		}
		sort.Slice(kids, func(i, j int) bool { return loadIndex(objs, kids[i]) < loadIndex(objs, kids[j]) })
		for _, k := range kids {
			if err := walk(k, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	fmt.Fprintln(w)
	return walk(root.ID, 0)
}

func loadIndex(objs []*rtld.Object, id uint64) int {
	for i, o := range objs {
		if o.ID == id {
			return i
		}
	}
	return len(objs)
}

func Main(args []string) {
	c := cmd.NewRtldCmd("ldd", "<exe> [exe...]")
	syms := c.Flags.Bool("syms", false, "list each object's exported symbols")
	deps := c.Flags.Bool("tree", false, "print the dependency tree")
	c.Extra = []string{"syms", "tree"}
	files := c.Parse(args, os.Environ())
	if len(files) == 0 {
		c.Flags.Usage()
		c.Exit(1)
	}
	c.Config.ListOnly = true
	st := models.Status{Color: c.Config.Color}
	out := colorable.NewColorableStdout()
	if !c.Config.Color {
		out = os.Stdout
	}
	status := 0
	for _, exe := range files {
		ctx, release, err := c.NewContext(exe, cmd.SimBackend)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", exe, st.Missing(err.Error()))
			status = 1
			continue
		}
		if _, err := ctx.LoadProgram(exe); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", exe, st.Missing(err.Error()))
			status = 1
		} else {
			List(out, ctx, exe, st, Options{Syms: *syms, Tree: *deps})
		}
		ctx.Shutdown()
		release()
	}
	c.Exit(status)
}

func init() { cmd.Register("ldd", "list dynamic dependencies", Main) }
