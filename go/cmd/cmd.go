package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/rtld"
	"github.com/lunixbochs/rtld/go/trace"
	"github.com/lunixbochs/rtld/go/vm"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// Backend builds the address space a Context loads into, plus any options
// (executor, memory-backed allocator) it needs.
type Backend func(a *models.Arch) (space *vm.Space, opts []rtld.Option, release func(), err error)

// SimBackend loads into simulated memory. Nothing can execute there.
func SimBackend(a *models.Arch) (*vm.Space, []rtld.Option, func(), error) {
	return vm.NewSimSpace(uint(a.Bits), a.Order), nil, func() {}, nil
}

type RtldCmd struct {
	Config *models.Config
	Flags  *flag.FlagSet
	// subcommand flags, listed under their own heading
	Extra []string
	Args  string

	cpuprofile string
}

func NewRtldCmd(name, args string) *RtldCmd {
	return &RtldCmd{Flags: flag.NewFlagSet(name, flag.ExitOnError), Args: args}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func (c *RtldCmd) PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if err, ok := err.(stackTracer); ok {
		// parse full path and method name for each stack frame
		var frames [][]string
		for _, f := range err.StackTrace() {
			fullpath := ""
			fileline := fmt.Sprintf("%s:%d", f, f)
			method := fmt.Sprintf("%n", f)

			frame := fmt.Sprintf("%+s", f)
			tmp := strings.SplitN(frame, "\n", 3)
			if len(tmp) == 2 {
				pathsplit := strings.Split(tmp[0], "/")
				method = pathsplit[len(pathsplit)-1]
				fullpath = strings.TrimSpace(tmp[1])
			}
			frames = append(frames, []string{fullpath, fileline, method})
			if method == "main.main" {
				break
			}
		}
		// calculate column widths
		widths := make([]int, 3)
		for _, f := range frames {
			for i, s := range f {
				if len(s) > widths[i] {
					widths[i] = len(s)
				}
			}
		}
		// print pretty stacktrace
		for _, f := range frames {
			method := f[2]
			for i := 0; i < 2; i++ {
				if widths[i] > 0 {
					pad := strings.Repeat(" ", widths[i]-len(f[i]))
					fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
				}
			}
			fmt.Fprintf(os.Stderr, "%s()\n", method)
		}
	}
}

// Parse reads the common flags over the LD_ environment into c.Config,
// installs the log handler and returns the positional arguments.
func (c *RtldCmd) Parse(argv, env []string) []string {
	fs := c.Flags
	verbose := fs.Bool("v", false, "verbose output")
	prefix := fs.String("prefix", "", "library load prefix")
	bindnow := fs.Bool("bindnow", false, "resolve every PLT slot at load time (LD_BIND_NOW)")
	traceRes := fs.Bool("trace", false, "log every symbol resolution, lazy binds do not patch (LD_TRACE)")
	noprebind := fs.Bool("noprebind", false, "ignore prebind data (LD_NOPREBIND)")
	tracefile := fs.String("to", "", "binary resolution trace output file (LD_TRACE_FILE)")
	color := fs.Bool("color", isatty.IsTerminal(os.Stdout.Fd()), "colorize output")
	var libs strslice
	fs.Var(&libs, "L", "append library search directory")
	fs.StringVar(&c.cpuprofile, "cpuprofile", "", "write cpu profile to <file>")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] %s\n\nOptions:\n", fs.Name(), c.Args)
		var flags []*flag.Flag
		var extra []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) {
			for _, name := range c.Extra {
				if name == f.Name {
					extra = append(extra, f)
					return
				}
			}
			flags = append(flags, f)
		})
		models.PrintFlags(os.Stderr, 80, flags)
		if len(extra) > 0 {
			fmt.Fprintf(os.Stderr, "\n%s options:\n", fs.Name())
			models.PrintFlags(os.Stderr, 80, extra)
		}
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n  LD_LIBRARY_PATH LD_BIND_NOW LD_TRACE LD_NOPREBIND LD_TRACE_FILE LD_DEBUG\n")
	}
	fs.Parse(argv[1:])

	config := &models.Config{}
	if err := config.ParseEnv(env); err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
	if *prefix != "" {
		abs, err := filepath.Abs(*prefix)
		if err != nil {
			c.PrintError(errors.WithStack(err))
			os.Exit(1)
		}
		config.LoadPrefix = abs
	}
	config.BindNow = config.BindNow || models.EnvFlag(*bindnow)
	config.Trace = config.Trace || models.EnvFlag(*traceRes)
	config.NoPrebind = config.NoPrebind || models.EnvFlag(*noprebind)
	if *tracefile != "" {
		config.TraceFile = *tracefile
	}
	config.SearchDirs = append(append([]string(nil), libs...), models.DefaultSearchDirs...)
	config.Color = *color
	config.Verbose = *verbose
	c.Config = config.Init()

	log.SetHandler(cli.New(colorable.NewColorableStderr()))
	if *verbose || bool(config.Debug) {
		log.SetLevel(log.DebugLevel)
	}

	if c.cpuprofile != "" {
		f, err := os.Create(c.cpuprofile)
		if err != nil {
			c.PrintError(errors.WithStack(err))
			os.Exit(1)
		}
		pprof.StartCPUProfile(f)
	}
	return fs.Args()
}

// Teardown stops profiling. It won't run on os.Exit(), so call it first.
func (c *RtldCmd) Teardown() {
	if c.cpuprofile != "" {
		pprof.StopCPUProfile()
	}
}

// Exit tears down and exits with status.
func (c *RtldCmd) Exit(status int) {
	c.Teardown()
	os.Exit(status)
}

// NewContext builds a loader context for exe on backend. The architecture
// comes from the executable's header.
func (c *RtldCmd) NewContext(exe string, backend Backend) (*rtld.Context, func(), error) {
	f, err := rtld.OpenProgram(c.Config, exe)
	if err != nil {
		return nil, nil, err
	}
	a, err := arch.GetArch(f.Machine)
	f.Close()
	if err != nil {
		return nil, nil, errors.Wrap(err, exe)
	}
	space, opts, closer, err := backend(a)
	if err != nil {
		return nil, nil, err
	}
	opts = append(opts, rtld.WithArch(a), rtld.WithLogger(log.Log))
	if c.Config.TraceFile != "" {
		out, err := os.Create(c.Config.TraceFile)
		if err != nil {
			closer()
			return nil, nil, errors.WithStack(err)
		}
		w, err := trace.NewWriter(out, a.Name, a.Order)
		if err != nil {
			out.Close()
			closer()
			return nil, nil, err
		}
		opts = append(opts, rtld.WithTrace(w))
	}
	ctx, err := rtld.NewContext(c.Config, space, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return ctx, closer, nil
}
