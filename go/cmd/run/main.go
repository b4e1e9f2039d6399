package run

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/cmd"
	"github.com/lunixbochs/rtld/go/cpu/unicorn"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/native"
	"github.com/lunixbochs/rtld/go/rtld"
	"github.com/lunixbochs/rtld/go/vm"
)

type emulator struct {
	cpu  *unicorn.Cpu
	exec *unicorn.Executor
}

// backend loads into a unicorn instance, which also runs initializers,
// finalizers and lazy binding.
func (e *emulator) backend(a *models.Arch) (*vm.Space, []rtld.Option, func(), error) {
	u, err := unicorn.New(a)
	if err != nil {
		return nil, nil, nil, err
	}
	space := vm.NewSpace(u, uint(a.Bits), a.Order)
	e.cpu, e.exec = u, unicorn.NewExecutor(u, space)
	return space, []rtld.Option{rtld.WithExecutor(e.exec)}, func() { u.Close() }, nil
}

// host maps objects into this process without running them.
func host(a *models.Arch) (*vm.Space, []rtld.Option, func(), error) {
	return vm.NewSpace(native.NewMemory(), uint(a.Bits), a.Order), nil, func() {}, nil
}

func Main(args []string) {
	c := cmd.NewRtldCmd("run", "<exe> [symbol...]")
	useHost := c.Flags.Bool("native", false, "map into this process instead of the emulator (host arch only, nothing executes)")
	regs := c.Flags.Bool("regs", false, "dump registers after each call")
	c.Extra = []string{"native", "regs"}
	args = c.Parse(args, os.Environ())
	if len(args) < 1 {
		c.Flags.Usage()
		c.Exit(1)
	}
	exe := args[0]
	// check permissions
	if stat, err := os.Stat(exe); err != nil {
		c.PrintError(errors.WithStack(err))
		c.Exit(1)
	} else if stat.Mode().Perm()&0111 == 0 {
		c.PrintError(errors.Errorf("%s: permission denied (no execute bit)", exe))
		c.Exit(1)
	}

	emu := &emulator{}
	backend := emu.backend
	if *useHost {
		backend = host
	}
	ctx, release, err := c.NewContext(exe, backend)
	if err != nil {
		c.PrintError(err)
		c.Exit(1)
	}
	if emu.exec != nil && !unicorn.LazyCapable(ctx.Arch) {
		log.WithField("arch", ctx.Arch.Name).Debug("no lazy binding trampoline, binding eagerly")
		c.Config.BindNow = true
	}
	err = run(ctx, emu, exe, args[1:], *regs)
	release()
	if err != nil {
		c.PrintError(err)
		c.Exit(1)
	}
	c.Exit(0)
}

func run(ctx *rtld.Context, emu *emulator, exe string, syms []string, regs bool) error {
	root, err := ctx.LoadProgram(exe)
	if err != nil {
		return err
	}
	if err := ctx.Start(); err != nil {
		return err
	}
	log.WithField("entry", fmt.Sprintf("%#x", root.Addr(root.Image.Entry))).Info("loaded")
	for _, name := range syms {
		addr, err := ctx.Sym(rtld.Default, name, root)
		if err != nil {
			return err
		}
		if emu.exec == nil {
			fmt.Printf("%s = %#x\n", name, addr)
			continue
		}
		if err := emu.exec.Call(addr); err != nil {
			return errors.Wrap(err, name)
		}
		ret, err := emu.cpu.ReturnValue()
		if err != nil {
			return err
		}
		fmt.Printf("%s() = %#x\n", name, ret)
		if regs {
			vals, err := emu.cpu.RegDump()
			if err != nil {
				return err
			}
			for _, r := range vals {
				fmt.Printf("  %-4s %#x\n", r.Name, r.Val)
			}
		}
	}
	return ctx.Shutdown()
}

func init() {
	cmd.Register("run", "load a program, run its initializers and call exported functions", Main)
}
