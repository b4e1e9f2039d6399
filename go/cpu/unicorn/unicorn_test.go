package unicorn

import (
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/arch/x86_64"
	"github.com/lunixbochs/rtld/go/loader/elfgen"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
	"github.com/lunixbochs/rtld/go/rtld"
	"github.com/lunixbochs/rtld/go/vm"
)

var quiet = &log.Logger{Handler: discard.New(), Level: log.ErrorLevel}

func setup(t *testing.T) (*Cpu, *vm.Space, *Executor) {
	cpu, err := New(x86_64.Arch)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cpu.Close() })
	space := vm.NewSpace(cpu, 64, binary.LittleEndian)
	e := NewExecutor(cpu, space)
	e.Log = quiet
	return cpu, space, e
}

func code(t *testing.T, space *vm.Space, p []byte) uint64 {
	addr, err := space.Mmap(0, uint64(len(p)), mem.PROT_READ|mem.PROT_EXEC, false, "code", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := space.MemWrite(addr, p); err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestCpuTable(t *testing.T) {
	for _, a := range arch.Arches() {
		info, ok := cpuTable[a.Machine]
		if !ok {
			t.Errorf("%s: no emulator entry", a)
			continue
		}
		if len(info.regs.RegNames()) == 0 {
			t.Errorf("%s: empty register set", a)
		}
	}
	if !LazyCapable(x86_64.Arch) {
		t.Error("x86_64 should support lazy binding")
	}
	sparc, _ := arch.ByName("sparc64")
	if sparc != nil && LazyCapable(sparc) {
		t.Error("sparc64 should bind eagerly")
	}
}

func TestCall(t *testing.T) {
	cpu, space, e := setup(t)
	// mov rax, 0x1234; ret
	fn := code(t, space, []byte{0x48, 0xc7, 0xc0, 0x34, 0x12, 0, 0, 0xc3})
	for i := 0; i < 2; i++ {
		if err := e.Call(fn); err != nil {
			t.Fatal(err)
		}
	}
	rax, err := cpu.ReturnValue()
	if err != nil {
		t.Fatal(err)
	}
	if rax != 0x1234 {
		t.Errorf("rax = %#x, want 0x1234", rax)
	}
	regs, err := cpu.RegDump()
	if err != nil {
		t.Fatal(err)
	}
	if len(regs) != len(cpu.RegSet().Regs) {
		t.Errorf("dumped %d registers, want %d", len(regs), len(cpu.RegSet().Regs))
	}
}

func TestCallFault(t *testing.T) {
	_, _, e := setup(t)
	if err := e.Call(0xdead0000); err == nil {
		t.Fatal("call into unmapped memory succeeded")
	}
}

func TestTrampolineFrame(t *testing.T) {
	cpu, space, e := setup(t)
	// mov rax, 0x77; ret
	target := code(t, space, []byte{0x48, 0xc7, 0xc0, 0x77, 0, 0, 0, 0xc3})
	tramp := code(t, space, make([]byte, 16))
	var gotObj, gotIndex uint64
	err := e.SetTrampoline(tramp, func(obj, index uint64) (uint64, error) {
		gotObj, gotIndex = obj, index
		return target, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// push 5; push 3; movabs rax, tramp; jmp rax
	p := []byte{0x6a, 0x05, 0x6a, 0x03, 0x48, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xe0}
	binary.LittleEndian.PutUint64(p[6:], tramp)
	caller := code(t, space, p)
	if err := e.Call(caller); err != nil {
		t.Fatal(err)
	}
	if gotObj != 3 || gotIndex != 5 {
		t.Errorf("frame = (%d, %d), want (3, 5)", gotObj, gotIndex)
	}
	if rax, _ := cpu.RegRead(uc.X86_REG_RAX); rax != 0x77 {
		t.Errorf("rax = %#x, want 0x77", rax)
	}
}

// A lazily bound PLT call runs through the real stubs, the trampoline and
// the bind gate, then later calls go straight through the patched slot.
func TestLazyCallThroughPLT(t *testing.T) {
	dir := t.TempDir()
	lib := &elfgen.Builder{
		Arch:    x86_64.Arch,
		Soname:  "libx.so",
		Exports: []elfgen.Export{{Name: "f", Kind: elf.STT_FUNC}, {Name: "g", Kind: elf.STT_FUNC}},
	}
	libLayout, err := lib.WriteFile(filepath.Join(dir, "libx.so"))
	if err != nil {
		t.Fatal(err)
	}
	prog := &elfgen.Builder{Arch: x86_64.Arch, Type: elf.ET_EXEC, Needed: []string{"libx.so"}, PLT: []string{"g"}}
	exe, err := prog.WriteFile(filepath.Join(dir, "prog"))
	if err != nil {
		t.Fatal(err)
	}

	cpu, space, e := setup(t)
	cfg := (&models.Config{SearchDirs: []string{dir}}).Init()
	c, err := rtld.NewContext(cfg, space, rtld.WithArch(x86_64.Arch), rtld.WithExecutor(e), rtld.WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadProgram(filepath.Join(dir, "prog")); err != nil {
		t.Fatalf("%+v", err)
	}
	libx := c.Find("libx.so")
	want := libx.Addr(libLayout.Syms["g"])
	for i := 0; i < 2; i++ {
		if err := e.Call(exe.PLTStubs["g"]); err != nil {
			t.Fatal(err)
		}
		// g is the second export stub, it returns its ordinal
		if rax, _ := cpu.RegRead(uc.X86_REG_RAX); rax != 2 {
			t.Errorf("call %d: rax = %d, want 2", i, rax)
		}
		slot, err := space.ReadUint(exe.GOTSlots["g"], 8)
		if err != nil {
			t.Fatal(err)
		}
		if slot != want {
			t.Errorf("call %d: slot = %#x, want %#x", i, slot, want)
		}
	}
}
