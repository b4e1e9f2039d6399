package unicorn

import (
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
)

const (
	STACK_SIZE = 0x40000
	// emulation budget for a single initializer or finalizer
	CALL_TIMEOUT = 10 * 1000 * 1000 // usecs
)

// Executor runs guest functions on a Cpu, using a Space to reserve its
// stack and return page.
type Executor struct {
	Cpu   *Cpu
	Space models.AddressSpace
	Log   log.Interface

	once     sync.Once
	setupErr error
	stackTop uint64
	exit     uint64

	// set by a failing trampoline resolution to abort the running call
	hookErr error
}

func NewExecutor(cpu *Cpu, space models.AddressSpace) *Executor {
	return &Executor{Cpu: cpu, Space: space, Log: log.Log}
}

func (e *Executor) setup() error {
	e.once.Do(func() {
		stack, err := e.Space.Mmap(0, STACK_SIZE, mem.PROT_READ|mem.PROT_WRITE, false, "[stack]", nil)
		if err != nil {
			e.setupErr = errors.Wrap(err, "mapping emulator stack")
			return
		}
		e.stackTop = stack + STACK_SIZE
		// calls return here, emulation stops before it executes
		exit, err := e.Space.Mmap(0, e.Space.PageSize(), mem.PROT_READ|mem.PROT_EXEC, false, "[exit]", nil)
		if err != nil {
			e.setupErr = errors.Wrap(err, "mapping emulator exit page")
			return
		}
		e.exit = exit
	})
	return e.setupErr
}

func (e *Executor) ptrSize() uint64 {
	return uint64(e.Space.Bits() / 8)
}

func (e *Executor) pushReturn() error {
	info := e.Cpu.info
	sp := e.stackTop - info.frame
	ret := e.exit - info.retBias
	if info.lr < 0 {
		sp -= e.ptrSize()
		var buf [8]byte
		p, err := mem.PackUint(e.Space.ByteOrder(), int(e.ptrSize()), buf[:], e.exit)
		if err != nil {
			return err
		}
		if err := e.Cpu.MemWrite(sp, p); err != nil {
			return errors.Wrap(err, "writing return address")
		}
	} else if err := e.Cpu.RegWrite(info.lr, ret); err != nil {
		return errors.Wrap(err, "setting link register")
	}
	return e.Cpu.RegWrite(info.sp, sp-info.spBias)
}

// Call runs the function at addr until it returns.
func (e *Executor) Call(addr uint64) error {
	if err := e.setup(); err != nil {
		return err
	}
	if err := e.pushReturn(); err != nil {
		return err
	}
	e.hookErr = nil
	e.Log.WithField("addr", addr).Debug("call")
	err := e.Cpu.StartWithOptions(addr, e.exit, &uc.UcOptions{Timeout: CALL_TIMEOUT})
	if e.hookErr != nil {
		return e.hookErr
	}
	if err != nil {
		pc, _ := e.Cpu.RegRead(e.Cpu.info.pc)
		return errors.Wrapf(err, "call %#x faulted at %#x", addr, pc)
	}
	pc, err := e.Cpu.RegRead(e.Cpu.info.pc)
	if err != nil {
		return err
	}
	if pc != e.exit {
		return errors.Errorf("call %#x timed out at %#x", addr, pc)
	}
	return nil
}

// SetTrampoline diverts execution of addr to fn. The stub is entered with
// the object id on top of the stack and the slot index below it, as left by
// PLT0 and PLTn. The frame is popped and execution continues at the bound
// address, with the caller's return address still in place.
func (e *Executor) SetTrampoline(addr uint64, fn models.ResolverFunc) error {
	info := e.Cpu.info
	if !info.stackFrame {
		// callers bind these eagerly, see LazyCapable
		_, err := e.Cpu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
			e.hookErr = errors.Errorf("lazy binding trampoline reached at %#x, unsupported on this cpu", pc)
			mu.Stop()
		}, addr, addr)
		return errors.Wrap(err, "hooking trampoline")
	}
	ptr := e.ptrSize()
	order := e.Space.ByteOrder()
	// hlt, in case the hook is ever bypassed
	if err := e.Cpu.MemWrite(addr, []byte{0xf4}); err != nil {
		return errors.Wrap(err, "writing trampoline")
	}
	_, err := e.Cpu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, pc uint64, size uint32) {
		fail := func(err error) {
			e.hookErr = err
			mu.Stop()
		}
		sp, err := mu.RegRead(info.sp)
		if err != nil {
			fail(err)
			return
		}
		frame := make([]byte, 2*ptr)
		if err := mu.MemReadInto(frame, sp); err != nil {
			fail(errors.Wrap(err, "reading trampoline frame"))
			return
		}
		obj, _ := mem.UnpackUint(order, int(ptr), frame[:ptr])
		index, _ := mem.UnpackUint(order, int(ptr), frame[ptr:])
		target, err := fn(obj, index)
		if err != nil {
			fail(err)
			return
		}
		if err := mu.RegWrite(info.sp, sp+2*ptr); err != nil {
			fail(err)
			return
		}
		if err := mu.RegWrite(info.pc, target); err != nil {
			fail(err)
		}
	}, addr, addr)
	return errors.Wrap(err, "hooking trampoline")
}
