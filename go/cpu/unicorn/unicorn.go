package unicorn

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/rtld/go/models"
)

// Cpu is an emulated processor. Its guest memory doubles as a models.Memory
// backend, so a vm.Space built on it maps objects straight into the emulator.
type Cpu struct {
	uc.Unicorn
	info *cpuInfo
}

func New(a *models.Arch) (*Cpu, error) {
	info, ok := cpuTable[a.Machine]
	if !ok {
		return nil, errors.Errorf("no emulator support for %s", a)
	}
	u, err := uc.NewUnicorn(info.arch, info.mode)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	return &Cpu{Unicorn: u, info: info}, nil
}

func (u *Cpu) Backend() interface{} {
	return u.Unicorn
}

// RegSet names the general purpose registers of this CPU.
func (u *Cpu) RegSet() *models.RegSet {
	return u.info.regs
}

func (u *Cpu) RegDump() ([]models.RegVal, error) {
	return u.info.regs.RegDump(u)
}

// ReturnValue reads the register holding a function's integer result.
func (u *Cpu) ReturnValue() (uint64, error) {
	return u.RegRead(u.info.ret)
}

func (u *Cpu) MemMapProt(addr, size uint64, prot int) error {
	return u.Unicorn.MemMapProt(addr, size, prot)
}

func (u *Cpu) MemProt(addr, size uint64, prot int) error {
	return u.Unicorn.MemProtect(addr, size, prot)
}

func (u *Cpu) MemUnmap(addr, size uint64) error {
	return u.Unicorn.MemUnmap(addr, size)
}

func (u *Cpu) MemReadInto(p []byte, addr uint64) error {
	return u.Unicorn.MemReadInto(p, addr)
}

func (u *Cpu) MemWrite(addr uint64, p []byte) error {
	return u.Unicorn.MemWrite(addr, p)
}

func (u *Cpu) Close() error {
	return u.Unicorn.Close()
}
