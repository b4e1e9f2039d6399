package arch

import (
	"debug/elf"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch/arm"
	"github.com/lunixbochs/rtld/go/arch/arm64"
	"github.com/lunixbochs/rtld/go/arch/sparc64"
	"github.com/lunixbochs/rtld/go/arch/x86"
	"github.com/lunixbochs/rtld/go/arch/x86_64"
	"github.com/lunixbochs/rtld/go/models"
)

var archMap = map[elf.Machine]*models.Arch{
	elf.EM_ARM:     arm.Arch,
	elf.EM_AARCH64: arm64.Arch,
	elf.EM_SPARCV9: sparc64.Arch,
	elf.EM_386:     x86.Arch,
	elf.EM_X86_64:  x86_64.Arch,
}

func GetArch(machine elf.Machine) (*models.Arch, error) {
	a, ok := archMap[machine]
	if !ok {
		return nil, errors.Wrapf(models.ErrWrongArch, "no relocation support for %s", machine)
	}
	return a, nil
}

func ByName(name string) (*models.Arch, error) {
	for _, a := range archMap {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, errors.Errorf("Arch '%s' not found.", name)
}

// Arches lists supported architectures in natural name order.
func Arches() []*models.Arch {
	ret := make([]*models.Arch, 0, len(archMap))
	for _, a := range archMap {
		ret = append(ret, a)
	}
	sort.Slice(ret, func(i, j int) bool { return sortorder.NaturalLess(ret[i].Name, ret[j].Name) })
	return ret
}
