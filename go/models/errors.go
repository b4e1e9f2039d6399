package models

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound        = errors.New("symbol not found")
	ErrBadMagic        = errors.New("not an ELF file")
	ErrWrongArch       = errors.New("wrong architecture")
	ErrNotShared       = errors.New("not a shared object")
	ErrCannotLoad      = errors.New("cannot load object")
	ErrBindDenied      = errors.New("bind denied")
	ErrReentrant       = errors.New("reentrant allocator call")
	ErrBadReloc        = errors.New("invalid relocation")
	ErrPrebindMismatch = errors.New("prebind cache mismatch")
	ErrNoDynamic       = errors.New("object has no dynamic section")
)
