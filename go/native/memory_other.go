//go:build !linux

package native

import (
	"github.com/pkg/errors"
)

var errUnsupported = errors.New("host memory backend is only available on linux")

type Memory struct{}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) MemMapProt(addr, size uint64, prot int) error { return errUnsupported }
func (m *Memory) MemProt(addr, size uint64, prot int) error    { return errUnsupported }
func (m *Memory) MemUnmap(addr, size uint64) error             { return errUnsupported }
func (m *Memory) MemReadInto(p []byte, addr uint64) error      { return errUnsupported }
func (m *Memory) MemWrite(addr uint64, p []byte) error         { return errUnsupported }
