package models

type Symbol struct {
	Name   string
	Value  uint64
	Size   uint64
	Object string
	Weak   bool
}

func (s Symbol) Contains(addr uint64) bool {
	return s.Value <= addr && (s.Value+s.Size > addr || s.Size == 0)
}
