package models

import (
	"testing"
)

func TestRelocMerge(t *testing.T) {
	tests := []struct {
		desc       RelocDesc
		old, value uint64
		want       uint64
	}{
		{RelocDesc{Size: 8}, 0xdeadbeef, 0x1122334455667788, 0x1122334455667788},
		{RelocDesc{Size: 4}, 0xffffffff00000000, 0x1234, 0xffffffff00001234},
		{RelocDesc{Size: 4, Shift: 2, Mask: 0x3fffffff}, 0x40000000, 0x100, 0x40000040},
		{RelocDesc{Size: 4, Shift: 10, Mask: 0x3fffff}, 0x03000000, 0x12345678, 0x03048d15},
		{RelocDesc{Size: 2}, 0xabcd0000, 0x1ffff, 0xabcdffff},
	}
	for i, test := range tests {
		if got := test.desc.Merge(test.old, test.value); got != test.want {
			t.Errorf("%d: Merge(%#x, %#x) = %#x, want %#x", i, test.old, test.value, got, test.want)
		}
	}
}

func TestRelocTableLookup(t *testing.T) {
	table := RelocTable{
		0: {Name: "NONE", Flags: RelocValid},
		2: {Name: "ABS", Flags: RelocValid | RelocSymbol | RelocAddend, Size: 8},
	}
	if _, ok := table.Lookup(0); !ok {
		t.Error("NONE should be valid")
	}
	if _, ok := table.Lookup(1); ok {
		t.Error("hole in table should be invalid")
	}
	if d, ok := table.Lookup(2); !ok || !d.Has(RelocSymbol|RelocAddend) {
		t.Error("ABS lookup failed")
	}
	if _, ok := table.Lookup(3); ok {
		t.Error("type past end of table should be invalid")
	}
	if _, ok := table.Lookup(^uint32(0)); ok {
		t.Error("huge type should be invalid")
	}
}
