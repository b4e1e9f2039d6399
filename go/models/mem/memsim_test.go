package mem

import (
	"bytes"
	"testing"
)

// this shouldn't repeat much at width
func pattern(len int) []byte {
	p := make([]byte, len)
	width := 8
	for i := range p {
		cycle := i / width
		p[i] = byte(cycle*width*i + i)
	}
	return p
}

// table of overlap tests for an 0x1100-0x1200 region
// {start, end, should_error}
var overlapTable = [][]uint64{
	{0x1000, 0x1100, 0},
	{0x1000, 0x1050, 0},
	{0x1000, 0x1200, 1},
	{0x1000, 0x1250, 1},
	{0x1100, 0x1150, 1},
	{0x1100, 0x1200, 1},
	{0x1100, 0x1250, 1},
	{0x1150, 0x1200, 1},
	{0x1150, 0x1250, 1},
	{0x1200, 0x1250, 0},
}

func BenchmarkMemSimWrite(b *testing.B) {
	m := &MemSim{}
	m.Map(0x1000, 0x100000, 0, true, true)
	p := make([]byte, 4)
	for i := 0; i < b.N; i++ {
		m.Write(0x1000+uint64(i*4)&0xfffff, p, 0)
	}
}

func TestMemSim(t *testing.T) {
	m := &MemSim{}
	m.Map(0x1000, 0x1000, 0, false, true)

	b := pattern(0x1000)
	c := make([]byte, len(b))
	if err := m.Write(0x1000, b, 0); err != nil {
		t.Fatal(err, "write failed")
	} else if err := m.Read(0x1000, c, 0); err != nil {
		t.Fatal(err, "read failed")
	} else if !bytes.Equal(b, c) {
		t.Fatal("read/write inconsistent")
	}

	// unmaps 0x1100-0x1200
	m.Unmap(0x1100, 0x100)

	if err := m.Read(0x1000, c[:0x100], 0); err != nil {
		t.Error("failed to read left-adjacent memory after unmap")
	} else if !bytes.Equal(b[:0x100], c[:0x100]) {
		t.Error("left-adjacent memory corruption after unmap")
	}
	if err := m.Read(0x1200, c[:0x100], 0); err != nil {
		t.Error("failed to read right-adjacent memory after unmap")
	} else if !bytes.Equal(b[0x200:0x300], c[:0x100]) {
		t.Error("right-adjacent memory corruption after unmap")
	}

	for _, region := range overlapTable {
		p := make([]byte, region[1]-region[0])
		if err := m.Read(region[0], p, 0); err == nil && region[2] == 1 || err != nil && region[2] == 0 {
			t.Errorf("read_unmapped(%#x, %#x) bad error value: %v", region[0], region[1], err)
		}
		if err := m.Write(region[0], p, 0); err == nil && region[2] == 1 || err != nil && region[2] == 0 {
			t.Errorf("write_unmapped(%#x, %#x) bad error value: %v", region[0], region[1], err)
		}
	}

	// io across multiple adjacent maps
	m = &MemSim{}
	m.Map(0x1000, 0x1000, 0, false, true)
	m.Map(0x2000, 0x1000, 0, false, true)
	m.Map(0x3000, 0x1000, 0, false, true)

	b = pattern(0x3000)
	c = make([]byte, len(b))
	if err := m.Write(0x1000, b, 0); err != nil {
		t.Error(err, "while writing multiple adjacent maps")
	} else if err := m.Read(0x1000, c, 0); err != nil {
		t.Error(err, "while reading multiple adjacent maps")
	} else if !bytes.Equal(b, c) {
		t.Error("memory corruption when reading multiple adjacent maps")
	}
}

func TestMemSimRemap(t *testing.T) {
	m := &MemSim{}
	b := pattern(0x10000)
	m.Map(0x1000, 0x10000, 0, false, true)
	if err := m.Write(0x1000, b, 0); err != nil {
		t.Fatal(err)
	}
	m.Map(0x1000, 0x10000, 0, false, true)
	c := make([]byte, len(b))
	if err := m.Read(0x1000, c, 0); err != nil {
		t.Error(err, "while reading zero=false remap")
	} else if !bytes.Equal(b, c) {
		t.Error("memory inconsistent when remapping with zero=false")
	}

	m.Map(0x2000, 0x1000, 0, true, true)
	copy(b[0x1000:0x2000], make([]byte, 0x1000))
	if err := m.Read(0x1000, c, 0); err != nil {
		t.Error(err, "while reading zero=true remap")
	} else if !bytes.Equal(b, c) {
		t.Error("memory inconsistent when remapping with zero=true")
	}
}

func TestMemSimProt(t *testing.T) {
	m := &MemSim{}
	m.Map(0x1000, 0x3000, PROT_READ, true, true)
	if err := m.Write(0x2000, []byte{1}, PROT_WRITE); err == nil {
		t.Fatal("write to read-only page succeeded")
	} else if merr, ok := err.(*MemError); !ok || merr.Enum != MEM_WRITE_PROT {
		t.Fatalf("wrong error: %v", err)
	}
	m.Prot(0x2000, 0x1000, PROT_READ|PROT_WRITE)
	if len(m.Mem) != 3 {
		t.Fatalf("expected prot to split into 3 regions, got:\n%s", m.Mem)
	}
	if err := m.Write(0x2000, []byte{1, 2, 3}, PROT_WRITE); err != nil {
		t.Fatal(err)
	}
	// the write straddles a read-only neighbor
	if err := m.Write(0x2fff, []byte{1, 2}, PROT_WRITE); err == nil {
		t.Fatal("write across protection boundary succeeded")
	}
	m.Prot(0x2000, 0x1000, PROT_READ)
	p := make([]byte, 3)
	if err := m.Read(0x2000, p, PROT_READ); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(p, []byte{1, 2, 3}) {
		t.Fatal("data lost across prot change")
	}
}

func TestMemSimDescriptorOnly(t *testing.T) {
	m := &MemSim{}
	m.Map(0x10000, 0x4000, PROT_READ|PROT_EXEC, true, false)
	m.Prot(0x11000, 0x1000, PROT_READ)
	m.Unmap(0x12000, 0x1000)
	if len(m.Mem) != 3 {
		t.Fatalf("unexpected layout:\n%s", m.Mem)
	}
	if ok, _ := m.RangeValid(0x10000, 0x2000, 0); !ok {
		t.Error("left regions should still be mapped")
	}
	if ok, _ := m.RangeValid(0x12000, 0x10, 0); ok {
		t.Error("unmapped hole reported as mapped")
	}
	if _, prot := m.RangeValid(0x10000, 0x2000, PROT_EXEC); prot {
		t.Error("exec check should fail over the re-protected page")
	}
}
