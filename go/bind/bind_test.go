package bind

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
	"github.com/lunixbochs/rtld/go/vm"
)

func setup(t *testing.T) (*Supervisor, *vm.Space, uint64) {
	space := vm.NewSimSpace(64, binary.LittleEndian)
	if err := space.MemMapProt(0x1000, 0x2000, mem.PROT_READ); err != nil {
		t.Fatal(err)
	}
	s := New(space, nil)
	cookie, err := s.Register()
	if err != nil {
		t.Fatal(err)
	}
	return s, space, cookie
}

func TestCommit(t *testing.T) {
	s, space, cookie := setup(t)
	if err := s.Permit(cookie, 0x1010, 0x20); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(0x1018, []byte{1, 2, 3, 4, 5, 6, 7, 8}, cookie); err != nil {
		t.Fatal(err)
	}
	v, _ := space.ReadUint(0x1018, 8)
	if v != 0x0807060504030201 {
		t.Errorf("bad value %#x", v)
	}
	if prot, _ := space.ProtAt(0x1018); prot != mem.PROT_READ {
		t.Errorf("protection not restored: %s", mem.ProtString(prot))
	}
}

func TestCommitDenied(t *testing.T) {
	s, space, cookie := setup(t)
	s.Permit(cookie, 0x1010, 0x20)
	tests := []struct {
		name   string
		addr   uint64
		size   int
		cookie uint64
	}{
		{"outside", 0x1100, 8, cookie},
		{"straddles end", 0x102c, 8, cookie},
		{"before start", 0x100c, 8, cookie},
		{"forged cookie", 0x1010, 8, cookie ^ 1},
		{"wraps", ^uint64(0) - 3, 8, cookie},
	}
	for _, test := range tests {
		err := s.Commit(test.addr, make([]byte, test.size), test.cookie)
		if errors.Cause(err) != models.ErrBindDenied {
			t.Errorf("%s: expected denial, got %v", test.name, err)
		}
	}
	if v, _ := space.ReadUint(0x1010, 8); v != 0 {
		t.Error("denied write reached memory")
	}
}

func TestRevoke(t *testing.T) {
	s, _, cookie := setup(t)
	s.Permit(cookie, 0x1000, 0x100)
	if err := s.Revoke(cookie, 0x1000, 0x100); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(0x1000, []byte{1}, cookie); errors.Cause(err) != models.ErrBindDenied {
		t.Errorf("commit after revoke: %v", err)
	}
	if err := s.Revoke(cookie, 0x1000, 0x100); err == nil {
		t.Error("double revoke should fail")
	}
}

func TestCookiesDistinct(t *testing.T) {
	s, _, a := setup(t)
	b, _ := s.Register()
	if a == b || a == 0 || b == 0 {
		t.Fatalf("bad cookies %#x %#x", a, b)
	}
	s.Permit(a, 0x1000, 0x10)
	if err := s.Commit(0x1000, []byte{1}, b); errors.Cause(err) != models.ErrBindDenied {
		t.Errorf("cookie b used cookie a's region: %v", err)
	}
}

func TestCommitAcrossPages(t *testing.T) {
	s, space, cookie := setup(t)
	s.Permit(cookie, 0x1000, 0x2000)
	if err := space.MemProt(0x2000, 0x1000, mem.PROT_READ|mem.PROT_EXEC); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(0x1ffc, []byte{1, 2, 3, 4, 5, 6, 7, 8}, cookie); err != nil {
		t.Fatal(err)
	}
	if prot, _ := space.ProtAt(0x1ffc); prot != mem.PROT_READ {
		t.Errorf("first page prot %s", mem.ProtString(prot))
	}
	if prot, _ := space.ProtAt(0x2000); prot != mem.PROT_READ|mem.PROT_EXEC {
		t.Errorf("second page prot %s", mem.ProtString(prot))
	}
	v, _ := space.ReadUint(0x1ffc, 8)
	if v != 0x0807060504030201 {
		t.Errorf("bad value %#x", v)
	}
}
