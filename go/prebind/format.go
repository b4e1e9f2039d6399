// Package prebind reads and writes the prebind trailer: a table of cached
// symbol resolutions appended to an executable or library (or kept in a
// sidecar file when the object is not writable), stamped with random
// identity words so a rebuilt object invalidates every cache naming it.
package prebind

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	Version = 3
	BindID  = "PREB"
)

var (
	ErrNoTrailer = errors.New("no prebind trailer")
	ErrCorrupt   = errors.New("corrupt prebind trailer")
)

var order = binary.LittleEndian

// footer sits at the very end of the file.
type footer struct {
	PrebindBase   uint64
	NameIdxOff    uint32
	NumLibs       uint32
	NameTabOff    uint32
	NameTabSize   uint32
	SymCacheOff   uint32
	SymCacheCount uint32
	PLTCacheOff   uint32
	PLTCacheCount uint32
	FixupOff      uint32
	FixupCount    uint32
	FixupEntOff   uint32
	FixupEntCount uint32
	LibMapOff     uint32
	LibMapCount   uint32
	LibMapEntOff  uint32
	LibMapEntCnt  uint32
	PrebindSize   uint32
	ID0, ID1      uint32
	OrigSize      uint64
	OrigSum       uint64
	Version       uint32
	BindID        string `struc:"[4]byte"`
}

type nameIdx struct {
	NameOff  uint32
	ID0, ID1 uint32
}

type symCache struct {
	Idx    uint32
	ObjIdx uint32
	SymIdx uint32
}

type fixupDir struct {
	Lib   uint32
	PLT   uint32
	Off   uint32
	Count uint32
}

type libMapDir struct {
	Lib   uint32
	Off   uint32
	Count uint32
}

var footerSize, nameIdxSize, symCacheSize, fixupDirSize, libMapDirSize int

func init() {
	for _, s := range []struct {
		n *int
		v interface{}
	}{
		{&footerSize, &footer{}},
		{&nameIdxSize, &nameIdx{}},
		{&symCacheSize, &symCache{}},
		{&fixupDirSize, &fixupDir{}},
		{&libMapDirSize, &libMapDir{}},
	} {
		n, err := struc.Sizeof(s.v)
		if err != nil {
			panic(err)
		}
		*s.n = n
	}
}

// Name identifies one object of a prebound load by position.
type Name struct {
	Name     string
	ID0, ID1 uint32
}

// Absent is the ObjIdx of a weak reference that resolved to nothing.
const Absent = ^uint32(0)

// Entry records that symbol Idx of the owning object resolved to symbol
// SymIdx of the object at position ObjIdx.
type Entry struct {
	Idx    uint32
	ObjIdx uint32
	SymIdx uint32
}

// Fixup overrides a library's standalone entries where the executable's
// load resolves them differently. Lib is the library's load position.
type Fixup struct {
	Lib     uint32
	PLT     bool
	Entries []Entry
}

// LibMap translates a library's standalone positions to executable positions.
type LibMap struct {
	Lib uint32
	Map []uint32
}

type Data struct {
	ID0, ID1 uint32
	// file size without the trailer, and a checksum of those bytes
	OrigSize uint64
	OrigSum  uint64

	Names    []Name
	SymCache []Entry
	PLTCache []Entry
	Fixups   []Fixup
	LibMaps  []LibMap
}

// NewIDs returns a fresh random identity stamp.
func NewIDs() (uint32, uint32, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, 0, errors.Wrap(err, "generating prebind id")
	}
	return order.Uint32(buf[:]), order.Uint32(buf[4:]), nil
}

// FixupsFor returns the fixup entries recorded for the library at pos.
func (d *Data) FixupsFor(pos uint32, plt bool) []Entry {
	for _, f := range d.Fixups {
		if f.Lib == pos && f.PLT == plt {
			return f.Entries
		}
	}
	return nil
}

func (d *Data) LibMapFor(pos uint32) ([]uint32, bool) {
	for _, m := range d.LibMaps {
		if m.Lib == pos {
			return m.Map, true
		}
	}
	return nil, false
}
