package rtld

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/prebind"
)

// Status bits are monotonic; once set they stay set.
type Status uint32

const (
	StatusRelocDone Status = 1 << iota
	StatusGOTDone
	StatusInitDone
	StatusFiniDone
	StatusFiniReady
	StatusUnloaded
	StatusNoDelete
	StatusGroupCacheValid
	// unreachable and waiting for its finalizers before being freed
	StatusUnloading
)

var statusNames = []string{"reloc", "got", "init", "fini", "fini-ready", "unloaded", "nodelete", "grpsym", "unloading"}

func (s Status) String() string {
	var names []string
	for i, name := range statusNames {
		if s&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}

type State int

const (
	StateDiscovered State = iota
	StateMapped
	StateLinked
	StateRelocated
	StateInitialized
	StateTraced
	StateFiniReady
	StateUnloaded
)

var stateNames = [...]string{"discovered", "mapped", "linked", "relocated", "initialized", "traced", "fini-ready", "unloaded"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Refs counts the three kinds of references keeping an object loaded.
type Refs struct {
	// parents naming this object in DT_NEEDED
	Dep int
	// outstanding Open handles
	Open int
	// load groups referencing this object from outside its own group
	Group int
}

func (r Refs) Total() int { return r.Dep + r.Open + r.Group }

// Object is one loaded module.
type Object struct {
	ID       uint64
	Name     string
	Path     string
	Dev, Ino uint64
	Base     uint64
	Segments []models.LoadSegment
	Image    *loader.Image

	status Status
	state  State
	refs   Refs

	children  []*Object
	parents   []*Object
	groupRefs []*Object
	// root of the load group that pulled this object in
	group *Object

	symcache []*Binding
	pltcache []*Binding
	lazyDone []bool
	lazyVal  []uint64

	bindAddr, bindSize uint64
}

// Pseudo-handles accepted by Context.Sym.
var (
	Default = &Object{Name: "RTLD_DEFAULT"}
	Next    = &Object{Name: "RTLD_NEXT"}
)

func newObject(id uint64, img *loader.Image, base uint64, segs []models.LoadSegment) *Object {
	obj := &Object{
		ID:       id,
		Name:     img.Name(),
		Path:     img.Path,
		Dev:      img.Dev,
		Ino:      img.Ino,
		Base:     base,
		Segments: segs,
		Image:    img,
		state:    StateMapped,
		symcache: make([]*Binding, len(img.Syms)),
		pltcache: make([]*Binding, len(img.Syms)),
		lazyDone: make([]bool, len(img.PLTRels)),
		lazyVal:  make([]uint64, len(img.PLTRels)),
	}
	if img.NoDelete() {
		obj.status |= StatusNoDelete
	}
	return obj
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%#x", o.Name, o.Base)
}

func (o *Object) Status() Status { return o.status }
func (o *Object) State() State   { return o.state }
func (o *Object) Refs() Refs     { return o.refs }

func (o *Object) Children() []*Object {
	return append([]*Object(nil), o.children...)
}

func (o *Object) Parents() []*Object {
	return append([]*Object(nil), o.parents...)
}

func (o *Object) Unloaded() bool { return o.status&StatusUnloaded != 0 }

func (o *Object) unloading() bool { return o.status&StatusUnloading != 0 }

// groupRoot is the object whose Open or LoadProgram mapped o.
func (o *Object) groupRoot() *Object {
	if o.group == nil {
		return o
	}
	return o.group
}

func (o *Object) IsExec() bool { return o.Image.Type == elf.ET_EXEC }

// Addr converts a link-time address to its loaded address.
func (o *Object) Addr(vaddr uint64) uint64 { return o.Base + vaddr }

// Contains reports whether addr falls inside one of the object's segments.
func (o *Object) Contains(addr uint64) bool {
	for _, s := range o.Segments {
		if s.Contains(addr) {
			return true
		}
	}
	return false
}

// Exports lists the object's defined global symbols at their loaded addresses.
func (o *Object) Exports() []models.Symbol {
	var ret []models.Symbol
	for i := range o.Image.Syms {
		sym := &o.Image.Syms[i]
		if sym.Undefined() || !sym.Exportable() || sym.Name == "" {
			continue
		}
		b := Binding{Obj: o, Sym: sym}
		ret = append(ret, models.Symbol{
			Name:   sym.Name,
			Value:  b.Addr(),
			Size:   sym.Size,
			Object: o.Name,
			Weak:   sym.Bind() == elf.STB_WEAK,
		})
	}
	return ret
}

func (o *Object) setState(s State) {
	if s > o.state {
		o.state = s
	}
}

func (o *Object) hasChild(c *Object) bool {
	for _, ch := range o.children {
		if ch == c {
			return true
		}
	}
	return false
}

func (o *Object) hasGroupRef(c *Object) bool {
	for _, g := range o.groupRefs {
		if g == c {
			return true
		}
	}
	return false
}

// Binding is the result of resolving one symbol reference. A Binding with
// no Obj records a weak reference that resolved to nothing.
type Binding struct {
	Obj    *Object
	Sym    *loader.Symbol
	SymIdx uint32
}

func (b *Binding) Found() bool { return b != nil && b.Obj != nil }

func (b *Binding) Addr() uint64 {
	if !b.Found() {
		return 0
	}
	if b.Sym.Section == elf.SHN_ABS {
		return b.Sym.Value
	}
	return b.Obj.Base + b.Sym.Value
}

func (b *Binding) String() string {
	if !b.Found() {
		return "<absent>"
	}
	return fmt.Sprintf("%s:%s=%#x", b.Obj.Name, b.Sym.Name, b.Addr())
}

// prebound is the state of one validated prebind load, held until relocation ends.
type prebound struct {
	files []*prebind.File
}

func (p *prebound) close() {
	for _, f := range p.files {
		if f != nil {
			f.Close()
		}
	}
	p.files = nil
}
