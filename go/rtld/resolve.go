package rtld

import (
	"debug/elf"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/trace"
)

type Scope int

const (
	// the global search list, then the requester's load group
	ScopeAll Scope = iota
	// the requester only
	ScopeSelf
	// everything ScopeAll searches except the requester
	ScopeOther
	// entries of the ScopeAll list after the requester
	ScopeNext
)

type Flags uint8

const (
	// the reference comes from a PLT slot
	FlagPLT Flags = 1 << iota
)

// searchList builds the ScopeAll list for ref.
func (c *Context) searchList(ref *Object) []*Object {
	seen := make(map[*Object]bool)
	var list []*Object
	// only an object being unloaded, running its finalizers, still sees its
	// unloading dependencies
	dying := ref != nil && ref.unloading()
	add := func(objs []*Object) {
		for _, o := range objs {
			if !seen[o] && !o.Unloaded() && (dying || !o.unloading()) {
				seen[o] = true
				list = append(list, o)
			}
		}
	}
	if ref != nil && ref.Image.Symbolic() {
		add([]*Object{ref})
	}
	if c.root != nil {
		add(c.group(c.root))
	}
	for _, g := range c.globals {
		add(c.group(g))
	}
	if ref != nil {
		add(c.group(ref.groupRoot()))
	}
	return list
}

// Resolve finds the definition of name visible to ref.
func (c *Context) Resolve(name string, scope Scope, flags Flags, ref *Object) (*Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(name, scope, flags, ref)
}

func (c *Context) resolve(name string, scope Scope, flags Flags, ref *Object) (*Binding, error) {
	var list []*Object
	switch scope {
	case ScopeSelf:
		if ref != nil {
			list = []*Object{ref}
		}
	case ScopeAll, ScopeOther, ScopeNext:
		list = c.searchList(ref)
	default:
		return nil, errors.Errorf("bad scope %d", scope)
	}
	skip := scope == ScopeNext
	for _, obj := range list {
		if skip {
			skip = obj != ref
			continue
		}
		if scope == ScopeOther && obj == ref {
			continue
		}
		if idx, sym := findSymbol(obj, name, flags); sym != nil {
			return &Binding{Obj: obj, Sym: sym, SymIdx: idx}, nil
		}
	}
	return nil, errors.Wrap(models.ErrNotFound, name)
}

// findSymbol returns the first global or weak definition of name in obj.
func findSymbol(obj *Object, name string, flags Flags) (uint32, *loader.Symbol) {
	var found uint32
	obj.Image.Lookup(name, func(idx uint32) bool {
		s := &obj.Image.Syms[idx]
		if s.Name != name || !s.Exportable() {
			return false
		}
		if s.Undefined() {
			// an executable's canonical PLT stub is the function's address
			// for everything but PLT resolution
			if flags&FlagPLT != 0 || s.Value == 0 || s.Type() != elf.STT_FUNC {
				return false
			}
		}
		found = idx
		return true
	})
	if found == 0 {
		return 0, nil
	}
	return found, &obj.Image.Syms[found]
}

// Lookup resolves symbol idx of obj as referenced from a relocation,
// memoizing the result per object.
func (c *Context) Lookup(obj *Object, idx uint32, plt bool) (*Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(obj, idx, plt)
}

func (c *Context) lookup(obj *Object, idx uint32, plt bool) (*Binding, error) {
	if int(idx) >= len(obj.Image.Syms) {
		return nil, errors.Wrapf(models.ErrBadReloc, "%s: symbol index %d out of range", obj.Name, idx)
	}
	cache, flags := obj.symcache, Flags(0)
	if plt {
		cache, flags = obj.pltcache, FlagPLT
	}
	if b := cache[idx]; b != nil {
		c.traceResolve(obj, idx, b, flags, trace.FLAG_CACHED)
		return b, nil
	}
	sym := &obj.Image.Syms[idx]
	var b *Binding
	if idx == 0 || sym.Bind() == elf.STB_LOCAL {
		b = &Binding{Obj: obj, Sym: sym, SymIdx: idx}
	} else {
		found, err := c.resolve(sym.Name, ScopeAll, flags, obj)
		switch {
		case err == nil:
			b = found
		case errors.Cause(err) == models.ErrNotFound && sym.Bind() == elf.STB_WEAK:
			b = &Binding{}
		default:
			c.Log.WithFields(log.Fields{"object": obj.Name, "symbol": sym.Name}).Warn("undefined symbol")
			c.emit(&trace.Event{Kind: trace.EV_RESOLVE, Flags: traceFlags(flags) | trace.FLAG_MISSING,
				Obj: uint32(obj.ID), Index: idx, Name: sym.Name})
			return nil, errors.Wrap(err, obj.Name)
		}
	}
	cache[idx] = b
	c.groupRef(obj, b)
	c.traceResolve(obj, idx, b, flags, 0)
	return b, nil
}

// groupRef keeps a definition found outside the requester's load group
// loaded for as long as the requester's group is.
func (c *Context) groupRef(obj *Object, b *Binding) {
	if !b.Found() {
		return
	}
	req, def := obj.groupRoot(), b.Obj.groupRoot()
	if def == req || def == c.root || b.Obj == req || req.hasGroupRef(b.Obj) {
		return
	}
	req.groupRefs = append(req.groupRefs, b.Obj)
	b.Obj.refs.Group++
	c.Log.WithFields(log.Fields{"object": req.Name, "ref": b.Obj.Name}).Debug("group reference")
}
