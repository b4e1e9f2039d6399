package rtld

import (
	"debug/elf"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
	"github.com/lunixbochs/rtld/go/trace"
	"github.com/lunixbochs/rtld/go/vm"
)

// window makes pages writable on demand for one relocation run and restores
// their protection when closed.
type window struct {
	space *vm.Space
	saved map[uint64]int
	order []uint64
}

func (c *Context) window() *window {
	return &window{space: c.space, saved: make(map[uint64]int)}
}

func (w *window) widen(addr, size uint64) error {
	page := w.space.PageSize()
	for p := addr &^ (page - 1); p < addr+size; p += page {
		if _, ok := w.saved[p]; ok {
			continue
		}
		prot, ok := w.space.ProtAt(p)
		if !ok {
			return errors.WithStack(&mem.MemError{Addr: addr, Size: int(size), Enum: mem.MEM_WRITE_UNMAPPED})
		}
		if prot&mem.PROT_WRITE != 0 {
			continue
		}
		if err := w.space.MemProt(p, page, prot|mem.PROT_WRITE); err != nil {
			return err
		}
		w.saved[p] = prot
		w.order = append(w.order, p)
	}
	return nil
}

// patch stores value into the field d describes at where.
func (w *window) patch(where uint64, d *models.RelocDesc, old, value uint64) error {
	if err := w.widen(where, uint64(d.Size)); err != nil {
		return err
	}
	return w.space.WriteUint(where, d.Size, d.Merge(old, value))
}

func (w *window) write(addr uint64, p []byte) error {
	if err := w.widen(addr, uint64(len(p))); err != nil {
		return err
	}
	return w.space.WriteProt(addr, p, mem.PROT_WRITE)
}

func (w *window) close() error {
	var first error
	for _, p := range w.order {
		if err := w.space.MemProt(p, w.space.PageSize(), w.saved[p]); err != nil && first == nil {
			first = err
		}
	}
	w.order = nil
	return first
}

// run applies fn inside a fresh window.
func (c *Context) run(fn func(w *window) error) error {
	w := c.window()
	err := fn(w)
	if cerr := w.close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Context) badReloc(obj *Object, r *loader.Reloc) error {
	err := errors.Wrapf(models.ErrBadReloc, "%s: type %d at %#x", obj.Name, r.Type, r.Offset)
	c.fatal(err)
	return err
}

// relocate applies all of obj's relocations. Unresolved strong references
// are counted and reported as an *UnresolvedError after every entry has been
// tried; any other failure stops immediately.
func (c *Context) relocate(obj *Object, bindNow bool) error {
	if obj.status&StatusRelocDone != 0 {
		return nil
	}
	img := obj.Image
	lead := img.RelCount
	if lead == 0 {
		for lead < len(img.Rels) && img.Rels[lead].Type == c.Arch.Types.Relative {
			lead++
		}
	}
	if lead > len(img.Rels) {
		lead = len(img.Rels)
	}
	err := c.run(func(w *window) error { return c.applyRelative(obj, img.Rels[:lead], w) })
	if err != nil {
		return err
	}
	var fails int
	err = c.run(func(w *window) error {
		var err error
		fails, err = c.applyRelocs(obj, img.Rels[lead:], false, w)
		return err
	})
	if err != nil {
		return err
	}
	if c.lazyEligible(obj, bindNow) {
		err = c.run(func(w *window) error { return c.initLazy(obj, w) })
	} else {
		err = c.run(func(w *window) error {
			n, err := c.applyRelocs(obj, img.PLTRels, true, w)
			fails += n
			return err
		})
	}
	if err != nil {
		return err
	}
	obj.status |= StatusRelocDone
	obj.setState(StateRelocated)
	c.Log.WithFields(log.Fields{"object": obj.Name, "relative": lead, "rels": len(img.Rels) - lead, "plt": len(img.PLTRels)}).
		Debug("relocated")
	if fails > 0 {
		return &UnresolvedError{Object: obj.Name, Count: fails}
	}
	return nil
}

// applyRelative handles the leading run of RELATIVE entries, which need no
// symbol lookup.
func (c *Context) applyRelative(obj *Object, rels []loader.Reloc, w *window) error {
	d, ok := c.Arch.Relocs.Lookup(c.Arch.Types.Relative)
	if !ok {
		return errors.Errorf("%s has no RELATIVE relocation", c.Arch)
	}
	for i := range rels {
		r := &rels[i]
		if r.Type != c.Arch.Types.Relative {
			if err := c.apply(obj, r, false, w); err != nil {
				return err
			}
			continue
		}
		where := obj.Addr(r.Offset)
		old, err := c.space.ReadUint(where, d.Size)
		if err != nil {
			return err
		}
		addend := uint64(r.Addend)
		if !r.HasAddend {
			addend = d.Addend(old)
		}
		if err := w.patch(where, d, old, obj.Base+addend); err != nil {
			return err
		}
	}
	return nil
}

func (c *Context) applyRelocs(obj *Object, rels []loader.Reloc, plt bool, w *window) (int, error) {
	var fails int
	for i := range rels {
		err := c.apply(obj, &rels[i], plt, w)
		if err != nil {
			if errors.Cause(err) != models.ErrNotFound {
				return fails, err
			}
			fails++
		}
	}
	return fails, nil
}

// apply computes and stores one relocation:
//
//	value = S + A [- P] [+ base]
func (c *Context) apply(obj *Object, r *loader.Reloc, plt bool, w *window) error {
	d, ok := c.Arch.Relocs.Lookup(r.Type)
	if !ok {
		return c.badReloc(obj, r)
	}
	if r.Type == c.Arch.Types.None {
		return nil
	}
	if d.Has(models.RelocCopy) {
		return c.copyReloc(obj, r, w)
	}
	if d.Size == 0 {
		return c.badReloc(obj, r)
	}
	where := obj.Addr(r.Offset)
	old, err := c.space.ReadUint(where, d.Size)
	if err != nil {
		return errors.Wrapf(err, "%s: relocation at %#x", obj.Name, r.Offset)
	}
	var value uint64
	if d.Has(models.RelocAddend) {
		if r.HasAddend {
			value = uint64(r.Addend)
		} else {
			value = d.Addend(old)
		}
	}
	if d.Has(models.RelocSymbol) && r.Sym != 0 {
		b, err := c.lookup(obj, r.Sym, plt)
		if err != nil {
			if errors.Cause(err) == models.ErrBadReloc {
				c.fatal(err)
			}
			return err
		}
		value += b.Addr()
	}
	if d.Has(models.RelocPCRel) {
		value -= where
	}
	if d.Has(models.RelocBaseRel) {
		value += obj.Base
	}
	return w.patch(where, d, old, value)
}

// copyReloc copies the bytes of the first definition outside obj into obj.
func (c *Context) copyReloc(obj *Object, r *loader.Reloc, w *window) error {
	if int(r.Sym) >= len(obj.Image.Syms) || r.Sym == 0 {
		return c.badReloc(obj, r)
	}
	sym := &obj.Image.Syms[r.Sym]
	b, err := c.resolve(sym.Name, ScopeOther, 0, obj)
	if err != nil {
		if sym.Bind() == elf.STB_WEAK {
			return nil
		}
		c.Log.WithFields(log.Fields{"object": obj.Name, "symbol": sym.Name}).Warn("undefined symbol for copy relocation")
		return errors.Wrap(err, obj.Name)
	}
	size := sym.Size
	if b.Sym.Size != size {
		c.Log.WithFields(log.Fields{
			"object": obj.Name,
			"symbol": sym.Name,
			"size":   size,
			"def":    b.Obj.Name,
			"defsz":  b.Sym.Size,
		}).Warn("copy relocation size mismatch")
		if b.Sym.Size < size {
			size = b.Sym.Size
		}
	}
	data, err := c.space.MemRead(b.Addr(), size)
	if err != nil {
		return err
	}
	c.emit(&trace.Event{Kind: trace.EV_COPY, Obj: uint32(obj.ID), Index: r.Sym, DefObj: uint32(b.Obj.ID),
		Value: b.Addr(), Name: sym.Name, Def: b.Obj.Name})
	return w.write(obj.Addr(r.Offset), data)
}

func (c *Context) lazyEligible(obj *Object, bindNow bool) bool {
	img := obj.Image
	return c.Arch.LazyGOT && !bindNow && !bool(c.Config.BindNow) && !img.BindNow() &&
		img.PLTGOT != 0 && len(img.PLTRels) > 0
}

// initLazy points obj's PLT slots at their stubs' resolver entry and fills
// GOT[1] with the object id and GOT[2] with the trampoline. The slot range
// becomes writable through the bind supervisor.
func (c *Context) initLazy(obj *Object, w *window) error {
	ptr := c.Arch.PtrSize()
	word := &models.RelocDesc{Name: "word", Flags: models.RelocValid, Size: ptr}
	lo, hi := ^uint64(0), uint64(0)
	for i := range obj.Image.PLTRels {
		r := &obj.Image.PLTRels[i]
		if r.Type != c.Arch.Types.JumpSlot {
			return c.badReloc(obj, r)
		}
		where := obj.Addr(r.Offset)
		old, err := c.space.ReadUint(where, ptr)
		if err != nil {
			return err
		}
		if err := w.patch(where, word, old, old+obj.Base); err != nil {
			return err
		}
		if where < lo {
			lo = where
		}
		if where+uint64(ptr) > hi {
			hi = where + uint64(ptr)
		}
	}
	got := obj.Addr(obj.Image.PLTGOT)
	if err := w.patch(got+uint64(ptr), word, 0, obj.ID); err != nil {
		return err
	}
	if err := w.patch(got+2*uint64(ptr), word, 0, c.trampoline); err != nil {
		return err
	}
	if err := c.binder.Permit(c.cookie, lo, hi-lo); err != nil {
		return errors.Wrapf(err, "%s: permitting lazy binding", obj.Name)
	}
	obj.bindAddr, obj.bindSize = lo, hi-lo
	obj.status |= StatusGOTDone
	return nil
}
