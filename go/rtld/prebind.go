package rtld

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/prebind"
)

type cacheFill struct {
	cache []*Binding
	idx   uint32
	b     *Binding
}

// replayPrebind seeds symbol caches from the prebind trailers of objs, which
// are in load order. Either every object's trailer matches the executable's
// record and every cached entry is applied, or nothing is.
func (c *Context) replayPrebind(objs []*Object) {
	files := make([]*prebind.File, len(objs))
	pb := &prebound{files: files}
	var g errgroup.Group
	for i, o := range objs {
		i, path := i, o.Path
		g.Go(func() error {
			f, err := prebind.Open(path)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		pb.close()
		if errors.Cause(err) == prebind.ErrNoTrailer {
			c.Log.WithError(err).Debug("no prebind data")
		} else {
			c.Log.WithError(err).Warn("ignoring prebind data")
		}
		return
	}
	fills, err := c.prebindFills(objs, files)
	if err != nil {
		pb.close()
		c.Log.WithError(err).Warn("prebind data does not match loaded objects, resolving symbols")
		return
	}
	for _, f := range fills {
		f.cache[f.idx] = f.b
	}
	c.prebind = pb
	c.prebound = true
	c.Log.WithFields(log.Fields{"program": objs[0].Name, "entries": len(fills)}).Debug("prebind replayed")
}

func (c *Context) releasePrebind() {
	if c.prebind != nil {
		c.prebind.close()
		c.prebind = nil
	}
}

func (c *Context) prebindFills(objs []*Object, files []*prebind.File) ([]cacheFill, error) {
	exe := files[0].Data
	if len(exe.Names) != len(objs) {
		return nil, errors.Wrapf(models.ErrPrebindMismatch, "%d objects recorded, %d loaded", len(exe.Names), len(objs))
	}
	for i, o := range objs {
		n := exe.Names[i]
		if n.Name != o.Name {
			return nil, errors.Wrapf(models.ErrPrebindMismatch, "position %d: recorded %s, loaded %s", i, n.Name, o.Name)
		}
		if f := files[i]; f.ID0 != n.ID0 || f.ID1 != n.ID1 {
			return nil, errors.Wrapf(models.ErrPrebindMismatch, "%s: identity changed", o.Name)
		}
	}
	var fills []cacheFill
	add := func(owner *Object, plt bool, ents []prebind.Entry, posMap []uint32) error {
		cache := owner.symcache
		if plt {
			cache = owner.pltcache
		}
		for _, e := range ents {
			if int(e.Idx) >= len(cache) {
				return errors.Wrapf(models.ErrPrebindMismatch, "%s: symbol %d out of range", owner.Name, e.Idx)
			}
			pos := e.ObjIdx
			if posMap != nil && pos != prebind.Absent {
				if int(pos) >= len(posMap) {
					return errors.Wrapf(models.ErrPrebindMismatch, "%s: library position %d out of range", owner.Name, pos)
				}
				pos = posMap[pos]
			}
			b, err := prebindBinding(objs, pos, e.SymIdx)
			if err != nil {
				return errors.Wrap(err, owner.Name)
			}
			if b.Found() && b.Sym.Name != owner.Image.Syms[e.Idx].Name {
				return errors.Wrapf(models.ErrPrebindMismatch, "%s: %s recorded as %s",
					owner.Name, owner.Image.Syms[e.Idx].Name, b.Sym.Name)
			}
			fills = append(fills, cacheFill{cache: cache, idx: e.Idx, b: b})
		}
		return nil
	}
	root := objs[0]
	if err := add(root, false, exe.SymCache, nil); err != nil {
		return nil, err
	}
	if err := add(root, true, exe.PLTCache, nil); err != nil {
		return nil, err
	}
	for i := 1; i < len(objs); i++ {
		lib := files[i].Data
		posMap, ok := exe.LibMapFor(uint32(i))
		if !ok {
			return nil, errors.Wrapf(models.ErrPrebindMismatch, "%s: no library map", objs[i].Name)
		}
		for _, plt := range []bool{false, true} {
			ents := lib.SymCache
			if plt {
				ents = lib.PLTCache
			}
			if err := add(objs[i], plt, ents, posMap); err != nil {
				return nil, err
			}
			// executable-specific overrides
			if err := add(objs[i], plt, exe.FixupsFor(uint32(i), plt), nil); err != nil {
				return nil, err
			}
		}
	}
	return fills, nil
}

func prebindBinding(objs []*Object, pos, symIdx uint32) (*Binding, error) {
	if pos == prebind.Absent {
		return &Binding{}, nil
	}
	if int(pos) >= len(objs) {
		return nil, errors.Wrapf(models.ErrPrebindMismatch, "object position %d out of range", pos)
	}
	def := objs[pos]
	if int(symIdx) >= len(def.Image.Syms) {
		return nil, errors.Wrapf(models.ErrPrebindMismatch, "%s: symbol %d out of range", def.Name, symIdx)
	}
	return &Binding{Obj: def, Sym: &def.Image.Syms[symIdx], SymIdx: symIdx}, nil
}
