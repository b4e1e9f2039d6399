package rtld

import (
	"sort"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/prebind"
	"github.com/lunixbochs/rtld/go/vm"
)

// newScratchContext returns a Context over a fresh simulated address space
// sized for the object at path.
func newScratchContext(cfg *models.Config, path string, opts ...Option) (*Context, error) {
	f, err := OpenProgram(cfg, path)
	if err != nil {
		return nil, err
	}
	a, err := arch.GetArch(f.Machine)
	f.Close()
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	space := vm.NewSimSpace(uint(a.Bits), a.Order)
	return NewContext(cfg, space, append(opts, WithArch(a))...)
}

func positions(objs []*Object) map[*Object]uint32 {
	pos := make(map[*Object]uint32, len(objs))
	for i, o := range objs {
		pos[o] = uint32(i)
	}
	return pos
}

func cacheEntries(pos map[*Object]uint32, cache []*Binding) []prebind.Entry {
	var ents []prebind.Entry
	for idx, b := range cache {
		if b == nil || idx == 0 {
			continue
		}
		e := prebind.Entry{Idx: uint32(idx), ObjIdx: prebind.Absent}
		if b.Found() {
			p, ok := pos[b.Obj]
			if !ok {
				continue
			}
			e.ObjIdx, e.SymIdx = p, b.SymIdx
		}
		ents = append(ents, e)
	}
	return ents
}

type standalone struct {
	paths []string
	data  *prebind.Data
	// entries keyed by symbol index, in standalone positions
	sym, plt map[uint32]prebind.Entry
}

func entryMap(ents []prebind.Entry) map[uint32]prebind.Entry {
	m := make(map[uint32]prebind.Entry, len(ents))
	for _, e := range ents {
		m[e.Idx] = e
	}
	return m
}

// Prebind resolves every program in progs and each library they load, then
// records the results as prebind trailers. Libraries are resolved on their
// own so one trailer serves every program; a program's trailer maps library
// positions into its own load and overrides the entries its load resolves
// differently.
func Prebind(cfg *models.Config, progs []string, opts ...Option) error {
	scratch := *cfg
	scratch.NoPrebind, scratch.BindNow, scratch.AllowUndefined = true, true, true
	scratch.Trace, scratch.ListOnly = false, false

	type program struct {
		path string
		objs []*Object
	}
	var runs []program
	libs := make(map[string]*standalone)
	for _, path := range progs {
		ctx, err := newScratchContext(&scratch, path, opts...)
		if err != nil {
			return err
		}
		if _, err := ctx.LoadProgram(path); err != nil {
			return errors.Wrapf(err, "prebinding %s", path)
		}
		objs := ctx.Objects()
		runs = append(runs, program{path: objs[0].Path, objs: objs})
		for _, o := range objs[1:] {
			if libs[o.Path] == nil {
				libs[o.Path] = &standalone{}
			}
		}
	}

	libPaths := make([]string, 0, len(libs))
	for path := range libs {
		libPaths = append(libPaths, path)
	}
	sort.Strings(libPaths)
	for _, path := range libPaths {
		ctx, err := newScratchContext(&scratch, path, opts...)
		if err != nil {
			return err
		}
		if _, err := ctx.LoadProgram(path); err != nil {
			return errors.Wrapf(err, "prebinding %s", path)
		}
		objs := ctx.Objects()
		id0, id1, err := prebind.NewIDs()
		if err != nil {
			return err
		}
		pos := positions(objs)
		lib := libs[path]
		lib.data = &prebind.Data{
			ID0:      id0,
			ID1:      id1,
			SymCache: cacheEntries(pos, objs[0].symcache),
			PLTCache: cacheEntries(pos, objs[0].pltcache),
		}
		for _, o := range objs {
			lib.paths = append(lib.paths, o.Path)
		}
		lib.sym, lib.plt = entryMap(lib.data.SymCache), entryMap(lib.data.PLTCache)
	}

	for _, path := range libPaths {
		if err := prebind.Write(path, libs[path].data); err != nil {
			return errors.Wrapf(err, "writing prebind data for %s", path)
		}
	}
	for _, run := range runs {
		d, err := programData(run.objs, libs)
		if err != nil {
			return err
		}
		if err := prebind.Write(run.path, d); err != nil {
			return errors.Wrapf(err, "writing prebind data for %s", run.path)
		}
		log.WithFields(log.Fields{"program": run.path, "objects": len(run.objs), "fixups": len(d.Fixups)}).Info("prebound")
	}
	return nil
}

func programData(objs []*Object, libs map[string]*standalone) (*prebind.Data, error) {
	id0, id1, err := prebind.NewIDs()
	if err != nil {
		return nil, err
	}
	pos := positions(objs)
	byPath := make(map[string]uint32, len(objs))
	for i, o := range objs {
		byPath[o.Path] = uint32(i)
	}
	d := &prebind.Data{
		ID0:      id0,
		ID1:      id1,
		SymCache: cacheEntries(pos, objs[0].symcache),
		PLTCache: cacheEntries(pos, objs[0].pltcache),
	}
	d.Names = append(d.Names, prebind.Name{Name: objs[0].Name, ID0: id0, ID1: id1})
	for i := 1; i < len(objs); i++ {
		o := objs[i]
		lib := libs[o.Path]
		d.Names = append(d.Names, prebind.Name{Name: o.Name, ID0: lib.data.ID0, ID1: lib.data.ID1})
		m := make([]uint32, len(lib.paths))
		for j, p := range lib.paths {
			if at, ok := byPath[p]; ok {
				m[j] = at
			} else {
				m[j] = prebind.Absent
			}
		}
		d.LibMaps = append(d.LibMaps, prebind.LibMap{Lib: uint32(i), Map: m})
		for _, plt := range []bool{false, true} {
			cache, std := o.symcache, lib.sym
			if plt {
				cache, std = o.pltcache, lib.plt
			}
			var fix []prebind.Entry
			for _, e := range cacheEntries(pos, cache) {
				s, ok := std[e.Idx]
				if ok && s.ObjIdx != prebind.Absent {
					s.ObjIdx = m[s.ObjIdx]
				}
				if !ok || s != e {
					fix = append(fix, e)
				}
			}
			if len(fix) > 0 {
				d.Fixups = append(d.Fixups, prebind.Fixup{Lib: uint32(i), PLT: plt, Entries: fix})
			}
		}
	}
	return d, nil
}

// StripPrebind removes prebind trailers from each program and its libraries.
func StripPrebind(cfg *models.Config, progs []string, opts ...Option) error {
	scratch := *cfg
	scratch.NoPrebind, scratch.AllowUndefined, scratch.ListOnly = true, true, true
	for _, path := range progs {
		ctx, err := newScratchContext(&scratch, path, opts...)
		if err != nil {
			return err
		}
		if _, err := ctx.LoadProgram(path); err != nil {
			return errors.Wrapf(err, "loading %s", path)
		}
		for _, o := range ctx.Objects() {
			if err := prebind.Strip(o.Path); err != nil {
				return errors.Wrapf(err, "stripping %s", o.Path)
			}
		}
	}
	return nil
}
