package rtld

import (
	"debug/elf"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/dominikbraun/graph"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/trace"
)

// candidates lists the paths tried for name, in order.
func (c *Context) candidates(name string, requester *Object) []string {
	if strings.Contains(name, "/") {
		return []string{c.Config.PrefixPath(name, false)}
	}
	var rpath []string
	if requester != nil {
		rpath = requester.Image.RunPath
		if len(rpath) == 0 {
			rpath = requester.Image.RPath
		}
	}
	dirs := c.Config.Search(rpath)
	paths := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		paths = append(paths, c.Config.PrefixPath(filepath.Join(dir, name), false))
	}
	return paths
}

func (c *Context) openFile(name string, requester *Object) (*loader.File, error) {
	var lastErr error
	for _, path := range c.candidates(name, requester) {
		f, err := loader.Open(path)
		if err == nil {
			if err = c.checkImage(f.Image, true); err == nil {
				return f, nil
			}
			f.Close()
		}
		if !os.IsNotExist(errors.Cause(err)) {
			c.Log.WithError(err).WithField("path", path).Debug("skipping candidate")
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errors.Wrap(models.ErrNotFound, name)
}

func (c *Context) checkImage(img *loader.Image, lib bool) error {
	if img.Machine != c.Arch.Machine || img.Class != c.Arch.Class {
		return errors.Wrapf(models.ErrWrongArch, "%s: %s/%s, want %s", img.Path, img.Machine, img.Class, c.Arch)
	}
	if lib && img.Type != elf.ET_DYN {
		return errors.Wrapf(models.ErrNotShared, "%s: %s", img.Path, img.Type)
	}
	return nil
}

func (c *Context) findFile(dev, ino uint64) *Object {
	for _, o := range c.objects {
		if o.Dev == dev && o.Ino == ino && !o.unloading() {
			return o
		}
	}
	return nil
}

// load maps name unless a file with the same identity is already loaded.
func (c *Context) load(name string, requester *Object) (*Object, bool, error) {
	f, err := c.openFile(name, requester)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()
	if obj := c.findFile(f.Dev, f.Ino); obj != nil {
		return obj, false, nil
	}
	obj, err := c.mapFile(f)
	return obj, err == nil, err
}

func (c *Context) mapFile(f *loader.File) (*Object, error) {
	base, segs, err := c.mapper.Map(&models.MapRequest{
		Name:  f.Path,
		File:  f,
		Progs: f.Progs,
		Fixed: f.Type == elf.ET_EXEC,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", f.Path)
	}
	obj := newObject(c.nextID, f.Image, base, segs)
	c.nextID++
	c.objects = append(c.objects, obj)
	c.byID[obj.ID] = obj
	c.Log.WithFields(log.Fields{"object": obj.Name, "path": obj.Path, "base": hex(base)}).Debug("mapped")
	c.emit(&trace.Event{Kind: trace.EV_LOAD, Obj: uint32(obj.ID), Value: base, Name: obj.Path})
	return obj, nil
}

// link records that parent depends on child.
func (c *Context) link(parent, child *Object) {
	parent.children = append(parent.children, child)
	child.parents = append(child.parents, parent)
	child.refs.Dep++
	c.invalidateGroups()
}

// loadDeps loads the transitive DT_NEEDED closure of root breadth first and
// returns the objects it mapped, root first when root is new.
func (c *Context) loadDeps(root *Object, rootNew bool) ([]*Object, error) {
	var added []*Object
	if rootNew {
		added = append(added, root)
	}
	queue := []*Object{root}
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]
		for _, name := range obj.Image.Needed {
			child, isNew, err := c.load(name, obj)
			if err != nil {
				return added, errors.Wrapf(models.ErrCannotLoad, "%s (needed by %s): %v", name, obj.Name, err)
			}
			if isNew {
				child.group = root
				added = append(added, child)
				queue = append(queue, child)
			} else if root != c.root && child.group != root && !root.hasGroupRef(child) {
				// already loaded by another group
				root.groupRefs = append(root.groupRefs, child)
				child.refs.Group++
			}
			c.link(obj, child)
		}
		obj.setState(StateLinked)
	}
	return added, nil
}

// group returns root's load group in breadth-first order.
func (c *Context) group(root *Object) []*Object {
	if list, ok := c.groups.Get(root.ID); ok && root.status&StatusGroupCacheValid != 0 {
		return list
	}
	seen := map[*Object]bool{root: true}
	list := []*Object{root}
	for i := 0; i < len(list); i++ {
		for _, ch := range list[i].children {
			if !seen[ch] {
				seen[ch] = true
				list = append(list, ch)
			}
		}
	}
	c.groups.Add(root.ID, list)
	root.status |= StatusGroupCacheValid
	return list
}

func (c *Context) invalidateGroups() {
	c.groups.Purge()
	for _, o := range c.objects {
		o.status &^= StatusGroupCacheValid
	}
}

// reachable marks every object still referenced from a root: the program,
// objects with open handles, objects that may never be unloaded and objects
// whose finalizers are still running.
func (c *Context) reachable() (map[uint64]bool, error) {
	g := graph.New(func(o *Object) uint64 { return o.ID }, graph.Directed())
	for _, o := range c.objects {
		if err := g.AddVertex(o); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	for _, o := range c.objects {
		for _, to := range append(o.Children(), o.groupRefs...) {
			// duplicate DT_NEEDED entries are legal
			if err := g.AddEdge(o.ID, to.ID); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, errors.WithStack(err)
			}
		}
	}
	reach := make(map[uint64]bool)
	for _, o := range c.objects {
		if o != c.root && o.refs.Open == 0 && o.status&StatusNoDelete == 0 && !o.unloading() {
			continue
		}
		if reach[o.ID] {
			continue
		}
		err := graph.DFS(g, o.ID, func(id uint64) bool {
			reach[id] = true
			return false
		})
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return reach, nil
}

// collect returns the objects no longer reachable from any root, in reverse
// load order, and marks them unloading. Objects an earlier collect already
// claimed are left to it.
func (c *Context) collect() ([]*Object, error) {
	reach, err := c.reachable()
	if err != nil {
		return nil, err
	}
	var dead []*Object
	for i := len(c.objects) - 1; i >= 0; i-- {
		if o := c.objects[i]; !reach[o.ID] && !o.unloading() {
			o.status |= StatusUnloading
			dead = append(dead, o)
		}
	}
	if len(dead) > 0 {
		c.invalidateGroups()
	}
	return dead, nil
}

func (c *Context) decRef(o *Object, n *int, kind string) {
	*n--
	if *n < 0 {
		c.fatal(errors.Errorf("%s: %s reference count underflow", o.Name, kind))
	}
}

// unlink drops every edge o holds.
func (c *Context) unlink(o *Object) {
	for _, ch := range o.children {
		c.decRef(ch, &ch.refs.Dep, "dependency")
		ch.parents = removeObject(ch.parents, o)
	}
	for _, ref := range o.groupRefs {
		c.decRef(ref, &ref.refs.Group, "group")
	}
	o.children = nil
	o.groupRefs = nil
}

// unmap releases an unlinked object's memory and forgets it.
func (c *Context) unmap(o *Object) error {
	if o.refs.Total() != 0 {
		c.Log.WithFields(log.Fields{"object": o.Name, "dep": o.refs.Dep, "open": o.refs.Open, "group": o.refs.Group}).
			Warn("unloading object with references")
	}
	if o.bindSize != 0 {
		if err := c.binder.Revoke(c.cookie, o.bindAddr, o.bindSize); err != nil {
			return err
		}
	}
	if err := c.mapper.Unmap(o.Segments); err != nil {
		return errors.Wrapf(err, "unmapping %s", o.Name)
	}
	c.objects = removeObject(c.objects, o)
	c.globals = removeObject(c.globals, o)
	c.initDone = removeObject(c.initDone, o)
	delete(c.byID, o.ID)
	o.status |= StatusUnloaded
	o.setState(StateUnloaded)
	c.invalidateGroups()
	c.Log.WithField("object", o.Name).Debug("unloaded")
	c.emit(&trace.Event{Kind: trace.EV_UNLOAD, Obj: uint32(o.ID), Value: o.Base, Name: o.Path})
	return nil
}

// release runs finalizers for dead objects, then unlinks and frees them.
// The objects were marked unloading by collect, so nothing loaded while the
// finalizers run can take a reference to them. Dependencies they held are
// collected once they are gone.
func (c *Context) release(dead []*Object) error {
	for len(dead) > 0 {
		if err := c.runFini(dead); err != nil {
			return err
		}
		var err error
		if dead, err = c.free(dead); err != nil {
			return err
		}
	}
	return nil
}

// free unlinks and frees dead, and returns what became unreachable.
func (c *Context) free(dead []*Object) ([]*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	isDead := make(map[*Object]bool, len(dead))
	for _, o := range dead {
		isDead[o] = true
		c.unlink(o)
	}
	for _, o := range c.objects {
		// survivors of a closed group now search from themselves
		if !isDead[o] && isDead[o.groupRoot()] {
			o.group = o
		}
	}
	for _, o := range dead {
		if err := c.unmap(o); err != nil {
			return nil, err
		}
	}
	return c.collect()
}

// discard frees objects mapped by a failed load. They have never run.
func (c *Context) discard(added []*Object) {
	for _, o := range added {
		c.unlink(o)
	}
	for _, o := range added {
		for _, p := range o.parents {
			p.children = removeObject(p.children, o)
		}
		o.refs = Refs{}
		if err := c.unmap(o); err != nil {
			c.Log.WithError(err).WithField("object", o.Name).Warn("discarding object")
		}
	}
}

func removeObject(list []*Object, o *Object) []*Object {
	out := list[:0]
	for _, x := range list {
		if x != o {
			out = append(out, x)
		}
	}
	return out
}
