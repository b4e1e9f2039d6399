package rtld

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
)

type OpenFlags int

const (
	RTLD_LAZY OpenFlags = 1 << iota
	RTLD_NOW
	// add the object's group to the global search list
	RTLD_GLOBAL
	// never unload the object
	RTLD_NODELETE
	// only return an object that is already loaded
	RTLD_NOLOAD
)

func (c *Context) findLoaded(path string) *Object {
	f, err := c.openFile(path, c.root)
	if err != nil {
		return nil
	}
	defer f.Close()
	return c.findFile(f.Dev, f.Ino)
}

// Open loads path and its dependencies into a new load group, or takes
// another reference to an already loaded object.
func (c *Context) Open(path string, flags OpenFlags) (*Object, error) {
	obj, order, err := c.open(path, flags)
	if err != nil {
		return nil, err
	}
	if err := c.runInit(order); err != nil {
		return nil, err
	}
	return obj, nil
}

// open returns the object and the initializers still to run.
func (c *Context) open(path string, flags OpenFlags) (*Object, []*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root == nil {
		return nil, nil, errors.New("no program loaded")
	}
	if flags&RTLD_NOLOAD != 0 {
		obj := c.findLoaded(path)
		if obj == nil {
			return nil, nil, errors.Wrap(models.ErrNotFound, path)
		}
		c.retain(obj, flags)
		return obj, nil, nil
	}
	obj, isNew, err := c.load(path, c.root)
	if err != nil {
		return nil, nil, errors.Wrapf(models.ErrCannotLoad, "%s: %v", path, err)
	}
	if !isNew {
		c.retain(obj, flags)
		return obj, nil, nil
	}
	obj.group = obj
	added, err := c.loadDeps(obj, true)
	if err == nil {
		err = c.relocateGroup(added, flags&RTLD_NOW != 0)
	}
	if err != nil {
		c.discard(added)
		return nil, nil, err
	}
	c.retain(obj, flags)
	c.Log.WithFields(log.Fields{"object": obj.Name, "objects": len(added)}).Debug("opened")
	return obj, postorder(obj), nil
}

func (c *Context) retain(obj *Object, flags OpenFlags) {
	obj.refs.Open++
	if flags&RTLD_GLOBAL != 0 && !containsObject(c.globals, obj) {
		c.globals = append(c.globals, obj)
	}
	if flags&RTLD_NODELETE != 0 {
		obj.status |= StatusNoDelete
	}
}

// relocateGroup relocates newly mapped objects, dependencies first.
func (c *Context) relocateGroup(added []*Object, bindNow bool) error {
	var unresolved error
	for i := len(added) - 1; i >= 0; i-- {
		err := c.relocate(added[i], bindNow)
		if _, ok := err.(*UnresolvedError); ok {
			if unresolved == nil {
				unresolved = err
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	if unresolved != nil && !c.Config.AllowUndefined {
		return unresolved
	}
	return nil
}

// Close drops a reference taken by Open and unloads whatever is no longer
// reachable from the program, an open handle or a NODELETE object.
func (c *Context) Close(obj *Object) error {
	dead, err := c.close(obj)
	if err != nil {
		return err
	}
	return c.release(dead)
}

func (c *Context) close(obj *Object) ([]*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if obj.Unloaded() || obj.refs.Open == 0 {
		return nil, errors.Errorf("%s: not open", obj.Name)
	}
	c.decRef(obj, &obj.refs.Open, "open")
	if obj.refs.Open == 0 {
		c.globals = removeObject(c.globals, obj)
		c.invalidateGroups()
	}
	return c.collect()
}

// Sym returns the address of name as seen through handle. Default searches
// like a relocation in caller, Next searches the objects after caller, and
// any other handle searches its own load group.
func (c *Context) Sym(handle *Object, name string, caller *Object) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if caller == nil {
		caller = c.root
	}
	var b *Binding
	var err error
	switch handle {
	case Default:
		b, err = c.resolve(name, ScopeAll, 0, caller)
	case Next:
		b, err = c.resolve(name, ScopeNext, 0, caller)
	default:
		if handle == nil || handle.Unloaded() {
			return 0, errors.New("invalid handle")
		}
		err = errors.Wrap(models.ErrNotFound, name)
		for _, o := range c.group(handle) {
			if idx, sym := findSymbol(o, name, 0); sym != nil {
				b, err = &Binding{Obj: o, Sym: sym, SymIdx: idx}, nil
				break
			}
		}
	}
	if err != nil {
		return 0, err
	}
	return b.Addr(), nil
}

// Symbolicate finds the object containing addr and the nearest exported
// symbol at or below it. The symbol is nil when none precedes addr.
func (c *Context) Symbolicate(addr uint64) (*Object, *models.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.objects {
		if o.Unloaded() || !o.Contains(addr) {
			continue
		}
		var best *models.Symbol
		for _, sym := range o.Exports() {
			if sym.Value > addr || (best != nil && sym.Value <= best.Value) {
				continue
			}
			s := sym
			best = &s
		}
		return o, best
	}
	return nil, nil
}

func containsObject(list []*Object, o *Object) bool {
	for _, x := range list {
		if x == o {
			return true
		}
	}
	return false
}
