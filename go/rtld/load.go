package rtld

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/arch"
	"github.com/lunixbochs/rtld/go/loader"
	"github.com/lunixbochs/rtld/go/models"
)

// OpenProgram opens an executable to inspect it before a Context exists.
func OpenProgram(cfg *models.Config, path string) (*loader.File, error) {
	return loader.Open(cfg.PrefixPath(path, false))
}

// LoadProgram maps the executable at path and its dependencies, replays or
// computes their symbol bindings and relocates them, dependencies first.
// Unresolved strong references fail the load unless AllowUndefined is set.
func (c *Context) LoadProgram(path string) (*Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.root != nil {
		return nil, errors.Errorf("%s: program already loaded", c.root.Name)
	}
	f, err := OpenProgram(c.Config, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if c.Arch == nil {
		if c.Arch, err = arch.GetArch(f.Machine); err != nil {
			return nil, errors.Wrap(err, path)
		}
	}
	if c.space.Bits() != uint(c.Arch.Bits) {
		return nil, errors.Errorf("%s: %d-bit object in %d-bit address space", path, c.Arch.Bits, c.space.Bits())
	}
	if err := c.checkImage(f.Image, false); err != nil {
		return nil, err
	}
	root, err := c.mapFile(f)
	if err != nil {
		return nil, err
	}
	root.group = root
	c.root = root
	objs, err := c.loadDeps(root, true)
	if err != nil {
		c.abandon(objs)
		return nil, err
	}
	if !c.Config.NoPrebind {
		c.replayPrebind(objs)
	}
	defer c.releasePrebind()

	var unresolved []*UnresolvedError
	for i := len(objs) - 1; i >= 0; i-- {
		err := c.relocate(objs[i], false)
		if ue, ok := err.(*UnresolvedError); ok {
			unresolved = append(unresolved, ue)
			continue
		}
		if err != nil {
			c.abandon(objs)
			return nil, err
		}
	}
	c.Log.WithFields(log.Fields{"program": root.Name, "objects": len(objs), "prebound": c.prebound}).Debug("loaded")
	if c.Config.ListOnly {
		for _, o := range objs {
			o.setState(StateTraced)
		}
		return root, nil
	}
	if len(unresolved) > 0 && !c.Config.AllowUndefined {
		c.abandon(objs)
		return nil, unresolved[0]
	}
	return root, nil
}

// abandon unmaps everything a failed LoadProgram mapped, leaving the
// context ready for another attempt.
func (c *Context) abandon(objs []*Object) {
	c.discard(objs)
	c.root = nil
	c.prebound = false
}
