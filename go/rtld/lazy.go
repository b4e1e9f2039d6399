package rtld

import (
	"strconv"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/trace"
)

// BindLazy resolves PLT relocation index of object objID on first call and
// commits the result to its slot through the bind supervisor. Concurrent
// callers for the same slot share one resolution. Failures are fatal.
func (c *Context) BindLazy(objID, index uint64) (uint64, error) {
	key := strconv.FormatUint(objID, 10) + ":" + strconv.FormatUint(index, 10)
	v, err, _ := c.lazy.Do(key, func() (interface{}, error) {
		return c.bindLazy(objID, index)
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

func (c *Context) bindLazy(objID, index uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.byID[objID]
	if !ok || obj.Unloaded() {
		err := errors.Errorf("lazy binding for unknown object %d", objID)
		c.fatal(err)
		return 0, err
	}
	if index >= uint64(len(obj.Image.PLTRels)) {
		err := errors.Wrapf(models.ErrBadReloc, "%s: PLT index %d out of range", obj.Name, index)
		c.fatal(err)
		return 0, err
	}
	if obj.lazyDone[index] {
		return obj.lazyVal[index], nil
	}
	r := &obj.Image.PLTRels[index]
	b, err := c.lookup(obj, r.Sym, true)
	if err != nil {
		err = errors.Wrapf(err, "%s: lazy binding of %s", obj.Name, obj.Image.SymbolName(r.Sym))
		c.fatal(err)
		return 0, err
	}
	value := b.Addr()
	if r.HasAddend {
		value += uint64(r.Addend)
	}
	ev := &trace.Event{Kind: trace.EV_BIND, Flags: trace.FLAG_PLT, Obj: uint32(obj.ID), Index: uint32(index),
		Value: value, Name: obj.Image.SymbolName(r.Sym)}
	if b.Found() {
		ev.DefObj, ev.Def = uint32(b.Obj.ID), b.Obj.Name
	}
	c.emit(ev)
	if c.Config.Trace {
		// report only, the slot keeps pointing at the resolver
		return value, nil
	}
	where := obj.Addr(r.Offset)
	buf, err := c.space.PackAddr(make([]byte, c.Arch.PtrSize()), value)
	if err != nil {
		return 0, err
	}
	if err := c.binder.Commit(where, buf, c.cookie); err != nil {
		err = errors.Wrapf(err, "%s: committing PLT slot %d", obj.Name, index)
		c.fatal(err)
		return 0, err
	}
	obj.lazyDone[index] = true
	obj.lazyVal[index] = value
	c.Log.WithFields(log.Fields{"object": obj.Name, "index": index, "value": hex(value)}).Debug("lazy bind")
	return value, nil
}
