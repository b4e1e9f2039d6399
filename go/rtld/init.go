package rtld

import (
	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/lunixbochs/rtld/go/loader"
)

// postorder lists the objects reachable from root with dependencies first.
func postorder(root *Object) []*Object {
	seen := make(map[*Object]bool)
	var out []*Object
	var visit func(o *Object)
	visit = func(o *Object) {
		if seen[o] {
			return
		}
		seen[o] = true
		for _, ch := range o.children {
			visit(ch)
		}
		out = append(out, o)
	}
	visit(root)
	return out
}

func (c *Context) readArray(o *Object, arr loader.Array) ([]uint64, error) {
	ptr := c.Arch.PtrSize()
	none := ^uint64(0) >> (64 - 8*uint(ptr))
	var out []uint64
	for i := 0; i < arr.Count; i++ {
		fn, err := c.space.ReadUint(o.Addr(arr.Addr)+uint64(i*ptr), ptr)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: reading function array", o.Name)
		}
		if fn != 0 && fn != none {
			out = append(out, fn)
		}
	}
	return out, nil
}

func (c *Context) initCalls(o *Object) ([]uint64, error) {
	var calls []uint64
	if o == c.root {
		pre, err := c.readArray(o, o.Image.PreinitArr)
		if err != nil {
			return nil, err
		}
		calls = append(calls, pre...)
	}
	if o.Image.Init != 0 {
		calls = append(calls, o.Addr(o.Image.Init))
	}
	arr, err := c.readArray(o, o.Image.InitArray)
	if err != nil {
		return nil, err
	}
	return append(calls, arr...), nil
}

func (c *Context) finiCalls(o *Object) ([]uint64, error) {
	arr, err := c.readArray(o, o.Image.FiniArray)
	if err != nil {
		return nil, err
	}
	calls := make([]uint64, 0, len(arr)+1)
	for i := len(arr) - 1; i >= 0; i-- {
		calls = append(calls, arr[i])
	}
	if o.Image.Fini != 0 {
		calls = append(calls, o.Addr(o.Image.Fini))
	}
	return calls, nil
}

// call runs guest functions without holding the world lock, so that they can
// reenter the loader through lazy binding.
func (c *Context) call(o *Object, kind string, calls []uint64) error {
	if c.exec == nil {
		if len(calls) > 0 {
			c.Log.WithFields(log.Fields{"object": o.Name, "count": len(calls)}).Debugf("no executor, skipping %s", kind)
		}
		return nil
	}
	for _, addr := range calls {
		c.Log.WithFields(log.Fields{"object": o.Name, "addr": hex(addr)}).Debug(kind)
		if err := c.exec.Call(addr); err != nil {
			return errors.Wrapf(err, "%s: %s at %#x", o.Name, kind, addr)
		}
	}
	return nil
}

// runInit runs initializers of objs in order, each object at most once.
func (c *Context) runInit(objs []*Object) error {
	for _, o := range objs {
		c.mu.Lock()
		if o.status&(StatusInitDone|StatusUnloaded) != 0 {
			c.mu.Unlock()
			continue
		}
		o.status |= StatusInitDone
		calls, err := c.initCalls(o)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if err := c.call(o, "init", calls); err != nil {
			return err
		}
		c.mu.Lock()
		o.status |= StatusFiniReady
		o.setState(StateInitialized)
		c.initDone = append(c.initDone, o)
		c.mu.Unlock()
	}
	return nil
}

// runFini runs finalizers of the initialized objects in objs, or of every
// initialized object when objs is nil, in reverse initialization order.
func (c *Context) runFini(objs []*Object) error {
	c.mu.Lock()
	want := make(map[*Object]bool, len(objs))
	for _, o := range objs {
		want[o] = true
	}
	var order []*Object
	for i := len(c.initDone) - 1; i >= 0; i-- {
		if o := c.initDone[i]; objs == nil || want[o] {
			order = append(order, o)
		}
	}
	c.mu.Unlock()
	for _, o := range order {
		c.mu.Lock()
		if o.status&StatusFiniReady == 0 || o.status&StatusFiniDone != 0 {
			c.mu.Unlock()
			continue
		}
		o.status |= StatusFiniDone
		o.setState(StateFiniReady)
		calls, err := c.finiCalls(o)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if err := c.call(o, "fini", calls); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the program's initializers, dependencies first.
func (c *Context) Start() error {
	c.mu.Lock()
	root := c.root
	var order []*Object
	if root != nil {
		order = postorder(root)
	}
	c.mu.Unlock()
	if root == nil {
		return errors.New("no program loaded")
	}
	return c.runInit(order)
}

// Shutdown runs every pending finalizer.
func (c *Context) Shutdown() error {
	err := c.runFini(nil)
	if c.tracer != nil {
		if cerr := c.tracer.Close(); err == nil {
			err = cerr
		}
		c.tracer = nil
	}
	return err
}
