// Package rtld loads an executable and its shared libraries into an address
// space, binds their symbol references and runs their initializers.
package rtld

import (
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/lunixbochs/rtld/go/alloc"
	"github.com/lunixbochs/rtld/go/bind"
	"github.com/lunixbochs/rtld/go/models"
	"github.com/lunixbochs/rtld/go/models/mem"
	"github.com/lunixbochs/rtld/go/trace"
	"github.com/lunixbochs/rtld/go/vm"
)

const groupCacheSize = 64

type Option func(*Context)

func WithArch(a *models.Arch) Option          { return func(c *Context) { c.Arch = a } }
func WithMapper(m models.Mapper) Option       { return func(c *Context) { c.mapper = m } }
func WithAllocator(a models.Allocator) Option { return func(c *Context) { c.alloc = a } }
func WithBinder(b models.Binder) Option       { return func(c *Context) { c.binder = b } }
func WithExecutor(e models.Executor) Option   { return func(c *Context) { c.exec = e } }
func WithLogger(l log.Interface) Option       { return func(c *Context) { c.Log = l } }
func WithTrace(w *trace.Writer) Option        { return func(c *Context) { c.tracer = w } }

// WithFatal replaces the handler for unrecoverable loader errors. The default
// logs and exits. A replacement should not return.
func WithFatal(fn func(error)) Option { return func(c *Context) { c.Fatal = fn } }

// Context is the loader's process-wide state. Object list and graph changes,
// symbol caches and writes into protection-toggled memory all happen under mu.
type Context struct {
	Config *models.Config
	Arch   *models.Arch
	Log    log.Interface
	Fatal  func(error)

	space  *vm.Space
	mapper models.Mapper
	alloc  models.Allocator
	binder models.Binder
	exec   models.Executor
	tracer *trace.Writer

	mu       sync.Mutex
	objects  []*Object
	byID     map[uint64]*Object
	root     *Object
	globals  []*Object
	nextID   uint64
	groups   *lru.Cache[uint64, []*Object]
	initDone []*Object
	prebind  *prebound
	prebound bool

	lazy       singleflight.Group
	cookie     uint64
	trampoline uint64
}

func NewContext(cfg *models.Config, space *vm.Space, opts ...Option) (*Context, error) {
	if cfg == nil {
		cfg = &models.Config{}
	}
	cfg.Init()
	c := &Context{
		Config: cfg,
		Log:    log.Log,
		space:  space,
		byID:   make(map[uint64]*Object),
		nextID: 1,
	}
	c.Fatal = c.defaultFatal
	for _, o := range opts {
		o(c)
	}
	if c.mapper == nil {
		m := vm.NewMapper(space)
		m.Log = c.Log
		c.mapper = m
	}
	if c.alloc == nil {
		c.alloc = alloc.New(space, alloc.Options{Fatal: c.fatal, Log: c.Log})
	}
	if c.binder == nil {
		c.binder = bind.New(space, c.Log)
	}
	groups, err := lru.New[uint64, []*Object](groupCacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	c.groups = groups
	if c.cookie, err = c.binder.Register(); err != nil {
		return nil, errors.Wrap(err, "registering bind cookie")
	}
	if err := c.setupTrampoline(); err != nil {
		return nil, err
	}
	return c, nil
}

// setupTrampoline reserves the page GOT[2] points at. Executors that support
// it divert execution there into BindLazy.
func (c *Context) setupTrampoline() error {
	page := c.space.PageSize()
	addr, err := c.alloc.Alloc(page)
	if err != nil {
		return errors.Wrap(err, "allocating lazy binding trampoline")
	}
	if err := c.space.MemProt(addr, page, mem.PROT_READ|mem.PROT_EXEC); err != nil {
		return err
	}
	c.trampoline = addr
	if te, ok := c.exec.(models.TrampolineExecutor); ok {
		return te.SetTrampoline(addr, c.BindLazy)
	}
	return nil
}

func (c *Context) defaultFatal(err error) {
	c.Log.WithError(err).Fatal("rtld")
}

func (c *Context) fatal(err error) {
	c.Log.WithError(err).Error("fatal loader error")
	c.Fatal(err)
}

// Space is the address space objects are mapped into.
func (c *Context) Space() *vm.Space { return c.space }

// Trampoline is the address stored in every lazily bound object's GOT[2].
func (c *Context) Trampoline() uint64 { return c.trampoline }

// Root is the program object, nil before LoadProgram.
func (c *Context) Root() *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.root
}

// Objects lists loaded objects in load order.
func (c *Context) Objects() []*Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Object(nil), c.objects...)
}

// Find returns the loaded object with the given path or name.
func (c *Context) Find(name string) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.objects {
		if o.Path == name || o.Name == name {
			return o
		}
	}
	return nil
}

// Prebound reports whether LoadProgram replayed a prebind cache.
func (c *Context) Prebound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prebound
}

// Malloc allocates from the loader's private heap.
func (c *Context) Malloc(size uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alloc.Alloc(size)
}

func (c *Context) Free(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alloc.Free(addr)
}
