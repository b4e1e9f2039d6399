package rtld

import (
	"fmt"

	"github.com/apex/log"

	"github.com/lunixbochs/rtld/go/trace"
)

func hex(n uint64) string { return fmt.Sprintf("%#x", n) }

func (c *Context) emit(ev *trace.Event) {
	if c.tracer == nil {
		return
	}
	if err := c.tracer.Write(ev); err != nil {
		c.Log.WithError(err).Warn("writing trace event")
	}
}

func traceFlags(flags Flags) uint8 {
	if flags&FlagPLT != 0 {
		return trace.FLAG_PLT
	}
	return 0
}

// traceResolve reports a symbol binding to the trace file and, with
// LD_TRACE set, to the log.
func (c *Context) traceResolve(obj *Object, idx uint32, b *Binding, flags Flags, extra uint8) {
	if c.tracer == nil && !c.Config.Trace {
		return
	}
	ev := &trace.Event{
		Kind:  trace.EV_RESOLVE,
		Flags: traceFlags(flags) | extra,
		Obj:   uint32(obj.ID),
		Index: idx,
		Value: b.Addr(),
		Name:  obj.Image.SymbolName(idx),
	}
	if b.Found() {
		ev.DefObj = uint32(b.Obj.ID)
		ev.Def = b.Obj.Name
	} else {
		ev.Flags |= trace.FLAG_WEAK
	}
	c.emit(ev)
	if c.Config.Trace && extra&trace.FLAG_CACHED == 0 {
		c.Log.WithFields(log.Fields{
			"object": obj.Name,
			"symbol": ev.Name,
			"def":    ev.Def,
			"value":  hex(ev.Value),
			"plt":    flags&FlagPLT != 0,
		}).Info("resolve")
	}
}
