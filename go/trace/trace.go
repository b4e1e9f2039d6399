package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var TRACE_MAGIC = "RTLD"

const (
	EV_LOAD    = 1
	EV_UNLOAD  = 2
	EV_RESOLVE = 3
	EV_BIND    = 4
	EV_COPY    = 5
)

const (
	FLAG_PLT = 1 << iota
	FLAG_CACHED
	FLAG_WEAK
	FLAG_MISSING
	FLAG_PREBIND
)

type Header struct {
	// MAGIC ("RTLD")
	Magic   string `struc:"[4]byte"`
	Version uint32
	// Right-null-padded architecture name.
	Arch     string           `struc:"[32]byte"`
	OrderNum uint8            // 0 for little, 1 for big
	Order    binary.ByteOrder `struc:"skip" json:"-"`
}

// Event is one loader decision. For EV_LOAD and EV_UNLOAD, Value is the load
// bias and Name is the object's path. Otherwise Index is the symbol (or PLT
// relocation) index in object Obj and Def names the defining object.
type Event struct {
	Kind    uint8
	Flags   uint8
	Obj     uint32
	Index   uint32
	DefObj  uint32
	Value   uint64
	NameLen int `struc:"uint16,sizeof=Name"`
	Name    string
	DefLen  int `struc:"uint16,sizeof=Def"`
	Def     string
}

var kindNames = map[uint8]string{
	EV_LOAD:    "load",
	EV_UNLOAD:  "unload",
	EV_RESOLVE: "resolve",
	EV_BIND:    "bind",
	EV_COPY:    "copy",
}

func (e *Event) String() string {
	kind := kindNames[e.Kind]
	switch e.Kind {
	case EV_LOAD, EV_UNLOAD:
		return fmt.Sprintf("%-7s #%d %s @%#x", kind, e.Obj, e.Name, e.Value)
	}
	var flags []string
	for i, name := range []string{"plt", "cached", "weak", "missing", "prebind"} {
		if e.Flags&(1<<uint(i)) != 0 {
			flags = append(flags, name)
		}
	}
	def := e.Def
	if e.Flags&FLAG_MISSING != 0 {
		def = "<undefined>"
	}
	return fmt.Sprintf("%-7s #%d[%d] %s -> %s = %#x [%s]", kind, e.Obj, e.Index, e.Name, def, e.Value, strings.Join(flags, ","))
}

type Writer struct {
	sync.Mutex
	w  io.WriteCloser
	zw *snappy.Writer
}

func NewWriter(w io.WriteCloser, arch string, order binary.ByteOrder) (*Writer, error) {
	header := &Header{Magic: TRACE_MAGIC, Version: 1, Arch: arch, Order: order}
	if order == binary.BigEndian {
		header.OrderNum = 1
	}
	if err := struc.Pack(w, header); err != nil {
		return nil, errors.Wrap(err, "failed to pack header")
	}
	return &Writer{w: w, zw: snappy.NewBufferedWriter(w)}, nil
}

func (t *Writer) Write(ev *Event) error {
	t.Lock()
	defer t.Unlock()
	return errors.Wrap(struc.PackWithOrder(t.zw, ev, binary.LittleEndian), "failed to pack event")
}

func (t *Writer) Close() error {
	t.Lock()
	defer t.Unlock()
	err := t.zw.Close()
	if cerr := t.w.Close(); err == nil {
		err = cerr
	}
	return err
}

type Reader struct {
	r      io.ReadCloser
	zr     *snappy.Reader
	Header Header
}

func NewReader(r io.ReadCloser) (*Reader, error) {
	t := &Reader{r: r}
	if err := struc.Unpack(r, &t.Header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack header")
	}
	if t.Header.Magic != TRACE_MAGIC {
		return nil, errors.New("invalid trace file magic")
	}
	t.Header.Arch = strings.TrimRight(t.Header.Arch, "\x00")
	switch t.Header.OrderNum {
	case 0:
		t.Header.Order = binary.LittleEndian
	case 1:
		t.Header.Order = binary.BigEndian
	}
	t.zr = snappy.NewReader(r)
	return t, nil
}

// Next returns io.EOF after the last event.
func (t *Reader) Next() (*Event, error) {
	ev := &Event{}
	if err := struc.UnpackWithOrder(t.zr, ev, binary.LittleEndian); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to unpack event")
	}
	return ev, nil
}

func (t *Reader) Close() error {
	t.zr.Reset(nil)
	return t.r.Close()
}
