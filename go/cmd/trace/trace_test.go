package trace

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lunixbochs/rtld/go/trace"
)

func writeTrace(t *testing.T, events []*trace.Event) string {
	path := filepath.Join(t.TempDir(), "trace.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w, err := trace.NewWriter(f, "x86_64", binary.LittleEndian)
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range events {
		if err := w.Write(ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func open(t *testing.T, path string) *trace.Reader {
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	r, err := trace.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestPrint(t *testing.T) {
	path := writeTrace(t, []*trace.Event{
		{Kind: trace.EV_LOAD, Obj: 1, Name: "prog"},
		{Kind: trace.EV_LOAD, Obj: 2, Name: "libc.so.10", Value: 0x100000},
		{Kind: trace.EV_LOAD, Obj: 3, Name: "libc.so.9", Value: 0x200000},
		{Kind: trace.EV_RESOLVE, Obj: 1, Index: 1, DefObj: 2, Name: "puts", Def: "libc.so.10"},
		{Kind: trace.EV_RESOLVE, Obj: 1, Index: 2, DefObj: 3, Name: "exit", Def: "libc.so.9"},
		{Kind: trace.EV_BIND, Flags: trace.FLAG_PLT, Obj: 1, DefObj: 2, Name: "puts", Def: "libc.so.10"},
		{Kind: trace.EV_RESOLVE, Flags: trace.FLAG_MISSING, Obj: 1, Index: 3, Name: "nope"},
		{Kind: trace.EV_RESOLVE, Flags: trace.FLAG_MISSING | trace.FLAG_WEAK, Obj: 1, Index: 4, Name: "maybe"},
	})

	var buf bytes.Buffer
	if err := PrintSummary(&buf, open(t, path)); err != nil {
		t.Fatal(err)
	}
	want := "3 objects loaded\n" +
		"     1 libc.so.9\n" +
		"     2 libc.so.10\n" +
		"undefined:\n" +
		"       nope\n"
	if buf.String() != want {
		t.Errorf("summary:\n%s\nwant:\n%s", buf.String(), want)
	}

	buf.Reset()
	if err := PrintPretty(&buf, open(t, path)); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 9 {
		t.Errorf("pretty printed %d lines, want 9", len(lines))
	}

	buf.Reset()
	if err := PrintJson(&buf, open(t, path)); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), `{"Magic":"RTLD"`) {
		t.Errorf("json header: %.40s", buf.String())
	}
}
