package models

import (
	"strings"

	"github.com/mgutz/ansi"
)

var (
	chPath    = ansi.ColorCode("default+b")
	chAddr    = ansi.ColorCode("cyan")
	chMissing = ansi.ColorCode("red+b")
	chWarn    = ansi.ColorCode("yellow")
)

func colorPad(s, color string, pad int, enable bool) string {
	length := len(s)
	if enable {
		s = color + s + ansi.Reset
	}
	if length < pad {
		s = strings.Repeat(" ", pad-length) + s
	}
	return s
}

// Status formats listing columns, optionally colored.
type Status struct {
	Color bool
}

func (s Status) Path(p string) string         { return colorPad(p, chPath, 0, s.Color) }
func (s Status) Addr(a string, pad int) string { return colorPad(a, chAddr, pad, s.Color) }
func (s Status) Missing(p string) string      { return colorPad(p, chMissing, 0, s.Color) }
func (s Status) Warn(p string) string         { return colorPad(p, chWarn, 0, s.Color) }
