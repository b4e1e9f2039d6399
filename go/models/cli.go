package models

import (
	"flag"
	"fmt"
	"io"
	"strings"
)

// PrintFlags writes a two-column flag listing, wrapping each usage string
// to fit within width columns.
func PrintFlags(w io.Writer, width int, flags []*flag.Flag) {
	wname, wdef := 0, 0
	for _, f := range flags {
		wname = max(wname, len(f.Name))
		wdef = max(wdef, len(f.DefValue))
	}
	wdesc := max(width-wname-wdef-7, 20)
	lpad := strings.Repeat(" ", wname+wdef+7)
	for _, f := range flags {
		def := ""
		if f.DefValue != "" && f.DefValue != "[]" {
			def = "(" + f.DefValue + ")"
		}
		fmt.Fprintf(w, "  -%-*s %-*s ", wname, f.Name, wdef+2, def)
		for i, line := range wrap(f.Usage, wdesc) {
			if i > 0 {
				io.WriteString(w, lpad)
			}
			fmt.Fprintln(w, line)
		}
	}
}

// wrap splits s on spaces and newlines into lines no longer than n,
// unless a single word is longer.
func wrap(s string, n int) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		line := ""
		for _, word := range strings.Fields(para) {
			if line != "" && len(line)+1+len(word) > n {
				lines = append(lines, line)
				line = ""
			}
			if line != "" {
				line += " "
			}
			line += word
		}
		lines = append(lines, line)
	}
	return lines
}
