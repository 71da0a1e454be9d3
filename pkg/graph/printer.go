package graph

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// sourceFor is satisfied by anything that can hand back the raw bytes of a
// file by path, so the printer doesn't need to re-read from disk itself
// (tests supply an in-memory map; the CLI passes the MapSource that Analyze
// returns).
type sourceFor interface {
	Source(path string) ([]byte, bool)
}

// MapSource is the trivial sourceFor backed by a plain map, typically
// populated from the Document.Data the Analyzer already read.
type MapSource map[string][]byte

func (m MapSource) Source(path string) ([]byte, bool) {
	b, ok := m[path]
	return b, ok
}

// Print renders a batch of diagnostics as caret-annotated source excerpts to
// w, relativizing file paths to cwd.
func Print(w io.Writer, diags []Diagnostic, src sourceFor, cwd string) {
	for i, d := range diags {
		if i > 0 {
			fmt.Fprintln(w)
		}
		printOne(w, d, src, cwd)
	}
}

func printOne(w io.Writer, d Diagnostic, src sourceFor, cwd string) {
	fmt.Fprintf(w, "%s: %s\n", d.Severity, d.Message)
	printLocation(w, d.Primary, src, cwd)
	for _, sup := range d.Supplemental {
		printLocation(w, sup, src, cwd)
	}
}

func printLocation(w io.Writer, loc Location, src sourceFor, cwd string) {
	data, ok := src.Source(loc.File)
	if !ok {
		fmt.Fprintf(w, "  --> %s\n", relativize(loc.File, cwd))
		return
	}

	line, col := loc.LineCol(data)
	fmt.Fprintf(w, "  --> %s:%d:%d\n", relativize(loc.File, cwd), line, col)

	lines := excerptLines(data, loc)
	for _, l := range lines {
		fmt.Fprintf(w, "   | %s\n", l)
	}
	fmt.Fprintf(w, "   | %s%s\n", strings.Repeat(" ", col-1), strings.Repeat("^", caretWidth(loc, col, lines[0])))
}

// excerptLines returns the source lines spanned by loc, trimmed of a
// trailing newline.
func excerptLines(data []byte, loc Location) []string {
	end := loc.Offset + loc.Length
	if end > len(data) {
		end = len(data)
	}
	start := loc.Offset
	if start > len(data) {
		start = len(data)
	}

	lineStart := bytes.LastIndexByte(data[:start], '\n') + 1
	lineEnd := end
	if idx := bytes.IndexByte(data[end:], '\n'); idx >= 0 {
		lineEnd = end + idx
	} else {
		lineEnd = len(data)
	}

	chunk := data[lineStart:lineEnd]
	return strings.Split(string(chunk), "\n")
}

func caretWidth(loc Location, col int, firstLine string) int {
	if loc.Length <= 0 {
		return 1
	}
	// Clamp to the first line's remaining width; multi-line spans still get
	// at least one caret per the single-line rendering above.
	w := loc.Length
	if rest := len(firstLine) - (col - 1); w > rest {
		w = rest
	}
	if w < 1 {
		w = 1
	}
	return w
}

func relativize(path, cwd string) string {
	if cwd == "" {
		return path
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil {
		return path
	}
	return rel
}
