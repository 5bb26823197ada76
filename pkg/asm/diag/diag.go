// Package diag implements diagnostic accumulation and rendering.
//
// Every stage of the pipeline appends diagnostics to a shared List instead of
// aborting on the first failure, so a single run surfaces as many errors as
// possible. Crossing a stage boundary with a non-empty list aborts the
// pipeline before any output is written.
package diag

import (
	"fmt"
	"io"
	"strings"

	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/fatih/color"
)

// Kind classifies a diagnostic by the pipeline stage that produced it.
type Kind int

const (
	KindLex Kind = iota
	KindParse
	KindSemantic
	KindEncode
	KindLayout
	KindIO
)

var kindNames = map[Kind]string{
	KindLex:      "lex error",
	KindParse:    "parse error",
	KindSemantic: "semantic error",
	KindEncode:   "encode error",
	KindLayout:   "layout error",
	KindIO:       "io error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown error kind (%d)", int(k))
}

// Diagnostic is a single error with a source location.
type Diagnostic struct {
	Kind    Kind
	Span    source.Span
	Message string
}

// List accumulates diagnostics against one source buffer.
type List struct {
	buffer *source.Buffer
	diags  []Diagnostic
}

// NewList creates an empty diagnostic list for the given buffer.
func NewList(buffer *source.Buffer) *List {
	return &List{buffer: buffer}
}

// Buffer returns the source buffer diagnostics refer to.
func (l *List) Buffer() *source.Buffer {
	return l.buffer
}

// Errorf appends a formatted diagnostic.
func (l *List) Errorf(kind Kind, span source.Span, format string, args ...any) {
	l.diags = append(l.diags, Diagnostic{
		Kind:    kind,
		Span:    span,
		Message: fmt.Sprintf(format, args...),
	})
}

// Add appends an already built diagnostic.
func (l *List) Add(d Diagnostic) {
	l.diags = append(l.diags, d)
}

// HasErrors reports whether any diagnostic has been recorded.
func (l *List) HasErrors() bool {
	return len(l.diags) > 0
}

// Len returns the number of recorded diagnostics.
func (l *List) Len() int {
	return len(l.diags)
}

// Diagnostics returns the recorded diagnostics in insertion order.
func (l *List) Diagnostics() []Diagnostic {
	return l.diags
}

var (
	kindColor    = color.New(color.FgRed, color.Bold)
	locColor     = color.New(color.Bold)
	caretColor   = color.New(color.FgGreen, color.Bold)
	contextColor = color.New(color.FgHiBlack)
)

// Render writes every diagnostic to w, one `PATH:LINE:COL: KIND: MESSAGE`
// line each, followed by the offending source line and a caret run when
// withCarets is set.
func (l *List) Render(w io.Writer, withCarets bool) {
	for _, d := range l.diags {
		line, col := l.buffer.LineCol(d.Span.Start)
		fmt.Fprintf(w, "%s %s %s\n",
			locColor.Sprintf("%s:%d:%d:", l.buffer.Name, line, col),
			kindColor.Sprintf("%s:", d.Kind),
			d.Message)

		if !withCarets {
			continue
		}

		text := l.buffer.Line(line)
		fmt.Fprintf(w, "  %s\n", contextColor.Sprint(text))

		width := d.Span.Len()
		if endLine, _ := l.buffer.LineCol(d.Span.End); endLine != line || width < 1 {
			// Multi-line spans get a single caret at the start.
			width = 1
		}
		fmt.Fprintf(w, "  %s%s\n", strings.Repeat(" ", col-1), caretColor.Sprint(strings.Repeat("^", width)))
	}
}
