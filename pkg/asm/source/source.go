// Package source provides source buffers and byte spans for the assembler.
// Every token, tree node, symbol and diagnostic produced by the pipeline
// carries a Span into the Buffer it was read from.
package source

import (
	"sort"
	"strings"
)

// Span is a half-open byte range [Start, End) within a source buffer.
type Span struct {
	Start int
	End   int
}

// Join returns the smallest span covering both s and other.
func (s Span) Join(other Span) Span {
	joined := s
	if other.Start < joined.Start {
		joined.Start = other.Start
	}
	if other.End > joined.End {
		joined.End = other.End
	}
	return joined
}

// Len returns the number of bytes covered by the span.
func (s Span) Len() int {
	return s.End - s.Start
}

// Buffer is a single translation unit of source text with a file name.
type Buffer struct {
	Name string
	Text string

	lineStarts []int
}

// NewBuffer creates a buffer for the given file name and contents.
func NewBuffer(name string, text string) *Buffer {
	return &Buffer{Name: name, Text: text}
}

// LineCol returns the 1-based line and column of a byte offset.
func (b *Buffer) LineCol(offset int) (line int, col int) {
	starts := b.starts()
	line = sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	col = offset - starts[line-1] + 1
	return line, col
}

// Line returns the text of a 1-based line, without its trailing newline.
func (b *Buffer) Line(line int) string {
	starts := b.starts()
	if line < 1 || line > len(starts) {
		return ""
	}
	start := starts[line-1]
	end := len(b.Text)
	if line < len(starts) {
		end = starts[line] - 1
	}
	return strings.TrimSuffix(b.Text[start:end], "\r")
}

// NumLines returns the number of lines in the buffer.
func (b *Buffer) NumLines() int {
	return len(b.starts())
}

func (b *Buffer) starts() []int {
	if b.lineStarts == nil {
		b.lineStarts = append(b.lineStarts, 0)
		for i := 0; i < len(b.Text); i++ {
			if b.Text[i] == '\n' {
				b.lineStarts = append(b.lineStarts, i+1)
			}
		}
	}
	return b.lineStarts
}
