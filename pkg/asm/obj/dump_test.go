package obj

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestWriteDumpText(t *testing.T) {
	var out strings.Builder
	require.NoError(t, WriteDump(&out, buildObject()))
	report := out.String()

	assert.Contains(t, report, "section .text")
	assert.Contains(t, report, "section .bss")
	assert.Contains(t, report, "nobits")
	assert.Contains(t, report, "PLT32 printf")
	assert.Contains(t, report, "main")
	assert.Contains(t, report, "imports  printf")
	assert.Contains(t, report, "prelude  reg edi 100")
}

func TestWriteDumpYAMLRoundTrip(t *testing.T) {
	var out strings.Builder
	require.NoError(t, WriteDumpYAML(&out, buildObject()))

	var doc DumpDoc
	require.NoError(t, yaml.Unmarshal([]byte(out.String()), &doc))

	require.Len(t, doc.Sections, 3)
	assert.Equal(t, ".text", doc.Sections[0].Name)
	require.Len(t, doc.Sections[0].Relocs, 1)
	assert.Equal(t, "PLT32", doc.Sections[0].Relocs[0].Kind)
	assert.Equal(t, []string{"printf"}, doc.Imports)
	require.Len(t, doc.Symbols, 3)
}

func TestHexLines(t *testing.T) {
	lines := hexLines([]byte{0x01, 0x02})
	require.Len(t, lines, 1)
	assert.Equal(t, "000000  01 02", lines[0])

	lines = hexLines(make([]byte, 17))
	assert.Len(t, lines, 2)
}
