package obj

import (
	"fmt"
	"io"
	"strings"

	"github.com/anns-lang/anns/pkg/utils"
	"gopkg.in/yaml.v3"
)

// DumpDoc is the serializable view of an assembled object, shared by the
// text and YAML renderings of `anns asm dump`.
type DumpDoc struct {
	Sections []DumpSection `yaml:"sections"`
	Symbols  []DumpSymbol  `yaml:"symbols"`
	Imports  []string      `yaml:"imports,omitempty"`
	Prelude  []string      `yaml:"prelude,omitempty"`
}

type DumpSection struct {
	Name   string      `yaml:"name"`
	Size   int64       `yaml:"size"`
	Align  int64       `yaml:"align"`
	NoBits bool        `yaml:"nobits,omitempty"`
	Hex    []string    `yaml:"hex,omitempty"`
	Relocs []DumpReloc `yaml:"relocs,omitempty"`
}

type DumpReloc struct {
	Offset int64  `yaml:"offset"`
	Kind   string `yaml:"kind"`
	Symbol string `yaml:"symbol"`
	Addend int64  `yaml:"addend"`
}

type DumpSymbol struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Section  string `yaml:"section"`
	Offset   int64  `yaml:"offset"`
	Size     int64  `yaml:"size,omitempty"`
	Exported bool   `yaml:"exported,omitempty"`
	TLS      bool   `yaml:"tls,omitempty"`
}

// BuildDump converts an object into its dump document.
func BuildDump(object *Object) *DumpDoc {
	doc := &DumpDoc{}

	for _, section := range object.Sections {
		dumped := DumpSection{
			Name:   section.Kind.ElfName(),
			Size:   section.Size,
			Align:  section.Align,
			NoBits: section.NoBits(),
			Hex:    hexLines(section.Bytes),
		}
		for _, reloc := range section.Relocs {
			dumped.Relocs = append(dumped.Relocs, DumpReloc{
				Offset: reloc.Offset,
				Kind:   reloc.Kind.String(),
				Symbol: reloc.Sym.Name,
				Addend: reloc.Addend,
			})
		}
		doc.Sections = append(doc.Sections, dumped)
	}

	for _, sym := range object.Symbols {
		doc.Symbols = append(doc.Symbols, DumpSymbol{
			Name:     sym.Name,
			Kind:     sym.Kind.String(),
			Section:  sym.Section.ElfName(),
			Offset:   sym.Offset,
			Size:     sym.Size,
			Exported: sym.Exported,
			TLS:      sym.TLS,
		})
	}

	for _, sym := range object.Imports {
		doc.Imports = append(doc.Imports, sym.Name)
	}
	doc.Prelude = object.PreludeLines
	return doc
}

// hexLines renders bytes as 16-per-line hex dump rows.
func hexLines(data []byte) []string {
	var lines []string
	for start := 0; start < len(data); start += 16 {
		end := start + 16
		if end > len(data) {
			end = len(data)
		}
		var row strings.Builder
		fmt.Fprintf(&row, "%06x ", start)
		for _, b := range data[start:end] {
			fmt.Fprintf(&row, " %02x", b)
		}
		lines = append(lines, row.String())
	}
	return lines
}

// WriteDump renders the object as a human readable report.
func WriteDump(w io.Writer, object *Object) error {
	doc := BuildDump(object)

	for _, section := range doc.Sections {
		kind := "progbits"
		if section.NoBits {
			kind = "nobits"
		}
		if _, err := fmt.Fprintf(w, "section %s  (%s, %d bytes, align %d)\n", section.Name, kind, section.Size, section.Align); err != nil {
			return err
		}
		for _, line := range section.Hex {
			if _, err := fmt.Fprintf(w, "  %s\n", line); err != nil {
				return err
			}
		}
		for _, reloc := range section.Relocs {
			if _, err := fmt.Fprintf(w, "  reloc %s+%d %s %s\n",
				utils.FormatUintHex(uint64(reloc.Offset), 6), reloc.Addend, reloc.Kind, reloc.Symbol); err != nil {
				return err
			}
		}
	}

	if len(doc.Symbols) > 0 {
		if _, err := fmt.Fprintln(w, "symbols"); err != nil {
			return err
		}
		for _, sym := range doc.Symbols {
			marker := " "
			if sym.Exported {
				marker = "g"
			}
			if _, err := fmt.Fprintf(w, "  %s %-8s %s+%d size %d  %s\n",
				marker, sym.Kind, sym.Section, sym.Offset, sym.Size, sym.Name); err != nil {
				return err
			}
		}
	}

	if len(doc.Imports) > 0 {
		if _, err := fmt.Fprintf(w, "imports  %s\n", strings.Join(doc.Imports, ", ")); err != nil {
			return err
		}
	}
	for _, line := range doc.Prelude {
		if _, err := fmt.Fprintf(w, "prelude  %s\n", line); err != nil {
			return err
		}
	}
	return nil
}

// WriteDumpYAML renders the object dump as YAML.
func WriteDumpYAML(w io.Writer, object *Object) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(BuildDump(object))
}
