package obj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/utils"
)

var (
	ErrSectionTooLarge = errors.New("section size exceeds ELF limits")
	ErrUnknownReloc    = errors.New("unknown relocation kind")
)

// PreludeSectionName is the non-alloc section carrying the serialized
// test harness prelude.
const PreludeSectionName = ".anns.prelude"

// relocTypes maps the encoder's relocation kinds to x86-64 ELF types.
var relocTypes = map[RelocKind]elf.R_X86_64{
	RelocPC32:     elf.R_X86_64_PC32,
	RelocPLT32:    elf.R_X86_64_PLT32,
	RelocGOTPCREL: elf.R_X86_64_GOTPCREL,
	RelocAbs32:    elf.R_X86_64_32,
	RelocAbs64:    elf.R_X86_64_64,
	RelocGOTTPOFF: elf.R_X86_64_GOTTPOFF,
	RelocTLSGD:    elf.R_X86_64_TLSGD,
}

// WriteELF serializes the object into an ELF64 little-endian relocatable
// image. Output is fully deterministic: section, symbol, string table and
// relocation ordering depend only on the object's contents.
func WriteELF(object *Object) ([]byte, error) {
	w := &elfWriter{object: object}
	return w.write()
}

type elfWriter struct {
	object *Object

	shstrtab stringTable
	strtab   stringTable

	headers  []elf.Section64
	contents [][]byte // per header, nil for NOBITS

	symIndex map[*sema.Symbol]int
}

// stringTable builds an ELF string table with first-use interning.
type stringTable struct {
	data    []byte
	offsets map[string]uint32
}

func (t *stringTable) add(s string) uint32 {
	if t.offsets == nil {
		t.offsets = map[string]uint32{}
		t.data = []byte{0}
	}
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.offsets[s] = off
	return off
}

func (w *elfWriter) write() ([]byte, error) {
	// Index 0 is the null section.
	w.headers = append(w.headers, elf.Section64{})
	w.contents = append(w.contents, nil)
	w.shstrtab.add("")
	w.strtab.add("")

	sectionIndex := map[*Section]int{}
	for _, section := range w.object.Sections {
		if section.Size > 0xFFFFFFFF {
			return nil, utils.MakeError(ErrSectionTooLarge, "%s holds %d bytes", section.Kind, section.Size)
		}
		idx := w.addSection(section)
		sectionIndex[section] = idx
	}

	symtab, firstGlobal := w.buildSymtab(sectionIndex)

	// Relocation sections, one per section that kept relocations.
	for _, section := range w.object.Sections {
		if len(section.Relocs) == 0 {
			continue
		}
		body, err := w.buildRelocs(section)
		if err != nil {
			return nil, err
		}
		w.headers = append(w.headers, elf.Section64{
			Name:      w.shstrtab.add(".rela" + section.Kind.ElfName()),
			Type:      uint32(elf.SHT_RELA),
			Flags:     uint64(elf.SHF_INFO_LINK),
			Info:      uint32(sectionIndex[section]),
			Addralign: 8,
			Entsize:   24,
		})
		w.contents = append(w.contents, body)
	}
	// Prelude note.
	if len(w.object.PreludeLines) > 0 {
		body := []byte(strings.Join(w.object.PreludeLines, "\n") + "\n")
		w.headers = append(w.headers, elf.Section64{
			Name:      w.shstrtab.add(PreludeSectionName),
			Type:      uint32(elf.SHT_PROGBITS),
			Addralign: 1,
		})
		w.contents = append(w.contents, body)
	}

	// Symbol table, string table, section name table.
	symtabIndex := len(w.headers)
	w.headers = append(w.headers, elf.Section64{
		Name:      w.shstrtab.add(".symtab"),
		Type:      uint32(elf.SHT_SYMTAB),
		Info:      uint32(firstGlobal),
		Addralign: 8,
		Entsize:   24,
	})
	w.contents = append(w.contents, symtab)

	strtabIndex := len(w.headers)
	w.headers = append(w.headers, elf.Section64{
		Name:      w.shstrtab.add(".strtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Addralign: 1,
	})
	w.contents = append(w.contents, nil) // filled below, after table is frozen

	shstrtabIndex := len(w.headers)
	w.headers = append(w.headers, elf.Section64{
		Name:      w.shstrtab.add(".shstrtab"),
		Type:      uint32(elf.SHT_STRTAB),
		Addralign: 1,
	})
	w.contents = append(w.contents, nil)

	// Rela sections link to the symbol table.
	for i := range w.headers {
		if w.headers[i].Type == uint32(elf.SHT_RELA) {
			w.headers[i].Link = uint32(symtabIndex)
		}
	}
	w.headers[symtabIndex].Link = uint32(strtabIndex)

	w.contents[strtabIndex] = w.strtab.data
	w.contents[shstrtabIndex] = w.shstrtab.data

	return w.serialize(shstrtabIndex)
}

// addSection appends the header and body of one program section.
func (w *elfWriter) addSection(section *Section) int {
	header := elf.Section64{
		Name:      w.shstrtab.add(section.Kind.ElfName()),
		Type:      uint32(elf.SHT_PROGBITS),
		Flags:     uint64(elf.SHF_ALLOC),
		Size:      uint64(section.Size),
		Addralign: uint64(section.Align),
	}
	if section.NoBits() {
		header.Type = uint32(elf.SHT_NOBITS)
	}
	if section.Kind.IsText() {
		header.Flags |= uint64(elf.SHF_EXECINSTR)
	}
	if section.Kind.Writable() {
		header.Flags |= uint64(elf.SHF_WRITE)
	}
	if section.Kind.IsTLS() {
		header.Flags |= uint64(elf.SHF_TLS)
	}

	w.headers = append(w.headers, header)
	if section.NoBits() {
		w.contents = append(w.contents, nil)
	} else {
		w.contents = append(w.contents, section.Bytes)
	}
	return len(w.headers) - 1
}

// buildSymtab serializes the symbol table: null entry, section symbols,
// local defined symbols, then globals (exported and undefined imports).
// It returns the body and the index of the first global entry.
func (w *elfWriter) buildSymtab(sectionIndex map[*Section]int) ([]byte, int) {
	w.symIndex = map[*sema.Symbol]int{}

	var body bytes.Buffer
	count := 0
	emit := func(sym elf.Sym64) {
		binary.Write(&body, binary.LittleEndian, &sym)
		count++
	}

	emit(elf.Sym64{}) // null entry

	for _, section := range w.object.Sections {
		emit(elf.Sym64{
			Info:  elfSymInfo(elf.STB_LOCAL, elf.STT_SECTION),
			Shndx: uint16(sectionIndex[section]),
		})
	}

	sectionOf := func(sym *sema.Symbol) uint16 {
		for _, section := range w.object.Sections {
			if section.Kind == sym.Section {
				return uint16(sectionIndex[section])
			}
		}
		return uint16(elf.SHN_UNDEF)
	}

	symType := func(sym *sema.Symbol) elf.SymType {
		switch {
		case sym.TLS:
			return elf.STT_TLS
		case sym.Kind == sema.SymbolFunction:
			return elf.STT_FUNC
		case sym.Imported():
			return elf.STT_NOTYPE
		default:
			return elf.STT_OBJECT
		}
	}

	emitNamed := func(sym *sema.Symbol, bind elf.SymBind) {
		size := uint64(0)
		if sym.Kind == sema.SymbolData {
			size = uint64(sym.Size)
		}
		w.symIndex[sym] = count
		emit(elf.Sym64{
			Name:  w.strtab.add(sym.Name),
			Info:  elfSymInfo(bind, symType(sym)),
			Shndx: sectionOf(sym),
			Value: uint64(sym.Offset),
			Size:  size,
		})
	}

	for _, sym := range w.object.Symbols {
		if !sym.Exported {
			emitNamed(sym, elf.STB_LOCAL)
		}
	}
	firstGlobal := count
	for _, sym := range w.object.Symbols {
		if sym.Exported {
			emitNamed(sym, elf.STB_GLOBAL)
		}
	}
	for _, sym := range w.object.Imports {
		w.symIndex[sym] = count
		emit(elf.Sym64{
			Name:  w.strtab.add(sym.Name),
			Info:  elfSymInfo(elf.STB_GLOBAL, elf.STT_NOTYPE),
			Shndx: uint16(elf.SHN_UNDEF),
		})
	}

	return body.Bytes(), firstGlobal
}

func elfSymInfo(bind elf.SymBind, typ elf.SymType) uint8 {
	return uint8(bind)<<4 | uint8(typ)&0xF
}

// buildRelocs serializes one section's surviving relocations.
func (w *elfWriter) buildRelocs(section *Section) ([]byte, error) {
	var body bytes.Buffer
	for _, reloc := range section.Relocs {
		relocType, ok := relocTypes[reloc.Kind]
		if !ok {
			return nil, utils.MakeError(ErrUnknownReloc, "%v", reloc.Kind)
		}
		symIdx, ok := w.symIndex[reloc.Sym]
		if !ok {
			return nil, utils.MakeError(ErrUnknownReloc, "relocation against unindexed symbol '%s'", reloc.Sym.Name)
		}
		binary.Write(&body, binary.LittleEndian, &elf.Rela64{
			Off:    uint64(reloc.Offset),
			Info:   uint64(symIdx)<<32 | uint64(relocType),
			Addend: reloc.Addend,
		})
	}
	return body.Bytes(), nil
}

// serialize lays the headers and bodies out into the final image: ELF
// header, section bodies, then the section header table.
func (w *elfWriter) serialize(shstrtabIndex int) ([]byte, error) {
	const ehdrSize = 64
	const shentSize = 64

	offset := uint64(ehdrSize)
	for i := range w.headers {
		if w.contents[i] == nil && w.headers[i].Type != uint32(elf.SHT_NOBITS) {
			continue
		}
		align := w.headers[i].Addralign
		if align > 1 {
			offset = (offset + align - 1) &^ (align - 1)
		}
		w.headers[i].Off = offset
		if w.headers[i].Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		if w.headers[i].Size == 0 {
			w.headers[i].Size = uint64(len(w.contents[i]))
		}
		offset += uint64(len(w.contents[i]))
	}

	shoff := (offset + 7) &^ 7

	header := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shoff,
		Ehsize:    ehdrSize,
		Shentsize: shentSize,
		Shnum:     uint16(len(w.headers)),
		Shstrndx:  uint16(shstrtabIndex),
	}
	ident := [16]byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	copy(header.Ident[:], ident[:])

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, &header)
	for i := range w.headers {
		if w.headers[i].Type == uint32(elf.SHT_NOBITS) || w.contents[i] == nil {
			continue
		}
		for uint64(out.Len()) < w.headers[i].Off {
			out.WriteByte(0)
		}
		out.Write(w.contents[i])
	}
	for uint64(out.Len()) < shoff {
		out.WriteByte(0)
	}
	for i := range w.headers {
		binary.Write(&out, binary.LittleEndian, &w.headers[i])
	}
	return out.Bytes(), nil
}
