// Package encoder translates a resolved program into section byte buffers
// and relocations. It is organized around a data driven table mapping
// (mnemonic, operand shape signature) to an encoding rule; unsupported
// combinations fail, they are never misencoded.
package encoder

import (
	"errors"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/utils"
)

var (
	ErrUnsupported      = errors.New("unsupported instruction form")
	ErrImmOutOfRange    = errors.New("immediate out of range")
	ErrDispOutOfRange   = errors.New("displacement out of range")
	ErrBranchOutOfRange = errors.New("branch target out of range")
	ErrTargetExcluded   = errors.New("target section not emitted")
)

// TLS access models selectable on the command line.
const (
	TLSModelInitialExec    = "initial-exec"
	TLSModelGeneralDynamic = "general-dynamic"
)

// Options steers relocation selection and section inclusion.
type Options struct {
	// PIE records that a position independent object was requested.
	// Relocation selection is the same with or without it: symbolic
	// accesses are always PC relative and imported data always goes
	// through GOTPCREL.
	PIE bool
	// TLSModel selects the relocation family for thread local symbols.
	TLSModel string
	// IncludeTests keeps the .text.test section in the output.
	IncludeTests bool
}

// sectionAlign is the recorded alignment per section kind.
var sectionAlign = map[ast.SectionKind]int64{
	ast.SectionText:     16,
	ast.SectionTextTest: 16,
	ast.SectionData:     8,
	ast.SectionROData:   8,
	ast.SectionBss:      8,
	ast.SectionTData:    8,
	ast.SectionTBss:     8,
}

// Encode lays out every section of the program, encodes its instructions
// and data, resolves same-section fixups in place and returns the object
// with the surviving relocations.
func Encode(program *sema.Program, diags *diag.List, opts Options) *obj.Object {
	if opts.TLSModel == "" {
		opts.TLSModel = TLSModelInitialExec
	}
	e := &encoder{program: program, diags: diags, opts: opts, object: &obj.Object{}}

	var encoders []*sectionEncoder
	included := map[ast.SectionKind]bool{}
	for _, section := range program.Sections {
		if section.Kind == ast.SectionTextTest && !opts.IncludeTests {
			continue
		}
		if len(section.Items) == 0 {
			continue
		}
		se := &sectionEncoder{
			enc:     e,
			section: &obj.Section{Kind: section.Kind, Align: sectionAlign[section.Kind]},
		}
		se.encodeSection(section)
		encoders = append(encoders, se)
		included[section.Kind] = true
	}

	for _, se := range encoders {
		if se.section.Size > 0 {
			e.object.Sections = append(e.object.Sections, se.section)
		}
	}
	for _, se := range encoders {
		se.resolveFixups(included)
	}

	for _, sym := range program.DefinedSymbols() {
		if included[sym.Section] {
			e.object.Symbols = append(e.object.Symbols, sym)
		}
	}
	e.object.Imports = program.Imports
	e.object.PreludeLines = program.PreludeLines
	return e.object
}

type encoder struct {
	program *sema.Program
	diags   *diag.List
	opts    Options
	object  *obj.Object
}

func (e *encoder) errorf(span source.Span, err error, format string, args ...any) {
	e.diags.Errorf(diag.KindEncode, span, "%v", utils.MakeError(err, format, args...))
}

// sectionEncoder drives one section's buffer and its pending fixups.
type sectionEncoder struct {
	enc     *encoder
	section *obj.Section
	fixups  []fixup
}

// fixup is one byte range to patch or relocate once layout is known.
type fixup struct {
	offset   int64
	size     int
	pcBase   int64
	target   *sema.Symbol
	addend   int64
	kind     obj.RelocKind
	absolute bool
	span     source.Span
}

func (se *sectionEncoder) encodeSection(section *sema.Section) {
	for _, item := range section.Items {
		switch {
		case item.Def != nil:
			item.Def.Offset = se.section.Size
			item.Def.Placed = true

		case item.Data != nil:
			offset := se.section.Append(item.Data.Bytes...)
			for _, dataReloc := range item.Data.Relocs {
				kind := obj.RelocAbs64
				if dataReloc.Size == 4 {
					kind = obj.RelocAbs32
				}
				se.section.Relocs = append(se.section.Relocs, obj.Reloc{
					Offset: offset + int64(dataReloc.Offset),
					Kind:   kind,
					Sym:    dataReloc.Sym,
					Addend: dataReloc.Addend,
				})
			}

		case item.Res != nil:
			se.section.Reserve(item.Res.Size)

		case item.Instr != nil:
			if err := se.encodeInstr(item.Instr); err != nil {
				se.enc.diags.Errorf(diag.KindEncode, item.Instr.Span, "%v", err)
			}
		}
	}
}

// branchMnemonics are the instructions whose symbol operand is a branch
// target rather than an absolute address.
var branchMnemonics = func() map[string]bool {
	branches := map[string]bool{"call": true, "jmp": true}
	for mnemonic := range ccOps {
		branches[mnemonic] = true
	}
	return branches
}()

func (se *sectionEncoder) encodeInstr(inst *sema.Instr) error {
	// Outside branch context a bare symbol means its absolute address.
	if !branchMnemonics[inst.Mnemonic] {
		for i, op := range inst.Ops {
			if op.Kind == sema.OperandSym {
				inst.Ops[i] = sema.Operand{
					Kind:   sema.OperandImm,
					Span:   op.Span,
					ImmSym: op.Sym,
				}
			}
		}
	}

	forms := Forms[inst.Mnemonic]
	if len(forms) == 0 {
		return utils.MakeError(ErrUnsupported, "unknown mnemonic '%s'", inst.Mnemonic)
	}
	for _, form := range forms {
		if form.Matches(inst) {
			return form.emit(se, inst)
		}
	}
	return utils.MakeError(ErrUnsupported, "'%s' has no encoding for this operand combination", shapeSignature(inst))
}

// relocKindFor selects the relocation family for a symbolic memory
// access.
func (se *sectionEncoder) relocKindFor(sym *sema.Symbol) obj.RelocKind {
	switch {
	case sym.TLS:
		if se.enc.opts.TLSModel == TLSModelGeneralDynamic {
			return obj.RelocTLSGD
		}
		return obj.RelocGOTTPOFF
	case sym.Kind == sema.SymbolImportData:
		return obj.RelocGOTPCREL
	case sym.Kind == sema.SymbolImportFunction:
		return obj.RelocPLT32
	default:
		return obj.RelocPC32
	}
}

// resolveFixups patches every fixup whose target landed in the same
// section and converts the rest into relocations.
func (se *sectionEncoder) resolveFixups(included map[ast.SectionKind]bool) {
	for _, f := range se.fixups {
		if f.absolute {
			se.section.Relocs = append(se.section.Relocs, obj.Reloc{
				Offset: f.offset,
				Kind:   f.kind,
				Sym:    f.target,
				Addend: f.addend,
			})
			continue
		}

		sameSection := f.target.Placed && f.target.Section == se.section.Kind && f.kind == obj.RelocPC32
		if sameSection {
			disp := f.target.Offset + f.addend - f.pcBase
			if !utils.FitsSigned(disp, 8*f.size) {
				se.enc.errorf(f.span, ErrBranchOutOfRange, "displacement %d does not fit in %d bytes", disp, f.size)
				continue
			}
			se.patch(f.offset, f.size, disp)
			continue
		}

		if !f.target.Imported() && !included[f.target.Section] {
			se.enc.errorf(f.span, ErrTargetExcluded, "'%s' lives in %s", f.target.Name, f.target.Section)
			continue
		}

		se.section.Relocs = append(se.section.Relocs, obj.Reloc{
			Offset: f.offset,
			Kind:   f.kind,
			Sym:    f.target,
			Addend: f.addend - (f.pcBase - f.offset),
		})
	}
	se.fixups = nil
}

// patch writes a resolved little-endian displacement over placeholder
// bytes.
func (se *sectionEncoder) patch(offset int64, size int, value int64) {
	for i := 0; i < size; i++ {
		se.section.Bytes[offset+int64(i)] = byte(value >> (8 * i))
	}
}
