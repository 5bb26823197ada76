package parser

import (
	"testing"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, text string) (*ast.Unit, *diag.List) {
	t.Helper()
	buf := source.NewBuffer("test.anns", text)
	diags := diag.NewList(buf)
	return Parse(buf, diags), diags
}

func parseOK(t *testing.T, text string) *ast.Unit {
	t.Helper()
	unit, diags := parse(t, text)
	if diags.HasErrors() {
		for _, d := range diags.Diagnostics() {
			t.Logf("diagnostic: %v: %s", d.Kind, d.Message)
		}
	}
	require.False(t, diags.HasErrors())
	return unit
}

func TestParseArchDefault(t *testing.T) {
	unit := parseOK(t, "section .text { ret }")
	assert.Equal(t, "x86-64", unit.Arch)
}

func TestParseArchDirective(t *testing.T) {
	unit := parseOK(t, "arch x86-64\nsection .text { ret }")
	assert.Equal(t, "x86-64", unit.Arch)
}

func TestParseDuplicateArch(t *testing.T) {
	_, diags := parse(t, "arch x86-64\narch x86-64\n")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "at most once")
}

func TestParseImports(t *testing.T) {
	unit := parseOK(t, "import function printf, exit\nimport data errno\n")
	require.Len(t, unit.Items, 2)

	funcs, ok := unit.Items[0].(*ast.ImportFunction)
	require.True(t, ok)
	assert.Equal(t, []string{"printf", "exit"}, funcs.Names)

	data, ok := unit.Items[1].(*ast.ImportData)
	require.True(t, ok)
	assert.Equal(t, []string{"errno"}, data.Names)
}

func TestParseDuplicateImport(t *testing.T) {
	_, diags := parse(t, "import function printf\nimport function printf\n")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "duplicate import")
}

func TestParseDefine(t *testing.T) {
	unit := parseOK(t, "define CHAR_LF, 10\ndefine GREETING, \"hello\"\n")
	require.Len(t, unit.Items, 2)

	def := unit.Items[0].(*ast.Define)
	assert.Equal(t, "CHAR_LF", def.Name)
	lit, ok := def.Value.(*ast.IntLit)
	require.True(t, ok)
	assert.Equal(t, uint64(10), lit.Value)

	def = unit.Items[1].(*ast.Define)
	str, ok := def.Value.(*ast.StrLit)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), str.Bytes)
}

func TestParseSectionKinds(t *testing.T) {
	unit := parseOK(t, `
section .text { }
section .text.test { }
section .data { }
section .rodata { }
section .bss { }
section .tdata { }
section .tbss { }
`)
	sections := unit.Sections()
	require.Len(t, sections, 7)
	assert.Equal(t, ast.SectionText, sections[0].Kind)
	assert.Equal(t, ast.SectionTextTest, sections[1].Kind)
	assert.Equal(t, ast.SectionData, sections[2].Kind)
	assert.Equal(t, ast.SectionROData, sections[3].Kind)
	assert.Equal(t, ast.SectionBss, sections[4].Kind)
	assert.Equal(t, ast.SectionTData, sections[5].Kind)
	assert.Equal(t, ast.SectionTBss, sections[6].Kind)
}

func TestParseSectionClassHint(t *testing.T) {
	unit := parseOK(t, "section uninit .bss { }\nsection code .text { }\nsection data .data { }\n")
	sections := unit.Sections()
	require.Len(t, sections, 3)
	assert.Equal(t, ast.SectionBss, sections[0].Kind)
	assert.Equal(t, ast.SectionText, sections[1].Kind)
	assert.Equal(t, ast.SectionData, sections[2].Kind)
}

func TestParseUnknownSectionKind(t *testing.T) {
	_, diags := parse(t, "section .nope { }")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "unknown section kind")
}

func TestParseLabels(t *testing.T) {
	unit := parseOK(t, `
section .text {
	export main: {
		call helper
		ret
	}
	helper:
	ret
}
`)
	body := unit.Sections()[0].Body
	require.Len(t, body, 3)

	main, ok := body[0].(*ast.Label)
	require.True(t, ok)
	assert.Equal(t, "main", main.Name)
	assert.True(t, main.Exported)
	assert.True(t, main.HasBlock)
	require.Len(t, main.Body, 2)

	helper, ok := body[1].(*ast.Label)
	require.True(t, ok)
	assert.Equal(t, "helper", helper.Name)
	assert.False(t, helper.Exported)
	assert.False(t, helper.HasBlock)

	_, ok = body[2].(*ast.Instr)
	assert.True(t, ok)
}

func TestParseAnonymousLabels(t *testing.T) {
	unit := parseOK(t, `
section .text {
	_:
	inc esi
	jmp 1b
	_: {
		ret
	}
}
`)
	body := unit.Sections()[0].Body
	require.Len(t, body, 4)

	marker, ok := body[0].(*ast.AnonLabel)
	require.True(t, ok)
	assert.False(t, marker.HasBlock)

	jump := body[2].(*ast.Instr)
	rel, ok := jump.Operands[0].(*ast.RelPosOperand)
	require.True(t, ok)
	assert.Equal(t, 1, rel.N)
	assert.False(t, rel.Forward)

	block, ok := body[3].(*ast.AnonLabel)
	require.True(t, ok)
	assert.True(t, block.HasBlock)
	assert.Len(t, block.Body, 1)
}

func TestParseInstructionOperands(t *testing.T) {
	unit := parseOK(t, `
section .text {
	mov rbp, rsp
	mov eax, 0x11223344
	mov rax, -1
	mov eax, [x]
	cmp esi, eax
	enter 16, 0
	ret
}
`)
	body := unit.Sections()[0].Body
	require.Len(t, body, 7)

	mov := body[0].(*ast.Instr)
	assert.Equal(t, "mov", mov.Mnemonic)
	require.Len(t, mov.Operands, 2)
	assert.Equal(t, "rbp", mov.Operands[0].(*ast.RegOperand).Name)
	assert.Equal(t, "rsp", mov.Operands[1].(*ast.RegOperand).Name)

	movImm := body[1].(*ast.Instr)
	imm := movImm.Operands[1].(*ast.ImmOperand).Value.(*ast.IntLit)
	assert.Equal(t, uint64(0x11223344), imm.Value)

	movNeg := body[2].(*ast.Instr)
	neg := movNeg.Operands[1].(*ast.ImmOperand).Value.(*ast.IntLit)
	assert.Equal(t, uint64(0xFFFFFFFFFFFFFFFF), neg.Value)

	movMem := body[3].(*ast.Instr)
	mem := movMem.Operands[1].(*ast.MemOperand)
	ident, ok := mem.SymExpr.(*ast.Ident)
	require.True(t, ok)
	assert.Equal(t, "x", ident.Name)

	enter := body[5].(*ast.Instr)
	require.Len(t, enter.Operands, 2)

	ret := body[6].(*ast.Instr)
	assert.Empty(t, ret.Operands)
}

func TestParseZeroOperandBeforeNextInstruction(t *testing.T) {
	// `ret` takes no operand; `inc esi` on the next line must not be
	// swallowed as operands.
	unit := parseOK(t, "section .text {\n\tret\n\tinc esi\n}")
	body := unit.Sections()[0].Body
	require.Len(t, body, 2)
	assert.Equal(t, "ret", body[0].(*ast.Instr).Mnemonic)
	assert.Equal(t, "inc", body[1].(*ast.Instr).Mnemonic)
}

func TestParseMemOperandForms(t *testing.T) {
	unit := parseOK(t, `
section .text {
	mov rax, [rbp]
	mov rax, [rbp - 8]
	mov rax, [rbp + rsi*4 + 16]
	mov rax, [rsi + rdi]
	mov eax, [x + 4]
}
`)
	body := unit.Sections()[0].Body

	mem := body[0].(*ast.Instr).Operands[1].(*ast.MemOperand)
	assert.Equal(t, "rbp", mem.Base)
	assert.Empty(t, mem.Index)
	assert.Zero(t, mem.Disp)

	mem = body[1].(*ast.Instr).Operands[1].(*ast.MemOperand)
	assert.Equal(t, int64(-8), mem.Disp)

	mem = body[2].(*ast.Instr).Operands[1].(*ast.MemOperand)
	assert.Equal(t, "rbp", mem.Base)
	assert.Equal(t, "rsi", mem.Index)
	assert.Equal(t, 4, mem.Scale)
	assert.Equal(t, int64(16), mem.Disp)

	mem = body[3].(*ast.Instr).Operands[1].(*ast.MemOperand)
	assert.Equal(t, "rsi", mem.Base)
	assert.Equal(t, "rdi", mem.Index)
	assert.Equal(t, 1, mem.Scale)

	mem = body[4].(*ast.Instr).Operands[1].(*ast.MemOperand)
	assert.Equal(t, "x", mem.SymExpr.(*ast.Ident).Name)
	assert.Equal(t, int64(4), mem.Disp)
}

func TestParseBadScale(t *testing.T) {
	_, diags := parse(t, "section .text { mov rax, [rbp + rsi*3] }")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "scale")
}

func TestParseDataDirectives(t *testing.T) {
	unit := parseOK(t, `
section .data {
	x: .data i32, 0x11223344
	msg: .data i8, "Hello", CHAR_LF, 0
	table: .data 4, i16, 0xFFFF
}
section .bss {
	buffer: .res 256, i8
	one: .res i64
}
`)
	data := unit.Sections()[0].Body
	require.Len(t, data, 6)

	x := data[1].(*ast.DataDef)
	assert.Equal(t, ast.TypeI32, x.Type)
	assert.Zero(t, x.Count)
	require.Len(t, x.Values, 1)

	msg := data[3].(*ast.DataDef)
	assert.Equal(t, ast.TypeI8, msg.Type)
	require.Len(t, msg.Values, 3)
	assert.IsType(t, &ast.StrLit{}, msg.Values[0])
	assert.IsType(t, &ast.Ident{}, msg.Values[1])
	assert.IsType(t, &ast.IntLit{}, msg.Values[2])

	table := data[5].(*ast.DataDef)
	assert.Equal(t, 4, table.Count)
	assert.Equal(t, ast.TypeI16, table.Type)
	require.Len(t, table.Values, 1)

	bss := unit.Sections()[1].Body
	buffer := bss[1].(*ast.ResDef)
	assert.Equal(t, 256, buffer.Count)
	assert.Equal(t, ast.TypeI8, buffer.Type)

	one := bss[3].(*ast.ResDef)
	assert.Equal(t, 1, one.Count)
	assert.Equal(t, ast.TypeI64, one.Type)
}

func TestParseMacroStatements(t *testing.T) {
	unit := parseOK(t, `
section .text {
	!pstr "starting\n"
	!pval "%d\n", 42
	!preg "%d %d\n", eax, esi
	!assert_eq eax, 5050, "accum result"
	!mem buffer 16
	!regs
}
`)
	body := unit.Sections()[0].Body
	require.Len(t, body, 6)

	pstr := body[0].(*ast.Macro)
	assert.Equal(t, "pstr", pstr.Name)
	require.Len(t, pstr.Args, 1)

	pval := body[1].(*ast.Macro)
	require.Len(t, pval.Args, 2)

	preg := body[2].(*ast.Macro)
	require.Len(t, preg.Args, 3)
	assert.Equal(t, "eax", preg.Args[1].(*ast.Ident).Name)

	assertEq := body[3].(*ast.Macro)
	require.Len(t, assertEq.Args, 3)

	// !mem takes space separated arguments
	mem := body[4].(*ast.Macro)
	require.Len(t, mem.Args, 2)
	assert.Equal(t, "buffer", mem.Args[0].(*ast.Ident).Name)
	assert.Equal(t, uint64(16), mem.Args[1].(*ast.IntLit).Value)

	regs := body[5].(*ast.Macro)
	assert.Empty(t, regs.Args)
}

func TestParseExprMacros(t *testing.T) {
	unit := parseOK(t, `
section .text {
	mov edx, !strlen(msg)
	mov rax, !addr(x)
	mov ecx, !load(i32, x)
}
`)
	body := unit.Sections()[0].Body

	strlen := body[0].(*ast.Instr).Operands[1].(*ast.ImmOperand).Value.(*ast.StrLen)
	assert.Equal(t, "msg", strlen.Sym)

	addr := body[1].(*ast.Instr).Operands[1].(*ast.ImmOperand).Value.(*ast.AddrOf)
	assert.Equal(t, "x", addr.Sym)

	load := body[2].(*ast.Instr).Operands[1].(*ast.ImmOperand).Value.(*ast.LoadOf)
	assert.Equal(t, ast.TypeI32, load.Type)
	assert.Equal(t, "x", load.Sym)
}

func TestParseSemicolonSeparatedStatements(t *testing.T) {
	unit := parseOK(t, "section .text { export main: { mov eax, [x]; ret } }")
	main := unit.Sections()[0].Body[0].(*ast.Label)
	require.Len(t, main.Body, 2)
	assert.Equal(t, "mov", main.Body[0].(*ast.Instr).Mnemonic)
	assert.Equal(t, "ret", main.Body[1].(*ast.Instr).Mnemonic)
}

func TestParseRecoversMultipleErrors(t *testing.T) {
	_, diags := parse(t, `
section .nope { }
define , 5
section .text {
	mov eax, [rbp + rsi*3]
	ret
}
`)
	require.True(t, diags.HasErrors())
	assert.GreaterOrEqual(t, diags.Len(), 3)
}

func TestParseUnclosedSection(t *testing.T) {
	_, diags := parse(t, "section .text {\n\tret\n")
	require.True(t, diags.HasErrors())
	found := false
	for _, d := range diags.Diagnostics() {
		if d.Kind == diag.KindParse {
			found = true
		}
	}
	assert.True(t, found)
}

func TestParseSpans(t *testing.T) {
	text := "section .text { ret }"
	unit := parseOK(t, text)
	section := unit.Sections()[0]
	assert.Equal(t, 0, section.Sp.Start)
	assert.Equal(t, len(text), section.Sp.End)
}
