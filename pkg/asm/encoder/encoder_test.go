package encoder

import (
	"testing"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/parser"
	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, text string, opts Options) (*obj.Object, *diag.List) {
	t.Helper()
	buf := source.NewBuffer("test.anns", text)
	diags := diag.NewList(buf)
	unit := parser.Parse(buf, diags)
	require.False(t, diags.HasErrors(), "parse errors")
	program := sema.Analyze(unit, diags)
	require.False(t, diags.HasErrors(), "semantic errors")
	return Encode(program, diags, opts), diags
}

func encodeOK(t *testing.T, text string) *obj.Object {
	t.Helper()
	object, diags := encode(t, text, Options{IncludeTests: true})
	if diags.HasErrors() {
		for _, d := range diags.Diagnostics() {
			t.Logf("diagnostic: %v: %s", d.Kind, d.Message)
		}
	}
	require.False(t, diags.HasErrors())
	return object
}

// textOf assembles a single-function unit and returns the .text bytes.
func textOf(t *testing.T, body string) []byte {
	t.Helper()
	object := encodeOK(t, "section .text {\nf: {\n"+body+"\n}\n}\n")
	section := object.Section(ast.SectionText)
	require.NotNil(t, section)
	return section.Bytes
}

func TestEncodeStackFrame(t *testing.T) {
	bytes := textOf(t, `
	push rbp
	mov rbp, rsp
	mov rsp, rbp
	leave
	pop rbp
	ret
`)
	assert.Equal(t, []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x89, 0xEC, // mov rsp, rbp
		0xC9, // leave
		0x5D, // pop rbp
		0xC3, // ret
	}, bytes)
}

func TestEncodeEnter(t *testing.T) {
	bytes := textOf(t, "enter 16, 0\nret")
	assert.Equal(t, []byte{0xC8, 0x10, 0x00, 0x00, 0xC3}, bytes)
}

func TestEncodeMovImmediates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []byte
	}{
		{"mov r32 imm", "mov eax, 0x11223344", []byte{0xB8, 0x44, 0x33, 0x22, 0x11}},
		{"mov esi imm", "mov esi, 1", []byte{0xBE, 0x01, 0x00, 0x00, 0x00}},
		{"mov r64 small imm", "mov rax, 1", []byte{0x48, 0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00}},
		{"mov r64 negative", "mov rax, -1", []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{
			// a 33 bit positive value must take the imm64 form, not the
			// sign extended 32 bit one
			"mov r64 imm64", "mov rax, 0x100000000",
			[]byte{0x48, 0xB8, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00},
		},
		{
			"mov r64 uint32 boundary", "mov rax, 0xFFFFFFFF",
			[]byte{0x48, 0xB8, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x00},
		},
		{"mov extended reg", "mov r8d, 5", []byte{0x41, 0xB8, 0x05, 0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, append(tt.want, 0xC3), textOf(t, tt.body+"\nret"))
		})
	}
}

func TestEncodeALU(t *testing.T) {
	tests := []struct {
		body string
		want []byte
	}{
		{"xor eax, eax", []byte{0x31, 0xC0}},
		{"xor esi, esi", []byte{0x31, 0xF6}},
		{"add eax, esi", []byte{0x01, 0xF0}},
		{"sub rsp, 8", []byte{0x48, 0x83, 0xEC, 0x08}},
		{"add rsp, 8", []byte{0x48, 0x83, 0xC4, 0x08}},
		{"cmp esi, eax", []byte{0x39, 0xC6}},
		{"cmp eax, 5050", []byte{0x81, 0xF8, 0xBA, 0x13, 0x00, 0x00}},
		{"cmp eax, 4", []byte{0x83, 0xF8, 0x04}},
		{"inc esi", []byte{0xFF, 0xC6}},
		{"inc rsi", []byte{0x48, 0xFF, 0xC6}},
		{"dec ecx", []byte{0xFF, 0xC9}},
		{"test eax, eax", []byte{0x85, 0xC0}},
		{"xor r15, r15", []byte{0x4D, 0x31, 0xFF}},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, append(tt.want, 0xC3), textOf(t, tt.body+"\nret"))
		})
	}
}

func TestEncodeMemoryAddressing(t *testing.T) {
	tests := []struct {
		body string
		want []byte
	}{
		{"mov rax, [rbp]", []byte{0x48, 0x8B, 0x45, 0x00}},
		{"mov rax, [rbp - 8]", []byte{0x48, 0x8B, 0x45, 0xF8}},
		{"mov rax, [rsp]", []byte{0x48, 0x8B, 0x04, 0x24}},
		{"mov rax, [rsp + 8]", []byte{0x48, 0x8B, 0x44, 0x24, 0x08}},
		{"mov eax, [rbx]", []byte{0x8B, 0x03}},
		{"mov eax, [rbx + 0x200]", []byte{0x8B, 0x83, 0x00, 0x02, 0x00, 0x00}},
		{"mov rax, [rbp + rsi*4 + 16]", []byte{0x48, 0x8B, 0x44, 0xB5, 0x10}},
		{"mov [rbx], eax", []byte{0x89, 0x03}},
		{"mov [rbx + 4], ecx", []byte{0x89, 0x4B, 0x04}},
		{"lea rax, [rbx + rcx*8]", []byte{0x48, 0x8D, 0x04, 0xCB}},
		{"mov rax, [r12]", []byte{0x49, 0x8B, 0x04, 0x24}},
		{"mov rax, [r13]", []byte{0x49, 0x8B, 0x45, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, append(tt.want, 0xC3), textOf(t, tt.body+"\nret"))
		})
	}
}

func TestEncodeRIPRelativeLocal(t *testing.T) {
	// Scenario: mov eax, [x] against a .data symbol keeps a PC32
	// relocation at the displacement.
	object := encodeOK(t, `
section .data { x: .data i32, 0x11223344 }
section .text { export main: { mov eax, [x]; ret } }
`)
	text := object.Section(ast.SectionText)
	require.NotNil(t, text)
	assert.Equal(t, []byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00, 0xC3}, text.Bytes)

	require.Len(t, text.Relocs, 1)
	reloc := text.Relocs[0]
	assert.Equal(t, int64(2), reloc.Offset)
	assert.Equal(t, obj.RelocPC32, reloc.Kind)
	assert.Equal(t, "x", reloc.Sym.Name)
	assert.Equal(t, int64(-4), reloc.Addend)

	data := object.Section(ast.SectionData)
	require.NotNil(t, data)
	assert.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, data.Bytes)
}

func TestEncodeSameSectionLeaResolved(t *testing.T) {
	// lea against a same-section label resolves in place, no relocation.
	object := encodeOK(t, `
section .text {
	f: {
		lea rax, [g]
		ret
	}
	g: ret
}
`)
	text := object.Section(ast.SectionText)
	// lea rax,[rip+disp32] is 7 bytes, ret 1; g sits at offset 8.
	// disp = 8 - 7 = 1
	assert.Equal(t, []byte{
		0x48, 0x8D, 0x05, 0x01, 0x00, 0x00, 0x00,
		0xC3,
		0xC3,
	}, text.Bytes)
	assert.Empty(t, text.Relocs)
}

func TestEncodeCallImportPLT(t *testing.T) {
	object := encodeOK(t, `
import function printf
section .text { f: { call printf; ret } }
`)
	text := object.Section(ast.SectionText)
	assert.Equal(t, []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0xC3}, text.Bytes)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocPLT32, text.Relocs[0].Kind)
	assert.Equal(t, "printf", text.Relocs[0].Sym.Name)
	assert.Equal(t, int64(-4), text.Relocs[0].Addend)
	assert.Equal(t, int64(1), text.Relocs[0].Offset)
}

func TestEncodeImportedDataGOT(t *testing.T) {
	object := encodeOK(t, `
import data environ
section .text { f: { mov rax, [environ]; ret } }
`)
	text := object.Section(ast.SectionText)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocGOTPCREL, text.Relocs[0].Kind)
}

func TestEncodeTLSModels(t *testing.T) {
	src := `
section .tdata { counter: .data i64, 0 }
section .text { f: { mov rax, [counter]; ret } }
`
	object, diags := encode(t, src, Options{})
	require.False(t, diags.HasErrors())
	text := object.Section(ast.SectionText)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocGOTTPOFF, text.Relocs[0].Kind)

	object, diags = encode(t, src, Options{TLSModel: TLSModelGeneralDynamic})
	require.False(t, diags.HasErrors())
	text = object.Section(ast.SectionText)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocTLSGD, text.Relocs[0].Kind)
}

func TestEncodeAbsoluteAddressImmediate(t *testing.T) {
	object := encodeOK(t, `
section .data { x: .data i64, 0 }
section .text { f: { mov rax, !addr(x); ret } }
`)
	text := object.Section(ast.SectionText)
	assert.Equal(t, []byte{
		0x48, 0xB8, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0xC3,
	}, text.Bytes)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocAbs64, text.Relocs[0].Kind)
	assert.Equal(t, int64(2), text.Relocs[0].Offset)
	assert.Equal(t, int64(0), text.Relocs[0].Addend)
}

func TestEncodeAccumLoop(t *testing.T) {
	// The accum fixture: forward jz picks the near form, backward jmp the
	// short form.
	object := encodeOK(t, `
section .text {
	export accum: {
		xor eax, eax
		xor esi, esi
		loop: {
			inc esi
			cmp esi, eax
			jz 1f
			add eax, esi
			jmp loop
			_:
			ret
		}
	}
}
`)
	text := object.Section(ast.SectionText)
	assert.Equal(t, []byte{
		0x31, 0xC0, // xor eax, eax
		0x31, 0xF6, // xor esi, esi
		0xFF, 0xC6, // inc esi
		0x39, 0xC6, // cmp esi, eax
		0x0F, 0x84, 0x04, 0x00, 0x00, 0x00, // jz +4 (to ret)
		0x01, 0xF0, // add eax, esi
		0xEB, 0xF2, // jmp -14 (to loop)
		0xC3, // ret
	}, text.Bytes)
	assert.Empty(t, text.Relocs)
}

func TestEncodeBackwardJumpBoundary(t *testing.T) {
	// A backward displacement of exactly -128 still fits the short form.
	// The target label precedes 126 bytes of padding; jmp is 2 bytes.
	var padding string
	for i := 0; i < 63; i++ {
		padding += "\txor eax, eax\n" // 2 bytes each
	}
	bytes := textOf(t, "back:\n"+padding+"\tjmp back\nret")
	jmp := bytes[126:128]
	assert.Equal(t, []byte{0xEB, 0x80}, jmp)

	// One more byte of distance forces the near form.
	padding += "\tnop\n"
	bytes = textOf(t, "back:\n"+padding+"\tjmp back\nret")
	jmp = bytes[127:132]
	assert.Equal(t, []byte{0xE9, 0x7C, 0xFF, 0xFF, 0xFF}, jmp)
}

func TestEncodeMaxNestedAnon(t *testing.T) {
	// The max fixture shape: conditional forward jump to an anonymous
	// label.
	object := encodeOK(t, `
section .text {
	export max: {
		cmp edi, esi
		jge 1f
		mov eax, esi
		ret
		_:
		mov eax, edi
		ret
	}
}
`)
	text := object.Section(ast.SectionText)
	assert.Equal(t, []byte{
		0x39, 0xF7, // cmp edi, esi
		0x0F, 0x8D, 0x03, 0x00, 0x00, 0x00, // jge +3
		0x89, 0xF0, // mov eax, esi
		0xC3,       // ret
		0x89, 0xF8, // mov eax, edi
		0xC3, // ret
	}, text.Bytes)
}

func TestEncodeSymbolOffsets(t *testing.T) {
	object := encodeOK(t, `
section .text {
	f: {
		xor eax, eax
		ret
	}
	g: ret
}
`)
	byName := map[string]int64{}
	for _, sym := range object.Symbols {
		byName[sym.Name] = sym.Offset
	}
	assert.Equal(t, int64(0), byName["f"])
	assert.Equal(t, int64(3), byName["g"])
}

func TestEncodeDataSymbolSizes(t *testing.T) {
	object := encodeOK(t, `
section .data {
	x: .data i32, 0x11223344
	pair:
	.data i16, 1
	.data i16, 2
}
section .bss { buffer: .res 256, i8 }
`)
	byName := map[string]*struct {
		size   int64
		offset int64
	}{}
	for _, sym := range object.Symbols {
		byName[sym.Name] = &struct {
			size   int64
			offset int64
		}{sym.Size, sym.Offset}
	}
	require.Contains(t, byName, "x")
	assert.Equal(t, int64(4), byName["x"].size)
	require.Contains(t, byName, "pair")
	assert.Equal(t, int64(4), byName["pair"].size)
	assert.Equal(t, int64(4), byName["pair"].offset)
	require.Contains(t, byName, "buffer")
	assert.Equal(t, int64(256), byName["buffer"].size)

	bss := object.Section(ast.SectionBss)
	require.NotNil(t, bss)
	assert.Equal(t, int64(256), bss.Size)
	assert.Empty(t, bss.Bytes)
}

func TestEncodeTextTestExcludedByDefault(t *testing.T) {
	src := `
section .text { f: ret }
section .text.test { t: ret }
`
	object, diags := encode(t, src, Options{})
	require.False(t, diags.HasErrors())
	assert.Nil(t, object.Section(ast.SectionTextTest))
	for _, sym := range object.Symbols {
		assert.NotEqual(t, "t", sym.Name)
	}

	object, diags = encode(t, src, Options{IncludeTests: true})
	require.False(t, diags.HasErrors())
	assert.NotNil(t, object.Section(ast.SectionTextTest))
}

func TestEncodeCrossSectionBranch(t *testing.T) {
	object := encodeOK(t, `
section .text { f: { call helper; ret } }
section .text.test { helper: ret }
`)
	text := object.Section(ast.SectionText)
	require.Len(t, text.Relocs, 1)
	assert.Equal(t, obj.RelocPC32, text.Relocs[0].Kind)
	assert.Equal(t, "helper", text.Relocs[0].Sym.Name)
}

func TestEncodeUnsupportedForm(t *testing.T) {
	src := "section .text { f: { mov xmm0, xmm1 } }"
	_, diags := encode(t, src, Options{})
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "unsupported instruction form")
}

func TestEncodeUnknownMnemonic(t *testing.T) {
	src := "section .text { f: { frob eax } }"
	_, diags := encode(t, src, Options{})
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "unknown mnemonic")
}

func TestEncodeImmediateOutOfRange(t *testing.T) {
	src := "section .text { f: { mov eax, 0x100000000 } }"
	_, diags := encode(t, src, Options{})
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "immediate out of range")
}

func TestEncodeAccumulatesErrors(t *testing.T) {
	src := `
section .text {
	f: {
		frob eax
		mov eax, 0x100000000
		ret
	}
}
`
	_, diags := encode(t, src, Options{})
	require.True(t, diags.HasErrors())
	assert.Equal(t, 2, diags.Len())
}

func TestEncodePushImmediate(t *testing.T) {
	bytes := textOf(t, "push 1\npush 0x200\nret")
	assert.Equal(t, []byte{
		0x6A, 0x01,
		0x68, 0x00, 0x02, 0x00, 0x00,
		0xC3,
	}, bytes)
}

func TestEncodeWideningLoads(t *testing.T) {
	object := encodeOK(t, `
section .data { b: .data i8, 5 }
section .text {
	f: {
		movzxb esi, [b]
		movsxb esi, [b]
		ret
	}
}
`)
	text := object.Section(ast.SectionText)
	// movzxb esi, [b] is 0F B6 /r plus a disp32: 7 bytes.
	assert.Equal(t, []byte{0x0F, 0xB6}, text.Bytes[0:2])
	assert.Equal(t, []byte{0x0F, 0xBE}, text.Bytes[7:9])
}
