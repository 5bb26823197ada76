package lexer

import (
	"testing"

	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lex(t *testing.T, text string) ([]Token, *diag.List) {
	t.Helper()
	buf := source.NewBuffer("test.anns", text)
	diags := diag.NewList(buf)
	return Tokens(buf, diags), diags
}

func kinds(tokens []Token) []Kind {
	result := make([]Kind, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.Kind
	}
	return result
}

func TestLexInstructionLine(t *testing.T) {
	tokens, diags := lex(t, "mov eax, [rbp + rsi*4 - 8]")
	require.False(t, diags.HasErrors())

	assert.Equal(t, []Kind{
		KindIdent, KindIdent, KindComma, KindLBracket, KindIdent, KindPlus,
		KindIdent, KindStar, KindInt, KindMinus, KindInt, KindRBracket, KindEOF,
	}, kinds(tokens))
	assert.Equal(t, "mov", tokens[0].Text)
	assert.Equal(t, uint64(4), tokens[8].IntVal)
}

func TestLexKeywordsAndTypes(t *testing.T) {
	tokens, diags := lex(t, "section import define export i32 u8 x64 b16 f64 c foo")
	require.False(t, diags.HasErrors())

	assert.Equal(t, []Kind{
		KindKeyword, KindKeyword, KindKeyword, KindKeyword,
		KindType, KindType, KindType, KindType, KindType, KindType,
		KindIdent, KindEOF,
	}, kinds(tokens))
}

func TestLexComments(t *testing.T) {
	tokens, diags := lex(t, ";; full line comment\nret ;; trailing\n")
	require.False(t, diags.HasErrors())
	require.Len(t, tokens, 2)
	assert.Equal(t, "ret", tokens[0].Text)
}

func TestLexSemicolonSeparator(t *testing.T) {
	tokens, diags := lex(t, "inc esi; ret")
	require.False(t, diags.HasErrors())
	assert.Equal(t, []Kind{KindIdent, KindIdent, KindSemicolon, KindIdent, KindEOF}, kinds(tokens))
}

func TestLexIntegerLiterals(t *testing.T) {
	tests := []struct {
		text   string
		value  uint64
		base   int
		suffix string
	}{
		{"0", 0, 10, ""},
		{"5050", 5050, 10, ""},
		{"0x11223344", 0x11223344, 16, ""},
		{"0xDEAD_beef", 0xdeadbeef, 16, ""},
		{"0b1010", 10, 2, ""},
		{"1_000_000", 1000000, 10, ""},
		{"255u8", 255, 10, "u8"},
		{"0x7fi64", 0x7f, 16, "i64"},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tokens, diags := lex(t, tt.text)
			require.False(t, diags.HasErrors(), "diagnostics for %q", tt.text)
			require.Equal(t, KindInt, tokens[0].Kind)
			assert.Equal(t, tt.value, tokens[0].IntVal)
			assert.Equal(t, tt.base, tokens[0].IntBase)
			assert.Equal(t, tt.suffix, tokens[0].Suffix)
		})
	}
}

func TestLexRelPos(t *testing.T) {
	tokens, diags := lex(t, "jz 1f jmp 2b")
	require.False(t, diags.HasErrors())

	require.Equal(t, KindRelPos, tokens[1].Kind)
	assert.Equal(t, 1, tokens[1].RelN)
	assert.True(t, tokens[1].RelForward)

	require.Equal(t, KindRelPos, tokens[3].Kind)
	assert.Equal(t, 2, tokens[3].RelN)
	assert.False(t, tokens[3].RelForward)
}

func TestLexRelPosVsBinary(t *testing.T) {
	// 0b101 is a binary literal, 1b is a relative position reference.
	tokens, diags := lex(t, "0b101 1b")
	require.False(t, diags.HasErrors())
	assert.Equal(t, KindInt, tokens[0].Kind)
	assert.Equal(t, uint64(5), tokens[0].IntVal)
	assert.Equal(t, KindRelPos, tokens[1].Kind)
}

func TestLexAnonymousLabel(t *testing.T) {
	tokens, diags := lex(t, "_: { } _x _")
	require.False(t, diags.HasErrors())
	assert.Equal(t, []Kind{
		KindAnon, KindColon, KindLBrace, KindRBrace, KindIdent, KindIdent, KindEOF,
	}, kinds(tokens))
	assert.Equal(t, "_x", tokens[4].Text)
	assert.Equal(t, "_", tokens[5].Text)
}

func TestLexString(t *testing.T) {
	tokens, diags := lex(t, `"Hi\n" "a\tb" "\x41\x0a" "q\"w" "\\" "\0"`)
	require.False(t, diags.HasErrors())

	assert.Equal(t, []byte("Hi\n"), tokens[0].StrVal)
	assert.Equal(t, []byte("a\tb"), tokens[1].StrVal)
	assert.Equal(t, []byte{0x41, 0x0a}, tokens[2].StrVal)
	assert.Equal(t, []byte(`q"w`), tokens[3].StrVal)
	assert.Equal(t, []byte(`\`), tokens[4].StrVal)
	assert.Equal(t, []byte{0}, tokens[5].StrVal)
}

func TestLexCharLiteral(t *testing.T) {
	tokens, diags := lex(t, `'A' '\n' '\0'`)
	require.False(t, diags.HasErrors())
	assert.Equal(t, uint64('A'), tokens[0].IntVal)
	assert.Equal(t, uint64('\n'), tokens[1].IntVal)
	assert.Equal(t, uint64(0), tokens[2].IntVal)
}

func TestLexMacro(t *testing.T) {
	tokens, diags := lex(t, `!pstr "hello" !assert_eq eax, 5050, "ok" !addr(msg)`)
	require.False(t, diags.HasErrors())

	require.Equal(t, KindMacro, tokens[0].Kind)
	assert.Equal(t, "pstr", tokens[0].Text)
	require.Equal(t, KindMacro, tokens[2].Kind)
	assert.Equal(t, "assert_eq", tokens[2].Text)
	require.Equal(t, KindMacro, tokens[8].Kind)
	assert.Equal(t, "addr", tokens[8].Text)
	assert.Equal(t, KindLParen, tokens[9].Kind)
	assert.Equal(t, KindRParen, tokens[11].Kind)
}

func TestLexDotNames(t *testing.T) {
	tokens, diags := lex(t, "section .text.test { .data i8, 0 .res i32 }")
	require.False(t, diags.HasErrors())

	require.Equal(t, KindDotName, tokens[1].Kind)
	assert.Equal(t, "text.test", tokens[1].Text)
	require.Equal(t, KindDotName, tokens[3].Kind)
	assert.Equal(t, "data", tokens[3].Text)
	require.Equal(t, KindDotName, tokens[7].Kind)
	assert.Equal(t, "res", tokens[7].Text)
}

func TestLexUnexpectedChar(t *testing.T) {
	tokens, diags := lex(t, "mov eax, @5")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "unexpected character")
	// Lexing continues past the bad byte.
	assert.Equal(t, []Kind{KindIdent, KindIdent, KindComma, KindInt, KindEOF}, kinds(tokens))
}

func TestLexUnterminatedString(t *testing.T) {
	_, diags := lex(t, "\"never closed\nret")
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Diagnostics()[0].Message, "unterminated string")
}

func TestLexSpans(t *testing.T) {
	tokens, diags := lex(t, "  mov eax")
	require.False(t, diags.HasErrors())
	assert.Equal(t, source.Span{Start: 2, End: 5}, tokens[0].Span)
	assert.Equal(t, source.Span{Start: 6, End: 9}, tokens[1].Span)
}
