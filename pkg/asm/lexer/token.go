package lexer

import (
	"fmt"

	"github.com/anns-lang/anns/pkg/asm/source"
)

// Kind identifies the lexical class of a token.
type Kind int

const (
	KindEOF Kind = iota
	KindIdent
	KindKeyword // section, arch, import, define, export, data, function, var
	KindType    // i8..i64, u8..u64, x8..x64, b8..b64, f16, f32, f64, c
	KindInt
	KindString
	KindChar
	KindMacro   // !name, Text holds the name without the '!'
	KindAnon    // '_' immediately followed by ':'
	KindRelPos  // relative-position label reference: 1f, 2b, ...
	KindDotName // .data, .res, .text.test, ... Text holds the name without the dot
	KindLBrace
	KindRBrace
	KindLBracket
	KindRBracket
	KindLParen
	KindRParen
	KindComma
	KindColon
	KindSemicolon
	KindPlus
	KindMinus
	KindStar
)

var kindNames = map[Kind]string{
	KindEOF:       "end of file",
	KindIdent:     "identifier",
	KindKeyword:   "keyword",
	KindType:      "type",
	KindInt:       "integer literal",
	KindString:    "string literal",
	KindChar:      "character literal",
	KindMacro:     "macro name",
	KindAnon:      "anonymous label",
	KindRelPos:    "relative position label",
	KindDotName:   "directive",
	KindLBrace:    "'{'",
	KindRBrace:    "'}'",
	KindLBracket:  "'['",
	KindRBracket:  "']'",
	KindLParen:    "'('",
	KindRParen:    "')'",
	KindComma:     "','",
	KindColon:     "':'",
	KindSemicolon: "';'",
	KindPlus:      "'+'",
	KindMinus:     "'-'",
	KindStar:      "'*'",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("token kind %d", int(k))
}

// Token is one lexical element with its source span.
type Token struct {
	Kind Kind
	Text string // identifier/keyword/mnemonic text, macro or directive name
	Span source.Span

	IntVal  uint64 // KindInt, KindChar
	IntBase int    // 10, 16 or 2 for KindInt
	Suffix  string // optional width suffix on an integer literal, e.g. "i8"
	StrVal  []byte // decoded bytes of a KindString literal

	RelN       int  // ordinal of a KindRelPos reference
	RelForward bool // true for Nf, false for Nb
}

func (t Token) String() string {
	switch t.Kind {
	case KindIdent, KindKeyword, KindType:
		return fmt.Sprintf("%s '%s'", t.Kind, t.Text)
	case KindInt:
		return fmt.Sprintf("integer %d", t.IntVal)
	case KindString:
		return fmt.Sprintf("string %q", t.StrVal)
	case KindMacro:
		return fmt.Sprintf("macro '!%s'", t.Text)
	case KindDotName:
		return fmt.Sprintf("directive '.%s'", t.Text)
	default:
		return t.Kind.String()
	}
}

// Keywords is the closed set of directive keywords.
var Keywords = map[string]bool{
	"section":  true,
	"arch":     true,
	"import":   true,
	"define":   true,
	"export":   true,
	"data":     true,
	"function": true,
	"var":      true,
}

// Types is the closed set of value type keywords.
var Types = map[string]bool{
	"i8": true, "i16": true, "i32": true, "i64": true,
	"u8": true, "u16": true, "u32": true, "u64": true,
	"x8": true, "x16": true, "x32": true, "x64": true,
	"b8": true, "b16": true, "b32": true, "b64": true,
	"f16": true, "f32": true, "f64": true,
	"c": true,
}
