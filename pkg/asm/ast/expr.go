package ast

import (
	"github.com/anns-lang/anns/pkg/asm/source"
)

// Expr is a compile time expression: a literal, a constant reference or
// one of the !addr/!strlen/!load builtins. The semantic pass folds every
// Expr to an integer, a byte string or a deferred symbol reference.
type Expr interface {
	Span() source.Span
	expr()
}

// IntLit is an integer literal. Negative literals are stored in two's
// complement; the directive or operand width selects the relevant bits.
type IntLit struct {
	Sp    source.Span
	Value uint64
	Base  int
	// Suffix is the optional width suffix as written, e.g. "u8".
	Suffix string
}

// StrLit is a string literal, already unescaped.
type StrLit struct {
	Sp    source.Span
	Bytes []byte
}

// Ident references a define or a symbol by name.
type Ident struct {
	Sp   source.Span
	Name string
}

// AddrOf is `!addr(sym)`: the address of a symbol.
type AddrOf struct {
	Sp  source.Span
	Sym string
}

// StrLen is `!strlen(sym)`: the byte length of a defined string constant
// up to but not including its first NUL.
type StrLen struct {
	Sp  source.Span
	Sym string
}

// LoadOf is `!load(type, sym)`: a compile time read of the value stored at
// a symbol's initialized data.
type LoadOf struct {
	Sp   source.Span
	Type ValueType
	Sym  string
}

func (i *IntLit) Span() source.Span { return i.Sp }
func (s *StrLit) Span() source.Span { return s.Sp }
func (i *Ident) Span() source.Span  { return i.Sp }
func (a *AddrOf) Span() source.Span { return a.Sp }
func (s *StrLen) Span() source.Span { return s.Sp }
func (l *LoadOf) Span() source.Span { return l.Sp }

func (*IntLit) expr() {}
func (*StrLit) expr() {}
func (*Ident) expr()  {}
func (*AddrOf) expr() {}
func (*StrLen) expr() {}
func (*LoadOf) expr() {}
