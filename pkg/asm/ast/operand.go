package ast

import (
	"github.com/anns-lang/anns/pkg/asm/source"
)

// Operand is one instruction operand.
type Operand interface {
	Span() source.Span
	operand()
}

// RegOperand names a machine register.
type RegOperand struct {
	Sp   source.Span
	Name string
}

// ImmOperand is an immediate expression.
type ImmOperand struct {
	Sp    source.Span
	Value Expr
}

// MemOperand is an effective address `[base + index*scale + disp]` or a
// symbolic address `[sym]` / `[sym + disp]`. Numeric displacement terms are
// accumulated into Disp; at most one symbolic term is kept in SymExpr and
// resolved by the semantic pass to either a constant displacement or a
// symbol reference.
type MemOperand struct {
	Sp      source.Span
	Base    string
	Index   string
	Scale   int
	Disp    int64
	SymExpr Expr
}

// SymOperand is a bare identifier operand: a label, a defined symbol, an
// import or a constant. The semantic pass decides which.
type SymOperand struct {
	Sp   source.Span
	Name string
}

// RelPosOperand references the Nth anonymous label forward or backward.
type RelPosOperand struct {
	Sp      source.Span
	N       int
	Forward bool
}

func (r *RegOperand) Span() source.Span    { return r.Sp }
func (i *ImmOperand) Span() source.Span    { return i.Sp }
func (m *MemOperand) Span() source.Span    { return m.Sp }
func (s *SymOperand) Span() source.Span    { return s.Sp }
func (r *RelPosOperand) Span() source.Span { return r.Sp }

func (*RegOperand) operand()    {}
func (*ImmOperand) operand()    {}
func (*MemOperand) operand()    {}
func (*SymOperand) operand()    {}
func (*RelPosOperand) operand() {}
