package sema

import (
	"encoding/binary"
	"errors"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/utils"
)

var (
	ErrUndefinedSymbol  = errors.New("undefined symbol")
	ErrBadConstant      = errors.New("invalid constant expression")
	ErrValueOutOfRange  = errors.New("value out of range")
	ErrNotDataSymbol    = errors.New("not an initialized data symbol")
	ErrCircularData     = errors.New("circular data reference")
	ErrBadStringContext = errors.New("string not allowed here")
)

// valueKind discriminates the result of constant folding.
type valueKind int

const (
	valueInt valueKind = iota
	valueBytes
	valueAddr
)

// value is a folded compile time expression: an integer, a byte string or
// a deferred symbol address. The variety is kept so the encoder chooses
// the right instruction or relocation form.
type value struct {
	kind   valueKind
	intVal int64
	bytes  []byte
	sym    *Symbol
	addend int64
}

const (
	evalNotStarted = iota
	evalInProgress
	evalDone
)

func (a *analyzer) errorf(span source.Span, err error, format string, args ...any) {
	a.diags.Errorf(diag.KindSemantic, span, "%v", utils.MakeError(err, format, args...))
}

// fold reduces an expression to a value, resolving identifiers in the
// scope chain starting at blockIdx.
func (a *analyzer) fold(expr ast.Expr, blockIdx int) (value, bool) {
	switch e := expr.(type) {
	case *ast.IntLit:
		return value{kind: valueInt, intVal: int64(e.Value)}, true

	case *ast.StrLit:
		return value{kind: valueBytes, bytes: e.Bytes}, true

	case *ast.Ident:
		sym := a.scopes.lookup(blockIdx, e.Name)
		if sym == nil {
			a.errorf(e.Sp, ErrUndefinedSymbol, "'%s'", e.Name)
			return value{}, false
		}
		if sym.Kind == SymbolConstant {
			return a.foldConstant(sym, e.Sp)
		}
		return value{kind: valueAddr, sym: sym}, true

	case *ast.AddrOf:
		sym := a.scopes.lookup(blockIdx, e.Sym)
		if sym == nil {
			a.errorf(e.Sp, ErrUndefinedSymbol, "'%s'", e.Sym)
			return value{}, false
		}
		if sym.Kind == SymbolConstant {
			a.errorf(e.Sp, ErrBadConstant, "'%s' is a constant, it has no address", e.Sym)
			return value{}, false
		}
		return value{kind: valueAddr, sym: sym}, true

	case *ast.StrLen:
		bytes, ok := a.dataBytes(e.Sym, blockIdx, e.Sp)
		if !ok {
			return value{}, false
		}
		length := len(bytes)
		for i, b := range bytes {
			if b == 0 {
				length = i
				break
			}
		}
		return value{kind: valueInt, intVal: int64(length)}, true

	case *ast.LoadOf:
		bytes, ok := a.dataBytes(e.Sym, blockIdx, e.Sp)
		if !ok {
			return value{}, false
		}
		size := e.Type.Size()
		if len(bytes) < size {
			a.errorf(e.Sp, ErrValueOutOfRange, "'%s' holds %d bytes, cannot load %s", e.Sym, len(bytes), e.Type)
			return value{}, false
		}
		var raw uint64
		switch size {
		case 1:
			raw = uint64(bytes[0])
		case 2:
			raw = uint64(binary.LittleEndian.Uint16(bytes))
		case 4:
			raw = uint64(binary.LittleEndian.Uint32(bytes))
		case 8:
			raw = binary.LittleEndian.Uint64(bytes)
		}
		if e.Type.IsSigned() {
			// sign extend from the type width
			shift := 64 - uint(size)*8
			return value{kind: valueInt, intVal: int64(raw<<shift) >> shift}, true
		}
		return value{kind: valueInt, intVal: int64(raw)}, true
	}

	a.errorf(expr.Span(), ErrBadConstant, "expression cannot be folded")
	return value{}, false
}

// foldConstant folds the defining expression of a define, guarding
// against definition cycles.
func (a *analyzer) foldConstant(sym *Symbol, span source.Span) (value, bool) {
	if sym.evalState == evalInProgress {
		a.errorf(span, ErrCircularData, "constant '%s' is defined in terms of itself", sym.Name)
		return value{}, false
	}
	sym.evalState = evalInProgress
	folded, ok := a.fold(sym.Value, 0)
	sym.evalState = evalDone
	return folded, ok
}

// dataBytes returns the evaluated initialized bytes of a data symbol,
// evaluating its directives on demand.
func (a *analyzer) dataBytes(name string, blockIdx int, span source.Span) ([]byte, bool) {
	sym := a.scopes.lookup(blockIdx, name)
	if sym == nil {
		a.errorf(span, ErrUndefinedSymbol, "'%s'", name)
		return nil, false
	}
	if sym.Kind != SymbolData || !sym.Section.IsInit() {
		a.errorf(span, ErrNotDataSymbol, "'%s' is %v", name, sym.Kind)
		return nil, false
	}
	if sym.evalState == evalInProgress {
		a.errorf(span, ErrCircularData, "'%s' depends on its own bytes", name)
		return nil, false
	}
	if sym.evalState == evalNotStarted {
		a.evaluateDataSymbol(sym)
	}
	return sym.Bytes, true
}

// evaluateDataSymbol folds every data directive attached to sym and
// records the concatenated bytes on the symbol.
func (a *analyzer) evaluateDataSymbol(sym *Symbol) {
	sym.evalState = evalInProgress
	defer func() { sym.evalState = evalDone }()

	var bytes []byte
	for _, def := range a.dataDefs[sym] {
		data := a.memoDataDef(def, sym.Block)
		bytes = append(bytes, data.Bytes...)
	}
	sym.Bytes = bytes
	sym.Size = int64(len(bytes))
}

// evaluateDataDef folds one .data directive into bytes plus relocation
// holes for deferred addresses.
func (a *analyzer) evaluateDataDef(def *ast.DataDef, blockIdx int) (*Data, bool) {
	data := &Data{Span: def.Sp}
	ok := true

	appendValue := func(folded value, span source.Span) {
		size := def.Type.Size()
		switch folded.kind {
		case valueInt:
			if !utils.FitsSigned(folded.intVal, size*8) && !utils.FitsUnsigned(uint64(folded.intVal), size*8) {
				a.errorf(span, ErrValueOutOfRange, "%d does not fit in %s", folded.intVal, def.Type)
				ok = false
				return
			}
			var raw [8]byte
			binary.LittleEndian.PutUint64(raw[:], uint64(folded.intVal))
			data.Bytes = append(data.Bytes, raw[:size]...)

		case valueBytes:
			if size != 1 {
				a.errorf(span, ErrBadStringContext, "string values need a byte sized type, not %s", def.Type)
				ok = false
				return
			}
			data.Bytes = append(data.Bytes, folded.bytes...)

		case valueAddr:
			if size != 4 && size != 8 {
				a.errorf(span, ErrValueOutOfRange, "symbol addresses need a 4 or 8 byte type, not %s", def.Type)
				ok = false
				return
			}
			data.Relocs = append(data.Relocs, DataReloc{
				Offset: len(data.Bytes),
				Size:   size,
				Sym:    folded.sym,
				Addend: folded.addend,
			})
			data.Bytes = append(data.Bytes, make([]byte, size)...)
		}
	}

	if def.Count > 0 {
		folded, fok := a.fold(def.Values[0], blockIdx)
		if !fok {
			return data, false
		}
		for i := 0; i < def.Count; i++ {
			appendValue(folded, def.Values[0].Span())
		}
		return data, ok
	}

	for _, expr := range def.Values {
		folded, fok := a.fold(expr, blockIdx)
		if !fok {
			ok = false
			continue
		}
		appendValue(folded, expr.Span())
	}
	return data, ok
}
