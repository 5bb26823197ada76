// Package parser implements the recursive descent parser for ANNS source
// units. It consumes the token stream with one token of lookahead and
// produces an ast.Unit.
//
// On a parse failure the parser reports a diagnostic, skips tokens up to
// the nearest synchronization point (line break, closing brace or next top
// level keyword) and continues, so one run surfaces as many errors as
// possible.
package parser

import (
	"errors"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/lexer"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/asm/x86"
	"github.com/anns-lang/anns/pkg/utils"
)

var (
	ErrUnexpectedToken    = errors.New("unexpected token")
	ErrUnbalancedBraces   = errors.New("unbalanced braces")
	ErrDuplicateImport    = errors.New("duplicate import")
	ErrDuplicateArch      = errors.New("duplicate arch directive")
	ErrMisplacedDirective = errors.New("misplaced directive")
	ErrBadOperand         = errors.New("invalid operand")
	ErrBadSectionKind     = errors.New("unknown section kind")
)

// Parse lexes and parses one source buffer into a Unit, reporting all
// errors to diags.
func Parse(buf *source.Buffer, diags *diag.List) *ast.Unit {
	p := &parser{
		buf:    buf,
		diags:  diags,
		tokens: lexer.Tokens(buf, diags),
		unit:   &ast.Unit{Arch: ast.DefaultArch},
	}
	p.parseUnit()
	return p.unit
}

type parser struct {
	buf    *source.Buffer
	diags  *diag.List
	tokens []lexer.Token
	pos    int
	unit   *ast.Unit

	archSeen  bool
	importSet map[string]bool
}

func (p *parser) cur() lexer.Token  { return p.tokens[p.pos] }
func (p *parser) peek() lexer.Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) next() lexer.Token {
	tok := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) at(kind lexer.Kind) bool { return p.cur().Kind == kind }
func (p *parser) atEOF() bool             { return p.at(lexer.KindEOF) }

func (p *parser) atKeyword(text string) bool {
	return p.at(lexer.KindKeyword) && p.cur().Text == text
}

// line returns the 1-based source line a token starts on.
func (p *parser) line(tok lexer.Token) int {
	line, _ := p.buf.LineCol(tok.Span.Start)
	return line
}

// sameLine reports whether the current token continues the line tok is on.
func (p *parser) sameLine(tok lexer.Token) bool {
	return !p.atEOF() && p.line(p.cur()) == p.line(tok)
}

func (p *parser) errorf(span source.Span, err error, format string, args ...any) {
	p.diags.Errorf(diag.KindParse, span, "%v", utils.MakeError(err, format, args...))
}

// expect consumes a token of the given kind or reports an error and leaves
// the token in place.
func (p *parser) expect(kind lexer.Kind) (lexer.Token, bool) {
	if p.at(kind) {
		return p.next(), true
	}
	p.errorf(p.cur().Span, ErrUnexpectedToken, "expected %v, found %v", kind, p.cur())
	return p.cur(), false
}

// sync skips tokens until the next line, a closing brace or a top level
// keyword, leaving the synchronization token in place.
func (p *parser) sync() {
	startLine := p.line(p.cur())
	for !p.atEOF() {
		tok := p.cur()
		if p.line(tok) != startLine {
			return
		}
		switch {
		case tok.Kind == lexer.KindRBrace || tok.Kind == lexer.KindLBrace:
			return
		case tok.Kind == lexer.KindSemicolon:
			p.next()
			return
		case tok.Kind == lexer.KindKeyword &&
			(tok.Text == "section" || tok.Text == "import" || tok.Text == "define" || tok.Text == "export"):
			return
		}
		p.next()
	}
}

func (p *parser) parseUnit() {
	for !p.atEOF() {
		switch {
		case p.at(lexer.KindSemicolon):
			p.next()
		case p.atKeyword("arch"):
			p.parseArch()
		case p.atKeyword("import"):
			p.parseImport()
		case p.atKeyword("define"):
			p.parseDefine()
		case p.atKeyword("section"):
			p.parseSection()
		default:
			p.errorf(p.cur().Span, ErrUnexpectedToken, "expected a top level item, found %v", p.cur())
			p.next()
			p.sync()
		}
	}
}

// parseArch handles `arch NAME`, where NAME may contain '-' (x86-64). The
// name is reassembled from span-adjacent tokens.
func (p *parser) parseArch() {
	kw := p.next()
	if p.archSeen {
		p.errorf(kw.Span, ErrDuplicateArch, "the arch directive may appear at most once per unit")
	}
	p.archSeen = true

	if !p.sameLine(kw) {
		p.errorf(kw.Span, ErrUnexpectedToken, "arch directive needs an architecture name")
		return
	}

	name := ""
	end := -1
	for p.sameLine(kw) {
		tok := p.cur()
		if end >= 0 && tok.Span.Start != end {
			break
		}
		switch tok.Kind {
		case lexer.KindIdent, lexer.KindInt, lexer.KindMinus, lexer.KindType:
			name += p.buf.Text[tok.Span.Start:tok.Span.End]
			end = tok.Span.End
			p.next()
		default:
			if name == "" {
				p.errorf(tok.Span, ErrUnexpectedToken, "expected an architecture name, found %v", tok)
				p.sync()
				return
			}
			p.unit.Arch = name
			return
		}
	}
	if name != "" {
		p.unit.Arch = name
	}
}

// parseImport handles `import data NAMES` and `import function NAMES`.
func (p *parser) parseImport() {
	kw := p.next()

	if p.importSet == nil {
		p.importSet = map[string]bool{}
	}

	isFunction := false
	switch {
	case p.atKeyword("data"):
		p.next()
	case p.atKeyword("function"):
		isFunction = true
		p.next()
	default:
		p.errorf(p.cur().Span, ErrUnexpectedToken, "expected 'data' or 'function' after import, found %v", p.cur())
		p.sync()
		return
	}

	var names []string
	for {
		tok, ok := p.expect(lexer.KindIdent)
		if !ok {
			p.sync()
			break
		}
		if p.importSet[tok.Text] {
			p.errorf(tok.Span, ErrDuplicateImport, "'%s' is already imported", tok.Text)
		} else {
			p.importSet[tok.Text] = true
			names = append(names, tok.Text)
		}
		if !p.at(lexer.KindComma) {
			break
		}
		p.next()
	}

	span := kw.Span
	if len(p.tokens) > 0 {
		span = span.Join(p.tokens[p.pos-1].Span)
	}
	if isFunction {
		p.unit.Items = append(p.unit.Items, &ast.ImportFunction{Sp: span, Names: names})
	} else {
		p.unit.Items = append(p.unit.Items, &ast.ImportData{Sp: span, Names: names})
	}
}

// parseDefine handles `define NAME, EXPR`.
func (p *parser) parseDefine() {
	kw := p.next()

	name, ok := p.expect(lexer.KindIdent)
	if !ok {
		p.sync()
		return
	}
	if _, ok := p.expect(lexer.KindComma); !ok {
		p.sync()
		return
	}
	value := p.parseExpr()
	if value == nil {
		p.sync()
		return
	}

	p.unit.Items = append(p.unit.Items, &ast.Define{
		Sp:    kw.Span.Join(value.Span()),
		Name:  name.Text,
		Value: value,
	})
}

// sectionClassHints are tolerated between `section` and the kind name and
// carry no meaning for the parser.
var sectionClassHints = map[string]bool{"uninit": true, "code": true}

// parseSection handles `section [HINT] KIND { BODY }`.
func (p *parser) parseSection() {
	kw := p.next()

	// Optional section-class hint. `data` doubles as a keyword, so the
	// hint position accepts it only when a kind name still follows.
	if (p.at(lexer.KindIdent) && sectionClassHints[p.cur().Text]) ||
		(p.atKeyword("data") && p.peek().Kind != lexer.KindLBrace) {
		p.next()
	}

	kindName := ""
	kindSpan := p.cur().Span
	switch p.cur().Kind {
	case lexer.KindDotName, lexer.KindIdent, lexer.KindKeyword:
		kindName = p.next().Text
	default:
		p.errorf(p.cur().Span, ErrUnexpectedToken, "expected a section kind, found %v", p.cur())
		p.sync()
		return
	}

	kind, known := ast.SectionKindFromName(kindName)
	if !known {
		p.errorf(kindSpan, ErrBadSectionKind, "'%s'", kindName)
	}

	if _, ok := p.expect(lexer.KindLBrace); !ok {
		p.sync()
		return
	}
	body := p.parseBody()
	closing, ok := p.expect(lexer.KindRBrace)
	if !ok {
		p.errorf(kw.Span, ErrUnbalancedBraces, "section '%s' is never closed", kindName)
	}

	p.unit.Items = append(p.unit.Items, &ast.Section{
		Sp:       kw.Span.Join(closing.Span),
		Kind:     kind,
		KindName: kindName,
		Body:     body,
	})
}

// parseBody parses statements until a closing brace or end of file. The
// brace is left in place for the caller.
func (p *parser) parseBody() []ast.Stmt {
	var body []ast.Stmt
	for !p.atEOF() && !p.at(lexer.KindRBrace) {
		stmt := p.parseStmt()
		if stmt != nil {
			body = append(body, stmt)
		}
	}
	return body
}

func (p *parser) parseStmt() ast.Stmt {
	switch {
	case p.at(lexer.KindSemicolon):
		p.next()
		return nil

	case p.atKeyword("export"):
		kw := p.next()
		name, ok := p.expect(lexer.KindIdent)
		if !ok {
			p.sync()
			return nil
		}
		return p.parseLabelTail(kw.Span, name.Text, true)

	case p.at(lexer.KindAnon):
		anon := p.next()
		if _, ok := p.expect(lexer.KindColon); !ok {
			p.sync()
			return nil
		}
		stmt := &ast.AnonLabel{Sp: anon.Span}
		if p.at(lexer.KindLBrace) {
			p.next()
			stmt.HasBlock = true
			stmt.Body = p.parseBody()
			if closing, ok := p.expect(lexer.KindRBrace); ok {
				stmt.Sp = stmt.Sp.Join(closing.Span)
			} else {
				p.errorf(anon.Span, ErrUnbalancedBraces, "anonymous block is never closed")
			}
		}
		return stmt

	case p.at(lexer.KindIdent) && p.peek().Kind == lexer.KindColon:
		name := p.next()
		return p.parseLabelTail(name.Span, name.Text, false)

	case p.at(lexer.KindIdent):
		return p.parseInstr()

	case p.at(lexer.KindDotName):
		return p.parseDataDirective()

	case p.at(lexer.KindMacro):
		return p.parseMacroStmt()
	}

	p.errorf(p.cur().Span, ErrUnexpectedToken, "expected a statement, found %v", p.cur())
	p.next()
	p.sync()
	return nil
}

// parseLabelTail parses the `: [{ ... }]` remainder of a (possibly
// exported) label whose name was already consumed.
func (p *parser) parseLabelTail(start source.Span, name string, exported bool) ast.Stmt {
	if _, ok := p.expect(lexer.KindColon); !ok {
		p.sync()
		return nil
	}

	stmt := &ast.Label{Sp: start, Name: name, Exported: exported}
	if p.at(lexer.KindLBrace) {
		p.next()
		stmt.HasBlock = true
		stmt.Body = p.parseBody()
		if closing, ok := p.expect(lexer.KindRBrace); ok {
			stmt.Sp = stmt.Sp.Join(closing.Span)
		} else {
			p.errorf(start, ErrUnbalancedBraces, "block of label '%s' is never closed", name)
		}
	}
	return stmt
}

// parseInstr parses a mnemonic and its comma separated operands. Operands
// must share the mnemonic's source line.
func (p *parser) parseInstr() ast.Stmt {
	mnemonic := p.next()
	instr := &ast.Instr{Sp: mnemonic.Span, Mnemonic: mnemonic.Text}

	if p.sameLine(mnemonic) && p.operandStart() {
		for {
			operand := p.parseOperand()
			if operand == nil {
				p.sync()
				return instr
			}
			instr.Operands = append(instr.Operands, operand)
			instr.Sp = instr.Sp.Join(operand.Span())
			if !p.at(lexer.KindComma) {
				break
			}
			p.next()
		}
	}
	return instr
}

// operandStart reports whether the current token can begin an operand.
func (p *parser) operandStart() bool {
	switch p.cur().Kind {
	case lexer.KindIdent, lexer.KindInt, lexer.KindChar, lexer.KindMinus,
		lexer.KindLBracket, lexer.KindMacro, lexer.KindRelPos:
		return true
	}
	return false
}

func (p *parser) parseOperand() ast.Operand {
	tok := p.cur()
	switch tok.Kind {
	case lexer.KindIdent:
		p.next()
		if x86.IsRegisterName(tok.Text) {
			return &ast.RegOperand{Sp: tok.Span, Name: tok.Text}
		}
		return &ast.SymOperand{Sp: tok.Span, Name: tok.Text}

	case lexer.KindRelPos:
		p.next()
		return &ast.RelPosOperand{Sp: tok.Span, N: tok.RelN, Forward: tok.RelForward}

	case lexer.KindLBracket:
		return p.parseMemOperand()

	case lexer.KindInt, lexer.KindChar, lexer.KindMinus, lexer.KindMacro:
		expr := p.parseExpr()
		if expr == nil {
			return nil
		}
		return &ast.ImmOperand{Sp: expr.Span(), Value: expr}
	}

	p.errorf(tok.Span, ErrBadOperand, "expected an operand, found %v", tok)
	return nil
}

// parseMemOperand parses `[ base + index*scale + disp ]` with the terms in
// any order. Numeric terms accumulate into the displacement; one symbolic
// term is allowed.
func (p *parser) parseMemOperand() ast.Operand {
	open := p.next()
	mem := &ast.MemOperand{Sp: open.Span, Scale: 1}

	negative := false
	first := true
	for {
		if p.at(lexer.KindRBracket) {
			closing := p.next()
			mem.Sp = mem.Sp.Join(closing.Span)
			if !first && negative {
				p.errorf(closing.Span, ErrBadOperand, "dangling sign in effective address")
			}
			return mem
		}
		if p.atEOF() {
			p.errorf(open.Span, ErrBadOperand, "effective address is never closed")
			return mem
		}

		if !first {
			switch p.cur().Kind {
			case lexer.KindPlus:
				p.next()
			case lexer.KindMinus:
				negative = true
				p.next()
			default:
				p.errorf(p.cur().Span, ErrBadOperand, "expected '+', '-' or ']' in effective address, found %v", p.cur())
				return nil
			}
		} else if p.at(lexer.KindMinus) {
			negative = true
			p.next()
		}
		first = false

		if !p.parseMemTerm(mem, &negative) {
			return nil
		}
	}
}

// parseMemTerm parses one term of an effective address.
func (p *parser) parseMemTerm(mem *ast.MemOperand, negative *bool) bool {
	tok := p.cur()
	switch tok.Kind {
	case lexer.KindIdent:
		p.next()
		if reg, isReg := x86.RegisterByName(tok.Text); isReg {
			if *negative {
				p.errorf(tok.Span, ErrBadOperand, "register '%s' cannot be subtracted", tok.Text)
				return false
			}
			// reg*scale is an index; a bare register fills base first.
			if p.at(lexer.KindStar) {
				p.next()
				scaleTok, ok := p.expect(lexer.KindInt)
				if !ok {
					return false
				}
				scale := int(scaleTok.IntVal)
				if scale != 1 && scale != 2 && scale != 4 && scale != 8 {
					p.errorf(scaleTok.Span, ErrBadOperand, "scale must be 1, 2, 4 or 8, got %d", scale)
					return false
				}
				if mem.Index != "" {
					p.errorf(tok.Span, ErrBadOperand, "effective address has two index registers")
					return false
				}
				mem.Index = reg.Name
				mem.Scale = scale
				return true
			}
			if mem.Base == "" {
				mem.Base = reg.Name
			} else if mem.Index == "" {
				mem.Index = reg.Name
				mem.Scale = 1
			} else {
				p.errorf(tok.Span, ErrBadOperand, "effective address has too many registers")
				return false
			}
			return true
		}
		if mem.SymExpr != nil {
			p.errorf(tok.Span, ErrBadOperand, "effective address has two symbolic terms")
			return false
		}
		if *negative {
			p.errorf(tok.Span, ErrBadOperand, "symbol '%s' cannot be subtracted", tok.Text)
			return false
		}
		mem.SymExpr = &ast.Ident{Sp: tok.Span, Name: tok.Text}
		return true

	case lexer.KindInt, lexer.KindChar:
		p.next()
		value := int64(tok.IntVal)
		if *negative {
			value = -value
			*negative = false
		}
		mem.Disp += value
		return true

	case lexer.KindMacro:
		expr := p.parseExpr()
		if expr == nil {
			return false
		}
		if mem.SymExpr != nil {
			p.errorf(expr.Span(), ErrBadOperand, "effective address has two symbolic terms")
			return false
		}
		mem.SymExpr = expr
		return true
	}

	p.errorf(tok.Span, ErrBadOperand, "unexpected %v in effective address", tok)
	return false
}

// parseDataDirective parses `.data` and `.res` statements.
func (p *parser) parseDataDirective() ast.Stmt {
	directive := p.next()
	switch directive.Text {
	case "data":
		return p.parseDataDef(directive)
	case "res":
		return p.parseResDef(directive)
	}
	p.errorf(directive.Span, ErrMisplacedDirective, "unknown directive '.%s'", directive.Text)
	p.sync()
	return nil
}

// parseDataDef handles both `.data TYPE, VALUES...` and
// `.data COUNT, TYPE, FILL`.
func (p *parser) parseDataDef(directive lexer.Token) ast.Stmt {
	// Fill form starts with an integer count.
	if p.at(lexer.KindInt) {
		count := p.next()
		if _, ok := p.expect(lexer.KindComma); !ok {
			p.sync()
			return nil
		}
		typeTok, ok := p.expect(lexer.KindType)
		if !ok {
			p.sync()
			return nil
		}
		valueType, _ := ast.ValueTypeFromName(typeTok.Text)
		if _, ok := p.expect(lexer.KindComma); !ok {
			p.sync()
			return nil
		}
		fill := p.parseExpr()
		if fill == nil {
			p.sync()
			return nil
		}
		return &ast.DataDef{
			Sp:     directive.Span.Join(fill.Span()),
			Type:   valueType,
			Values: []ast.Expr{fill},
			Count:  int(count.IntVal),
		}
	}

	typeTok, ok := p.expect(lexer.KindType)
	if !ok {
		p.sync()
		return nil
	}
	valueType, _ := ast.ValueTypeFromName(typeTok.Text)

	stmt := &ast.DataDef{Sp: directive.Span.Join(typeTok.Span), Type: valueType}
	if _, ok := p.expect(lexer.KindComma); !ok {
		p.sync()
		return nil
	}
	for {
		value := p.parseExpr()
		if value == nil {
			p.sync()
			return stmt
		}
		stmt.Values = append(stmt.Values, value)
		stmt.Sp = stmt.Sp.Join(value.Span())
		if !p.at(lexer.KindComma) {
			break
		}
		p.next()
	}
	return stmt
}

// parseResDef handles `.res TYPE` and `.res COUNT, TYPE`.
func (p *parser) parseResDef(directive lexer.Token) ast.Stmt {
	count := 1
	if p.at(lexer.KindInt) {
		count = int(p.next().IntVal)
		if _, ok := p.expect(lexer.KindComma); !ok {
			p.sync()
			return nil
		}
	}
	typeTok, ok := p.expect(lexer.KindType)
	if !ok {
		p.sync()
		return nil
	}
	valueType, _ := ast.ValueTypeFromName(typeTok.Text)
	return &ast.ResDef{
		Sp:    directive.Span.Join(typeTok.Span),
		Type:  valueType,
		Count: count,
	}
}

// parseMacroStmt parses `!name ARG, ARG, ...`. Like instructions, the
// arguments must share the macro's source line; the commas between them
// are optional.
func (p *parser) parseMacroStmt() ast.Stmt {
	macro := p.next()
	stmt := &ast.Macro{Sp: macro.Span, Name: macro.Text}

	for p.sameLine(macro) && p.macroArgStart() {
		arg := p.parseMacroArg()
		if arg == nil {
			p.sync()
			return stmt
		}
		stmt.Args = append(stmt.Args, arg)
		stmt.Sp = stmt.Sp.Join(arg.Span())
		if p.at(lexer.KindComma) {
			p.next()
		}
	}
	return stmt
}

func (p *parser) macroArgStart() bool {
	switch p.cur().Kind {
	case lexer.KindIdent, lexer.KindInt, lexer.KindChar, lexer.KindMinus,
		lexer.KindString, lexer.KindMacro, lexer.KindType:
		return true
	}
	return false
}

// parseMacroArg parses one macro argument: any expression, a bare
// identifier (symbol or register name) or a type keyword.
func (p *parser) parseMacroArg() ast.Expr {
	if p.at(lexer.KindType) {
		tok := p.next()
		return &ast.Ident{Sp: tok.Span, Name: tok.Text}
	}
	return p.parseExpr()
}

// parseExpr parses one compile time expression.
func (p *parser) parseExpr() ast.Expr {
	tok := p.cur()
	switch tok.Kind {
	case lexer.KindInt:
		p.next()
		return &ast.IntLit{Sp: tok.Span, Value: tok.IntVal, Base: tok.IntBase, Suffix: tok.Suffix}

	case lexer.KindChar:
		p.next()
		return &ast.IntLit{Sp: tok.Span, Value: tok.IntVal, Base: 10}

	case lexer.KindMinus:
		p.next()
		value, ok := p.expect(lexer.KindInt)
		if !ok {
			return nil
		}
		return &ast.IntLit{
			Sp:    tok.Span.Join(value.Span),
			Value: uint64(-int64(value.IntVal)),
			Base:  value.IntBase,
		}

	case lexer.KindString:
		p.next()
		return &ast.StrLit{Sp: tok.Span, Bytes: tok.StrVal}

	case lexer.KindIdent:
		p.next()
		return &ast.Ident{Sp: tok.Span, Name: tok.Text}

	case lexer.KindMacro:
		return p.parseExprMacro()
	}

	p.errorf(tok.Span, ErrUnexpectedToken, "expected an expression, found %v", tok)
	return nil
}

// parseExprMacro parses the expression level builtins `!addr(sym)`,
// `!strlen(sym)` and `!load(type, sym)`.
func (p *parser) parseExprMacro() ast.Expr {
	macro := p.next()
	switch macro.Text {
	case "addr", "strlen", "load":
	default:
		p.errorf(macro.Span, ErrUnexpectedToken, "'!%s' is not an expression macro", macro.Text)
		return nil
	}

	if _, ok := p.expect(lexer.KindLParen); !ok {
		return nil
	}

	var loadType ast.ValueType
	if macro.Text == "load" {
		typeTok, ok := p.expect(lexer.KindType)
		if !ok {
			return nil
		}
		loadType, _ = ast.ValueTypeFromName(typeTok.Text)
		if _, ok := p.expect(lexer.KindComma); !ok {
			return nil
		}
	}

	sym, ok := p.expect(lexer.KindIdent)
	if !ok {
		return nil
	}
	closing, ok := p.expect(lexer.KindRParen)
	if !ok {
		return nil
	}

	span := macro.Span.Join(closing.Span)
	switch macro.Text {
	case "addr":
		return &ast.AddrOf{Sp: span, Sym: sym.Text}
	case "strlen":
		return &ast.StrLen{Sp: span, Sym: sym.Text}
	default:
		return &ast.LoadOf{Sp: span, Type: loadType, Sym: sym.Text}
	}
}
