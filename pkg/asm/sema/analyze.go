// Package sema implements the semantic pass: scoped symbol discovery,
// macro expansion, compile time expression folding and operand
// resolution. Its output is a Program the encoder can walk without any
// name lookups of its own.
package sema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/asm/x86"
)

var (
	ErrUnsupportedArch   = errors.New("unsupported architecture")
	ErrDuplicateSymbol   = errors.New("duplicate symbol")
	ErrMisplacedData     = errors.New("data directive outside an initialized section")
	ErrMisplacedRes      = errors.New("reservation outside an uninitialized section")
	ErrMisplacedInstr    = errors.New("instruction outside a code section")
	ErrMisplacedExport   = errors.New("export on a non top level label")
	ErrBadRegister       = errors.New("unknown register")
	ErrBadAddress        = errors.New("invalid effective address")
	ErrNoAnonymousTarget = errors.New("no matching anonymous label")
)

// Analyze runs both semantic sub-passes over a parsed unit and returns the
// resolved program. All problems are reported to diags; the returned
// program is only meaningful when diags stays empty.
func Analyze(unit *ast.Unit, diags *diag.List) *Program {
	a := &analyzer{
		unit:     unit,
		diags:    diags,
		scopes:   newScopes(),
		dataDefs: map[*Symbol][]*ast.DataDef{},
		dataMemo: map[*ast.DataDef]*Data{},
		sections: map[ast.SectionKind]*sectionBuilder{},
	}
	a.program = &Program{Unit: unit, Arch: unit.Arch, scopes: a.scopes}

	if unit.Arch != ast.DefaultArch {
		a.errorf(firstSpan(unit), ErrUnsupportedArch, "'%s' (only %s is supported)", unit.Arch, ast.DefaultArch)
		return a.program
	}

	a.collectTopLevel()
	a.expandUnit()
	a.flattenUnit()
	a.addNeededImports()
	a.internRodata()
	a.evaluateSections()
	a.resolveSections()
	a.finish()
	return a.program
}

type analyzer struct {
	unit    *ast.Unit
	diags   *diag.List
	scopes  *scopes
	program *Program

	dataDefs map[*Symbol][]*ast.DataDef
	dataMemo map[*ast.DataDef]*Data

	sections     map[ast.SectionKind]*sectionBuilder
	sectionOrder []ast.SectionKind

	interns     []*interned
	internIndex map[string]*interned

	neededImports []string
	genCounter    int
	pos           int
}

// interned is one synthesized read-only string (format strings, assertion
// messages) shared through content dedup.
type interned struct {
	sym   *Symbol
	bytes []byte
}

// sectionBuilder accumulates the flattened item stream of one section
// kind before final evaluation and resolution.
type sectionBuilder struct {
	kind  ast.SectionKind
	root  int // arena index of the section's top level block
	items []flatItem
}

type flatItem struct {
	pos   int
	block int

	def      *Symbol
	instrAST *ast.Instr
	dataAST  *ast.DataDef
	resAST   *ast.ResDef
	resolved *Instr
}

func firstSpan(unit *ast.Unit) (sp source.Span) {
	if len(unit.Items) > 0 {
		return unit.Items[0].Span()
	}
	return sp
}

// collectTopLevel registers imports and defines into the global scope.
func (a *analyzer) collectTopLevel() {
	declare := func(sym *Symbol) {
		if prev := a.scopes.declare(0, sym); prev != nil {
			a.errorf(sym.Span, ErrDuplicateSymbol, "'%s' already declared as %v", sym.Name, prev.Kind)
			return
		}
		if sym.Imported() {
			a.program.Imports = append(a.program.Imports, sym)
		}
	}

	for _, item := range a.unit.Items {
		switch it := item.(type) {
		case *ast.ImportData:
			for _, name := range it.Names {
				declare(&Symbol{Name: name, Kind: SymbolImportData, Section: ast.SectionInvalid, Span: it.Sp})
			}
		case *ast.ImportFunction:
			for _, name := range it.Names {
				declare(&Symbol{Name: name, Kind: SymbolImportFunction, Section: ast.SectionInvalid, Span: it.Sp})
			}
		case *ast.Define:
			declare(&Symbol{Name: it.Name, Kind: SymbolConstant, Section: ast.SectionInvalid, Span: it.Sp, Value: it.Value})
		}
	}
}

// sectionFor returns (creating on first use) the builder for a section
// kind, keeping declaration order for later emission.
func (a *analyzer) sectionFor(kind ast.SectionKind) *sectionBuilder {
	if builder, ok := a.sections[kind]; ok {
		return builder
	}
	builder := &sectionBuilder{kind: kind, root: a.scopes.push(0)}
	a.sections[kind] = builder
	a.sectionOrder = append(a.sectionOrder, kind)
	return builder
}

// flattenUnit reduces every section body to a linear item stream,
// declaring labels into their scopes along the way.
func (a *analyzer) flattenUnit() {
	for _, section := range a.unit.Sections() {
		if section.Kind == ast.SectionInvalid {
			continue // the parser already reported the bad kind
		}
		builder := a.sectionFor(section.Kind)
		a.flattenBody(builder, section.Body, builder.root, true)
	}
}

func (a *analyzer) nextPos() int {
	a.pos++
	return a.pos
}

func (a *analyzer) flattenBody(builder *sectionBuilder, body []ast.Stmt, blockIdx int, topLevel bool) {
	kind := builder.kind
	for _, stmt := range body {
		switch st := stmt.(type) {
		case *ast.Label:
			sym := &Symbol{
				Name:     st.Name,
				Kind:     labelKind(kind),
				Section:  kind,
				Exported: st.Exported,
				TLS:      kind.IsTLS(),
				Block:    blockIdx,
				Span:     st.Sp,
			}
			if st.Exported && !topLevel {
				a.errorf(st.Sp, ErrMisplacedExport, "'%s' is nested inside a block", st.Name)
			}
			// Top level labels are visible unit wide, nested labels only
			// within their block.
			declareInto := blockIdx
			if topLevel {
				declareInto = 0
			}
			if prev := a.scopes.declare(declareInto, sym); prev != nil {
				a.errorf(st.Sp, ErrDuplicateSymbol, "'%s' already declared as %v", st.Name, prev.Kind)
			}
			builder.items = append(builder.items, flatItem{pos: a.nextPos(), block: blockIdx, def: sym})
			if st.HasBlock {
				child := a.scopes.push(blockIdx)
				a.flattenBody(builder, st.Body, child, false)
			}

		case *ast.AnonLabel:
			sym := &Symbol{
				Kind:    SymbolLabel,
				Section: kind,
				Block:   blockIdx,
				Anon:    true,
				Span:    st.Sp,
			}
			item := flatItem{pos: a.nextPos(), block: blockIdx, def: sym}
			a.scopes.declareAnon(blockIdx, item.pos, sym)
			builder.items = append(builder.items, item)
			if st.HasBlock {
				child := a.scopes.push(blockIdx)
				a.flattenBody(builder, st.Body, child, false)
			}

		case *ast.Instr:
			if !kind.IsText() {
				a.errorf(st.Sp, ErrMisplacedInstr, "'%s' in section %s", st.Mnemonic, kind)
				continue
			}
			builder.items = append(builder.items, flatItem{pos: a.nextPos(), block: blockIdx, instrAST: st})

		case *ast.DataDef:
			if !kind.IsInit() {
				a.errorf(st.Sp, ErrMisplacedData, "section %s cannot hold initialized data", kind)
				continue
			}
			builder.items = append(builder.items, flatItem{pos: a.nextPos(), block: blockIdx, dataAST: st})

		case *ast.ResDef:
			if !kind.IsUninit() {
				a.errorf(st.Sp, ErrMisplacedRes, "section %s cannot hold reservations", kind)
				continue
			}
			builder.items = append(builder.items, flatItem{pos: a.nextPos(), block: blockIdx, resAST: st})

		case *ast.Macro:
			// The expander replaces every known macro; anything left over
			// was already reported.
		}
	}
}

func labelKind(section ast.SectionKind) SymbolKind {
	if section.IsText() {
		return SymbolFunction
	}
	return SymbolData
}

// addNeededImports declares the imports required by macro expansions
// (printf, exit) unless the unit already declares or defines the name.
func (a *analyzer) addNeededImports() {
	for _, name := range a.neededImports {
		if a.scopes.lookup(0, name) != nil {
			continue
		}
		sym := &Symbol{Name: name, Kind: SymbolImportFunction, Section: ast.SectionInvalid}
		a.scopes.declare(0, sym)
		a.program.Imports = append(a.program.Imports, sym)
	}
}

// internRodata appends the interned strings generated by macro expansion
// to the read-only data section, synthesizing the section if the unit
// declares none.
func (a *analyzer) internRodata() {
	if len(a.interns) == 0 {
		return
	}
	builder := a.sectionFor(ast.SectionROData)
	for _, entry := range a.interns {
		entry.sym.Section = ast.SectionROData
		entry.sym.Block = builder.root
		entry.sym.Bytes = entry.bytes
		entry.sym.Size = int64(len(entry.bytes))
		entry.sym.intern = true
		entry.sym.evalState = evalDone
		a.scopes.declare(0, entry.sym)
		builder.items = append(builder.items, flatItem{pos: a.nextPos(), block: builder.root, def: entry.sym})
	}
}

// evaluateSections folds data directives and attaches byte runs to their
// owning symbols, in stream order for deterministic diagnostics.
func (a *analyzer) evaluateSections() {
	for _, kind := range a.sectionOrder {
		builder := a.sections[kind]
		if !kind.IsInit() && !kind.IsUninit() {
			continue
		}
		// Attach each data run to the label that precedes it.
		var current *Symbol
		for _, item := range builder.items {
			switch {
			case item.def != nil && !item.def.Anon:
				current = item.def
			case item.dataAST != nil && current != nil:
				a.dataDefs[current] = append(a.dataDefs[current], item.dataAST)
			case item.resAST != nil && current != nil:
				size := int64(item.resAST.Count) * int64(item.resAST.Type.Size())
				current.Size += size
			}
		}
		// Force evaluation of every data symbol so later passes can fold
		// !strlen/!load and diagnostics come out in source order.
		for _, item := range builder.items {
			if item.def != nil && !item.def.Anon && kind.IsInit() && item.def.evalState == evalNotStarted {
				a.evaluateDataSymbol(item.def)
			}
		}
	}
}

// memoDataDef evaluates a data directive once.
func (a *analyzer) memoDataDef(def *ast.DataDef, blockIdx int) *Data {
	if data, ok := a.dataMemo[def]; ok {
		return data
	}
	data, _ := a.evaluateDataDef(def, blockIdx)
	a.dataMemo[def] = data
	return data
}

// resolveSections resolves instruction operands in every code section.
func (a *analyzer) resolveSections() {
	for _, kind := range a.sectionOrder {
		builder := a.sections[kind]
		if !kind.IsText() {
			continue
		}
		for i := range builder.items {
			item := &builder.items[i]
			if item.instrAST != nil {
				item.resolved = a.resolveInstr(item.instrAST, item.block, item.pos)
			}
		}
	}
}

// finish converts the builders into the program's canonical section list.
func (a *analyzer) finish() {
	canonical := []ast.SectionKind{
		ast.SectionText, ast.SectionTextTest, ast.SectionData,
		ast.SectionROData, ast.SectionBss, ast.SectionTData, ast.SectionTBss,
	}

	for _, kind := range canonical {
		builder, ok := a.sections[kind]
		if !ok {
			continue
		}
		section := &Section{Kind: kind}
		for _, item := range builder.items {
			converted := Item{Pos: item.pos}
			switch {
			case item.def != nil:
				converted.Def = item.def
				section.Items = append(section.Items, converted)
				// Interned symbols carry their bytes directly; emit them
				// as a data item right after the definition point.
				if item.def.intern {
					section.Items = append(section.Items, Item{Pos: item.pos, Data: &Data{Bytes: item.def.Bytes}})
				}
			case item.instrAST != nil:
				if item.resolved != nil {
					converted.Instr = item.resolved
					section.Items = append(section.Items, converted)
				}
			case item.dataAST != nil:
				converted.Data = a.memoDataDef(item.dataAST, item.block)
				section.Items = append(section.Items, converted)
			case item.resAST != nil:
				converted.Res = &Res{
					Span: item.resAST.Sp,
					Size: int64(item.resAST.Count) * int64(item.resAST.Type.Size()),
				}
				section.Items = append(section.Items, converted)
			}
		}
		a.program.Sections = append(a.program.Sections, section)
	}

	a.program.Prelude = a.unit.Prelude
	a.foldPrelude()
}

// foldPrelude folds every prelude value to a constant and serializes the
// directives, one text line each, for embedding in the object.
func (a *analyzer) foldPrelude() {
	for _, directive := range a.unit.Prelude {
		var parts []string
		if directive.Reg != "" {
			parts = append(parts, "reg", directive.Reg)
		} else {
			parts = append(parts, "mem", directive.Sym, directive.Type.String())
		}
		ok := true
		for _, expr := range directive.Values {
			folded, fok := a.fold(expr, 0)
			if !fok {
				ok = false
				break
			}
			switch folded.kind {
			case valueInt:
				parts = append(parts, fmt.Sprintf("%d", folded.intVal))
			case valueBytes:
				parts = append(parts, fmt.Sprintf("%q", folded.bytes))
			default:
				a.errorf(expr.Span(), ErrBadConstant, "prelude values must be link time constants")
				ok = false
			}
			if !ok {
				break
			}
		}
		if ok {
			a.program.PreludeLines = append(a.program.PreludeLines, strings.Join(parts, " "))
		}
	}
}

// resolveInstr maps an AST instruction to its resolved form.
func (a *analyzer) resolveInstr(instrAST *ast.Instr, blockIdx int, pos int) *Instr {
	resolved := &Instr{Span: instrAST.Sp, Mnemonic: instrAST.Mnemonic}
	for _, operand := range instrAST.Operands {
		op, ok := a.resolveOperand(operand, blockIdx, pos)
		if !ok {
			return nil
		}
		resolved.Ops = append(resolved.Ops, op)
	}
	return resolved
}

func (a *analyzer) resolveOperand(operand ast.Operand, blockIdx int, pos int) (Operand, bool) {
	switch op := operand.(type) {
	case *ast.RegOperand:
		reg, ok := x86.RegisterByName(op.Name)
		if !ok {
			a.errorf(op.Sp, ErrBadRegister, "'%s'", op.Name)
			return Operand{}, false
		}
		return Operand{Kind: OperandReg, Span: op.Sp, Reg: reg}, true

	case *ast.ImmOperand:
		folded, ok := a.fold(op.Value, blockIdx)
		if !ok {
			return Operand{}, false
		}
		return a.operandFromValue(folded, op.Sp)

	case *ast.SymOperand:
		sym := a.scopes.lookup(blockIdx, op.Name)
		if sym == nil {
			a.errorf(op.Sp, ErrUndefinedSymbol, "'%s'", op.Name)
			return Operand{}, false
		}
		if sym.Kind == SymbolConstant {
			folded, ok := a.foldConstant(sym, op.Sp)
			if !ok {
				return Operand{}, false
			}
			return a.operandFromValue(folded, op.Sp)
		}
		return Operand{Kind: OperandSym, Span: op.Sp, Sym: sym}, true

	case *ast.RelPosOperand:
		target := a.scopes.resolveAnon(blockIdx, pos, op.N, op.Forward)
		if target == nil {
			direction := "backward"
			if op.Forward {
				direction = "forward"
			}
			a.errorf(op.Sp, ErrNoAnonymousTarget, "%d %s from here", op.N, direction)
			return Operand{}, false
		}
		return Operand{Kind: OperandSym, Span: op.Sp, Sym: target}, true

	case *ast.MemOperand:
		return a.resolveMemOperand(op, blockIdx)
	}

	a.errorf(operand.Span(), ErrBadAddress, "unsupported operand")
	return Operand{}, false
}

func (a *analyzer) operandFromValue(folded value, span source.Span) (Operand, bool) {
	switch folded.kind {
	case valueInt:
		return Operand{Kind: OperandImm, Span: span, Imm: folded.intVal}, true
	case valueAddr:
		return Operand{Kind: OperandImm, Span: span, ImmSym: folded.sym, Imm: folded.addend}, true
	}
	a.errorf(span, ErrBadStringContext, "a string cannot be an immediate operand")
	return Operand{}, false
}

func (a *analyzer) resolveMemOperand(op *ast.MemOperand, blockIdx int) (Operand, bool) {
	mem := Mem{Scale: op.Scale, Disp: op.Disp}

	if op.Base != "" {
		mem.Base, _ = x86.RegisterByName(op.Base)
	}
	if op.Index != "" {
		mem.Index, _ = x86.RegisterByName(op.Index)
		if mem.Index.Name == "rsp" {
			a.errorf(op.Sp, ErrBadAddress, "rsp cannot be an index register")
			return Operand{}, false
		}
	}

	if op.SymExpr != nil {
		folded, ok := a.fold(op.SymExpr, blockIdx)
		if !ok {
			return Operand{}, false
		}
		switch folded.kind {
		case valueInt:
			mem.Disp += folded.intVal
		case valueAddr:
			mem.Sym = folded.sym
		default:
			a.errorf(op.SymExpr.Span(), ErrBadAddress, "a string cannot address memory")
			return Operand{}, false
		}
	}

	if mem.Sym != nil && (mem.Base.Valid() || mem.Index.Valid()) {
		a.errorf(op.Sp, ErrBadAddress, "symbolic addresses cannot combine with base or index registers")
		return Operand{}, false
	}

	return Operand{Kind: OperandMem, Span: op.Sp, Mem: mem}, true
}

func (a *analyzer) genLabel(prefix string) string {
	name := fmt.Sprintf(".L%s%d", prefix, a.genCounter)
	a.genCounter++
	return name
}
