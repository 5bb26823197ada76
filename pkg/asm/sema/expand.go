package sema

import (
	"errors"
	"fmt"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/asm/x86"
)

var (
	ErrUnknownMacro      = errors.New("unknown macro")
	ErrMacroArity        = errors.New("wrong number of macro arguments")
	ErrMacroArgKind      = errors.New("wrong macro argument kind")
	ErrMacroSection      = errors.New("macro not allowed in this section")
	ErrBadFormatSpec     = errors.New("bad format specifier")
	ErrTooManyPrintfArgs = errors.New("too many printf arguments")
)

// callerSaved is the register save set wrapped around every expanded
// printf call, in push order. Nine 8-byte pushes keep the stack pointer
// 16-byte aligned across the call for a function entered through `call`.
var callerSaved = []string{"rax", "rcx", "rdx", "rsi", "rdi", "r8", "r9", "r10", "r11"}

// printfArgRegs are the integer argument registers after rdi, per the
// System V AMD64 calling convention.
var printfArgRegs = []string{"rsi", "rdx", "rcx", "r8", "r9"}
var printfArgRegs32 = []string{"esi", "edx", "ecx", "r8d", "r9d"}

// expandUnit replaces every macro statement in the unit with its lowered
// statement list, lifting !esetreg/!esetmem into the unit prelude and
// interning generated strings into read-only data.
func (a *analyzer) expandUnit() {
	for _, section := range a.unit.Sections() {
		section.Body = a.expandBody(section, section.Body)
	}
}

func (a *analyzer) expandBody(section *ast.Section, body []ast.Stmt) []ast.Stmt {
	var expanded []ast.Stmt
	for _, stmt := range body {
		switch st := stmt.(type) {
		case *ast.Label:
			if st.HasBlock {
				st.Body = a.expandBody(section, st.Body)
			}
			expanded = append(expanded, st)
		case *ast.AnonLabel:
			if st.HasBlock {
				st.Body = a.expandBody(section, st.Body)
			}
			expanded = append(expanded, st)
		case *ast.Macro:
			expanded = append(expanded, a.expandMacro(section, st)...)
		default:
			expanded = append(expanded, stmt)
		}
	}
	return expanded
}

func (a *analyzer) expandMacro(section *ast.Section, macro *ast.Macro) []ast.Stmt {
	switch macro.Name {
	case "esetreg":
		a.expandESetReg(macro)
		return nil
	case "esetmem":
		a.expandESetMem(macro)
		return nil
	}

	if !section.Kind.IsText() {
		a.errorf(macro.Sp, ErrMacroSection, "'!%s' needs a code section, not %s", macro.Name, section.Kind)
		return nil
	}

	switch macro.Name {
	case "pstr":
		return a.expandPStr(macro)
	case "pval":
		return a.expandPVal(macro)
	case "preg":
		return a.expandPReg(macro)
	case "paddr":
		return a.expandPAddr(macro)
	case "pmem":
		return a.expandPMem(macro)
	case "regs":
		return a.expandRegs(macro)
	case "mem":
		return a.expandMem(macro)
	case "assert_eq", "assert_neq", "assert_eqz", "assert_nez":
		return a.expandAssert(macro)
	}

	a.errorf(macro.Sp, ErrUnknownMacro, "'!%s'", macro.Name)
	return nil
}

// intern registers a read-only byte string and returns its symbol name.
// Identical contents share one entry.
func (a *analyzer) intern(bytes []byte) string {
	if a.internIndex == nil {
		a.internIndex = map[string]*interned{}
	}
	if entry, ok := a.internIndex[string(bytes)]; ok {
		return entry.sym.Name
	}
	entry := &interned{
		sym:   &Symbol{Name: a.genLabel("str"), Kind: SymbolData},
		bytes: bytes,
	}
	a.interns = append(a.interns, entry)
	a.internIndex[string(bytes)] = entry
	return entry.sym.Name
}

// internC interns a NUL terminated copy of a string.
func (a *analyzer) internC(text string) string {
	return a.intern(append([]byte(text), 0))
}

func (a *analyzer) needImport(name string) {
	for _, existing := range a.neededImports {
		if existing == name {
			return
		}
	}
	a.neededImports = append(a.neededImports, name)
}

// Statement constructors for lowered code. Every node reuses the macro's
// span so diagnostics and encoder errors point at the invocation.

func op(sp source.Span, mnemonic string, operands ...ast.Operand) *ast.Instr {
	return &ast.Instr{Sp: sp, Mnemonic: mnemonic, Operands: operands}
}

func reg(sp source.Span, name string) ast.Operand {
	return &ast.RegOperand{Sp: sp, Name: name}
}

func imm(sp source.Span, value int64) ast.Operand {
	return &ast.ImmOperand{Sp: sp, Value: &ast.IntLit{Sp: sp, Value: uint64(value)}}
}

func immExpr(sp source.Span, expr ast.Expr) ast.Operand {
	return &ast.ImmOperand{Sp: sp, Value: expr}
}

func symRef(sp source.Span, name string) ast.Operand {
	return &ast.SymOperand{Sp: sp, Name: name}
}

func memSym(sp source.Span, name string, disp int64) ast.Operand {
	return &ast.MemOperand{Sp: sp, Scale: 1, Disp: disp, SymExpr: &ast.Ident{Sp: sp, Name: name}}
}

func memBase(sp source.Span, base string, disp int64) ast.Operand {
	return &ast.MemOperand{Sp: sp, Base: base, Scale: 1, Disp: disp}
}

// saveRegs/restoreRegs bracket an expansion with pushes and pops of the
// caller saved registers so debug printing does not disturb the program
// under test.
func saveRegs(sp source.Span) []ast.Stmt {
	stmts := make([]ast.Stmt, 0, len(callerSaved))
	for _, name := range callerSaved {
		stmts = append(stmts, op(sp, "push", reg(sp, name)))
	}
	return stmts
}

func restoreRegs(sp source.Span) []ast.Stmt {
	stmts := make([]ast.Stmt, 0, len(callerSaved))
	for i := len(callerSaved) - 1; i >= 0; i-- {
		stmts = append(stmts, op(sp, "pop", reg(sp, callerSaved[i])))
	}
	return stmts
}

// savedSlotDisp returns the rsp relative offset of a caller saved
// register's stack slot after saveRegs ran.
func savedSlotDisp(name string) (int64, bool) {
	for i, saved := range callerSaved {
		if saved == name {
			return int64(8 * (len(callerSaved) - 1 - i)), true
		}
	}
	return 0, false
}

// callPrintf emits the `xor eax, eax; call printf` tail shared by every
// print expansion. eax holds the number of vector arguments for varargs
// calls.
func (a *analyzer) callPrintf(sp source.Span) []ast.Stmt {
	a.needImport("printf")
	return []ast.Stmt{
		op(sp, "xor", reg(sp, "eax"), reg(sp, "eax")),
		op(sp, "call", symRef(sp, "printf")),
	}
}

// argStr/argInt/argReg fetch typed macro arguments.

func (a *analyzer) argStr(macro *ast.Macro, index int) ([]byte, bool) {
	if index >= len(macro.Args) {
		a.errorf(macro.Sp, ErrMacroArity, "'!%s' needs a string argument at position %d", macro.Name, index+1)
		return nil, false
	}
	lit, ok := macro.Args[index].(*ast.StrLit)
	if !ok {
		a.errorf(macro.Args[index].Span(), ErrMacroArgKind, "'!%s' argument %d must be a string literal", macro.Name, index+1)
		return nil, false
	}
	return lit.Bytes, true
}

func (a *analyzer) argSym(macro *ast.Macro, index int) (string, bool) {
	if index >= len(macro.Args) {
		a.errorf(macro.Sp, ErrMacroArity, "'!%s' needs a symbol argument at position %d", macro.Name, index+1)
		return "", false
	}
	ident, ok := macro.Args[index].(*ast.Ident)
	if !ok || x86.IsRegisterName(ident.Name) {
		a.errorf(macro.Args[index].Span(), ErrMacroArgKind, "'!%s' argument %d must be a symbol name", macro.Name, index+1)
		return "", false
	}
	return ident.Name, true
}

func (a *analyzer) argReg(macro *ast.Macro, index int) (x86.Register, bool) {
	if index >= len(macro.Args) {
		a.errorf(macro.Sp, ErrMacroArity, "'!%s' needs a register argument at position %d", macro.Name, index+1)
		return x86.Register{}, false
	}
	ident, ok := macro.Args[index].(*ast.Ident)
	if !ok {
		a.errorf(macro.Args[index].Span(), ErrMacroArgKind, "'!%s' argument %d must be a register", macro.Name, index+1)
		return x86.Register{}, false
	}
	register, isReg := x86.RegisterByName(ident.Name)
	if !isReg {
		a.errorf(ident.Sp, ErrMacroArgKind, "'%s' is not a register", ident.Name)
		return x86.Register{}, false
	}
	return register, true
}

// expandESetReg records a register prelude directive on the unit.
func (a *analyzer) expandESetReg(macro *ast.Macro) {
	register, ok := a.argReg(macro, 0)
	if !ok {
		return
	}
	if len(macro.Args) != 2 {
		a.errorf(macro.Sp, ErrMacroArity, "'!esetreg' takes a register and a value")
		return
	}
	a.unit.Prelude = append(a.unit.Prelude, ast.Prelude{
		Sp:     macro.Sp,
		Reg:    register.Name,
		Values: []ast.Expr{macro.Args[1]},
	})
}

// expandESetMem records a memory prelude directive on the unit.
func (a *analyzer) expandESetMem(macro *ast.Macro) {
	sym, ok := a.argSym(macro, 0)
	if !ok {
		return
	}
	if len(macro.Args) < 3 {
		a.errorf(macro.Sp, ErrMacroArity, "'!esetmem' takes a symbol, a type and at least one value")
		return
	}
	typeIdent, ok := macro.Args[1].(*ast.Ident)
	if !ok {
		a.errorf(macro.Args[1].Span(), ErrMacroArgKind, "'!esetmem' argument 2 must be a type")
		return
	}
	valueType, isType := ast.ValueTypeFromName(typeIdent.Name)
	if !isType {
		a.errorf(typeIdent.Sp, ErrMacroArgKind, "'%s' is not a type", typeIdent.Name)
		return
	}
	a.unit.Prelude = append(a.unit.Prelude, ast.Prelude{
		Sp:     macro.Sp,
		Sym:    sym,
		Type:   valueType,
		Values: macro.Args[2:],
	})
}

// expandPStr lowers `!pstr STRING` into a printf call on an interned
// read-only copy of the string.
func (a *analyzer) expandPStr(macro *ast.Macro) []ast.Stmt {
	text, ok := a.argStr(macro, 0)
	if !ok {
		return nil
	}
	sp := macro.Sp
	name := a.intern(append(append([]byte{}, text...), 0))

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, name, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// expandPVal lowers `!pval FMT, EXPR` into a printf call with one integer
// argument.
func (a *analyzer) expandPVal(macro *ast.Macro) []ast.Stmt {
	fmtBytes, ok := a.argStr(macro, 0)
	if !ok {
		return nil
	}
	if len(macro.Args) != 2 {
		a.errorf(macro.Sp, ErrMacroArity, "'!pval' takes a format string and one value")
		return nil
	}
	sp := macro.Sp
	fmtName := a.intern(append(append([]byte{}, fmtBytes...), 0))

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	stmts = append(stmts, op(sp, "mov", reg(sp, "rsi"), immExpr(sp, macro.Args[1])))
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// expandPReg lowers `!preg FMT, REG...` into a printf call reading the
// named registers. Values are read from the save area so the arguments
// observe the registers as they were before the expansion.
func (a *analyzer) expandPReg(macro *ast.Macro) []ast.Stmt {
	fmtBytes, ok := a.argStr(macro, 0)
	if !ok {
		return nil
	}
	if len(macro.Args) < 2 {
		a.errorf(macro.Sp, ErrMacroArity, "'!preg' takes a format string and at least one register")
		return nil
	}
	if len(macro.Args)-1 > len(printfArgRegs) {
		a.errorf(macro.Sp, ErrTooManyPrintfArgs, "'!preg' prints at most %d registers", len(printfArgRegs))
		return nil
	}
	sp := macro.Sp
	fmtName := a.intern(append(append([]byte{}, fmtBytes...), 0))

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	for i := 1; i < len(macro.Args); i++ {
		register, ok := a.argReg(macro, i)
		if !ok {
			return nil
		}
		argReg64 := printfArgRegs[i-1]
		argReg32 := printfArgRegs32[i-1]
		stmts = append(stmts, loadSavedRegister(sp, register, argReg64, argReg32))
	}
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// loadSavedRegister emits the move of one printed register into a printf
// argument register, reading from the save area when the source was
// clobbered by saveRegs.
func loadSavedRegister(sp source.Span, register x86.Register, argReg64, argReg32 string) ast.Stmt {
	parent64 := x86.GPR64(register.Code)
	if register.Name == "rsp" || register.Name == "esp" {
		// rsp moved when the save area was pushed; reconstruct it.
		return op(sp, "lea", reg(sp, argReg64), memBase(sp, "rsp", int64(8*len(callerSaved))))
	}
	if disp, saved := savedSlotDisp(parent64.Name); saved {
		if register.Bits == 32 {
			return op(sp, "mov", reg(sp, argReg32), memBase(sp, "rsp", disp))
		}
		return op(sp, "mov", reg(sp, argReg64), memBase(sp, "rsp", disp))
	}
	// Callee saved registers still hold their original values.
	if register.Bits == 32 {
		return op(sp, "mov", reg(sp, argReg32), reg(sp, register.Name))
	}
	return op(sp, "mov", reg(sp, argReg64), reg(sp, register.Name))
}

// expandPAddr lowers `!paddr FMT, SYM...` into a printf call passing
// symbol addresses.
func (a *analyzer) expandPAddr(macro *ast.Macro) []ast.Stmt {
	fmtBytes, ok := a.argStr(macro, 0)
	if !ok {
		return nil
	}
	if len(macro.Args) < 2 {
		a.errorf(macro.Sp, ErrMacroArity, "'!paddr' takes a format string and at least one symbol")
		return nil
	}
	if len(macro.Args)-1 > len(printfArgRegs) {
		a.errorf(macro.Sp, ErrTooManyPrintfArgs, "'!paddr' prints at most %d addresses", len(printfArgRegs))
		return nil
	}
	sp := macro.Sp
	fmtName := a.intern(append(append([]byte{}, fmtBytes...), 0))

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	for i := 1; i < len(macro.Args); i++ {
		sym, ok := a.argSym(macro, i)
		if !ok {
			return nil
		}
		stmts = append(stmts, op(sp, "lea", reg(sp, printfArgRegs[i-1]), memSym(sp, sym, 0)))
	}
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// memFmtSpec is one parsed `%[COUNT][TYPE]` specifier of a !pmem format.
type memFmtSpec struct {
	literal []byte // literal run when Type is TypeInvalid
	count   int
	vtype   ast.ValueType
}

// parseMemFormat splits a !pmem format string into literal runs and
// element specifiers.
func (a *analyzer) parseMemFormat(fmtBytes []byte, span source.Span) ([]memFmtSpec, bool) {
	var specs []memFmtSpec
	var literal []byte

	flushLiteral := func() {
		if len(literal) > 0 {
			specs = append(specs, memFmtSpec{literal: literal})
			literal = nil
		}
	}

	for i := 0; i < len(fmtBytes); {
		if fmtBytes[i] != '%' {
			literal = append(literal, fmtBytes[i])
			i++
			continue
		}
		i++
		if i < len(fmtBytes) && fmtBytes[i] == '%' {
			literal = append(literal, '%')
			i++
			continue
		}
		count := 0
		for i < len(fmtBytes) && fmtBytes[i] >= '0' && fmtBytes[i] <= '9' {
			count = count*10 + int(fmtBytes[i]-'0')
			i++
		}
		if count == 0 {
			count = 1
		}
		typeStart := i
		for i < len(fmtBytes) && (fmtBytes[i] >= 'a' && fmtBytes[i] <= 'z' || fmtBytes[i] >= '0' && fmtBytes[i] <= '9') {
			i++
		}
		vtype, ok := ast.ValueTypeFromName(string(fmtBytes[typeStart:i]))
		if !ok {
			a.errorf(span, ErrBadFormatSpec, "'%%%s'", fmtBytes[typeStart:i])
			return nil, false
		}
		if vtype.IsFloat() {
			a.errorf(span, ErrBadFormatSpec, "float element types are not printable")
			return nil, false
		}
		flushLiteral()
		specs = append(specs, memFmtSpec{count: count, vtype: vtype})
	}
	flushLiteral()
	return specs, true
}

// printfFormatFor maps an element type to the C format string printing it.
func printfFormatFor(vtype ast.ValueType) string {
	switch vtype.Size() {
	case 8:
		switch {
		case vtype.IsSigned():
			return "%lld"
		case vtype == ast.TypeX64 || vtype == ast.TypeB64:
			return "0x%llx"
		default:
			return "%llu"
		}
	default:
		switch {
		case vtype == ast.TypeC:
			return "%c"
		case vtype.IsSigned():
			return "%d"
		case vtype == ast.TypeX8 || vtype == ast.TypeX16 || vtype == ast.TypeX32,
			vtype == ast.TypeB8 || vtype == ast.TypeB16 || vtype == ast.TypeB32:
			return "0x%x"
		default:
			return "%u"
		}
	}
}

// loadElement emits the rsi load of one memory element of the given type.
func loadElement(sp source.Span, vtype ast.ValueType, sym string, offset int64) ast.Stmt {
	address := memSym(sp, sym, offset)
	// The byte and word widths are spelled in the mnemonic (movzxb,
	// movsxw, ...) since effective addresses carry no size of their own.
	switch vtype.Size() {
	case 1:
		if vtype.IsSigned() {
			return op(sp, "movsxb", reg(sp, "esi"), address)
		}
		return op(sp, "movzxb", reg(sp, "esi"), address)
	case 2:
		if vtype.IsSigned() {
			return op(sp, "movsxw", reg(sp, "esi"), address)
		}
		return op(sp, "movzxw", reg(sp, "esi"), address)
	case 4:
		return op(sp, "mov", reg(sp, "esi"), address)
	default:
		return op(sp, "mov", reg(sp, "rsi"), address)
	}
}

// expandPMem lowers `!pmem FMT, SYM`: one printf call per element read
// from the symbol's memory.
func (a *analyzer) expandPMem(macro *ast.Macro) []ast.Stmt {
	fmtBytes, ok := a.argStr(macro, 0)
	if !ok {
		return nil
	}
	sym, ok := a.argSym(macro, 1)
	if !ok {
		return nil
	}
	specs, ok := a.parseMemFormat(fmtBytes, macro.Args[0].Span())
	if !ok {
		return nil
	}
	sp := macro.Sp

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	offset := int64(0)
	for _, spec := range specs {
		if spec.literal != nil {
			name := a.intern(append(append([]byte{}, spec.literal...), 0))
			stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, name, 0)))
			stmts = append(stmts, a.callPrintf(sp)...)
			continue
		}
		elementFmt := a.internC(printfFormatFor(spec.vtype) + " ")
		for i := 0; i < spec.count; i++ {
			stmts = append(stmts, loadElement(sp, spec.vtype, sym, offset))
			stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, elementFmt, 0)))
			stmts = append(stmts, a.callPrintf(sp)...)
			offset += int64(spec.vtype.Size())
		}
	}
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// regsSaveOrder is the push order of the general register dump. rsp is
// reconstructed instead of pushed so the restore sequence never pops into
// the stack pointer.
var regsSaveOrder = []string{
	"rax", "rcx", "rdx", "rbx", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// expandRegs lowers `!regs [CLASS]` into a full register file dump.
func (a *analyzer) expandRegs(macro *ast.Macro) []ast.Stmt {
	class := "general"
	if len(macro.Args) > 0 {
		ident, ok := macro.Args[0].(*ast.Ident)
		if !ok {
			a.errorf(macro.Args[0].Span(), ErrMacroArgKind, "'!regs' takes a register class name")
			return nil
		}
		class = ident.Name
	}
	switch class {
	case "general":
		return a.expandRegsGeneral(macro.Sp)
	case "xmm":
		return a.expandRegsXMM(macro.Sp)
	}
	a.errorf(macro.Sp, ErrMacroArgKind, "unknown register class '%s'", class)
	return nil
}

func (a *analyzer) expandRegsGeneral(sp source.Span) []ast.Stmt {
	var stmts []ast.Stmt
	// 15 pushes, an odd count like saveRegs, keep rsp 16 byte aligned.
	for _, name := range regsSaveOrder {
		stmts = append(stmts, op(sp, "push", reg(sp, name)))
	}

	frame := int64(8 * len(regsSaveOrder))
	slot := func(index int) int64 {
		return int64(8 * (len(regsSaveOrder) - 1 - index))
	}

	for index, name := range regsSaveOrder {
		fmtName := a.internC(fmt.Sprintf("%-3s = 0x%%016llx\n", name))
		stmts = append(stmts, op(sp, "mov", reg(sp, "rsi"), memBase(sp, "rsp", slot(index))))
		stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
		stmts = append(stmts, a.callPrintf(sp)...)
	}

	// rsp itself, reconstructed from the save frame size.
	fmtName := a.internC("rsp = 0x%016llx\n")
	stmts = append(stmts, op(sp, "lea", reg(sp, "rsi"), memBase(sp, "rsp", frame)))
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)

	for i := len(regsSaveOrder) - 1; i >= 0; i-- {
		stmts = append(stmts, op(sp, "pop", reg(sp, regsSaveOrder[i])))
	}
	return stmts
}

func (a *analyzer) expandRegsXMM(sp source.Span) []ast.Stmt {
	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)

	// Spill the low quadword of every xmm register before printf can
	// clobber them. 128 bytes keep the alignment parity of saveRegs.
	const spill = 128
	stmts = append(stmts, op(sp, "sub", reg(sp, "rsp"), imm(sp, spill)))
	for i := 0; i < 16; i++ {
		stmts = append(stmts, op(sp, "movq", memBase(sp, "rsp", int64(8*i)), reg(sp, fmt.Sprintf("xmm%d", i))))
	}
	for i := 0; i < 16; i++ {
		fmtName := a.internC(fmt.Sprintf("%-5s = 0x%%016llx\n", fmt.Sprintf("xmm%d", i)))
		stmts = append(stmts, op(sp, "mov", reg(sp, "rsi"), memBase(sp, "rsp", int64(8*i))))
		stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, fmtName, 0)))
		stmts = append(stmts, a.callPrintf(sp)...)
	}
	stmts = append(stmts, op(sp, "add", reg(sp, "rsp"), imm(sp, spill)))

	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// expandMem lowers `!mem SYM LEN` into a hex dump of LEN bytes at SYM.
func (a *analyzer) expandMem(macro *ast.Macro) []ast.Stmt {
	sym, ok := a.argSym(macro, 0)
	if !ok {
		return nil
	}
	if len(macro.Args) != 2 {
		a.errorf(macro.Sp, ErrMacroArity, "'!mem' takes a symbol and a byte count")
		return nil
	}
	lengthLit, ok := macro.Args[1].(*ast.IntLit)
	if !ok {
		a.errorf(macro.Args[1].Span(), ErrMacroArgKind, "'!mem' length must be an integer literal")
		return nil
	}
	length := int64(lengthLit.Value)
	sp := macro.Sp

	byteFmt := a.internC("%02x ")
	newline := a.internC("\n")

	var stmts []ast.Stmt
	stmts = append(stmts, saveRegs(sp)...)
	for offset := int64(0); offset < length; offset++ {
		stmts = append(stmts, op(sp, "movzxb", reg(sp, "esi"), memSym(sp, sym, offset)))
		stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, byteFmt, 0)))
		stmts = append(stmts, a.callPrintf(sp)...)
	}
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, newline, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, restoreRegs(sp)...)
	return stmts
}

// expandAssert lowers the assertion macros into a compare plus a
// conditional jump over an error handler that prints the message and
// exits non-zero.
func (a *analyzer) expandAssert(macro *ast.Macro) []ast.Stmt {
	binary := macro.Name == "assert_eq" || macro.Name == "assert_neq"

	wantArgs := 3
	if !binary {
		wantArgs = 2
	}
	if len(macro.Args) != wantArgs {
		a.errorf(macro.Sp, ErrMacroArity, "'!%s' takes %d arguments", macro.Name, wantArgs)
		return nil
	}

	messageLit, ok := macro.Args[wantArgs-1].(*ast.StrLit)
	if !ok {
		a.errorf(macro.Args[wantArgs-1].Span(), ErrMacroArgKind, "'!%s' message must be a string literal", macro.Name)
		return nil
	}

	sp := macro.Sp
	left := a.macroOperand(macro.Args[0])
	if left == nil {
		return nil
	}
	var right ast.Operand
	if binary {
		right = a.macroOperand(macro.Args[1])
		if right == nil {
			return nil
		}
	} else {
		right = imm(sp, 0)
	}

	// The passing path jumps over the handler.
	skip := "je"
	if macro.Name == "assert_neq" || macro.Name == "assert_nez" {
		skip = "jne"
	}

	messageName := a.intern(append(append(append([]byte{}, messageLit.Bytes...), '\n'), 0))
	okLabel := a.genLabel("assert_ok")
	a.needImport("exit")

	var stmts []ast.Stmt
	stmts = append(stmts, op(sp, "cmp", left, right))
	stmts = append(stmts, op(sp, skip, symRef(sp, okLabel)))
	stmts = append(stmts, op(sp, "lea", reg(sp, "rdi"), memSym(sp, messageName, 0)))
	stmts = append(stmts, a.callPrintf(sp)...)
	stmts = append(stmts, op(sp, "mov", reg(sp, "edi"), imm(sp, 1)))
	stmts = append(stmts, op(sp, "call", symRef(sp, "exit")))
	stmts = append(stmts, &ast.Label{Sp: sp, Name: okLabel})
	return stmts
}

// macroOperand converts a macro argument expression into an instruction
// operand: registers stay registers, anything else is an immediate.
func (a *analyzer) macroOperand(arg ast.Expr) ast.Operand {
	if ident, ok := arg.(*ast.Ident); ok && x86.IsRegisterName(ident.Name) {
		return reg(ident.Sp, ident.Name)
	}
	return immExpr(arg.Span(), arg)
}
