package encoder

import (
	"fmt"

	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/asm/x86"
	"github.com/anns-lang/anns/pkg/utils"
)

// shape classifies one resolved operand for form selection.
type shape int

const (
	shapeR8 shape = iota
	shapeR16
	shapeR32
	shapeR64
	shapeXMM
	shapeImm
	shapeMem
	shapeSym
)

func (s shape) String() string {
	switch s {
	case shapeR8:
		return "r8"
	case shapeR16:
		return "r16"
	case shapeR32:
		return "r32"
	case shapeR64:
		return "r64"
	case shapeXMM:
		return "xmm"
	case shapeImm:
		return "imm"
	case shapeMem:
		return "mem"
	case shapeSym:
		return "sym"
	}
	return "?"
}

// classify maps a resolved operand to its shape.
func classify(op sema.Operand) shape {
	switch op.Kind {
	case sema.OperandReg:
		if op.Reg.Class == x86.RegClassXMM {
			return shapeXMM
		}
		switch op.Reg.Bits {
		case 8:
			return shapeR8
		case 16:
			return shapeR16
		case 32:
			return shapeR32
		default:
			return shapeR64
		}
	case sema.OperandImm:
		return shapeImm
	case sema.OperandMem:
		return shapeMem
	default:
		return shapeSym
	}
}

func shapeSignature(inst *sema.Instr) string {
	sig := inst.Mnemonic
	for _, op := range inst.Ops {
		sig += " " + classify(op).String()
	}
	return sig
}

// Form is one encodable (mnemonic, operand shape) combination.
type Form struct {
	Mnemonic string
	Shapes   []shape
	// Doc is a one line description for the generated encoding table
	// reference.
	Doc  string
	emit func(se *sectionEncoder, inst *sema.Instr) error
}

// Matches reports whether the instruction's operands fit the form.
func (f *Form) Matches(inst *sema.Instr) bool {
	if len(inst.Ops) != len(f.Shapes) {
		return false
	}
	for i, op := range inst.Ops {
		if classify(op) != f.Shapes[i] {
			return false
		}
	}
	return true
}

// Signature renders the form's shape tuple for documentation and errors.
func (f *Form) Signature() string {
	sig := f.Mnemonic
	for _, s := range f.Shapes {
		sig += " " + s.String()
	}
	return sig
}

// Forms indexes every supported encoding by mnemonic. The table is the
// single extension point for new opcodes.
var Forms = buildForms()

// FormsFor returns the forms registered for a mnemonic.
func FormsFor(mnemonic string) []*Form {
	return Forms[mnemonic]
}

// Mnemonics returns every supported mnemonic, sorted.
func Mnemonics() []string {
	return utils.Keys(Forms)
}

// aluOp describes the classic ALU opcode family layout: the /r opcode
// pair plus the 80/81/83 immediate group digit.
type aluOp struct {
	mnemonic string
	mr       byte  // op r/m, r
	rm       byte  // op r, r/m
	digit    uint8 // immediate group digit
}

var aluOps = []aluOp{
	{"add", 0x01, 0x03, 0},
	{"or", 0x09, 0x0B, 1},
	{"and", 0x21, 0x23, 4},
	{"sub", 0x29, 0x2B, 5},
	{"xor", 0x31, 0x33, 6},
	{"cmp", 0x39, 0x3B, 7},
}

// ccOp maps a conditional jump mnemonic to its condition code nibble.
var ccOps = map[string]byte{
	"jo": 0x0, "jno": 0x1,
	"jb": 0x2, "jae": 0x3,
	"je": 0x4, "jz": 0x4,
	"jne": 0x5, "jnz": 0x5,
	"jbe": 0x6, "ja": 0x7,
	"js": 0x8, "jns": 0x9,
	"jl": 0xC, "jge": 0xD,
	"jle": 0xE, "jg": 0xF,
}

func buildForms() map[string][]*Form {
	table := map[string][]*Form{}
	add := func(form *Form) {
		table[form.Mnemonic] = append(table[form.Mnemonic], form)
	}

	regShapes := []shape{shapeR64, shapeR32, shapeR16, shapeR8}

	// mov register to register, register to/from memory
	for _, rs := range regShapes {
		rs := rs
		mr, rm := byte(0x89), byte(0x8B)
		if rs == shapeR8 {
			mr, rm = 0x88, 0x8A
		}
		add(&Form{
			Mnemonic: "mov", Shapes: []shape{rs, rs},
			Doc:  fmt.Sprintf("%02X /r", mr),
			emit: emitRR(mr, rs),
		})
		add(&Form{
			Mnemonic: "mov", Shapes: []shape{rs, shapeMem},
			Doc:  fmt.Sprintf("%02X /r", rm),
			emit: emitRM([]byte{rm}, rs),
		})
		add(&Form{
			Mnemonic: "mov", Shapes: []shape{shapeMem, rs},
			Doc:  fmt.Sprintf("%02X /r", mr),
			emit: emitMR(mr, rs),
		})
	}

	// mov register, immediate: the encoder picks the shortest legal form
	// and switches to the 64 bit immediate when the value requires it.
	add(&Form{Mnemonic: "mov", Shapes: []shape{shapeR64, shapeImm}, Doc: "C7 /0 id | B8+rd io", emit: emitMovR64Imm})
	add(&Form{Mnemonic: "mov", Shapes: []shape{shapeR32, shapeImm}, Doc: "B8+rd id", emit: emitMovR32Imm})

	// lea
	add(&Form{Mnemonic: "lea", Shapes: []shape{shapeR64, shapeMem}, Doc: "8D /r", emit: emitRM([]byte{0x8D}, shapeR64)})
	add(&Form{Mnemonic: "lea", Shapes: []shape{shapeR32, shapeMem}, Doc: "8D /r", emit: emitRM([]byte{0x8D}, shapeR32)})

	// ALU family
	for _, alu := range aluOps {
		alu := alu
		for _, rs := range []shape{shapeR64, shapeR32, shapeR16} {
			rs := rs
			add(&Form{
				Mnemonic: alu.mnemonic, Shapes: []shape{rs, rs},
				Doc:  fmt.Sprintf("%02X /r", alu.mr),
				emit: emitRR(alu.mr, rs),
			})
			add(&Form{
				Mnemonic: alu.mnemonic, Shapes: []shape{rs, shapeMem},
				Doc:  fmt.Sprintf("%02X /r", alu.rm),
				emit: emitRM([]byte{alu.rm}, rs),
			})
			add(&Form{
				Mnemonic: alu.mnemonic, Shapes: []shape{shapeMem, rs},
				Doc:  fmt.Sprintf("%02X /r", alu.mr),
				emit: emitMR(alu.mr, rs),
			})
			add(&Form{
				Mnemonic: alu.mnemonic, Shapes: []shape{rs, shapeImm},
				Doc:  fmt.Sprintf("83 /%d ib | 81 /%d id", alu.digit, alu.digit),
				emit: emitALUImm(alu.digit, rs),
			})
		}
	}

	// inc/dec
	for _, rs := range []shape{shapeR64, shapeR32} {
		rs := rs
		add(&Form{Mnemonic: "inc", Shapes: []shape{rs}, Doc: "FF /0", emit: emitUnary(0xFF, 0, rs)})
		add(&Form{Mnemonic: "dec", Shapes: []shape{rs}, Doc: "FF /1", emit: emitUnary(0xFF, 1, rs)})
	}

	// test
	for _, rs := range []shape{shapeR64, shapeR32} {
		rs := rs
		add(&Form{Mnemonic: "test", Shapes: []shape{rs, rs}, Doc: "85 /r", emit: emitRR(0x85, rs)})
	}

	// stack
	add(&Form{Mnemonic: "push", Shapes: []shape{shapeR64}, Doc: "50+rd", emit: emitPushPopReg(0x50)})
	add(&Form{Mnemonic: "pop", Shapes: []shape{shapeR64}, Doc: "58+rd", emit: emitPushPopReg(0x58)})
	add(&Form{Mnemonic: "push", Shapes: []shape{shapeImm}, Doc: "6A ib | 68 id", emit: emitPushImm})
	add(&Form{Mnemonic: "enter", Shapes: []shape{shapeImm, shapeImm}, Doc: "C8 iw ib", emit: emitEnter})
	add(&Form{Mnemonic: "leave", Shapes: nil, Doc: "C9", emit: emitBytes(0xC9)})

	// control
	add(&Form{Mnemonic: "ret", Shapes: nil, Doc: "C3", emit: emitBytes(0xC3)})
	add(&Form{Mnemonic: "nop", Shapes: nil, Doc: "90", emit: emitBytes(0x90)})
	add(&Form{Mnemonic: "syscall", Shapes: nil, Doc: "0F 05", emit: emitBytes(0x0F, 0x05)})
	add(&Form{Mnemonic: "call", Shapes: []shape{shapeSym}, Doc: "E8 cd", emit: emitCall})
	add(&Form{Mnemonic: "jmp", Shapes: []shape{shapeSym}, Doc: "EB cb | E9 cd", emit: emitJmp})
	for mnemonic, cc := range ccOps {
		mnemonic, cc := mnemonic, cc
		add(&Form{
			Mnemonic: mnemonic, Shapes: []shape{shapeSym},
			Doc:  fmt.Sprintf("7%X cb | 0F 8%X cd", cc, cc),
			emit: emitJcc(cc),
		})
	}

	// widening loads; the source width is part of the mnemonic
	widen := []struct {
		mnemonic string
		opcode   byte
	}{
		{"movzxb", 0xB6}, {"movzxw", 0xB7},
		{"movsxb", 0xBE}, {"movsxw", 0xBF},
	}
	for _, w := range widen {
		w := w
		for _, rs := range []shape{shapeR64, shapeR32} {
			rs := rs
			add(&Form{
				Mnemonic: w.mnemonic, Shapes: []shape{rs, shapeMem},
				Doc:  fmt.Sprintf("0F %02X /r", w.opcode),
				emit: emitRM([]byte{0x0F, w.opcode}, rs),
			})
		}
	}

	// xmm low quadword store/load, for the register dump expansions
	add(&Form{Mnemonic: "movq", Shapes: []shape{shapeMem, shapeXMM}, Doc: "66 0F D6 /r", emit: emitMovqStore})
	add(&Form{Mnemonic: "movq", Shapes: []shape{shapeXMM, shapeMem}, Doc: "F3 0F 7E /r", emit: emitMovqLoad})

	return table
}
