package encoder

import (
	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/utils"
)

// applyWidth sets the operand size machinery for a register shape: REX.W
// for 64 bit operands, the 0x66 prefix for 16 bit ones.
func applyWidth(b *instBuf, s shape) {
	switch s {
	case shapeR64:
		b.rexW = true
	case shapeR16:
		b.prefix66 = true
	}
}

// emitBytes encodes a fixed byte sequence with no operands.
func emitBytes(bytes ...byte) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		se.section.Append(bytes...)
		return nil
	}
}

// emitRR encodes `op reg, reg` with the destination in ModR/M.rm and the
// source in ModR/M.reg.
func emitRR(opcode byte, rs shape) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		var b instBuf
		applyWidth(&b, rs)
		b.opcode = []byte{opcode}
		regField := b.useReg(inst.Ops[1].Reg)
		rmField := b.useRM(inst.Ops[0].Reg)
		b.setModRM(0b11, regField, rmField)
		b.flush(se, inst.Span)
		return nil
	}
}

// emitRM encodes `op reg, mem` with the register in ModR/M.reg.
func emitRM(opcode []byte, rs shape) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		var b instBuf
		applyWidth(&b, rs)
		b.opcode = opcode
		regField := b.useReg(inst.Ops[0].Reg)
		mem := inst.Ops[1].Mem
		kind := obj.RelocPC32
		if mem.Sym != nil {
			kind = se.relocKindFor(mem.Sym)
		}
		if err := b.encodeMem(mem, regField, kind); err != nil {
			return err
		}
		b.flush(se, inst.Span)
		return nil
	}
}

// emitMR encodes `op mem, reg` with the register in ModR/M.reg.
func emitMR(opcode byte, rs shape) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		var b instBuf
		applyWidth(&b, rs)
		b.opcode = []byte{opcode}
		regField := b.useReg(inst.Ops[1].Reg)
		mem := inst.Ops[0].Mem
		kind := obj.RelocPC32
		if mem.Sym != nil {
			kind = se.relocKindFor(mem.Sym)
		}
		if err := b.encodeMem(mem, regField, kind); err != nil {
			return err
		}
		b.flush(se, inst.Span)
		return nil
	}
}

// emitALUImm encodes the 83/81 immediate group: a sign extended 8 bit
// immediate when it fits, the 32 bit form otherwise.
func emitALUImm(digit uint8, rs shape) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		imm := inst.Ops[1]
		if imm.ImmSym != nil {
			return utils.MakeError(ErrUnsupported, "'%s' cannot take a symbol address immediate", inst.Mnemonic)
		}

		var b instBuf
		applyWidth(&b, rs)
		rmField := b.useRM(inst.Ops[0].Reg)
		b.setModRM(0b11, digit, rmField)

		switch {
		case utils.FitsSigned(imm.Imm, 8):
			b.opcode = []byte{0x83}
			b.imm = []byte{byte(imm.Imm)}
		case utils.FitsSigned(imm.Imm, 32):
			b.opcode = []byte{0x81}
			b.imm = le32(uint32(imm.Imm))
		case rs == shapeR32 && utils.FitsUnsigned(uint64(imm.Imm), 32):
			b.opcode = []byte{0x81}
			b.imm = le32(uint32(imm.Imm))
		default:
			return utils.MakeError(ErrImmOutOfRange, "%d does not fit in a 32 bit immediate", imm.Imm)
		}
		b.flush(se, inst.Span)
		return nil
	}
}

// emitUnary encodes the FF group (inc, dec) against a register.
func emitUnary(opcode byte, digit uint8, rs shape) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		var b instBuf
		applyWidth(&b, rs)
		b.opcode = []byte{opcode}
		rmField := b.useRM(inst.Ops[0].Reg)
		b.setModRM(0b11, digit, rmField)
		b.flush(se, inst.Span)
		return nil
	}
}

// emitMovR64Imm selects between the sign extended 32 bit form and the
// full 64 bit immediate form. Symbol addresses always take the 64 bit
// form with an absolute relocation.
func emitMovR64Imm(se *sectionEncoder, inst *sema.Instr) error {
	dst := inst.Ops[0].Reg
	imm := inst.Ops[1]

	var b instBuf
	b.rexW = true

	if imm.ImmSym != nil {
		if dst.Hi() != 0 {
			b.rexB = true
		}
		b.opcode = []byte{0xB8 + dst.Low()}
		b.imm = le64(0)
		b.absTarget = imm.ImmSym
		b.absAddend = imm.Imm
		b.absKind = obj.RelocAbs64
		b.flush(se, inst.Span)
		return nil
	}

	if utils.FitsSigned(imm.Imm, 32) {
		rmField := b.useRM(dst)
		b.opcode = []byte{0xC7}
		b.setModRM(0b11, 0, rmField)
		b.imm = le32(uint32(imm.Imm))
		b.flush(se, inst.Span)
		return nil
	}

	// Values needing more than 32 bits (a 33 bit positive immediate
	// included) take the full 64 bit immediate form.
	if dst.Hi() != 0 {
		b.rexB = true
	}
	b.opcode = []byte{0xB8 + dst.Low()}
	b.imm = le64(uint64(imm.Imm))
	b.flush(se, inst.Span)
	return nil
}

// emitMovR32Imm encodes `mov r32, imm32`.
func emitMovR32Imm(se *sectionEncoder, inst *sema.Instr) error {
	dst := inst.Ops[0].Reg
	imm := inst.Ops[1]

	var b instBuf
	if dst.Hi() != 0 {
		b.rexB = true
	}
	b.opcode = []byte{0xB8 + dst.Low()}

	if imm.ImmSym != nil {
		b.imm = le32(0)
		b.absTarget = imm.ImmSym
		b.absAddend = imm.Imm
		b.absKind = obj.RelocAbs32
		b.flush(se, inst.Span)
		return nil
	}

	if !utils.FitsSigned(imm.Imm, 32) && !utils.FitsUnsigned(uint64(imm.Imm), 32) {
		return utils.MakeError(ErrImmOutOfRange, "%d does not fit in a 32 bit immediate", imm.Imm)
	}
	b.imm = le32(uint32(imm.Imm))
	b.flush(se, inst.Span)
	return nil
}

// emitPushPopReg encodes the single byte 50+rd/58+rd forms.
func emitPushPopReg(base byte) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		reg := inst.Ops[0].Reg
		var b instBuf
		if reg.Hi() != 0 {
			b.rexB = true
		}
		b.opcode = []byte{base + reg.Low()}
		b.flush(se, inst.Span)
		return nil
	}
}

// emitPushImm encodes push imm8/imm32.
func emitPushImm(se *sectionEncoder, inst *sema.Instr) error {
	imm := inst.Ops[0]
	if imm.ImmSym != nil {
		return utils.MakeError(ErrUnsupported, "push cannot take a symbol address immediate")
	}
	var b instBuf
	switch {
	case utils.FitsSigned(imm.Imm, 8):
		b.opcode = []byte{0x6A}
		b.imm = []byte{byte(imm.Imm)}
	case utils.FitsSigned(imm.Imm, 32):
		b.opcode = []byte{0x68}
		b.imm = le32(uint32(imm.Imm))
	default:
		return utils.MakeError(ErrImmOutOfRange, "%d does not fit in a 32 bit immediate", imm.Imm)
	}
	b.flush(se, inst.Span)
	return nil
}

// emitEnter encodes `enter imm16, imm8`.
func emitEnter(se *sectionEncoder, inst *sema.Instr) error {
	frame, nesting := inst.Ops[0], inst.Ops[1]
	if frame.ImmSym != nil || nesting.ImmSym != nil {
		return utils.MakeError(ErrUnsupported, "enter cannot take symbol address immediates")
	}
	if !utils.FitsUnsigned(uint64(frame.Imm), 16) {
		return utils.MakeError(ErrImmOutOfRange, "frame size %d does not fit in 16 bits", frame.Imm)
	}
	if !utils.FitsUnsigned(uint64(nesting.Imm), 8) {
		return utils.MakeError(ErrImmOutOfRange, "nesting level %d does not fit in 8 bits", nesting.Imm)
	}
	var b instBuf
	b.opcode = []byte{0xC8}
	b.imm = append(le16(uint16(frame.Imm)), byte(nesting.Imm))
	b.flush(se, inst.Span)
	return nil
}

// branchKind selects the relocation family for a branch target.
func (se *sectionEncoder) branchKind(target *sema.Symbol) obj.RelocKind {
	if target.Imported() {
		return obj.RelocPLT32
	}
	return obj.RelocPC32
}

// shortBranchDisp reports whether a backward branch to an already placed
// same-section target fits an 8 bit displacement, given the short form's
// instruction length.
func (se *sectionEncoder) shortBranchDisp(target *sema.Symbol, shortLen int64) (int64, bool) {
	if !target.Placed || target.Imported() || target.Section != se.section.Kind {
		return 0, false
	}
	disp := target.Offset - (se.section.Size + shortLen)
	return disp, utils.FitsSigned(disp, 8)
}

// emitJmp encodes an unconditional jump: the short rel8 form for an in
// range backward target, rel32 otherwise.
func emitJmp(se *sectionEncoder, inst *sema.Instr) error {
	target := inst.Ops[0].Sym
	if disp, short := se.shortBranchDisp(target, 2); short {
		se.section.Append(0xEB, byte(disp))
		return nil
	}
	se.section.Append(0xE9)
	se.emitRel32(target, inst)
	return nil
}

// emitJcc encodes a conditional jump by condition code nibble.
func emitJcc(cc byte) func(*sectionEncoder, *sema.Instr) error {
	return func(se *sectionEncoder, inst *sema.Instr) error {
		target := inst.Ops[0].Sym
		if disp, short := se.shortBranchDisp(target, 2); short {
			se.section.Append(0x70+cc, byte(disp))
			return nil
		}
		se.section.Append(0x0F, 0x80+cc)
		se.emitRel32(target, inst)
		return nil
	}
}

// emitCall encodes a near call; calls to imported functions relocate
// through the PLT.
func emitCall(se *sectionEncoder, inst *sema.Instr) error {
	se.section.Append(0xE8)
	se.emitRel32(inst.Ops[0].Sym, inst)
	return nil
}

// emitRel32 appends a 4 byte displacement placeholder and its fixup.
func (se *sectionEncoder) emitRel32(target *sema.Symbol, inst *sema.Instr) {
	offset := se.section.Append(0, 0, 0, 0)
	se.fixups = append(se.fixups, fixup{
		offset: offset,
		size:   4,
		pcBase: se.section.Size,
		target: target,
		kind:   se.branchKind(target),
		span:   inst.Span,
	})
}

// emitMovqStore encodes `movq mem, xmm` (66 0F D6 /r).
func emitMovqStore(se *sectionEncoder, inst *sema.Instr) error {
	var b instBuf
	b.prefix66 = true
	b.opcode = []byte{0x0F, 0xD6}
	regField := b.useReg(inst.Ops[1].Reg)
	kind := obj.RelocPC32
	if inst.Ops[0].Mem.Sym != nil {
		kind = se.relocKindFor(inst.Ops[0].Mem.Sym)
	}
	if err := b.encodeMem(inst.Ops[0].Mem, regField, kind); err != nil {
		return err
	}
	b.flush(se, inst.Span)
	return nil
}

// emitMovqLoad encodes `movq xmm, mem` (F3 0F 7E /r).
func emitMovqLoad(se *sectionEncoder, inst *sema.Instr) error {
	var b instBuf
	b.prefixF3 = true
	b.opcode = []byte{0x0F, 0x7E}
	regField := b.useReg(inst.Ops[0].Reg)
	kind := obj.RelocPC32
	if inst.Ops[1].Mem.Sym != nil {
		kind = se.relocKindFor(inst.Ops[1].Mem.Sym)
	}
	if err := b.encodeMem(inst.Ops[1].Mem, regField, kind); err != nil {
		return err
	}
	b.flush(se, inst.Span)
	return nil
}
