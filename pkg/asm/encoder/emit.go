package encoder

import (
	"encoding/binary"

	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/anns-lang/anns/pkg/asm/x86"
	"github.com/anns-lang/anns/pkg/utils"
)

// instBuf assembles the bytes of one instruction before they are appended
// to the section: prefixes, REX, opcode, ModR/M, SIB, displacement and
// immediate, in that order.
type instBuf struct {
	prefix66 bool
	prefixF3 bool

	rexW bool
	rexR bool
	rexX bool
	rexB bool
	// rexForce emits a REX byte even with all bits clear (spl/sil/...).
	rexForce bool

	opcode []byte

	hasModRM bool
	modrm    uint8
	hasSIB   bool
	sib      uint8

	disp []byte
	imm  []byte

	// pending RIP-relative target, resolved against the instruction end.
	ripTarget *sema.Symbol
	ripAddend int64
	ripKind   obj.RelocKind

	// pending absolute immediate target.
	absTarget *sema.Symbol
	absAddend int64
	absKind   obj.RelocKind
}

// setModRM packs the mod, reg and rm fields.
func (b *instBuf) setModRM(mod, reg, rm uint8) {
	b.hasModRM = true
	view := utils.CreateBitView(&b.modrm)
	view.Write(rm, 0, 3)
	view.Write(reg, 3, 3)
	view.Write(mod, 6, 2)
}

// setSIB packs the scale, index and base fields.
func (b *instBuf) setSIB(scale, index, base uint8) {
	b.hasSIB = true
	view := utils.CreateBitView(&b.sib)
	view.Write(base, 0, 3)
	view.Write(index, 3, 3)
	view.Write(scale, 6, 2)
}

// useReg routes a register through the ModR/M reg field.
func (b *instBuf) useReg(reg x86.Register) uint8 {
	if reg.Hi() != 0 {
		b.rexR = true
	}
	if x86.NeedsREXByte(reg) {
		b.rexForce = true
	}
	return reg.Low()
}

// useRM routes a register through the ModR/M rm field.
func (b *instBuf) useRM(reg x86.Register) uint8 {
	if reg.Hi() != 0 {
		b.rexB = true
	}
	if x86.NeedsREXByte(reg) {
		b.rexForce = true
	}
	return reg.Low()
}

func scaleBits(scale int) uint8 {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}

// encodeMem fills ModR/M, SIB and displacement for an effective address.
// Symbolic addresses become RIP-relative with a pending 32 bit target.
func (b *instBuf) encodeMem(mem sema.Mem, regField uint8, kind obj.RelocKind) error {
	if mem.Sym != nil {
		b.setModRM(0b00, regField, 0b101)
		b.disp = make([]byte, 4)
		b.ripTarget = mem.Sym
		b.ripAddend = mem.Disp
		b.ripKind = kind
		return nil
	}

	if !utils.FitsSigned(mem.Disp, 32) {
		return utils.MakeError(ErrDispOutOfRange, "%d does not fit in a signed 32 bit displacement", mem.Disp)
	}
	disp := int32(mem.Disp)

	// [disp32] with neither base nor index still needs a SIB byte.
	if !mem.Base.Valid() && !mem.Index.Valid() {
		b.setModRM(0b00, regField, 0b100)
		b.setSIB(0, 0b100, 0b101)
		b.disp = le32(uint32(disp))
		return nil
	}

	if mem.Index.Valid() {
		if mem.Index.Hi() != 0 {
			b.rexX = true
		}
		base := uint8(0b101)
		mod := uint8(0b00)
		if mem.Base.Valid() {
			base = b.useRM(mem.Base)
			mod = dispMod(disp, mem.Base)
		} else {
			// index without base forces a 32 bit displacement
			b.disp = le32(uint32(disp))
		}
		b.setModRM(mod, regField, 0b100)
		b.setSIB(scaleBits(mem.Scale), mem.Index.Low(), base)
		if mem.Base.Valid() {
			b.appendDisp(dispMod(disp, mem.Base), disp)
		}
		return nil
	}

	// base only
	rm := b.useRM(mem.Base)
	mod := dispMod(disp, mem.Base)
	if mem.Base.Low() == 0b100 {
		// rsp/r12 addressing always goes through a SIB byte
		b.setModRM(mod, regField, 0b100)
		b.setSIB(0, 0b100, rm)
	} else {
		b.setModRM(mod, regField, rm)
	}
	b.appendDisp(mod, disp)
	return nil
}

// dispMod selects the shortest mod encoding for a displacement. rbp and
// r13 have no displacement-free form.
func dispMod(disp int32, base x86.Register) uint8 {
	if disp == 0 && base.Low() != 0b101 {
		return 0b00
	}
	if disp >= -128 && disp <= 127 {
		return 0b01
	}
	return 0b10
}

func (b *instBuf) appendDisp(mod uint8, disp int32) {
	switch mod {
	case 0b01:
		b.disp = append(b.disp, byte(disp))
	case 0b10:
		b.disp = append(b.disp, le32(uint32(disp))...)
	}
}

// flush appends the assembled instruction to the section and registers
// any pending fixups against the final offsets.
func (b *instBuf) flush(se *sectionEncoder, span source.Span) {
	if b.prefixF3 {
		se.section.Append(0xF3)
	}
	if b.prefix66 {
		se.section.Append(0x66)
	}
	rex := uint8(0x40)
	view := utils.CreateBitView(&rex)
	if b.rexB {
		view.SetBit(0)
	}
	if b.rexX {
		view.SetBit(1)
	}
	if b.rexR {
		view.SetBit(2)
	}
	if b.rexW {
		view.SetBit(3)
	}
	if rex != 0x40 || b.rexForce {
		se.section.Append(rex)
	}
	se.section.Append(b.opcode...)
	if b.hasModRM {
		se.section.Append(b.modrm)
	}
	if b.hasSIB {
		se.section.Append(b.sib)
	}
	dispOffset := se.section.Size
	se.section.Append(b.disp...)
	immOffset := se.section.Size
	se.section.Append(b.imm...)
	end := se.section.Size

	if b.ripTarget != nil {
		se.fixups = append(se.fixups, fixup{
			offset: dispOffset,
			size:   4,
			pcBase: end,
			target: b.ripTarget,
			addend: b.ripAddend,
			kind:   b.ripKind,
			span:   span,
		})
	}
	if b.absTarget != nil {
		se.fixups = append(se.fixups, fixup{
			offset:   immOffset,
			size:     len(b.imm),
			pcBase:   end,
			target:   b.absTarget,
			addend:   b.absAddend,
			kind:     b.absKind,
			absolute: true,
			span:     span,
		})
	}
}

func le32(value uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, value)
	return out
}

func le64(value uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, value)
	return out
}

func le16(value uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, value)
	return out
}
