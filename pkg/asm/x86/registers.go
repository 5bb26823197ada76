// Package x86 defines the x86-64 register file: register names, encoding
// codes, widths, classes and REX requirements. The encoding table and the
// byte level emitter live in package encoder.
package x86

import "fmt"

// RegClass groups registers by register file.
type RegClass int

const (
	RegClassGPR RegClass = iota
	RegClassXMM
)

func (c RegClass) String() string {
	switch c {
	case RegClassGPR:
		return "general purpose"
	case RegClassXMM:
		return "xmm"
	}
	return "unknown register class"
}

// Register describes one architectural register.
type Register struct {
	Name  string
	Code  uint8 // 4-bit encoding; bit 3 goes into REX.R/X/B
	Bits  int
	Class RegClass
}

// Hi returns the high bit of the register code, the bit REX extends.
func (r Register) Hi() uint8 {
	return r.Code >> 3
}

// Low returns the low three bits of the register code, the bits that fit
// in ModR/M and SIB fields.
func (r Register) Low() uint8 {
	return r.Code & 0b111
}

// Valid reports whether the register is an actual architectural register.
func (r Register) Valid() bool {
	return r.Name != ""
}

func (r Register) String() string {
	return r.Name
}

var gpr64Names = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var gpr32Names = [16]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}

var gpr16Names = [16]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
}

var gpr8Names = [16]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

// registersByName indexes every architectural register by name.
var registersByName = func() map[string]Register {
	byName := make(map[string]Register, 16*5)
	add := func(names [16]string, bits int, class RegClass) {
		for code, name := range names {
			byName[name] = Register{Name: name, Code: uint8(code), Bits: bits, Class: class}
		}
	}
	add(gpr64Names, 64, RegClassGPR)
	add(gpr32Names, 32, RegClassGPR)
	add(gpr16Names, 16, RegClassGPR)
	add(gpr8Names, 8, RegClassGPR)

	var xmmNames [16]string
	for i := range xmmNames {
		xmmNames[i] = fmt.Sprintf("xmm%d", i)
	}
	add(xmmNames, 128, RegClassXMM)

	return byName
}()

// RegisterByName resolves a register name, reporting whether it exists.
func RegisterByName(name string) (Register, bool) {
	reg, ok := registersByName[name]
	return reg, ok
}

// IsRegisterName reports whether name is an architectural register.
func IsRegisterName(name string) bool {
	_, ok := registersByName[name]
	return ok
}

// GPR64 returns the 64 bit register with the given code.
func GPR64(code uint8) Register {
	return registersByName[gpr64Names[code]]
}

// GPR64Names returns the 64 bit register names in encoding order.
func GPR64Names() []string {
	return gpr64Names[:]
}

// needsRex8 lists the 8 bit registers only addressable with a REX prefix.
var needsRex8 = map[string]bool{"spl": true, "bpl": true, "sil": true, "dil": true}

// NeedsREXByte reports whether the register requires a REX prefix even
// with a zero extension bit.
func NeedsREXByte(r Register) bool {
	return r.Bits == 8 && needsRex8[r.Name]
}
