package x86

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterByName(t *testing.T) {
	tests := []struct {
		name  string
		code  uint8
		bits  int
		class RegClass
	}{
		{"rax", 0, 64, RegClassGPR},
		{"rsp", 4, 64, RegClassGPR},
		{"r15", 15, 64, RegClassGPR},
		{"eax", 0, 32, RegClassGPR},
		{"r8d", 8, 32, RegClassGPR},
		{"ax", 0, 16, RegClassGPR},
		{"al", 0, 8, RegClassGPR},
		{"spl", 4, 8, RegClassGPR},
		{"xmm0", 0, 128, RegClassXMM},
		{"xmm15", 15, 128, RegClassXMM},
	}
	for _, tt := range tests {
		reg, ok := RegisterByName(tt.name)
		require.True(t, ok, tt.name)
		assert.Equal(t, tt.code, reg.Code, tt.name)
		assert.Equal(t, tt.bits, reg.Bits, tt.name)
		assert.Equal(t, tt.class, reg.Class, tt.name)
	}
}

func TestRegisterUnknown(t *testing.T) {
	_, ok := RegisterByName("eax2")
	assert.False(t, ok)
	assert.False(t, IsRegisterName("foo"))
	assert.True(t, IsRegisterName("rbx"))
}

func TestHiLow(t *testing.T) {
	r9, _ := RegisterByName("r9")
	assert.Equal(t, uint8(1), r9.Hi())
	assert.Equal(t, uint8(1), r9.Low())

	rcx, _ := RegisterByName("rcx")
	assert.Equal(t, uint8(0), rcx.Hi())
	assert.Equal(t, uint8(1), rcx.Low())
}

func TestNeedsREXByte(t *testing.T) {
	spl, _ := RegisterByName("spl")
	assert.True(t, NeedsREXByte(spl))

	al, _ := RegisterByName("al")
	assert.False(t, NeedsREXByte(al))

	rax, _ := RegisterByName("rax")
	assert.False(t, NeedsREXByte(rax))
}

func TestGPR64(t *testing.T) {
	assert.Equal(t, "rax", GPR64(0).Name)
	assert.Equal(t, "r12", GPR64(12).Name)
	assert.Len(t, GPR64Names(), 16)
}
