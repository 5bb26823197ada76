package ast

// ValueType is one of the closed set of data directive types.
type ValueType int

const (
	TypeInvalid ValueType = iota
	TypeI8
	TypeI16
	TypeI32
	TypeI64
	TypeU8
	TypeU16
	TypeU32
	TypeU64
	TypeX8
	TypeX16
	TypeX32
	TypeX64
	TypeB8
	TypeB16
	TypeB32
	TypeB64
	TypeF16
	TypeF32
	TypeF64
	TypeC
)

var valueTypeNames = map[ValueType]string{
	TypeI8: "i8", TypeI16: "i16", TypeI32: "i32", TypeI64: "i64",
	TypeU8: "u8", TypeU16: "u16", TypeU32: "u32", TypeU64: "u64",
	TypeX8: "x8", TypeX16: "x16", TypeX32: "x32", TypeX64: "x64",
	TypeB8: "b8", TypeB16: "b16", TypeB32: "b32", TypeB64: "b64",
	TypeF16: "f16", TypeF32: "f32", TypeF64: "f64",
	TypeC: "c",
}

var valueTypesByName = func() map[string]ValueType {
	byName := make(map[string]ValueType, len(valueTypeNames))
	for t, name := range valueTypeNames {
		byName[name] = t
	}
	return byName
}()

// ValueTypeFromName resolves a type keyword to its ValueType.
func ValueTypeFromName(name string) (ValueType, bool) {
	t, ok := valueTypesByName[name]
	return t, ok
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return "invalid type"
}

// Size returns the byte width of one element of the type.
func (t ValueType) Size() int {
	switch t {
	case TypeI8, TypeU8, TypeX8, TypeB8, TypeC:
		return 1
	case TypeI16, TypeU16, TypeX16, TypeB16, TypeF16:
		return 2
	case TypeI32, TypeU32, TypeX32, TypeB32, TypeF32:
		return 4
	case TypeI64, TypeU64, TypeX64, TypeB64, TypeF64:
		return 8
	}
	return 0
}

// IsFloat reports whether the type is a floating point type.
func (t ValueType) IsFloat() bool {
	return t == TypeF16 || t == TypeF32 || t == TypeF64
}

// IsSigned reports whether the type is a signed integer type.
func (t ValueType) IsSigned() bool {
	return t == TypeI8 || t == TypeI16 || t == TypeI32 || t == TypeI64
}

// SectionKind identifies one of the ELF sections a unit may declare.
type SectionKind int

const (
	SectionInvalid SectionKind = iota
	SectionText
	SectionTextTest
	SectionData
	SectionROData
	SectionBss
	SectionTData
	SectionTBss
)

var sectionElfNames = map[SectionKind]string{
	SectionText:     ".text",
	SectionTextTest: ".text.test",
	SectionData:     ".data",
	SectionROData:   ".rodata",
	SectionBss:      ".bss",
	SectionTData:    ".tdata",
	SectionTBss:     ".tbss",
}

var sectionKindsByName = func() map[string]SectionKind {
	byName := make(map[string]SectionKind, len(sectionElfNames))
	for kind, elfName := range sectionElfNames {
		byName[elfName[1:]] = kind
	}
	return byName
}()

// SectionKindFromName resolves a section name (without the leading dot) to
// its kind.
func SectionKindFromName(name string) (SectionKind, bool) {
	kind, ok := sectionKindsByName[name]
	return kind, ok
}

// ElfName returns the canonical ELF section name, dot included.
func (k SectionKind) ElfName() string {
	if name, ok := sectionElfNames[k]; ok {
		return name
	}
	return ".invalid"
}

func (k SectionKind) String() string {
	return k.ElfName()
}

// IsText reports whether the section holds code.
func (k SectionKind) IsText() bool {
	return k == SectionText || k == SectionTextTest
}

// IsInit reports whether the section holds initialized data.
func (k SectionKind) IsInit() bool {
	return k == SectionData || k == SectionROData || k == SectionTData
}

// IsUninit reports whether the section is uninitialized (reservations only).
func (k SectionKind) IsUninit() bool {
	return k == SectionBss || k == SectionTBss
}

// IsTLS reports whether the section holds thread local storage.
func (k SectionKind) IsTLS() bool {
	return k == SectionTData || k == SectionTBss
}

// Writable reports whether the section is mapped writable.
func (k SectionKind) Writable() bool {
	switch k {
	case SectionData, SectionBss, SectionTData, SectionTBss:
		return true
	}
	return false
}
