package sema

import (
	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/source"
)

// SymbolKind classifies a resolved symbol.
type SymbolKind int

const (
	SymbolData SymbolKind = iota
	SymbolFunction
	SymbolLabel
	SymbolConstant
	SymbolImportData
	SymbolImportFunction
)

func (k SymbolKind) String() string {
	switch k {
	case SymbolData:
		return "data"
	case SymbolFunction:
		return "function"
	case SymbolLabel:
		return "label"
	case SymbolConstant:
		return "constant"
	case SymbolImportData:
		return "imported data"
	case SymbolImportFunction:
		return "imported function"
	}
	return "unknown symbol kind"
}

// Symbol is one resolved name: a label, a data definition, a constant or an
// import. Offsets are filled in by the encoder once section layout is
// fixed; the table is frozen before ELF emission.
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Section  ast.SectionKind // SectionInvalid for imports and constants
	Exported bool
	TLS      bool
	Block    int // arena index of the defining block
	Span     source.Span

	// Anon is set for anonymous labels; they never enter a name table.
	Anon bool

	// Offset within the owning section, assigned at layout time. Placed
	// reports whether the assignment happened yet.
	Offset int64
	Placed bool
	// Size in bytes for data symbols.
	Size int64

	// Value holds the defining expression of a constant.
	Value ast.Expr
	// Bytes holds the evaluated initialized data of a data symbol, used by
	// the !strlen and !load folds.
	Bytes []byte

	evalState int  // data evaluation state, see eval.go
	intern    bool // synthesized read-only string from macro expansion
}

// Imported reports whether the symbol is an external import.
func (s *Symbol) Imported() bool {
	return s.Kind == SymbolImportData || s.Kind == SymbolImportFunction
}

// Defined reports whether the symbol has a position in the image.
func (s *Symbol) Defined() bool {
	return !s.Imported() && s.Kind != SymbolConstant
}

// block is one scope in the arena. Labels nested inside a labeled block are
// scoped to that block; resolution climbs the parent chain. Anonymous
// labels live in a per-block ordered sequence, never in the name table.
type block struct {
	parent int
	syms   map[string]*Symbol
	anons  []*anonEntry
}

// anonEntry is one anonymous label occurrence within a block, ordered by
// its flattened stream position.
type anonEntry struct {
	pos int
	sym *Symbol
}

// scopes is the block arena. Block 0 is the unit's global scope.
type scopes struct {
	blocks []*block
}

func newScopes() *scopes {
	return &scopes{blocks: []*block{{parent: -1, syms: map[string]*Symbol{}}}}
}

// push creates a child block of parent and returns its index.
func (s *scopes) push(parent int) int {
	s.blocks = append(s.blocks, &block{parent: parent, syms: map[string]*Symbol{}})
	return len(s.blocks) - 1
}

// declare registers sym in the given block. It returns the previous symbol
// with the same name in that exact block, if any.
func (s *scopes) declare(blockIdx int, sym *Symbol) *Symbol {
	b := s.blocks[blockIdx]
	if prev, exists := b.syms[sym.Name]; exists {
		return prev
	}
	b.syms[sym.Name] = sym
	return nil
}

// lookup resolves a name starting at blockIdx and climbing the parent
// chain to the global scope.
func (s *scopes) lookup(blockIdx int, name string) *Symbol {
	for idx := blockIdx; idx >= 0; idx = s.blocks[idx].parent {
		if sym, ok := s.blocks[idx].syms[name]; ok {
			return sym
		}
	}
	return nil
}

// declareAnon appends an anonymous label occurrence to its block sequence.
func (s *scopes) declareAnon(blockIdx int, pos int, sym *Symbol) {
	b := s.blocks[blockIdx]
	b.anons = append(b.anons, &anonEntry{pos: pos, sym: sym})
}

// resolveAnon finds the target of an `Nf`/`Nb` reference at stream
// position pos within blockIdx: the nth anonymous label at a position
// strictly greater (forward) or strictly less (backward) than pos, in the
// same block.
func (s *scopes) resolveAnon(blockIdx int, pos int, n int, forward bool) *Symbol {
	b := s.blocks[blockIdx]
	if forward {
		seen := 0
		for _, entry := range b.anons {
			if entry.pos > pos {
				seen++
				if seen == n {
					return entry.sym
				}
			}
		}
		return nil
	}
	seen := 0
	for i := len(b.anons) - 1; i >= 0; i-- {
		if b.anons[i].pos < pos {
			seen++
			if seen == n {
				return b.anons[i].sym
			}
		}
	}
	return nil
}
