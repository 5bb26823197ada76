// Package asm ties the pipeline stages together: source text in, ELF64
// relocatable object out, or a list of diagnostics. Each stage either
// hands a fully valid result to the next stage or stops the pipeline;
// partial output is never produced.
package asm

import (
	"log/slog"

	"github.com/anns-lang/anns/pkg/asm/ast"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/encoder"
	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/parser"
	"github.com/anns-lang/anns/pkg/asm/sema"
	"github.com/anns-lang/anns/pkg/asm/source"
)

// Options selects the optional behaviors of one assembly run.
type Options struct {
	// IncludeTests emits the .text.test section.
	IncludeTests bool
	// PIE records that a position independent object was requested; it
	// does not change the relocations the encoder selects.
	PIE bool
	// TLSModel is the TLS access model, initial-exec by default.
	TLSModel string
}

// Result is the output of a successful run.
type Result struct {
	Unit    *ast.Unit
	Program *sema.Program
	Object  *obj.Object
	ELF     []byte
}

// Assemble runs the full pipeline over one source buffer. It returns the
// result and true on success; on failure the diagnostics list holds at
// least one entry and no output is produced.
func Assemble(buf *source.Buffer, diags *diag.List, opts Options) (*Result, bool) {
	log := slog.Default().With("unit", buf.Name)

	unit := parser.Parse(buf, diags)
	if diags.HasErrors() {
		return nil, false
	}
	log.Debug("parsed", "items", len(unit.Items))

	program := sema.Analyze(unit, diags)
	if diags.HasErrors() {
		return nil, false
	}
	log.Debug("analyzed", "sections", len(program.Sections), "imports", len(program.Imports))

	object := encoder.Encode(program, diags, encoder.Options{
		PIE:          opts.PIE,
		TLSModel:     opts.TLSModel,
		IncludeTests: opts.IncludeTests,
	})
	if diags.HasErrors() {
		return nil, false
	}
	for _, section := range object.Sections {
		log.Debug("encoded", "section", section.Kind.ElfName(), "bytes", section.Size, "relocs", len(section.Relocs))
	}

	image, err := obj.WriteELF(object)
	if err != nil {
		diags.Errorf(diag.KindLayout, source.Span{}, "%v", err)
		return nil, false
	}
	log.Debug("wrote object", "bytes", len(image))

	return &Result{Unit: unit, Program: program, Object: object, ELF: image}, true
}
