package encoder

import (
	"fmt"
	"strings"
)

// TableDoc renders the encoding table as a reference document: every
// supported (mnemonic, operand shape) form with its opcode layout.
func TableDoc() string {
	var doc strings.Builder
	doc.WriteString("x86-64 encoding table\n")
	doc.WriteString("=====================\n\n")

	for _, mnemonic := range Mnemonics() {
		fmt.Fprintf(&doc, "%s\n", mnemonic)
		for _, form := range Forms[mnemonic] {
			fmt.Fprintf(&doc, "  %-24s %s\n", form.Signature(), form.Doc)
		}
		doc.WriteString("\n")
	}
	return doc.String()
}
