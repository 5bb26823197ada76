package asm

import (
	"github.com/spf13/cobra"
)

// AsmCmd groups the assembler commands.
var AsmCmd = &cobra.Command{
	Use:   "asm",
	Short: "Assemble and inspect ANNS translation units",
}

func init() {
	AsmCmd.AddCommand(buildCmd, dumpCmd)
}
