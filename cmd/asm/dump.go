package asm

import (
	"fmt"
	"os"

	"github.com/anns-lang/anns/pkg/asm"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/obj"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/spf13/cobra"
)

var (
	dumpFormat string
	dumpTests  bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump <source-file>",
	Short: "Assemble a unit and dump the resulting image",
	Long: `Assembles an ANNS source file in memory and prints the resulting
sections, symbol table, relocations and test prelude without writing an
object file.

Output formats:
  text  - human readable report (default)
  yaml  - machine readable YAML document`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		inputPath := args[0]

		text, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", inputPath, err)
		}

		buf := source.NewBuffer(inputPath, string(text))
		diags := diag.NewList(buf)
		result, ok := asm.Assemble(buf, diags, asm.Options{IncludeTests: dumpTests})
		if !ok {
			diags.Render(os.Stderr, true)
			os.Exit(1)
		}

		switch dumpFormat {
		case "text":
			return obj.WriteDump(os.Stdout, result.Object)
		case "yaml":
			return obj.WriteDumpYAML(os.Stdout, result.Object)
		}
		return fmt.Errorf("unknown dump format '%s'", dumpFormat)
	},
}

func init() {
	dumpCmd.Flags().StringVar(&dumpFormat, "format", "text", "Output format: text or yaml.")
	dumpCmd.Flags().BoolVar(&dumpTests, "test", false, "Include the .text.test section in the dump.")
}
