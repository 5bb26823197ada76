package asm

import (
	"fmt"
	"os"
	"strings"

	"github.com/anns-lang/anns/pkg/asm"
	"github.com/anns-lang/anns/pkg/asm/diag"
	"github.com/anns-lang/anns/pkg/asm/source"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	buildOutput   string
	buildArch     string
	buildTests    bool
	buildPIE      bool
	buildTLSModel string
)

var buildCmd = &cobra.Command{
	Use:   "build <source-file>",
	Short: "Assemble one translation unit into an ELF64 relocatable object",
	Long: `Assembles an ANNS source file into an ELF64 relocatable object suitable
for linking against standard C ABI shared libraries.

On success the object is written and the exit status is 0. On error the
diagnostics are printed to stderr, one 'PATH:LINE:COL: KIND: MESSAGE' line
each with source carets, nothing is written and the exit status is 1.

Examples:
  # Assemble to accum.o
  anns asm build accum.anns

  # Include the .text.test section and choose the output path
  anns asm build --test -o accum_test.o accum.anns

  # Position independent object with general-dynamic TLS
  anns asm build --pie --tls-model general-dynamic tls_counter.anns`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		inputPath := args[0]

		text, err := os.ReadFile(inputPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", inputPath, err)
		}

		arch := buildArch
		if arch == "" {
			arch = viper.GetString("arch")
		}

		tlsModel := buildTLSModel
		if tlsModel == "" {
			tlsModel = viper.GetString("tls-model")
		}

		buf := source.NewBuffer(inputPath, string(text))
		diags := diag.NewList(buf)
		result, ok := asm.Assemble(buf, diags, asm.Options{
			IncludeTests: buildTests,
			PIE:          buildPIE || viper.GetBool("pie"),
			TLSModel:     tlsModel,
		})
		if !ok {
			diags.Render(os.Stderr, true)
			os.Exit(1)
		}

		if arch != "" && result.Unit.Arch != arch {
			return fmt.Errorf("unit declares arch %s, --arch requested %s", result.Unit.Arch, arch)
		}

		outputPath := buildOutput
		if outputPath == "" {
			outputPath = strings.TrimSuffix(inputPath, ".anns") + ".o"
		}
		if err := os.WriteFile(outputPath, result.ELF, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", outputPath, err)
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "", "Output path. Defaults to the input path with a .o extension.")
	buildCmd.Flags().StringVar(&buildArch, "arch", "", "Require this target architecture (x86-64).")
	buildCmd.Flags().BoolVar(&buildTests, "test", false, "Include the .text.test section in the output.")
	buildCmd.Flags().BoolVar(&buildPIE, "pie", false, "Request a position independent object.")
	buildCmd.Flags().StringVar(&buildTLSModel, "tls-model", "", "TLS access model: initial-exec (default) or general-dynamic.")
}
