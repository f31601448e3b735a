package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// pdfCmd represents the pdf command.
var pdfCmd = &cobra.Command{
	Use:   "pdf",
	Short: "Send PDF documents to the OCR service",
	Long: `Send one or more PDF files to the remote OCR service.

PDF requests use a longer upstream timeout than images since the service
renders and recognizes every page.

Examples:
  ocrelay pdf document.pdf
  ocrelay pdf invoice.pdf --language de --format json`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("no input files provided")
		}

		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatText && format != outputFormatJSON {
			return fmt.Errorf("invalid output format: %s (must be text or json)", format)
		}
		language, _ := cmd.Flags().GetString("language")

		orchestrator, _, err := buildRelay(GetConfig())
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}

			out := orchestrator.HandlePDF(cmd.Context(), data, language)
			if err := printOutcome(cmd, path, format, out); err != nil {
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pdfCmd)
	pdfCmd.Flags().StringP("language", "l", "", "language hint for recognition (e.g., en, de, fr)")
	pdfCmd.Flags().StringP("format", "f", outputFormatText, "output format: text or json")
}
