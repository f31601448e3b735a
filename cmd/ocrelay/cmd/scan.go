package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edulab/ocrelay/internal/ocr"
)

const (
	outputFormatJSON = "json"
	outputFormatText = "text"
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Send images to the OCR service and print the recognized text",
	Long: `Send one or more image files to the remote OCR service.

Supported formats: JPEG, PNG, GIF, BMP, TIFF, WebP

Examples:
  ocrelay scan photo.jpg
  ocrelay scan *.png --format json
  ocrelay scan receipt.jpg --language de`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("no input files provided")
		}

		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatText && format != outputFormatJSON {
			return fmt.Errorf("invalid output format: %s (must be one of: %s)",
				format, strings.Join([]string{outputFormatText, outputFormatJSON}, ", "))
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

			out := orchestrator.Handle(cmd.Context(), data, language)
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

// printOutcome writes one file's result to stdout. The returned error only
// marks the file as failed; diagnostics go to stderr.
func printOutcome(cmd *cobra.Command, path, format string, out ocr.Outcome) error {
	if format == outputFormatJSON {
		payload := map[string]any{"file": path}
		switch {
		case out.Result != nil:
			payload["success"] = true
			payload["text"] = out.Result.Text
			payload["confidence"] = out.Result.Confidence
			payload["line_count"] = out.Result.LineCount
			if len(out.Result.Lines) > 0 {
				payload["lines"] = out.Result.Lines
			}
		case out.Empty:
			payload["success"] = true
			payload["empty"] = true
		default:
			payload["success"] = false
			payload["error"] = out.Failure.Message
			payload["error_kind"] = string(out.Failure.Kind)
			payload["retriable"] = out.Failure.Retriable
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return encodeAndFlag(enc, payload, out)
	}

	switch {
	case out.Result != nil:
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), out.Result.Text)
		return nil
	case out.Empty:
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: no text found\n", path)
		return nil
	default:
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, out.Failure)
		return out.Failure
	}
}

func encodeAndFlag(enc *json.Encoder, payload map[string]any, out ocr.Outcome) error {
	if err := enc.Encode(payload); err != nil {
		return err
	}
	if out.Failure != nil {
		return out.Failure
	}
	return nil
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("language", "l", "", "language hint for recognition (e.g., en, de, fr)")
	scanCmd.Flags().StringP("format", "f", outputFormatText, "output format: text or json")
}
