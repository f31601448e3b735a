package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// warmupCmd represents the warmup command.
var warmupCmd = &cobra.Command{
	Use:   "warmup",
	Short: "Warm up the remote OCR engine",
	Long: `Send a tiny recognition request to the OCR service so it loads its
model weights. Run this after a deployment to keep the first real scan from
absorbing the cold start.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, upstream, err := buildRelay(GetConfig())
		if err != nil {
			return err
		}

		if err := upstream.Warmup(cmd.Context()); err != nil {
			return fmt.Errorf("warmup failed: %w", err)
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "OCR service warmed up")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(warmupCmd)
}
