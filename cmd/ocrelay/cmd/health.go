package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe the remote OCR service",
	Long: `Probe the OCR service's health endpoint and report its status and
round-trip latency.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, upstream, err := buildRelay(GetConfig())
		if err != nil {
			return err
		}

		status, err := upstream.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("health probe failed: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return err
		}

		if !status.Healthy {
			return fmt.Errorf("OCR service is unhealthy: %s", status.Detail)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
