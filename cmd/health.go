package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newHealthCmd prints the system health report and fails when any check fails.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Checks the store, memory, disk and network",
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			report := appInstance.CheckHealth(cmd.Context())
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if !report.Healthy {
				return errors.New("system unhealthy")
			}
			return nil
		}),
	}
}
