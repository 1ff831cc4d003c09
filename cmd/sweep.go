package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/price-pulse/internal/faults"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
)

// newSweepCmd runs one locked sweep and prints the report as JSON.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Runs one price sweep over the configured targets",
		RunE: withApp(func(cmd *cobra.Command, _ []string, appInstance App) error {
			report, err := appInstance.Sweep(cmd.Context())
			if errors.Is(err, faults.ErrLockAcquisition) {
				return fmt.Errorf("could not acquire sweep lock: %w", err)
			}
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			if report.Status == pricewatch.RunFailed {
				return fmt.Errorf("sweep %s failed for every target", report.ID)
			}
			return nil
		}),
	}
}
