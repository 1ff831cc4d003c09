// Package cmd defines and implements the CLI commands for the pricepulse executable.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/faults"
)

// newCrawlCmd creates the 'crawl' subcommand, which fetches one URL through the
// full politeness and retry stack and prints what came back.
func newCrawlCmd() *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Fetches one page and prints its status and price",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, appInstance App) error {
			res, price, err := appInstance.Crawl(cmd.Context(), args[0], selector)
			if retryAfter, ok := faults.RetryAfter(err); ok {
				return fmt.Errorf("crawl %s: rate limited, retry in %s: %w", args[0], retryAfter, err)
			}
			if err != nil {
				return fmt.Errorf("crawl %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "url:      %s\n", res.URL)
			fmt.Fprintf(out, "status:   %d\n", res.StatusCode)
			fmt.Fprintf(out, "bytes:    %d\n", len(res.Body))
			fmt.Fprintf(out, "attempts: %d\n", res.Attempts)
			fmt.Fprintf(out, "duration: %s\n", res.Duration)
			if price != nil {
				fmt.Fprintf(out, "price:    %.2f %s (%s)\n", price.Amount, price.Currency, price.Raw)
			} else {
				fmt.Fprintln(out, "price:    not found")
			}
			appInstance.Logger().Info("Crawl command finished.", zap.String("url", res.URL))
			return nil
		}),
	}
	cmd.Flags().StringVar(&selector, "selector", "", "CSS selector of the price element")
	return cmd
}
