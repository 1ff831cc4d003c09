package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/config"
	"github.com/JakeFAU/price-pulse/internal/crawler"
	"github.com/JakeFAU/price-pulse/internal/extract"
	"github.com/JakeFAU/price-pulse/internal/health"
	"github.com/JakeFAU/price-pulse/internal/pricewatch"
	"github.com/JakeFAU/price-pulse/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Crawl(ctx context.Context, rawURL, selector string) (crawler.Result, *extract.Price, error)
	Sweep(ctx context.Context) (pricewatch.SweepReport, error)
	CheckHealth(ctx context.Context) health.Report
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "pricepulse",
		Short: "Tracks product prices across the Korean and US markets.",
		Long: `pricepulse crawls configured product pages on a schedule, extracts their
prices and keeps the latest observation per market. Every crawl runs behind
per-host circuit breakers, rate limits and robots.txt checks, and sweeps are
serialized across instances with a Redis lock.`,
		SilenceUsage: true,

		// Build the application once the flags are parsed and hand it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus PRICEPULSE_* environment)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newHealthCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Fatal("Command execution failed", zap.Error(err))
	}
}

// withApp hands a one-shot command the application and closes it once the command returns,
// failed or not. A close error is reported only when the command itself succeeded.
func withApp(run func(cmd *cobra.Command, args []string, app App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		appInstance, err := resolveApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := appInstance.Close(context.WithoutCancel(cmd.Context())); err == nil {
				err = closeErr
			}
		}()
		return run(cmd, args, appInstance)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
