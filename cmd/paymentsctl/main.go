// Command paymentsctl is the operator CLI for the payments service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"givepay/internal/app"
	"givepay/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "paymentsctl",
		Short:         "Operate the payments service: schema, expiry sweeps, integrity alerts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cancelExpiredCmd())
	rootCmd.AddCommand(alertsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// load reads the configuration and builds a logger on stderr so command
// output on stdout stays machine readable.
func load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.SetupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat), nil
}

// connect wires the full service for commands that act on transactions.
func connect(ctx context.Context) (*app.App, error) {
	cfg, logger, err := load()
	if err != nil {
		return nil, err
	}
	cfg.AutoMigrate = false
	return app.New(ctx, cfg, logger)
}
