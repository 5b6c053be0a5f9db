// Package cli implements the tokens command line.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/careerkit/tokens/internal/daemon"
)

var (
	// Set at build time with -ldflags.
	Version   = "dev"
	GitCommit = "unknown"
)

// Execute runs the root command with ctx.
func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token ledger and feature gating service",
		Long: `tokens keeps one token balance per account, charges feature usage
against it and records every change in an append-only ledger.

Run 'tokens serve' for the HTTP API, or use the other commands to inspect
and adjust balances directly in the configured store.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default $TOKENS_HOME/config.toml)")

	rootCmd.AddCommand(
		newServeCmd(),
		newBalanceCmd(),
		newUseCmd(),
		newCreditCmd(),
		newHistoryCmd(),
		newVerifyCmd(),
		newFeaturesCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func loadConfig(cmd *cobra.Command) (daemon.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = daemon.ConfigPath()
	}
	return daemon.LoadConfig(path)
}

// openDaemon builds the service graph without serving it. The caller closes it.
func openDaemon(cmd *cobra.Command) (*daemon.Daemon, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newDaemon(cmd, cfg)
}

func newDaemon(cmd *cobra.Command, cfg daemon.Config) (*daemon.Daemon, error) {
	// One-shot commands never serve; keep the limiter goroutine out.
	cfg.API.RateLimitPerMin = 0
	return daemon.New(cmd.Context(), cfg)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tokens %s (%s)\n", Version, GitCommit)
			return err
		},
	}
}
