// Package cmd defines the CLI commands for the progressrelay executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/remote-progress-relay/internal/config"
)

// rootOptions carries state shared by every subcommand.
type rootOptions struct {
	cfgFile string
	cfg     config.Config
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "progressrelay",
		Short: "Relays remote fetch and push progress to polling consumers.",
		Long: `progressrelay tracks git-style fetch and push transfers. Each transfer
reports progress payloads to a relay that normalizes them into a state and
percentage, keeps only the latest value, and wakes consumers that poll it.

Run "serve" for the HTTP API or "simulate" to watch one transfer in the terminal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			opts.cfg = cfg
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSimulateCmd(opts))
	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
