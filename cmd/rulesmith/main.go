// Package main implements the rulesmith CLI.
//
// Remote commands (health, extract) call a running rulesmithd. Local
// commands (extract --file, memories, credentials) build the services
// in-process from the same configuration the daemon uses.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/rulesmith/internal/config"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

// Version information (set via ldflags during build)
var version = "dev"

// cliOptions are the persistent flags shared by every command.
type cliOptions struct {
	serverURL  string
	configPath string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "rulesmith",
		Short: "Extract coding rules from assistant conversations",
		Long: `rulesmith is the command-line interface for the rulesmith extraction service.
It talks to a running rulesmithd, or runs the extraction pipeline locally.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:8000", "rulesmithd server URL")
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file for local commands (default ~/.config/rulesmith/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stdout while running local commands")

	root.AddCommand(
		newHealthCmd(opts),
		newExtractCmd(opts),
		newMemoriesCmd(opts),
		newCredentialsCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "rulesmith %s\n", version)
			return err
		},
	}
}

// loadLocal loads configuration and a logger for in-process commands.
func (o *cliOptions) loadLocal() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadWithFile(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if !o.verbose {
		return cfg, logging.NewNop(), nil
	}

	logCfg, err := logging.FromFileConfig(config.LoggingConfig{Level: "debug", Format: "console"})
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// cmdContext returns the command's context, falling back to Background.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
