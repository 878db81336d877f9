// Package cmd defines and implements the CLI commands for the crawler
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/config"
	"github.com/datalab-tools/tiktok-research-crawler/internal/logging"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tikcrawl",
		Short: "Crawl the TikTok research API into Postgres",
		Long: `tikcrawl runs date-windowed, cursor-paginated crawls against the TikTok
research API, riding out daily quota resets and transient failures, and
persists every response page transactionally into Postgres.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newPrintQueryCmd())
	cmd.AddCommand(newInitDBCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfigAndLogger resolves the configuration and builds the logger the
// commands share.
func loadConfigAndLogger() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
