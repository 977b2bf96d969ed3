// Package cmd defines the marketcrawler CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/marketplace-crawler/internal/config"
	"github.com/JakeFAU/marketplace-crawler/internal/logging"
)

var cfgFile string

// envKeyType is the key for storing the command environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs before it builds services.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig is a variable so tests can inject a config without touching the environment.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "marketcrawler",
		Short: "Crawls marketplace category and product pages into Postgres.",
		Long: `marketcrawler discovers the categories of a software marketplace, collects
the product pages listed under them, extracts name, category, price tiers and
description from each page and upserts one row per product URL.`,
		SilenceUsage: true,

		// Runs before every subcommand: config and logger are built once here.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute runs the CLI and exits 1 on setup failures.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "marketcrawler:", err)
		os.Exit(1)
	}
}
