package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenwatch/internal/config"
	"tokenwatch/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:          "tokenwatch",
		Short:        "Token discovery, trade ingestion and lifecycle management",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "json", "log format (json, console)")
	root.PersistentFlags().String("postgres-dsn", "", "Postgres DSN")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE:  runService,
	}
	runCmd.Flags().String("metrics-addr", ":9090", "address serving /metrics")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply embedded schema migrations",
		RunE:  runMigrate,
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Run one cleanup pass over live tokens",
		RunE:  runClean,
	}
	cleanCmd.Flags().Bool("dry-run", false, "count candidates without changing anything")
	cleanCmd.Flags().Bool("loop", false, "repeat passes until no candidates remain")

	archiveCmd := &cobra.Command{
		Use:   "archive <token-id>",
		Short: "Move one token into history storage",
		Args:  cobra.ExactArgs(1),
		RunE:  runArchive,
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve-prices <token-id>",
		Short: "Derive per-second metric samples from stored trades",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolvePrices,
	}

	root.AddCommand(runCmd, migrateCmd, cleanCmd, archiveCmd, resolveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads config for cmd and builds the logger.
func setup(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
