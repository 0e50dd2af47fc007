package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenwatch/internal/archive"
	"tokenwatch/internal/cleaner"
	"tokenwatch/internal/config"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/resolver"
	"tokenwatch/internal/storage/migrations"
)

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	applied, err := migrations.RunPostgresMigrations(ctx, st.pool)
	if err != nil {
		return err
	}
	logger.Info("postgres migrations applied", zap.Strings("files", applied))

	if st.clickhouse != nil {
		if err := migrations.RunClickhouseMigrations(ctx, st.clickhouse); err != nil {
			return err
		}
		logger.Info("clickhouse migrations applied")
	}
	return nil
}

func runClean(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()
	loop, _ := cmd.Flags().GetBool("loop")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	c := newCleaner(cfg.Cleaner, st, st.archiver(nil, logger), nil, logger)
	rep, err := c.Clean(ctx, cleaner.Options{DryRun: cfg.Cleaner.DryRun, Loop: loop})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if rep.Skipped {
		fmt.Fprintln(out, rep.Message)
		return nil
	}
	fmt.Fprintf(out, "passes=%d candidates=%d dry_run=%t\n", rep.Passes, rep.Total(), rep.DryRun)
	for class, n := range rep.Candidates {
		fmt.Fprintf(out, "  %s=%d\n", class, n)
	}
	fmt.Fprintf(out, "flagged=%d quarantined=%d archived=%d deferred=%d\n",
		rep.Flagged, rep.Quarantined, rep.Archived, rep.Deferred)
	fmt.Fprintf(out, "moved tokens=%d samples=%d trades=%d\n",
		rep.Moved.Tokens, rep.Moved.Samples, rep.Moved.Trades)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	id, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := st.archiver(nil, logger).Archive(ctx, id)
	if err != nil {
		return err
	}
	printArchive(cmd, id, res)
	return nil
}

func printArchive(cmd *cobra.Command, id int64, res archive.Result) {
	out := cmd.OutOrStdout()
	if !res.Success {
		fmt.Fprintf(out, "token %d not archived: %s\n", id, res.Reason)
		return
	}
	if res.Reason != "" {
		fmt.Fprintf(out, "token %d: %s\n", id, res.Reason)
		return
	}
	fmt.Fprintf(out, "token %d archived: samples=%d trades=%d\n", id, res.Moved.Samples, res.Moved.Trades)
}

func runResolvePrices(cmd *cobra.Command, args []string) error {
	id, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	r := resolver.New(resolver.Options{
		Tokens:  st.tokens,
		Trades:  st.trades,
		Metrics: st.metrics,
		Logger:  logger.Named("resolver"),
	})
	res, err := r.Resolve(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "token %d: trades=%d samples=%d\n", id, res.Trades, res.Seconds)
	return nil
}

func newCleaner(cfg config.Cleaner, st *stack, a cleaner.Archiver, obs *observability.Metrics, logger *zap.Logger) *cleaner.Cleaner {
	return cleaner.New(cleaner.Config{
		Store:            st.cleanup,
		Archiver:         a,
		Events:           st.events,
		NoPairAge:        cfg.NoPairAge,
		PriceCorridor:    cfg.PriceCorridor,
		MinSamples:       cfg.MinSamples,
		HolderIterations: cfg.HolderIterations,
		MinHolders:       cfg.MinHolders,
		BatchSize:        cfg.BatchSize,
		KeepIterations:   cfg.KeepIterations,
		MaxLoops:         cfg.MaxLoops,
		Observer:         obs,
		Logger:           logger.Named("cleaner"),
	})
}

func parseTokenID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid token id %q", arg)
	}
	return id, nil
}
