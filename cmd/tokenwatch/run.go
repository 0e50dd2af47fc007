package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenwatch/internal/ingestion"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/poller"
	"tokenwatch/internal/ratelimit"
	"tokenwatch/internal/scheduler"
	"tokenwatch/internal/solana"
	"tokenwatch/internal/syncer"
	"tokenwatch/internal/upstream"
)

const shutdownTimeout = 30 * time.Second

func runService(cmd *cobra.Command, _ []string) error {
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := observability.NewMetrics(observability.DefaultNamespace, reg)

	policy := retryPolicy(cfg.Retry)
	limiter := ratelimit.New(ratelimit.Options{
		MinGap: cfg.Limiter.MinGap,
		Jitter: cfg.Limiter.Jitter,
	})

	tokensAPI := upstream.NewClient(cfg.Upstream.TokensURL,
		upstream.WithTimeout(cfg.Upstream.Timeout),
		upstream.WithRetryPolicy(policy),
		upstream.WithAPIKey(cfg.Upstream.TokensAPIKey),
		upstream.WithLimiter(limiter),
	)
	history := solana.NewHTTPClient(cfg.Upstream.HistoryURL,
		solana.WithTimeout(cfg.Upstream.Timeout),
		solana.WithRetryPolicy(policy),
		solana.WithAPIKey(cfg.Upstream.HistoryAPIKey),
		solana.WithLimiter(limiter),
	)

	archiver := st.archiver(obs, logger)
	reconciler := syncer.New(syncer.Options{
		Metrics:  st.metrics,
		Trades:   st.trades,
		Window:   cfg.Sync.Window,
		Limit:    cfg.Sync.Limit,
		Observer: obs,
		Logger:   logger.Named("syncer"),
	})
	poll := poller.New(poller.Options{
		Source:          tokensAPI,
		Tokens:          st.tokens,
		Metrics:         st.metrics,
		Events:          st.events,
		BatchSize:       cfg.Poller.BatchSize,
		MaxPairAttempts: cfg.Poller.MaxPairAttempts,
		Observer:        obs,
		Logger:          logger.Named("poller"),
	})
	ingester := ingestion.New(ingestion.Options{
		History:             history,
		Tokens:              st.tokens,
		Trades:              st.trades,
		RefPrice:            st.refPrice,
		Archiver:            archiver,
		Synchronizer:        reconciler,
		Sink:                st.sink,
		FallbackPrice:       cfg.RefPrice.Fallback,
		BatchSize:           cfg.Ingester.BatchSize,
		RequestsPerSecond:   cfg.Ingester.RequestsPerSecond,
		TickBudget:          cfg.Ingester.TickBudget,
		Concurrency:         cfg.Ingester.Concurrency,
		SmallPageSize:       cfg.Ingester.SmallPageSize,
		MaxPages:            cfg.Ingester.MaxPages,
		ZeroStreakThreshold: cfg.Ingester.ZeroStreakThreshold,
		Observer:            obs,
		Logger:              logger.Named("ingester"),
	})
	clean := newCleaner(cfg.Cleaner, st, archiver, obs, logger)

	opts := scheduler.Options{
		Poller:         poll,
		Ingester:       ingester,
		Synchronizer:   reconciler,
		RefPrice:       st.refPrice,
		Limiter:        limiter,
		Interval:       cfg.Scheduler.Interval,
		DiscoveryEvery: cfg.Scheduler.DiscoveryEvery,
		TradesEvery:    cfg.Scheduler.TradesEvery,
		SyncEvery:      cfg.Scheduler.SyncEvery,
		SyncLimit:      cfg.Sync.Limit,
		DefaultBackoff: cfg.Scheduler.DefaultBackoff,
		Observer:       obs,
		Logger:         logger.Named("scheduler"),
	}
	if cfg.Scheduler.PauseOnOpenPosition {
		opts.Pause = scheduler.OpenPositionPause(st.ledger)
	}
	sched := scheduler.New(opts)
	if cfg.Scheduler.CleanerInterval > 0 {
		sched.Register("cleaner", scheduler.Every("cleaner", cfg.Scheduler.CleanerInterval, clean.RunScheduled, logger))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if res := sched.Start(ctx); !res.OK {
		return errors.New(res.Message)
	}
	logger.Info("tokenwatch running", zap.String("metrics_addr", cfg.MetricsAddr))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	res := sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	if !res.OK {
		return errors.New(res.Message)
	}
	return nil
}
