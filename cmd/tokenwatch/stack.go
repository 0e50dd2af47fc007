package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tokenwatch/internal/archive"
	"tokenwatch/internal/config"
	"tokenwatch/internal/events"
	"tokenwatch/internal/ingestion"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/refprice"
	"tokenwatch/internal/retry"
	chstore "tokenwatch/internal/storage/clickhouse"
	pgstore "tokenwatch/internal/storage/postgres"
	"tokenwatch/internal/upstream"
)

// stack holds the stores and clients shared by every command.
type stack struct {
	pool    *pgstore.Pool
	tokens  *pgstore.TokenStore
	metrics *pgstore.MetricStore
	trades  *pgstore.TradeStore
	archive *pgstore.ArchiveStore
	cleanup *pgstore.CleanupStore
	ledger  *pgstore.PositionLedger

	clickhouse *chstore.Conn
	sink       ingestion.TradeSink // nil without ClickHouse
	events     events.Publisher
	refPrice   *refprice.Cache

	closers []func()
}

// openStack connects Postgres and every optional backend the config names.
func openStack(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stack, error) {
	pool, err := pgstore.NewPool(ctx, cfg.Postgres.DSN, pgstore.PoolOptions{
		MaxConns:        cfg.Postgres.MaxConns,
		MinConns:        cfg.Postgres.MinConns,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}

	s := &stack{
		pool:    pool,
		tokens:  pgstore.NewTokenStore(pool),
		metrics: pgstore.NewMetricStore(pool),
		trades:  pgstore.NewTradeStore(pool),
		archive: pgstore.NewArchiveStore(pool),
		cleanup: pgstore.NewCleanupStore(pool),
		ledger:  pgstore.NewPositionLedger(pool),
		events:  events.Nop{},
		closers: []func(){pool.Close},
	}

	if cfg.ClickHouse.DSN != "" {
		conn, err := chstore.NewConn(ctx, cfg.ClickHouse.DSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.clickhouse = conn
		s.sink = chstore.NewTradeSink(conn)
		s.closers = append(s.closers, func() { _ = conn.Close() })
	}

	if cfg.NATS.URL != "" {
		pub, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.events = pub
		s.closers = append(s.closers, func() { _ = pub.Close() })
	}

	var source refprice.Source
	if cfg.Redis.Addr != "" {
		client, err := refprice.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		source = refprice.NewRedisSource(client, cfg.Redis.Key)
		s.closers = append(s.closers, func() { _ = client.Close() })
	}
	s.refPrice = refprice.NewCache(refprice.Options{
		Source:   source,
		Fallback: cfg.RefPrice.Fallback,
		MaxAge:   cfg.RefPrice.MaxAge,
		Logger:   logger.Named("refprice"),
	})

	return s, nil
}

// Close releases backends in reverse open order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *stack) archiver(obs *observability.Metrics, logger *zap.Logger) *archive.Archiver {
	return archive.New(archive.Options{
		Store:   s.archive,
		Tokens:  s.tokens,
		Ledger:  s.ledger,
		Events:  s.events,
		Metrics: obs,
		Logger:  logger.Named("archive"),
	})
}

func retryPolicy(cfg config.Retry) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		Multiplier:  cfg.Multiplier,
		MaxDelay:    cfg.MaxDelay,
		Retryable:   upstream.IsTransient,
	}
}
