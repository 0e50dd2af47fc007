// Package syncer reconciles metric samples with the trades observed around
// their price block.
//
// Price-block ids and chain slots come from different upstreams. A sample
// with price-block id J is matched with trades whose slot lies in
// [J-Window, J+Window].
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/storage"
)

const (
	// DefaultWindow is the slot tolerance used when Options.Window is zero.
	DefaultWindow = 10

	// DefaultLimit bounds one SynchronizeAll sweep when no limit is given.
	DefaultLimit = 200

	// recentSamples is how many of a token's newest samples a slot may touch.
	recentSamples = 3
)

// Options configures a Synchronizer.
type Options struct {
	Metrics  storage.MetricStore
	Trades   storage.TradeStore
	Window   int64
	Limit    int
	Observer *observability.Metrics
	Logger   *zap.Logger
}

// Synchronizer writes trade-derived reconciliation onto metric samples.
type Synchronizer struct {
	metrics  storage.MetricStore
	trades   storage.TradeStore
	window   int64
	limit    int
	observer *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Synchronizer.
func New(opts Options) *Synchronizer {
	s := &Synchronizer{
		metrics:  opts.Metrics,
		trades:   opts.Trades,
		window:   opts.Window,
		limit:    opts.Limit,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if s.window <= 0 {
		s.window = DefaultWindow
	}
	if s.limit <= 0 {
		s.limit = DefaultLimit
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Window returns the slot tolerance.
func (s *Synchronizer) Window() int64 {
	return s.window
}

// Synchronize reconciles the token's newest samples whose price block lies
// within the window of slot. Returns the number of samples written.
func (s *Synchronizer) Synchronize(ctx context.Context, tokenID, slot int64) (int, error) {
	samples, err := s.metrics.Latest(ctx, tokenID, recentSamples)
	if err != nil {
		return 0, fmt.Errorf("load samples: %w", err)
	}

	written := 0
	for _, m := range samples {
		if m.PriceBlockID == nil || abs(slot-*m.PriceBlockID) > s.window {
			continue
		}
		if err := s.reconcile(ctx, m); err != nil {
			return written, err
		}
		written++
	}
	s.observer.RecordSynced(written)
	return written, nil
}

// SynchronizeAll sweeps samples never reconciled that have at least one trade
// in range. limit <= 0 uses the configured limit. Per-sample failures are
// logged and the sweep continues.
func (s *Synchronizer) SynchronizeAll(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = s.limit
	}
	samples, err := s.metrics.ListUnreconciled(ctx, s.window, limit)
	if err != nil {
		return 0, fmt.Errorf("list unreconciled: %w", err)
	}

	var errs []error
	written := 0
	for _, m := range samples {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.reconcile(ctx, m); err != nil {
			s.logger.Warn("reconcile sample",
				zap.Int64("token_id", m.TokenID),
				zap.Int64("ts", m.Timestamp),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		written++
	}
	s.observer.RecordSynced(written)
	return written, errors.Join(errs...)
}

func (s *Synchronizer) reconcile(ctx context.Context, m *domain.MetricSample) error {
	j := *m.PriceBlockID
	trades, err := s.trades.ListBySlotRange(ctx, m.TokenID, j-s.window, j+s.window)
	if err != nil {
		return fmt.Errorf("load trades: %w", err)
	}

	r := Reconcile(trades)
	at := s.now().UTC()
	r.SyncedAt = &at
	if err := s.metrics.UpdateReconciliation(ctx, m.TokenID, m.Timestamp, r); err != nil {
		return fmt.Errorf("write reconciliation: %w", err)
	}
	return nil
}

// Reconcile aggregates trades into reconciliation fields. Withdrawals are not
// swaps and contribute nothing. SyncedAt is left nil.
func Reconcile(trades []*domain.Trade) domain.Reconciliation {
	var (
		r                       domain.Reconciliation
		sol, usd, token, prices []float64
	)
	for _, t := range trades {
		switch t.Direction {
		case domain.TradeBuy:
			r.BuyCount++
			r.BuyUSD += t.USDAmount
		case domain.TradeSell:
			r.SellCount++
			r.SellUSD += t.USDAmount
		default:
			continue
		}
		sol = append(sol, t.SOLAmount)
		usd = append(usd, t.USDAmount)
		token = append(token, t.TokenAmount)
		prices = append(prices, t.PriceUSD)
	}

	r.MedianAmountSOL = median(sol)
	r.MedianAmountUSD = median(usd)
	r.MedianTokenAmount = median(token)
	r.MedianTradePrice = median(prices)
	return r
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
