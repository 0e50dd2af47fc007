// Package resolver rebuilds per-second prices for a token from its trades,
// filling gaps the metrics poller left behind.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// Options configures a Resolver.
type Options struct {
	Tokens  storage.TokenStore
	Trades  storage.TradeStore
	Metrics storage.MetricStore
	Logger  *zap.Logger
}

// Result summarizes one resolve run.
type Result struct {
	Trades  int // trades considered
	Seconds int // samples written
}

// Resolver derives metric samples from trades.
type Resolver struct {
	tokens  storage.TokenStore
	trades  storage.TradeStore
	metrics storage.MetricStore
	logger  *zap.Logger
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		tokens:  opts.Tokens,
		trades:  opts.Trades,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Resolve writes one sample per second that saw a priced trade. The price is
// the last trade of the second. Market cap and FDV use the token's supplies;
// liquidity carries forward the last known non-zero value. Existing non-zero
// liquidity, FDV and market cap are never overwritten.
func (r *Resolver) Resolve(ctx context.Context, tokenID int64) (Result, error) {
	tok, err := r.tokens.GetByID(ctx, tokenID)
	if err != nil {
		return Result{}, fmt.Errorf("load token %d: %w", tokenID, err)
	}

	trades, err := r.trades.ListByToken(ctx, tokenID)
	if err != nil {
		return Result{}, fmt.Errorf("load trades: %w", err)
	}
	prices := LastPricePerSecond(trades)
	if len(prices) == 0 {
		return Result{Trades: len(trades)}, nil
	}

	existing, err := r.metrics.ListByToken(ctx, tokenID)
	if err != nil {
		return Result{}, fmt.Errorf("load samples: %w", err)
	}

	seconds := make([]int64, 0, len(prices))
	for ts := range prices {
		seconds = append(seconds, ts)
	}
	sort.Slice(seconds, func(i, j int) bool { return seconds[i] < seconds[j] })

	mcSupply, hasMC := tok.MarketCapSupply()
	fdvSupply, hasFDV := tok.FDVSupply()

	var (
		liquidity float64
		next      int
		written   int
	)
	for _, ts := range seconds {
		for next < len(existing) && existing[next].Timestamp <= ts {
			if existing[next].LiquidityUSD > 0 {
				liquidity = existing[next].LiquidityUSD
			}
			next++
		}

		price := prices[ts]
		m := &domain.MetricSample{
			TokenID:      tokenID,
			Timestamp:    ts,
			PriceUSD:     price,
			LiquidityUSD: liquidity,
		}
		if hasMC {
			m.MarketCap = price * mcSupply
		}
		if hasFDV {
			m.FDV = price * fdvSupply
		}
		if err := r.metrics.FillResolved(ctx, m); err != nil {
			return Result{Trades: len(trades), Seconds: written}, fmt.Errorf("write sample %d: %w", ts, err)
		}
		written++
	}

	r.logger.Debug("prices resolved",
		zap.Int64("token_id", tokenID),
		zap.Int("trades", len(trades)),
		zap.Int("seconds", written),
	)
	return Result{Trades: len(trades), Seconds: written}, nil
}

// LastPricePerSecond maps each second to the price of its last priced trade.
// trades must be in chronological order; withdrawals carry no price.
func LastPricePerSecond(trades []*domain.Trade) map[int64]float64 {
	out := make(map[int64]float64)
	for _, t := range trades {
		if t.Direction == domain.TradeWithdraw || t.PriceUSD <= 0 {
			continue
		}
		out[t.Timestamp] = t.PriceUSD
	}
	return out
}
