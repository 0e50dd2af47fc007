package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// MetricStore implements storage.MetricStore using PostgreSQL.
type MetricStore struct {
	pool *Pool
}

// NewMetricStore creates a new MetricStore.
func NewMetricStore(pool *Pool) *MetricStore {
	return &MetricStore{pool: pool}
}

// Compile-time interface check.
var _ storage.MetricStore = (*MetricStore)(nil)

const metricColumns = `
	token_id, ts, price_usd, liquidity_usd, fdv, market_cap, price_block_id, holder_count,
	median_amount_sol, median_amount_usd, median_token_amount, median_trade_price,
	buy_count, sell_count, buy_usd, sell_usd, synced_at`

// Upsert writes the market fields of a sample, last-write-wins per (token_id, ts).
func (s *MetricStore) Upsert(ctx context.Context, m *domain.MetricSample) error {
	if m == nil || m.TokenID == 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_metrics (
			token_id, ts, price_usd, liquidity_usd, fdv, market_cap, price_block_id, holder_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_id, ts) DO UPDATE
		SET price_usd = EXCLUDED.price_usd,
		    liquidity_usd = EXCLUDED.liquidity_usd,
		    fdv = EXCLUDED.fdv,
		    market_cap = EXCLUDED.market_cap,
		    price_block_id = EXCLUDED.price_block_id,
		    holder_count = EXCLUDED.holder_count
	`,
		m.TokenID,
		m.Timestamp,
		m.PriceUSD,
		m.LiquidityUSD,
		m.FDV,
		m.MarketCap,
		m.PriceBlockID,
		m.HolderCount,
	)
	if err != nil {
		return fmt.Errorf("upsert metric sample: %w", err)
	}
	return nil
}

// Latest retrieves up to n samples for a token, ordered by timestamp DESC.
func (s *MetricStore) Latest(ctx context.Context, tokenID int64, n int) ([]*domain.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metricColumns+`
		FROM token_metrics
		WHERE token_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, tokenID, n)
	if err != nil {
		return nil, fmt.Errorf("get latest metric samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// ListByToken retrieves all samples for a token, ordered by timestamp ASC.
func (s *MetricStore) ListByToken(ctx context.Context, tokenID int64) ([]*domain.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metricColumns+`
		FROM token_metrics
		WHERE token_id = $1
		ORDER BY ts ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list metric samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// UpdateReconciliation overwrites the synchronizer outputs of one sample.
func (s *MetricStore) UpdateReconciliation(ctx context.Context, tokenID, ts int64, r domain.Reconciliation) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE token_metrics
		SET median_amount_sol = $3,
		    median_amount_usd = $4,
		    median_token_amount = $5,
		    median_trade_price = $6,
		    buy_count = $7,
		    sell_count = $8,
		    buy_usd = $9,
		    sell_usd = $10,
		    synced_at = $11
		WHERE token_id = $1 AND ts = $2
	`,
		tokenID,
		ts,
		r.MedianAmountSOL,
		r.MedianAmountUSD,
		r.MedianTokenAmount,
		r.MedianTradePrice,
		r.BuyCount,
		r.SellCount,
		r.BuyUSD,
		r.SellUSD,
		r.SyncedAt,
	)
	if err != nil {
		return fmt.Errorf("update reconciliation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUnreconciled retrieves never-reconciled samples with a trade inside the slot window.
func (s *MetricStore) ListUnreconciled(ctx context.Context, window int64, limit int) ([]*domain.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+metricColumns+`
		FROM token_metrics m
		WHERE m.synced_at IS NULL
		  AND m.price_block_id IS NOT NULL
		  AND EXISTS (
			SELECT 1 FROM trades t
			WHERE t.token_id = m.token_id
			  AND t.slot BETWEEN m.price_block_id - $1 AND m.price_block_id + $1
		  )
		ORDER BY m.ts DESC, m.token_id ASC
		LIMIT $2
	`, window, limit)
	if err != nil {
		return nil, fmt.Errorf("list unreconciled samples: %w", err)
	}
	defer rows.Close()

	return scanSamples(rows)
}

// FillResolved writes a trade-derived sample. Price is always refreshed;
// liquidity, FDV and market cap only replace zero values.
func (s *MetricStore) FillResolved(ctx context.Context, m *domain.MetricSample) error {
	if m == nil || m.TokenID == 0 {
		return storage.ErrInvalidInput
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_metrics (token_id, ts, price_usd, liquidity_usd, fdv, market_cap)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (token_id, ts) DO UPDATE
		SET price_usd = EXCLUDED.price_usd,
		    liquidity_usd = COALESCE(NULLIF(token_metrics.liquidity_usd, 0), EXCLUDED.liquidity_usd),
		    fdv = COALESCE(NULLIF(token_metrics.fdv, 0), EXCLUDED.fdv),
		    market_cap = COALESCE(NULLIF(token_metrics.market_cap, 0), EXCLUDED.market_cap)
	`, m.TokenID, m.Timestamp, m.PriceUSD, m.LiquidityUSD, m.FDV, m.MarketCap)
	if err != nil {
		return fmt.Errorf("fill resolved sample: %w", err)
	}
	return nil
}

// scanSamples scans multiple rows into a slice of MetricSample.
func scanSamples(rows pgx.Rows) ([]*domain.MetricSample, error) {
	var samples []*domain.MetricSample

	for rows.Next() {
		var m domain.MetricSample
		err := rows.Scan(
			&m.TokenID,
			&m.Timestamp,
			&m.PriceUSD,
			&m.LiquidityUSD,
			&m.FDV,
			&m.MarketCap,
			&m.PriceBlockID,
			&m.HolderCount,
			&m.MedianAmountSOL,
			&m.MedianAmountUSD,
			&m.MedianTokenAmount,
			&m.MedianTradePrice,
			&m.BuyCount,
			&m.SellCount,
			&m.BuyUSD,
			&m.SellUSD,
			&m.SyncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		samples = append(samples, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}

	return samples, nil
}
