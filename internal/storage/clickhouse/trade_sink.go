package clickhouse

import (
	"context"
	"fmt"

	"tokenwatch/internal/domain"
)

// TradeSink mirrors inserted trades into ClickHouse for analytics.
// Replays of the same signature collapse in the ReplacingMergeTree.
type TradeSink struct {
	conn *Conn
}

// NewTradeSink creates a new TradeSink.
func NewTradeSink(conn *Conn) *TradeSink {
	return &TradeSink{conn: conn}
}

// WriteTrades appends trades in one batch.
func (s *TradeSink) WriteTrades(ctx context.Context, trades []*domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trades (
			token_id, signature, timestamp, direction,
			token_amount, sol_amount, usd_amount, price_usd, slot
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		err = batch.Append(
			uint64(t.TokenID), t.Signature, uint64(t.Timestamp), string(t.Direction),
			t.TokenAmount, t.SOLAmount, t.USDAmount, t.PriceUSD, uint64(t.Slot),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// ListByToken reads the deduplicated trades of a token, ordered by (timestamp, slot).
func (s *TradeSink) ListByToken(ctx context.Context, tokenID int64) ([]*domain.Trade, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT token_id, signature, timestamp, direction,
		       token_amount, sol_amount, usd_amount, price_usd, slot
		FROM trades FINAL
		WHERE token_id = ?
		ORDER BY timestamp ASC, slot ASC
	`, uint64(tokenID))
	if err != nil {
		return nil, fmt.Errorf("query trades by token: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func scanTrades(rows chRows) ([]*domain.Trade, error) {
	var trades []*domain.Trade

	for rows.Next() {
		var t domain.Trade
		var tokenID, timestamp, slot uint64
		var direction string

		err := rows.Scan(
			&tokenID, &t.Signature, &timestamp, &direction,
			&t.TokenAmount, &t.SOLAmount, &t.USDAmount, &t.PriceUSD, &slot,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}

		t.TokenID = int64(tokenID)
		t.Timestamp = int64(timestamp)
		t.Slot = int64(slot)
		t.Direction = domain.TradeDirection(direction)
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return trades, nil
}
