package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// TradeStore implements storage.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *Pool
}

// NewTradeStore creates a new TradeStore.
func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeStore = (*TradeStore)(nil)

const tradeColumns = `
	id, token_id, signature, timestamp, time, direction,
	token_amount, sol_amount, usd_amount, price_usd, slot`

// Insert adds a trade. A duplicate signature is a no-op and returns false.
func (s *TradeStore) Insert(ctx context.Context, t *domain.Trade) (bool, error) {
	if t == nil || t.Signature == "" || t.TokenID == 0 {
		return false, storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO trades (
			token_id, signature, timestamp, time, direction,
			token_amount, sol_amount, usd_amount, price_usd, slot
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (signature) DO NOTHING
	`,
		t.TokenID,
		t.Signature,
		t.Timestamp,
		t.Time,
		string(t.Direction),
		t.TokenAmount,
		t.SOLAmount,
		t.USDAmount,
		t.PriceUSD,
		t.Slot,
	)
	if err != nil {
		return false, fmt.Errorf("insert trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestSignature returns the most recent stored signature for a token, or "".
func (s *TradeStore) LatestSignature(ctx context.Context, tokenID int64) (string, error) {
	var sig string
	err := s.pool.QueryRow(ctx, `
		SELECT signature FROM trades
		WHERE token_id = $1
		ORDER BY timestamp DESC, slot DESC, id DESC
		LIMIT 1
	`, tokenID).Scan(&sig)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("get latest signature: %w", err)
	}
	return sig, nil
}

// ListByToken retrieves all trades for a token in chronological order.
func (s *TradeStore) ListByToken(ctx context.Context, tokenID int64) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE token_id = $1
		ORDER BY timestamp ASC, slot ASC, id ASC
	`, tokenID)
	if err != nil {
		return nil, fmt.Errorf("list trades by token: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// ListBySlotRange retrieves trades for a token with slot in [from, to].
func (s *TradeStore) ListBySlotRange(ctx context.Context, tokenID, from, to int64) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE token_id = $1 AND slot >= $2 AND slot <= $3
		ORDER BY timestamp ASC, slot ASC, id ASC
	`, tokenID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list trades by slot range: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// CountByToken returns the number of stored trades for a token.
func (s *TradeStore) CountByToken(ctx context.Context, tokenID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades WHERE token_id = $1`, tokenID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

// scanTrades scans multiple rows into a slice of Trade.
func scanTrades(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade

	for rows.Next() {
		var t domain.Trade
		var direction string
		err := rows.Scan(
			&t.ID,
			&t.TokenID,
			&t.Signature,
			&t.Timestamp,
			&t.Time,
			&direction,
			&t.TokenAmount,
			&t.SOLAmount,
			&t.USDAmount,
			&t.PriceUSD,
			&t.Slot,
		)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		t.Direction = domain.TradeDirection(direction)
		trades = append(trades, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}

	return trades, nil
}
