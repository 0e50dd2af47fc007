package postgres

import (
	"context"
	"fmt"

	"tokenwatch/internal/storage"
)

// PositionLedger reads the positions table owned by the trading subsystem.
type PositionLedger struct {
	pool *Pool
}

// NewPositionLedger creates a new PositionLedger.
func NewPositionLedger(pool *Pool) *PositionLedger {
	return &PositionLedger{pool: pool}
}

// Compile-time interface check.
var _ storage.PositionLedger = (*PositionLedger)(nil)

// HasOpenPosition reports whether the token has an open position.
func (l *PositionLedger) HasOpenPosition(ctx context.Context, tokenID int64) (bool, error) {
	var ok bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM positions WHERE token_id = $1 AND status = 'open')
	`, tokenID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check open position: %w", err)
	}
	return ok, nil
}

// HasAnyOpenPosition reports whether any position is open.
func (l *PositionLedger) HasAnyOpenPosition(ctx context.Context) (bool, error) {
	var ok bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM positions WHERE status = 'open')`).Scan(&ok); err != nil {
		return false, fmt.Errorf("check any open position: %w", err)
	}
	return ok, nil
}
