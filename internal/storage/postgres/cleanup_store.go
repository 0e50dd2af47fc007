package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// cleanerLockKey is the pg advisory lock key shared by every cleaner instance.
const cleanerLockKey int64 = 0x746f6b636c6e // "tokcln"

// CleanupStore implements storage.CleanupStore using PostgreSQL.
type CleanupStore struct {
	pool *Pool
}

// NewCleanupStore creates a new CleanupStore.
func NewCleanupStore(pool *Pool) *CleanupStore {
	return &CleanupStore{pool: pool}
}

// Compile-time interface check.
var _ storage.CleanupStore = (*CleanupStore)(nil)

// TryLock takes a session-level advisory lock on a dedicated connection.
// The connection is held until release is called.
func (s *CleanupStore) TryLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, cleanerLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Background context: unlocking must happen even if ctx is already done.
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, cleanerLockKey)
		conn.Release()
	}
	return release, true, nil
}

const unpairedPredicate = `(t.pair_address IS NULL OR t.pair_address = '')`

// FindCandidates returns up to limit live tokens matching class, ordered by id.
func (s *CleanupStore) FindCandidates(ctx context.Context, class domain.CleanupClass, c domain.CleanupCriteria, limit int) ([]domain.CleanupCandidate, error) {
	var where string
	var args []any

	switch class {
	case domain.CleanupNoPair:
		where = unpairedPredicate + ` AND t.created_at <= $1`
		args = []any{c.Now.Add(-c.NoPairAge)}
	case domain.CleanupNoPrice:
		where = `t.created_at <= $1 AND NOT EXISTS (
			SELECT 1 FROM token_metrics m WHERE m.token_id = t.id AND m.price_usd > 0)`
		args = []any{c.Now.Add(-c.PriceCorridor)}
	case domain.CleanupInactiveNoPair:
		if c.MinSamples <= 0 {
			return nil, nil
		}
		where = unpairedPredicate + ` AND EXISTS (
			SELECT 1 FROM token_metrics m WHERE m.token_id = t.id
			GROUP BY m.token_id
			HAVING COUNT(*) >= $1 AND MAX(m.ts) - MIN(m.ts) >= $1 - 1)`
		args = []any{c.MinSamples}
	case domain.CleanupLowHolders:
		where = `t.iterations >= $1 AND t.holder_count < $2`
		args = []any{c.HolderIterations, c.MinHolders}
	case domain.CleanupNoSwapAfterSecondCorridor:
		where = `t.no_swap_after_second_corridor`
	case domain.CleanupZeroTail:
		where = `t.zero_tail`
	case domain.CleanupFrozenPrice:
		where = `t.frozen_price`
	default:
		return nil, fmt.Errorf("unknown cleanup class %q: %w", class, storage.ErrInvalidInput)
	}

	query := `SELECT t.id, t.mint_address, t.iterations, t.cleanup_flagged FROM tokens t WHERE ` + where + ` ORDER BY t.id ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s candidates: %w", class, err)
	}
	defer rows.Close()

	var result []domain.CleanupCandidate
	for rows.Next() {
		cand := domain.CleanupCandidate{Class: class}
		if err := rows.Scan(&cand.TokenID, &cand.Mint, &cand.Iterations, &cand.Flagged); err != nil {
			return nil, fmt.Errorf("scan candidate row: %w", err)
		}
		result = append(result, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidate rows: %w", err)
	}
	return result, nil
}

// Flag marks a token for cleanup.
func (s *CleanupStore) Flag(ctx context.Context, tokenID int64, reason string, iterations int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tokens
		SET cleanup_flagged = TRUE,
		    cleanup_reason = $2,
		    cleanup_iterations = $3,
		    cleanup_flagged_at = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, tokenID, reason, iterations, at)
	if err != nil {
		return fmt.Errorf("flag token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Quarantine copies the token and its samples into the bad schema and purges
// the live token, samples and trades in one transaction.
func (s *CleanupStore) Quarantine(ctx context.Context, tokenID int64, reason string) (domain.MovedCounts, error) {
	var moved domain.MovedCounts

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// A concurrent archive holds this lock until it commits; afterwards
		// the row is gone and the quarantine reports not found.
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM tokens WHERE id = $1 FOR UPDATE`, tokenID).Scan(&id); err != nil {
			if isNotFoundError(err) {
				return storage.ErrNotFound
			}
			return fmt.Errorf("lock token: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO bad.tokens (
				id, mint_address, pair_address, pair_created_at, status, pair_resolve_attempts,
				iterations, name, symbol, holder_count, cleanup_flagged, cleanup_reason,
				cleanup_iterations, cleanup_flagged_at, created_at, updated_at, removal_reason
			)
			SELECT id, mint_address, pair_address, pair_created_at, status, pair_resolve_attempts,
				iterations, name, symbol, holder_count, cleanup_flagged, cleanup_reason,
				cleanup_iterations, cleanup_flagged_at, created_at, updated_at, $2
			FROM tokens WHERE id = $1
		`, tokenID, reason)
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("quarantine token: %w", storage.ErrDuplicateKey)
			}
			return fmt.Errorf("quarantine token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}
		moved.Tokens = 1

		tag, err = tx.Exec(ctx, `
			INSERT INTO bad.token_metrics (
				id, token_id, ts, price_usd, liquidity_usd, fdv, market_cap,
				price_block_id, holder_count, removal_reason
			)
			SELECT id, token_id, ts, price_usd, liquidity_usd, fdv, market_cap,
				price_block_id, holder_count, $2
			FROM token_metrics WHERE token_id = $1
		`, tokenID, reason)
		if err != nil {
			return fmt.Errorf("quarantine samples: %w", err)
		}
		moved.Samples = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `DELETE FROM trades WHERE token_id = $1`, tokenID)
		if err != nil {
			return fmt.Errorf("purge trades: %w", err)
		}
		moved.Trades = int(tag.RowsAffected())

		if _, err := tx.Exec(ctx, `DELETE FROM token_metrics WHERE token_id = $1`, tokenID); err != nil {
			return fmt.Errorf("purge samples: %w", err)
		}
		tag, err = tx.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, tokenID)
		if err != nil {
			return fmt.Errorf("purge token: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("token %d: purge removed %d rows: %w", tokenID, tag.RowsAffected(), storage.ErrIntegrity)
		}
		return nil
	})
	if err != nil {
		return domain.MovedCounts{}, err
	}
	return moved, nil
}
