package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

const tokenColumns = `
	id, mint_address, pair_address, pair_created_at, status, pair_resolve_attempts, iterations,
	name, symbol, holder_count, circulating_supply, total_supply, reported_supply,
	cleanup_flagged, cleanup_reason, cleanup_iterations, cleanup_flagged_at,
	no_swap_after_second_corridor, zero_tail, frozen_price, pattern_label, created_at, updated_at`

// UpsertDiscovered inserts a token by mint or refreshes name/symbol and a missing pair.
// xmax = 0 distinguishes a fresh insert from the conflict-update path.
func (s *TokenStore) UpsertDiscovered(ctx context.Context, t *domain.Token) (int64, bool, error) {
	if t == nil || t.Mint == "" {
		return 0, false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tokens (mint_address, pair_address, pair_created_at, name, symbol)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mint_address) DO UPDATE
		SET name = COALESCE(NULLIF(EXCLUDED.name, ''), tokens.name),
		    symbol = COALESCE(NULLIF(EXCLUDED.symbol, ''), tokens.symbol),
		    pair_address = COALESCE(tokens.pair_address, EXCLUDED.pair_address),
		    pair_created_at = COALESCE(tokens.pair_created_at, EXCLUDED.pair_created_at),
		    updated_at = NOW()
		RETURNING id, (xmax = 0)
	`

	var id int64
	var created bool
	err := s.pool.QueryRow(ctx, query, t.Mint, t.Pair, t.PairCreatedAt, t.Name, t.Symbol).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("upsert token: %w", err)
	}
	return id, created, nil
}

// GetByID retrieves a live token. Returns ErrNotFound if not in the live table.
func (s *TokenStore) GetByID(ctx context.Context, id int64) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by id: %w", err)
	}
	return t, nil
}

// GetByMint retrieves a live token by mint address.
func (s *TokenStore) GetByMint(ctx context.Context, mint string) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE mint_address = $1`, mint)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by mint: %w", err)
	}
	return t, nil
}

// ListLive retrieves up to limit live tokens ordered by id ASC.
func (s *TokenStore) ListLive(ctx context.Context, limit int) ([]*domain.Token, error) {
	query := `SELECT ` + tokenColumns + ` FROM tokens ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list live tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// ListIngestable retrieves live tokens with a resolved pair distinct from the mint.
func (s *TokenStore) ListIngestable(ctx context.Context) ([]*domain.Token, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM tokens
		WHERE pair_address IS NOT NULL AND pair_address <> '' AND pair_address <> mint_address
		ORDER BY id ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ingestable tokens: %w", err)
	}
	defer rows.Close()

	return scanTokens(rows)
}

// SetPair records a resolved pair address.
func (s *TokenStore) SetPair(ctx context.Context, id int64, pair string, pairCreatedAt *time.Time) error {
	return s.exec(ctx, "set pair", `
		UPDATE tokens SET pair_address = $2, pair_created_at = $3, updated_at = NOW() WHERE id = $1
	`, id, pair, pairCreatedAt)
}

// IncrementPairAttempts bumps the pair-resolution attempt counter.
func (s *TokenStore) IncrementPairAttempts(ctx context.Context, id int64) error {
	return s.exec(ctx, "increment pair attempts", `
		UPDATE tokens SET pair_resolve_attempts = pair_resolve_attempts + 1, updated_at = NOW() WHERE id = $1
	`, id)
}

// RecordPoll stores per-poll stats and increments the iteration counter.
func (s *TokenStore) RecordPoll(ctx context.Context, id int64, stats domain.TokenStats) error {
	return s.exec(ctx, "record poll", `
		UPDATE tokens
		SET iterations = iterations + 1,
		    holder_count = $2,
		    circulating_supply = COALESCE($3, circulating_supply),
		    total_supply = COALESCE($4, total_supply),
		    reported_supply = COALESCE($5, reported_supply),
		    updated_at = NOW()
		WHERE id = $1
	`, id, stats.HolderCount, stats.CirculatingSupply, stats.TotalSupply, stats.ReportedSupply)
}

// SetPatternLabel stores the classification label.
func (s *TokenStore) SetPatternLabel(ctx context.Context, id int64, label string) error {
	return s.exec(ctx, "set pattern label", `
		UPDATE tokens SET pattern_label = $2, updated_at = NOW() WHERE id = $1
	`, id, label)
}

func (s *TokenStore) exec(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanToken(row pgx.Row) (*domain.Token, error) {
	var t domain.Token
	var state string
	err := row.Scan(
		&t.ID,
		&t.Mint,
		&t.Pair,
		&t.PairCreatedAt,
		&state,
		&t.PairResolveAttempts,
		&t.Iterations,
		&t.Name,
		&t.Symbol,
		&t.HolderCount,
		&t.CirculatingSupply,
		&t.TotalSupply,
		&t.ReportedSupply,
		&t.CleanupFlagged,
		&t.CleanupReason,
		&t.CleanupIterations,
		&t.CleanupFlaggedAt,
		&t.NoSwapAfterSecondCorridor,
		&t.ZeroTail,
		&t.FrozenPrice,
		&t.PatternLabel,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.State = domain.TokenState(state)
	return &t, nil
}

// scanTokens scans multiple rows into a slice of Token.
func scanTokens(rows pgx.Rows) ([]*domain.Token, error) {
	var tokens []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate token rows: %w", err)
	}
	return tokens, nil
}
