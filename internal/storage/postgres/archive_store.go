package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// ArchiveStore implements storage.ArchiveStore using PostgreSQL.
// Rows are copied by the intersection of live and history column names.
type ArchiveStore struct {
	pool    *Pool
	columns sync.Map // "schema.table->schema.table" -> []string
}

// NewArchiveStore creates a new ArchiveStore.
func NewArchiveStore(pool *Pool) *ArchiveStore {
	return &ArchiveStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ArchiveStore = (*ArchiveStore)(nil)

// Columns never copied: history sets its own lifecycle state.
var archiveSkipColumns = map[string]bool{"status": true, "archived_at": true}

// Archive moves a token with its samples and trades into history in one transaction.
func (s *ArchiveStore) Archive(ctx context.Context, tokenID int64) (domain.MovedCounts, error) {
	var moved domain.MovedCounts
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		moved, err = s.archive(ctx, tx, tokenID)
		return err
	})
	if err != nil {
		return domain.MovedCounts{}, err
	}
	return moved, nil
}

// ArchiveTx archives inside a caller-owned transaction. The work runs in a
// savepoint so a failure leaves the outer transaction usable.
func (s *ArchiveStore) ArchiveTx(ctx context.Context, tx pgx.Tx, tokenID int64) (domain.MovedCounts, error) {
	var moved domain.MovedCounts
	err := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
		var err error
		moved, err = s.archive(ctx, sp, tokenID)
		return err
	})
	if err != nil {
		return domain.MovedCounts{}, err
	}
	return moved, nil
}

func (s *ArchiveStore) archive(ctx context.Context, tx pgx.Tx, tokenID int64) (domain.MovedCounts, error) {
	var moved domain.MovedCounts

	var id int64
	if err := tx.QueryRow(ctx, `SELECT id FROM tokens WHERE id = $1 FOR UPDATE`, tokenID).Scan(&id); err != nil {
		if isNotFoundError(err) {
			return moved, storage.ErrNotFound
		}
		return moved, fmt.Errorf("lock token: %w", err)
	}

	copies := []struct {
		from, to, key string
		count         *int
	}{
		{"public.tokens", "history.tokens", "id", &moved.Tokens},
		{"public.token_metrics", "history.token_metrics", "token_id", &moved.Samples},
		{"public.trades", "history.trades", "token_id", &moved.Trades},
	}
	for _, c := range copies {
		n, err := s.copyRows(ctx, tx, c.from, c.to, c.key, tokenID)
		if err != nil {
			return domain.MovedCounts{}, err
		}
		*c.count = n
	}

	// Children first: trades and samples reference tokens.
	for _, stmt := range []string{
		`DELETE FROM trades WHERE token_id = $1`,
		`DELETE FROM token_metrics WHERE token_id = $1`,
		`DELETE FROM tokens WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, stmt, tokenID); err != nil {
			return domain.MovedCounts{}, fmt.Errorf("purge live rows: %w", err)
		}
	}

	var survived bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tokens WHERE id = $1)`, tokenID).Scan(&survived); err != nil {
		return domain.MovedCounts{}, fmt.Errorf("verify purge: %w", err)
	}
	if survived {
		return domain.MovedCounts{}, fmt.Errorf("token %d still live after delete: %w", tokenID, storage.ErrIntegrity)
	}

	return moved, nil
}

func (s *ArchiveStore) copyRows(ctx context.Context, tx pgx.Tx, from, to, key string, tokenID int64) (int, error) {
	cols, err := s.sharedColumns(ctx, tx, from, to)
	if err != nil {
		return 0, err
	}
	list := strings.Join(cols, ", ")

	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s = $1`,
		to, list, list, from, key,
	), tokenID)
	if err != nil {
		if isDuplicateKeyError(err) {
			return 0, fmt.Errorf("copy %s: %w", from, storage.ErrDuplicateKey)
		}
		return 0, fmt.Errorf("copy %s: %w", from, err)
	}
	return int(tag.RowsAffected()), nil
}

// sharedColumns returns the column names present in both tables, cached per pair.
func (s *ArchiveStore) sharedColumns(ctx context.Context, q querier, from, to string) ([]string, error) {
	cacheKey := from + "->" + to
	if v, ok := s.columns.Load(cacheKey); ok {
		return v.([]string), nil
	}

	fromSchema, fromTable, _ := strings.Cut(from, ".")
	toSchema, toTable, _ := strings.Cut(to, ".")

	rows, err := q.Query(ctx, `
		SELECT f.column_name
		FROM information_schema.columns f
		JOIN information_schema.columns t
		  ON t.column_name = f.column_name
		 AND t.table_schema = $3 AND t.table_name = $4
		WHERE f.table_schema = $1 AND f.table_name = $2
		ORDER BY f.ordinal_position
	`, fromSchema, fromTable, toSchema, toTable)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", from, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column name: %w", err)
		}
		if !archiveSkipColumns[name] {
			cols = append(cols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column names: %w", err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no shared columns between %s and %s", from, to)
	}

	s.columns.Store(cacheKey, cols)
	return cols, nil
}

// IsArchived reports whether the token id exists in history.tokens.
func (s *ArchiveStore) IsArchived(ctx context.Context, tokenID int64) (bool, error) {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM history.tokens WHERE id = $1)`, tokenID).Scan(&ok); err != nil {
		return false, fmt.Errorf("check archived: %w", err)
	}
	return ok, nil
}
