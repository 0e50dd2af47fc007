package storage

import (
	"context"
	"time"

	"tokenwatch/internal/domain"
)

// TokenStore provides access to the live tokens table.
type TokenStore interface {
	// UpsertDiscovered inserts a token by mint or refreshes its descriptive fields.
	// Returns the stored id and whether a new row was created.
	UpsertDiscovered(ctx context.Context, t *domain.Token) (int64, bool, error)

	// GetByID retrieves a live token. Returns ErrNotFound if not in the live table.
	GetByID(ctx context.Context, id int64) (*domain.Token, error)

	// GetByMint retrieves a live token by mint address. Returns ErrNotFound if not exists.
	GetByMint(ctx context.Context, mint string) (*domain.Token, error)

	// ListLive retrieves up to limit live tokens ordered by id ASC. limit <= 0 means all.
	ListLive(ctx context.Context, limit int) ([]*domain.Token, error)

	// ListIngestable retrieves live tokens with a resolved pair distinct from the mint, ordered by id ASC.
	ListIngestable(ctx context.Context) ([]*domain.Token, error)

	// SetPair records a resolved pair address.
	SetPair(ctx context.Context, id int64, pair string, pairCreatedAt *time.Time) error

	// IncrementPairAttempts bumps the pair-resolution attempt counter.
	IncrementPairAttempts(ctx context.Context, id int64) error

	// RecordPoll stores per-poll stats and increments the iteration counter.
	RecordPoll(ctx context.Context, id int64, stats domain.TokenStats) error

	// SetPatternLabel stores the classification label written by the pattern subsystem.
	SetPatternLabel(ctx context.Context, id int64, label string) error
}

// MetricStore provides access to token_metrics storage.
type MetricStore interface {
	// Upsert writes the market fields of a sample, last-write-wins per (token_id, ts).
	// Reconciliation fields are left untouched.
	Upsert(ctx context.Context, m *domain.MetricSample) error

	// Latest retrieves up to n samples for a token, ordered by timestamp DESC.
	Latest(ctx context.Context, tokenID int64, n int) ([]*domain.MetricSample, error)

	// ListByToken retrieves all samples for a token, ordered by timestamp ASC.
	ListByToken(ctx context.Context, tokenID int64) ([]*domain.MetricSample, error)

	// UpdateReconciliation overwrites the synchronizer outputs of one sample.
	UpdateReconciliation(ctx context.Context, tokenID, ts int64, r domain.Reconciliation) error

	// ListUnreconciled retrieves samples never reconciled that have at least one trade
	// whose slot lies within window of the sample's price-block id.
	ListUnreconciled(ctx context.Context, window int64, limit int) ([]*domain.MetricSample, error)

	// FillResolved writes a trade-derived sample. Price is always refreshed;
	// liquidity, FDV and market cap are written only where the stored value is zero.
	FillResolved(ctx context.Context, m *domain.MetricSample) error
}

// TradeStore provides access to trades storage.
type TradeStore interface {
	// Insert adds a trade. Returns false with nil error if the signature already exists.
	Insert(ctx context.Context, t *domain.Trade) (bool, error)

	// LatestSignature returns the most recent stored signature for a token, or "" if none.
	LatestSignature(ctx context.Context, tokenID int64) (string, error)

	// ListByToken retrieves all trades for a token, ordered by (timestamp, slot, id) ASC.
	ListByToken(ctx context.Context, tokenID int64) ([]*domain.Trade, error)

	// ListBySlotRange retrieves trades for a token with slot in [from, to] (inclusive).
	ListBySlotRange(ctx context.Context, tokenID, from, to int64) ([]*domain.Trade, error)

	// CountByToken returns the number of stored trades for a token.
	CountByToken(ctx context.Context, tokenID int64) (int, error)
}

// ArchiveStore moves tokens from live to history storage.
type ArchiveStore interface {
	// Archive copies the token, its samples and trades into history and deletes them
	// from the live tables inside one transaction.
	Archive(ctx context.Context, tokenID int64) (domain.MovedCounts, error)

	// IsArchived reports whether the token id exists in history storage.
	IsArchived(ctx context.Context, tokenID int64) (bool, error)
}

// CleanupStore provides Cleaner queries and dispositions.
type CleanupStore interface {
	// TryLock attempts the global cleaner lock. ok is false if held elsewhere.
	// release must be called when ok is true.
	TryLock(ctx context.Context) (release func(), ok bool, err error)

	// FindCandidates returns up to limit live tokens matching class.
	FindCandidates(ctx context.Context, class domain.CleanupClass, c domain.CleanupCriteria, limit int) ([]domain.CleanupCandidate, error)

	// Flag marks a token for cleanup, recording reason, iteration count and time.
	Flag(ctx context.Context, tokenID int64, reason string, iterations int, at time.Time) error

	// Quarantine copies the token and its samples into the bad schema and purges
	// the token, samples and trades from the live tables.
	Quarantine(ctx context.Context, tokenID int64, reason string) (domain.MovedCounts, error)
}

// PositionLedger exposes the open-position view of the trading subsystem.
type PositionLedger interface {
	// HasOpenPosition reports whether an open position exists for the token.
	HasOpenPosition(ctx context.Context, tokenID int64) (bool, error)

	// HasAnyOpenPosition reports whether any token is bound to an open position.
	HasAnyOpenPosition(ctx context.Context) (bool, error)
}
