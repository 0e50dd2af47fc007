// Package archive moves finished tokens from the live tables into history.
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/events"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/storage"
)

// ErrDataIntegrity means a live token row survived its own archive. It points
// at a schema or trigger defect and must not be retried.
var ErrDataIntegrity = errors.New("data integrity violation")

// Refusal reasons reported in Result.Reason.
const (
	ReasonOpenPosition    = "open trading position"
	ReasonAlreadyArchived = "already archived"
	ReasonNotLive         = "token not in live storage"
)

// Result is the outcome of one archive request.
type Result struct {
	Success bool
	Moved   domain.MovedCounts
	Reason  string
}

// TxStore is implemented by stores able to archive inside a caller transaction.
type TxStore interface {
	ArchiveTx(ctx context.Context, tx pgx.Tx, tokenID int64) (domain.MovedCounts, error)
}

// Options configures an Archiver.
type Options struct {
	Store   storage.ArchiveStore
	Tokens  storage.TokenStore
	Ledger  storage.PositionLedger // nil means no position gating
	Events  events.Publisher
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Archiver moves tokens into history storage.
type Archiver struct {
	store   storage.ArchiveStore
	tokens  storage.TokenStore
	ledger  storage.PositionLedger
	events  events.Publisher
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Archiver.
func New(opts Options) *Archiver {
	a := &Archiver{
		store:   opts.Store,
		tokens:  opts.Tokens,
		ledger:  opts.Ledger,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	return a
}

// Archive moves a token, its samples and its trades into history.
// Refusals are reported in Result; only storage failures and
// ErrDataIntegrity are returned as errors.
func (a *Archiver) Archive(ctx context.Context, tokenID int64) (Result, error) {
	return a.run(ctx, tokenID, a.store.Archive, true)
}

// ArchiveTx archives inside tx. The store runs the move in a savepoint so a
// refusal or failure leaves tx usable. Until tx commits, other connections
// still see the live row, so the post-move check is the store's own read
// inside tx. The archived event is published before the caller commits.
func (a *Archiver) ArchiveTx(ctx context.Context, tx pgx.Tx, tokenID int64) (Result, error) {
	ts, ok := a.store.(TxStore)
	if !ok {
		return Result{}, fmt.Errorf("archive store %T cannot join a transaction", a.store)
	}
	return a.run(ctx, tokenID, func(ctx context.Context, id int64) (domain.MovedCounts, error) {
		return ts.ArchiveTx(ctx, tx, id)
	}, false)
}

func (a *Archiver) run(ctx context.Context, tokenID int64, move func(context.Context, int64) (domain.MovedCounts, error), committed bool) (Result, error) {
	log := a.logger.With(zap.Int64("token_id", tokenID))

	if a.ledger != nil {
		open, err := a.ledger.HasOpenPosition(ctx, tokenID)
		if err != nil {
			return Result{}, fmt.Errorf("check open position: %w", err)
		}
		if open {
			log.Info("archive refused", zap.String("reason", ReasonOpenPosition))
			return Result{Reason: ReasonOpenPosition}, nil
		}
	}

	archived, err := a.store.IsArchived(ctx, tokenID)
	if err != nil {
		return Result{}, fmt.Errorf("check archived: %w", err)
	}
	if archived {
		return Result{Success: true, Reason: ReasonAlreadyArchived}, nil
	}

	tok, err := a.tokens.GetByID(ctx, tokenID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Reason: ReasonNotLive}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load token: %w", err)
	}

	moved, err := move(ctx, tokenID)
	switch {
	case errors.Is(err, storage.ErrIntegrity):
		log.Error("live row survived archive", zap.Error(err))
		return Result{}, fmt.Errorf("%w: %v", ErrDataIntegrity, err)
	case errors.Is(err, storage.ErrNotFound):
		return Result{Reason: ReasonNotLive}, nil
	case err != nil:
		return Result{}, fmt.Errorf("archive token %d: %w", tokenID, err)
	}

	if committed {
		if err := a.verifyGone(ctx, tokenID); err != nil {
			log.Error("live row survived archive", zap.Error(err))
			return Result{}, err
		}
	}

	a.metrics.RecordArchived()
	log.Info("token archived",
		zap.Int("samples", moved.Samples),
		zap.Int("trades", moved.Trades),
	)
	if err := a.events.Publish(ctx, events.Event{
		Type:    events.TokenArchived,
		TokenID: tokenID,
		Mint:    tok.Mint,
		Moved:   moved,
		At:      a.now().UTC(),
	}); err != nil {
		log.Warn("publish archived event", zap.Error(err))
	}

	return Result{Success: true, Moved: moved}, nil
}

// verifyGone re-reads the live row after the move committed.
func (a *Archiver) verifyGone(ctx context.Context, tokenID int64) error {
	_, err := a.tokens.GetByID(ctx, tokenID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: token %d still live after archive", ErrDataIntegrity, tokenID)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("verify archive: %w", err)
	}
}
