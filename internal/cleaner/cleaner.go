// Package cleaner removes tokens that will never become interesting.
//
// A run selects candidates per class, flags them on first sight and, on a
// later run, moves flagged tokens to history (if they lived long enough to
// be worth keeping) or to quarantine. Runs are serialized across processes
// by an advisory lock.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenwatch/internal/archive"
	"tokenwatch/internal/domain"
	"tokenwatch/internal/events"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/storage"
)

// MsgLocked is the report message when another run holds the lock.
const MsgLocked = "another cleaner is running"

// Defaults applied when Config leaves a knob at zero.
const (
	DefaultBatchSize = 100
	DefaultMaxLoops  = 50
)

// Archiver takes flagged tokens worth keeping.
type Archiver interface {
	Archive(ctx context.Context, tokenID int64) (archive.Result, error)
}

// Config configures a Cleaner.
type Config struct {
	Store    storage.CleanupStore
	Archiver Archiver
	Events   events.Publisher

	NoPairAge        time.Duration
	PriceCorridor    time.Duration
	MinSamples       int
	HolderIterations int
	MinHolders       int

	BatchSize      int // candidates per pass across all classes
	KeepIterations int // flagged tokens at or above this go to history
	MaxLoops       int // pass cap in loop mode

	Observer *observability.Metrics
	Logger   *zap.Logger
}

// Options selects the behaviour of one Clean call.
type Options struct {
	DryRun bool // count candidates only
	Loop   bool // repeat passes until nothing is left; ignored in dry-run
}

// Report summarizes a Clean call.
type Report struct {
	Skipped bool
	Message string
	DryRun  bool
	Passes  int

	Candidates  map[domain.CleanupClass]int
	Flagged     int
	Archived    int
	Quarantined int
	Deferred    int // flagged tokens the archiver refused
	Moved       domain.MovedCounts
}

// Total returns the number of distinct candidates seen.
func (r Report) Total() int {
	n := 0
	for _, c := range r.Candidates {
		n += c
	}
	return n
}

// Cleaner selects and disposes of dead tokens.
type Cleaner struct {
	store    storage.CleanupStore
	archiver Archiver
	events   events.Publisher

	criteria       domain.CleanupCriteria
	batchSize      int
	keepIterations int
	maxLoops       int

	observer *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Cleaner.
func New(cfg Config) *Cleaner {
	c := &Cleaner{
		store:    cfg.Store,
		archiver: cfg.Archiver,
		events:   cfg.Events,
		criteria: domain.CleanupCriteria{
			NoPairAge:        cfg.NoPairAge,
			PriceCorridor:    cfg.PriceCorridor,
			MinSamples:       cfg.MinSamples,
			HolderIterations: cfg.HolderIterations,
			MinHolders:       cfg.MinHolders,
		},
		batchSize:      cfg.BatchSize,
		keepIterations: cfg.KeepIterations,
		maxLoops:       cfg.MaxLoops,
		observer:       cfg.Observer,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.maxLoops <= 0 {
		c.maxLoops = DefaultMaxLoops
	}
	if c.events == nil {
		c.events = events.Nop{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Clean runs one cleanup. Lock contention is reported in Report.Skipped,
// not as an error.
func (c *Cleaner) Clean(ctx context.Context, opts Options) (Report, error) {
	rep := Report{DryRun: opts.DryRun, Candidates: make(map[domain.CleanupClass]int)}

	release, ok, err := c.store.TryLock(ctx)
	if err != nil {
		c.observer.RecordCleanerRun("error")
		return rep, fmt.Errorf("acquire cleaner lock: %w", err)
	}
	if !ok {
		c.observer.RecordCleanerRun("locked")
		c.logger.Info(MsgLocked)
		rep.Skipped = true
		rep.Message = MsgLocked
		return rep, nil
	}
	defer release()

	passes := 1
	if opts.Loop && !opts.DryRun {
		passes = c.maxLoops
	}
	for rep.Passes < passes {
		found, progress, err := c.pass(ctx, opts.DryRun, &rep)
		rep.Passes++
		if err != nil {
			c.observer.RecordCleanerRun("error")
			return rep, err
		}
		if found == 0 || progress == 0 {
			break
		}
	}

	c.observer.RecordCleanerRun("done")
	c.logger.Info("cleaner run finished",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("passes", rep.Passes),
		zap.Int("candidates", rep.Total()),
		zap.Int("flagged", rep.Flagged),
		zap.Int("archived", rep.Archived),
		zap.Int("quarantined", rep.Quarantined),
	)
	return rep, nil
}

// RunScheduled is the periodic entry point. It runs a single pass, so a
// token flagged now is only archived or quarantined by a later run.
func (c *Cleaner) RunScheduled(ctx context.Context) error {
	_, err := c.Clean(ctx, Options{})
	return err
}

// pass selects one batch and disposes of it. Returns the number of distinct
// candidates and how many of them changed state.
func (c *Cleaner) pass(ctx context.Context, dryRun bool, rep *Report) (int, int, error) {
	now := c.now().UTC()
	candidates, err := c.collect(ctx, now, rep)
	if err != nil {
		return 0, 0, err
	}
	if dryRun || len(candidates) == 0 {
		return len(candidates), 0, nil
	}

	progress := 0
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return len(candidates), progress, ctx.Err()
		}
		changed, err := c.dispose(ctx, cand, now, rep)
		if err != nil {
			return len(candidates), progress, err
		}
		if changed {
			progress++
		}
	}
	return len(candidates), progress, nil
}

// collect queries each class in order, capped by the remaining batch budget
// and deduplicated by token id.
func (c *Cleaner) collect(ctx context.Context, now time.Time, rep *Report) ([]domain.CleanupCandidate, error) {
	crit := c.criteria
	crit.Now = now

	seen := make(map[int64]bool)
	var out []domain.CleanupCandidate
	for _, class := range domain.CleanupClasses {
		remaining := c.batchSize - len(out)
		if remaining <= 0 {
			break
		}
		found, err := c.store.FindCandidates(ctx, class, crit, remaining)
		if err != nil {
			return nil, fmt.Errorf("find %s candidates: %w", class, err)
		}
		for _, cand := range found {
			if seen[cand.TokenID] || len(out) >= c.batchSize {
				continue
			}
			seen[cand.TokenID] = true
			out = append(out, cand)
			rep.Candidates[class]++
		}
	}
	return out, nil
}

// dispose flags, archives or quarantines one candidate. Only an archive
// integrity failure is returned; other per-token errors are logged.
func (c *Cleaner) dispose(ctx context.Context, cand domain.CleanupCandidate, now time.Time, rep *Report) (bool, error) {
	log := c.logger.With(zap.Int64("token_id", cand.TokenID), zap.String("class", string(cand.Class)))
	reason := string(cand.Class)

	switch {
	case !cand.Flagged:
		if err := c.store.Flag(ctx, cand.TokenID, reason, cand.Iterations, now); err != nil {
			log.Warn("flag token", zap.Error(err))
			return false, nil
		}
		rep.Flagged++
		c.observer.RecordFlagged(reason, 1)
		c.publish(ctx, log, events.Event{Type: events.TokenFlagged, TokenID: cand.TokenID, Mint: cand.Mint, Reason: reason, At: now})
		return true, nil

	case c.archiver != nil && c.keepIterations > 0 && cand.Iterations >= c.keepIterations:
		res, err := c.archiver.Archive(ctx, cand.TokenID)
		if errors.Is(err, archive.ErrDataIntegrity) {
			return false, err
		}
		if err != nil {
			log.Warn("archive flagged token", zap.Error(err))
			return false, nil
		}
		if !res.Success {
			rep.Deferred++
			log.Info("archive deferred", zap.String("reason", res.Reason))
			return false, nil
		}
		rep.Archived++
		addMoved(&rep.Moved, res.Moved)
		return true, nil

	default:
		moved, err := c.store.Quarantine(ctx, cand.TokenID, reason)
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			log.Warn("quarantine token", zap.Error(err))
			return false, nil
		}
		rep.Quarantined++
		addMoved(&rep.Moved, moved)
		c.observer.RecordQuarantined(reason)
		c.publish(ctx, log, events.Event{Type: events.TokenQuarantined, TokenID: cand.TokenID, Mint: cand.Mint, Reason: reason, Moved: moved, At: now})
		return true, nil
	}
}

func (c *Cleaner) publish(ctx context.Context, log *zap.Logger, e events.Event) {
	if err := c.events.Publish(ctx, e); err != nil {
		log.Warn("publish lifecycle event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func addMoved(total *domain.MovedCounts, m domain.MovedCounts) {
	total.Tokens += m.Tokens
	total.Samples += m.Samples
	total.Trades += m.Trades
}
