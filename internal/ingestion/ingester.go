// Package ingestion pulls trade history for tracked tokens and stores it
// incrementally.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokenwatch/internal/archive"
	"tokenwatch/internal/domain"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/solana"
	"tokenwatch/internal/storage"
	"tokenwatch/internal/upstream"
)

// Defaults applied when Options leave a knob at zero.
const (
	DefaultBatchSize     = 25
	DefaultConcurrency   = 4
	DefaultSmallPageSize = 10
	DefaultMaxPages      = 5
)

// PriceSource returns the SOL/USD reference price.
type PriceSource interface {
	Get() float64
}

// Archiver takes tokens whose history is complete.
type Archiver interface {
	Archive(ctx context.Context, tokenID int64) (archive.Result, error)
}

// Synchronizer reconciles samples around a newly observed slot.
type Synchronizer interface {
	Synchronize(ctx context.Context, tokenID, slot int64) (int, error)
}

// TradeSink mirrors newly stored trades to an analytics store.
type TradeSink interface {
	WriteTrades(ctx context.Context, trades []*domain.Trade) error
}

// Options configures an Ingester.
type Options struct {
	History      solana.HistoryClient
	Tokens       storage.TokenStore
	Trades       storage.TradeStore
	RefPrice     PriceSource
	Archiver     Archiver     // nil disables history-complete hand-off
	Synchronizer Synchronizer // nil disables per-slot reconciliation
	Sink         TradeSink    // optional

	FallbackPrice       float64       // SOL/USD used when RefPrice has nothing
	BatchSize           int           // tokens per tick
	RequestsPerSecond   float64       // upstream budget; 0 disables the cap
	TickBudget          time.Duration // window the budget applies to
	Concurrency         int           // tokens fetched in parallel
	SmallPageSize       int           // page size once a signature is known
	MaxPages            int           // pages per token per tick
	ZeroStreakThreshold int           // empty ticks before history is complete; 0 disables

	Observer *observability.Metrics
	Logger   *zap.Logger
}

// TokenResult is the per-token outcome of one tick.
type TokenResult struct {
	TokenID         int64
	Inserted        int
	Duplicates      int
	Pages           int
	Skipped         map[SkipReason]int
	HistoryComplete bool
	Archived        bool
	Err             error
}

// TickResult aggregates a tick.
type TickResult struct {
	Tokens   []TokenResult
	Inserted int
	Skipped  map[SkipReason]int
	Failed   int
}

// Ingester runs the incremental fetch protocol over a rotating batch of tokens.
type Ingester struct {
	history      solana.HistoryClient
	tokens       storage.TokenStore
	trades       storage.TradeStore
	refPrice     PriceSource
	archiver     Archiver
	synchronizer Synchronizer
	sink         TradeSink

	fallbackPrice       float64
	batchSize           int
	requestsPerSecond   float64
	tickBudget          time.Duration
	concurrency         int
	smallPageSize       int
	maxPages            int
	zeroStreakThreshold int

	observer *observability.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	cursor  int64          // last token id handed out
	streaks map[int64]int  // consecutive ticks without new trades
	pending map[int64]bool // withdrawn tokens whose archive has not succeeded yet
}

// New creates an Ingester.
func New(opts Options) *Ingester {
	i := &Ingester{
		history:             opts.History,
		tokens:              opts.Tokens,
		trades:              opts.Trades,
		refPrice:            opts.RefPrice,
		archiver:            opts.Archiver,
		synchronizer:        opts.Synchronizer,
		sink:                opts.Sink,
		fallbackPrice:       opts.FallbackPrice,
		batchSize:           opts.BatchSize,
		requestsPerSecond:   opts.RequestsPerSecond,
		tickBudget:          opts.TickBudget,
		concurrency:         opts.Concurrency,
		smallPageSize:       opts.SmallPageSize,
		maxPages:            opts.MaxPages,
		zeroStreakThreshold: opts.ZeroStreakThreshold,
		observer:            opts.Observer,
		logger:              opts.Logger,
		streaks:             make(map[int64]int),
		pending:             make(map[int64]bool),
	}
	if i.batchSize <= 0 {
		i.batchSize = DefaultBatchSize
	}
	if i.concurrency <= 0 {
		i.concurrency = DefaultConcurrency
	}
	if i.smallPageSize <= 0 {
		i.smallPageSize = DefaultSmallPageSize
	}
	if i.maxPages <= 0 {
		i.maxPages = DefaultMaxPages
	}
	if i.logger == nil {
		i.logger = zap.NewNop()
	}
	return i
}

// Tick ingests one batch. Per-token failures are recorded in the result and
// do not stop other tokens. A rate-limit response cancels the rest of the
// tick and is returned, as is an archive integrity failure.
func (i *Ingester) Tick(ctx context.Context) (TickResult, error) {
	eligible, err := i.tokens.ListIngestable(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("list ingestable tokens: %w", err)
	}
	batch := i.nextBatch(eligible, i.batchLimit())
	results := make([]TokenResult, len(batch))
	price := i.solPrice()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, tok := range batch {
		g.Go(func() error {
			res := i.ingestToken(gctx, tok, price)
			results[n] = res
			if isFatal(res.Err) {
				return res.Err
			}
			return nil
		})
	}
	fatal := g.Wait()

	tick := TickResult{Tokens: results, Skipped: make(map[SkipReason]int)}
	for _, r := range results {
		tick.Inserted += r.Inserted
		for reason, n := range r.Skipped {
			tick.Skipped[reason] += n
		}
		if r.Err != nil {
			tick.Failed++
		}
	}
	return tick, fatal
}

// isFatal reports errors that end the whole tick.
func isFatal(err error) bool {
	var rl *upstream.RateLimitedError
	return errors.As(err, &rl) || errors.Is(err, archive.ErrDataIntegrity)
}

// batchLimit is BatchSize capped by the per-tick request budget.
func (i *Ingester) batchLimit() int {
	limit := i.batchSize
	if i.requestsPerSecond > 0 && i.tickBudget > 0 {
		budget := int(math.Floor(i.requestsPerSecond * i.tickBudget.Seconds()))
		limit = min(limit, max(budget, 1))
	}
	return limit
}

// nextBatch takes up to n tokens after the cursor, wrapping around, so every
// eligible token is visited across ticks.
func (i *Ingester) nextBatch(eligible []*domain.Token, n int) []*domain.Token {
	tokens := make([]*domain.Token, 0, len(eligible))
	for _, t := range eligible {
		if t.HasPair() {
			tokens = append(tokens, t)
		}
	}
	sort.Slice(tokens, func(a, b int) bool { return tokens[a].ID < tokens[b].ID })
	if len(tokens) == 0 {
		return nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	start := sort.Search(len(tokens), func(k int) bool { return tokens[k].ID > i.cursor })
	batch := make([]*domain.Token, 0, min(n, len(tokens)))
	for k := 0; k < len(tokens) && len(batch) < n; k++ {
		batch = append(batch, tokens[(start+k)%len(tokens)])
	}
	i.cursor = batch[len(batch)-1].ID
	return batch
}

func (i *Ingester) solPrice() float64 {
	if i.refPrice != nil {
		if p := i.refPrice.Get(); p > 0 {
			return p
		}
	}
	return i.fallbackPrice
}

// ingestToken runs the incremental fetch protocol for one token.
func (i *Ingester) ingestToken(ctx context.Context, tok *domain.Token, solUSD float64) TokenResult {
	res := TokenResult{TokenID: tok.ID, Skipped: make(map[SkipReason]int)}
	log := i.logger.With(zap.Int64("token_id", tok.ID), zap.String("pair", tok.PairAddress()))

	known, err := i.trades.LatestSignature(ctx, tok.ID)
	if err != nil {
		res.Err = fmt.Errorf("latest signature: %w", err)
		i.observer.RecordIngestError("storage")
		return res
	}

	fresh, pages, err := i.fetchNew(ctx, tok.PairAddress(), known)
	res.Pages = pages
	if err != nil {
		res.Err = err
		i.observer.RecordIngestError(errorKind(err))
		log.Warn("fetch history", zap.Error(err))
		return res
	}

	var (
		stored   []*domain.Trade
		withdraw bool
	)
	for _, tx := range OldestFirst(fresh) {
		out := ParseTransaction(&tx, tok, solUSD)
		if !out.OK() {
			res.Skipped[out.Skip]++
			continue
		}
		inserted, err := i.trades.Insert(ctx, out.Trade)
		if err != nil {
			res.Err = fmt.Errorf("insert trade %s: %w", out.Trade.Signature, err)
			i.observer.RecordIngestError("storage")
			break
		}
		if !inserted {
			res.Duplicates++
			continue
		}
		res.Inserted++
		stored = append(stored, out.Trade)
		if out.Trade.Direction == domain.TradeWithdraw {
			withdraw = true
		}
	}
	i.observer.RecordTrades(res.Inserted, res.Duplicates)

	i.afterInsert(ctx, log, tok.ID, stored)
	if res.Err != nil {
		return res
	}

	res.HistoryComplete = i.updateStreak(tok.ID, res.Inserted, withdraw)
	if res.HistoryComplete {
		i.observer.RecordHistoryComplete()
		res.Archived, res.Err = i.handOff(ctx, log, tok.ID, withdraw)
	}
	return res
}

// fetchNew pages backwards from the newest transaction until the known
// signature, a short page, or the page budget. Returns newest first.
func (i *Ingester) fetchNew(ctx context.Context, address, known string) ([]solana.EnhancedTransaction, int, error) {
	limit := solana.MaxPageSize
	if known != "" {
		limit = i.smallPageSize
	}

	var (
		fresh  []solana.EnhancedTransaction
		before string
		pages  int
	)
	for pages < i.maxPages {
		started := time.Now()
		page, err := i.history.GetTransactions(ctx, address, &solana.HistoryOpts{Before: before, Limit: limit})
		var rl *upstream.RateLimitedError
		i.observer.ObserveUpstream("history", time.Since(started), errors.As(err, &rl))
		if err != nil {
			return fresh, pages, err
		}
		pages++

		reached := false
		for _, tx := range page {
			if known != "" && tx.Signature == known {
				reached = true
				break
			}
			fresh = append(fresh, tx)
		}
		if reached || len(page) < limit {
			break
		}
		before = page[len(page)-1].Signature
	}
	return fresh, pages, nil
}

// afterInsert mirrors new trades and reconciles samples around their slots.
// Failures here are logged; the trades are already stored.
func (i *Ingester) afterInsert(ctx context.Context, log *zap.Logger, tokenID int64, stored []*domain.Trade) {
	if len(stored) == 0 {
		return
	}
	if i.sink != nil {
		if err := i.sink.WriteTrades(ctx, stored); err != nil {
			log.Warn("mirror trades", zap.Error(err))
		}
	}
	if i.synchronizer == nil {
		return
	}

	slots := make([]int64, 0, len(stored))
	seen := make(map[int64]bool, len(stored))
	for _, t := range stored {
		if !seen[t.Slot] {
			seen[t.Slot] = true
			slots = append(slots, t.Slot)
		}
	}
	for _, slot := range slots {
		if _, err := i.synchronizer.Synchronize(ctx, tokenID, slot); err != nil {
			log.Warn("synchronize slot", zap.Int64("slot", slot), zap.Error(err))
		}
	}
}

// updateStreak tracks consecutive empty ticks and reports whether the
// token's history is complete: a withdraw was seen on this or an earlier
// tick without a successful archive since, or the empty streak reached
// the threshold.
func (i *Ingester) updateStreak(tokenID int64, inserted int, withdraw bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if withdraw {
		i.pending[tokenID] = true
	}
	if inserted > 0 {
		delete(i.streaks, tokenID)
	} else {
		i.streaks[tokenID]++
	}
	if i.pending[tokenID] {
		return true
	}
	return i.zeroStreakThreshold > 0 && i.streaks[tokenID] >= i.zeroStreakThreshold
}

// handOff archives a token whose history is complete. A refusal is not an
// error. A withdrawn token is offered again on every later tick until the
// archive succeeds; a streak-completed one is offered while its streak holds.
func (i *Ingester) handOff(ctx context.Context, log *zap.Logger, tokenID int64, withdraw bool) (bool, error) {
	log.Info("trade history complete", zap.Bool("withdraw", withdraw))
	if i.archiver == nil {
		return false, nil
	}

	res, err := i.archiver.Archive(ctx, tokenID)
	if err != nil {
		if errors.Is(err, archive.ErrDataIntegrity) {
			log.Error("archive integrity failure", zap.Error(err))
		} else {
			log.Warn("archive token", zap.Error(err))
		}
		return false, err
	}
	if !res.Success {
		log.Info("archive deferred", zap.String("reason", res.Reason))
		return false, nil
	}

	i.mu.Lock()
	delete(i.streaks, tokenID)
	delete(i.pending, tokenID)
	i.mu.Unlock()
	return true, nil
}

func errorKind(err error) string {
	var (
		rl *upstream.RateLimitedError
		se *upstream.StatusError
	)
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &se):
		return "status"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "upstream"
	}
}
