package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenwatch/internal/archive"
	"tokenwatch/internal/domain"
	"tokenwatch/internal/events"
	"tokenwatch/internal/solana"
	"tokenwatch/internal/solana/stub"
	"tokenwatch/internal/storage/memory"
	"tokenwatch/internal/syncer"
	"tokenwatch/internal/upstream"
)

type fixedPrice float64

func (p fixedPrice) Get() float64 { return float64(p) }

type recordingSink struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (s *recordingSink) WriteTrades(_ context.Context, trades []*domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trades...)
	return nil
}

type env struct {
	store   *memory.Store
	history *stub.HistoryClient
	events  *events.Recorder
	sink    *recordingSink
}

func newEnv() *env {
	return &env{
		store:   memory.NewStore(),
		history: stub.NewHistoryClient(),
		events:  &events.Recorder{},
		sink:    &recordingSink{},
	}
}

func (e *env) token(t *testing.T, mint, pair string) int64 {
	t.Helper()
	p := pair
	id, _, err := e.store.UpsertDiscovered(context.Background(), &domain.Token{Mint: mint, Pair: &p})
	require.NoError(t, err)
	return id
}

func (e *env) ingester(opts Options) *Ingester {
	opts.History = e.history
	opts.Tokens = e.store
	opts.Trades = e.store.Trades()
	opts.RefPrice = fixedPrice(100)
	opts.Sink = e.sink
	if opts.Archiver == nil {
		opts.Archiver = archive.New(archive.Options{Store: e.store, Tokens: e.store, Ledger: e.store, Events: e.events})
	}
	return New(opts)
}

func (e *env) count(t *testing.T, id int64) int {
	t.Helper()
	n, err := e.store.Trades().CountByToken(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestTick_ReplayInsertsOnlyNewTrades(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	ing := e.ingester(Options{})

	e.history.Prepend(pairA,
		buyTx("C", 103, mintA, pairA, 1, 10),
		buyTx("B", 102, mintA, pairA, 1, 10),
		buyTx("A", 101, mintA, pairA, 1, 10),
	)
	res, err := ing.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	e.history.Prepend(pairA, buyTx("D", 104, mintA, pairA, 1, 10))
	res, err = ing.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 4, e.count(t, id))

	calls := e.history.Calls()
	assert.Equal(t, solana.MaxPageSize, calls[0].Limit, "first fetch uses max page")
	assert.Equal(t, DefaultSmallPageSize, calls[len(calls)-1].Limit, "catch-up uses small page")
	assert.Len(t, e.sink.trades, 4)
}

func TestTick_IdempotentUnderReplayedPage(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	e.history.Prepend(pairA, buyTx("B", 2, mintA, pairA, 1, 1), buyTx("A", 1, mintA, pairA, 1, 1))

	for range 2 {
		_, err := New(Options{
			History:  e.history,
			Tokens:   e.store,
			Trades:   e.store.Trades(),
			RefPrice: fixedPrice(1),
		}).Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, e.count(t, id))
}

func TestTick_PagesUntilShortPage(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	txs := make([]solana.EnhancedTransaction, 0, 150)
	for i := 150; i >= 1; i-- {
		txs = append(txs, buyTx(signature(i), int64(i), mintA, pairA, 1, 1))
	}
	e.history.Prepend(pairA, txs...)

	res, err := e.ingester(Options{}).Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tokens, 1)
	assert.Equal(t, 2, res.Tokens[0].Pages)
	assert.Equal(t, 150, e.count(t, id))

	calls := e.history.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, signature(51), calls[1].Before)
}

func signature(i int) string {
	return "sig-" + time.Unix(int64(i), 0).UTC().Format("150405")
}

func TestTick_StopsAtKnownSignature(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	ing := e.ingester(Options{SmallPageSize: 2, MaxPages: 10})

	e.history.Prepend(pairA, buyTx("A", 1, mintA, pairA, 1, 1))
	_, err := ing.Tick(context.Background())
	require.NoError(t, err)

	e.history.Prepend(pairA,
		buyTx("D", 4, mintA, pairA, 1, 1),
		buyTx("C", 3, mintA, pairA, 1, 1),
		buyTx("B", 2, mintA, pairA, 1, 1),
	)
	res, err := ing.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 2, res.Tokens[0].Pages)
	assert.Equal(t, 4, e.count(t, id))

	trades, err := e.store.Trades().ListByToken(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "D", trades[len(trades)-1].Signature)
}

func TestTick_WithdrawArchivesToken(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	e.history.Prepend(pairA, withdrawTx("W", 9, mintA, pairA), buyTx("A", 8, mintA, pairA, 1, 1))

	res, err := e.ingester(Options{}).Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Tokens, 1)
	assert.True(t, res.Tokens[0].HistoryComplete)
	assert.True(t, res.Tokens[0].Archived)
	assert.Equal(t, []memory.Location{memory.LocationHistory}, e.store.Locate(id))
	assert.Len(t, e.events.OfType(events.TokenArchived), 1)
}

func TestTick_WithdrawWithOpenPositionKeepsTokenLive(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	e.store.OpenPosition(id)
	e.history.Prepend(pairA, withdrawTx("W", 9, mintA, pairA))

	res, err := e.ingester(Options{}).Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Tokens[0].HistoryComplete)
	assert.False(t, res.Tokens[0].Archived)
	assert.Equal(t, []memory.Location{memory.LocationLive}, e.store.Locate(id))
}

func TestTick_RefusedWithdrawArchivedOncePositionCloses(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	e.store.OpenPosition(id)
	e.history.Prepend(pairA, withdrawTx("W", 9, mintA, pairA))
	ing := e.ingester(Options{})

	res, err := ing.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Tokens[0].HistoryComplete)
	assert.False(t, res.Tokens[0].Archived)

	res, err = ing.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Tokens[0].Inserted)
	assert.True(t, res.Tokens[0].HistoryComplete, "withdraw stays pending without a streak threshold")
	assert.False(t, res.Tokens[0].Archived)
	assert.Equal(t, []memory.Location{memory.LocationLive}, e.store.Locate(id))

	e.store.ClosePosition(id)
	res, err = ing.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Tokens[0].Archived)
	assert.Equal(t, []memory.Location{memory.LocationHistory}, e.store.Locate(id))
	assert.Len(t, e.events.OfType(events.TokenArchived), 1)
}

func TestTick_ZeroStreakCompletesHistory(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	e.history.Prepend(pairA, buyTx("A", 1, mintA, pairA, 1, 1))
	ing := e.ingester(Options{ZeroStreakThreshold: 2})

	for tick := 1; tick <= 2; tick++ {
		res, err := ing.Tick(context.Background())
		require.NoError(t, err)
		assert.False(t, res.Tokens[0].HistoryComplete, "tick %d", tick)
	}

	res, err := ing.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Tokens[0].HistoryComplete)
	assert.Equal(t, []memory.Location{memory.LocationHistory}, e.store.Locate(id))
}

func TestTick_RotatesBatch(t *testing.T) {
	e := newEnv()
	a := e.token(t, mintA, pairA)
	b := e.token(t, mintB, pairB)
	ing := e.ingester(Options{BatchSize: 1})

	var seen []int64
	for range 3 {
		res, err := ing.Tick(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Tokens, 1)
		seen = append(seen, res.Tokens[0].TokenID)
	}
	assert.Equal(t, []int64{a, b, a}, seen)
}

func TestTick_SkipsTokensWithoutUsablePair(t *testing.T) {
	e := newEnv()
	e.token(t, mintA, mintA)
	_, _, err := e.store.UpsertDiscovered(context.Background(), &domain.Token{Mint: mintB})
	require.NoError(t, err)

	res, err := e.ingester(Options{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Tokens)
	assert.Empty(t, e.history.Calls())
}

func TestTick_RequestBudgetCapsBatch(t *testing.T) {
	ing := New(Options{BatchSize: 25, RequestsPerSecond: 2, TickBudget: 1500 * time.Millisecond})
	assert.Equal(t, 3, ing.batchLimit())

	ing = New(Options{BatchSize: 25, RequestsPerSecond: 0.1, TickBudget: time.Second})
	assert.Equal(t, 1, ing.batchLimit())
}

func TestTick_TokenFailureDoesNotStopOthers(t *testing.T) {
	e := newEnv()
	e.token(t, mintA, pairA)
	b := e.token(t, mintB, pairB)
	e.history.FailWith(pairA, &upstream.StatusError{StatusCode: 502})
	e.history.Prepend(pairB, buyTx("B1", 1, mintB, pairB, 1, 1))

	res, err := e.ingester(Options{}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, e.count(t, b))
}

func TestTick_RateLimitIsReturned(t *testing.T) {
	e := newEnv()
	e.token(t, mintA, pairA)
	e.history.FailWith(pairA, &upstream.RateLimitedError{RetryAfter: time.Second})

	_, err := e.ingester(Options{}).Tick(context.Background())
	var rl *upstream.RateLimitedError
	assert.ErrorAs(t, err, &rl)
}

func TestTick_SkipTalliesAndSync(t *testing.T) {
	e := newEnv()
	id := e.token(t, mintA, pairA)
	pb := int64(1000)
	require.NoError(t, e.store.Metrics().Upsert(context.Background(), &domain.MetricSample{
		TokenID: id, Timestamp: 50, PriceUSD: 1, PriceBlockID: &pb,
	}))
	e.history.Prepend(pairA,
		buyTx("ok", 1004, mintA, pairA, 1, 10),
		buyTx("other", 1003, mintB, pairB, 1, 10),
	)

	sy := syncer.New(syncer.Options{Metrics: e.store.Metrics(), Trades: e.store.Trades(), Window: 10})
	res, err := e.ingester(Options{Synchronizer: sy}).Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped[SkipNoBaseLeg])

	samples, err := e.store.Metrics().ListByToken(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 1, samples[0].BuyCount)
	assert.True(t, samples[0].Reconciled())
}
