package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

func ptr[T any](v T) *T {
	return &v
}

func TestStore_UpsertDiscovered(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	id, created, err := s.UpsertDiscovered(ctx, &domain.Token{Mint: "M1", Name: "One"})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.UpsertDiscovered(ctx, &domain.Token{Mint: "M1", Pair: ptr("P1")})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	tok, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "One", tok.Name)
	assert.Equal(t, "P1", tok.PairAddress())

	_, _, err = s.UpsertDiscovered(ctx, &domain.Token{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestTradeStore_Idempotent(t *testing.T) {
	ctx := context.Background()
	trades := NewStore().Trades()

	tr := &domain.Trade{TokenID: 1, Signature: "s1", Timestamp: 10, Slot: 5, Direction: domain.TradeBuy}
	ok, err := trades.Insert(ctx, tr)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = trades.Insert(ctx, tr)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := trades.CountByToken(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetricStore_UpsertKeepsReconciliation(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	metrics := s.Metrics()

	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 100, PriceUSD: 1, PriceBlockID: ptr(int64(50))}))
	synced := time.Unix(200, 0)
	require.NoError(t, metrics.UpdateReconciliation(ctx, 1, 100, domain.Reconciliation{BuyCount: 2, SyncedAt: &synced}))
	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 100, PriceUSD: 3}))

	got, err := metrics.Latest(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 3.0, got[0].PriceUSD, 1e-9)
	assert.Equal(t, 2, got[0].BuyCount)
	assert.True(t, got[0].Reconciled())
}

func TestMetricStore_ListUnreconciled(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	metrics, trades := s.Metrics(), s.Trades()

	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 100, PriceBlockID: ptr(int64(1000))}))
	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 101, PriceBlockID: ptr(int64(2000))}))
	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 102}))
	_, err := trades.Insert(ctx, &domain.Trade{TokenID: 1, Signature: "x", Slot: 1003})
	require.NoError(t, err)

	got, err := metrics.ListUnreconciled(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(100), got[0].Timestamp)

	got, err = metrics.ListUnreconciled(ctx, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMetricStore_FillResolved(t *testing.T) {
	ctx := context.Background()
	metrics := NewStore().Metrics()

	require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 5, PriceUSD: 1, LiquidityUSD: 40}))
	require.NoError(t, metrics.FillResolved(ctx, &domain.MetricSample{TokenID: 1, Timestamp: 5, PriceUSD: 2, LiquidityUSD: 99, FDV: 10, MarketCap: 8}))

	got, err := metrics.ListByToken(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 2.0, got[0].PriceUSD, 1e-9)
	assert.InDelta(t, 40.0, got[0].LiquidityUSD, 1e-9)
	assert.InDelta(t, 10.0, got[0].FDV, 1e-9)
	assert.InDelta(t, 8.0, got[0].MarketCap, 1e-9)
}

func TestStore_ArchiveAndQuarantineAreExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	metrics, trades := s.Metrics(), s.Trades()

	a, _, err := s.UpsertDiscovered(ctx, &domain.Token{Mint: "A", Pair: ptr("PA")})
	require.NoError(t, err)
	b, _, err := s.UpsertDiscovered(ctx, &domain.Token{Mint: "B"})
	require.NoError(t, err)

	for _, id := range []int64{a, b} {
		require.NoError(t, metrics.Upsert(ctx, &domain.MetricSample{TokenID: id, Timestamp: 1}))
		_, err := trades.Insert(ctx, &domain.Trade{TokenID: id, Signature: fmt.Sprintf("sig-%d", id)})
		require.NoError(t, err)
	}

	moved, err := s.Archive(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, domain.MovedCounts{Tokens: 1, Samples: 1, Trades: 1}, moved)
	assert.Equal(t, []Location{LocationHistory}, s.Locate(a))
	samples, tr := s.HistoryCounts(a)
	assert.Equal(t, 1, samples)
	assert.Equal(t, 1, tr)

	moved, err = s.Quarantine(ctx, b, "no_pair")
	require.NoError(t, err)
	assert.Equal(t, domain.MovedCounts{Tokens: 1, Samples: 1, Trades: 1}, moved)
	assert.Equal(t, []Location{LocationQuarantine}, s.Locate(b))

	_, err = s.Archive(ctx, b)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_FindCandidates(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_800_000_000, 0)
	s := NewStore().WithClock(func() time.Time { return now.Add(-2 * time.Hour) })

	old, _, _ := s.UpsertDiscovered(ctx, &domain.Token{Mint: "Old"})
	paired, _, _ := s.UpsertDiscovered(ctx, &domain.Token{Mint: "Paired", Pair: ptr("PP")})
	require.NoError(t, s.SetExternalFlags(paired, false, false, true))

	c := domain.CleanupCriteria{Now: now, NoPairAge: time.Hour, PriceCorridor: time.Hour, MinSamples: 3}

	got, err := s.FindCandidates(ctx, domain.CleanupNoPair, c, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, old, got[0].TokenID)

	got, err = s.FindCandidates(ctx, domain.CleanupFrozenPrice, c, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, paired, got[0].TokenID)

	got, err = s.FindCandidates(ctx, domain.CleanupNoPrice, c, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_TryLock(t *testing.T) {
	s := NewStore()

	release, ok, err := s.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	release2, ok, err := s.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
