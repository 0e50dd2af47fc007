package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage/memory"
)

func block(v int64) *int64 { return &v }

type fixture struct {
	store *memory.Store
	sync  *Synchronizer
	token int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.NewStore()
	id, _, err := s.UpsertDiscovered(context.Background(), &domain.Token{Mint: "mint"})
	require.NoError(t, err)

	sy := New(Options{Metrics: s.Metrics(), Trades: s.Trades(), Window: 10})
	sy.now = func() time.Time { return time.Unix(5000, 0) }
	return &fixture{store: s, sync: sy, token: id}
}

func (f *fixture) sample(t *testing.T, ts int64, priceBlock int64) {
	t.Helper()
	require.NoError(t, f.store.Metrics().Upsert(context.Background(), &domain.MetricSample{
		TokenID:      f.token,
		Timestamp:    ts,
		PriceUSD:     1,
		PriceBlockID: block(priceBlock),
	}))
}

func (f *fixture) trade(t *testing.T, sig string, slot int64, dir domain.TradeDirection, usd float64) {
	t.Helper()
	_, err := f.store.Trades().Insert(context.Background(), &domain.Trade{
		TokenID:     f.token,
		Signature:   sig,
		Timestamp:   slot,
		Direction:   dir,
		TokenAmount: 100,
		SOLAmount:   usd / 100,
		USDAmount:   usd,
		PriceUSD:    usd / 100,
		Slot:        slot,
	})
	require.NoError(t, err)
}

func (f *fixture) sampleAt(t *testing.T, ts int64) *domain.MetricSample {
	t.Helper()
	all, err := f.store.Metrics().ListByToken(context.Background(), f.token)
	require.NoError(t, err)
	for _, m := range all {
		if m.Timestamp == ts {
			return m
		}
	}
	t.Fatalf("sample %d not found", ts)
	return nil
}

func TestSynchronize_WindowMatch(t *testing.T) {
	f := newFixture(t)
	f.sample(t, 100, 1000)
	f.trade(t, "near", 1004, domain.TradeBuy, 50)
	f.trade(t, "far", 2000, domain.TradeSell, 80)

	n, err := f.sync.Synchronize(context.Background(), f.token, 1004)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m := f.sampleAt(t, 100)
	assert.Equal(t, 1, m.BuyCount)
	assert.Equal(t, 0, m.SellCount)
	assert.Equal(t, 50.0, m.BuyUSD)
	require.NotNil(t, m.MedianAmountUSD)
	assert.Equal(t, 50.0, *m.MedianAmountUSD)
	assert.True(t, m.Reconciled())
}

func TestSynchronize_SlotOutsideWindowIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.sample(t, 100, 1000)
	f.trade(t, "far", 2000, domain.TradeSell, 80)

	n, err := f.sync.Synchronize(context.Background(), f.token, 2000)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.sampleAt(t, 100).Reconciled())
}

func TestSynchronize_OnlyRecentSamples(t *testing.T) {
	f := newFixture(t)
	for i := int64(0); i < 5; i++ {
		f.sample(t, 100+i, 1000)
	}
	f.trade(t, "a", 1001, domain.TradeBuy, 10)

	n, err := f.sync.Synchronize(context.Background(), f.token, 1001)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, f.sampleAt(t, 100).Reconciled())
	assert.True(t, f.sampleAt(t, 104).Reconciled())
}

func TestSynchronize_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.sample(t, 100, 1000)
	f.trade(t, "a", 995, domain.TradeBuy, 10)
	f.trade(t, "b", 1003, domain.TradeSell, 30)

	_, err := f.sync.Synchronize(context.Background(), f.token, 1003)
	require.NoError(t, err)
	first := f.sampleAt(t, 100).Reconciliation

	_, err = f.sync.Synchronize(context.Background(), f.token, 1003)
	require.NoError(t, err)
	assert.Equal(t, first, f.sampleAt(t, 100).Reconciliation)
}

func TestSynchronizeAll_Sweep(t *testing.T) {
	f := newFixture(t)
	f.sample(t, 100, 1000)
	f.sample(t, 101, 5000)
	f.trade(t, "a", 1002, domain.TradeBuy, 10)

	n, err := f.sync.SynchronizeAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.sampleAt(t, 100).Reconciled())
	assert.False(t, f.sampleAt(t, 101).Reconciled())

	n, err = f.sync.SynchronizeAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n, "already reconciled samples are not swept again")
}

func TestReconcile(t *testing.T) {
	r := Reconcile([]*domain.Trade{
		{Direction: domain.TradeBuy, USDAmount: 10, SOLAmount: 0.1, TokenAmount: 5, PriceUSD: 2},
		{Direction: domain.TradeBuy, USDAmount: 30, SOLAmount: 0.3, TokenAmount: 15, PriceUSD: 2},
		{Direction: domain.TradeSell, USDAmount: 20, SOLAmount: 0.2, TokenAmount: 0, PriceUSD: 4},
		{Direction: domain.TradeWithdraw, USDAmount: 999},
	})

	assert.Equal(t, 2, r.BuyCount)
	assert.Equal(t, 1, r.SellCount)
	assert.Equal(t, 40.0, r.BuyUSD)
	assert.Equal(t, 20.0, r.SellUSD)
	assert.Equal(t, 20.0, *r.MedianAmountUSD)
	assert.Equal(t, 10.0, *r.MedianTokenAmount, "zero token amount ignored")
	assert.Equal(t, 2.0, *r.MedianTradePrice)
	assert.Nil(t, r.SyncedAt)
}

func TestMedian(t *testing.T) {
	assert.Nil(t, median(nil))
	assert.Nil(t, median([]float64{0, -1}))
	assert.Equal(t, 2.0, *median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, *median([]float64{4, 1, 2, 3, -5}))
}
