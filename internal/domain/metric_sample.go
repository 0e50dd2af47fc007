package domain

import "time"

// MetricSample is one per-second market observation for a token.
// Corresponds to token_metrics table, unique on (token_id, ts).
type MetricSample struct {
	TokenID      int64
	Timestamp    int64 // Unix timestamp in seconds
	PriceUSD     float64
	LiquidityUSD float64
	FDV          float64
	MarketCap    float64
	PriceBlockID *int64 // loosely-ordered batch id from the metrics source
	HolderCount  int

	Reconciliation
}

// Reconciliation holds the Slot Synchronizer outputs written in place on a sample.
type Reconciliation struct {
	MedianAmountSOL   *float64
	MedianAmountUSD   *float64
	MedianTokenAmount *float64
	MedianTradePrice  *float64
	BuyCount          int
	SellCount         int
	BuyUSD            float64
	SellUSD           float64
	SyncedAt          *time.Time
}

// Reconciled reports whether the synchronizer has written this sample.
func (m *MetricSample) Reconciled() bool {
	return m.SyncedAt != nil
}
