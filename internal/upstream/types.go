package upstream

import "time"

// TokenDescriptor is one token as reported by the discovery/metrics API.
type TokenDescriptor struct {
	ID           string   `json:"id"` // mint address
	Name         string   `json:"name"`
	Symbol       string   `json:"symbol"`
	HolderCount  int      `json:"holderCount"`
	FDV          float64  `json:"fdv"`
	MarketCap    float64  `json:"mcap"`
	USDPrice     float64  `json:"usdPrice"`
	Liquidity    float64  `json:"liquidity"`
	CircSupply   *float64 `json:"circSupply"`
	TotalSupply  *float64 `json:"totalSupply"`
	PriceBlockID *int64   `json:"priceBlockId"`

	Audit     *Audit       `json:"audit,omitempty"`
	Stats5m   *WindowStats `json:"stats5m,omitempty"`
	Stats1h   *WindowStats `json:"stats1h,omitempty"`
	Stats6h   *WindowStats `json:"stats6h,omitempty"`
	Stats24h  *WindowStats `json:"stats24h,omitempty"`
	FirstPool *FirstPool   `json:"firstPool,omitempty"`
}

// Audit carries the token's authority flags.
type Audit struct {
	MintAuthorityDisabled   bool    `json:"mintAuthorityDisabled"`
	FreezeAuthorityDisabled bool    `json:"freezeAuthorityDisabled"`
	TopHoldersPercentage    float64 `json:"topHoldersPercentage"`
}

// WindowStats aggregates trading activity over one window.
type WindowStats struct {
	PriceChange float64 `json:"priceChange"`
	BuyVolume   float64 `json:"buyVolume"`
	SellVolume  float64 `json:"sellVolume"`
	NumBuys     int     `json:"numBuys"`
	NumSells    int     `json:"numSells"`
}

// FirstPool is the first liquidity pool created for the token.
type FirstPool struct {
	ID        string     `json:"id"`
	CreatedAt *time.Time `json:"createdAt"`
}

// PairAddress returns the first pool id, or "" when absent.
func (d *TokenDescriptor) PairAddress() string {
	if d.FirstPool == nil {
		return ""
	}
	return d.FirstPool.ID
}

// ImpliedSupply derives the supply implied by the reported market cap and price.
func (d *TokenDescriptor) ImpliedSupply() *float64 {
	if d.MarketCap <= 0 || d.USDPrice <= 0 {
		return nil
	}
	s := d.MarketCap / d.USDPrice
	return &s
}
