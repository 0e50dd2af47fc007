package domain

import "time"

// TokenState is the lifecycle state of a token.
type TokenState string

const (
	TokenStateLive     TokenState = "live"
	TokenStateArchived TokenState = "archived"
)

// Token represents a discovered tradable asset.
// Corresponds to the tokens table (live) and history.tokens (archived).
type Token struct {
	ID                  int64      // BIGSERIAL primary key
	Mint                string     // mint address, unique
	Pair                *string    // trading-pair address (nullable until resolved)
	PairCreatedAt       *time.Time // pool creation time reported by discovery
	State               TokenState // live | archived
	PairResolveAttempts int        // failed pair-resolution attempts
	Iterations          int        // metric polls recorded for this token
	Name                string
	Symbol              string
	HolderCount         int
	CirculatingSupply   *float64
	TotalSupply         *float64
	ReportedSupply      *float64

	// Cleaner bookkeeping
	CleanupFlagged    bool
	CleanupReason     *string
	CleanupIterations int
	CleanupFlaggedAt  *time.Time

	// Flags written by collaborating components, read-only here
	NoSwapAfterSecondCorridor bool
	ZeroTail                  bool
	FrozenPrice               bool

	PatternLabel *string // classification label written back by the pattern subsystem

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPair reports whether the token has a resolved pair distinct from its mint.
func (t *Token) HasPair() bool {
	return t.Pair != nil && *t.Pair != "" && *t.Pair != t.Mint
}

// PairAddress returns the pair address or an empty string.
func (t *Token) PairAddress() string {
	if t.Pair == nil {
		return ""
	}
	return *t.Pair
}

// TokenStats holds the per-poll statistics the Metrics Poller records on a token.
type TokenStats struct {
	HolderCount       int
	CirculatingSupply *float64
	TotalSupply       *float64
	ReportedSupply    *float64
}

// MarketCapSupply returns the supply used for market cap:
// circulating, then reported, then total.
func (t *Token) MarketCapSupply() (float64, bool) {
	return firstPositive(t.CirculatingSupply, t.ReportedSupply, t.TotalSupply)
}

// FDVSupply returns the supply used for fully-diluted value:
// total, then circulating, then reported.
func (t *Token) FDVSupply() (float64, bool) {
	return firstPositive(t.TotalSupply, t.CirculatingSupply, t.ReportedSupply)
}

func firstPositive(values ...*float64) (float64, bool) {
	for _, v := range values {
		if v != nil && *v > 0 {
			return *v, true
		}
	}
	return 0, false
}
