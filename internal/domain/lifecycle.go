package domain

import "time"

// MovedCounts reports how many rows a lifecycle migration moved.
type MovedCounts struct {
	Tokens  int
	Samples int
	Trades  int
}

// CleanupClass identifies why a token became a Cleaner candidate.
type CleanupClass string

const (
	CleanupNoPair                    CleanupClass = "no_pair"
	CleanupNoPrice                   CleanupClass = "no_price"
	CleanupInactiveNoPair            CleanupClass = "inactive_no_pair"
	CleanupLowHolders                CleanupClass = "low_holders"
	CleanupNoSwapAfterSecondCorridor CleanupClass = "no_swap_after_second_corridor"
	CleanupZeroTail                  CleanupClass = "zero_tail"
	CleanupFrozenPrice               CleanupClass = "frozen_price"
)

// CleanupClasses lists every class in query order.
var CleanupClasses = []CleanupClass{
	CleanupNoPair,
	CleanupNoPrice,
	CleanupInactiveNoPair,
	CleanupLowHolders,
	CleanupNoSwapAfterSecondCorridor,
	CleanupZeroTail,
	CleanupFrozenPrice,
}

// CleanupCandidate is a live token matched by one cleanup class.
type CleanupCandidate struct {
	TokenID    int64
	Mint       string
	Class      CleanupClass
	Iterations int
	Flagged    bool
}

// CleanupCriteria carries the thresholds used to select candidates.
type CleanupCriteria struct {
	Now              time.Time
	NoPairAge        time.Duration // (a) pair never resolved within this age
	PriceCorridor    time.Duration // (b) no positive price after this age
	MinSamples       int           // (c) K samples spanning >= K-1 seconds without a pair
	HolderIterations int           // (d) iterations lived
	MinHolders       int           // (d) minimum holder count to reach
}
