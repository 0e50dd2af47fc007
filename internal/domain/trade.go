package domain

// TradeDirection is the direction of a parsed swap.
type TradeDirection string

const (
	TradeBuy      TradeDirection = "buy"
	TradeSell     TradeDirection = "sell"
	TradeWithdraw TradeDirection = "withdraw"
)

// IsValid checks if the direction is a known value.
func (d TradeDirection) IsValid() bool {
	return d == TradeBuy || d == TradeSell || d == TradeWithdraw
}

// Trade is one parsed swap. Signature is the natural idempotency key.
// Corresponds to trades table; never mutated after insert.
type Trade struct {
	ID          int64 // BIGSERIAL, insertion order
	TokenID     int64
	Signature   string
	Timestamp   int64  // Unix timestamp in seconds
	Time        string // RFC3339, UTC
	Direction   TradeDirection
	TokenAmount float64
	SOLAmount   float64
	USDAmount   float64
	PriceUSD    float64
	Slot        int64 // chain slot, unrelated to MetricSample.PriceBlockID
}
