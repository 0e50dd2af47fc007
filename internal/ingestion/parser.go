package ingestion

import (
	"math"
	"time"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/solana"
)

// SkipReason explains why a transaction produced no trade.
type SkipReason string

const (
	SkipNoSignature SkipReason = "no_signature"
	SkipNoBaseLeg   SkipReason = "no_base_leg"
	SkipNoQuoteLeg  SkipReason = "no_quote_leg"
	SkipZeroAmount  SkipReason = "zero_token_amount"
)

// ParseOutcome is the result of parsing one transaction: a trade, or the
// reason it was dropped.
type ParseOutcome struct {
	Trade *domain.Trade
	Skip  SkipReason
}

// OK reports whether the outcome carries a trade.
func (o ParseOutcome) OK() bool {
	return o.Trade != nil
}

func skip(r SkipReason) ParseOutcome {
	return ParseOutcome{Skip: r}
}

// quoteLeg is the SOL side of a swap.
type quoteLeg struct {
	amount   float64 // SOL
	from, to string
}

// ParseTransaction turns a history entry into a trade for tok. solUSD values
// the SOL leg; callers pass the fallback price when no live price is cached.
//
// The base leg is the transfer of tok's mint. The quote leg is a wrapped SOL
// transfer, else a native transfer. Quote flowing into the pair is a buy,
// out of it a sell; otherwise the base leg's direction relative to the pair
// decides. The upstream WITHDRAW type always wins.
func ParseTransaction(tx *solana.EnhancedTransaction, tok *domain.Token, solUSD float64) ParseOutcome {
	if tx.Signature == "" {
		return skip(SkipNoSignature)
	}

	pair := tok.PairAddress()
	base, ok := baseLeg(tx, tok.Mint, pair)
	if !ok {
		return skip(SkipNoBaseLeg)
	}
	quote, hasQuote := findQuoteLeg(tx, pair)

	withdraw := tx.Type == solana.TxTypeWithdraw
	if !withdraw {
		if !hasQuote {
			return skip(SkipNoQuoteLeg)
		}
		if base.TokenAmount == 0 {
			return skip(SkipZeroAmount)
		}
	}

	t := &domain.Trade{
		TokenID:     tok.ID,
		Signature:   tx.Signature,
		Timestamp:   tx.Timestamp,
		Time:        time.Unix(tx.Timestamp, 0).UTC().Format(time.RFC3339),
		Direction:   direction(withdraw, base, quote, hasQuote, pair),
		TokenAmount: math.Abs(base.TokenAmount),
		Slot:        tx.Slot,
	}
	if hasQuote {
		t.SOLAmount = quote.amount
		t.USDAmount = quote.amount * solUSD
		if t.TokenAmount > 0 {
			t.PriceUSD = t.USDAmount / t.TokenAmount
		}
	}
	return ParseOutcome{Trade: t}
}

// baseLeg picks the mint transfer touching the pair, else the first one.
func baseLeg(tx *solana.EnhancedTransaction, mint, pair string) (solana.TokenTransfer, bool) {
	var (
		first solana.TokenTransfer
		found bool
	)
	for _, tt := range tx.TokenTransfers {
		if tt.Mint != mint {
			continue
		}
		if pair != "" && (tt.FromUserAccount == pair || tt.ToUserAccount == pair) {
			return tt, true
		}
		if !found {
			first, found = tt, true
		}
	}
	return first, found
}

// findQuoteLeg prefers wrapped SOL, then native transfers; either kind
// touching the pair beats one that does not.
func findQuoteLeg(tx *solana.EnhancedTransaction, pair string) (quoteLeg, bool) {
	var wrapped []quoteLeg
	for _, tt := range tx.TokenTransfers {
		if tt.Mint == solana.WrappedSOLMint && tt.TokenAmount != 0 {
			wrapped = append(wrapped, quoteLeg{amount: math.Abs(tt.TokenAmount), from: tt.FromUserAccount, to: tt.ToUserAccount})
		}
	}
	if q, ok := pick(wrapped, pair); ok {
		return q, true
	}

	var native []quoteLeg
	for _, nt := range tx.NativeTransfers {
		if nt.Amount != 0 {
			sol := math.Abs(float64(nt.Amount)) / solana.LamportsPerSOL
			native = append(native, quoteLeg{amount: sol, from: nt.FromUserAccount, to: nt.ToUserAccount})
		}
	}
	return pick(native, pair)
}

// pick returns the leg touching pair, else the largest leg.
func pick(legs []quoteLeg, pair string) (quoteLeg, bool) {
	if len(legs) == 0 {
		return quoteLeg{}, false
	}
	best := legs[0]
	for _, l := range legs {
		if pair != "" && (l.from == pair || l.to == pair) {
			return l, true
		}
		if l.amount > best.amount {
			best = l
		}
	}
	return best, true
}

func direction(withdraw bool, base solana.TokenTransfer, quote quoteLeg, hasQuote bool, pair string) domain.TradeDirection {
	switch {
	case withdraw:
		return domain.TradeWithdraw
	case hasQuote && pair != "" && quote.to == pair:
		return domain.TradeBuy
	case hasQuote && pair != "" && quote.from == pair:
		return domain.TradeSell
	}

	// Ambiguous quote leg: signed token amount from the trader's side.
	amount := base.TokenAmount
	if pair != "" && base.ToUserAccount == pair {
		amount = -math.Abs(amount)
	} else if pair != "" && base.FromUserAccount == pair {
		amount = math.Abs(amount)
	}
	if amount < 0 {
		return domain.TradeSell
	}
	return domain.TradeBuy
}
