// Package solana is the client for parsed Solana transaction history.
package solana

import "context"

// Chain constants used by the trade parser.
const (
	WrappedSOLMint = "So11111111111111111111111111111111111111112"
	LamportsPerSOL = 1_000_000_000

	// MaxPageSize is the largest page the history API serves.
	MaxPageSize = 100

	// TxTypeWithdraw is the upstream classification for liquidity withdrawals.
	TxTypeWithdraw = "WITHDRAW"
)

// HistoryClient fetches parsed transaction history for an address, newest first.
type HistoryClient interface {
	GetTransactions(ctx context.Context, address string, opts *HistoryOpts) ([]EnhancedTransaction, error)
}

// HistoryOpts paginates a history request.
type HistoryOpts struct {
	Before string // return transactions strictly older than this signature
	Limit  int
}

// EnhancedTransaction is one parsed transaction from the history API.
type EnhancedTransaction struct {
	Signature       string           `json:"signature"`
	Slot            int64            `json:"slot"`
	Timestamp       int64            `json:"timestamp"` // Unix seconds
	Type            string           `json:"type"`
	Source          string           `json:"source,omitempty"`
	TokenTransfers  []TokenTransfer  `json:"tokenTransfers"`
	NativeTransfers []NativeTransfer `json:"nativeTransfers"`
}

// TokenTransfer is an SPL token movement inside a transaction. Amount is in UI units.
type TokenTransfer struct {
	Mint            string  `json:"mint"`
	FromUserAccount string  `json:"fromUserAccount"`
	ToUserAccount   string  `json:"toUserAccount"`
	TokenAmount     float64 `json:"tokenAmount"`
}

// NativeTransfer is a SOL movement in lamports.
type NativeTransfer struct {
	FromUserAccount string `json:"fromUserAccount"`
	ToUserAccount   string `json:"toUserAccount"`
	Amount          int64  `json:"amount"`
}
