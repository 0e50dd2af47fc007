package stub

import (
	"context"
	"sync"

	"tokenwatch/internal/solana"
)

// HistoryClient implements solana.HistoryClient for testing.
// Transactions are kept per address, newest first.
type HistoryClient struct {
	mu    sync.Mutex
	txs   map[string][]solana.EnhancedTransaction
	errs  map[string]error
	calls []Call
}

// Call records one GetTransactions request.
type Call struct {
	Address string
	Before  string
	Limit   int
}

// NewHistoryClient creates a new stub history client.
func NewHistoryClient() *HistoryClient {
	return &HistoryClient{
		txs:  make(map[string][]solana.EnhancedTransaction),
		errs: make(map[string]error),
	}
}

// Prepend adds transactions newer than everything already stored for address.
// txs must be ordered newest first.
func (c *HistoryClient) Prepend(address string, txs ...solana.EnhancedTransaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[address] = append(append([]solana.EnhancedTransaction{}, txs...), c.txs[address]...)
}

// FailWith makes every request for address return err.
func (c *HistoryClient) FailWith(address string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[address] = err
}

// Calls returns the requests seen so far.
func (c *HistoryClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// GetTransactions returns the page after opts.Before, capped at opts.Limit.
func (c *HistoryClient) GetTransactions(_ context.Context, address string, opts *solana.HistoryOpts) ([]solana.EnhancedTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call := Call{Address: address}
	if opts != nil {
		call.Before = opts.Before
		call.Limit = opts.Limit
	}
	c.calls = append(c.calls, call)

	if err := c.errs[address]; err != nil {
		return nil, err
	}

	all := c.txs[address]
	start := 0
	if call.Before != "" {
		start = len(all)
		for i, tx := range all {
			if tx.Signature == call.Before {
				start = i + 1
				break
			}
		}
	}

	limit := call.Limit
	if limit <= 0 || limit > solana.MaxPageSize {
		limit = solana.MaxPageSize
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]solana.EnhancedTransaction(nil), all[start:end]...), nil
}
