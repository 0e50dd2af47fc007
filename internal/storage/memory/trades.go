package memory

import (
	"context"
	"sort"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// TradeStore is the trades view of a Store.
type TradeStore struct {
	*Store
}

// Insert adds a trade. Duplicate signatures are a no-op.
func (s *TradeStore) Insert(_ context.Context, t *domain.Trade) (bool, error) {
	if t == nil || t.Signature == "" || t.TokenID == 0 {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.trades[t.Signature]; exists {
		return false, nil
	}

	s.nextTradeID++
	cp := *t
	cp.ID = s.nextTradeID
	s.trades[cp.Signature] = &cp
	return true, nil
}

// LatestSignature returns the signature of the most recent trade for a token.
func (s *TradeStore) LatestSignature(_ context.Context, tokenID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := s.tradesFor(tokenID, func(*domain.Trade) bool { return true })
	if len(trades) == 0 {
		return "", nil
	}
	return trades[len(trades)-1].Signature, nil
}

// ListByToken retrieves all trades for a token in chronological order.
func (s *TradeStore) ListByToken(_ context.Context, tokenID int64) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tradesFor(tokenID, func(*domain.Trade) bool { return true }), nil
}

// ListBySlotRange retrieves trades for a token with slot in [from, to].
func (s *TradeStore) ListBySlotRange(_ context.Context, tokenID, from, to int64) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.tradesFor(tokenID, func(t *domain.Trade) bool {
		return t.Slot >= from && t.Slot <= to
	}), nil
}

// CountByToken returns the number of stored trades for a token.
func (s *TradeStore) CountByToken(_ context.Context, tokenID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.tradesFor(tokenID, func(*domain.Trade) bool { return true })), nil
}

func (s *Store) tradesFor(tokenID int64, keep func(*domain.Trade) bool) []*domain.Trade {
	var result []*domain.Trade
	for _, t := range s.trades {
		if t.TokenID == tokenID && keep(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortTrades(result)
	return result
}

func sortTrades(trades []*domain.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].Timestamp != trades[j].Timestamp {
			return trades[i].Timestamp < trades[j].Timestamp
		}
		if trades[i].Slot != trades[j].Slot {
			return trades[i].Slot < trades[j].Slot
		}
		return trades[i].ID < trades[j].ID
	})
}
