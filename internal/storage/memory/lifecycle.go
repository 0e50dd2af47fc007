package memory

import (
	"context"
	"time"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// Location names the storage area currently holding a token id.
type Location string

const (
	LocationNone       Location = ""
	LocationLive       Location = "live"
	LocationHistory    Location = "history"
	LocationQuarantine Location = "quarantine"
)

// Archive moves a token with its samples and trades into history.
func (s *Store) Archive(_ context.Context, tokenID int64) (domain.MovedCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenID]
	if !ok {
		return domain.MovedCounts{}, storage.ErrNotFound
	}

	moved := domain.MovedCounts{Tokens: 1}
	archived := *t
	archived.State = domain.TokenStateArchived
	s.historyTokens[tokenID] = &archived

	for key, m := range s.samples {
		if key.tokenID == tokenID {
			s.historySamples = append(s.historySamples, m)
			delete(s.samples, key)
			moved.Samples++
		}
	}
	for sig, tr := range s.trades {
		if tr.TokenID == tokenID {
			s.historyTrades = append(s.historyTrades, tr)
			delete(s.trades, sig)
			moved.Trades++
		}
	}
	delete(s.tokens, tokenID)

	return moved, nil
}

// IsArchived reports whether the token exists in history.
func (s *Store) IsArchived(_ context.Context, tokenID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.historyTokens[tokenID]
	return ok, nil
}

// TryLock attempts the process-wide cleaner lock without blocking.
func (s *Store) TryLock(_ context.Context) (func(), bool, error) {
	if !s.cleanerLock.TryLock() {
		return nil, false, nil
	}
	return s.cleanerLock.Unlock, true, nil
}

// FindCandidates returns live tokens matching class, ordered by id.
func (s *Store) FindCandidates(_ context.Context, class domain.CleanupClass, c domain.CleanupCriteria, limit int) ([]domain.CleanupCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := s.sortedTokens(func(t *domain.Token) bool { return s.matches(t, class, c) })

	result := make([]domain.CleanupCandidate, 0, len(tokens))
	for _, t := range tokens {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, domain.CleanupCandidate{
			TokenID:    t.ID,
			Mint:       t.Mint,
			Class:      class,
			Iterations: t.Iterations,
			Flagged:    t.CleanupFlagged,
		})
	}
	return result, nil
}

func (s *Store) matches(t *domain.Token, class domain.CleanupClass, c domain.CleanupCriteria) bool {
	unpaired := t.Pair == nil || *t.Pair == ""

	switch class {
	case domain.CleanupNoPair:
		return unpaired && !t.CreatedAt.After(c.Now.Add(-c.NoPairAge))
	case domain.CleanupNoPrice:
		if t.CreatedAt.After(c.Now.Add(-c.PriceCorridor)) {
			return false
		}
		for key, m := range s.samples {
			if key.tokenID == t.ID && m.PriceUSD > 0 {
				return false
			}
		}
		return true
	case domain.CleanupInactiveNoPair:
		if !unpaired || c.MinSamples <= 0 {
			return false
		}
		var count int
		var minTS, maxTS int64
		for key := range s.samples {
			if key.tokenID != t.ID {
				continue
			}
			if count == 0 || key.ts < minTS {
				minTS = key.ts
			}
			if count == 0 || key.ts > maxTS {
				maxTS = key.ts
			}
			count++
		}
		return count >= c.MinSamples && maxTS-minTS >= int64(c.MinSamples-1)
	case domain.CleanupLowHolders:
		return t.Iterations >= c.HolderIterations && t.HolderCount < c.MinHolders
	case domain.CleanupNoSwapAfterSecondCorridor:
		return t.NoSwapAfterSecondCorridor
	case domain.CleanupZeroTail:
		return t.ZeroTail
	case domain.CleanupFrozenPrice:
		return t.FrozenPrice
	default:
		return false
	}
}

// Flag marks a token for cleanup.
func (s *Store) Flag(_ context.Context, tokenID int64, reason string, iterations int, at time.Time) error {
	return s.mutateToken(tokenID, func(t *domain.Token) {
		t.CleanupFlagged = true
		t.CleanupReason = &reason
		t.CleanupIterations = iterations
		t.CleanupFlaggedAt = &at
	})
}

// Quarantine copies the token and its samples into the bad area and purges live rows.
func (s *Store) Quarantine(_ context.Context, tokenID int64, reason string) (domain.MovedCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[tokenID]; !ok {
		return domain.MovedCounts{}, storage.ErrNotFound
	}

	moved := domain.MovedCounts{Tokens: 1}
	s.badTokens[tokenID] = reason

	for key, m := range s.samples {
		if key.tokenID == tokenID {
			s.badSamples = append(s.badSamples, m)
			delete(s.samples, key)
			moved.Samples++
		}
	}
	for sig, tr := range s.trades {
		if tr.TokenID == tokenID {
			delete(s.trades, sig)
			moved.Trades++
		}
	}
	delete(s.tokens, tokenID)

	return moved, nil
}

// Locate reports which storage areas hold the token id. A consistent store
// always returns exactly one location for a known id.
func (s *Store) Locate(tokenID int64) []Location {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var locs []Location
	if _, ok := s.tokens[tokenID]; ok {
		locs = append(locs, LocationLive)
	}
	if _, ok := s.historyTokens[tokenID]; ok {
		locs = append(locs, LocationHistory)
	}
	if _, ok := s.badTokens[tokenID]; ok {
		locs = append(locs, LocationQuarantine)
	}
	return locs
}

// HistoryCounts returns the number of archived samples and trades for a token.
func (s *Store) HistoryCounts(tokenID int64) (samples, trades int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.historySamples {
		if m.TokenID == tokenID {
			samples++
		}
	}
	for _, t := range s.historyTrades {
		if t.TokenID == tokenID {
			trades++
		}
	}
	return samples, trades
}
