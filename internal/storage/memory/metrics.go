package memory

import (
	"context"
	"sort"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

// MetricStore is the token_metrics view of a Store.
type MetricStore struct {
	*Store
}

// Upsert writes the market fields of a sample, last-write-wins.
func (s *MetricStore) Upsert(_ context.Context, m *domain.MetricSample) error {
	if m == nil || m.TokenID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sampleKey{m.TokenID, m.Timestamp}
	existing, ok := s.samples[key]
	if !ok {
		cp := *m
		cp.Reconciliation = domain.Reconciliation{}
		s.samples[key] = &cp
		return nil
	}

	existing.PriceUSD = m.PriceUSD
	existing.LiquidityUSD = m.LiquidityUSD
	existing.FDV = m.FDV
	existing.MarketCap = m.MarketCap
	existing.PriceBlockID = m.PriceBlockID
	existing.HolderCount = m.HolderCount
	return nil
}

// Latest retrieves up to n samples for a token, newest first.
func (s *MetricStore) Latest(_ context.Context, tokenID int64, n int) ([]*domain.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.samplesFor(tokenID)
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp > result[j].Timestamp })
	if n > 0 && len(result) > n {
		result = result[:n]
	}
	return result, nil
}

// ListByToken retrieves all samples for a token, oldest first.
func (s *MetricStore) ListByToken(_ context.Context, tokenID int64) ([]*domain.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.samplesFor(tokenID)
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp < result[j].Timestamp })
	return result, nil
}

func (s *Store) samplesFor(tokenID int64) []*domain.MetricSample {
	var result []*domain.MetricSample
	for k, m := range s.samples {
		if k.tokenID == tokenID {
			cp := *m
			result = append(result, &cp)
		}
	}
	return result
}

// UpdateReconciliation overwrites the synchronizer outputs of one sample.
func (s *MetricStore) UpdateReconciliation(_ context.Context, tokenID, ts int64, r domain.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.samples[sampleKey{tokenID, ts}]
	if !ok {
		return storage.ErrNotFound
	}
	m.Reconciliation = r
	return nil
}

// ListUnreconciled retrieves never-reconciled samples with a trade inside the slot window.
func (s *MetricStore) ListUnreconciled(_ context.Context, window int64, limit int) ([]*domain.MetricSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.MetricSample
	for _, m := range s.samples {
		if m.SyncedAt != nil || m.PriceBlockID == nil {
			continue
		}
		j := *m.PriceBlockID
		for _, t := range s.trades {
			if t.TokenID == m.TokenID && t.Slot >= j-window && t.Slot <= j+window {
				cp := *m
				result = append(result, &cp)
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp > result[j].Timestamp
		}
		return result[i].TokenID < result[j].TokenID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// FillResolved writes a trade-derived sample without overwriting non-zero market fields.
func (s *MetricStore) FillResolved(_ context.Context, m *domain.MetricSample) error {
	if m == nil || m.TokenID == 0 {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sampleKey{m.TokenID, m.Timestamp}
	existing, ok := s.samples[key]
	if !ok {
		cp := *m
		cp.Reconciliation = domain.Reconciliation{}
		s.samples[key] = &cp
		return nil
	}

	existing.PriceUSD = m.PriceUSD
	if existing.LiquidityUSD == 0 {
		existing.LiquidityUSD = m.LiquidityUSD
	}
	if existing.FDV == 0 {
		existing.FDV = m.FDV
	}
	if existing.MarketCap == 0 {
		existing.MarketCap = m.MarketCap
	}
	return nil
}
