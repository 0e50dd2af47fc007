// Package memory provides in-memory implementations of the storage interfaces.
// A single Store backs every interface so lifecycle moves see all tables at once.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/storage"
)

type sampleKey struct {
	tokenID int64
	ts      int64
}

// Store is an in-memory implementation of the token, archive, cleanup and
// position-ledger stores. Metrics and Trades expose views over the same data.
type Store struct {
	mu sync.RWMutex

	nextTokenID int64
	nextTradeID int64

	tokens  map[int64]*domain.Token
	samples map[sampleKey]*domain.MetricSample
	trades  map[string]*domain.Trade // keyed by signature

	historyTokens  map[int64]*domain.Token
	historySamples []*domain.MetricSample
	historyTrades  []*domain.Trade

	badTokens  map[int64]string // token id -> removal reason
	badSamples []*domain.MetricSample

	positions map[int64]bool

	cleanerLock sync.Mutex

	now func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tokens:        make(map[int64]*domain.Token),
		samples:       make(map[sampleKey]*domain.MetricSample),
		trades:        make(map[string]*domain.Trade),
		historyTokens: make(map[int64]*domain.Token),
		badTokens:     make(map[int64]string),
		positions:     make(map[int64]bool),
		now:           time.Now,
	}
}

// Metrics returns the metric-sample view of the store.
func (s *Store) Metrics() *MetricStore {
	return &MetricStore{Store: s}
}

// Trades returns the trade view of the store.
func (s *Store) Trades() *TradeStore {
	return &TradeStore{Store: s}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

var (
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.MetricStore    = (*MetricStore)(nil)
	_ storage.TradeStore     = (*TradeStore)(nil)
	_ storage.ArchiveStore   = (*Store)(nil)
	_ storage.CleanupStore   = (*Store)(nil)
	_ storage.PositionLedger = (*Store)(nil)
)

// ---- tokens ----

// UpsertDiscovered inserts a token by mint or refreshes its descriptive fields.
func (s *Store) UpsertDiscovered(_ context.Context, t *domain.Token) (int64, bool, error) {
	if t == nil || t.Mint == "" {
		return 0, false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, existing := range s.tokens {
		if existing.Mint != t.Mint {
			continue
		}
		if t.Name != "" {
			existing.Name = t.Name
		}
		if t.Symbol != "" {
			existing.Symbol = t.Symbol
		}
		if existing.Pair == nil && t.Pair != nil {
			pair := *t.Pair
			existing.Pair = &pair
			existing.PairCreatedAt = t.PairCreatedAt
		}
		existing.UpdatedAt = now
		return existing.ID, false, nil
	}

	s.nextTokenID++
	cp := *t
	cp.ID = s.nextTokenID
	cp.State = domain.TokenStateLive
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tokens[cp.ID] = &cp
	return cp.ID, true, nil
}

// GetByID retrieves a live token.
func (s *Store) GetByID(_ context.Context, id int64) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// GetByMint retrieves a live token by mint.
func (s *Store) GetByMint(_ context.Context, mint string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.Mint == mint {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// ListLive retrieves up to limit live tokens ordered by id.
func (s *Store) ListLive(_ context.Context, limit int) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := s.sortedTokens(func(*domain.Token) bool { return true })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListIngestable retrieves live tokens with a usable pair.
func (s *Store) ListIngestable(_ context.Context) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedTokens(func(t *domain.Token) bool { return t.HasPair() }), nil
}

func (s *Store) sortedTokens(keep func(*domain.Token) bool) []*domain.Token {
	var result []*domain.Token
	for _, t := range s.tokens {
		if keep(t) {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// SetPair records a resolved pair address.
func (s *Store) SetPair(_ context.Context, id int64, pair string, pairCreatedAt *time.Time) error {
	return s.mutateToken(id, func(t *domain.Token) {
		t.Pair = &pair
		t.PairCreatedAt = pairCreatedAt
	})
}

// IncrementPairAttempts bumps the pair-resolution attempt counter.
func (s *Store) IncrementPairAttempts(_ context.Context, id int64) error {
	return s.mutateToken(id, func(t *domain.Token) { t.PairResolveAttempts++ })
}

// RecordPoll stores per-poll stats and increments the iteration counter.
func (s *Store) RecordPoll(_ context.Context, id int64, stats domain.TokenStats) error {
	return s.mutateToken(id, func(t *domain.Token) {
		t.Iterations++
		t.HolderCount = stats.HolderCount
		if stats.CirculatingSupply != nil {
			t.CirculatingSupply = stats.CirculatingSupply
		}
		if stats.TotalSupply != nil {
			t.TotalSupply = stats.TotalSupply
		}
		if stats.ReportedSupply != nil {
			t.ReportedSupply = stats.ReportedSupply
		}
	})
}

// SetPatternLabel stores the classification label.
func (s *Store) SetPatternLabel(_ context.Context, id int64, label string) error {
	return s.mutateToken(id, func(t *domain.Token) { t.PatternLabel = &label })
}

// SetExternalFlags sets the flags normally written by collaborating components.
func (s *Store) SetExternalFlags(id int64, noSwap, zeroTail, frozen bool) error {
	return s.mutateToken(id, func(t *domain.Token) {
		t.NoSwapAfterSecondCorridor = noSwap
		t.ZeroTail = zeroTail
		t.FrozenPrice = frozen
	})
}

func (s *Store) mutateToken(id int64, fn func(*domain.Token)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(t)
	t.UpdatedAt = s.now()
	return nil
}

// ---- positions ----

// OpenPosition marks a token as bound to an open trading position.
func (s *Store) OpenPosition(tokenID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[tokenID] = true
}

// ClosePosition clears an open position.
func (s *Store) ClosePosition(tokenID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, tokenID)
}

// HasOpenPosition reports whether an open position exists for the token.
func (s *Store) HasOpenPosition(_ context.Context, tokenID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[tokenID], nil
}

// HasAnyOpenPosition reports whether any open position exists.
func (s *Store) HasAnyOpenPosition(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions) > 0, nil
}
