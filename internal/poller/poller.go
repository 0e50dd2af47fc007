// Package poller discovers new tokens and records per-second market samples
// from the token metrics API.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tokenwatch/internal/domain"
	"tokenwatch/internal/events"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/solana"
	"tokenwatch/internal/storage"
	"tokenwatch/internal/upstream"
)

// Defaults applied when Options leave a knob at zero.
const (
	DefaultBatchSize       = 50
	DefaultMaxPairAttempts = 20
)

// TokenSource is the discovery and batch metrics API.
type TokenSource interface {
	RecentTokens(ctx context.Context) ([]upstream.TokenDescriptor, error)
	SearchTokens(ctx context.Context, mints []string) ([]upstream.TokenDescriptor, error)
}

// Options configures a Poller.
type Options struct {
	Source  TokenSource
	Tokens  storage.TokenStore
	Metrics storage.MetricStore
	Events  events.Publisher

	BatchSize       int // mints per search call
	MaxPairAttempts int // stop counting pair misses after this many

	Observer *observability.Metrics
	Logger   *zap.Logger
}

// Poller owns discovery and price refresh.
type Poller struct {
	source  TokenSource
	tokens  storage.TokenStore
	metrics storage.MetricStore
	events  events.Publisher

	batchSize       int
	maxPairAttempts int

	observer *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Poller.
func New(opts Options) *Poller {
	p := &Poller{
		source:          opts.Source,
		tokens:          opts.Tokens,
		metrics:         opts.Metrics,
		events:          opts.Events,
		batchSize:       opts.BatchSize,
		maxPairAttempts: opts.MaxPairAttempts,
		observer:        opts.Observer,
		logger:          opts.Logger,
		now:             time.Now,
	}
	if p.batchSize <= 0 {
		p.batchSize = DefaultBatchSize
	}
	if p.maxPairAttempts <= 0 {
		p.maxPairAttempts = DefaultMaxPairAttempts
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// Discover fetches recently created tokens and stores the new ones with a
// first sample. Returns the number of tokens inserted.
func (p *Poller) Discover(ctx context.Context) (int, error) {
	descs, err := p.call(ctx, "recent", func(ctx context.Context) ([]upstream.TokenDescriptor, error) {
		return p.source.RecentTokens(ctx)
	})
	if err != nil {
		return 0, err
	}

	ts := p.now().Unix()
	inserted, written := 0, 0
	for i := range descs {
		d := &descs[i]
		if err := solana.ValidateAddress(d.ID); err != nil {
			p.logger.Debug("skip descriptor", zap.String("mint", d.ID), zap.Error(err))
			continue
		}

		id, created, err := p.tokens.UpsertDiscovered(ctx, tokenFromDescriptor(d))
		if err != nil {
			p.logger.Warn("upsert token", zap.String("mint", d.ID), zap.Error(err))
			continue
		}
		if err := p.record(ctx, id, ts, d); err != nil {
			p.logger.Warn("record sample", zap.Int64("token_id", id), zap.Error(err))
		} else {
			written++
		}
		if !created {
			continue
		}

		inserted++
		if err := p.events.Publish(ctx, events.Event{
			Type:    events.TokenDiscovered,
			TokenID: id,
			Mint:    d.ID,
			At:      p.now().UTC(),
		}); err != nil {
			p.logger.Warn("publish discovered event", zap.Error(err))
		}
	}

	p.observer.RecordDiscovered(inserted)
	p.observer.RecordSamples("discovery", written)
	p.logger.Debug("discovery pass",
		zap.Int("descriptors", len(descs)),
		zap.Int("inserted", inserted),
	)
	return inserted, nil
}

// UpdatePrices refreshes every live token in chunks of BatchSize, one
// search call per chunk. A rate-limit response ends the pass and is
// returned so the caller can back off; other chunk failures are skipped.
func (p *Poller) UpdatePrices(ctx context.Context) (int, error) {
	live, err := p.tokens.ListLive(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list live tokens: %w", err)
	}

	var errs []error
	written := 0
	for start := 0; start < len(live); start += p.batchSize {
		chunk := live[start:min(start+p.batchSize, len(live))]
		mints := make([]string, len(chunk))
		for i, t := range chunk {
			mints[i] = t.Mint
		}

		descs, err := p.call(ctx, "search", func(ctx context.Context) ([]upstream.TokenDescriptor, error) {
			return p.source.SearchTokens(ctx, mints)
		})
		if err != nil {
			var rl *upstream.RateLimitedError
			if errors.As(err, &rl) || ctx.Err() != nil {
				p.observer.RecordSamples("update", written)
				return written, err
			}
			p.logger.Warn("price chunk failed", zap.Int("size", len(chunk)), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		written += p.applyChunk(ctx, chunk, descs)
	}

	p.observer.RecordSamples("update", written)
	return written, errors.Join(errs...)
}

func (p *Poller) applyChunk(ctx context.Context, chunk []*domain.Token, descs []upstream.TokenDescriptor) int {
	byMint := make(map[string]*upstream.TokenDescriptor, len(descs))
	for i := range descs {
		byMint[descs[i].ID] = &descs[i]
	}

	ts := p.now().Unix()
	written := 0
	for _, tok := range chunk {
		log := p.logger.With(zap.Int64("token_id", tok.ID))
		d, ok := byMint[tok.Mint]
		if ok {
			if err := p.record(ctx, tok.ID, ts, d); err != nil {
				log.Warn("record sample", zap.Error(err))
			} else {
				written++
			}
		}

		if tok.HasPair() {
			continue
		}
		if ok {
			if pair := pairOf(d); pair != "" {
				var created *time.Time
				if d.FirstPool != nil {
					created = d.FirstPool.CreatedAt
				}
				if err := p.tokens.SetPair(ctx, tok.ID, pair, created); err != nil {
					log.Warn("set pair", zap.Error(err))
				}
				continue
			}
		}
		if tok.PairResolveAttempts < p.maxPairAttempts {
			if err := p.tokens.IncrementPairAttempts(ctx, tok.ID); err != nil {
				log.Warn("increment pair attempts", zap.Error(err))
			}
		}
	}
	return written
}

// record writes one sample at ts and the token's poll stats.
func (p *Poller) record(ctx context.Context, tokenID, ts int64, d *upstream.TokenDescriptor) error {
	if err := p.metrics.Upsert(ctx, &domain.MetricSample{
		TokenID:      tokenID,
		Timestamp:    ts,
		PriceUSD:     d.USDPrice,
		LiquidityUSD: d.Liquidity,
		FDV:          d.FDV,
		MarketCap:    d.MarketCap,
		PriceBlockID: d.PriceBlockID,
		HolderCount:  d.HolderCount,
	}); err != nil {
		return err
	}
	return p.tokens.RecordPoll(ctx, tokenID, domain.TokenStats{
		HolderCount:       d.HolderCount,
		CirculatingSupply: d.CircSupply,
		TotalSupply:       d.TotalSupply,
		ReportedSupply:    d.ImpliedSupply(),
	})
}

// call runs fn and records latency. Request pacing lives in the source's transport.
func (p *Poller) call(ctx context.Context, endpoint string, fn func(context.Context) ([]upstream.TokenDescriptor, error)) ([]upstream.TokenDescriptor, error) {
	started := time.Now()
	descs, err := fn(ctx)
	var rl *upstream.RateLimitedError
	p.observer.ObserveUpstream(endpoint, time.Since(started), errors.As(err, &rl))
	return descs, err
}

func tokenFromDescriptor(d *upstream.TokenDescriptor) *domain.Token {
	t := &domain.Token{
		Mint:              d.ID,
		Name:              d.Name,
		Symbol:            d.Symbol,
		HolderCount:       d.HolderCount,
		CirculatingSupply: d.CircSupply,
		TotalSupply:       d.TotalSupply,
		ReportedSupply:    d.ImpliedSupply(),
	}
	if pair := pairOf(d); pair != "" {
		t.Pair = &pair
		t.PairCreatedAt = d.FirstPool.CreatedAt
	}
	return t
}

// pairOf returns the descriptor's pool address if it is a usable pair.
func pairOf(d *upstream.TokenDescriptor) string {
	pair := d.PairAddress()
	if pair == "" || pair == d.ID || !solana.IsAddress(pair) {
		return ""
	}
	return pair
}
