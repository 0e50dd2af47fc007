// Package refprice caches the SOL/USD reference price used to value trades.
package refprice

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source fetches the current reference price.
type Source interface {
	Fetch(ctx context.Context) (float64, error)
}

// Options configures a Cache.
type Options struct {
	Source   Source        // nil means the fallback is always used
	Fallback float64       // static price used when no fresh value is cached
	MaxAge   time.Duration // cached values older than this are stale; 0 never expires
	Logger   *zap.Logger
}

// Cache holds the last good reference price. Get never blocks on the source.
type Cache struct {
	source   Source
	fallback float64
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	price     float64
	fetchedAt time.Time
}

// NewCache creates a Cache.
func NewCache(opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		source:   opts.Source,
		fallback: opts.Fallback,
		maxAge:   opts.MaxAge,
		logger:   logger,
		now:      time.Now,
	}
}

// Refresh pulls a new price from the source. A failed or non-positive fetch
// keeps the previous value.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}

	price, err := c.source.Fetch(ctx)
	if err != nil {
		c.logger.Warn("reference price refresh failed", zap.Error(err))
		return err
	}
	if price <= 0 {
		c.logger.Warn("ignoring non-positive reference price", zap.Float64("price", price))
		return nil
	}

	c.mu.Lock()
	c.price = price
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return nil
}

// Get returns the cached price, or the static fallback when nothing fresh is cached.
func (c *Cache) Get() float64 {
	if p, ok := c.Cached(); ok {
		return p
	}
	return c.fallback
}

// Cached returns the cached price and whether it is present and fresh.
func (c *Cache) Cached() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.price <= 0 {
		return 0, false
	}
	if c.maxAge > 0 && c.now().Sub(c.fetchedAt) > c.maxAge {
		return 0, false
	}
	return c.price, true
}

// Static is a Source returning a constant.
type Static float64

// Fetch implements Source.
func (s Static) Fetch(context.Context) (float64, error) {
	return float64(s), nil
}
