// Package oracle fetches and validates asset prices. Quotes are cached for a
// short TTL so one monitor tick never fetches the same asset twice, and every
// read re-checks staleness against the configured tolerance.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

// PricePoint is a validated oracle reading.
type PricePoint = chain.PriceQuote

// Config controls caching, trust and retry behaviour.
type Config struct {
	// CacheTTL bounds how long a quote is served from cache. Keep it at or
	// below block time; staleness is still re-checked on every read.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// StalenessTolerance is the maximum age of a quote that may feed a
	// liquidation decision.
	StalenessTolerance time.Duration `mapstructure:"staleness_tolerance"`

	// MinSources is the minimum number of aggregated sources a quote must
	// carry before it is trusted.
	MinSources int `mapstructure:"min_sources"`

	Retry RetryPolicy `mapstructure:"retry"`
}

// DefaultConfig matches a ~12s block time chain with a 300s staleness window.
func DefaultConfig() Config {
	return Config{
		CacheTTL:           12 * time.Second,
		StalenessTolerance: 300 * time.Second,
		MinSources:         3,
		Retry:              DefaultRetryPolicy(),
	}
}

// Stats counts cache and fetch outcomes.
type Stats struct {
	CacheHits    atomic.Uint64
	CacheMisses  atomic.Uint64
	FetchErrors  atomic.Uint64
	StaleReads   atomic.Uint64
	FallbackHits atomic.Uint64
}

// Client reads prices through a primary source with an optional fallback.
type Client struct {
	primary  chain.PriceSource
	fallback chain.PriceSource
	cache    *bigcache.BigCache
	cfg      Config
	logger   *zap.Logger
	stats    Stats

	now func() time.Time
}

// Result pairs a price point with the error that prevented it, for batch reads.
type Result struct {
	Point PricePoint
	Err   error
}

// New creates a price client. fallback may be nil.
func New(primary, fallback chain.PriceSource, cfg Config, logger *zap.Logger) (*Client, error) {
	bcCfg := bigcache.DefaultConfig(cfg.CacheTTL)
	bcCfg.CleanWindow = cfg.CacheTTL
	bcCfg.Verbose = false
	cache, err := bigcache.New(context.Background(), bcCfg)
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}

	return &Client{
		primary:  primary,
		fallback: fallback,
		cache:    cache,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// GetPrice returns a validated price for the asset. A quote older than the
// staleness tolerance is returned together with ErrStalePrice so callers can
// log it, but it must not feed a liquidation decision.
func (c *Client) GetPrice(ctx context.Context, asset common.Address) (PricePoint, error) {
	if point, ok := c.cached(asset); ok {
		c.stats.CacheHits.Add(1)
		if c.IsStale(point) {
			c.stats.StaleReads.Add(1)
			return point, fmt.Errorf("cached quote for %s: %w", asset.Hex(), ErrStalePrice)
		}
		return point, nil
	}
	c.stats.CacheMisses.Add(1)

	point, err := c.fetch(ctx, c.primary, asset)
	if err != nil && c.fallback != nil {
		c.logger.Warn("primary oracle failed, consulting fallback",
			zap.String("asset", asset.Hex()),
			zap.String("source", c.primary.Name()),
			zap.Error(err))
		var fbErr error
		if point, fbErr = c.fetch(ctx, c.fallback, asset); fbErr == nil {
			c.stats.FallbackHits.Add(1)
			err = nil
		}
	}
	if err != nil {
		c.stats.FetchErrors.Add(1)
		return PricePoint{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, asset.Hex(), err)
	}

	c.store(asset, point)

	if c.IsStale(point) {
		c.stats.StaleReads.Add(1)
		return point, fmt.Errorf("quote for %s: %w", asset.Hex(), ErrStalePrice)
	}
	return point, nil
}

// GetPrices fetches a batch of assets, returning a per-asset result so one
// failing feed never hides the others.
func (c *Client) GetPrices(ctx context.Context, assets []common.Address) map[common.Address]Result {
	out := make(map[common.Address]Result, len(assets))
	for _, asset := range assets {
		if _, done := out[asset]; done {
			continue
		}
		point, err := c.GetPrice(ctx, asset)
		out[asset] = Result{Point: point, Err: err}
	}
	return out
}

// IsStale reports whether the quote is too old for a liquidation decision.
func (c *Client) IsStale(point PricePoint) bool {
	return c.now().Sub(point.LastUpdated) > c.cfg.StalenessTolerance
}

// Stats exposes cache and fetch counters.
func (c *Client) Stats() *Stats { return &c.stats }

// Close releases the cache.
func (c *Client) Close() error { return c.cache.Close() }

func (c *Client) fetch(ctx context.Context, src chain.PriceSource, asset common.Address) (PricePoint, error) {
	var point PricePoint
	err := c.cfg.Retry.Do(ctx, func() error {
		p, err := src.FetchPrice(ctx, asset)
		if err != nil {
			return err
		}
		if err := c.validate(p); err != nil {
			return err
		}
		point = p
		return nil
	})
	if err != nil {
		return PricePoint{}, fmt.Errorf("source %s: %w", src.Name(), err)
	}
	return point, nil
}

func (c *Client) validate(p PricePoint) error {
	if p.Price.Sign() <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, p.Price)
	}
	if p.NumSources < c.cfg.MinSources {
		return fmt.Errorf("%w: %d < %d", ErrTooFewSources, p.NumSources, c.cfg.MinSources)
	}
	return nil
}

func (c *Client) cached(asset common.Address) (PricePoint, bool) {
	raw, err := c.cache.Get(asset.Hex())
	if err != nil {
		return PricePoint{}, false
	}
	var point PricePoint
	if err := json.Unmarshal(raw, &point); err != nil {
		return PricePoint{}, false
	}
	return point, true
}

func (c *Client) store(asset common.Address, point PricePoint) {
	raw, err := json.Marshal(point)
	if err != nil {
		return
	}
	if err := c.cache.Set(asset.Hex(), raw); err != nil {
		c.logger.Debug("price cache set failed", zap.String("asset", asset.Hex()), zap.Error(err))
	}
}
