package resilient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mosyne/mosyne/internal/metrics"
	"github.com/mosyne/mosyne/internal/retry"
)

// FallbackProvider supplies last-known-good or mock data for a key when the
// backing query cannot be served. Opting in is explicit; consumers that
// would rather fail than show stale risk data simply leave it nil.
type FallbackProvider interface {
	Fallback(key string) (any, bool)
}

// Config tunes the resilient client.
type Config struct {
	CacheTTL         time.Duration
	CacheMaxSize     int
	BucketCapacity   int
	RefillRate       float64
	WaitTimeout      time.Duration
	MaxAttempts      int
	RetryBase        time.Duration
	RetryCap         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:         DefaultCacheTTL,
		CacheMaxSize:     DefaultCacheSize,
		BucketCapacity:   DefaultBucketCapacity,
		RefillRate:       DefaultRefillRate,
		WaitTimeout:      5 * time.Second,
		MaxAttempts:      4, // 1 attempt + 3 retries
		RetryBase:        time.Second,
		RetryCap:         5 * time.Second,
		BreakerThreshold: DefaultBreakerThreshold,
		BreakerCooldown:  DefaultBreakerCooldown,
	}
}

// QueryOptions tune a single Query call.
type QueryOptions struct {
	// SkipCache bypasses the cache for both read and populate.
	SkipCache bool
	// TTL overrides the client's cache TTL for this key. 0 = client default.
	TTL time.Duration
	// Cost is the number of rate-limit tokens the call consumes. 0 = 1.
	Cost int
}

// Result carries a query result and how it was obtained.
type Result struct {
	Value    any
	Cached   bool
	Degraded bool // served by the fallback provider, not the real query
}

// Client runs queries through the breaker, cache, rate limiter, and retry
// loop. Safe for concurrent use.
type Client struct {
	cache    *Cache
	bucket   *Bucket
	breaker  *Breaker
	cfg      Config
	fallback FallbackProvider
	logger   *slog.Logger
}

// NewClient builds a client from cfg. fallback may be nil.
func NewClient(cfg Config, fallback FallbackProvider, logger *slog.Logger) *Client {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Client{
		cache:    NewCache(cfg.CacheMaxSize),
		bucket:   NewBucket(cfg.BucketCapacity, cfg.RefillRate),
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:      cfg,
		fallback: fallback,
		logger:   logger,
	}
}

// Query runs fn behind the full protection stack:
// breaker check, cache read, rate-limit token per attempt, retries with
// backoff, then cache populate on success or breaker failure count on
// exhaustion. Validation errors should be wrapped with retry.Permanent by
// fn so they are not retried.
func (c *Client) Query(ctx context.Context, key string, fn func(context.Context) (any, error), opts QueryOptions) (Result, error) {
	if !c.breaker.Allow(key) {
		if r, ok := c.degraded(key); ok {
			return r, nil
		}
		return Result{}, fmt.Errorf("%s: %w", key, ErrCircuitOpen)
	}

	if !opts.SkipCache {
		if v, ok := c.cache.Get(key); ok {
			metrics.CacheHitsTotal.Inc()
			return Result{Value: v, Cached: true}, nil
		}
		metrics.CacheMissesTotal.Inc()
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.CacheTTL
	}
	cost := opts.Cost
	if cost <= 0 {
		cost = 1
	}

	var value any
	var permanent bool
	err := retry.Do(ctx, c.cfg.MaxAttempts, c.cfg.RetryBase, c.cfg.RetryCap, func() error {
		// Every attempt pays for a token, retries included. A token
		// timeout is local throttling, not a backend signal, so it
		// must surface as ErrRateLimitTimeout rather than feed the
		// circuit breaker.
		if err := c.bucket.WaitForToken(ctx, cost, c.cfg.WaitTimeout); err != nil {
			permanent = true
			return retry.Permanent(err)
		}
		v, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				permanent = true
				return retry.Permanent(err)
			}
			var pe *retry.PermanentError
			if errors.As(err, &pe) {
				permanent = true
			}
			return err
		}
		value = v
		return nil
	})
	if err == nil {
		c.breaker.RecordSuccess(key)
		if !opts.SkipCache {
			c.cache.Set(key, value, ttl)
		}
		return Result{Value: value}, nil
	}

	// Permanent errors are caller mistakes, cancellations, or local
	// throttling; they say nothing about backend health, so they do
	// not count against the circuit.
	if !permanent {
		c.breaker.RecordFailure(key)
	}
	c.logger.Warn("query failed after retries", "key", key, "error", err)

	if r, ok := c.degraded(key); ok {
		return r, nil
	}
	return Result{}, err
}

// Invalidate drops the cached value for key.
func (c *Client) Invalidate(key string) {
	c.cache.Delete(key)
}

// BreakerStats exposes the circuit state for key.
func (c *Client) BreakerStats(key string) BreakerStats {
	return c.breaker.Stats(key)
}

// Stats reports cache and rate-limiter state for the status endpoint.
type Stats struct {
	Cache  CacheStats   `json:"cache"`
	Bucket BucketStatus `json:"bucket"`
}

func (c *Client) Stats() Stats {
	return Stats{Cache: c.cache.Stats(), Bucket: c.bucket.Status()}
}

func (c *Client) degraded(key string) (Result, bool) {
	if c.fallback == nil {
		return Result{}, false
	}
	v, ok := c.fallback.Fallback(key)
	if !ok {
		return Result{}, false
	}
	metrics.FallbacksTotal.Inc()
	c.logger.Warn("serving degraded data", "key", key)
	return Result{Value: v, Degraded: true}, true
}
