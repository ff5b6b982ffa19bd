// Package cache stores paid-for provider results by request fingerprint so
// identical requests are not paid for twice.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/metrics"
	"github.com/eternisai/seo-research/internal/research"
)

// DefaultTTL applies to kinds with no configured lifetime.
const DefaultTTL = time.Hour

type Cache struct {
	store   research.CacheStore
	ttl     map[research.DataKind]time.Duration
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache on store with per-kind lifetimes.
func New(store research.CacheStore, ttl map[research.DataKind]time.Duration, log *logger.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		ttl:    ttl,
		logger: log.WithComponent("cache"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime of entries of the given kind.
func (c *Cache) TTL(kind research.DataKind) time.Duration {
	if d, ok := c.ttl[kind]; ok && d > 0 {
		return d
	}
	return DefaultTTL
}

// Lookup returns the payload stored under fingerprint. Expired entries are
// misses even before they are swept.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (json.RawMessage, bool, error) {
	entry, err := c.store.GetCacheEntry(ctx, fingerprint)
	if errors.Is(err, research.ErrNotFound) {
		c.metrics.CacheLookup(false)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}

	if !entry.Live(c.now()) {
		c.metrics.CacheLookup(false)
		return nil, false, nil
	}

	c.metrics.CacheLookup(true)
	return entry.Payload, true, nil
}

// Store writes payload under fingerprint. A live entry is never overwritten;
// storing over one is not an error.
func (c *Cache) Store(ctx context.Context, fingerprint string, kind research.DataKind, payload json.RawMessage) error {
	if fingerprint == "" || len(payload) == 0 {
		return nil
	}

	now := c.now()
	err := c.store.PutCacheEntry(ctx, &research.CacheEntry{
		Fingerprint: fingerprint,
		Kind:        kind,
		Payload:     payload,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.TTL(kind)),
	})
	if errors.Is(err, research.ErrDuplicate) {
		c.logger.Debug("cache entry already live",
			slog.String("fingerprint", fingerprint))
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}

// Sweep deletes expired entries and returns how many were removed.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpiredCacheEntries(ctx, c.now())
	if err != nil {
		c.logger.Error("cache sweep failed",
			slog.String("error", err.Error()))
		return 0, err
	}
	if n > 0 {
		c.logger.Info("swept expired cache entries",
			slog.Int64("deleted", n))
	}
	return n, nil
}
