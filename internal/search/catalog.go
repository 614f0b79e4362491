package search

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"avisearch/orchestrator/internal/domain"
	"avisearch/orchestrator/internal/metrics"
)

const defaultCatalogTTL = 30 * time.Minute

// CatalogSource fetches the raw catalog payload. *backend.Client satisfies it.
type CatalogSource interface {
	AllBirds(ctx context.Context) (any, error)
}

// Catalog caches the normalized bird catalog that feeds the browse sampler.
// The catalog changes rarely, so it is the one thing worth caching; search
// results themselves are never cached. Concurrent browse entries share a
// single in-flight fetch.
type Catalog struct {
	source CatalogSource
	ttl    time.Duration
	redis  *RedisCatalogStore
	logger *slog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	birds     []domain.SearchResult
	fetchedAt time.Time
}

type CatalogOption func(*Catalog)

func WithRedisCatalogStore(store *RedisCatalogStore) CatalogOption {
	return func(c *Catalog) {
		c.redis = store
	}
}

func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		c.logger = logger
	}
}

func NewCatalog(source CatalogSource, ttl time.Duration, opts ...CatalogOption) *Catalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	catalog := &Catalog{
		source: source,
		ttl:    ttl,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(catalog)
	}
	return catalog
}

// Birds returns the cached catalog, refreshing it when stale. The returned
// slice is shared and must not be mutated by callers; the sampler copies.
func (c *Catalog) Birds(ctx context.Context) ([]domain.SearchResult, error) {
	c.mu.RLock()
	if c.birds != nil && time.Since(c.fetchedAt) < c.ttl {
		birds := c.birds
		c.mu.RUnlock()
		metrics.CatalogHitsTotal.Inc()
		return birds, nil
	}
	c.mu.RUnlock()
	metrics.CatalogMissesTotal.Inc()

	fetched, err, _ := c.group.Do("catalog", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return fetched.([]domain.SearchResult), nil
}

// Invalidate drops the cached catalog so the next Birds call refetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.birds = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) refresh(ctx context.Context) ([]domain.SearchResult, error) {
	// Another waiter may have refreshed while we queued on the group.
	c.mu.RLock()
	if c.birds != nil && time.Since(c.fetchedAt) < c.ttl {
		birds := c.birds
		c.mu.RUnlock()
		return birds, nil
	}
	c.mu.RUnlock()

	if c.redis != nil {
		if birds, found, err := c.redis.Get(ctx); err == nil && found && len(birds) > 0 {
			c.store(birds)
			return birds, nil
		}
	}

	payload, err := c.source.AllBirds(ctx)
	if err != nil {
		return nil, err
	}
	birds := NormalizeResults(payload, "")
	c.store(birds)

	if c.redis != nil {
		if err := c.redis.Set(ctx, birds, c.ttl); err != nil {
			c.logger.Warn("catalog redis store failed", slog.String("error", err.Error()))
		}
	}
	c.logger.Info("catalog refreshed", slog.Int("birds", len(birds)))
	return birds, nil
}

func (c *Catalog) store(birds []domain.SearchResult) {
	c.mu.Lock()
	c.birds = birds
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}
