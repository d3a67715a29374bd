// Package cache holds finished search results keyed by normalized query.
//
// Entries expire lazily: an entry older than the TTL is treated as absent and
// removed on the read that notices it. An optional Backend mirrors every write so
// results survive restarts and can be shared between instances.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"pricefinder/internal/domain"
	"pricefinder/internal/metrics"
)

const (
	DefaultTTL        = 30 * time.Minute
	DefaultMaxEntries = 500
	backendTimeout    = 2 * time.Second
)

// Backend is a secondary store the cache writes through to.
type Backend interface {
	Get(ctx context.Context, key domain.SearchKey) (domain.CacheEntry, bool, error)
	Set(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key domain.SearchKey) error
	Clear(ctx context.Context) (int, error)
}

type Cache struct {
	mu         sync.Mutex
	entries    map[domain.SearchKey]domain.CacheEntry
	ttl        time.Duration
	maxEntries int
	backend    Backend
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

func WithBackend(backend Backend) Option {
	return func(c *Cache) {
		c.backend = backend
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[domain.SearchKey]domain.CacheEntry),
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the offers stored for key, or false when there is no fresh entry.
func (c *Cache) Get(ctx context.Context, key domain.SearchKey) ([]domain.Offer, bool) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && !c.expired(entry, now) {
		c.mu.Unlock()
		metrics.CacheHitsTotal.Inc()
		return domain.CloneOffers(entry.Offers), true
	}
	if ok {
		delete(c.entries, key)
		metrics.CacheEntries.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	if c.backend != nil {
		if entry, found := c.backendGet(ctx, key); found && !c.expired(entry, now) {
			c.mu.Lock()
			c.entries[key] = entry
			c.trimLocked(now)
			c.mu.Unlock()
			metrics.CacheHitsTotal.Inc()
			return domain.CloneOffers(entry.Offers), true
		}
	}

	metrics.CacheMissesTotal.Inc()
	return nil, false
}

// Put stores offers for key, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key domain.SearchKey, offers []domain.Offer) {
	now := c.now()
	entry := domain.CacheEntry{
		Key:       key,
		Offers:    domain.CloneOffers(offers),
		CreatedAt: now,
	}
	if entry.Offers == nil {
		entry.Offers = []domain.Offer{}
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.trimLocked(now)
	c.mu.Unlock()

	if c.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, backendTimeout)
		defer cancel()
		if err := c.backend.Set(bctx, entry, c.ttl); err != nil {
			c.logger.Warn("cache backend set failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Evict removes a single entry. It reports whether the in-memory cache held one.
func (c *Cache) Evict(ctx context.Context, key domain.SearchKey) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if c.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, backendTimeout)
		defer cancel()
		if err := c.backend.Delete(bctx, key); err != nil {
			c.logger.Warn("cache backend delete failed",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return ok
}

// EvictAll empties the cache and returns how many in-memory entries were dropped.
func (c *Cache) EvictAll(ctx context.Context) int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[domain.SearchKey]domain.CacheEntry)
	metrics.CacheEntries.Set(0)
	c.mu.Unlock()

	if c.backend != nil {
		bctx, cancel := context.WithTimeout(ctx, backendTimeout)
		defer cancel()
		if _, err := c.backend.Clear(bctx); err != nil {
			c.logger.Warn("cache backend clear failed", slog.String("error", err.Error()))
		}
	}
	return n
}

// Len counts in-memory entries, expired ones not yet noticed included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys lists in-memory keys, newest first.
func (c *Cache) Keys() []domain.SearchKey {
	c.mu.Lock()
	items := make([]domain.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		items = append(items, entry)
	}
	c.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	keys := make([]domain.SearchKey, len(items))
	for i, item := range items {
		keys[i] = item.Key
	}
	return keys
}

func (c *Cache) expired(entry domain.CacheEntry, now time.Time) bool {
	return now.Sub(entry.CreatedAt) >= c.ttl
}

func (c *Cache) backendGet(ctx context.Context, key domain.SearchKey) (domain.CacheEntry, bool) {
	bctx, cancel := context.WithTimeout(ctx, backendTimeout)
	defer cancel()
	entry, found, err := c.backend.Get(bctx, key)
	if err != nil {
		c.logger.Warn("cache backend get failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
		return domain.CacheEntry{}, false
	}
	if found && entry.Key == "" {
		entry.Key = key
	}
	return entry, found
}

func (c *Cache) trimLocked(now time.Time) {
	defer func() { metrics.CacheEntries.Set(float64(len(c.entries))) }()

	if len(c.entries) <= c.maxEntries {
		return
	}
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.maxEntries {
		return
	}

	items := make([]domain.CacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	for i := 0; i < len(items)-c.maxEntries; i++ {
		delete(c.entries, items[i].Key)
	}
}
