// Package coordinator is the boundary between callers and the dispatch core:
// searchers ask for results, the worker hands them back, operators steer.
package coordinator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"pricefinder/internal/cache"
	"pricefinder/internal/dispatch"
	"pricefinder/internal/domain"
	"pricefinder/internal/filter"
	"pricefinder/internal/metrics"
	"pricefinder/internal/queue"
	"pricefinder/internal/telemetry"
	"pricefinder/internal/worker"

	"go.opentelemetry.io/otel/attribute"
)

type SearchStatus string

const (
	StatusReady   SearchStatus = "ready"
	StatusPending SearchStatus = "pending"
)

// SearchOutcome is what a search request resolves to when it does not fail.
type SearchOutcome struct {
	Status   SearchStatus
	Key      domain.SearchKey
	Offers   []domain.Offer
	Position int
	Queued   bool
}

// TrafficStore persists traffic counters across restarts.
type TrafficStore interface {
	Load(ctx context.Context) (domain.TrafficSnapshot, bool, error)
	Save(ctx context.Context, snapshot domain.TrafficSnapshot) error
}

// Stats is the operator view of the whole system.
type Stats struct {
	Maintenance      bool                  `json:"maintenance"`
	QueuePaused      bool                  `json:"queuePaused"`
	DisconnectPolicy string                `json:"disconnectPolicy"`
	Queue            []queue.Item          `json:"queue"`
	QueueSize        int                   `json:"queueSize"`
	Worker           domain.WorkerStatus   `json:"worker"`
	CacheSize        int                   `json:"cacheSize"`
	CachedQueries    []domain.SearchKey    `json:"cachedQueries"`
	CacheTTLSeconds  int64                 `json:"cacheTtlSeconds"`
	TotalSearches    int64                 `json:"totalSearches"`
	UniqueVisitors   int                   `json:"uniqueVisitors"`
	SearchHistory    []domain.SearchRecord `json:"searchHistory"`
}

type Coordinator struct {
	cache      *cache.Cache
	dispatcher *dispatch.Dispatcher
	worker     *worker.Channel
	pipeline   *filter.Pipeline
	traffic    *Traffic
	adminCode  string
	logger     *slog.Logger

	maintenance atomic.Bool

	flushMu      sync.Mutex
	store        TrafficStore
	savedVersion uint64
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithAdminCode(code string) Option {
	return func(c *Coordinator) {
		c.adminCode = code
	}
}

func WithTraffic(t *Traffic) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.traffic = t
		}
	}
}

func WithTrafficStore(s TrafficStore) Option {
	return func(c *Coordinator) {
		c.store = s
	}
}

func New(c *cache.Cache, d *dispatch.Dispatcher, ch *worker.Channel, p *filter.Pipeline, opts ...Option) *Coordinator {
	co := &Coordinator{
		cache:      c,
		dispatcher: d,
		worker:     ch,
		pipeline:   p,
		traffic:    NewTraffic(DefaultHistoryLimit, nil),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(co)
		}
	}
	return co
}

// RequestSearch never waits for the worker. It answers from the cache, queues the
// key and reports it pending, or fails with ErrMaintenance, ErrInvalidQuery or
// ErrNoWorker.
func (c *Coordinator) RequestSearch(ctx context.Context, rawQuery, requesterID string) (SearchOutcome, error) {
	if c.maintenance.Load() {
		metrics.SearchesTotal.WithLabelValues("maintenance").Inc()
		return SearchOutcome{}, domain.ErrMaintenance
	}
	key := domain.NormalizeQuery(rawQuery)
	if key == "" {
		metrics.SearchesTotal.WithLabelValues("invalid").Inc()
		return SearchOutcome{}, domain.ErrInvalidQuery
	}
	c.traffic.Record(key.String(), requesterID)

	if offers, ok := c.cache.Get(ctx, key); ok {
		metrics.SearchesTotal.WithLabelValues("ready").Inc()
		return SearchOutcome{Status: StatusReady, Key: key, Offers: offers}, nil
	}

	added, err := c.dispatcher.Submit(key)
	if err != nil {
		metrics.SearchesTotal.WithLabelValues("unavailable").Inc()
		return SearchOutcome{}, err
	}
	metrics.SearchesTotal.WithLabelValues("pending").Inc()
	if added {
		c.logger.Info("search queued", slog.String("query", key.String()), slog.String("requester", requesterID))
	}
	return SearchOutcome{
		Status:   StatusPending,
		Key:      key,
		Position: c.dispatcher.Position(key),
		Queued:   added,
	}, nil
}

// SubmitResults accepts a finished batch from the worker. A nil raw slice means
// the results were missing; an empty one is a valid "nothing found" answer.
func (c *Coordinator) SubmitResults(ctx context.Context, credential, rawQuery string, raw []domain.RawOffer) ([]domain.Offer, error) {
	if !c.worker.Authenticate(credential) {
		c.logger.Warn("result submission rejected: bad secret")
		return nil, domain.ErrUnauthorized
	}
	key := domain.NormalizeQuery(rawQuery)
	if key == "" {
		return nil, domain.ErrInvalidQuery
	}
	if raw == nil {
		return nil, domain.ErrMissingResults
	}

	ctx, span := telemetry.Tracer().Start(ctx, "coordinator.SubmitResults")
	defer span.End()

	res := c.pipeline.Run(key, raw)
	span.SetAttributes(
		attribute.String("search.query", key.String()),
		attribute.Int("offers.received", res.Received),
		attribute.Int("offers.kept", len(res.Offers)),
		attribute.Bool("search.accessory", res.AccessorySearch),
	)
	c.cache.Put(ctx, key, res.Offers)
	c.logger.Info("results accepted",
		slog.String("query", key.String()),
		slog.Int("received", res.Received),
		slog.Int("kept", len(res.Offers)),
	)

	if err := c.worker.Complete(key); err != nil {
		// Results stay cached; only the worker state is left alone.
		if !errors.Is(err, domain.ErrStaleCompletion) && !errors.Is(err, domain.ErrNotConnected) {
			return res.Offers, fmt.Errorf("complete job: %w", err)
		}
	}
	return res.Offers, nil
}

// VerifyAdmin checks an operator code. An unset admin code locks the control plane.
func (c *Coordinator) VerifyAdmin(code string) bool {
	if c.adminCode == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(code), []byte(c.adminCode)) == 1
}

func (c *Coordinator) SetMaintenance(enabled bool) {
	c.maintenance.Store(enabled)
	c.logger.Info("maintenance mode changed", slog.Bool("enabled", enabled))
}

func (c *Coordinator) Maintenance() bool {
	return c.maintenance.Load()
}

func (c *Coordinator) SetQueuePaused(paused bool) {
	c.dispatcher.SetPaused(paused)
}

func (c *Coordinator) QueuePaused() bool {
	return c.dispatcher.Paused()
}

// EvictCache drops the entry for rawQuery, reporting whether one existed.
func (c *Coordinator) EvictCache(ctx context.Context, rawQuery string) (bool, error) {
	key := domain.NormalizeQuery(rawQuery)
	if key == "" {
		return false, domain.ErrInvalidQuery
	}
	return c.cache.Evict(ctx, key), nil
}

func (c *Coordinator) ClearCache(ctx context.Context) int {
	n := c.cache.EvictAll(ctx)
	c.logger.Info("cache cleared", slog.Int("entries", n))
	return n
}

func (c *Coordinator) ClearQueue() int {
	n := c.dispatcher.ClearQueue()
	c.logger.Info("job queue cleared", slog.Int("dropped", n))
	return n
}

func (c *Coordinator) DisconnectWorker() bool {
	return c.worker.ForceDisconnect()
}

func (c *Coordinator) ResetTraffic() {
	c.traffic.Reset()
	c.logger.Info("traffic counters reset")
}

func (c *Coordinator) Traffic() domain.TrafficSnapshot {
	return c.traffic.Snapshot()
}

func (c *Coordinator) Stats() Stats {
	traffic := c.traffic.Snapshot()
	pending := c.dispatcher.Pending()
	return Stats{
		Maintenance:      c.maintenance.Load(),
		QueuePaused:      c.dispatcher.Paused(),
		DisconnectPolicy: c.dispatcher.Policy().String(),
		Queue:            pending,
		QueueSize:        len(pending),
		Worker:           c.worker.Status(),
		CacheSize:        c.cache.Len(),
		CachedQueries:    c.cache.Keys(),
		CacheTTLSeconds:  int64(c.cache.TTL() / time.Second),
		TotalSearches:    traffic.TotalSearches,
		UniqueVisitors:   traffic.UniqueVisitors,
		SearchHistory:    traffic.SearchHistory,
	}
}

// LoadTraffic restores persisted counters. Without a store it is a no-op.
func (c *Coordinator) LoadTraffic(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snapshot, ok, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load traffic: %w", err)
	}
	if !ok {
		return nil
	}
	c.traffic.Restore(snapshot)

	c.flushMu.Lock()
	_, c.savedVersion, _ = c.traffic.changedSince(0)
	c.flushMu.Unlock()

	c.logger.Info("traffic restored",
		slog.Int64("totalSearches", snapshot.TotalSearches),
		slog.Int("uniqueVisitors", snapshot.UniqueVisitors),
	)
	return nil
}

// FlushTraffic saves the counters if they changed since the last save.
func (c *Coordinator) FlushTraffic(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	snapshot, version, changed := c.traffic.changedSince(c.savedVersion)
	if !changed {
		return nil
	}
	if err := c.store.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save traffic: %w", err)
	}
	c.savedVersion = version
	return nil
}

// RunTrafficFlusher saves traffic every interval until ctx ends, then once more.
func (c *Coordinator) RunTrafficFlusher(ctx context.Context, interval time.Duration) error {
	if c.store == nil {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := c.FlushTraffic(flushCtx)
			cancel()
			return err
		case <-ticker.C:
			if err := c.FlushTraffic(ctx); err != nil {
				c.logger.Warn("traffic flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
