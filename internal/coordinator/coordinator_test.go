package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pricefinder/internal/cache"
	"pricefinder/internal/dispatch"
	"pricefinder/internal/domain"
	"pricefinder/internal/filter"
	"pricefinder/internal/queue"
	"pricefinder/internal/worker"
)

const (
	testSecret = "worker-secret"
	testAdmin  = "admin-code"
)

type fakeTransport struct {
	mu   sync.Mutex
	jobs []domain.Job
}

func (f *fakeTransport) SendJob(job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) keys() []domain.SearchKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SearchKey, len(f.jobs))
	for i, j := range f.jobs {
		out[i] = j.Key
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	saved    []domain.TrafficSnapshot
	loaded   domain.TrafficSnapshot
	hasSaved bool
	err      error
}

func (s *fakeStore) Load(context.Context) (domain.TrafficSnapshot, bool, error) {
	return s.loaded, s.hasSaved, s.err
}

func (s *fakeStore) Save(_ context.Context, snap domain.TrafficSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, snap)
	return nil
}

func (s *fakeStore) saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

type harness struct {
	co    *Coordinator
	ch    *worker.Channel
	q     *queue.Queue
	cache *cache.Cache
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	q := queue.New()
	ch := worker.NewChannel(testSecret)
	d := dispatch.New(q, ch)
	c := cache.New()
	opts = append([]Option{WithAdminCode(testAdmin)}, opts...)
	co := New(c, d, ch, filter.New(filter.Config{}), opts...)
	return &harness{co: co, ch: ch, q: q, cache: c}
}

func (h *harness) connect(t *testing.T) (*worker.Session, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	s, err := h.ch.Connect(testSecret, tr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s, tr
}

func phoneOffers() []domain.RawOffer {
	return []domain.RawOffer{
		{Title: "iPhone 13 128GB", Price: domain.PriceOf(799)},
		{Title: "iPhone 13 Silicone Case", Price: domain.PriceOf(15)},
		{Title: "Screen Protector for iPhone 13", Price: domain.PriceOf(5)},
	}
}

func TestRequestSearchRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	if _, err := h.co.RequestSearch(ctx, "   ", "1.1.1.1"); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("empty query err = %v", err)
	}
	if _, err := h.co.RequestSearch(ctx, "iphone 13", "1.1.1.1"); !errors.Is(err, domain.ErrNoWorker) {
		t.Fatalf("no worker err = %v", err)
	}

	h.co.SetMaintenance(true)
	if _, err := h.co.RequestSearch(ctx, "iphone 13", "1.1.1.1"); !errors.Is(err, domain.ErrMaintenance) {
		t.Fatalf("maintenance err = %v", err)
	}
	if got := h.co.Traffic().TotalSearches; got != 1 {
		t.Fatalf("total searches = %d, want only the no-worker attempt counted", got)
	}
}

func TestCacheHitServedWithoutWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cache.Put(ctx, "iphone 13", []domain.Offer{{Title: "iPhone 13", Price: 700}})

	out, err := h.co.RequestSearch(ctx, "  iPhone   13 ", "1.1.1.1")
	if err != nil {
		t.Fatalf("RequestSearch: %v", err)
	}
	if out.Status != StatusReady || len(out.Offers) != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSearchSubmitAndServe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tr := h.connect(t)

	out, err := h.co.RequestSearch(ctx, "iPhone 13", "1.1.1.1")
	if err != nil {
		t.Fatalf("RequestSearch: %v", err)
	}
	if out.Status != StatusPending || !out.Queued || out.Key != "iphone 13" {
		t.Fatalf("outcome = %+v", out)
	}
	if keys := tr.keys(); len(keys) != 1 || keys[0] != "iphone 13" {
		t.Fatalf("dispatched = %v", keys)
	}

	again, err := h.co.RequestSearch(ctx, "iphone 13", "2.2.2.2")
	if err != nil || again.Status != StatusPending || again.Queued {
		t.Fatalf("repeat outcome = %+v, %v", again, err)
	}

	if _, err := h.co.SubmitResults(ctx, "wrong", "iphone 13", phoneOffers()); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("bad secret err = %v", err)
	}
	if _, err := h.co.SubmitResults(ctx, testSecret, "iphone 13", nil); !errors.Is(err, domain.ErrMissingResults) {
		t.Fatalf("missing results err = %v", err)
	}
	if _, err := h.co.SubmitResults(ctx, testSecret, "", phoneOffers()); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("missing query err = %v", err)
	}
	if h.ch.State() != domain.WorkerBusy {
		t.Fatalf("rejected submissions changed worker state to %s", h.ch.State())
	}

	offers, err := h.co.SubmitResults(ctx, testSecret, "iPhone 13", phoneOffers())
	if err != nil {
		t.Fatalf("SubmitResults: %v", err)
	}
	if len(offers) != 1 || offers[0].Title != "iPhone 13 128GB" {
		t.Fatalf("filtered offers = %+v", offers)
	}
	if h.ch.State() != domain.WorkerIdle {
		t.Fatalf("worker state = %s, want idle", h.ch.State())
	}

	ready, err := h.co.RequestSearch(ctx, "iphone 13", "1.1.1.1")
	if err != nil || ready.Status != StatusReady || len(ready.Offers) != 1 {
		t.Fatalf("ready outcome = %+v, %v", ready, err)
	}
}

func TestEmptyResultsAreCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t)

	if _, err := h.co.RequestSearch(ctx, "unobtainium", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.SubmitResults(ctx, testSecret, "unobtainium", []domain.RawOffer{}); err != nil {
		t.Fatalf("SubmitResults: %v", err)
	}
	out, err := h.co.RequestSearch(ctx, "unobtainium", "")
	if err != nil || out.Status != StatusReady || len(out.Offers) != 0 {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
}

func TestSecondQueryWaitsForFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tr := h.connect(t)

	if _, err := h.co.RequestSearch(ctx, "ps5", ""); err != nil {
		t.Fatal(err)
	}
	out, err := h.co.RequestSearch(ctx, "xbox", "")
	if err != nil {
		t.Fatal(err)
	}
	if out.Position != 1 || h.q.Size() != 1 {
		t.Fatalf("position = %d, queue size = %d", out.Position, h.q.Size())
	}
	if _, err := h.co.SubmitResults(ctx, testSecret, "ps5", []domain.RawOffer{}); err != nil {
		t.Fatal(err)
	}
	if keys := tr.keys(); len(keys) != 2 || keys[1] != "xbox" {
		t.Fatalf("dispatched = %v", keys)
	}
	if h.q.Size() != 0 {
		t.Fatalf("queue size = %d", h.q.Size())
	}
}

func TestStaleSubmissionStillCached(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t)

	if _, err := h.co.RequestSearch(ctx, "ps5", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.SubmitResults(ctx, testSecret, "switch", []domain.RawOffer{}); err != nil {
		t.Fatalf("stale submission err = %v", err)
	}
	if key, busy := h.ch.Current(); !busy || key != "ps5" {
		t.Fatalf("current = %q, %v; want ps5 still busy", key, busy)
	}
	if _, ok := h.cache.Get(ctx, "switch"); !ok {
		t.Fatal("stale submission results were not cached")
	}
}

func TestWorkerDisconnectWhileBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	session, _ := h.connect(t)

	if _, err := h.co.RequestSearch(ctx, "iphone 13", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := h.co.RequestSearch(ctx, "pixel 8", ""); err != nil {
		t.Fatal(err)
	}
	session.Close()

	if h.q.Size() != 0 || h.ch.State() != domain.WorkerDisconnected {
		t.Fatalf("queue size = %d, state = %s", h.q.Size(), h.ch.State())
	}
	if _, err := h.co.RequestSearch(ctx, "iphone 13", ""); !errors.Is(err, domain.ErrNoWorker) {
		t.Fatalf("err = %v, want ErrNoWorker", err)
	}

	_, tr := h.connect(t)
	out, err := h.co.RequestSearch(ctx, "iphone 13", "")
	if err != nil || out.Status != StatusPending || !out.Queued {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if keys := tr.keys(); len(keys) != 1 || keys[0] != "iphone 13" {
		t.Fatalf("dispatched = %v", keys)
	}
}

func TestAdminOperations(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connect(t)

	if h.co.VerifyAdmin("nope") || h.co.VerifyAdmin("") || !h.co.VerifyAdmin(testAdmin) {
		t.Fatal("admin code check wrong")
	}

	h.co.SetQueuePaused(true)
	if _, err := h.co.RequestSearch(ctx, "ps5", ""); err != nil {
		t.Fatal(err)
	}
	if h.ch.State() != domain.WorkerIdle || h.q.Size() != 1 {
		t.Fatal("paused queue dispatched")
	}
	stats := h.co.Stats()
	if !stats.QueuePaused || stats.QueueSize != 1 || stats.Queue[0].Key != "ps5" || stats.Worker.State != domain.WorkerIdle {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.DisconnectPolicy != "drop" || stats.TotalSearches != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if n := h.co.ClearQueue(); n != 1 {
		t.Fatalf("cleared = %d", n)
	}
	h.co.SetQueuePaused(false)

	h.cache.Put(ctx, "a", nil)
	h.cache.Put(ctx, "b", nil)
	if ok, err := h.co.EvictCache(ctx, " A "); err != nil || !ok {
		t.Fatalf("evict = %v, %v", ok, err)
	}
	if _, err := h.co.EvictCache(ctx, ""); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("evict empty err = %v", err)
	}
	if n := h.co.ClearCache(ctx); n != 1 {
		t.Fatalf("clear cache = %d", n)
	}

	if !h.co.DisconnectWorker() || h.ch.Connected() {
		t.Fatal("force disconnect failed")
	}
	if h.co.DisconnectWorker() {
		t.Fatal("second disconnect reported a worker")
	}

	h.co.ResetTraffic()
	if got := h.co.Traffic(); got.TotalSearches != 0 || len(got.SearchHistory) != 0 {
		t.Fatalf("traffic after reset = %+v", got)
	}
}

func TestAdminLockedWithoutCode(t *testing.T) {
	h := newHarness(t, WithAdminCode(""))
	if h.co.VerifyAdmin("") || h.co.VerifyAdmin("anything") {
		t.Fatal("empty admin code accepted a caller")
	}
}

func TestTrafficPersistence(t *testing.T) {
	ctx := context.Background()
	persisted := domain.TrafficSnapshot{
		TotalSearches: 7,
		Requesters:    []string{"a", "b"},
		SearchHistory: []domain.SearchRecord{{Query: "old", Timestamp: time.Unix(1, 0)}},
	}
	store := &fakeStore{loaded: persisted, hasSaved: true}
	h := newHarness(t, WithTrafficStore(store))
	if err := h.co.LoadTraffic(ctx); err != nil {
		t.Fatalf("LoadTraffic: %v", err)
	}
	if got := h.co.Traffic(); got.TotalSearches != 7 || got.UniqueVisitors != 2 {
		t.Fatalf("restored = %+v", got)
	}

	if err := h.co.FlushTraffic(ctx); err != nil || store.saves() != 0 {
		t.Fatalf("flush after load saved %d times, err %v", store.saves(), err)
	}

	_, _ = h.co.RequestSearch(ctx, "ps5", "c")
	if err := h.co.FlushTraffic(ctx); err != nil {
		t.Fatalf("FlushTraffic: %v", err)
	}
	if err := h.co.FlushTraffic(ctx); err != nil {
		t.Fatal(err)
	}
	if store.saves() != 1 {
		t.Fatalf("saves = %d, want 1", store.saves())
	}
	saved := store.saved[0]
	if saved.TotalSearches != 8 || saved.UniqueVisitors != 3 || saved.SearchHistory[0].Query != "ps5" {
		t.Fatalf("saved = %+v", saved)
	}

	store.err = errors.New("mongo down")
	_, _ = h.co.RequestSearch(ctx, "ps6", "c")
	if err := h.co.FlushTraffic(ctx); err == nil {
		t.Fatal("expected flush error")
	}
}

func TestTrafficFlusherFlushesOnStop(t *testing.T) {
	store := &fakeStore{}
	h := newHarness(t, WithTrafficStore(store))
	_, _ = h.co.RequestSearch(context.Background(), "ps5", "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.co.RunTrafficFlusher(ctx, time.Hour); err != nil {
		t.Fatalf("RunTrafficFlusher: %v", err)
	}
	if store.saves() != 1 {
		t.Fatalf("saves = %d, want final flush", store.saves())
	}
}

func TestNoStoreIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.co.LoadTraffic(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.co.FlushTraffic(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.co.RunTrafficFlusher(context.Background(), time.Second); err != nil {
		t.Fatal(err)
	}
}
