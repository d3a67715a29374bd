package coordinator

import (
	"sort"
	"sync"
	"time"

	"pricefinder/internal/domain"
)

const DefaultHistoryLimit = 50

// Traffic counts searches and remembers the most recent ones, newest first.
type Traffic struct {
	mu         sync.Mutex
	total      int64
	requesters map[string]struct{}
	history    []domain.SearchRecord
	limit      int
	version    uint64
	now        func() time.Time
}

func NewTraffic(limit int, now func() time.Time) *Traffic {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if now == nil {
		now = time.Now
	}
	return &Traffic{
		requesters: make(map[string]struct{}),
		limit:      limit,
		now:        now,
	}
}

func (t *Traffic) Record(query, requester string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if requester != "" {
		t.requesters[requester] = struct{}{}
	}
	rec := domain.SearchRecord{Query: query, Timestamp: t.now().UTC()}
	t.history = append([]domain.SearchRecord{rec}, t.history...)
	if len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
	t.version++
}

func (t *Traffic) Snapshot() domain.TrafficSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Traffic) snapshotLocked() domain.TrafficSnapshot {
	requesters := make([]string, 0, len(t.requesters))
	for r := range t.requesters {
		requesters = append(requesters, r)
	}
	sort.Strings(requesters)
	return domain.TrafficSnapshot{
		TotalSearches:  t.total,
		UniqueVisitors: len(t.requesters),
		Requesters:     requesters,
		SearchHistory:  append([]domain.SearchRecord{}, t.history...),
	}
}

// Restore replaces the counters with a previously persisted snapshot.
func (t *Traffic) Restore(s domain.TrafficSnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total = s.TotalSearches
	t.requesters = make(map[string]struct{}, len(s.Requesters))
	for _, r := range s.Requesters {
		t.requesters[r] = struct{}{}
	}
	t.history = append([]domain.SearchRecord{}, s.SearchHistory...)
	if len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
	t.version++
}

func (t *Traffic) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = 0
	t.requesters = make(map[string]struct{})
	t.history = nil
	t.version++
}

// changedSince returns the current snapshot and version when the counters moved
// past version.
func (t *Traffic) changedSince(version uint64) (domain.TrafficSnapshot, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.version == version {
		return domain.TrafficSnapshot{}, version, false
	}
	return t.snapshotLocked(), t.version, true
}
