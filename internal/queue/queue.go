// Package queue implements the FIFO set of search keys waiting for the worker.
package queue

import (
	"sync"
	"time"

	"pricefinder/internal/domain"
	"pricefinder/internal/metrics"
)

// InFlightFunc reports the key the worker is currently processing, if any.
type InFlightFunc func() (domain.SearchKey, bool)

// Item is a queued key together with the time it was first requested.
type Item struct {
	Key        domain.SearchKey `json:"query"`
	EnqueuedAt time.Time        `json:"enqueuedAt"`
}

// Queue is a deduplicating FIFO. A key is present at most once and never while it
// is the in-flight job.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	index    map[domain.SearchKey]struct{}
	inFlight InFlightFunc
	now      func() time.Time
}

type Option func(*Queue)

func WithInFlight(fn InFlightFunc) Option {
	return func(q *Queue) {
		q.inFlight = fn
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		index: make(map[domain.SearchKey]struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// SetInFlight installs the in-flight lookup after construction.
func (q *Queue) SetInFlight(fn InFlightFunc) {
	q.mu.Lock()
	q.inFlight = fn
	q.mu.Unlock()
}

// Enqueue appends key unless it is already queued or in flight. It reports whether
// the queue changed.
func (q *Queue) Enqueue(key domain.SearchKey) bool {
	if key == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[key]; ok {
		return false
	}
	if q.inFlight != nil {
		if current, busy := q.inFlight(); busy && current == key {
			return false
		}
	}
	q.items = append(q.items, Item{Key: key, EnqueuedAt: q.now()})
	q.index[key] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.items)))
	return true
}

// PushFront puts key at the head of the queue, moving it there if already queued.
func (q *Queue) PushFront(key domain.SearchKey) {
	if key == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[key]; ok {
		q.removeLocked(key)
	}
	q.items = append([]Item{{Key: key, EnqueuedAt: q.now()}}, q.items...)
	q.index[key] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.items)))
}

// DequeueNext pops the oldest key.
func (q *Queue) DequeueNext() (domain.SearchKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	head := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	delete(q.index, head.Key)
	metrics.QueueDepth.Set(float64(len(q.items)))
	return head.Key, true
}

// Clear empties the queue and returns the number of keys dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	q.index = make(map[domain.SearchKey]struct{})
	metrics.QueueDepth.Set(0)
	return n
}

func (q *Queue) Contains(key domain.SearchKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[key]
	return ok
}

// Position is the 1-based place of key in line, or 0 when absent.
func (q *Queue) Position(key domain.SearchKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[key]; !ok {
		return 0
	}
	for i, item := range q.items {
		if item.Key == key {
			return i + 1
		}
	}
	return 0
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the queue contents, oldest first.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.items...)
}

func (q *Queue) removeLocked(key domain.SearchKey) {
	for i, item := range q.items {
		if item.Key == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.index, key)
}
