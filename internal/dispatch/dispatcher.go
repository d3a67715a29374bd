// Package dispatch moves queued search keys to the worker whenever a key is waiting,
// the worker is idle and dispatch is not paused.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"pricefinder/internal/domain"
	"pricefinder/internal/metrics"
	"pricefinder/internal/queue"
	"pricefinder/internal/worker"
)

// DisconnectPolicy decides what happens to pending work when the worker goes away.
type DisconnectPolicy int

const (
	// DropOnDisconnect clears the queue and forgets the in-flight key.
	DropOnDisconnect DisconnectPolicy = iota
	// RequeueOnDisconnect keeps the queue and puts the in-flight key back at its head.
	RequeueOnDisconnect
)

func (p DisconnectPolicy) String() string {
	if p == RequeueOnDisconnect {
		return "requeue"
	}
	return "drop"
}

// Dispatcher serializes every compound queue/worker transition under one lock.
type Dispatcher struct {
	mu     sync.Mutex
	queue  *queue.Queue
	worker *worker.Channel
	paused atomic.Bool
	policy DisconnectPolicy
	logger *slog.Logger
}

type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDisconnectPolicy(policy DisconnectPolicy) Option {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// New wires q and ch together: the queue learns the worker's in-flight key and the
// channel reports its transitions back to the dispatcher.
func New(q *queue.Queue, ch *worker.Channel, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  q,
		worker: ch,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	q.SetInFlight(ch.Current)
	ch.SetListener(d)
	return d
}

// Submit queues key for the worker and tries to dispatch. It fails with ErrNoWorker
// when nobody is connected; added is false when key was already queued or in flight.
func (d *Dispatcher) Submit(key domain.SearchKey) (added bool, err error) {
	d.mu.Lock()
	if !d.worker.Connected() {
		d.mu.Unlock()
		return false, domain.ErrNoWorker
	}
	added = d.queue.Enqueue(key)
	broken := d.runLocked()
	d.mu.Unlock()

	if added {
		d.logger.Debug("search key queued", slog.String("key", key.String()), slog.Int("queueSize", d.queue.Size()))
	}
	d.handleBroken(broken)
	return added, nil
}

// Run dispatches the next key if the preconditions hold.
func (d *Dispatcher) Run() {
	d.mu.Lock()
	broken := d.runLocked()
	d.mu.Unlock()
	d.handleBroken(broken)
}

// runLocked reports whether the transport failed while sending a job.
func (d *Dispatcher) runLocked() bool {
	if d.paused.Load() || d.worker.State() != domain.WorkerIdle {
		return false
	}
	key, ok := d.queue.DequeueNext()
	if !ok {
		return false
	}
	if _, err := d.worker.Dispatch(key); err != nil {
		d.queue.PushFront(key)
		if errors.Is(err, domain.ErrWorkerBusy) || errors.Is(err, domain.ErrNotConnected) {
			return false
		}
		d.logger.Error("dispatch failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return true
	}
	return false
}

func (d *Dispatcher) handleBroken(broken bool) {
	if broken {
		d.worker.ForceDisconnect()
	}
}

// WorkerIdle implements worker.Listener.
func (d *Dispatcher) WorkerIdle() {
	d.Run()
}

// WorkerLost implements worker.Listener.
func (d *Dispatcher) WorkerLost(inFlight *domain.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.policy {
	case RequeueOnDisconnect:
		if inFlight != nil {
			d.queue.PushFront(inFlight.Key)
			metrics.JobsTotal.WithLabelValues("requeued").Inc()
		}
		d.logger.Info("worker lost, pending jobs kept", slog.Int("queueSize", d.queue.Size()))
	default:
		dropped := d.queue.Clear()
		attrs := []any{slog.Int("dropped", dropped)}
		if inFlight != nil {
			attrs = append(attrs, slog.String("inFlight", inFlight.Key.String()))
		}
		d.logger.Info("worker lost, job queue cleared", attrs...)
	}
}

// SetPaused gates dispatch. Unpausing dispatches immediately if work is waiting.
func (d *Dispatcher) SetPaused(paused bool) {
	d.paused.Store(paused)
	d.logger.Info("queue pause changed", slog.Bool("paused", paused))
	if !paused {
		d.Run()
	}
}

func (d *Dispatcher) Paused() bool {
	return d.paused.Load()
}

// ClearQueue drops every pending key. The in-flight job is unaffected.
func (d *Dispatcher) ClearQueue() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Clear()
}

// Position is the 1-based queue position of key, 0 when it is the in-flight job or
// unknown.
func (d *Dispatcher) Position(key domain.SearchKey) int {
	return d.queue.Position(key)
}

func (d *Dispatcher) Pending() []queue.Item {
	return d.queue.Snapshot()
}

func (d *Dispatcher) Policy() DisconnectPolicy {
	return d.policy
}
