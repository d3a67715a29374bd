// Package worker models the single trusted worker connection as a state machine:
// disconnected, connected and idle, or connected and busy with exactly one job.
package worker

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pricefinder/internal/domain"
	"pricefinder/internal/metrics"
)

// Transport is the wire to the worker. SendJob must not block.
type Transport interface {
	SendJob(job domain.Job) error
	Close() error
}

// Listener is told about transitions that can unblock or invalidate dispatch.
// Calls are made without the channel lock held.
type Listener interface {
	WorkerIdle()
	WorkerLost(inFlight *domain.Job)
}

type Channel struct {
	mu            sync.Mutex
	secret        string
	state         domain.WorkerState
	transport     Transport
	generation    uint64
	sessionID     string
	current       *domain.Job
	connectedAt   time.Time
	busySince     time.Time
	lastCompleted domain.SearchKey
	completed     int64
	listener      Listener
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

type Option func(*Channel)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithListener(l Listener) Option {
	return func(c *Channel) {
		c.listener = l
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

func NewChannel(secret string, opts ...Option) *Channel {
	c := &Channel{
		secret: secret,
		state:  domain.WorkerDisconnected,
		logger: slog.Default(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	publishState(c.state)
	return c
}

// SetListener installs the listener after construction.
func (c *Channel) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Authenticate compares credential with the shared secret in constant time.
// An unset secret rejects everyone.
func (c *Channel) Authenticate(credential string) bool {
	if c.secret == "" || credential == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(c.secret)) == 1
}

// Connect attaches transport as the worker. A previous worker, if any, is closed and
// handled as a disconnect.
func (c *Channel) Connect(credential string, transport Transport) (*Session, error) {
	if !c.Authenticate(credential) {
		metrics.WorkerConnectionsTotal.WithLabelValues("rejected").Inc()
		c.logger.Warn("worker connection rejected: bad secret")
		if transport != nil {
			_ = transport.Close()
		}
		return nil, domain.ErrUnauthorized
	}

	c.mu.Lock()
	replaced := c.transport
	lost := c.current
	hadWorker := c.state != domain.WorkerDisconnected

	c.generation++
	session := &Session{id: c.newID(), generation: c.generation, channel: c}
	c.transport = transport
	c.sessionID = session.id
	c.state = domain.WorkerIdle
	c.current = nil
	c.lastCompleted = ""
	c.connectedAt = c.now()
	c.busySince = time.Time{}
	listener := c.listener
	c.mu.Unlock()

	metrics.WorkerConnectionsTotal.WithLabelValues("accepted").Inc()
	publishState(domain.WorkerIdle)

	if hadWorker {
		c.logger.Warn("worker replaced by new connection", slog.String("sessionId", session.id))
		if replaced != nil {
			_ = replaced.Close()
		}
		if lost != nil {
			metrics.JobsTotal.WithLabelValues("lost").Inc()
		}
		if listener != nil {
			listener.WorkerLost(lost)
		}
	}
	c.logger.Info("worker connected", slog.String("sessionId", session.id))
	if listener != nil {
		listener.WorkerIdle()
	}
	return session, nil
}

// Dispatch hands key to an idle worker and marks the channel busy.
func (c *Channel) Dispatch(key domain.SearchKey) (domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.WorkerDisconnected:
		return domain.Job{}, domain.ErrNotConnected
	case domain.WorkerBusy:
		return domain.Job{}, domain.ErrWorkerBusy
	}

	if c.transport == nil {
		return domain.Job{}, domain.ErrNotConnected
	}
	job := domain.Job{ID: c.newID(), Key: key}
	if err := c.transport.SendJob(job); err != nil {
		return domain.Job{}, fmt.Errorf("send job: %w", err)
	}
	c.current = &job
	c.state = domain.WorkerBusy
	c.busySince = c.now()
	metrics.JobsTotal.WithLabelValues("dispatched").Inc()
	publishState(domain.WorkerBusy)
	c.logger.Info("job dispatched",
		slog.String("key", key.String()),
		slog.String("jobId", job.ID),
		slog.String("sessionId", c.sessionID),
	)
	return job, nil
}

// Complete marks the in-flight job for key as finished. A repeat for the job that
// finished last is accepted silently, even once the next job is in flight; any
// other mismatch is ErrStaleCompletion and leaves the state untouched.
func (c *Channel) Complete(key domain.SearchKey) error {
	return c.complete(0, key)
}

func (c *Channel) complete(generation uint64, key domain.SearchKey) error {
	c.mu.Lock()
	if generation != 0 && generation != c.generation {
		c.mu.Unlock()
		return c.stale(key, "", "completion from a closed session")
	}
	switch c.state {
	case domain.WorkerDisconnected:
		c.mu.Unlock()
		return domain.ErrNotConnected
	case domain.WorkerIdle:
		duplicate := key == c.lastCompleted
		c.mu.Unlock()
		if duplicate {
			c.logger.Debug("duplicate job completion ignored", slog.String("key", key.String()))
			return nil
		}
		return c.stale(key, "", "no job in flight")
	}
	if c.current == nil || c.current.Key != key {
		expected := domain.SearchKey("")
		if c.current != nil {
			expected = c.current.Key
		}
		duplicate := key == c.lastCompleted
		c.mu.Unlock()
		if duplicate {
			c.logger.Debug("duplicate job completion ignored", slog.String("key", key.String()))
			return nil
		}
		return c.stale(key, expected, "key mismatch")
	}

	job := *c.current
	took := c.now().Sub(c.busySince)
	c.current = nil
	c.state = domain.WorkerIdle
	c.busySince = time.Time{}
	c.lastCompleted = key
	c.completed++
	listener := c.listener
	c.mu.Unlock()

	metrics.JobsTotal.WithLabelValues("completed").Inc()
	publishState(domain.WorkerIdle)
	c.logger.Info("job completed",
		slog.String("key", key.String()),
		slog.String("jobId", job.ID),
		slog.Int64("durationMs", took.Milliseconds()),
	)
	if listener != nil {
		listener.WorkerIdle()
	}
	return nil
}

func (c *Channel) stale(key, expected domain.SearchKey, reason string) error {
	metrics.StaleCompletionsTotal.Inc()
	c.logger.Warn("stale job completion ignored",
		slog.String("key", key.String()),
		slog.String("expected", expected.String()),
		slog.String("reason", reason),
	)
	return fmt.Errorf("%w: %s", domain.ErrStaleCompletion, reason)
}

// Disconnect handles loss of the current transport.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()
	c.disconnect(generation, false)
}

// ForceDisconnect is the admin variant of Disconnect; it also closes the transport.
// It reports whether a worker was attached.
func (c *Channel) ForceDisconnect() bool {
	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()
	return c.disconnect(generation, true)
}

func (c *Channel) disconnect(generation uint64, closeTransport bool) bool {
	c.mu.Lock()
	if generation != c.generation || c.state == domain.WorkerDisconnected {
		c.mu.Unlock()
		return false
	}
	transport := c.transport
	lost := c.current
	sessionID := c.sessionID
	c.transport = nil
	c.current = nil
	c.sessionID = ""
	c.state = domain.WorkerDisconnected
	c.connectedAt = time.Time{}
	c.busySince = time.Time{}
	c.lastCompleted = ""
	listener := c.listener
	c.mu.Unlock()

	publishState(domain.WorkerDisconnected)
	if closeTransport && transport != nil {
		_ = transport.Close()
	}
	attrs := []any{slog.String("sessionId", sessionID), slog.Bool("forced", closeTransport)}
	if lost != nil {
		metrics.JobsTotal.WithLabelValues("lost").Inc()
		attrs = append(attrs, slog.String("lostKey", lost.Key.String()))
	}
	c.logger.Warn("worker disconnected", attrs...)
	if listener != nil {
		listener.WorkerLost(lost)
	}
	return true
}

// Current returns the in-flight key when the worker is busy.
func (c *Channel) Current() (domain.SearchKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", false
	}
	return c.current.Key, true
}

func (c *Channel) State() domain.WorkerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() != domain.WorkerDisconnected
}

func (c *Channel) Status() domain.WorkerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := domain.WorkerStatus{
		State:         c.state,
		SessionID:     c.sessionID,
		JobsCompleted: c.completed,
	}
	if !c.connectedAt.IsZero() {
		at := c.connectedAt
		status.ConnectedAt = &at
	}
	if c.current != nil {
		status.CurrentKey = c.current.Key
		status.CurrentJobID = c.current.ID
		since := c.busySince
		status.BusySince = &since
	}
	return status
}

func publishState(state domain.WorkerState) {
	for _, s := range []domain.WorkerState{domain.WorkerDisconnected, domain.WorkerIdle, domain.WorkerBusy} {
		value := 0.0
		if s == state {
			value = 1
		}
		metrics.WorkerState.WithLabelValues(string(s)).Set(value)
	}
}

// Session is one accepted connection. Its methods become no-ops once a newer
// session replaces it or it has been disconnected.
type Session struct {
	id         string
	generation uint64
	channel    *Channel
}

func (s *Session) ID() string {
	return s.id
}

// Complete reports a finished job on behalf of this session.
func (s *Session) Complete(key domain.SearchKey) error {
	return s.channel.complete(s.generation, key)
}

// Close reports that this session's transport is gone.
func (s *Session) Close() {
	s.channel.disconnect(s.generation, false)
}
