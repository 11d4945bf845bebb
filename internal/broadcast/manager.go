// ============================================================================
// summaryq Event Broadcast Manager - live progress fan-out
// ============================================================================
//
// Package: internal/broadcast
// File: manager.go
// Purpose: fan job changes out to subscribed connections
//
// Delivery:
//   - at most once, latest favoured: each connection buffers into a bounded
//     ring and a full ring drops its oldest event
//   - Publish never blocks and never fails; slow subscribers only hurt
//     themselves
//   - Drain is the only blocking read; when nothing arrives within the
//     timeout it returns a synthesized heartbeat event
//
// Liveness:
//   - heartbeat monitor (every HeartbeatInterval): a connection that was not
//     drained during a whole interval records a miss; MissedHeartbeats
//     consecutive misses mark it stale
//   - cleanup sweep (every CleanupInterval): stale and disconnected
//     connections, and active ones idle longer than IdleTimeout, are removed
//
// Locking:
//   - mu guards the connection table only; Publish copies the targets under
//     RLock and enqueues outside it
//   - every Connection has its own lock around its ring
//
// ============================================================================

package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrConnectionClosed is returned by Drain once the connection was removed.
var ErrConnectionClosed = errors.New("broadcast: connection closed")

// Config tunes the manager.
type Config struct {
	BufferSize        int           // ring capacity per connection
	MaxBatch          int           // max events returned by one Drain, <= 0 means all
	HeartbeatInterval time.Duration // heartbeat check period and default Drain timeout
	MissedHeartbeats  int           // consecutive misses before a connection turns stale
	IdleTimeout       time.Duration // max time since the last drain, <= 0 disables
	CleanupInterval   time.Duration // sweep period
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		BufferSize:        100,
		MaxBatch:          50,
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  3,
		IdleTimeout:       5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Active     int   `json:"active"`
	Stale      int   `json:"stale"`
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Dropped    int64 `json:"dropped"`
	Heartbeats int64 `json:"heartbeats"`
	Evicted    int64 `json:"evicted"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every connection. It is safe for concurrent use.
type Manager struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection

	nextID atomic.Uint64

	published  atomic.Int64
	delivered  atomic.Int64
	dropped    atomic.Int64
	heartbeats atomic.Int64
	evicted    atomic.Int64

	dropLog rate.Sometimes

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewManager creates a manager. Zero fields of cfg take their defaults.
func NewManager(cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	m := &Manager{
		cfg:     cfg,
		log:     slog.Default(),
		now:     time.Now,
		conns:   make(map[string]*Connection),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "broadcast")
	return m
}

// Start launches the heartbeat monitor and the cleanup sweeper.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.loop(m.cfg.HeartbeatInterval, m.CheckHeartbeats)
		go m.loop(m.cfg.CleanupInterval, func(now time.Time) { m.Sweep(now) })
	})
}

// Stop halts the background loops and removes every connection.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.wg.Wait()

		m.mu.Lock()
		conns := m.conns
		m.conns = make(map[string]*Connection)
		m.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
	})
}

func (m *Manager) loop(every time.Duration, fn func(time.Time)) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			fn(m.now())
		}
	}
}

// Connect registers a new connection. With a filter only the listed event
// types are buffered for it.
func (m *Manager) Connect(filter ...EventType) *Connection {
	c := newConnection(uuid.NewString(), m.cfg.BufferSize, filter, m.now())

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	c.setState(StateActive)
	m.log.Debug("connection opened", "conn_id", c.id, "filter", filter)
	return c
}

// Disconnect removes the connection. Calling it again is a no-op.
func (m *Manager) Disconnect(c *Connection) {
	if c == nil {
		return
	}
	m.mu.Lock()
	_, ok := m.conns[c.id]
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.setState(StateDisconnected)
	c.close()
	if ok {
		m.log.Debug("connection closed", "conn_id", c.id)
	}
}

// Publish buffers an event for every active connection whose filter accepts
// eventType. It returns the assigned event.
func (m *Manager) Publish(eventType EventType, job *JobEvent) Event {
	e := Event{
		ID:        m.nextID.Add(1),
		Type:      eventType,
		Timestamp: m.now().UTC(),
		Job:       job,
	}
	m.published.Add(1)

	m.mu.RLock()
	targets := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		if c.accepts(eventType) {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if _, dropped := c.enqueue(e); dropped {
			m.dropped.Add(1)
			m.dropLog.Do(func() {
				m.log.Warn("slow subscriber, oldest event dropped", "conn_id", c.id, "dropped_total", c.Dropped())
			})
		}
	}
	return e
}

// Drain returns the buffered events of c, blocking up to timeout for the
// first one. A timeout yields a single heartbeat event. timeout <= 0 uses the
// heartbeat interval.
func (m *Manager) Drain(ctx context.Context, c *Connection, timeout time.Duration) ([]Event, error) {
	if timeout <= 0 {
		timeout = m.cfg.HeartbeatInterval
	}
	if !c.begin(m.now()) {
		return nil, ErrConnectionClosed
	}
	defer c.end()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if events := c.take(m.cfg.MaxBatch, m.now()); len(events) > 0 {
			c.delivered.Add(uint64(len(events)))
			m.delivered.Add(int64(len(events)))
			return events, nil
		}

		select {
		case <-c.notify:
		case <-c.closed:
			return nil, ErrConnectionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			c.touch(m.now())
			m.heartbeats.Add(1)
			return []Event{{
				ID:        m.nextID.Add(1),
				Type:      EventHeartbeat,
				Timestamp: m.now().UTC(),
			}}, nil
		}
	}
}

// CheckHeartbeats runs one heartbeat check over every connection.
func (m *Manager) CheckHeartbeats(now time.Time) {
	for _, c := range m.snapshot() {
		if c.tick(m.cfg.MissedHeartbeats) {
			m.log.Info("connection stale", "conn_id", c.id, "idle", now.Sub(c.LastActivity()))
		}
	}
}

// Sweep removes stale, disconnected and idle connections and returns how
// many were removed.
func (m *Manager) Sweep(now time.Time) int {
	var victims []*Connection
	for _, c := range m.snapshot() {
		if c.reclaimable(now, m.cfg.IdleTimeout) {
			victims = append(victims, c)
		}
	}
	if len(victims) == 0 {
		return 0
	}

	m.mu.Lock()
	for _, c := range victims {
		delete(m.conns, c.id)
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.close()
	}
	m.evicted.Add(int64(len(victims)))
	m.log.Info("reclaimed connections", "count", len(victims))
	return len(victims)
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	st := Stats{
		Published:  m.published.Load(),
		Delivered:  m.delivered.Load(),
		Dropped:    m.dropped.Load(),
		Heartbeats: m.heartbeats.Load(),
		Evicted:    m.evicted.Load(),
	}
	for _, c := range m.snapshot() {
		switch c.State() {
		case StateActive:
			st.Active++
		case StateStale:
			st.Stale++
		}
	}
	return st
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

func (m *Manager) snapshot() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}
