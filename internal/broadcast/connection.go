package broadcast

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateActive
	StateStale
	StateDisconnected
	StateRemoved
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateDisconnected:
		return "disconnected"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Connection is one subscriber. Events wait in a bounded ring until the
// subscriber drains them; when the ring is full the oldest event is dropped.
type Connection struct {
	id        string
	createdAt time.Time
	filter    map[EventType]struct{} // nil means every type

	mu           sync.Mutex
	ring         *ring
	state        ConnState
	lastActivity time.Time
	missed       int  // consecutive heartbeat intervals without a drain
	drained      bool // drained since the last heartbeat check
	waiting      int  // Drain calls currently blocked

	notify    chan struct{} // signalled when the ring becomes non-empty
	closed    chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newConnection(id string, capacity int, filter []EventType, now time.Time) *Connection {
	c := &Connection{
		id:           id,
		createdAt:    now,
		ring:         newRing(capacity),
		state:        StateConnecting,
		lastActivity: now,
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	if len(filter) > 0 {
		c.filter = make(map[EventType]struct{}, len(filter))
		for _, t := range filter {
			c.filter[t] = struct{}{}
		}
	}
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// CreatedAt returns when the connection was opened.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// State returns the current state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastActivity returns the time of the last drain.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Pending returns the number of buffered events.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ring.len()
}

// Delivered returns the number of events handed to the subscriber.
func (c *Connection) Delivered() uint64 { return c.delivered.Load() }

// Dropped returns the number of events lost to ring overflow.
func (c *Connection) Dropped() uint64 { return c.dropped.Load() }

// Done is closed once the connection is removed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// accepts reports whether the filter lets t through.
func (c *Connection) accepts(t EventType) bool {
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[t]
	return ok
}

// enqueue buffers e. It returns accepted=false when the connection is not
// active and dropped=true when an older event was overwritten.
func (c *Connection) enqueue(e Event) (accepted, dropped bool) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return false, false
	}
	dropped = c.ring.push(e)
	c.mu.Unlock()

	if dropped {
		c.dropped.Add(1)
	}
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true, dropped
}

// take removes up to n buffered events and records the activity.
func (c *Connection) take(n int, now time.Time) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
	c.drained = true
	c.missed = 0
	return c.ring.pop(n)
}

// touch records activity without consuming events.
func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.drained = true
	c.mu.Unlock()
}

// begin registers a blocking Drain. It fails unless the connection is active.
func (c *Connection) begin(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	c.waiting++
	c.lastActivity = now
	c.drained = true
	c.missed = 0
	return true
}

func (c *Connection) end() {
	c.mu.Lock()
	c.waiting--
	c.mu.Unlock()
}

// tick runs one heartbeat check and reports whether the connection just
// became stale.
func (c *Connection) tick(maxMissed int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return false
	}
	if c.drained || c.waiting > 0 {
		c.drained = false
		c.missed = 0
		return false
	}
	c.missed++
	if c.missed >= maxMissed {
		c.state = StateStale
		return true
	}
	return false
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// reclaimable reports whether the sweep should remove the connection.
func (c *Connection) reclaimable(now time.Time, idle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateStale, StateDisconnected:
		return true
	case StateActive:
		return idle > 0 && c.waiting == 0 && now.Sub(c.lastActivity) > idle
	default:
		return false
	}
}

// close marks the connection removed and wakes blocked drains.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateRemoved
		c.ring.pop(0)
		c.mu.Unlock()
		close(c.closed)
	})
}
