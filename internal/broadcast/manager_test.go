package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Helpers
// ============================================================================

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(cfg, opts...)
	t.Cleanup(m.Stop)
	return m
}

func progressEvent(id string, pct int) *JobEvent {
	return &JobEvent{JobID: id, Status: "running", Progress: pct}
}

// ============================================================================
// Ring
// ============================================================================

func TestRing_DropOldest(t *testing.T) {
	r := newRing(3)
	for i := 1; i <= 5; i++ {
		dropped := r.push(Event{ID: uint64(i)})
		assert.Equal(t, i > 3, dropped, "push %d", i)
	}
	assert.Equal(t, 3, r.len())

	got := r.pop(2)
	require.Len(t, got, 2)
	assert.EqualValues(t, 3, got[0].ID)
	assert.EqualValues(t, 4, got[1].ID)

	r.push(Event{ID: 6})
	got = r.pop(0)
	require.Len(t, got, 2)
	assert.EqualValues(t, 5, got[0].ID)
	assert.EqualValues(t, 6, got[1].ID)
	assert.Nil(t, r.pop(0))
}

// ============================================================================
// Publish / Drain
// ============================================================================

func TestManager_RingCapacityDropsOldest(t *testing.T) {
	m := newTestManager(t, Config{BufferSize: 5})
	c := m.Connect()

	for i := 0; i < 10; i++ {
		m.Publish(EventJobProgress, progressEvent("j", i*10))
	}

	events, err := m.Drain(context.Background(), c, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, (5+i)*10, e.Job.Progress, "the five newest events are kept in order")
	}
	assert.EqualValues(t, 5, c.Dropped())
	assert.EqualValues(t, 5, c.Delivered())

	st := m.Stats()
	assert.EqualValues(t, 10, st.Published)
	assert.EqualValues(t, 5, st.Dropped)
	assert.EqualValues(t, 5, st.Delivered)
}

func TestManager_EventIDsIncrease(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()

	for i := 0; i < 3; i++ {
		m.Publish(EventJobQueued, progressEvent(fmt.Sprintf("j%d", i), 0))
	}
	events, err := m.Drain(context.Background(), c, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Less(t, events[0].ID, events[1].ID)
	assert.Less(t, events[1].ID, events[2].ID)

	hb, err := m.Drain(context.Background(), c, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, hb[0].ID, events[2].ID)
}

func TestManager_DrainHeartbeatOnTimeout(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()

	start := time.Now()
	events, err := m.Drain(context.Background(), c, 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventHeartbeat, events[0].Type)
	assert.Nil(t, events[0].Job)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.EqualValues(t, 1, m.Stats().Heartbeats)
}

func TestManager_DrainWakesOnPublish(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Publish(EventJobCompleted, &JobEvent{JobID: "j", Status: "completed", Progress: 100})
	}()

	events, err := m.Drain(context.Background(), c, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobCompleted, events[0].Type)
}

func TestManager_DrainMaxBatch(t *testing.T) {
	m := newTestManager(t, Config{BufferSize: 10, MaxBatch: 4})
	c := m.Connect()
	for i := 0; i < 6; i++ {
		m.Publish(EventJobProgress, progressEvent("j", i))
	}

	first, err := m.Drain(context.Background(), c, time.Second)
	require.NoError(t, err)
	assert.Len(t, first, 4)

	second, err := m.Drain(context.Background(), c, time.Second)
	require.NoError(t, err)
	assert.Len(t, second, 2)
}

func TestManager_DrainContextCancelled(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Drain(ctx, c, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_Filter(t *testing.T) {
	m := newTestManager(t, Config{})
	all := m.Connect()
	doneOnly := m.Connect(EventJobCompleted, EventJobFailed)

	m.Publish(EventJobProgress, progressEvent("j", 50))
	m.Publish(EventJobCompleted, &JobEvent{JobID: "j", Status: "completed"})

	assert.Equal(t, 2, all.Pending())
	events, err := m.Drain(context.Background(), doneOnly, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventJobCompleted, events[0].Type)
}

func TestParseEventTypes(t *testing.T) {
	got, err := ParseEventTypes("job.progress, job.completed,")
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventJobProgress, EventJobCompleted}, got)

	got, err = ParseEventTypes("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseEventTypes("job.exploded")
	assert.Error(t, err)
}

// ============================================================================
// Disconnect
// ============================================================================

func TestManager_DisconnectIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()
	assert.Equal(t, 1, m.ConnectionCount())

	m.Disconnect(c)
	m.Disconnect(c)
	m.Disconnect(nil)

	assert.Equal(t, 0, m.ConnectionCount())
	assert.Equal(t, StateRemoved, c.State())

	_, err := m.Drain(context.Background(), c, time.Second)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// Publishing after disconnect is harmless.
	m.Publish(EventJobQueued, progressEvent("j", 0))
	assert.Equal(t, 0, c.Pending())
}

func TestManager_DisconnectWakesDrain(t *testing.T) {
	m := newTestManager(t, Config{})
	c := m.Connect()

	errs := make(chan error, 1)
	go func() {
		_, err := m.Drain(context.Background(), c, 5*time.Second)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	m.Disconnect(c)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Drain still blocked after Disconnect")
	}
}

// ============================================================================
// Heartbeats and cleanup
// ============================================================================

func TestManager_StaleAfterMissedHeartbeats(t *testing.T) {
	m := newTestManager(t, Config{MissedHeartbeats: 3})
	idle := m.Connect()
	busy := m.Connect()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := m.Drain(context.Background(), busy, time.Millisecond)
		require.NoError(t, err)
		m.CheckHeartbeats(now)
		if i < 2 {
			assert.Equal(t, StateActive, idle.State(), "after %d misses", i+1)
		}
	}
	assert.Equal(t, StateStale, idle.State())
	assert.Equal(t, StateActive, busy.State())

	st := m.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Stale)

	// Stale connections get nothing and are reclaimed by one sweep.
	m.Publish(EventJobQueued, progressEvent("j", 0))
	assert.Equal(t, 0, idle.Pending())

	assert.Equal(t, 1, m.Sweep(now))
	assert.Equal(t, 1, m.ConnectionCount())
	_, err := m.Drain(context.Background(), idle, time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.EqualValues(t, 1, m.Stats().Evicted)
}

func TestManager_BlockedDrainCountsAsAlive(t *testing.T) {
	m := newTestManager(t, Config{MissedHeartbeats: 1})
	c := m.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = m.Drain(ctx, c, 5*time.Second) }()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.waiting == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < 3; i++ {
		m.CheckHeartbeats(time.Now())
	}
	assert.Equal(t, StateActive, c.State())
}

func TestManager_SweepIdle(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := newTestManager(t, Config{IdleTimeout: time.Minute}, WithClock(clock))
	c := m.Connect()

	assert.Equal(t, 0, m.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 1, m.Sweep(now.Add(2*time.Minute)))
	assert.Equal(t, StateRemoved, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after removal")
	}
}

func TestManager_BackgroundLoopsReclaimStale(t *testing.T) {
	m := newTestManager(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		MissedHeartbeats:  2,
		CleanupInterval:   15 * time.Millisecond,
	})
	m.Start()
	m.Start()
	m.Connect()

	require.Eventually(t, func() bool { return m.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, m.Stats().Evicted)
}

func TestManager_StopClosesConnections(t *testing.T) {
	m := NewManager(Config{})
	m.Start()
	c := m.Connect()

	m.Stop()
	m.Stop()

	assert.Equal(t, 0, m.ConnectionCount())
	_, err := m.Drain(context.Background(), c, time.Millisecond)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

// ============================================================================
// Concurrency
// ============================================================================

func TestManager_ConcurrentPublishAndDrain(t *testing.T) {
	m := newTestManager(t, Config{BufferSize: 1000})
	const subscribers, events = 5, 200

	conns := make([]*Connection, subscribers)
	for i := range conns {
		conns[i] = m.Connect()
	}

	var wg sync.WaitGroup
	received := make([]int, subscribers)
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			for received[i] < events {
				batch, err := m.Drain(context.Background(), c, time.Second)
				if err != nil {
					return
				}
				for _, e := range batch {
					if e.Type != EventHeartbeat {
						received[i]++
					}
				}
			}
		}(i, c)
	}

	for i := 0; i < events; i++ {
		m.Publish(EventJobProgress, progressEvent("j", i%100))
	}
	wg.Wait()

	for i := range received {
		assert.Equal(t, events, received[i])
	}
	assert.EqualValues(t, 0, m.Stats().Dropped)
}
