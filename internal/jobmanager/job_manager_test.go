package jobmanager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/summaryq/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// newTestJob creates a pending single-video job
func newTestJob(id string) types.Job {
	return types.Job{
		ID:          types.JobID(id),
		Type:        types.JobTypeSingle,
		Priority:    types.PriorityNormal,
		Params:      types.SingleParams{URL: "https://youtu.be/" + id},
		MaxAttempts: 3,
	}
}

// recorder collects change notifications
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) hook(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, 0, len(r.changes))
	for _, c := range r.changes {
		out = append(out, c.Kind)
	}
	return out
}

func registerRunning(t *testing.T, m *Manager, id string) types.Job {
	t.Helper()
	_, err := m.Register(newTestJob(id))
	require.NoError(t, err)
	job, err := m.MarkRunning(types.JobID(id))
	require.NoError(t, err)
	return job
}

// ============================================================================
// Registration
// ============================================================================

func TestRegister(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := NewManager(WithClock(func() time.Time { return created }))

	in := newTestJob("job-1")
	in.Status = types.StatusCompleted // ignored
	in.Progress = 50                  // ignored

	job, err := m.Register(in)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, created, job.CreatedAt)
	assert.Nil(t, job.StartedAt)

	_, err = m.Register(in)
	assert.ErrorIs(t, err, ErrDuplicateJob)
}

func TestGetUnknownJob(t *testing.T) {
	m := NewManager()
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = m.Transition("missing", types.StatusRunning, Outcome{})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	m := NewManager()
	registerRunning(t, m, "job-1")

	job, err := m.Get("job-1")
	require.NoError(t, err)
	job.Status = types.StatusCompleted
	job.StartedAt = nil

	again, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, again.Status)
	assert.NotNil(t, again.StartedAt)
}

// ============================================================================
// State Machine
// ============================================================================

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*Manager, types.JobID)
		to      types.JobStatus
		changed bool
		wantErr error
	}{
		{
			name:    "pending to running",
			setup:   func(*Manager, types.JobID) {},
			to:      types.StatusRunning,
			changed: true,
		},
		{
			name:    "pending to cancelled",
			setup:   func(*Manager, types.JobID) {},
			to:      types.StatusCancelled,
			changed: true,
		},
		{
			name:    "pending to completed is rejected",
			setup:   func(*Manager, types.JobID) {},
			to:      types.StatusCompleted,
			wantErr: ErrInvalidTransition,
		},
		{
			name: "running to completed",
			setup: func(m *Manager, id types.JobID) {
				_, _ = m.MarkRunning(id)
			},
			to:      types.StatusCompleted,
			changed: true,
		},
		{
			name: "running to pending is rejected",
			setup: func(m *Manager, id types.JobID) {
				_, _ = m.MarkRunning(id)
			},
			to:      types.StatusPending,
			wantErr: ErrInvalidTransition,
		},
		{
			name: "completing a cancelled job is a no-op",
			setup: func(m *Manager, id types.JobID) {
				_, _ = m.MarkRunning(id)
				_, _ = m.Cancel(id, "user")
			},
			to:      types.StatusCompleted,
			changed: false,
		},
		{
			name: "failed to running is rejected",
			setup: func(m *Manager, id types.JobID) {
				_, _ = m.MarkRunning(id)
				_, _ = m.Fail(id, "boom")
			},
			to:      types.StatusRunning,
			wantErr: ErrInvalidTransition,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			id := types.JobID(fmt.Sprintf("job-%d", i))
			_, err := m.Register(newTestJob(string(id)))
			require.NoError(t, err)
			tt.setup(m, id)

			changed, err := m.Transition(id, tt.to, Outcome{})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.changed, changed)
		})
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	order := map[types.JobStatus]int{
		types.StatusPending:   0,
		types.StatusRunning:   1,
		types.StatusCompleted: 2,
		types.StatusFailed:    2,
		types.StatusCancelled: 2,
	}
	all := []types.JobStatus{
		types.StatusPending, types.StatusRunning, types.StatusCompleted,
		types.StatusFailed, types.StatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				assert.Greater(t, order[to], order[from], "%s → %s moves backwards", from, to)
			}
		}
	}
}

func TestMarkRunningBookkeeping(t *testing.T) {
	m := NewManager()
	job := registerRunning(t, m, "job-1")

	assert.Equal(t, types.StatusRunning, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.StartedAt)
	firstStart := *job.StartedAt

	// A retry keeps started_at from the first run.
	require.NoError(t, m.Retry("job-1", time.Now(), "transient"))
	time.Sleep(2 * time.Millisecond)
	job, err := m.MarkRunning("job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, firstStart, *job.StartedAt)
	assert.Nil(t, job.NextRunAt)

	_, err = m.MarkRunning("job-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCompleteSetsResult(t *testing.T) {
	m := NewManager()
	registerRunning(t, m, "job-1")

	changed, err := m.Complete("job-1", &types.Result{Output: map[string]any{"summary": "ok"}})
	require.NoError(t, err)
	assert.True(t, changed)

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.Result)
	assert.Equal(t, "ok", job.Result.Output["summary"])
	assert.Empty(t, job.Error)
	assert.NotNil(t, job.CompletedAt)
}

func TestFailSetsError(t *testing.T) {
	m := NewManager()
	registerRunning(t, m, "job-1")

	_, err := m.Fail("job-1", "transcript unavailable")
	require.NoError(t, err)

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "transcript unavailable", job.Error)
	assert.Nil(t, job.Result)
}

func TestRetry(t *testing.T) {
	m := NewManager()
	_, err := m.Register(newTestJob("job-1"))
	require.NoError(t, err)

	err = m.Retry("job-1", time.Now(), "x")
	assert.ErrorIs(t, err, ErrInvalidTransition, "retry needs a running or failed job")

	_, err = m.MarkRunning("job-1")
	require.NoError(t, err)
	next := time.Now().Add(time.Second)
	require.NoError(t, m.Retry("job-1", next, "x"))

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, job.Status)
	require.NotNil(t, job.NextRunAt)
	assert.True(t, next.Equal(*job.NextRunAt))
}

// ============================================================================
// Progress
// ============================================================================

func TestUpdateProgress(t *testing.T) {
	m := NewManager()
	_, err := m.Register(newTestJob("job-1"))
	require.NoError(t, err)

	assert.False(t, m.UpdateProgress("job-1", 10, "x"), "pending job rejects progress")

	_, err = m.MarkRunning("job-1")
	require.NoError(t, err)

	assert.True(t, m.UpdateProgress("job-1", 20, "fetching transcript"))
	assert.False(t, m.UpdateProgress("job-1", 10, "older"), "progress never moves backwards")
	assert.True(t, m.UpdateProgress("job-1", 150, "done"), "progress is clamped")

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, "done", job.CurrentItem)

	_, err = m.Complete("job-1", nil)
	require.NoError(t, err)
	assert.False(t, m.UpdateProgress("job-1", 100, "late"), "terminal job rejects progress")
}

// ============================================================================
// Cancellation
// ============================================================================

func TestRequestCancel(t *testing.T) {
	m := NewManager()
	_, err := m.Register(newTestJob("job-1"))
	require.NoError(t, err)

	status, err := m.RequestCancel("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, status)
	assert.False(t, m.CancelRequested("job-1"), "flag is only set on running jobs")

	_, err = m.MarkRunning("job-1")
	require.NoError(t, err)
	status, err = m.RequestCancel("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, status)
	assert.True(t, m.CancelRequested("job-1"))

	_, err = m.RequestCancel("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

// ============================================================================
// Hooks
// ============================================================================

func TestChangeHookOrder(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithChangeHook(rec.hook))

	registerRunning(t, m, "job-1")
	m.UpdateProgress("job-1", 50, "half")
	_, err := m.Complete("job-1", nil)
	require.NoError(t, err)
	_, err = m.Cancel("job-1", "late cancel") // no-op, no notification
	require.NoError(t, err)

	assert.Equal(t, []ChangeKind{ChangeQueued, ChangeStarted, ChangeProgress, ChangeCompleted}, rec.kinds())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 50, rec.changes[2].Progress)
	assert.Equal(t, "half", rec.changes[2].CurrentItem)
	assert.Equal(t, types.StatusCompleted, rec.changes[3].Status)
}

func TestOnChangeAddsHook(t *testing.T) {
	m := NewManager()
	rec := &recorder{}
	m.OnChange(rec.hook)

	_, err := m.Register(newTestJob("job-1"))
	require.NoError(t, err)
	assert.Equal(t, []ChangeKind{ChangeQueued}, rec.kinds())
}

// ============================================================================
// Maintenance
// ============================================================================

func TestPruneAndStats(t *testing.T) {
	m := NewManager()
	registerRunning(t, m, "done")
	_, err := m.Complete("done", nil)
	require.NoError(t, err)
	registerRunning(t, m, "busy")
	_, err = m.Register(newTestJob("queued"))
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats[types.StatusCompleted])
	assert.Equal(t, 1, stats[types.StatusRunning])
	assert.Equal(t, 1, stats[types.StatusPending])

	removed := m.Prune(time.Now().Add(time.Minute))
	assert.Equal(t, 1, removed)
	_, err = m.Get("done")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Get("busy")
	assert.NoError(t, err)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentProgressAndCancel(t *testing.T) {
	m := NewManager()
	registerRunning(t, m, "job-1")

	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			m.UpdateProgress("job-1", p, fmt.Sprintf("step %d", p))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.Cancel("job-1", "user")
	}()
	wg.Wait()

	job, err := m.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, job.Status)
}

func TestHookReadsRegistryUnderLoad(t *testing.T) {
	var (
		mu      sync.Mutex
		reads   int
		lastSeq = make(map[types.JobID]ChangeKind)
	)
	var m *Manager
	m = NewManager(WithChangeHook(func(c Change) {
		if c.Status.IsTerminal() {
			job, err := m.Get(c.JobID)
			if err == nil && job.Status == c.Status {
				mu.Lock()
				reads++
				mu.Unlock()
			}
		}
		mu.Lock()
		lastSeq[c.JobID] = c.Kind
		mu.Unlock()
	}))

	const goroutines, perGoroutine = 16, 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < perGoroutine; i++ {
					id := fmt.Sprintf("job-%d-%d", g, i)
					if _, err := m.Register(newTestJob(id)); err != nil {
						continue
					}
					if _, err := m.MarkRunning(types.JobID(id)); err != nil {
						continue
					}
					m.UpdateProgress(types.JobID(id), 50, "half")
					_, _ = m.Complete(types.JobID(id), nil)
				}
			}(g)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry stalled with a hook reading it")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, goroutines*perGoroutine, reads)
	for id, kind := range lastSeq {
		assert.Equal(t, ChangeCompleted, kind, "last change of %s", id)
	}
	assert.Equal(t, goroutines*perGoroutine, m.Stats()[types.StatusCompleted])
}

func TestChangeCarriesCreatedAt(t *testing.T) {
	rec := &recorder{}
	m := NewManager(WithChangeHook(rec.hook))
	job := registerRunning(t, m, "job-1")
	_, err := m.Complete("job-1", nil)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotEmpty(t, rec.changes)
	for _, c := range rec.changes {
		assert.Equal(t, job.CreatedAt, c.CreatedAt)
	}
}
