// ============================================================================
// summaryq Job Manager - job registry and lifecycle state machine
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: single source of truth for every job and its status transitions
//
// State machine:
//   Pending
//      ↓ MarkRunning()                     (attempt++, started_at set once)
//   Running ──Retry()──→ Pending           (internal retry re-enqueue only)
//      ↓ Complete() / Fail() / Cancel()
//   Completed / Failed / Cancelled         (terminal)
//
//   Pending → Cancelled is also legal (cancelled while queued).
//
// Rules:
//   - terminal → terminal is a no-op, not an error: a late completion racing a
//     cancellation must not fail the worker
//   - every other edge outside the table fails with ErrInvalidTransition
//   - progress is only recorded while Running and never moves backwards
//
// Concurrency:
//   - sync.RWMutex guards the jobs map; callers only ever receive copies
//   - every change takes a ticket while mu is held; hooks run after mu is
//     released, one ticket at a time, so hooks observe changes in the order
//     they happened
//   - hooks may read the Manager (Get, Status, Stats) but must not mutate it
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrDuplicateJob is returned when a job id is registered twice.
	ErrDuplicateJob = errors.New("jobmanager: job already exists")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("jobmanager: job not found")
	// ErrInvalidTransition is returned for edges outside the transition table.
	ErrInvalidTransition = errors.New("jobmanager: invalid status transition")
)

// transitions lists the legal public edges. The retry edge is handled by Retry.
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusPending: {types.StatusRunning, types.StatusCancelled},
	types.StatusRunning: {types.StatusCompleted, types.StatusFailed, types.StatusCancelled},
}

// CanTransition reports whether from → to is a legal public edge.
func CanTransition(from, to types.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind names what happened to a job.
type ChangeKind string

const (
	ChangeQueued    ChangeKind = "queued"
	ChangeStarted   ChangeKind = "started"
	ChangeProgress  ChangeKind = "progress"
	ChangeRetrying  ChangeKind = "retrying"
	ChangeCompleted ChangeKind = "completed"
	ChangeFailed    ChangeKind = "failed"
	ChangeCancelled ChangeKind = "cancelled"
)

// Change describes one job state change.
type Change struct {
	JobID       types.JobID     `json:"job_id"`
	Kind        ChangeKind      `json:"kind"`
	Status      types.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentItem string          `json:"current_item,omitempty"`
	Message     string          `json:"message,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	At          time.Time       `json:"at"`
}

// ChangeHook receives every job state change.
type ChangeHook func(Change)

// Outcome carries the payload of a transition.
type Outcome struct {
	Result *types.Result // for Completed
	Error  string        // for Failed
	Reason string        // for Cancelled
}

// ============================================================================
// Manager
// ============================================================================

// Manager is the job registry. It is safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.Job

	nextTicket uint64 // guarded by mu

	notifyMu   sync.Mutex
	notifyCond *sync.Cond
	emitted    uint64 // guarded by notifyMu
	hooks      []ChangeHook

	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithChangeHook registers a hook at construction time.
func WithChangeHook(h ChangeHook) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, h) }
}

// NewManager creates an empty registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		jobs: make(map[types.JobID]*types.Job),
		now:  time.Now,
	}
	m.notifyCond = sync.NewCond(&m.notifyMu)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnChange registers an additional change hook.
func (m *Manager) OnChange(h ChangeHook) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	m.hooks = append(m.hooks, h)
}

// Register adds a new job in Pending status. Status, progress and timestamps
// supplied by the caller are reset.
func (m *Manager) Register(job types.Job) (types.Job, error) {
	m.mu.Lock()
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return types.Job{}, ErrDuplicateJob
	}

	job.Status = types.StatusPending
	job.Progress = 0
	job.CurrentItem = ""
	job.Attempt = 0
	job.CancelRequested = false
	job.CreatedAt = m.now()
	job.StartedAt, job.CompletedAt, job.NextRunAt = nil, nil, nil
	job.Result, job.Error = nil, ""

	stored := job.Clone()
	m.jobs[job.ID] = &stored

	snapshot := stored.Clone()
	m.unlockAndEmit(changeOf(&stored, ChangeQueued, "", m.now()))
	return snapshot, nil
}

// Get returns a copy of the job.
func (m *Manager) Get(id types.JobID) (types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return job.Clone(), nil
}

// Status returns only the job status.
func (m *Manager) Status(id types.JobID) (types.JobStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	return job.Status, nil
}

// Transition moves a job to status to. It returns changed=false with a nil
// error when the job is already terminal and to is terminal as well.
func (m *Manager) Transition(id types.JobID, to types.JobStatus, out Outcome) (bool, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return false, ErrJobNotFound
	}

	from := job.Status
	if from.IsTerminal() && to.IsTerminal() {
		m.mu.Unlock()
		return false, nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}

	now := m.now()
	change := m.apply(job, to, out, now)
	m.unlockAndEmit(change)
	return true, nil
}

// MarkRunning moves a Pending job to Running and returns the updated copy.
func (m *Manager) MarkRunning(id types.JobID) (types.Job, error) {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return types.Job{}, ErrJobNotFound
	}
	if job.Status != types.StatusPending {
		from := job.Status
		m.mu.Unlock()
		return types.Job{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, types.StatusRunning)
	}

	change := m.apply(job, types.StatusRunning, Outcome{}, m.now())
	snapshot := job.Clone()
	m.unlockAndEmit(change)
	return snapshot, nil
}

// Complete marks a running job completed.
func (m *Manager) Complete(id types.JobID, result *types.Result) (bool, error) {
	return m.Transition(id, types.StatusCompleted, Outcome{Result: result})
}

// Fail marks a running job failed with msg.
func (m *Manager) Fail(id types.JobID, msg string) (bool, error) {
	return m.Transition(id, types.StatusFailed, Outcome{Error: msg})
}

// Cancel marks a pending or running job cancelled.
func (m *Manager) Cancel(id types.JobID, reason string) (bool, error) {
	return m.Transition(id, types.StatusCancelled, Outcome{Reason: reason})
}

// apply performs the edge to on job. Callers hold mu.
func (m *Manager) apply(job *types.Job, to types.JobStatus, out Outcome, now time.Time) Change {
	job.Status = to

	var (
		kind ChangeKind
		msg  string
	)
	switch to {
	case types.StatusRunning:
		job.Attempt++
		job.NextRunAt = nil
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		kind = ChangeStarted
		msg = fmt.Sprintf("attempt %d/%d", job.Attempt, job.MaxAttempts)
	case types.StatusCompleted:
		job.Result = out.Result
		if job.Result == nil {
			job.Result = &types.Result{}
		}
		job.Progress = 100
		job.CompletedAt = &now
		kind = ChangeCompleted
	case types.StatusFailed:
		job.Error = out.Error
		job.CompletedAt = &now
		kind = ChangeFailed
		msg = out.Error
	case types.StatusCancelled:
		job.NextRunAt = nil
		job.CompletedAt = &now
		kind = ChangeCancelled
		msg = out.Reason
	}
	return changeOf(job, kind, msg, now)
}

// UpdateProgress records progress for a running job. It is a no-op (returning
// false) when the job is not running or percent is lower than the recorded
// progress.
func (m *Manager) UpdateProgress(id types.JobID, percent int, item string) bool {
	percent = min(max(percent, 0), 100)

	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok || job.Status != types.StatusRunning || percent < job.Progress {
		m.mu.Unlock()
		return false
	}
	if percent == job.Progress && item == job.CurrentItem {
		m.mu.Unlock()
		return false
	}

	job.Progress = percent
	job.CurrentItem = item
	m.unlockAndEmit(changeOf(job, ChangeProgress, "", m.now()))
	return true
}

// RequestCancel sets the cooperative cancellation flag on a running job and
// returns the job status at the time of the call.
func (m *Manager) RequestCancel(id types.JobID) (types.JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return "", ErrJobNotFound
	}
	if job.Status == types.StatusRunning {
		job.CancelRequested = true
	}
	return job.Status, nil
}

// CancelRequested reports whether cancellation was requested for the job.
func (m *Manager) CancelRequested(id types.JobID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	return ok && job.CancelRequested
}

// Retry moves a Running (or Failed) job back to Pending for another attempt.
// It is the only way back from those states and is reserved for the worker
// pool's retry policy.
func (m *Manager) Retry(id types.JobID, nextRunAt time.Time, lastErr string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != types.StatusRunning && job.Status != types.StatusFailed {
		from := job.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, from)
	}

	job.Status = types.StatusPending
	job.Error = ""
	job.CompletedAt = nil
	job.CancelRequested = false
	next := nextRunAt
	job.NextRunAt = &next

	msg := fmt.Sprintf("attempt %d/%d failed: %s", job.Attempt, job.MaxAttempts, lastErr)
	m.unlockAndEmit(changeOf(job, ChangeRetrying, msg, m.now()))
	return nil
}

// Prune removes terminal jobs that completed before cutoff and returns how
// many were removed.
func (m *Manager) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed++
		}
	}
	return removed
}

// Stats returns the number of jobs per status.
func (m *Manager) Stats() map[types.JobStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[types.JobStatus]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	for _, job := range m.jobs {
		stats[job.Status]++
	}
	return stats
}

// unlockAndEmit releases mu and runs the hooks for change. Callers hold mu.
// The ticket taken under mu fixes the hook order; no goroutine waits on
// notifyMu while holding mu.
func (m *Manager) unlockAndEmit(change Change) {
	ticket := m.nextTicket
	m.nextTicket++
	m.mu.Unlock()

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for m.emitted != ticket {
		m.notifyCond.Wait()
	}
	for _, h := range m.hooks {
		h(change)
	}
	m.emitted++
	m.notifyCond.Broadcast()
}

func changeOf(job *types.Job, kind ChangeKind, msg string, at time.Time) Change {
	return Change{
		JobID:       job.ID,
		Kind:        kind,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentItem: job.CurrentItem,
		Message:     msg,
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt,
		At:          at,
	}
}
