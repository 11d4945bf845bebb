// ============================================================================
// summaryq Scheduler - admission control and priority dispatch
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: accept submissions, hold pending jobs in priority order, hand them
//          to workers
//
// Admission (Submit), in order:
//   1. params validation          → types.ErrInvalidParams
//   2. scheduler closed           → ErrClosed
//   3. per-client sliding window  → ErrRateLimited
//   4. bounded capacity           → ErrQueueFull
//   5. register in the job registry, push onto the heap
//   A rejected submission creates no job.
//
// Dispatch (Take):
//   - highest priority first, FIFO among equal priorities
//   - blocks at most the given timeout so a worker can observe shutdown
//
// Retries (Requeue):
//   - the job waits on a time.AfterFunc timer, then re-enters the heap at its
//     original priority; capacity and rate limits do not apply
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/summaryq/internal/jobmanager"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrRateLimited is returned when a client exceeded its submission window.
	ErrRateLimited = errors.New("scheduler: rate limit exceeded")
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("scheduler: queue is full")
	// ErrNoJob is returned by Take when nothing became available in time.
	ErrNoJob = errors.New("scheduler: no job available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("scheduler: closed")
)

// ShutdownReason is recorded on jobs still queued when the scheduler closes.
const ShutdownReason = "scheduler shut down"

// CancelOutcome reports what Cancel did.
type CancelOutcome string

const (
	// CancelOutcomeCancelled means the job was pending and is now cancelled.
	CancelOutcomeCancelled CancelOutcome = "cancelled"
	// CancelOutcomeRequested means the job is running and will stop at its
	// next progress checkpoint.
	CancelOutcomeRequested CancelOutcome = "cancel_requested"
	// CancelOutcomeAlreadyTerminal means the job had already finished.
	CancelOutcomeAlreadyTerminal CancelOutcome = "already_terminal"
)

// Registry is the part of the job registry the scheduler needs.
// *jobmanager.Manager implements it.
type Registry interface {
	Register(job types.Job) (types.Job, error)
	Get(id types.JobID) (types.Job, error)
	Status(id types.JobID) (types.JobStatus, error)
	Cancel(id types.JobID, reason string) (bool, error)
	RequestCancel(id types.JobID) (types.JobStatus, error)
}

// Config bounds the scheduler.
type Config struct {
	Capacity           int           // max pending jobs in the heap
	DefaultMaxAttempts int           // used when a submission leaves MaxAttempts at 0
	RateLimit          int           // submissions per client per window, <= 0 disables
	RateWindow         time.Duration // sliding window length
}

// Submission is a request to run a job.
type Submission struct {
	Params      types.Params
	Priority    types.Priority
	ClientID    string
	MaxAttempts int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth               int            `json:"depth"`
	Capacity            int            `json:"capacity"`
	ByPriority          map[string]int `json:"by_priority"`
	DelayedRetries      int            `json:"delayed_retries"`
	OldestPendingAge    time.Duration  `json:"oldest_pending_age"`
	Submitted           int64          `json:"submitted"`
	RejectedRateLimited int64          `json:"rejected_rate_limited"`
	RejectedQueueFull   int64          `json:"rejected_queue_full"`
	RateLimitedClients  int            `json:"rate_limited_clients"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithClock overrides the time source used for rate limiting and stats.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// ============================================================================
// Scheduler
// ============================================================================

// Scheduler owns the pending queue. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	jobs    Registry
	limiter *RateLimiter
	log     *slog.Logger
	now     func() time.Time
	newID   func() types.JobID

	mu      sync.Mutex
	queue   *priorityQueue
	delayed map[types.JobID]*time.Timer
	closed  bool

	ready chan struct{} // signalled when the heap becomes non-empty
	done  chan struct{} // closed by Close

	submitted    atomic.Int64
	rejectedRate atomic.Int64
	rejectedFull atomic.Int64
}

// New creates a scheduler backed by jobs.
func New(cfg Config, jobs Registry, opts ...Option) *Scheduler {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		jobs:    jobs,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		log:     slog.Default(),
		now:     time.Now,
		newID:   func() types.JobID { return types.JobID(uuid.NewString()) },
		queue:   newPriorityQueue(),
		delayed: make(map[types.JobID]*time.Timer),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "scheduler")
	return s
}

// Submit validates and enqueues a job. It never blocks.
func (s *Scheduler) Submit(ctx context.Context, sub Submission) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sub.Params == nil {
		return "", fmt.Errorf("%w: params are required", types.ErrInvalidParams)
	}
	if err := sub.Params.Validate(); err != nil {
		return "", err
	}
	if !sub.Priority.Valid() {
		return "", fmt.Errorf("%w: unknown priority %d", types.ErrInvalidParams, int(sub.Priority))
	}
	if sub.MaxAttempts < 0 {
		return "", fmt.Errorf("%w: max_attempts must not be negative", types.ErrInvalidParams)
	}
	maxAttempts := sub.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	select {
	case <-s.done:
		return "", ErrClosed
	default:
	}

	// The limiter locks only the client's shard.
	now := s.now()
	if !s.limiter.Allow(sub.ClientID, now) {
		s.rejectedRate.Add(1)
		s.log.Debug("submission rate limited", "client_id", sub.ClientID)
		return "", fmt.Errorf("%w for client %q", ErrRateLimited, clientKey(sub.ClientID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.limiter.Undo(sub.ClientID, now)
		return "", ErrClosed
	}
	if s.cfg.Capacity > 0 && s.queue.Len() >= s.cfg.Capacity {
		s.limiter.Undo(sub.ClientID, now)
		s.rejectedFull.Add(1)
		return "", ErrQueueFull
	}

	job, err := s.jobs.Register(types.Job{
		ID:          s.newID(),
		Type:        sub.Params.Type(),
		Priority:    sub.Priority,
		ClientID:    sub.ClientID,
		Params:      sub.Params,
		MaxAttempts: maxAttempts,
	})
	if err != nil {
		s.limiter.Undo(sub.ClientID, now)
		return "", fmt.Errorf("register job: %w", err)
	}

	s.queue.push(job.ID, job.Priority, now)
	s.submitted.Add(1)
	s.signal()

	s.log.Debug("job queued", "job_id", job.ID, "type", job.Type, "priority", job.Priority.String())
	return job.ID, nil
}

// Take removes the next job from the queue, waiting up to timeout for one to
// arrive. It returns ErrNoJob on timeout and ErrClosed once the scheduler is
// closed and empty.
func (s *Scheduler) Take(ctx context.Context, timeout time.Duration) (types.Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		e, ok := s.queue.pop()
		remaining := s.queue.Len()
		closed := s.closed
		s.mu.Unlock()

		if ok {
			if remaining > 0 {
				s.signal()
			}
			job, err := s.jobs.Get(e.id)
			if errors.Is(err, jobmanager.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return types.Job{}, fmt.Errorf("load job %s: %w", e.id, err)
			}
			return job, nil
		}
		if closed {
			return types.Job{}, ErrClosed
		}

		select {
		case <-s.ready:
		case <-s.done:
		case <-timer.C:
			return types.Job{}, ErrNoJob
		case <-ctx.Done():
			return types.Job{}, ctx.Err()
		}
	}
}

// Requeue puts a job that is waiting for a retry back into the queue after
// delay, at its original priority.
func (s *Scheduler) Requeue(id types.JobID, priority types.Priority, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if delay <= 0 {
		s.queue.push(id, priority, s.now())
		s.signal()
		return nil
	}
	if t, ok := s.delayed[id]; ok {
		t.Stop()
	}
	s.delayed[id] = time.AfterFunc(delay, func() { s.promote(id, priority) })
	return nil
}

// promote moves a delayed retry into the heap if the job is still pending.
func (s *Scheduler) promote(id types.JobID, priority types.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.delayed[id]; !ok {
		return
	}
	delete(s.delayed, id)
	if s.closed {
		return
	}
	status, err := s.jobs.Status(id)
	if err != nil || status != types.StatusPending {
		return
	}
	s.queue.push(id, priority, s.now())
	s.signal()
}

// Cancel cancels a pending job or requests cancellation of a running one.
func (s *Scheduler) Cancel(id types.JobID) (CancelOutcome, error) {
	s.mu.Lock()
	removed := s.queue.remove(id)
	if !removed {
		if t, ok := s.delayed[id]; ok {
			t.Stop()
			delete(s.delayed, id)
			removed = true
		}
	}
	s.mu.Unlock()

	if removed {
		return s.cancelPending(id)
	}

	status, err := s.jobs.RequestCancel(id)
	if err != nil {
		return "", err
	}
	switch {
	case status == types.StatusRunning:
		return CancelOutcomeRequested, nil
	case status.IsTerminal():
		return CancelOutcomeAlreadyTerminal, nil
	default:
		// Taken by a worker but not yet marked running.
		return s.cancelPending(id)
	}
}

func (s *Scheduler) cancelPending(id types.JobID) (CancelOutcome, error) {
	changed, err := s.jobs.Cancel(id, "cancelled by request")
	if errors.Is(err, jobmanager.ErrInvalidTransition) {
		// Started between removal and cancel; the worker sees the flag.
		if _, rerr := s.jobs.RequestCancel(id); rerr != nil {
			return "", rerr
		}
		return CancelOutcomeRequested, nil
	}
	if err != nil {
		return "", err
	}
	if !changed {
		return CancelOutcomeAlreadyTerminal, nil
	}
	return CancelOutcomeCancelled, nil
}

// Sweep forgets idle rate-limit clients.
func (s *Scheduler) Sweep(now time.Time) int {
	return s.limiter.Sweep(now)
}

// Stats returns a snapshot of the queue.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	byPriority, oldest := s.queue.counts()
	depth := s.queue.Len()
	delayed := len(s.delayed)
	s.mu.Unlock()

	st := Stats{
		Depth:               depth,
		Capacity:            s.cfg.Capacity,
		ByPriority:          make(map[string]int, len(byPriority)),
		DelayedRetries:      delayed,
		Submitted:           s.submitted.Load(),
		RejectedRateLimited: s.rejectedRate.Load(),
		RejectedQueueFull:   s.rejectedFull.Load(),
	}
	if s.limiter.Enabled() {
		st.RateLimitedClients = s.limiter.Clients()
	}
	for p, n := range byPriority {
		st.ByPriority[p.String()] = n
	}
	if !oldest.IsZero() {
		st.OldestPendingAge = s.now().Sub(oldest)
	}
	return st
}

// Depth returns the number of jobs waiting in the heap.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Close stops accepting work, stops retry timers and cancels every job that
// is still waiting. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)

	pending := s.queue.drain()
	ids := make([]types.JobID, 0, len(pending)+len(s.delayed))
	for _, e := range pending {
		ids = append(ids, e.id)
	}
	for id, t := range s.delayed {
		t.Stop()
		ids = append(ids, id)
	}
	s.delayed = make(map[types.JobID]*time.Timer)
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.jobs.Cancel(id, ShutdownReason); err != nil && !errors.Is(err, jobmanager.ErrJobNotFound) {
			s.log.Warn("failed to cancel queued job on shutdown", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("cancelled queued jobs on shutdown", "count", len(ids))
	}
}

// signal wakes one waiting Take without blocking.
func (s *Scheduler) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func clientKey(id string) string {
	if id == "" {
		return anonymousKey
	}
	return id
}
