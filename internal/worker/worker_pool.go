// ============================================================================
// summaryq Worker Pool - concurrent job executor
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: lifecycle of N worker goroutines sharing one JobSource
//
// Architecture:
//   ┌─────────────┐
//   │  Scheduler  │ ←─Take()/Requeue()──┐
//   └─────────────┘                     │
//   ┌─────────────────────────────────┐ │
//   │ Pool                            │ │
//   │  ┌────────┐ ┌────────┐          │ │
//   │  │Worker 1│ │Worker 2│ ... N    │─┘
//   │  └────────┘ └────────┘          │
//   └─────────────────────────────────┘
//          │ MarkRunning / UpdateProgress / Complete / Retry / Fail
//          ↓
//   ┌─────────────┐
//   │ Job Manager │ ──change hooks──→ event broadcast
//   └─────────────┘
//
// At most N jobs run at once because each worker runs one job at a time.
//
// Lifecycle:
//   1. NewPool()   wire source, registry, runner and backoff
//   2. Start()     launch cfg.Workers goroutines
//   3. Stop(ctx)   stop polling, wait up to cfg.ShutdownGrace for in-flight
//                  jobs; past the grace period mark them Failed with
//                  ShutdownReason and cancel their contexts
//
// Fatal errors:
//   A source error other than ErrNoJob / ErrClosed means the queue is broken.
//   The pool stops polling and reports the error once on Fatal().
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/summaryq/internal/backoff"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
	// ErrShutdownTimeout is returned by Stop when workers did not exit before
	// the context expired.
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// ============================================================================
// Configuration
// ============================================================================

// Config sizes the pool.
type Config struct {
	Workers       int           // number of concurrent workers
	PollTimeout   time.Duration // max wait per Take so workers notice shutdown
	ShutdownGrace time.Duration // time Stop waits for in-flight jobs
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(p *Pool) { p.backoff = b }
}

// WithObserver receives one call per finished attempt.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// ============================================================================
// Pool
// ============================================================================

// Pool runs jobs from a JobSource on a fixed number of workers.
type Pool struct {
	cfg      Config
	source   JobSource
	jobs     Registry
	runner   Runner
	backoff  backoff.Strategy
	observer Observer
	log      *slog.Logger

	pollCtx    context.Context // cancelled when polling must stop
	stopPoll   context.CancelFunc
	runCtx     context.Context // parent of every job context, cancelled on forced shutdown
	cancelRuns context.CancelFunc

	mu      sync.Mutex
	workers []*Worker
	started bool
	stopped bool
	wg      sync.WaitGroup

	activeMu sync.Mutex
	active   map[types.JobID]context.CancelFunc

	stopping atomic.Bool
	forced   atomic.Bool
	stats    counters

	fatalOnce sync.Once
	fatal     chan error
}

// NewPool creates a pool. It does not start any goroutine.
func NewPool(cfg Config, source JobSource, jobs Registry, runner Runner, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	p := &Pool{
		cfg:     cfg,
		source:  source,
		jobs:    jobs,
		runner:  runner,
		backoff: backoff.NewExponential(time.Second, time.Minute),
		log:     slog.Default(),
		active:  make(map[types.JobID]context.CancelFunc),
		fatal:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "worker_pool")
	p.pollCtx, p.stopPoll = context.WithCancel(context.Background())
	p.runCtx, p.cancelRuns = context.WithCancel(context.Background())
	return p
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}
	p.started = true
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
	return nil
}

// Stop shuts the pool down. Workers finish their current job if that takes
// less than the grace period; otherwise the remaining jobs are marked Failed
// and their contexts cancelled. Stop returns ErrShutdownTimeout if workers
// are still running when ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.stopping.Store(true)
	p.stopPoll()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done:
		p.cancelRuns()
		p.log.Info("worker pool stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.forceStop()

	select {
	case <-done:
		p.log.Info("worker pool stopped after grace period")
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}

// forceStop fails every in-flight job and cancels its context.
func (p *Pool) forceStop() {
	p.forced.Store(true)

	p.activeMu.Lock()
	ids := make([]types.JobID, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()

	for _, id := range ids {
		changed, err := p.jobs.Fail(id, ShutdownReason)
		if err != nil {
			p.log.Warn("failed to fail in-flight job", "job_id", id, "error", err)
			continue
		}
		if changed {
			p.stats.failed.Add(1)
		}
	}
	p.cancelRuns()
	p.log.Warn("grace period elapsed, in-flight jobs failed", "count", len(ids))
}

// Interrupt cancels the context of a running job so a task body blocked in
// I/O returns early. It reports whether the job was running on this pool.
func (p *Pool) Interrupt(id types.JobID) bool {
	p.activeMu.Lock()
	cancel, ok := p.active[id]
	p.activeMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Fatal delivers the first infrastructure error that aborted the pool.
func (p *Pool) Fatal() <-chan error {
	return p.fatal
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return p.stats.snapshot(p.WorkerCount())
}

// WorkerCount returns the number of launched workers.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Running reports whether the pool accepts work: started, not stopped and
// not aborted.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped && !p.stopping.Load()
}

// abort stops polling on every worker and publishes err on Fatal.
func (p *Pool) abort(err error) {
	p.fatalOnce.Do(func() {
		p.log.Error("worker pool aborted", "error", err)
		p.stopping.Store(true)
		p.stopPoll()
		p.fatal <- err
	})
}

func (p *Pool) track(id types.JobID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(id types.JobID) {
	p.activeMu.Lock()
	delete(p.active, id)
	p.activeMu.Unlock()
}

func (p *Pool) observe(jobType types.JobType, outcome string, d time.Duration) {
	if p.observer != nil {
		p.observer.ObserveAttempt(jobType, outcome, d)
	}
}
