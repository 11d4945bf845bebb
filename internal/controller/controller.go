// ============================================================================
// summaryq controller - composition root
// ============================================================================
//
// Package: internal/controller
// File: controller.go
//
// The controller builds every manager and wires them together:
//
//   SubmitJob ──▶ Scheduler ──Take──▶ Worker Pool ──▶ Job Registry
//                                                         │ change hook
//                                           ┌─────────────┴─────────────┐
//                                           ▼                           ▼
//                                   Broadcast Manager            Prometheus metrics
//                                   (Subscribe / NextEvent)
//
// Background goroutines owned here:
//   - maintenance loop: rate-limiter sweep, registry pruning, fatal pool errors
//
// Shutdown order: worker pool (grace period) → scheduler (cancel queued) →
// broadcast manager. Jobs that finish during the grace period still publish
// their terminal events.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ChuLiYu/summaryq/internal/backoff"
	"github.com/ChuLiYu/summaryq/internal/broadcast"
	"github.com/ChuLiYu/summaryq/internal/config"
	"github.com/ChuLiYu/summaryq/internal/jobmanager"
	"github.com/ChuLiYu/summaryq/internal/metrics"
	"github.com/ChuLiYu/summaryq/internal/scheduler"
	"github.com/ChuLiYu/summaryq/internal/worker"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("controller: already started")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("controller: stopped")
)

// ============================================================================
// Types
// ============================================================================

// SubmitRequest is one job submission.
type SubmitRequest struct {
	Params      types.Params
	Priority    types.Priority
	ClientID    string
	MaxAttempts int // 0 uses the configured default
}

// Stats aggregates every component's counters.
type Stats struct {
	Uptime  time.Duration           `json:"uptime"`
	Jobs    map[types.JobStatus]int `json:"jobs"`
	Queue   scheduler.Stats         `json:"queue"`
	Workers worker.Stats            `json:"workers"`
	Events  broadcast.Stats         `json:"events"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithRegistry registers the metrics with reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Controller) { c.registry = reg }
}

// WithClock overrides the time source of the registry, scheduler and
// broadcast manager.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithBackoff overrides the retry delay strategy built from the config.
func WithBackoff(b backoff.Strategy) Option {
	return func(c *Controller) { c.backoff = b }
}

// ============================================================================
// Controller
// ============================================================================

// Controller owns the job registry, scheduler, worker pool and broadcast
// manager.
type Controller struct {
	cfg      config.Config
	log      *slog.Logger
	now      func() time.Time
	backoff  backoff.Strategy
	registry *prometheus.Registry

	jobs    *jobmanager.Manager
	sched   *scheduler.Scheduler
	pool    *worker.Pool
	events  *broadcast.Manager
	metrics *metrics.Collector

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
	stopCh    chan struct{}
	loopWg    sync.WaitGroup

	fatal chan error
}

// New validates cfg and builds every component. runner executes the task
// bodies; nil selects the simulated runner configured under workers.
func New(cfg config.Config, runner worker.Runner, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		log:    slog.Default(),
		now:    time.Now,
		stopCh: make(chan struct{}),
		fatal:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if c.backoff == nil {
		c.backoff = backoff.New(cfg.Workers.BackoffBase, cfg.Workers.BackoffMax, cfg.Workers.Jitter)
	}
	if runner == nil {
		runner = &worker.SimulatedRunner{
			MaxLatency:     cfg.Workers.SimulatedLatency,
			Steps:          4,
			FailureRate:    cfg.Workers.SimulatedFailureRate,
			CollectionSize: 3,
		}
	}

	c.metrics = metrics.NewCollector(c.registry)
	c.jobs = jobmanager.NewManager(jobmanager.WithClock(c.now))
	c.events = broadcast.NewManager(broadcast.Config{
		BufferSize:        cfg.Events.BufferSize,
		MaxBatch:          cfg.Events.MaxBatch,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		MissedHeartbeats:  cfg.Events.MissedHeartbeats,
		IdleTimeout:       cfg.Events.IdleTimeout,
		CleanupInterval:   cfg.Events.CleanupInterval,
	}, broadcast.WithLogger(c.log), broadcast.WithClock(c.now))
	c.sched = scheduler.New(scheduler.Config{
		Capacity:           cfg.Queue.Capacity,
		DefaultMaxAttempts: cfg.Workers.MaxAttempts,
		RateLimit:          cfg.Queue.RateLimit.MaxSubmissions,
		RateWindow:         cfg.Queue.RateLimit.Window,
	}, c.jobs, scheduler.WithLogger(c.log), scheduler.WithClock(c.now))
	c.pool = worker.NewPool(worker.Config{
		Workers:       cfg.Workers.PoolSize,
		PollTimeout:   cfg.Workers.PollTimeout,
		ShutdownGrace: cfg.Workers.ShutdownGrace,
	}, c.sched, c.jobs, runner,
		worker.WithLogger(c.log),
		worker.WithBackoff(c.backoff),
		worker.WithObserver(c.metrics),
	)

	c.jobs.OnChange(c.publishChange)
	c.metrics.RegisterGauges(metrics.Gauges{
		QueueDepth:       func() float64 { return float64(c.sched.Depth()) },
		DelayedRetries:   func() float64 { return float64(c.sched.Stats().DelayedRetries) },
		WorkersBusy:      func() float64 { return float64(c.pool.Stats().Busy) },
		EventConnections: func() float64 { return float64(c.events.ConnectionCount()) },
		EventsDropped:    func() float64 { return float64(c.events.Stats().Dropped) },
	})

	c.log = c.log.With("component", "controller")
	return c, nil
}

// Start launches the worker pool, the broadcast loops and the maintenance
// loop.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.pool.Start(); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	c.events.Start()

	c.loopWg.Add(1)
	go c.maintenanceLoop()

	c.started = true
	c.startTime = c.now()
	c.log.Info("controller started",
		"workers", c.cfg.Workers.PoolSize,
		"queue_capacity", c.cfg.Queue.Capacity,
		"rate_limit", c.cfg.Queue.RateLimit.MaxSubmissions)
	return nil
}

// Stop shuts everything down. ctx bounds the worker pool shutdown; jobs
// still running when it expires are failed. Stop is idempotent.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	c.loopWg.Wait()

	var err error
	if started {
		if perr := c.pool.Stop(ctx); perr != nil {
			err = fmt.Errorf("stop worker pool: %w", perr)
		}
	}
	c.sched.Close()
	c.events.Stop()

	c.log.Info("controller stopped", "error", err)
	return err
}

// Fatal delivers an unrecoverable infrastructure error. The service should
// stop when it fires.
func (c *Controller) Fatal() <-chan error {
	return c.fatal
}

// Healthy reports whether the controller is started, not stopped and the
// worker pool is still polling.
func (c *Controller) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped && c.pool.Running()
}

// ============================================================================
// External interface
// ============================================================================

// SubmitJob validates and enqueues a job. It fails with
// scheduler.ErrRateLimited, scheduler.ErrQueueFull, scheduler.ErrClosed or
// an error wrapping types.ErrInvalidParams.
func (c *Controller) SubmitJob(ctx context.Context, req SubmitRequest) (types.JobID, error) {
	id, err := c.sched.Submit(ctx, scheduler.Submission{
		Params:      req.Params,
		Priority:    req.Priority,
		ClientID:    req.ClientID,
		MaxAttempts: req.MaxAttempts,
	})
	c.metrics.RecordSubmission(submissionOutcome(err))
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetJobStatus returns a snapshot of the job or jobmanager.ErrJobNotFound.
func (c *Controller) GetJobStatus(id types.JobID) (types.Job, error) {
	return c.jobs.Get(id)
}

// CancelJob cancels a pending job, or asks a running one to stop. A running
// job stops at its next progress checkpoint. With
// workers.cancel_interrupt_after set, a job still running after that delay
// has its context cancelled as well.
func (c *Controller) CancelJob(id types.JobID) (scheduler.CancelOutcome, error) {
	outcome, err := c.sched.Cancel(id)
	if err != nil {
		return "", err
	}
	if outcome == scheduler.CancelOutcomeRequested && c.cfg.Workers.CancelInterruptAfter > 0 {
		time.AfterFunc(c.cfg.Workers.CancelInterruptAfter, func() {
			if c.jobs.CancelRequested(id) && c.pool.Interrupt(id) {
				c.log.Info("interrupted job past its cancel checkpoint", "job_id", id)
			}
		})
	}
	c.log.Info("cancel requested", "job_id", id, "outcome", outcome)
	return outcome, nil
}

// Subscribe opens an event connection. An empty filter receives everything.
func (c *Controller) Subscribe(filter ...broadcast.EventType) *broadcast.Connection {
	return c.events.Connect(filter...)
}

// Unsubscribe closes conn. It is safe to call more than once.
func (c *Controller) Unsubscribe(conn *broadcast.Connection) {
	c.events.Disconnect(conn)
}

// NextEvent blocks up to timeout for the next batch of events on conn. A
// timeout yields a heartbeat.
func (c *Controller) NextEvent(ctx context.Context, conn *broadcast.Connection, timeout time.Duration) ([]broadcast.Event, error) {
	return c.events.Drain(ctx, conn, timeout)
}

// OnChange registers an additional job change hook. Hooks run synchronously
// in change order and must not block. They may call GetJobStatus but must not
// submit or cancel jobs.
func (c *Controller) OnChange(hook jobmanager.ChangeHook) {
	c.jobs.OnChange(hook)
}

// Stats aggregates the component counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = c.now().Sub(c.startTime)
	}
	c.mu.Unlock()

	return Stats{
		Uptime:  uptime,
		Jobs:    c.jobs.Stats(),
		Queue:   c.sched.Stats(),
		Workers: c.pool.Stats(),
		Events:  c.events.Stats(),
	}
}

// Gatherer exposes the metrics registry for the /metrics endpoint.
func (c *Controller) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Config returns the configuration the controller was built with.
func (c *Controller) Config() config.Config {
	return c.cfg
}

// ============================================================================
// Internals
// ============================================================================

// publishChange fans a registry change out to subscribers and metrics. It
// runs inside the registry's hook serialization and does not read the
// registry.
func (c *Controller) publishChange(ch jobmanager.Change) {
	c.events.Publish(broadcast.EventType("job."+string(ch.Kind)), &broadcast.JobEvent{
		JobID:       string(ch.JobID),
		Status:      string(ch.Status),
		Progress:    ch.Progress,
		CurrentItem: ch.CurrentItem,
		Message:     ch.Message,
		Attempt:     ch.Attempt,
		MaxAttempts: ch.MaxAttempts,
	})

	c.metrics.RecordChange(string(ch.Kind))
	if ch.Status.IsTerminal() {
		c.metrics.RecordFinished(ch.Status, ch.At.Sub(ch.CreatedAt))
	}
}

func (c *Controller) maintenanceLoop() {
	defer c.loopWg.Done()

	ticker := time.NewTicker(c.cfg.Queue.MaintenanceTick)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.maintain(c.now())
		case err := <-c.pool.Fatal():
			c.log.Error("worker pool aborted", "error", err)
			select {
			case c.fatal <- err:
			default:
			}
			return
		}
	}
}

// maintain runs one round of housekeeping.
func (c *Controller) maintain(now time.Time) {
	swept := c.sched.Sweep(now)
	pruned := 0
	if c.cfg.Queue.Retention > 0 {
		pruned = c.jobs.Prune(now.Add(-c.cfg.Queue.Retention))
	}
	if swept > 0 || pruned > 0 {
		c.log.Debug("maintenance", "idle_clients_swept", swept, "jobs_pruned", pruned)
	}
}

func submissionOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.SubmissionAccepted
	case errors.Is(err, scheduler.ErrRateLimited):
		return metrics.SubmissionRateLimited
	case errors.Is(err, scheduler.ErrQueueFull):
		return metrics.SubmissionQueueFull
	case errors.Is(err, scheduler.ErrClosed):
		return metrics.SubmissionClosed
	default:
		return metrics.SubmissionInvalid
	}
}
