// ============================================================================
// summaryq Worker - job execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: one goroutine that takes jobs from the source and runs them
//
// Loop:
//   1. Take(pollCtx, pollTimeout)   ErrNoJob → poll again, ErrClosed → exit,
//                                   anything else → fatal, exit
//   2. MarkRunning                  fails when the job was cancelled while
//                                   in hand; the job is skipped
//   3. execute                      type switch over the params variant,
//                                   panics recovered per job
//   4. finish                       complete, retry with backoff, fail or
//                                   cancel
//
// Decomposition:
//   Collection and batch jobs run their items sequentially in the same
//   attempt. A failed item is recorded in its ItemResult and the next item
//   starts; the attempt fails only when no item succeeded.
//   Overall progress = (i*100 + itemPercent) / n.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/summaryq/internal/scheduler"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

// Worker runs jobs one at a time.
type Worker struct {
	id   int
	pool *Pool
	log  *slog.Logger
}

func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		log:  pool.log.With("worker_id", id),
	}
}

// Run is the worker main loop. It returns when the pool stops, the source
// closes or the source fails.
func (w *Worker) Run() {
	p := w.pool
	for {
		if p.stopping.Load() {
			return
		}

		job, err := p.source.Take(p.pollCtx, p.cfg.PollTimeout)
		switch {
		case err == nil:
			w.process(job)
		case errors.Is(err, scheduler.ErrNoJob):
			continue
		case errors.Is(err, scheduler.ErrClosed),
			errors.Is(err, context.Canceled),
			errors.Is(err, context.DeadlineExceeded):
			return
		default:
			p.abort(fmt.Errorf("worker %d: take job: %w", w.id, err))
			return
		}
	}
}

// process runs one attempt of job.
func (w *Worker) process(job types.Job) {
	p := w.pool

	running, err := p.jobs.MarkRunning(job.ID)
	if err != nil {
		w.log.Debug("skipping job", "job_id", job.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(p.runCtx)
	defer cancel()
	p.track(running.ID, cancel)
	defer p.untrack(running.ID)

	p.stats.started.Add(1)
	p.stats.busy.Add(1)
	defer p.stats.busy.Add(-1)

	w.log.Info("job started", "job_id", running.ID, "type", running.Type, "attempt", running.Attempt, "max_attempts", running.MaxAttempts)

	start := time.Now()
	result, err := w.execute(ctx, running, cancel)
	w.finish(running, result, err, time.Since(start))
}

// execute dispatches on the params variant.
func (w *Worker) execute(ctx context.Context, job types.Job, cancel context.CancelFunc) (result *types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.stats.panics.Add(1)
			w.log.Error("task body panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, errPanicked
		}
	}()

	runner := w.pool.runner
	progress := w.progressFunc(job.ID, cancel)

	switch params := job.Params.(type) {
	case types.SingleParams:
		req := ItemRequest{Item: types.Item{URL: params.URL}, Language: params.Language, WithAudio: params.WithAudio}
		out, err := runner.Summarize(ctx, req, func(pct int, _ string) error {
			return progress(pct, req.Item.Label())
		})
		if err != nil {
			return nil, err
		}
		return &types.Result{Output: out}, nil

	case types.CollectionParams:
		items, err := runner.Expand(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("expand collection: %w", err)
		}
		if params.MaxItems > 0 && len(items) > params.MaxItems {
			items = items[:params.MaxItems]
		}
		return w.runItems(ctx, items, params.Language, params.WithAudio, progress)

	case types.BatchParams:
		items := make([]types.Item, len(params.URLs))
		for i, u := range params.URLs {
			items[i] = types.Item{URL: u}
		}
		return w.runItems(ctx, items, params.Language, params.WithAudio, progress)

	default:
		return nil, fmt.Errorf("unsupported job params %T", params)
	}
}

// runItems processes items in order, recording per-item outcomes.
func (w *Worker) runItems(ctx context.Context, items []types.Item, lang string, audio bool, progress ProgressFunc) (*types.Result, error) {
	n := len(items)
	result := &types.Result{Items: make([]types.ItemResult, 0, n)}
	if n == 0 {
		return result, nil
	}

	var lastErr error
	for i, item := range items {
		label := item.Label()
		if err := progress(i*100/n, label); err != nil {
			return nil, err
		}

		out, err := w.pool.runner.Summarize(ctx, ItemRequest{Item: item, Language: lang, WithAudio: audio},
			func(pct int, _ string) error {
				if pct < 0 || pct > 100 {
					return fmt.Errorf("%w: %d", ErrInvalidProgress, pct)
				}
				return progress((i*100+pct)/n, label)
			})
		if err != nil {
			if errors.Is(err, ErrJobCancelled) || ctx.Err() != nil {
				return nil, err
			}
			w.log.Warn("item failed", "item", label, "index", i, "error", err)
			result.Items = append(result.Items, types.ItemResult{Item: item, Error: err.Error()})
			result.Failed++
			lastErr = err
			continue
		}
		result.Items = append(result.Items, types.ItemResult{Item: item, OK: true, Output: out})
		result.Succeeded++
	}

	if result.Succeeded == 0 {
		return nil, fmt.Errorf("all %d items failed, last error: %w", n, lastErr)
	}
	return result, nil
}

// progressFunc validates and records progress and turns a pending
// cancellation request into ErrJobCancelled.
func (w *Worker) progressFunc(id types.JobID, cancel context.CancelFunc) ProgressFunc {
	jobs := w.pool.jobs
	return func(percent int, item string) error {
		if percent < 0 || percent > 100 {
			return fmt.Errorf("%w: %d", ErrInvalidProgress, percent)
		}
		if jobs.CancelRequested(id) {
			cancel()
			return ErrJobCancelled
		}
		jobs.UpdateProgress(id, percent, item)
		return nil
	}
}

// finish records the outcome of an attempt.
func (w *Worker) finish(job types.Job, result *types.Result, runErr error, elapsed time.Duration) {
	p := w.pool
	id := job.ID
	log := w.log.With("job_id", id, "attempt", job.Attempt, "duration", elapsed)

	outcome := OutcomeCompleted
	defer func() { p.observe(job.Type, outcome, elapsed) }()

	switch {
	case p.forced.Load():
		outcome = OutcomeFailed
		changed, err := p.jobs.Fail(id, ShutdownReason)
		if err != nil {
			log.Warn("failed to record shutdown failure", "error", err)
			return
		}
		if changed {
			p.stats.failed.Add(1)
		}
		return

	case runErr == nil:
		changed, err := p.jobs.Complete(id, result)
		if err != nil {
			log.Error("failed to record completion", "error", err)
			return
		}
		if !changed {
			// Already terminal, e.g. failed by a forced shutdown.
			outcome = OutcomeCancelled
			return
		}
		p.stats.completed.Add(1)
		log.Info("job completed")
		return

	case errors.Is(runErr, ErrJobCancelled) || p.jobs.CancelRequested(id):
		outcome = OutcomeCancelled
		if _, err := p.jobs.Cancel(id, "cancelled by request"); err != nil {
			log.Error("failed to record cancellation", "error", err)
			return
		}
		p.stats.cancelled.Add(1)
		log.Info("job cancelled")
		return

	case job.Attempt < job.MaxAttempts:
		outcome = OutcomeRetried
		delay := p.backoff.Delay(job.Attempt)
		if err := p.jobs.Retry(id, time.Now().Add(delay), runErr.Error()); err != nil {
			log.Error("failed to record retry", "error", err)
			return
		}
		if err := p.source.Requeue(id, job.Priority, delay); err != nil {
			// The source is gone, the job cannot run again.
			outcome = OutcomeCancelled
			if _, cerr := p.jobs.Cancel(id, scheduler.ShutdownReason); cerr != nil {
				log.Error("failed to cancel unrequeueable job", "error", cerr)
			}
			return
		}
		p.stats.retried.Add(1)
		log.Warn("job attempt failed, retrying", "error", runErr, "delay", delay)
		return

	default:
		outcome = OutcomeFailed
		if _, err := p.jobs.Fail(id, runErr.Error()); err != nil {
			log.Error("failed to record failure", "error", err)
			return
		}
		p.stats.failed.Add(1)
		log.Error("job failed", "error", runErr)
	}
}
