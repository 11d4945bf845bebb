// ============================================================================
// summaryq Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: the abstractions the pool needs from the queue and the registry
//
// The pool never touches the heap or the jobs map directly:
//   - JobSource hands out pending jobs and takes retries back
//     (*scheduler.Scheduler implements it)
//   - Registry records every lifecycle step of a job
//     (*jobmanager.Manager implements it)
//
// ============================================================================

package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

// JobSource supplies jobs to workers.
type JobSource interface {
	// Take blocks up to timeout for the next pending job. It returns
	// scheduler.ErrNoJob on timeout and scheduler.ErrClosed after shutdown;
	// any other error is treated as fatal by the pool.
	Take(ctx context.Context, timeout time.Duration) (types.Job, error)

	// Requeue schedules another attempt of a job after delay at the given
	// priority. The job must already be back in Pending status.
	Requeue(id types.JobID, priority types.Priority, delay time.Duration) error
}

// Registry records job lifecycle transitions.
type Registry interface {
	MarkRunning(id types.JobID) (types.Job, error)
	Complete(id types.JobID, result *types.Result) (bool, error)
	Fail(id types.JobID, msg string) (bool, error)
	Cancel(id types.JobID, reason string) (bool, error)
	Retry(id types.JobID, nextRunAt time.Time, lastErr string) error
	UpdateProgress(id types.JobID, percent int, item string) bool
	CancelRequested(id types.JobID) bool
}

// Observer receives one call per finished attempt. outcome is one of the
// Outcome* constants.
type Observer interface {
	ObserveAttempt(jobType types.JobType, outcome string, d time.Duration)
}

const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)
