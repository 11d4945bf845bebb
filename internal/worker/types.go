package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

var (
	// ErrJobCancelled is returned by a ProgressFunc once cancellation of the
	// job was requested. Task bodies should return it unchanged.
	ErrJobCancelled = errors.New("worker: job cancelled")
	// ErrInvalidProgress is returned by a ProgressFunc for values outside 0..100.
	ErrInvalidProgress = errors.New("worker: progress out of range")
	// errPanicked marks an attempt whose task body panicked.
	errPanicked = errors.New(PanicMessage)
)

// PanicMessage is recorded on a job whose task body panicked.
const PanicMessage = "internal error while processing job"

// ShutdownReason is recorded on jobs still running when the grace period of
// Stop elapses.
const ShutdownReason = "worker pool shut down"

// ItemRequest is one video to summarize.
type ItemRequest struct {
	Item      types.Item
	Language  string
	WithAudio bool
}

// ProgressFunc reports progress (0..100) of the current unit of work and
// the label of the item being processed. A non-nil error means the task
// body must stop and return it.
type ProgressFunc func(percent int, item string) error

// Runner is the opaque task body. Implementations must honour ctx.
type Runner interface {
	// Summarize processes a single video and returns its output.
	Summarize(ctx context.Context, req ItemRequest, progress ProgressFunc) (map[string]any, error)
	// Expand lists the videos of a collection in order.
	Expand(ctx context.Context, params types.CollectionParams) ([]types.Item, error)
}
