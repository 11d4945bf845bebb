package worker

import "sync/atomic"

// Stats is a snapshot of the pool counters since Start.
type Stats struct {
	Workers   int   `json:"workers"`
	Busy      int64 `json:"busy"`
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Cancelled int64 `json:"cancelled"`
	Panics    int64 `json:"panics"`
}

type counters struct {
	busy      atomic.Int64
	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	cancelled atomic.Int64
	panics    atomic.Int64
}

func (c *counters) snapshot(workers int) Stats {
	return Stats{
		Workers:   workers,
		Busy:      c.busy.Load(),
		Started:   c.started.Load(),
		Completed: c.completed.Load(),
		Failed:    c.failed.Load(),
		Retried:   c.retried.Load(),
		Cancelled: c.cancelled.Load(),
		Panics:    c.panics.Load(),
	}
}
