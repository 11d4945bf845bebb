package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ChuLiYu/summaryq/pkg/types"
)

// ErrSimulatedFailure is returned by SimulatedRunner for injected failures.
var ErrSimulatedFailure = errors.New("simulated execution failure")

// SimulatedRunner stands in for the real transcript/summarizer/TTS calls.
// Each item sleeps a random duration below MaxLatency, split into Steps
// progress checkpoints, and fails with probability FailureRate.
type SimulatedRunner struct {
	MaxLatency     time.Duration
	Steps          int
	FailureRate    float64
	CollectionSize int // items per expanded collection when MaxItems is unset
}

// NewSimulatedRunner returns a runner with demo-friendly defaults.
func NewSimulatedRunner() *SimulatedRunner {
	return &SimulatedRunner{
		MaxLatency:     500 * time.Millisecond,
		Steps:          4,
		FailureRate:    0.1,
		CollectionSize: 3,
	}
}

// Summarize implements Runner.
func (r *SimulatedRunner) Summarize(ctx context.Context, req ItemRequest, progress ProgressFunc) (map[string]any, error) {
	steps := max(r.Steps, 1)
	var total time.Duration
	if r.MaxLatency > 0 {
		total = rand.N(r.MaxLatency)
	}
	step := total / time.Duration(steps)

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		if err := progress(i*100/steps, req.Item.Label()); err != nil {
			return nil, err
		}
	}

	if rand.Float64() < r.FailureRate {
		return nil, ErrSimulatedFailure
	}

	out := map[string]any{
		"url":     req.Item.URL,
		"summary": fmt.Sprintf("summary of %s", req.Item.Label()),
	}
	if req.Language != "" {
		out["language"] = req.Language
	}
	if req.WithAudio {
		out["audio"] = req.Item.URL + ".mp3"
	}
	return out, nil
}

// Expand implements Runner.
func (r *SimulatedRunner) Expand(ctx context.Context, params types.CollectionParams) ([]types.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := params.MaxItems
	if n <= 0 {
		n = max(r.CollectionSize, 1)
	}
	items := make([]types.Item, n)
	for i := range items {
		items[i] = types.Item{
			URL:   fmt.Sprintf("%s#%d", params.URL, i+1),
			Title: fmt.Sprintf("video %d", i+1),
		}
	}
	return items, nil
}
