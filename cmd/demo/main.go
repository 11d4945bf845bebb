// Command demo runs summaryq in-process with the simulated runner, submits a
// mix of jobs and prints every event until all of them finish.
//
//	go run ./cmd/demo
//	go run ./cmd/demo -config configs/default.yaml -jobs 12 -cancel
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/summaryq/internal/broadcast"
	"github.com/ChuLiYu/summaryq/internal/config"
	"github.com/ChuLiYu/summaryq/internal/controller"
	"github.com/ChuLiYu/summaryq/internal/logger"
	"github.com/ChuLiYu/summaryq/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "config file (empty uses built-in defaults)")
	jobCount := flag.Int("jobs", 8, "number of jobs to submit")
	cancelOne := flag.Bool("cancel", false, "cancel the first job once it is running")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Demo-friendly pacing.
	cfg.Workers.SimulatedLatency = 1500 * time.Millisecond
	cfg.Workers.SimulatedFailureRate = 0.2
	cfg.Workers.BackoffBase = 200 * time.Millisecond
	cfg.Workers.BackoffMax = 2 * time.Second
	cfg.Events.HeartbeatInterval = 2 * time.Second

	ctrl, err := controller.New(cfg, nil, controller.WithLogger(logger.New(os.Stderr, "warn", "text")))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	conn := ctrl.Subscribe()
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (%d workers)\n", cfg.Workers.PoolSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ids := submitJobs(ctx, ctrl, *jobCount)
	fmt.Printf("✓ Submitted %d jobs\n\n", len(ids))

	remaining := make(map[types.JobID]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	cancelled := !*cancelOne

	for len(remaining) > 0 {
		events, err := ctrl.NextEvent(ctx, conn, 0)
		if err != nil {
			fmt.Printf("\nevent stream ended: %v\n", err)
			break
		}
		for _, e := range events {
			printEvent(e)
			if e.Job == nil {
				continue
			}
			if !cancelled && e.Type == broadcast.EventJobStarted && e.Job.JobID == string(ids[0]) {
				outcome, err := ctrl.CancelJob(ids[0])
				fmt.Printf("  ↳ cancel %s: %s %v\n", ids[0], outcome, errOrEmpty(err))
				cancelled = true
			}
			switch e.Type {
			case broadcast.EventJobCompleted, broadcast.EventJobFailed, broadcast.EventJobCancelled:
				delete(remaining, types.JobID(e.Job.JobID))
			}
		}
	}

	printSummary(ctrl.Stats())

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.Stop(shutdown); err != nil {
		log.Printf("Stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}

func submitJobs(ctx context.Context, ctrl *controller.Controller, n int) []types.JobID {
	var ids []types.JobID
	for i := 0; i < n; i++ {
		var params types.Params
		switch i % 3 {
		case 0:
			params = types.SingleParams{URL: fmt.Sprintf("https://video.example/watch?v=%03d", i), WithAudio: i%2 == 0}
		case 1:
			params = types.CollectionParams{URL: fmt.Sprintf("https://video.example/playlist?list=%03d", i), MaxItems: 3}
		default:
			params = types.BatchParams{URLs: []string{
				fmt.Sprintf("https://video.example/watch?v=%03da", i),
				fmt.Sprintf("https://video.example/watch?v=%03db", i),
			}}
		}
		priority := types.Priorities[i%len(types.Priorities)]

		id, err := ctrl.SubmitJob(ctx, controller.SubmitRequest{
			Params:   params,
			Priority: priority,
			ClientID: fmt.Sprintf("demo-%d", i%4),
		})
		if err != nil {
			fmt.Printf("✗ submit %d rejected: %v\n", i, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func printEvent(e broadcast.Event) {
	ts := e.Timestamp.Format("15:04:05.000")
	if e.Job == nil {
		fmt.Printf("%s  #%-4d %s\n", ts, e.ID, e.Type)
		return
	}
	short := e.Job.JobID
	if len(short) > 8 {
		short = short[:8]
	}
	line := fmt.Sprintf("%s  #%-4d %-14s %s %3d%%", ts, e.ID, e.Type, short, e.Job.Progress)
	if e.Job.CurrentItem != "" {
		line += "  " + e.Job.CurrentItem
	}
	if e.Job.Message != "" {
		line += "  (" + e.Job.Message + ")"
	}
	fmt.Println(line)
}

func printSummary(st controller.Stats) {
	fmt.Printf("\n📊 Summary:\n")
	fmt.Printf("  Completed: %d\n", st.Jobs[types.StatusCompleted])
	fmt.Printf("  Failed:    %d\n", st.Jobs[types.StatusFailed])
	fmt.Printf("  Cancelled: %d\n", st.Jobs[types.StatusCancelled])
	fmt.Printf("  Retries:   %d\n", st.Workers.Retried)
	fmt.Printf("  Events:    %d published, %d dropped\n", st.Events.Published, st.Events.Dropped)
}

func errOrEmpty(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
