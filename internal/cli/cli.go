// ============================================================================
// summaryq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running and operating the job service
//
// Command Structure:
//   summaryq                       # Root command
//   ├── run                        # Start the service
//   ├── enqueue                    # Submit jobs to a running server
//   │   └── --file, -f             # JSON array of jobs
//   ├── cancel <job-id>            # Cancel a job on a running server
//   ├── status                     # Config summary + live stats
//   ├── config validate            # Check a config file
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load and validate the config file
//   2. Build the controller and bind every listener
//   3. Serve the HTTP API, optional metrics listener and gRPC health
//   4. Stop on SIGINT/SIGTERM or on a fatal worker pool error
//
//   Graceful shutdown flow:
//   1. Health reports NOT_SERVING
//   2. Worker pool drains for workers.shutdown_grace, then fails the rest
//   3. Still-queued jobs are cancelled, event streams are closed
//   4. HTTP listeners shut down
//
// enqueue Command:
//   JSON format (same body as POST /api/jobs):
//   [
//     {"type": "single", "params": {"url": "https://..."}, "priority": "high"},
//     {"type": "batch", "params": {"urls": ["https://...", "https://..."]}}
//   ]
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/summaryq/internal/config"
	"github.com/ChuLiYu/summaryq/internal/httpapi"
	"github.com/ChuLiYu/summaryq/internal/logger"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// DefaultConfigPath is the --config default.
const DefaultConfigPath = "configs/default.yaml"

type rootOptions struct {
	configFile string
	server     string
	clientID   string
}

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "summaryq",
		Short: "summaryq: asynchronous summary jobs with live progress",
		Long: `summaryq runs summary jobs on a bounded worker pool with:
- priority scheduling and per-client rate limiting
- retries with exponential backoff and cooperative cancellation
- live progress over Server-Sent Events
- Prometheus metrics and gRPC health checks`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "base URL of a running server")
	rootCmd.PersistentFlags().StringVar(&opts.clientID, "client-id", "", "client id sent as "+httpapi.ClientIDHeader)

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildEnqueueCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildConfigCommand(opts))

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the summaryq service",
		Long:  "Start the worker pool, the HTTP API and, when enabled, the metrics and gRPC health listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logger.Setup(cfg.Log.Level, cfg.Log.Format)
			log.Info("starting summaryq", "version", Version, "config", opts.configFile)

			svc, err := newService(cfg, log, nil, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := svc.run(ctx); err != nil {
				return err
			}
			log.Info("summaryq stopped")
			return nil
		},
	}
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand(opts *rootOptions) *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit jobs from a JSON file to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			client := newAPIClient(opts.server, opts.clientID)
			return enqueueJobs(cmd.Context(), cmd.OutOrStdout(), client, jobs)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]httpapi.SubmitJobRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var jobs []httpapi.SubmitJobRequest
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if len(jobs) == 0 {
		return nil, errors.New("job file contains no jobs")
	}
	return jobs, nil
}

// enqueueJobs submits every job, reporting each outcome. Rejected jobs do
// not stop the rest; the command fails if any job was rejected.
func enqueueJobs(ctx context.Context, out io.Writer, client *apiClient, jobs []httpapi.SubmitJobRequest) error {
	ok := 0
	for i, job := range jobs {
		id, err := client.submit(ctx, job)
		if err != nil {
			fmt.Fprintf(out, "job %d (%s): rejected: %v\n", i+1, job.Type, err)
			continue
		}
		ok++
		fmt.Fprintf(out, "job %d (%s): queued as %s\n", i+1, job.Type, id)
	}
	fmt.Fprintf(out, "submitted %d/%d jobs to %s\n", ok, len(jobs), client.base)
	if ok < len(jobs) {
		return fmt.Errorf("%d of %d jobs rejected", len(jobs)-ok, len(jobs))
	}
	return nil
}

// ============================================================================
// cancel
// ============================================================================

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job on a running server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newAPIClient(opts.server, opts.clientID).cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.ID, resp.Outcome)
			return nil
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configuration and live stats of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			out := cmd.OutOrStdout()
			printConfigSummary(out, opts.configFile, cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			raw, err := newAPIClient(opts.server, opts.clientID).stats(ctx)
			if err != nil {
				fmt.Fprintf(out, "\nServer %s: unreachable (%v)\n", opts.server, err)
				return nil
			}
			var pretty map[string]any
			if err := json.Unmarshal(raw, &pretty); err != nil {
				return fmt.Errorf("decode stats: %w", err)
			}
			indented, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Fprintf(out, "\nServer %s:\n%s\n", opts.server, indented)
			return nil
		},
	}
}

func printConfigSummary(out io.Writer, path string, cfg config.Config) {
	fmt.Fprintf(out, "Config: %s\n", path)
	fmt.Fprintf(out, "  workers:     %d (max attempts %d, backoff %s..%s)\n",
		cfg.Workers.PoolSize, cfg.Workers.MaxAttempts, cfg.Workers.BackoffBase, cfg.Workers.BackoffMax)
	fmt.Fprintf(out, "  queue:       capacity %d, retention %s\n", cfg.Queue.Capacity, cfg.Queue.Retention)
	if cfg.Queue.RateLimit.MaxSubmissions > 0 {
		fmt.Fprintf(out, "  rate limit:  %d per %s per client\n", cfg.Queue.RateLimit.MaxSubmissions, cfg.Queue.RateLimit.Window)
	} else {
		fmt.Fprintln(out, "  rate limit:  disabled")
	}
	fmt.Fprintf(out, "  events:      buffer %d, heartbeat %s\n", cfg.Events.BufferSize, cfg.Events.HeartbeatInterval)
	fmt.Fprintf(out, "  api:         %s\n", cfg.Server.Addr)
	if cfg.Health.Enabled {
		fmt.Fprintf(out, "  health:      %s\n", cfg.Health.Addr)
	}
}

// ============================================================================
// config
// ============================================================================

func buildConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(opts.configFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", opts.configFile)
			return nil
		},
	})
	return cmd
}
