// ============================================================================
// raft-jobdist CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running nodes and workers and for talking to a cluster
//
// Command Structure:
//   jobdist
//   ├── run                  # Start a coordinator node (--config, -c)
//   ├── worker               # Run a worker agent against the cluster
//   ├── submit               # Submit a job
//   ├── upload               # Submit spider jobs from "url?priority" lines, all or none
//   ├── status <job-id>      # Show a job
//   ├── cancel <job-id>      # Cancel a job
//   ├── retry <job-id>       # Move a failed job back to pending
//   ├── peers                # Show members and the current leader
//   └── wal
//       ├── inspect <dir>    # Summarize a WAL directory offline
//       └── dump <dir>       # Print every WAL record
//
// Client commands take --seeds (comma separated host:port, or JOBDIST_SEEDS) and follow
// leader redirects, so any member address works.
//
// run Command:
//   1. Load config file (+ .env and environment overrides)
//   2. Install the process logger
//   3. Create and start the Controller, then the admin listeners
//   4. Wait for SIGINT / SIGTERM and shut down gracefully
//
// ============================================================================

package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/raft-jobdist/internal/admin"
	"github.com/ChuLiYu/raft-jobdist/internal/client"
	"github.com/ChuLiYu/raft-jobdist/internal/config"
	"github.com/ChuLiYu/raft-jobdist/internal/controller"
	"github.com/ChuLiYu/raft-jobdist/internal/logging"
	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/storage/wal"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/internal/worker"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// options are the persistent flags shared by every command
type options struct {
	configFile string
	seeds      string
	timeout    time.Duration
}

func BuildCLI() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "jobdist",
		Short: "jobdist: a Raft-replicated job distribution coordinator",
		Long: `jobdist runs a cluster of coordinator nodes that agree, through Raft, on the
state of every submitted job. Workers pull jobs from the leader, heartbeat while
running them and report results; any node answers status reads.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultSeeds := os.Getenv("JOBDIST_SEEDS")
	if defaultSeeds == "" {
		defaultSeeds = "127.0.0.1:7000"
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.seeds, "seeds", defaultSeeds, "comma separated cluster addresses")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildUploadCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildRetryCommand(opts))
	rootCmd.AddCommand(buildPeersCommand(opts))
	rootCmd.AddCommand(buildWALCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a coordinator node",
		Long:  "Start a coordinator node from the config file. SEEDS and IP override the cluster membership and listen address.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts.configFile)
		},
	}
}

func runNode(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	m := metrics.NewCollector()
	ctrl, err := controller.NewController(cfg, m)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	adm := admin.New(cfg.Admin, ctrl, m)
	if err := adm.Start(); err != nil {
		ctrl.Stop()
		return err
	}

	slog.Info("System started", "node", cfg.Node.ID, "addr", ctrl.Addr(), "admin", adm.HTTPAddr())
	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	adm.Close(shutdownCtx)
	if err := ctrl.Stop(); err != nil {
		return err
	}
	slog.Info("System stopped")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *options) *cobra.Command {
	var (
		workerID    string
		concurrency int
		poll        time.Duration
		heartbeat   time.Duration
		taskTimeout time.Duration
		crawlSeeds  []string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker agent",
		Long:  "Pull jobs from the cluster, run them with the built-in executors and report the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logCloser, err := logging.Setup(cfg.Log)
			if err != nil {
				return err
			}
			defer logCloser.Close()

			wc := cfg.Worker
			flags := cmd.Flags()
			if flags.Changed("concurrency") || wc.Concurrency <= 0 {
				wc.Concurrency = concurrency
			}
			if flags.Changed("poll") {
				wc.PollInterval = poll
			}
			if flags.Changed("heartbeat") {
				wc.HeartbeatInterval = heartbeat
			}
			if flags.Changed("task-timeout") {
				wc.TaskTimeout = taskTimeout
			}
			if flags.Changed("crawl-seed") {
				wc.CrawlSeeds = crawlSeeds
			}

			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			agent := worker.NewAgent(worker.AgentConfig{
				WorkerID:          workerID,
				Concurrency:       wc.Concurrency,
				PollInterval:      wc.PollInterval,
				HeartbeatInterval: wc.HeartbeatInterval,
				TaskTimeout:       wc.TaskTimeout,
			}, client.NewWorkerSource(c), worker.DefaultExecutors(nil, wc.CrawlSeeds...))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&workerID, "worker-id", "", "worker ID (default: generated)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "jobs run at once")
	cmd.Flags().DurationVar(&poll, "poll", 500*time.Millisecond, "poll interval while idle")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 5*time.Second, "heartbeat interval, keep it below the lease duration")
	cmd.Flags().DurationVar(&taskTimeout, "task-timeout", 0, "per job timeout, 0 disables")
	cmd.Flags().StringSliceVar(&crawlSeeds, "crawl-seed", nil, "page crawl jobs read links from (repeatable, enables crawl jobs)")
	return cmd
}

// ============================================================================
// client commands
// ============================================================================

func newClient(opts *options) (*client.Client, error) {
	var seeds []string
	for _, s := range strings.Split(opts.seeds, ",") {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	return client.New(client.Config{Seeds: seeds, RequestTimeout: opts.timeout})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func buildSubmitCommand(opts *options) *cobra.Command {
	var (
		req       wire.SubmitJobRequest
		input     string
		inputFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long:  "Submit a job. Identical project, author, method and input return the existing job ID.",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd.InOrStdin(), input, inputFile)
			if err != nil {
				return err
			}
			req.Input = payload

			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Submit(cmd.Context(), &req)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project ID")
	cmd.Flags().StringVar(&req.AuthorID, "author", "", "author ID")
	cmd.Flags().Uint32Var(&req.MethodID, "method", 7, "method ID")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "higher runs first")
	cmd.Flags().StringVarP(&input, "input", "i", "", "job input")
	cmd.Flags().StringVarP(&inputFile, "file", "f", "", "read job input from a file, - for stdin")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("author")
	cmd.MarkFlagsMutuallyExclusive("input", "file")
	return cmd
}

func buildUploadCommand(opts *options) *cobra.Command {
	var (
		project, author string
		inputFile       string
	)

	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Submit spider jobs in one batch",
		Long:  "Read one \"url?priority\" per line (priority optional) and submit a spider job for each. One bad line rejects the whole batch.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), "", inputFile)
			if err != nil {
				return err
			}
			jobs, err := parseUpload(strings.NewReader(string(data)), project, author)
			if err != nil {
				return err
			}

			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.SubmitBatch(cmd.Context(), &wire.SubmitJobsRequest{Jobs: jobs})
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project ID")
	cmd.Flags().StringVar(&author, "author", "", "author ID")
	cmd.Flags().StringVarP(&inputFile, "file", "f", "-", "file with one url?priority per line, - for stdin")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("author")
	return cmd
}

// parseUpload reads "url?priority" lines into spider job requests. Blank lines are skipped.
func parseUpload(r io.Reader, project, author string) ([]wire.SubmitJobRequest, error) {
	var jobs []wire.SubmitJobRequest
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		url, prio, hasPrio := strings.Cut(text, "?")
		priority := 0
		if hasPrio {
			n, err := strconv.Atoi(strings.TrimSpace(prio))
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid priority %q, no jobs were submitted", line, prio)
			}
			priority = n
		}
		if url == "" {
			return nil, fmt.Errorf("line %d: empty url, no jobs were submitted", line)
		}
		input, err := json.Marshal(map[string]string{"url": url})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, wire.SubmitJobRequest{
			ProjectID: project,
			AuthorID:  author,
			MethodID:  methods.Spider,
			Input:     input,
			Priority:  priority,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.New("no jobs to upload")
	}
	return jobs, nil
}

func readInput(stdin io.Reader, input, file string) ([]byte, error) {
	switch file {
	case "":
		return []byte(input), nil
	case "-":
		return io.ReadAll(stdin)
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		return data, nil
	}
}

func buildStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Status(cmd.Context(), types.JobID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func buildCancelCommand(opts *options) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Cancel(cmd.Context(), types.JobID(args[0]), reason)
			if err != nil {
				return err
			}
			return printUpdate(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func buildRetryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a failed job back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Retry(cmd.Context(), types.JobID(args[0]))
			if err != nil {
				return err
			}
			return printUpdate(cmd.OutOrStdout(), resp)
		},
	}
}

// printUpdate prints the response and turns a rejected update into an error exit
func printUpdate(w io.Writer, resp *wire.JobUpdateResponse) error {
	if err := printJSON(w, resp); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("not applied: %s", resp.Reason)
	}
	return nil
}

func buildPeersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "Show cluster members and the current leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Peers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "self: %s  leader: %s  term: %d\n", resp.Self, resp.LeaderID, resp.Term)
			for _, p := range resp.Peers {
				marker := " "
				if p.ID == resp.LeaderID {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %-8s %s\n", marker, p.ID, p.Addr)
			}
			return nil
		},
	}
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect a WAL directory offline",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <dir>",
		Short: "Summarize records, entries and the persisted term",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := wal.GetWALStats(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "dump <dir>",
		Short: "Print every record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(args[0], cmd.OutOrStdout())
		},
	})
	return cmd
}
