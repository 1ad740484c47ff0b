package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// AgentConfig controls one worker agent.
type AgentConfig struct {
	WorkerID          string        // empty generates a UUIDv7
	Concurrency       int           // jobs executed at once
	PollInterval      time.Duration // delay between polls while idle
	HeartbeatInterval time.Duration // must be well below the coordinator's lease duration
	TaskTimeout       time.Duration // 0 disables
	ReportTimeout     time.Duration
}

func (c *AgentConfig) setDefaults() {
	if c.WorkerID == "" {
		if id, err := uuid.NewV7(); err == nil {
			c.WorkerID = "w-" + id.String()
		} else {
			c.WorkerID = "w-" + uuid.NewString()
		}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 5 * time.Second
	}
}

// Agent polls a JobSource, runs jobs on a Pool, heartbeats held jobs and reports results.
type Agent struct {
	cfg       AgentConfig
	source    JobSource
	executors *Executors
	pool      *Pool
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[types.JobID]context.CancelFunc

	finished, failed, rejected int
}

// AgentStats counts reported results.
type AgentStats struct {
	InFlight int `json:"in_flight"`
	Finished int `json:"finished"`
	Failed   int `json:"failed"`
	Rejected int `json:"rejected"`
}

// NewAgent creates an agent. Only the methods in executors are requested.
func NewAgent(cfg AgentConfig, source JobSource, executors *Executors) *Agent {
	cfg.setDefaults()
	if executors == nil {
		executors = NewExecutors()
	}
	return &Agent{
		cfg:       cfg,
		source:    source,
		executors: executors,
		pool:      NewPool(cfg.Concurrency, executors),
		logger:    slog.With("component", "worker", "worker_id", cfg.WorkerID),
		inflight:  make(map[types.JobID]context.CancelFunc),
	}
}

// ID returns the worker ID reported to the coordinator.
func (a *Agent) ID() string {
	return a.cfg.WorkerID
}

// Stats returns the current counters.
func (a *Agent) Stats() AgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentStats{InFlight: len(a.inflight), Finished: a.finished, Failed: a.failed, Rejected: a.rejected}
}

// Run works until ctx is cancelled. Jobs already running are allowed to finish and
// are reported before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.pool.Start(a.cfg.Concurrency); err != nil {
		return err
	}
	a.logger.Info("Worker started", "concurrency", a.cfg.Concurrency, "methods", a.executors.Methods())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.resultLoop()
	}()
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		a.heartbeatLoop(hbCtx)
	}()

	a.pollLoop(ctx)

	a.pool.Stop()
	stopHeartbeat()
	wg.Wait()
	st := a.Stats()
	a.logger.Info("Worker stopped", "finished", st.Finished, "failed", st.Failed, "rejected", st.Rejected)
	return nil
}

func (a *Agent) pollLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		// Keep pulling while there is work and spare capacity.
		for a.capacity() > 0 {
			job, err := a.source.GetJob(ctx, a.cfg.WorkerID, a.executors.Methods())
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("Poll failed", "error", err)
				}
				break
			}
			if job == nil {
				break
			}
			if err := a.dispatch(job); err != nil {
				a.logger.Warn("Failed to dispatch job", "job_id", job.ID, "error", err)
				break
			}
		}
		timer.Reset(a.cfg.PollInterval)
	}
}

func (a *Agent) capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Concurrency - len(a.inflight)
}

func (a *Agent) dispatch(job *types.Job) error {
	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.inflight[job.ID] = cancel
	a.mu.Unlock()

	a.logger.Debug("Job received", "job_id", job.ID, "method", job.MethodID)
	if err := a.pool.Submit(Task{Job: job, Timeout: a.cfg.TaskTimeout, Context: ctx}); err != nil {
		a.release(job.ID)
		return err
	}
	return nil
}

func (a *Agent) release(id types.JobID) {
	a.mu.Lock()
	if cancel, ok := a.inflight[id]; ok {
		cancel()
		delete(a.inflight, id)
	}
	a.mu.Unlock()
}

func (a *Agent) resultLoop() {
	for {
		res, err := a.pool.ReceiveResult()
		if err != nil {
			return
		}
		a.report(res)
	}
}

func (a *Agent) report(res Result) {
	defer a.release(res.JobID)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ReportTimeout)
	defer cancel()

	err := a.source.FinishJob(ctx, a.cfg.WorkerID, res)
	if res.Success && errors.Is(err, types.ErrInvalidRequest) {
		// The coordinator refused the output (too large to replicate, or not the method's
		// output shape); fail the job instead of leaving it to the lease reaper.
		res = Result{JobID: res.JobID, Error: fmt.Errorf("output rejected: %w", err), Duration: res.Duration}
		err = a.source.FinishJob(ctx, a.cfg.WorkerID, res)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case errors.Is(err, ErrRejected):
		a.rejected++
		a.logger.Info("Result rejected, job no longer held", "job_id", res.JobID)
	case err != nil:
		// The lease will expire and the coordinator reaps the job.
		a.logger.Warn("Failed to report result", "job_id", res.JobID, "error", err)
	case res.Success:
		a.finished++
		a.logger.Debug("Job finished", "job_id", res.JobID, "duration", res.Duration)
	default:
		a.failed++
		a.logger.Info("Job failed", "job_id", res.JobID, "error", res.Error)
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		ids := make([]types.JobID, 0, len(a.inflight))
		for id := range a.inflight {
			ids = append(ids, id)
		}
		a.mu.Unlock()

		for _, id := range ids {
			hctx, cancel := context.WithTimeout(ctx, a.cfg.ReportTimeout)
			err := a.source.UpdateJob(hctx, id, a.cfg.WorkerID)
			cancel()
			switch {
			case errors.Is(err, ErrRejected):
				// Reassigned or cancelled: stop working on it.
				a.logger.Info("Heartbeat rejected, abandoning job", "job_id", id)
				a.abandon(id)
			case err != nil:
				a.logger.Warn("Heartbeat failed", "job_id", id, "error", err)
			}
		}
	}
}

// abandon cancels the running task; its result is still reported and rejected.
func (a *Agent) abandon(id types.JobID) {
	a.mu.Lock()
	if cancel, ok := a.inflight[id]; ok {
		cancel()
	}
	a.mu.Unlock()
}
