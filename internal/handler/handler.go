// Package handler implements the client and worker operations of a coordinator node.
// Writes go through Raft on the leader; reads are served from the local state machine.
package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/raft-jobdist/internal/jobmanager"
	"github.com/ChuLiYu/raft-jobdist/internal/methods"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/raft"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Consensus is the part of the Raft engine the handler needs.
type Consensus interface {
	Propose(command []byte) (*raft.Proposal, error)
	Status() raft.Status
}

// Config holds the handler's static settings.
type Config struct {
	NodeID        string
	Peers         map[string]string // every member including NodeID
	LeaseDuration time.Duration
	ApplyTimeout  time.Duration
	CrawlBelow    int // start a crawl round when fewer spider jobs are pending; 0 disables
}

// crawlProject owns the crawl jobs the leader creates.
const crawlProject = "crawl"

// WorkerInfo tracks a worker seen through GetJob / UpdateJob / FinishJob.
type WorkerInfo struct {
	ID         string      `json:"id"`
	LastSeen   time.Time   `json:"last_seen"`
	CurrentJob types.JobID `json:"current_job,omitempty"`
}

// JobRequestHandler serves client and worker requests.
type JobRequestHandler struct {
	cfg     Config
	raft    Consensus
	sm      *jobmanager.JobManager
	methods *methods.Registry
	metrics *metrics.Collector
	logger  *slog.Logger

	now   func() time.Time
	newID func() types.JobID

	// assignMu serializes pick-and-assign so two polls never race for one job.
	assignMu sync.Mutex

	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// New creates a handler.
func New(cfg Config, rf Consensus, sm *jobmanager.JobManager, reg *methods.Registry, m *metrics.Collector) *JobRequestHandler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	return &JobRequestHandler{
		cfg:     cfg,
		raft:    rf,
		sm:      sm,
		methods: reg,
		metrics: m,
		logger:  slog.With("component", "handler", "node", cfg.NodeID),
		now:     time.Now,
		newID:   newJobID,
		workers: make(map[string]*WorkerInfo),
	}
}

// newJobID returns a time-ordered UUIDv7.
func newJobID() types.JobID {
	id, err := uuid.NewV7()
	if err != nil {
		return types.JobID(uuid.NewString())
	}
	return types.JobID(id.String())
}

// ============================================================================
// Client operations
// ============================================================================

// SubmitJob validates the payload, deduplicates by content hash and enqueues the job.
// It returns once the entry has been applied on this node.
func (h *JobRequestHandler) SubmitJob(ctx context.Context, req *wire.SubmitJobRequest) (*wire.SubmitJobResponse, error) {
	if err := h.checkLeader(); err != nil {
		return nil, err
	}
	if req.ProjectID == "" || req.AuthorID == "" {
		return nil, fmt.Errorf("%w: project_id and author_id are required", types.ErrInvalidRequest)
	}
	if err := h.methods.Validate(req.MethodID, req.Input); err != nil {
		return nil, err
	}

	payload := h.enqueuePayload(req, h.now().UnixMilli())
	if existing, ok := h.sm.LookupKey(payload.IdempotencyKey); ok {
		h.metrics.RecordDuplicate()
		return &wire.SubmitJobResponse{JobID: existing, Duplicate: true}, nil
	}

	cmd, err := jobmanager.NewEnqueueCommand(payload)
	if err != nil {
		return nil, err
	}
	res, err := h.propose(ctx, cmd)
	if err != nil {
		return nil, err
	}
	switch {
	case res.Duplicate && res.Job != nil:
		// Same content raced in through another request.
		h.metrics.RecordDuplicate()
		return &wire.SubmitJobResponse{JobID: res.Job.ID, Duplicate: true, Index: res.Index}, nil
	case !res.Applied:
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRequest, res.Reason)
	}
	h.metrics.RecordEnqueue()
	h.logger.Info("Job enqueued", "job_id", res.Job.ID, "method", req.MethodID, "index", res.Index)
	return &wire.SubmitJobResponse{JobID: res.Job.ID, Index: res.Index}, nil
}

// SubmitJobs validates every job before proposing any, then enqueues them all in one log
// entry. One invalid job rejects the whole batch.
func (h *JobRequestHandler) SubmitJobs(ctx context.Context, req *wire.SubmitJobsRequest) (*wire.SubmitJobsResponse, error) {
	if err := h.checkLeader(); err != nil {
		return nil, err
	}
	if len(req.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs in batch", types.ErrInvalidRequest)
	}
	ts := h.now().UnixMilli()
	batch := jobmanager.BatchPayload{Jobs: make([]jobmanager.EnqueuePayload, 0, len(req.Jobs))}
	for i := range req.Jobs {
		j := &req.Jobs[i]
		if j.ProjectID == "" || j.AuthorID == "" {
			return nil, fmt.Errorf("%w: job %d: project_id and author_id are required", types.ErrInvalidRequest, i)
		}
		if err := h.methods.Validate(j.MethodID, j.Input); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
		batch.Jobs = append(batch.Jobs, h.enqueuePayload(j, ts))
	}

	cmd, err := jobmanager.NewBatchCommand(batch)
	if err != nil {
		return nil, err
	}
	res, err := h.propose(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !res.Applied {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRequest, res.Reason)
	}
	resp := &wire.SubmitJobsResponse{Index: res.Index, Jobs: make([]wire.SubmitJobResponse, 0, len(res.Items))}
	for _, it := range res.Items {
		resp.Jobs = append(resp.Jobs, wire.SubmitJobResponse{JobID: it.JobID, Duplicate: it.Duplicate, Index: res.Index})
	}
	h.recordSpawned(res)
	h.logger.Info("Batch enqueued", "jobs", len(res.Items), "new", len(res.Enqueued), "index", res.Index)
	return resp, nil
}

// GetJobStatus is served from local state on any node, so followers may lag.
func (h *JobRequestHandler) GetJobStatus(_ context.Context, req *wire.GetJobStatusRequest) (*wire.GetJobStatusResponse, error) {
	job := h.sm.GetJob(req.JobID)
	if job == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, req.JobID)
	}
	return &wire.GetJobStatusResponse{Job: job, Failed: h.sm.GetFailed(req.JobID)}, nil
}

// CancelJob fails a job that has not finished, marking it cancelled.
func (h *JobRequestHandler) CancelJob(ctx context.Context, req *wire.CancelJobRequest) (*wire.JobUpdateResponse, error) {
	cmd, err := jobmanager.NewCancelCommand(jobmanager.CancelPayload{
		JobID:     req.JobID,
		Reason:    req.Reason,
		Timestamp: h.now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	resp, err := h.update(ctx, req.JobID, cmd)
	if err == nil && resp.Accepted {
		h.metrics.RecordCancel()
	}
	return resp, err
}

// RetryJob moves a failed job back to Pending while it is under the retry limit.
func (h *JobRequestHandler) RetryJob(ctx context.Context, req *wire.RetryJobRequest) (*wire.JobUpdateResponse, error) {
	cmd, err := jobmanager.NewRetryCommand(jobmanager.RetryPayload{JobID: req.JobID, Timestamp: h.now().UnixMilli()})
	if err != nil {
		return nil, err
	}
	resp, err := h.update(ctx, req.JobID, cmd)
	if err == nil && resp.Accepted {
		h.metrics.RecordRetry()
	}
	return resp, err
}

// GetPeers lists the cluster members and the leader this node knows about.
func (h *JobRequestHandler) GetPeers(_ context.Context, _ *wire.GetPeersRequest) (*wire.GetPeersResponse, error) {
	st := h.raft.Status()
	resp := &wire.GetPeersResponse{Self: h.cfg.NodeID, LeaderID: st.LeaderID, Term: st.Term}
	for id, addr := range h.cfg.Peers {
		resp.Peers = append(resp.Peers, wire.Peer{ID: id, Addr: addr})
	}
	sort.Slice(resp.Peers, func(i, j int) bool { return resp.Peers[i].ID < resp.Peers[j].ID })
	return resp, nil
}

// ============================================================================
// Worker operations
// ============================================================================

// GetJob assigns the highest priority, oldest pending job to the worker. A nil Job in the
// response means there is no work.
func (h *JobRequestHandler) GetJob(ctx context.Context, req *wire.GetJobRequest) (*wire.GetJobResponse, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", types.ErrInvalidRequest)
	}
	if err := h.checkLeader(); err != nil {
		return nil, err
	}
	h.touchWorker(req.WorkerID, "")

	h.assignMu.Lock()
	defer h.assignMu.Unlock()

	// A candidate can be consumed between the read and the commit (cancel, another
	// leader's assign before a step-down), so retry a few times.
	for attempt := 0; attempt < 3; attempt++ {
		job, err := h.nextJob(ctx, req.Methods)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return &wire.GetJobResponse{}, nil
		}
		now := h.now()
		cmd, err := jobmanager.NewAssignCommand(jobmanager.AssignPayload{
			JobID:         job.ID,
			WorkerID:      req.WorkerID,
			LeaseDeadline: now.Add(h.cfg.LeaseDuration).UnixMilli(),
			Timestamp:     now.UnixMilli(),
		})
		if err != nil {
			return nil, err
		}
		res, err := h.propose(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if res.Applied {
			h.metrics.RecordAssign()
			h.touchWorker(req.WorkerID, job.ID)
			h.logger.Debug("Job assigned", "job_id", job.ID, "worker", req.WorkerID, "index", res.Index)
			return &wire.GetJobResponse{Job: res.Job}, nil
		}
		h.logger.Debug("Assign skipped", "job_id", job.ID, "reason", res.Reason)
	}
	return &wire.GetJobResponse{}, nil
}

// UpdateJob is a worker heartbeat: Assigned -> Running and the lease is extended.
func (h *JobRequestHandler) UpdateJob(ctx context.Context, req *wire.UpdateJobRequest) (*wire.JobUpdateResponse, error) {
	if req.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", types.ErrInvalidRequest)
	}
	now := h.now()
	cmd, err := jobmanager.NewStartCommand(jobmanager.StartPayload{
		JobID:         req.JobID,
		WorkerID:      req.WorkerID,
		LeaseDeadline: now.Add(h.cfg.LeaseDuration).UnixMilli(),
		Timestamp:     now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	h.touchWorker(req.WorkerID, req.JobID)
	return h.update(ctx, req.JobID, cmd)
}

// FinishJob completes the job with its output, or fails it with a reason. A completed
// crawl job enqueues a spider job for every URL it reports, in the same log entry.
func (h *JobRequestHandler) FinishJob(ctx context.Context, req *wire.FinishJobRequest) (*wire.JobUpdateResponse, error) {
	var (
		cmd []byte
		err error
		ts  = h.now().UnixMilli()
	)
	if req.Success {
		job := h.sm.GetJob(req.JobID)
		if job == nil {
			return nil, fmt.Errorf("%w: %s", types.ErrJobNotFound, req.JobID)
		}
		if err := h.methods.ValidateOutput(job.MethodID, req.Output); err != nil {
			return nil, err
		}
		payload := jobmanager.CompletePayload{JobID: req.JobID, WorkerID: req.WorkerID, Output: req.Output, Timestamp: ts}
		if job.MethodID == methods.Crawl {
			if err := h.crawlResults(job, req.Output, ts, &payload); err != nil {
				return nil, err
			}
		}
		cmd, err = jobmanager.NewCompleteCommand(payload)
	} else {
		cmd, err = jobmanager.NewFailCommand(jobmanager.FailPayload{
			JobID: req.JobID, WorkerID: req.WorkerID, Reason: req.Reason, ReasonData: req.ReasonData, Timestamp: ts,
		})
	}
	if err != nil {
		return nil, err
	}

	resp, res, err := h.updateResult(ctx, req.JobID, cmd)
	if err != nil {
		return nil, err
	}
	if req.WorkerID != "" {
		h.touchWorker(req.WorkerID, "")
	}
	if resp.Accepted {
		if req.Success {
			latency := float64(resp.Job.UpdatedAt-resp.Job.CreatedAt) / 1000
			h.metrics.RecordCompleted(latency)
			if len(res.Items) > 0 {
				h.recordSpawned(res)
				h.logger.Info("Crawl round finished", "job_id", req.JobID, "urls", len(res.Items), "new", len(res.Enqueued))
			}
		} else {
			h.metrics.RecordFailed()
		}
	}
	return resp, nil
}

// ReapExpired fails every job whose lease has passed and, when requeue is set, proposes a
// retry for it as well. Only the leader reaps. It returns how many jobs were failed.
func (h *JobRequestHandler) ReapExpired(ctx context.Context, requeue bool) (int, error) {
	if err := h.checkLeader(); err != nil {
		return 0, err
	}
	now := h.now()
	reaped := 0
	for _, job := range h.sm.GetExpiredJobs(now.UnixMilli()) {
		cmd, err := jobmanager.NewFailCommand(jobmanager.FailPayload{
			JobID:      job.ID,
			Reason:     "lease expired",
			ReasonData: job.AssignedWorker,
			Timestamp:  now.UnixMilli(),
		})
		if err != nil {
			return reaped, err
		}
		res, err := h.propose(ctx, cmd)
		if err != nil {
			return reaped, err
		}
		if !res.Applied {
			continue
		}
		reaped++
		h.metrics.RecordFailed()
		h.logger.Warn("Lease expired", "job_id", job.ID, "worker", job.AssignedWorker)

		if !requeue {
			continue
		}
		cmd, err = jobmanager.NewRetryCommand(jobmanager.RetryPayload{JobID: job.ID, Timestamp: now.UnixMilli()})
		if err != nil {
			return reaped, err
		}
		res, err = h.propose(ctx, cmd)
		if err != nil {
			return reaped, err
		}
		if res.Applied {
			h.metrics.RecordRetry()
		} else {
			h.logger.Info("Expired job not requeued", "job_id", job.ID, "reason", res.Reason)
		}
	}
	return reaped, nil
}

// Workers returns the workers seen by this node, most recent first.
func (h *JobRequestHandler) Workers() []WorkerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(h.workers))
	for _, w := range h.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// ============================================================================
// helpers
// ============================================================================

func (h *JobRequestHandler) touchWorker(id string, job types.JobID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.workers[id]
	if !ok {
		w = &WorkerInfo{ID: id}
		h.workers[id] = w
	}
	w.LastSeen = h.now()
	w.CurrentJob = job
}

// checkLeader fails fast with a redirect so requests are not half-validated on followers.
func (h *JobRequestHandler) checkLeader() error {
	st := h.raft.Status()
	if st.State == raft.Leader {
		return nil
	}
	return &types.NotLeaderError{LeaderID: st.LeaderID, LeaderAddr: h.cfg.Peers[st.LeaderID]}
}

// update proposes a single-job command and reports whether its precondition held.
func (h *JobRequestHandler) update(ctx context.Context, id types.JobID, cmd []byte) (*wire.JobUpdateResponse, error) {
	resp, _, err := h.updateResult(ctx, id, cmd)
	return resp, err
}

func (h *JobRequestHandler) updateResult(ctx context.Context, id types.JobID, cmd []byte) (*wire.JobUpdateResponse, jobmanager.ApplyResult, error) {
	res, err := h.propose(ctx, cmd)
	if err != nil {
		return nil, res, err
	}
	if res.Job == nil {
		return nil, res, fmt.Errorf("%w: %s", types.ErrJobNotFound, id)
	}
	return &wire.JobUpdateResponse{Job: res.Job, Accepted: res.Applied, Reason: res.Reason}, res, nil
}

// enqueuePayload builds the ENQUEUE payload for a validated request.
func (h *JobRequestHandler) enqueuePayload(req *wire.SubmitJobRequest, ts int64) jobmanager.EnqueuePayload {
	return jobmanager.EnqueuePayload{
		JobID:          h.newID(),
		ProjectID:      req.ProjectID,
		AuthorID:       req.AuthorID,
		MethodID:       req.MethodID,
		Input:          req.Input,
		Priority:       req.Priority,
		IdempotencyKey: jobmanager.IdempotencyKey(req.ProjectID, req.AuthorID, req.MethodID, req.Input),
		Timestamp:      ts,
	}
}

func (h *JobRequestHandler) recordSpawned(res jobmanager.ApplyResult) {
	for _, it := range res.Items {
		if it.Duplicate {
			h.metrics.RecordDuplicate()
		} else {
			h.metrics.RecordEnqueue()
		}
	}
}

// propose submits cmd and waits for it to be applied locally.
func (h *JobRequestHandler) propose(ctx context.Context, cmd []byte) (jobmanager.ApplyResult, error) {
	p, err := h.raft.Propose(cmd)
	if err != nil {
		var nle *types.NotLeaderError
		if errors.As(err, &nle) && nle.LeaderAddr == "" {
			nle.LeaderAddr = h.cfg.Peers[nle.LeaderID]
		}
		return jobmanager.ApplyResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ApplyTimeout)
	defer cancel()
	v, err := p.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return jobmanager.ApplyResult{}, fmt.Errorf("%w: index %d not applied in time", types.ErrUnavailable, p.Index)
		}
		return jobmanager.ApplyResult{}, err
	}
	res, ok := v.(jobmanager.ApplyResult)
	if !ok {
		return jobmanager.ApplyResult{}, fmt.Errorf("unexpected apply result %T", v)
	}
	return res, nil
}
