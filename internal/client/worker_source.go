package client

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/internal/worker"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// WorkerSource lets a worker agent run against a remote cluster.
type WorkerSource struct {
	c *Client
}

var _ worker.JobSource = (*WorkerSource)(nil)

// NewWorkerSource wraps c as a worker.JobSource.
func NewWorkerSource(c *Client) *WorkerSource {
	return &WorkerSource{c: c}
}

func (s *WorkerSource) GetJob(ctx context.Context, workerID string, methods []uint32) (*types.Job, error) {
	resp, err := s.c.GetJob(ctx, &wire.GetJobRequest{WorkerID: workerID, Methods: methods})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

func (s *WorkerSource) UpdateJob(ctx context.Context, jobID types.JobID, workerID string) error {
	resp, err := s.c.UpdateJob(ctx, &wire.UpdateJobRequest{JobID: jobID, WorkerID: workerID})
	if err != nil {
		return err
	}
	return accepted(resp)
}

func (s *WorkerSource) FinishJob(ctx context.Context, workerID string, res worker.Result) error {
	resp, err := s.c.FinishJob(ctx, FinishRequest(workerID, res))
	if err != nil {
		return err
	}
	return accepted(resp)
}

// FinishRequest builds the FinishJob request for a worker result.
func FinishRequest(workerID string, res worker.Result) *wire.FinishJobRequest {
	req := &wire.FinishJobRequest{JobID: res.JobID, WorkerID: workerID, Success: res.Success}
	if res.Success {
		req.Output = res.Output
		return req
	}
	req.Reason = "execution failed"
	if res.Error != nil {
		req.ReasonData = res.Error.Error()
	}
	return req
}

func accepted(resp *wire.JobUpdateResponse) error {
	if resp.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s", worker.ErrRejected, resp.Reason)
}
