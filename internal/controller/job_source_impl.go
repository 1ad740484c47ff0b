package controller

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/raft-jobdist/internal/client"
	"github.com/ChuLiYu/raft-jobdist/internal/handler"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/internal/worker"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// ============================================================================
// worker.JobSource 本地實作
// ============================================================================

// LocalSource serves an in-process worker agent straight from the handler, skipping
// the wire. Requests still go through Raft, so it only gets work while this node leads.
type LocalSource struct {
	h *handler.JobRequestHandler
}

var _ worker.JobSource = (*LocalSource)(nil)

func NewLocalSource(h *handler.JobRequestHandler) *LocalSource {
	return &LocalSource{h: h}
}

// GetJob implements worker.JobSource.GetJob
func (s *LocalSource) GetJob(ctx context.Context, workerID string, methods []uint32) (*types.Job, error) {
	resp, err := s.h.GetJob(ctx, &wire.GetJobRequest{WorkerID: workerID, Methods: methods})
	if err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// UpdateJob implements worker.JobSource.UpdateJob
func (s *LocalSource) UpdateJob(ctx context.Context, jobID types.JobID, workerID string) error {
	resp, err := s.h.UpdateJob(ctx, &wire.UpdateJobRequest{JobID: jobID, WorkerID: workerID})
	if err != nil {
		return err
	}
	return accepted(resp)
}

// FinishJob implements worker.JobSource.FinishJob
func (s *LocalSource) FinishJob(ctx context.Context, workerID string, res worker.Result) error {
	resp, err := s.h.FinishJob(ctx, client.FinishRequest(workerID, res))
	if err != nil {
		return err
	}
	return accepted(resp)
}

func accepted(resp *wire.JobUpdateResponse) error {
	if resp.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s", worker.ErrRejected, resp.Reason)
}
