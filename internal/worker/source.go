// ============================================================================
// raft-jobdist Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Abstraction for fetching jobs and reporting results.
//
// The Agent does not care where jobs come from:
//   - Embedded mode: the source calls the node's request handler directly.
//   - Remote mode: the source is a TCP client that follows leader redirects.
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// ErrRejected is returned when the coordinator committed a worker report but its
// precondition did not hold, e.g. the job was reassigned after a lease expiry.
var ErrRejected = errors.New("worker report rejected")

// JobSource fetches jobs for a worker and records what happened to them.
type JobSource interface {
	// GetJob asks for one job. A nil job with a nil error means there is no work.
	// methods limits the jobs to those the worker can execute; empty means any.
	GetJob(ctx context.Context, workerID string, methods []uint32) (*types.Job, error)

	// UpdateJob is the heartbeat for a held job: it marks it running and extends the
	// lease. ErrRejected means the worker no longer holds the job.
	UpdateJob(ctx context.Context, jobID types.JobID, workerID string) error

	// FinishJob reports the outcome. ErrRejected means the report came too late.
	FinishJob(ctx context.Context, workerID string, res Result) error
}
