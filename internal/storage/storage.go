// Package storage holds the persistence collaborators behind the Raft engine and the
// job-record projections fed from the apply loop.
package storage

import (
	"context"
	"errors"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// ErrNotFound is returned by a JobIndex that has no record for the requested job.
var ErrNotFound = errors.New("storage: record not found")

// JobIndex stores job records keyed by job ID. It is a projection of the replicated
// state: writes arrive after apply and may lag, the log stays authoritative.
type JobIndex interface {
	PutJob(ctx context.Context, job *types.Job, failed *types.FailedJob) error
	GetJob(ctx context.Context, id types.JobID) (*types.Job, *types.FailedJob, error)
	Close() error
}
