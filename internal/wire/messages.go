package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Marshal encodes a frame body.
func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes a frame body; failures are reported as ErrDecode.
func Unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

// SubmitJobRequest enqueues a job. Identical (project, author, method, input) tuples are
// deduplicated by content hash.
type SubmitJobRequest struct {
	ProjectID string `msgpack:"project_id"`
	AuthorID  string `msgpack:"author_id"`
	MethodID  uint32 `msgpack:"method_id"`
	Input     []byte `msgpack:"input"`
	Priority  int    `msgpack:"priority"`
}

type SubmitJobResponse struct {
	JobID     types.JobID `msgpack:"job_id"`
	Duplicate bool        `msgpack:"duplicate"`
	Index     int64       `msgpack:"index"`
}

// SubmitJobsRequest enqueues every job or none. Content already queued is reported as a
// duplicate, as with SubmitJob.
type SubmitJobsRequest struct {
	Jobs []SubmitJobRequest `msgpack:"jobs"`
}

// SubmitJobsResponse lists one result per request job, in request order.
type SubmitJobsResponse struct {
	Jobs  []SubmitJobResponse `msgpack:"jobs"`
	Index int64               `msgpack:"index"`
}

type GetJobStatusRequest struct {
	JobID types.JobID `msgpack:"job_id"`
}

type GetJobStatusResponse struct {
	Job    *types.Job       `msgpack:"job"`
	Failed *types.FailedJob `msgpack:"failed,omitempty"`
}

type CancelJobRequest struct {
	JobID  types.JobID `msgpack:"job_id"`
	Reason string      `msgpack:"reason"`
}

// JobUpdateResponse answers every command that mutates a single job. Accepted is false
// when the command committed but its precondition did not hold.
type JobUpdateResponse struct {
	Job      *types.Job `msgpack:"job"`
	Accepted bool       `msgpack:"accepted"`
	Reason   string     `msgpack:"reason,omitempty"`
}

// GetJobRequest is a worker asking for work. A nil Job in the response means no work.
type GetJobRequest struct {
	WorkerID string   `msgpack:"worker_id"`
	Methods  []uint32 `msgpack:"methods,omitempty"`
}

type GetJobResponse struct {
	Job *types.Job `msgpack:"job"`
}

// UpdateJobRequest is a worker heartbeat: Assigned -> Running, lease extended.
type UpdateJobRequest struct {
	JobID    types.JobID `msgpack:"job_id"`
	WorkerID string      `msgpack:"worker_id"`
}

// FinishJobRequest reports the outcome of a job.
type FinishJobRequest struct {
	JobID      types.JobID `msgpack:"job_id"`
	WorkerID   string      `msgpack:"worker_id"`
	Success    bool        `msgpack:"success"`
	Output     []byte      `msgpack:"output,omitempty"`
	Reason     string      `msgpack:"reason,omitempty"`
	ReasonData string      `msgpack:"reason_data,omitempty"`
}

type RetryJobRequest struct {
	JobID types.JobID `msgpack:"job_id"`
}

type GetPeersRequest struct{}

type Peer struct {
	ID   string `msgpack:"id"`
	Addr string `msgpack:"addr"`
}

type GetPeersResponse struct {
	Self     string `msgpack:"self"`
	LeaderID string `msgpack:"leader_id"`
	Term     int64  `msgpack:"term"`
	Peers    []Peer `msgpack:"peers"`
}
