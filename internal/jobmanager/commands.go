package jobmanager

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// CommandType identifies the type of raft command
type CommandType string

const (
	CmdEnqueue  CommandType = "ENQUEUE"
	CmdAssign   CommandType = "ASSIGN"
	CmdStart    CommandType = "START"
	CmdComplete CommandType = "COMPLETE"
	CmdFail     CommandType = "FAIL"
	CmdRetry    CommandType = "RETRY"
	CmdCancel   CommandType = "CANCEL"
	CmdBatch    CommandType = "ENQUEUE_BATCH"
	CmdNoOp     CommandType = "NOOP"
)

// Command is the data structure serialized into the Raft log
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnqueuePayload is the payload for ENQUEUE command
type EnqueuePayload struct {
	JobID          types.JobID `json:"job_id"`
	ProjectID      string      `json:"project_id"`
	AuthorID       string      `json:"author_id"`
	MethodID       uint32      `json:"method_id"`
	Input          []byte      `json:"input,omitempty"`
	Priority       int         `json:"priority,omitempty"`
	IdempotencyKey string      `json:"idempotency_key"`
	Timestamp      int64       `json:"ts"`
}

// AssignPayload is the payload for ASSIGN command
type AssignPayload struct {
	JobID         types.JobID `json:"job_id"`
	WorkerID      string      `json:"worker_id"`
	LeaseDeadline int64       `json:"lease_deadline"`
	Timestamp     int64       `json:"ts"`
}

// StartPayload is the payload for START command (worker heartbeat)
type StartPayload struct {
	JobID         types.JobID `json:"job_id"`
	WorkerID      string      `json:"worker_id"`
	LeaseDeadline int64       `json:"lease_deadline"`
	Timestamp     int64       `json:"ts"`
}

// BatchPayload is the payload for ENQUEUE_BATCH command. The batch is applied whole or
// not at all.
type BatchPayload struct {
	Jobs []EnqueuePayload `json:"jobs"`
}

// CompletePayload is the payload for COMPLETE command. Spawn jobs are enqueued only when
// the completion is applied; a non-nil CrawlID becomes the next crawl round's cursor.
type CompletePayload struct {
	JobID     types.JobID      `json:"job_id"`
	WorkerID  string           `json:"worker_id,omitempty"`
	Output    []byte           `json:"output,omitempty"`
	Spawn     []EnqueuePayload `json:"spawn,omitempty"`
	CrawlID   *int64           `json:"crawl_id,omitempty"`
	Timestamp int64            `json:"ts"`
}

// FailPayload is the payload for FAIL command
type FailPayload struct {
	JobID      types.JobID `json:"job_id"`
	WorkerID   string      `json:"worker_id,omitempty"`
	Reason     string      `json:"reason"`
	ReasonData string      `json:"reason_data,omitempty"`
	Timestamp  int64       `json:"ts"`
}

// RetryPayload is the payload for RETRY command
type RetryPayload struct {
	JobID     types.JobID `json:"job_id"`
	Timestamp int64       `json:"ts"`
}

// CancelPayload is the payload for CANCEL command
type CancelPayload struct {
	JobID     types.JobID `json:"job_id"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp int64       `json:"ts"`
}

func encode(t CommandType, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		raw = b
	}
	return json.Marshal(Command{Type: t, Payload: raw})
}

// NewEnqueueCommand creates an encoded Enqueue command
func NewEnqueueCommand(p EnqueuePayload) ([]byte, error) { return encode(CmdEnqueue, p) }

// NewBatchCommand creates an encoded EnqueueBatch command
func NewBatchCommand(p BatchPayload) ([]byte, error) { return encode(CmdBatch, p) }

// NewAssignCommand creates an encoded Assign command
func NewAssignCommand(p AssignPayload) ([]byte, error) { return encode(CmdAssign, p) }

// NewStartCommand creates an encoded Start command
func NewStartCommand(p StartPayload) ([]byte, error) { return encode(CmdStart, p) }

// NewCompleteCommand creates an encoded Complete command
func NewCompleteCommand(p CompletePayload) ([]byte, error) { return encode(CmdComplete, p) }

// NewFailCommand creates an encoded Fail command
func NewFailCommand(p FailPayload) ([]byte, error) { return encode(CmdFail, p) }

// NewRetryCommand creates an encoded Retry command
func NewRetryCommand(p RetryPayload) ([]byte, error) { return encode(CmdRetry, p) }

// NewCancelCommand creates an encoded Cancel command
func NewCancelCommand(p CancelPayload) ([]byte, error) { return encode(CmdCancel, p) }

// NewNoOpCommand creates an encoded NoOp command
func NewNoOpCommand() ([]byte, error) { return encode(CmdNoOp, nil) }

// DecodeCommand parses a command read from the log.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return nil, fmt.Errorf("decode command: missing type")
	}
	return &cmd, nil
}
