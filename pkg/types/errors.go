package types

import (
	"errors"
	"fmt"
)

// Cluster-wide error taxonomy. Every component returns (or wraps) one of these so that
// callers, including remote clients after a wire round trip, can branch with errors.Is.
var (
	// ErrNotLeader: the node cannot serve writes; redirect to the reported leader.
	ErrNotLeader = errors.New("not the leader")
	// ErrStaleTerm: a message carried a term older than the receiver's.
	ErrStaleTerm = errors.New("stale term")
	// ErrLogConflict: log continuity check failed; resolved by truncation and re-replication.
	ErrLogConflict = errors.New("log conflict")
	// ErrPersistence: the persistence collaborator failed; nothing was acknowledged.
	ErrPersistence = errors.New("persistence failure")
	// ErrDuplicateSubmission: same content hash already enqueued. Surfaced as a flag, not a failure.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrUnavailable: transient condition (no connection, shutting down, timed out).
	ErrUnavailable = errors.New("unavailable")
	// ErrLeadershipLost: the proposal was abandoned because the leader stepped down.
	ErrLeadershipLost = errors.New("leadership lost")
	// ErrJobNotFound: unknown jobID.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidRequest: request failed validation (unknown method, malformed payload).
	ErrInvalidRequest = errors.New("invalid request")
)

// NotLeaderError carries the best-known leader so clients can redirect.
type NotLeaderError struct {
	LeaderID   string
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "not the leader (leader unknown)"
	}
	return fmt.Sprintf("not the leader (leader=%s addr=%s)", e.LeaderID, e.LeaderAddr)
}

// Is makes errors.Is(err, ErrNotLeader) true.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
