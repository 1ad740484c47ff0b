package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Connection-scoped errors. Either one closes the connection it happened on.
var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrDecode        = errors.New("wire: decode error")

	// ErrIncomplete is returned by DecodeFrame when more bytes are needed.
	ErrIncomplete = errors.New("wire: incomplete frame")
)

// ErrorCode is the on-wire form of the error taxonomy.
type ErrorCode uint16

const (
	CodeInternal ErrorCode = iota + 1
	CodeNotLeader
	CodeStaleTerm
	CodeLogConflict
	CodeFrameTooLarge
	CodeDecode
	CodePersistence
	CodeUnavailable
	CodeLeadershipLost
	CodeNotFound
	CodeInvalidRequest
	CodeDuplicate
)

// codeSentinels is searched in order; an error wrapping several sentinels takes the first
// code listed.
var codeSentinels = []struct {
	code     ErrorCode
	sentinel error
}{
	{CodeNotLeader, types.ErrNotLeader},
	{CodeStaleTerm, types.ErrStaleTerm},
	{CodeLogConflict, types.ErrLogConflict},
	{CodeFrameTooLarge, ErrFrameTooLarge},
	{CodeDecode, ErrDecode},
	{CodePersistence, types.ErrPersistence},
	{CodeUnavailable, types.ErrUnavailable},
	{CodeLeadershipLost, types.ErrLeadershipLost},
	{CodeNotFound, types.ErrJobNotFound},
	{CodeInvalidRequest, types.ErrInvalidRequest},
	{CodeDuplicate, types.ErrDuplicateSubmission},
}

func sentinelFor(code ErrorCode) error {
	for _, cs := range codeSentinels {
		if cs.code == code {
			return cs.sentinel
		}
	}
	return nil
}

// Error is the body of a TagError frame.
type Error struct {
	Code       ErrorCode `msgpack:"code"`
	Message    string    `msgpack:"message"`
	LeaderID   string    `msgpack:"leader_id,omitempty"`
	LeaderAddr string    `msgpack:"leader_addr,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel for the code so errors.Is works across the wire.
func (e *Error) Unwrap() error {
	return sentinelFor(e.Code)
}

// Err converts a received error body into the local error value. NotLeader comes back as
// *types.NotLeaderError so clients can read the redirect address.
func (e *Error) Err() error {
	if e.Code == CodeNotLeader {
		return &types.NotLeaderError{LeaderID: e.LeaderID, LeaderAddr: e.LeaderAddr}
	}
	return e
}

// NewError maps a local error onto the wire taxonomy.
func NewError(err error) *Error {
	out := &Error{Code: CodeInternal, Message: err.Error()}

	var nle *types.NotLeaderError
	if errors.As(err, &nle) {
		out.Code = CodeNotLeader
		out.LeaderID = nle.LeaderID
		out.LeaderAddr = nle.LeaderAddr
		return out
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		out.Code = CodeUnavailable
		return out
	}
	for _, cs := range codeSentinels {
		if errors.Is(err, cs.sentinel) {
			out.Code = cs.code
			break
		}
	}
	return out
}
