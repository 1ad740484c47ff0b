package transport

import (
	"context"

	"github.com/ChuLiYu/raft-jobdist/internal/raft"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
)

// RaftTransport carries consensus RPCs over the manager's peer links.
type RaftTransport struct {
	m *Manager
}

// NewRaftTransport wraps a manager as a raft.Transport.
func NewRaftTransport(m *Manager) *RaftTransport {
	return &RaftTransport{m: m}
}

func (t *RaftTransport) SendRequestVote(ctx context.Context, peer string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := t.m.Call(ctx, peer, wire.TagRequestVote, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *RaftTransport) SendAppendEntries(ctx context.Context, peer string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := t.m.Call(ctx, peer, wire.TagAppendEntries, args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
