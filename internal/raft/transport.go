package raft

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// InmemNetwork connects Raft nodes in one process. Links can be cut to simulate
// partitions; a cut link fails the call as if the peer were unreachable.
type InmemNetwork struct {
	mu    sync.RWMutex
	nodes map[string]*Raft
	down  map[string]bool
	cut   map[[2]string]bool
}

// NewInmemNetwork creates an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes: make(map[string]*Raft),
		down:  make(map[string]bool),
		cut:   make(map[[2]string]bool),
	}
}

// Register attaches a node so peers can reach it. Registering again replaces it (restart).
func (n *InmemNetwork) Register(id string, rf *Raft) {
	n.mu.Lock()
	n.nodes[id] = rf
	n.mu.Unlock()
}

// Transport returns the Transport a node with the given ID sends through.
func (n *InmemNetwork) Transport(from string) Transport {
	return &inmemTransport{net: n, from: from}
}

// Isolate cuts every link to and from id.
func (n *InmemNetwork) Isolate(id string) {
	n.mu.Lock()
	n.down[id] = true
	n.mu.Unlock()
}

// Partition cuts links between every node of a and every node of b.
func (n *InmemNetwork) Partition(a, b []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range a {
		for _, y := range b {
			n.cut[[2]string{x, y}] = true
			n.cut[[2]string{y, x}] = true
		}
	}
}

// Heal restores every link.
func (n *InmemNetwork) Heal() {
	n.mu.Lock()
	n.down = make(map[string]bool)
	n.cut = make(map[[2]string]bool)
	n.mu.Unlock()
}

func (n *InmemNetwork) target(from, to string) (*Raft, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] || n.cut[[2]string{from, to}] {
		return nil, fmt.Errorf("%w: %s unreachable from %s", types.ErrUnavailable, to, from)
	}
	rf, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: unknown peer %s", types.ErrUnavailable, to)
	}
	return rf, nil
}

type inmemTransport struct {
	net  *InmemNetwork
	from string
}

func (t *inmemTransport) SendRequestVote(ctx context.Context, peer string, args *RequestVoteArgs) (*RequestVoteReply, error) {
	rf, err := t.net.target(t.from, peer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := *args
	var reply RequestVoteReply
	if err := rf.RequestVote(&req, &reply); err != nil {
		return nil, err
	}
	// The reply is lost if the link was cut while the call was in flight.
	if _, err := t.net.target(peer, t.from); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *inmemTransport) SendAppendEntries(ctx context.Context, peer string, args *AppendEntriesArgs) (*AppendEntriesReply, error) {
	rf, err := t.net.target(t.from, peer)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := *args
	req.Entries = make([]LogEntry, len(args.Entries))
	for i, e := range args.Entries {
		req.Entries[i] = cloneEntry(e)
	}
	var reply AppendEntriesReply
	if err := rf.AppendEntries(&req, &reply); err != nil {
		return nil, err
	}
	if _, err := t.net.target(peer, t.from); err != nil {
		return nil, err
	}
	return &reply, nil
}
