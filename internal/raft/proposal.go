package raft

import (
	"context"
	"sync"
)

// Proposal tracks one command proposed on the leader until it is applied.
type Proposal struct {
	Index int64
	Term  int64

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newProposal(index, term int64) *Proposal {
	return &Proposal{Index: index, Term: term, done: make(chan struct{})}
}

func (p *Proposal) resolve(result any, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed once the proposal has a result.
func (p *Proposal) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the entry is applied (returning whatever the state machine passed to
// ApplyMsg.Respond) or fails, or ctx ends. A ctx timeout says nothing about whether the
// entry will commit.
func (p *Proposal) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
