// Package server accepts TCP connections for a node and routes every request frame by
// its method tag: consensus RPCs to the Raft engine, client and worker RPCs to the job
// request handler.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/raft-jobdist/internal/handler"
	"github.com/ChuLiYu/raft-jobdist/internal/raft"
	"github.com/ChuLiYu/raft-jobdist/internal/transport"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
)

// Route serves the body of one request tag.
type Route interface {
	Handle(ctx context.Context, body []byte) (any, error)
}

// typedRoute decodes the body into Req, calls fn and returns its response.
type typedRoute[Req any, Resp any] struct {
	fn func(ctx context.Context, req *Req) (*Resp, error)
}

func (r typedRoute[Req, Resp]) Handle(ctx context.Context, body []byte) (any, error) {
	var req Req
	if err := wire.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return r.fn(ctx, &req)
}

// Handle wraps a typed function as a Route.
func Handle[Req any, Resp any](fn func(ctx context.Context, req *Req) (*Resp, error)) Route {
	return typedRoute[Req, Resp]{fn: fn}
}

// PeerRPC is the consensus surface served to other nodes.
type PeerRPC interface {
	RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error
	AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error
}

// Server implements the node's TCP front end.
type Server struct {
	mgr    *transport.Manager
	routes map[wire.Tag]Route
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer builds the tag table and installs itself as the manager's frame handler.
func NewServer(mgr *transport.Manager, rf PeerRPC, h *handler.JobRequestHandler) *Server {
	s := &Server{
		mgr:    mgr,
		routes: make(map[wire.Tag]Route),
		logger: slog.With("component", "server"),
	}

	if rf != nil {
		s.routes[wire.TagRequestVote] = Handle(func(_ context.Context, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
			reply := &raft.RequestVoteReply{}
			if err := rf.RequestVote(args, reply); err != nil {
				return nil, err
			}
			return reply, nil
		})
		s.routes[wire.TagAppendEntries] = Handle(func(_ context.Context, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
			reply := &raft.AppendEntriesReply{}
			if err := rf.AppendEntries(args, reply); err != nil {
				return nil, err
			}
			return reply, nil
		})
	}
	if h != nil {
		s.routes[wire.TagSubmitJob] = Handle(h.SubmitJob)
		s.routes[wire.TagSubmitJobs] = Handle(h.SubmitJobs)
		s.routes[wire.TagGetJobStatus] = Handle(h.GetJobStatus)
		s.routes[wire.TagCancelJob] = Handle(h.CancelJob)
		s.routes[wire.TagGetJob] = Handle(h.GetJob)
		s.routes[wire.TagUpdateJob] = Handle(h.UpdateJob)
		s.routes[wire.TagFinishJob] = Handle(h.FinishJob)
		s.routes[wire.TagRetryJob] = Handle(h.RetryJob)
		s.routes[wire.TagGetPeers] = Handle(h.GetPeers)
	}

	mgr.SetHandler(s)
	return s
}

// Register adds or replaces the route for tag.
func (s *Server) Register(tag wire.Tag, r Route) {
	s.routes[tag] = r
}

// ServeFrame implements transport.Handler. Operation errors go back as error frames;
// only an undecodable body is returned, which closes the connection.
func (s *Server) ServeFrame(ctx context.Context, c *transport.Conn, f *wire.Frame) (*wire.Frame, error) {
	r, ok := s.routes[f.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown method tag %s", wire.ErrDecode, f.Tag)
	}

	resp, err := r.Handle(ctx, f.Body)
	if err != nil {
		if errors.Is(err, wire.ErrDecode) {
			return nil, err
		}
		s.logger.Debug("Request failed", "conn", c.ID(), "tag", f.Tag, "error", err)
		return errorFrame(err)
	}

	body, err := wire.Marshal(resp)
	if err != nil {
		return errorFrame(err)
	}
	return &wire.Frame{Tag: f.Tag.Response(), Body: body}, nil
}

func errorFrame(err error) (*wire.Frame, error) {
	body, mErr := wire.Marshal(wire.NewError(err))
	if mErr != nil {
		return nil, mErr
	}
	return &wire.Frame{Tag: wire.TagError, Body: body}, nil
}

// Listen binds addr. Call Serve afterwards.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve accepts connections until Close. Every accepted connection is handed to the
// connection manager.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := s.mgr.Adopt(nc); err != nil {
			s.logger.Debug("Connection rejected", "remote", nc.RemoteAddr().String(), "error", err)
		}
	}
}

// Close stops accepting. Established connections belong to the manager.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	return err
}
