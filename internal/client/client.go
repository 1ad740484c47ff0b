// Package client talks to a cluster over the wire protocol. Requests go to the last
// known leader; a NotLeader answer is followed to the reported address and an
// unreachable node is skipped for the next seed.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/backoff"
	"github.com/ChuLiYu/raft-jobdist/internal/transport"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Config holds client settings.
type Config struct {
	Seeds          []string // node addresses, tried in order
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxAttempts    int // redirects plus reconnects per request
	MaxFrameSize   uint32
	Backoff        backoff.Strategy
}

// Client is safe for concurrent use. It holds one connection at a time.
type Client struct {
	cfg    Config
	codec  *wire.Codec
	logger *slog.Logger

	mu     sync.Mutex
	conn   *transport.Conn
	target string
	next   int // next seed to try after a failure
	closed bool
}

// New creates a client. No connection is made until the first request.
func New(cfg Config) (*Client, error) {
	if len(cfg.Seeds) == 0 {
		return nil, errors.New("client: at least one seed address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2*len(cfg.Seeds) + 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewExponentialWithJitter(50*time.Millisecond, time.Second)
	}
	return &Client{
		cfg:    cfg,
		codec:  wire.NewCodec(cfg.MaxFrameSize),
		logger: slog.With("component", "client"),
		target: cfg.Seeds[0],
		next:   1 % len(cfg.Seeds),
	}, nil
}

// Target returns the address requests currently go to.
func (c *Client) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// connect returns the connection to the current target, dialing if needed.
func (c *Client) connect(ctx context.Context) (*transport.Conn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, "", fmt.Errorf("%w: client closed", types.ErrUnavailable)
	}
	if c.conn != nil {
		select {
		case <-c.conn.Done():
			c.conn = nil
		default:
			return c.conn, c.target, nil
		}
	}
	conn, err := transport.Dial(ctx, c.target, c.codec, c.cfg.DialTimeout)
	if err != nil {
		return nil, c.target, err
	}
	c.conn = conn
	return conn, c.target, nil
}

// redirect points the client at addr, the leader a node reported.
func (c *Client) redirect(from, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target != from {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.target = addr
}

// rotate moves to the next seed after target failed.
func (c *Client) rotate(from string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.target != from {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.target = c.cfg.Seeds[c.next]
	c.next = (c.next + 1) % len(c.cfg.Seeds)
}

// ErrOutcomeUnknown wraps a failure that arrived after a non-idempotent request reached a
// node. The request may or may not have been applied; it was not resent.
var ErrOutcomeUnknown = errors.New("client: request outcome unknown")

// resendable reports whether tag may be sent again after an attempt that could have been
// applied: reads, submits (deduplicated by content) and lease heartbeats.
func resendable(tag wire.Tag) bool {
	switch tag {
	case wire.TagSubmitJob, wire.TagSubmitJobs, wire.TagGetJobStatus, wire.TagGetPeers, wire.TagUpdateJob:
		return true
	}
	return false
}

// call sends one request, following redirects and failing over between seeds.
func (c *Client) call(ctx context.Context, tag wire.Tag, req, resp any) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", types.ErrUnavailable, err)
		}

		conn, target, err := c.connect(ctx)
		sent := false
		if err == nil {
			sent = true
			rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
			err = conn.Invoke(rctx, tag, req, resp)
			cancel()
			if err == nil {
				return nil
			}
		}
		lastErr = err

		var nle *types.NotLeaderError
		switch {
		case errors.As(err, &nle):
			if nle.LeaderAddr != "" && nle.LeaderAddr != target {
				c.logger.Debug("Following leader redirect", "from", target, "leader", nle.LeaderID, "addr", nle.LeaderAddr)
				c.redirect(target, nle.LeaderAddr)
				continue
			}
			// Election in progress: wait, then ask someone else.
			c.rotate(target)
		case errors.Is(err, types.ErrUnavailable), errors.Is(err, types.ErrLeadershipLost):
			if sent && !resendable(tag) {
				// The node may have applied it already; sending it again could assign a second
				// job or report a completed cancel as rejected.
				c.rotate(target)
				return fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
			}
			c.logger.Debug("Node unavailable, trying next seed", "addr", target, "error", err)
			c.rotate(target)
		default:
			return err
		}

		select {
		case <-time.After(c.cfg.Backoff.Delay(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", types.ErrUnavailable, ctx.Err())
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// ============================================================================
// Client operations
// ============================================================================

// Submit enqueues a job and returns its ID. Duplicate reports that identical content
// was already submitted and the existing ID was returned.
func (c *Client) Submit(ctx context.Context, req *wire.SubmitJobRequest) (*wire.SubmitJobResponse, error) {
	var resp wire.SubmitJobResponse
	if err := c.call(ctx, wire.TagSubmitJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitBatch enqueues every job or none, in one log entry.
func (c *Client) SubmitBatch(ctx context.Context, req *wire.SubmitJobsRequest) (*wire.SubmitJobsResponse, error) {
	var resp wire.SubmitJobsResponse
	if err := c.call(ctx, wire.TagSubmitJobs, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status reads a job from whichever node the client is connected to.
func (c *Client) Status(ctx context.Context, id types.JobID) (*wire.GetJobStatusResponse, error) {
	var resp wire.GetJobStatusResponse
	if err := c.call(ctx, wire.TagGetJobStatus, &wire.GetJobStatusRequest{JobID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Cancel(ctx context.Context, id types.JobID, reason string) (*wire.JobUpdateResponse, error) {
	var resp wire.JobUpdateResponse
	if err := c.call(ctx, wire.TagCancelJob, &wire.CancelJobRequest{JobID: id, Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Retry(ctx context.Context, id types.JobID) (*wire.JobUpdateResponse, error) {
	var resp wire.JobUpdateResponse
	if err := c.call(ctx, wire.TagRetryJob, &wire.RetryJobRequest{JobID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Peers(ctx context.Context) (*wire.GetPeersResponse, error) {
	var resp wire.GetPeersResponse
	if err := c.call(ctx, wire.TagGetPeers, &wire.GetPeersRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============================================================================
// Worker operations
// ============================================================================

func (c *Client) GetJob(ctx context.Context, req *wire.GetJobRequest) (*wire.GetJobResponse, error) {
	var resp wire.GetJobResponse
	if err := c.call(ctx, wire.TagGetJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) UpdateJob(ctx context.Context, req *wire.UpdateJobRequest) (*wire.JobUpdateResponse, error) {
	var resp wire.JobUpdateResponse
	if err := c.call(ctx, wire.TagUpdateJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) FinishJob(ctx context.Context, req *wire.FinishJobRequest) (*wire.JobUpdateResponse, error) {
	var resp wire.JobUpdateResponse
	if err := c.call(ctx, wire.TagFinishJob, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
