// Package transport owns every TCP connection of a node: one persistent outbound link per
// configured peer (redialed with backoff when it drops) and any number of inbound
// connections from peers and clients. Connections live in a registry keyed by ID; other
// components refer to them by ID or peer name, never by holding on to them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/backoff"
	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Handler serves request frames read from any connection. A non-nil frame is written back
// with the request's correlation ID. A returned error is connection-scoped (for example a
// body that does not decode) and closes the connection.
type Handler interface {
	ServeFrame(ctx context.Context, c *Conn, f *wire.Frame) (*wire.Frame, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Conn, f *wire.Frame) (*wire.Frame, error)

func (fn HandlerFunc) ServeFrame(ctx context.Context, c *Conn, f *wire.Frame) (*wire.Frame, error) {
	return fn(ctx, c, f)
}

// Config holds ConnectionManager settings.
type Config struct {
	NodeID       string
	Peers        map[string]string // NodeID -> address; the entry for NodeID is ignored
	MaxFrameSize uint32
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Backoff      backoff.Strategy
}

// ConnInfo describes a registered connection.
type ConnInfo struct {
	ID         uint64    `json:"id"`
	Direction  Direction `json:"direction"`
	PeerID     string    `json:"peer_id,omitempty"`
	RemoteAddr string    `json:"remote_addr"`
}

type peerLink struct {
	id   string
	addr string

	mu   sync.Mutex
	conn *Conn
}

func (l *peerLink) get() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *peerLink) set(c *Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

// Manager is the ConnectionManager.
type Manager struct {
	cfg     Config
	codec   *wire.Codec
	logger  *slog.Logger
	metrics *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc

	handler atomic.Value // Handler

	mu      sync.Mutex
	conns   map[uint64]*Conn
	links   map[string]*peerLink
	started bool
	closed  bool

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewManager creates a manager. Call SetHandler before Start if the node serves requests.
func NewManager(cfg Config, m *metrics.Collector) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		cfg:     cfg,
		codec:   wire.NewCodec(cfg.MaxFrameSize),
		logger:  slog.With("component", "transport", "id", cfg.NodeID),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[uint64]*Conn),
		links:   make(map[string]*peerLink),
	}
	for id, addr := range cfg.Peers {
		if id == cfg.NodeID {
			continue
		}
		mgr.links[id] = &peerLink{id: id, addr: addr}
	}
	return mgr
}

// SetHandler installs the frame handler used for inbound requests.
func (m *Manager) SetHandler(h Handler) {
	m.handler.Store(h)
}

// Codec returns the frame codec (shared with the server for error frames).
func (m *Manager) Codec() *wire.Codec {
	return m.codec
}

// Start begins maintaining outbound peer links.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	for _, l := range m.links {
		m.wg.Add(1)
		go m.runLink(l)
	}
}

// Adopt registers an accepted connection and starts its read loop.
func (m *Manager) Adopt(nc net.Conn) (*Conn, error) {
	c := m.register(nc, Inbound, "")
	if c == nil {
		_ = nc.Close()
		return nil, fmt.Errorf("%w: connection manager closed", types.ErrUnavailable)
	}
	go func() {
		defer m.wg.Done()
		m.readLoop(c)
	}()
	return c, nil
}

// Call sends req to a peer over its outbound link and decodes the response into resp.
// It fails fast with ErrUnavailable while the link is down; callers retry on their
// next tick.
func (m *Manager) Call(ctx context.Context, peerID string, tag wire.Tag, req, resp any) error {
	l, ok := m.links[peerID]
	if !ok {
		return fmt.Errorf("unknown peer %q", peerID)
	}
	c := l.get()
	if c == nil {
		return fmt.Errorf("%w: no connection to %s", types.ErrUnavailable, peerID)
	}
	return c.Invoke(ctx, tag, req, resp)
}

// PeerConnected reports whether the outbound link to peerID is up.
func (m *Manager) PeerConnected(peerID string) bool {
	l, ok := m.links[peerID]
	return ok && l.get() != nil
}

// Conn looks up a registered connection.
func (m *Manager) Conn(id uint64) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	return c, ok
}

// Conns lists registered connections ordered by ID.
func (m *Manager) Conns() []ConnInfo {
	m.mu.Lock()
	out := make([]ConnInfo, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, ConnInfo{ID: c.id, Direction: c.dir, PeerID: c.peerID, RemoteAddr: c.RemoteAddr()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CloseConn closes one connection by ID.
func (m *Manager) CloseConn(id uint64) bool {
	c, ok := m.Conn(id)
	if ok {
		c.Close()
	}
	return ok
}

// Close closes every connection and stops the peer links. No reconnect happens after.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancel()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.wg.Wait()
	return nil
}

// register adds a connection to the registry and reserves a WaitGroup slot for its reader.
func (m *Manager) register(nc net.Conn, dir Direction, peerID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	c := newConn(m.nextID.Add(1), dir, peerID, nc, m.codec, m.metrics, m.cfg.WriteTimeout)
	m.conns[c.id] = c
	m.wg.Add(1)
	m.metrics.ConnOpened(string(dir))
	return c
}

func (m *Manager) unregister(c *Conn) {
	m.mu.Lock()
	if _, ok := m.conns[c.id]; ok {
		delete(m.conns, c.id)
		m.metrics.ConnClosed(string(c.dir))
	}
	m.mu.Unlock()
}

func (m *Manager) runLink(l *peerLink) {
	defer m.wg.Done()

	attempt := 0
	for {
		if attempt > 0 {
			m.metrics.RecordReconnect()
			select {
			case <-time.After(m.cfg.Backoff.Delay(attempt)):
			case <-m.ctx.Done():
				return
			}
		}
		if m.ctx.Err() != nil {
			return
		}

		d := net.Dialer{Timeout: m.cfg.DialTimeout}
		nc, err := d.DialContext(m.ctx, "tcp", l.addr)
		if err != nil {
			attempt++
			if attempt == 1 {
				m.logger.Warn("Peer unreachable, retrying with backoff", "peer", l.id, "addr", l.addr, "error", err)
			}
			continue
		}

		c := m.register(nc, Outbound, l.id)
		if c == nil {
			_ = nc.Close()
			return
		}
		m.logger.Info("Connected to peer", "peer", l.id, "addr", l.addr, "conn", c.id)
		l.set(c)
		attempt = 0

		// Reader slot was reserved by register; run it inline so the link notices the drop.
		m.readLoop(c)
		m.wg.Done()

		l.set(nil)
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn("Peer connection dropped", "peer", l.id, "error", c.Err())
		attempt = 1
	}
}

func (m *Manager) readLoop(c *Conn) {
	defer m.unregister(c)

	for {
		f, err := c.readFrame()
		if err != nil {
			m.logReadError(c, err)
			c.closeWith(err)
			return
		}
		m.metrics.RecordFrame("in", f.Tag.String())

		if f.Tag.IsResponse() {
			c.deliver(f)
			continue
		}

		// Consensus RPCs run inline so a follower sees one leader's AppendEntries in order.
		// Client RPCs may block on commit and run concurrently.
		if f.Tag.IsPeer() {
			m.dispatch(c, f)
			continue
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dispatch(c, f)
		}()
	}
}

func (m *Manager) dispatch(c *Conn, f *wire.Frame) {
	h, _ := m.handler.Load().(Handler)
	if h == nil {
		m.sendError(c, f, fmt.Errorf("%w: node is not serving requests", types.ErrUnavailable))
		return
	}
	resp, err := h.ServeFrame(m.ctx, c, f)
	if err != nil {
		m.logReadError(c, err)
		c.closeWith(err)
		return
	}
	if resp == nil {
		return
	}
	resp.CorrelationID = f.CorrelationID
	if err := c.Send(resp); err != nil {
		m.logger.Debug("Failed to write response", "conn", c.id, "tag", resp.Tag, "error", err)
	}
}

func (m *Manager) sendError(c *Conn, req *wire.Frame, err error) {
	body, mErr := wire.Marshal(wire.NewError(err))
	if mErr != nil {
		return
	}
	_ = c.Send(&wire.Frame{Tag: wire.TagError, CorrelationID: req.CorrelationID, Body: body})
}

func (m *Manager) logReadError(c *Conn, err error) {
	switch {
	case errors.Is(err, wire.ErrFrameTooLarge):
		m.metrics.RecordFrameError("frame_too_large")
		m.logger.Warn("Closing connection: frame too large", "conn", c.id, "remote", c.RemoteAddr(), "error", err)
	case errors.Is(err, wire.ErrDecode):
		m.metrics.RecordFrameError("decode")
		m.logger.Warn("Closing connection: undecodable frame", "conn", c.id, "remote", c.RemoteAddr(), "error", err)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		m.logger.Debug("Connection closed", "conn", c.id, "remote", c.RemoteAddr())
	default:
		m.logger.Debug("Connection read failed", "conn", c.id, "remote", c.RemoteAddr(), "error", err)
	}
}
