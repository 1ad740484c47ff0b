package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/raft-jobdist/internal/metrics"
	"github.com/ChuLiYu/raft-jobdist/internal/wire"
	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

// Direction tells who dialed a connection.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// ErrConnClosed is returned for calls on a closed connection. It wraps ErrUnavailable.
var ErrConnClosed = fmt.Errorf("%w: connection closed", types.ErrUnavailable)

// Conn is one TCP connection. Writes are serialized; responses are routed back to the
// waiting Call by correlation ID.
type Conn struct {
	id        uint64
	dir       Direction
	peerID    string
	nc        net.Conn
	br        *bufio.Reader
	codec     *wire.Codec
	metrics   *metrics.Collector
	writeWait time.Duration

	wmu sync.Mutex

	mu       sync.Mutex
	pending  map[uint64]chan *wire.Frame
	nextCorr uint64
	closed   bool
	closeErr error
	done     chan struct{}
}

func newConn(id uint64, dir Direction, peerID string, nc net.Conn, codec *wire.Codec, m *metrics.Collector, writeWait time.Duration) *Conn {
	return &Conn{
		id:        id,
		dir:       dir,
		peerID:    peerID,
		nc:        nc,
		br:        bufio.NewReaderSize(nc, 64<<10),
		codec:     codec,
		metrics:   m,
		writeWait: writeWait,
		pending:   make(map[uint64]chan *wire.Frame),
		done:      make(chan struct{}),
	}
}

// Dial opens a standalone client connection. Only responses are expected on it.
func Dial(ctx context.Context, addr string, codec *wire.Codec, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrUnavailable, addr, err)
	}
	c := newConn(0, Outbound, "", nc, codec, nil, timeout)
	go func() {
		for {
			f, err := c.readFrame()
			if err != nil {
				c.closeWith(err)
				return
			}
			if f.Tag.IsResponse() {
				c.deliver(f)
			}
		}
	}()
	return c, nil
}

func (c *Conn) ID() uint64           { return c.id }
func (c *Conn) Direction() Direction { return c.dir }
func (c *Conn) PeerID() string       { return c.peerID }
func (c *Conn) RemoteAddr() string   { return c.nc.RemoteAddr().String() }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *Conn) readFrame() (*wire.Frame, error) {
	return c.codec.ReadFrame(c.br)
}

// Send writes one frame. A write failure closes the connection.
func (c *Conn) Send(f *wire.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeWait > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	if err := c.codec.WriteFrame(c.nc, f); err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		c.closeWith(err)
		return fmt.Errorf("%w: write: %v", types.ErrUnavailable, err)
	}
	c.metrics.RecordFrame("out", f.Tag.String())
	return nil
}

// Call sends a request and blocks until the matching response, connection close, or ctx.
// A TagError response is converted back into the error taxonomy.
func (c *Conn) Call(ctx context.Context, tag wire.Tag, body []byte) (*wire.Frame, error) {
	ch := make(chan *wire.Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.nextCorr++
	corr := c.nextCorr
	c.pending[corr] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	if err := c.Send(&wire.Frame{Tag: tag, CorrelationID: corr, Body: body}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Tag == wire.TagError {
			var we wire.Error
			if err := wire.Unmarshal(f.Body, &we); err != nil {
				return nil, err
			}
			return nil, we.Err()
		}
		if f.Tag != tag.Response() {
			return nil, fmt.Errorf("%w: expected %s, got %s", wire.ErrDecode, tag.Response(), f.Tag)
		}
		return f, nil
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", types.ErrUnavailable, ctx.Err())
	}
}

// Invoke is Call with msgpack encoding of req and decoding into resp.
func (c *Conn) Invoke(ctx context.Context, tag wire.Tag, req, resp any) error {
	body, err := wire.Marshal(req)
	if err != nil {
		return err
	}
	f, err := c.Call(ctx, tag, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return wire.Unmarshal(f.Body, resp)
}

func (c *Conn) deliver(f *wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.CorrelationID]
	delete(c.pending, f.CorrelationID)
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
	c.mu.Unlock()
	_ = c.nc.Close()
}
