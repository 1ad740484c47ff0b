// Package wire frames messages on a TCP byte stream.
//
// Layout (big-endian):
//
//	[u32 payloadLength][u16 methodTag][payload]
//	payload = [u64 correlationID][msgpack body]
//
// payloadLength counts the payload only and is checked against the configured
// maximum before anything is allocated.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	headerSize      = 6 // length + tag
	correlationSize = 8

	// DefaultMaxFrameSize bounds a single payload when no limit is configured.
	DefaultMaxFrameSize uint32 = 4 << 20
)

// Frame is one decoded message.
type Frame struct {
	Tag           Tag
	CorrelationID uint64
	Body          []byte
}

// Codec encodes and decodes frames with a maximum payload size.
type Codec struct {
	maxFrameSize uint32
}

// NewCodec returns a codec rejecting payloads above maxFrameSize (0 = default).
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{maxFrameSize: maxFrameSize}
}

// MaxFrameSize returns the configured payload limit.
func (c *Codec) MaxFrameSize() uint32 {
	return c.maxFrameSize
}

// Encode serializes a frame into a single buffer.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	n := correlationSize + len(f.Body)
	if uint64(n) > uint64(c.maxFrameSize) {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, n, c.maxFrameSize)
	}
	buf := make([]byte, headerSize+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Tag))
	binary.BigEndian.PutUint64(buf[6:14], f.CorrelationID)
	copy(buf[headerSize+correlationSize:], f.Body)
	return buf, nil
}

// WriteFrame encodes f and writes it with one Write call.
func (c *Codec) WriteFrame(w io.Writer, f *Frame) error {
	buf, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r. Short reads are absorbed by io.ReadFull, so a
// frame split across any number of socket reads is reassembled. A clean close between
// frames returns io.EOF; a close inside a frame returns io.ErrUnexpectedEOF.
func (c *Codec) ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	tag := Tag(binary.BigEndian.Uint16(hdr[4:6]))
	if n > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d (tag %s)", ErrFrameTooLarge, n, c.maxFrameSize, tag)
	}
	if n < correlationSize {
		return nil, fmt.Errorf("%w: payload of %d bytes is shorter than the correlation id", ErrDecode, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return &Frame{
		Tag:           tag,
		CorrelationID: binary.BigEndian.Uint64(payload[:correlationSize]),
		Body:          payload[correlationSize:],
	}, nil
}

// DecodeFrame parses one frame from the front of buf and reports how many bytes it used.
// It returns ErrIncomplete when buf does not yet hold a whole frame; callers append more
// bytes and try again.
func (c *Codec) DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < headerSize {
		return nil, 0, ErrIncomplete
	}
	n := binary.BigEndian.Uint32(buf[0:4])
	tag := Tag(binary.BigEndian.Uint16(buf[4:6]))
	if n > c.maxFrameSize {
		return nil, 0, fmt.Errorf("%w: %d bytes exceeds limit %d (tag %s)", ErrFrameTooLarge, n, c.maxFrameSize, tag)
	}
	if n < correlationSize {
		return nil, 0, fmt.Errorf("%w: payload of %d bytes is shorter than the correlation id", ErrDecode, n)
	}
	total := headerSize + int(n)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	body := make([]byte, int(n)-correlationSize)
	copy(body, buf[headerSize+correlationSize:total])
	return &Frame{
		Tag:           tag,
		CorrelationID: binary.BigEndian.Uint64(buf[headerSize : headerSize+correlationSize]),
		Body:          body,
	}, total, nil
}
