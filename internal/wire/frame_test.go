package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/raft-jobdist/pkg/types"
)

func TestEncodeReadRoundTrip(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer

	in := &Frame{Tag: TagSubmitJob, CorrelationID: 42, Body: []byte("hello")}
	require.NoError(t, codec.WriteFrame(&buf, in))
	assert.Equal(t, headerSize+correlationSize+5, buf.Len())

	out, err := codec.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Tag, out.Tag)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.Body, out.Body)

	_, err = codec.ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameAcrossPartialReads(t *testing.T) {
	codec := NewCodec(0)
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		require.NoError(t, codec.WriteFrame(&buf, &Frame{
			Tag:           TagAppendEntries,
			CorrelationID: uint64(i),
			Body:          bytes.Repeat([]byte{byte(i)}, 100),
		}))
	}

	// One byte per Read call: every frame arrives in many pieces.
	r := iotest.OneByteReader(&buf)
	for i := 0; i < 3; i++ {
		f, err := codec.ReadFrame(r)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), f.CorrelationID)
		assert.Len(t, f.Body, 100)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	codec := NewCodec(0)
	raw, err := codec.Encode(&Frame{Tag: TagGetPeers, CorrelationID: 1, Body: []byte("abcdef")})
	require.NoError(t, err)

	_, err = codec.ReadFrame(bytes.NewReader(raw[:len(raw)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameTooLarge(t *testing.T) {
	small := NewCodec(16)

	_, err := small.Encode(&Frame{Tag: TagSubmitJob, Body: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	big := NewCodec(0)
	raw, err := big.Encode(&Frame{Tag: TagSubmitJob, Body: make([]byte, 64)})
	require.NoError(t, err)

	_, err = small.ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, _, err = small.DecodeFrame(raw)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestShortPayloadIsDecodeError(t *testing.T) {
	raw := []byte{0, 0, 0, 2, 0, 3, 0xAA, 0xBB}
	_, err := NewCodec(0).ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeFrameIncremental(t *testing.T) {
	codec := NewCodec(0)
	a, err := codec.Encode(&Frame{Tag: TagGetJob, CorrelationID: 7, Body: []byte("first")})
	require.NoError(t, err)
	b, err := codec.Encode(&Frame{Tag: TagFinishJob, CorrelationID: 8, Body: []byte("second")})
	require.NoError(t, err)
	stream := append(append([]byte{}, a...), b...)

	var pending []byte
	var got []*Frame
	for _, c := range stream {
		pending = append(pending, c)
		for {
			f, n, err := codec.DecodeFrame(pending)
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			got = append(got, f)
			pending = pending[n:]
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, "first", string(got[0].Body))
	assert.Equal(t, TagFinishJob, got[1].Tag)
	assert.Equal(t, uint64(8), got[1].CorrelationID)
	assert.Empty(t, pending)
}

func TestTags(t *testing.T) {
	assert.True(t, TagRequestVote.IsPeer())
	assert.True(t, TagAppendEntries.Response().IsPeer())
	assert.False(t, TagSubmitJob.IsPeer())

	resp := TagCancelJob.Response()
	assert.True(t, resp.IsResponse())
	assert.Equal(t, TagCancelJob, resp.Request())
	assert.Equal(t, "CancelJobResponse", resp.String())
	assert.True(t, TagError.IsResponse())
	assert.Equal(t, "Error", TagError.String())
	assert.Equal(t, "SubmitJobs", TagSubmitJobs.String())
}

func TestErrorMapping(t *testing.T) {
	nle := &types.NotLeaderError{LeaderID: "n2", LeaderAddr: "10.0.0.2:7000"}
	we := NewError(nle)
	assert.Equal(t, CodeNotLeader, we.Code)

	// Round trip through msgpack like a real response.
	raw, err := Marshal(we)
	require.NoError(t, err)
	var back Error
	require.NoError(t, Unmarshal(raw, &back))

	err = back.Err()
	assert.ErrorIs(t, err, types.ErrNotLeader)
	var got *types.NotLeaderError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "10.0.0.2:7000", got.LeaderAddr)

	assert.ErrorIs(t, NewError(types.ErrLeadershipLost).Err(), types.ErrLeadershipLost)
	assert.ErrorIs(t, NewError(errors.Join(errors.New("disk"), types.ErrPersistence)).Err(), types.ErrPersistence)
	assert.Equal(t, CodeInternal, NewError(errors.New("boom")).Code)
}

func TestErrorMappingPrefersFirstCode(t *testing.T) {
	both := errors.Join(types.ErrJobNotFound, types.ErrPersistence)
	for i := 0; i < 50; i++ {
		assert.Equal(t, CodePersistence, NewError(both).Code)
	}
	lost := fmt.Errorf("%w: %w", types.ErrLeadershipLost, types.ErrUnavailable)
	for i := 0; i < 50; i++ {
		assert.Equal(t, CodeUnavailable, NewError(lost).Code)
	}

	for _, cs := range codeSentinels {
		assert.ErrorIs(t, (&Error{Code: cs.code}).Err(), cs.sentinel)
	}
	assert.Nil(t, (&Error{Code: CodeInternal}).Unwrap())
}

func TestUnmarshalGarbage(t *testing.T) {
	var req SubmitJobRequest
	err := Unmarshal([]byte{0xc1}, &req)
	assert.ErrorIs(t, err, ErrDecode)
}
