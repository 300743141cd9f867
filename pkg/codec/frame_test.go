package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/codec/format"
	"github.com/AutoMQ/kvcluster/pkg/codec/operation"
)

func encode(tb testing.TB, frames ...*Frame) []byte {
	var buf bytes.Buffer
	framer := NewFramer(&buf, nil, zap.NewNop())
	for _, f := range frames {
		require.NoError(tb, framer.WriteFrame(f))
	}
	return buf.Bytes()
}

func TestFramer_NextID(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	fr := NewFramer(nil, nil, zap.NewNop())
	re.Equal(uint32(1), fr.NextID())
	re.Equal(uint32(2), fr.NextID())
}

func TestFramer_WireLayout(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	b := encode(t, NewEndFrame(7, errors.New("x")))
	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x13, // length
		0x17,       // magic
		0x00, 0x03, // FetchPartitionEntries
		0x03,                   // response, end
		0x00, 0x00, 0x00, 0x07, // stream id
		0x01,             // protobuf
		0x00, 0x00, 0x03, // header length
		0x0a, 0x01, 'x', // error message field
		0x00, 0x00, 0x00, 0x00, // no payload
	}, b)
}

func TestFramer_EntryFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	e := fakeEntry()
	sent := NewEntryFrame(9, AppendEntry(nil, e))
	b := encode(t, sent)
	re.Len(b, sent.Len())

	got, free, err := NewFramer(nil, bytes.NewReader(b), zap.NewNop()).ReadFrame()
	re.NoError(err)
	defer free()
	re.Equal(operation.FetchPartitionEntries(), got.Op)
	re.Equal(format.ProtoBuffer(), got.Format)
	re.Equal(uint32(9), got.StreamID)
	re.True(got.IsResponse())
	re.False(got.IsEnd())
	re.NoError(got.Err())
	re.Nil(got.Header)

	decoded, err := DecodeEntry(got.Payload)
	re.NoError(err)
	re.Equal(e.Key, decoded.Key)
	re.True(e.Value.Equal(decoded.Value))
}

func TestFramer_EndFrame(t *testing.T) {
	tests := []struct {
		name    string
		cause   error
		wantErr string
	}{
		{
			name: "normal end",
		},
		{
			name:    "end with error",
			cause:   errors.New("unknown store orders"),
			wantErr: "unknown store orders",
		},
		{
			name:    "end with empty error message",
			cause:   errors.New(""),
			wantErr: ErrRemote.Error(),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			b := encode(t, NewEndFrame(4, tt.cause))
			got, free, err := NewFramer(nil, bytes.NewReader(b), zap.NewNop()).ReadFrame()
			re.NoError(err)
			defer free()

			re.True(got.IsEnd())
			re.Equal(uint32(4), got.StreamID)
			re.Nil(got.Payload)
			if tt.wantErr == "" {
				re.Nil(got.Header)
				re.NoError(got.Err())
				return
			}
			re.ErrorIs(got.Err(), ErrRemote)
			re.ErrorContains(got.Err(), tt.wantErr)
		})
	}
}

func TestFramer_MalformedEndFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	f := NewEndFrame(1, nil)
	f.Header = []byte{0x0a, 0x05, 'x'}
	re.ErrorContains(f.Err(), "decode end of stream")
	re.False(errors.Is(f.Err(), ErrRemote))
}

func TestFramer_FetchFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	req := &FetchRequest{
		Store:             "users",
		ReplicaPartitions: []ReplicaPartitions{{ReplicaType: 1, Partitions: []int32{4, 2}}},
		SkipRecords:       10,
	}
	got, free, err := NewFramer(nil, bytes.NewReader(encode(t, NewFetchFrame(5, req))), zap.NewNop()).ReadFrame()
	re.NoError(err)
	defer free()

	re.False(got.IsResponse())
	re.Equal(operation.FetchPartitionEntries(), got.Op)
	re.Nil(got.Payload)
	decoded, err := DecodeFetchRequest(got.Header)
	re.NoError(err)
	re.Equal(req, decoded)
}

func TestFramer_PingPong(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var toServer, toClient bytes.Buffer
	client := NewFramer(&toServer, &toClient, zap.NewNop())
	server := NewFramer(&toClient, &toServer, zap.NewNop())

	streamID := client.NextID()
	re.NoError(client.WriteFrame(NewPing(streamID, []byte("2023-04-01T00:00:00Z"))))

	ping, freePing, err := server.ReadFrame()
	re.NoError(err)
	re.Equal(operation.Ping(), ping.Op)
	re.False(ping.IsResponse())
	pong, freePong := NewPong(ping)
	// the pong does not share the ping's buffer
	freePing()
	re.NoError(server.WriteFrame(pong))
	freePong()

	got, free, err := client.ReadFrame()
	re.NoError(err)
	defer free()
	re.Equal(operation.Ping(), got.Op)
	re.Equal(streamID, got.StreamID)
	re.True(got.IsEnd())
	re.Equal([]byte("2023-04-01T00:00:00Z"), got.Payload)

	_, _, err = client.ReadFrame()
	re.ErrorIs(err, io.EOF)
}

func TestFramer_GoAway(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	b := encode(t, NewGoAway(7, false), NewGoAway(3, true))
	framer := NewFramer(nil, bytes.NewReader(b), zap.NewNop())

	got, free, err := framer.ReadFrame()
	re.NoError(err)
	re.Equal(operation.GoAway(), got.Op)
	re.Equal(uint32(7), got.StreamID)
	re.False(got.IsResponse())
	free()

	got, free, err = framer.ReadFrame()
	re.NoError(err)
	re.Equal(uint32(3), got.StreamID)
	re.True(got.IsEnd())
	free()
}

func TestFramer_ReadFrame(t *testing.T) {
	valid := encode(t, NewEntryFrame(3, []byte("entry")))
	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		errMsg string
	}{
		{
			name:   "truncated prefix",
			mutate: func(b []byte) []byte { return b[:10] },
			errMsg: "read frame prefix",
		},
		{
			name: "frame too small",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b, _minFrameLen-1)
				return b
			},
			errMsg: "frame too small",
		},
		{
			name: "frame too large",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b, _maxFrameLen+1)
				return b
			},
			errMsg: "frame too large",
		},
		{
			name: "magic code mismatch",
			mutate: func(b []byte) []byte {
				b[4] = 0
				return b
			},
			errMsg: "magic code mismatch",
		},
		{
			name: "header longer than frame",
			mutate: func(b []byte) []byte {
				// the body holds 5 bytes of payload only
				b[13], b[14], b[15] = 0, 0, 6
				return b
			},
			errMsg: "header too large",
		},
		{
			name:   "truncated body",
			mutate: func(b []byte) []byte { return b[:len(b)-1] },
			errMsg: "read frame body",
		},
		{
			name: "payload checksum mismatch",
			mutate: func(b []byte) []byte {
				b[len(b)-1] ^= 0xff
				return b
			},
			errMsg: "payload checksum mismatch",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			input := tt.mutate(bytes.Clone(valid))
			frame, free, err := NewFramer(nil, bytes.NewReader(input), zap.NewNop()).ReadFrame()
			re.ErrorContains(err, tt.errMsg)
			re.Nil(frame)
			re.Nil(free)
		})
	}
}

type errorWriter struct{}

func (errorWriter) Write([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestFramer_WriteFrame(t *testing.T) {
	tests := []struct {
		name   string
		w      io.Writer
		frame  *Frame
		errMsg string
	}{
		{
			name:   "entry too large",
			w:      io.Discard,
			frame:  NewEntryFrame(1, make([]byte, _maxFrameLen)),
			errMsg: "frame too large",
		},
		{
			name:   "header too large",
			w:      io.Discard,
			frame:  &Frame{Op: operation.FetchPartitionEntries(), Header: make([]byte, _maxHeaderLen+1)},
			errMsg: "header too large",
		},
		{
			name:   "broken connection",
			w:      errorWriter{},
			frame:  NewEndFrame(1, nil),
			errMsg: "write frame",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			err := NewFramer(tt.w, nil, zap.NewNop()).WriteFrame(tt.frame)
			re.ErrorContains(err, tt.errMsg)
		})
	}
}
