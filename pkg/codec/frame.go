package codec

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/kvcluster/pkg/codec/format"
	"github.com/AutoMQ/kvcluster/pkg/codec/operation"
)

// A frame on the wire, integers in big endian:
//
//	+------------+-----------+---------------+-----------+-----------------+
//	| length (4) | magic (1) | operation (2) | flags (1) | stream id (4)   |
//	+------------+-----------+---------------+-----------+-----------------+
//	| header format (1) | header length (3) | header | payload | crc32 (4) |
//	+-------------------+-------------------+--------+---------+-----------+
//
// length counts every byte after itself. crc32 covers the payload, and is 0 without one.
const (
	_lengthLen   = 4
	_prefixLen   = 16 // bytes before the header
	_checksumLen = 4

	_minFrameLen  = _prefixLen - _lengthLen + _checksumLen
	_maxFrameLen  = 16 << 20
	_maxHeaderLen = 1<<24 - 1

	_magic uint8 = 23
)

const (
	// FlagResponse marks a frame sent by the server in reply to the request of the same stream.
	FlagResponse Flags = 1 << iota
	// FlagResponseEnd marks the last response frame of a stream.
	FlagResponseEnd
)

// Flags is a bitmask of frame flags.
type Flags uint8

// Has reports whether f contains all flags in v.
func (f Flags) Has(v Flags) bool {
	return f&v == v
}

// ErrRemote is returned when a stream was ended with an error by the other side.
var ErrRemote = errors.New("remote error")

// Frame is the unit sent over a fetch connection.
type Frame struct {
	Op       operation.Operation
	Flags    Flags
	StreamID uint32
	Format   format.Format
	Header   []byte // nil if absent
	Payload  []byte // nil if absent
}

// IsResponse reports whether f was sent in reply to a request.
func (f *Frame) IsResponse() bool {
	return f.Flags.Has(FlagResponse)
}

// IsEnd reports whether f is the last frame of a response.
func (f *Frame) IsEnd() bool {
	return f.Flags.Has(FlagResponse | FlagResponseEnd)
}

// Err returns the error an end frame carries, wrapping ErrRemote. It returns nil for any other frame.
func (f *Frame) Err() error {
	if !f.IsEnd() || len(f.Header) == 0 {
		return nil
	}
	msg, err := DecodeError(f.Header)
	if err != nil {
		return errors.WithMessage(err, "decode end of stream")
	}
	return errors.WithMessage(ErrRemote, msg)
}

// Len returns the number of bytes f takes on the wire.
func (f *Frame) Len() int {
	return _prefixLen + len(f.Header) + len(f.Payload) + _checksumLen
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (f *Frame) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("operation", f.Op.String())
	enc.AddUint8("flags", uint8(f.Flags))
	enc.AddUint32("stream-id", f.StreamID)
	enc.AddString("format", f.Format.String())
	enc.AddInt("header-len", len(f.Header))
	enc.AddInt("payload-len", len(f.Payload))
	return nil
}

// NewFetchFrame builds the request frame of a fetch.
func NewFetchFrame(streamID uint32, req *FetchRequest) *Frame {
	return &Frame{
		Op:       operation.FetchPartitionEntries(),
		StreamID: streamID,
		Format:   format.ProtoBuffer(),
		Header:   AppendFetchRequest(nil, req),
	}
}

// NewEntryFrame builds a response frame carrying one entry encoded by AppendEntry.
func NewEntryFrame(streamID uint32, entry []byte) *Frame {
	return &Frame{
		Op:       operation.FetchPartitionEntries(),
		Flags:    FlagResponse,
		StreamID: streamID,
		Format:   format.ProtoBuffer(),
		Payload:  entry,
	}
}

// NewEndFrame builds the last frame of a fetch response.
// If cause is not nil, the reader of the stream gets an error carrying its message.
func NewEndFrame(streamID uint32, cause error) *Frame {
	f := &Frame{
		Op:       operation.FetchPartitionEntries(),
		Flags:    FlagResponse | FlagResponseEnd,
		StreamID: streamID,
		Format:   format.ProtoBuffer(),
	}
	if cause != nil {
		f.Header = AppendError(nil, cause.Error())
	}
	return f
}

// NewPing builds a ping carrying payload, which the server echoes.
func NewPing(streamID uint32, payload []byte) *Frame {
	return &Frame{
		Op:       operation.Ping(),
		StreamID: streamID,
		Format:   format.Default(),
		Payload:  payload,
	}
}

// NewPong answers ping with a copy of its payload. The returned func releases the copy.
func NewPong(ping *Frame) (*Frame, func()) {
	buf := mcache.Malloc(len(ping.Payload))
	copy(buf, ping.Payload)
	pong := &Frame{
		Op:       operation.Ping(),
		Flags:    FlagResponse | FlagResponseEnd,
		StreamID: ping.StreamID,
		Format:   ping.Format,
		Payload:  buf,
	}
	return pong, func() { mcache.Free(buf) }
}

// NewGoAway builds a GOAWAY frame. No stream after lastStreamID will be served.
func NewGoAway(lastStreamID uint32, isResponse bool) *Frame {
	f := &Frame{
		Op:       operation.GoAway(),
		StreamID: lastStreamID,
		Format:   format.Default(),
	}
	if isResponse {
		f.Flags = FlagResponse | FlagResponseEnd
	}
	return f
}

// Framer reads and writes frames.
type Framer struct {
	lastID atomic.Uint32

	r      io.Reader
	prefix [_prefixLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r.
func NewFramer(w io.Writer, r io.Reader, lg *zap.Logger) *Framer {
	return &Framer{
		w:  w,
		r:  r,
		lg: lg,
	}
}

// NextID returns a new stream id. Ids start from 1.
func (fr *Framer) NextID() uint32 {
	return fr.lastID.Add(1)
}

// ReadFrame reads the next frame. Its header and payload live in a pooled buffer which is released
// by the returned func, so the func must be called once the frame is no longer used.
func (fr *Framer) ReadFrame() (*Frame, func(), error) {
	logger := fr.lg

	if _, err := io.ReadFull(fr.r, fr.prefix[:]); err != nil {
		if err != io.EOF {
			logger.Error("failed to read frame prefix", zap.Error(err))
		}
		return nil, nil, errors.Wrap(err, "read frame prefix")
	}
	f, headerLen, payloadLen, err := decodePrefix(fr.prefix[:])
	if err != nil {
		logger.Error("illegal frame", zap.Error(err))
		return nil, nil, err
	}

	body := mcache.Malloc(headerLen + payloadLen + _checksumLen)
	free := func() { mcache.Free(body) }
	if _, err := io.ReadFull(fr.r, body); err != nil {
		logger.Error("failed to read frame body", zap.Object("frame", f), zap.Error(err))
		free()
		return nil, nil, errors.Wrap(err, "read frame body")
	}

	payload := body[headerLen : headerLen+payloadLen]
	checksum := binary.BigEndian.Uint32(body[headerLen+payloadLen:])
	if payloadLen > 0 && crc32.ChecksumIEEE(payload) != checksum {
		logger.Error("payload checksum mismatch", zap.Object("frame", f), zap.Uint32("checksum", checksum))
		free()
		return nil, nil, errors.New("payload checksum mismatch")
	}
	if headerLen > 0 {
		f.Header = body[:headerLen]
	}
	if payloadLen > 0 {
		f.Payload = payload
	}
	return f, free, nil
}

// decodePrefix parses the bytes before the header, and returns the frame without its header
// and payload, along with their lengths.
func decodePrefix(b []byte) (f *Frame, headerLen int, payloadLen int, err error) {
	length := binary.BigEndian.Uint32(b[0:4])
	switch {
	case length < _minFrameLen:
		return nil, 0, 0, errors.Errorf("frame too small: %d bytes", length)
	case length > _maxFrameLen:
		return nil, 0, 0, errors.Errorf("frame too large: %d bytes", length)
	case b[4] != _magic:
		return nil, 0, 0, errors.Errorf("magic code mismatch: %d", b[4])
	}

	bodyLen := int(length) + _lengthLen - _prefixLen - _checksumLen
	headerLen = int(b[13])<<16 | int(binary.BigEndian.Uint16(b[14:16]))
	if headerLen > bodyLen {
		return nil, 0, 0, errors.Errorf("header too large: %d bytes in a frame of %d bytes", headerLen, length)
	}

	f = &Frame{
		Op:       operation.NewOperation(binary.BigEndian.Uint16(b[5:7])),
		Flags:    Flags(b[7]),
		StreamID: binary.BigEndian.Uint32(b[8:12]),
		Format:   format.NewFormat(b[12]),
	}
	return f, headerLen, bodyLen - headerLen, nil
}

// WriteFrame encodes f and hands it to the underlying writer in exactly one Write.
// It is not safe for concurrent use.
func (fr *Framer) WriteFrame(f *Frame) error {
	logger := fr.lg

	if len(f.Header) > _maxHeaderLen {
		logger.Error("header too large", zap.Object("frame", f))
		return errors.Errorf("header too large: %d bytes", len(f.Header))
	}
	length := f.Len() - _lengthLen
	if length > _maxFrameLen {
		logger.Error("frame too large", zap.Object("frame", f), zap.Int("max-length", _maxFrameLen))
		return errors.Errorf("frame too large: %d bytes", length)
	}

	b := fr.wbuf[:0]
	b = binary.BigEndian.AppendUint32(b, uint32(length))
	b = append(b, _magic)
	b = binary.BigEndian.AppendUint16(b, f.Op.Code())
	b = append(b, uint8(f.Flags))
	b = binary.BigEndian.AppendUint32(b, f.StreamID)
	headerLen := len(f.Header)
	b = append(b, f.Format.Code(), byte(headerLen>>16), byte(headerLen>>8), byte(headerLen))
	b = append(b, f.Header...)
	b = append(b, f.Payload...)
	var checksum uint32
	if len(f.Payload) > 0 {
		checksum = crc32.ChecksumIEEE(f.Payload)
	}
	b = binary.BigEndian.AppendUint32(b, checksum)
	fr.wbuf = b

	if _, err := fr.w.Write(b); err != nil {
		logger.Error("failed to write frame", zap.Object("frame", f), zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Flush writes any buffered frames to the connection, if the writer is buffered.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return errors.Wrap(bw.Flush(), "flush frames")
	}
	return nil
}
