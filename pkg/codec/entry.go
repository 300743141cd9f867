package codec

import (
	"bytes"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/AutoMQ/kvcluster/pkg/codec/operation"
	"github.com/AutoMQ/kvcluster/pkg/storage"
)

const (
	_entryKeyField   protowire.Number = 1
	_entryValueField protowire.Number = 2
)

// EntrySize returns the length of AppendEntry's output for e.
func EntrySize(e *storage.Entry) int {
	return protowire.SizeTag(_entryKeyField) + protowire.SizeBytes(len(e.Key)) +
		protowire.SizeTag(_entryValueField) + protowire.SizeBytes(storage.EncodedSize(e.Value))
}

// AppendEntry appends the protobuf wire encoding of e to b.
func AppendEntry(b []byte, e *storage.Entry) []byte {
	b = protowire.AppendTag(b, _entryKeyField, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Key)
	b = protowire.AppendTag(b, _entryValueField, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(storage.EncodedSize(e.Value)))
	return storage.AppendVersioned(b, e.Value)
}

// DecodeEntry parses an entry written by AppendEntry. The returned entry does not alias b.
func DecodeEntry(b []byte) (*storage.Entry, error) {
	e := &storage.Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode entry")
		}
		b = b[n:]

		switch {
		case num == _entryKeyField && typ == protowire.BytesType:
			var key []byte
			key, n = protowire.ConsumeBytes(b)
			e.Key = bytes.Clone(key)
		case num == _entryValueField && typ == protowire.BytesType:
			var raw []byte
			raw, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				v, err := storage.DecodeVersioned(raw)
				if err != nil {
					return nil, errors.WithMessage(err, "decode entry")
				}
				e.Value = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "decode entry")
		}
		b = b[n:]
	}
	return e, nil
}

// FrameWriter is where an EntryWriter sends its frames. *Framer is a FrameWriter.
type FrameWriter interface {
	WriteFrame(f *Frame) error
	Flush() error
}

// EntryWriter writes the entries of a fetch response as frames of one stream.
// It is not safe for concurrent use.
type EntryWriter struct {
	fw       FrameWriter
	streamID uint32
	ended    bool

	lg *zap.Logger
}

// NewEntryWriter returns a writer sending response frames of streamID through fw.
func NewEntryWriter(fw FrameWriter, streamID uint32, lg *zap.Logger) *EntryWriter {
	return &EntryWriter{
		fw:       fw,
		streamID: streamID,
		lg:       lg,
	}
}

// WriteEntry writes one entry as a response frame.
func (w *EntryWriter) WriteEntry(e *storage.Entry) error {
	if w.ended {
		return errors.New("write entry after end of stream")
	}
	buf := mcache.Malloc(0, EntrySize(e))
	defer mcache.Free(buf)
	buf = AppendEntry(buf, e)

	if err := w.fw.WriteFrame(NewEntryFrame(w.streamID, buf)); err != nil {
		return errors.WithMessagef(err, "write entry of stream %d", w.streamID)
	}
	return nil
}

// WriteEnd writes the frame ending the stream and flushes the connection.
func (w *EntryWriter) WriteEnd() error {
	return w.end(nil)
}

// WriteError ends the stream with an error frame. The reader of the stream gets an error carrying cause's message.
func (w *EntryWriter) WriteError(cause error) error {
	return w.end(cause)
}

// end is a no-op once the stream has ended.
func (w *EntryWriter) end(cause error) error {
	if w.ended {
		return nil
	}
	w.ended = true
	if err := w.fw.WriteFrame(NewEndFrame(w.streamID, cause)); err != nil {
		return errors.WithMessagef(err, "write end of stream %d", w.streamID)
	}
	if err := w.fw.Flush(); err != nil {
		return errors.WithMessagef(err, "flush stream %d", w.streamID)
	}
	w.lg.Debug("end of stream written", zap.Uint32("stream-id", w.streamID), zap.Bool("error", cause != nil))
	return nil
}

// ReadEntries reads the frames of one fetch response until its end, calling f for every entry.
// GOAWAY frames are skipped, and so are frames of other streams if streamID is not zero.
// If the stream was ended with an error, the returned error wraps ErrRemote.
func ReadEntries(framer *Framer, streamID uint32, f func(e *storage.Entry) error) error {
	for {
		frame, free, err := framer.ReadFrame()
		if err != nil {
			return errors.WithMessage(err, "read entries")
		}

		if frame.Op == operation.GoAway() || (streamID != 0 && frame.StreamID != streamID) {
			// the server finishes open streams before it closes the connection
			free()
			continue
		}
		if frame.Op != operation.FetchPartitionEntries() || !frame.IsResponse() {
			free()
			return errors.Errorf("unexpected frame: %s of stream %d", frame.Op, frame.StreamID)
		}
		if frame.IsEnd() {
			err := frame.Err()
			free()
			return err
		}

		e, err := DecodeEntry(frame.Payload)
		free()
		if err != nil {
			return err
		}
		if err := f(e); err != nil {
			return err
		}
	}
}
