package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AutoMQ/kvcluster/pkg/codec"
	"github.com/AutoMQ/kvcluster/pkg/codec/operation"
	"github.com/AutoMQ/kvcluster/pkg/util/logutil"
)

// conn is the state of a connection between server and client.
// Frames are read by the serve goroutine only. Every stream is served by its own goroutine,
// and frames written by them are serialized by wmu.
type conn struct {
	// Immutable:
	server *Server
	rwc    net.Conn

	ctx       context.Context
	cancelCtx context.CancelFunc

	// wmu is held while writing.
	wmu    sync.Mutex
	framer *codec.Framer

	maxClientStreamID atomic.Uint32 // max ever seen from client, or 0 if there have been no client requests
	inGoAway          atomic.Bool   // we've started to or sent GOAWAY
	streams           sync.WaitGroup

	// Used by startGracefulShutdown.
	shutdownOnce sync.Once

	lg *zap.Logger
}

func (c *conn) serve() {
	logger := c.lg
	defer logutil.LogPanic(logger)
	defer c.close()

	logger.Info("start to serve connection")
	// interrupt blocked reads and writes once the connection is canceled
	context.AfterFunc(c.ctx, func() { _ = c.rwc.Close() })

	for {
		f, free, err := c.framer.ReadFrame()
		if err != nil {
			if c.inGoAway.Load() {
				// we stopped reading on purpose
				return
			}
			if !clientGone(err) {
				logger.Error("failed to read frame from client connection", zap.Error(err))
			}
			// nobody is reading the responses
			c.cancelCtx()
			return
		}
		if ce := logger.Check(zapcore.DebugLevel, "server read frame"); ce != nil {
			ce.Write(zap.Object("frame", f))
		}

		err = c.processFrame(f)
		if free != nil {
			free()
		}
		if err != nil {
			logger.Error("failed to process frame", zap.Error(err))
			c.goAway(false)
			return
		}
		if c.inGoAway.Load() {
			return
		}
	}
}

func clientGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func (c *conn) processFrame(f *codec.Frame) error {
	logger := c.lg

	// Discard frames for streams initiated after the identified last stream sent in a GOAWAY
	if c.inGoAway.Load() && f.StreamID > c.maxClientStreamID.Load() {
		logger.Warn("server ignoring frame for stream initiated after GOAWAY", zap.Object("frame", f))
		return nil
	}

	// ignore response frames
	if f.IsResponse() {
		if f.Op != operation.GoAway() {
			logger.Warn("server ignoring response frame", zap.Object("frame", f))
		}
		return nil
	}

	if f.StreamID <= c.maxClientStreamID.Load() {
		logger.Error("server received a frame with an ID that has decreased", zap.Object("frame", f))
		return errors.New("decreased stream ID")
	}
	c.maxClientStreamID.Store(f.StreamID)

	if !f.Op.IsControl() {
		return c.processRequest(f)
	}
	switch f.Op {
	case operation.Ping():
		return c.processPing(f)
	case operation.GoAway():
		return c.processGoAway(f)
	default:
		logger.Warn("server ignoring unknown control frame", zap.Object("frame", f))
		return nil
	}
}

func (c *conn) processPing(f *codec.Frame) error {
	pong, free := codec.NewPong(f)
	defer free()
	if err := c.WriteFrame(pong); err != nil {
		return err
	}
	return c.Flush()
}

func (c *conn) processGoAway(f *codec.Frame) error {
	c.lg.Info("received GOAWAY frame, starting graceful shutdown", zap.Uint32("max-stream-id", f.StreamID))
	c.goAway(true)
	return nil
}

func (c *conn) processRequest(f *codec.Frame) error {
	logger := c.lg.With(zap.Uint32("stream-id", f.StreamID))

	if f.Op != operation.FetchPartitionEntries() {
		logger.Warn("server received a request of unsupported operation", zap.Object("frame", f))
		return c.writeError(f.StreamID, errors.Errorf("unsupported operation %s", f.Op))
	}
	req, err := codec.DecodeFetchRequest(f.Header)
	if err != nil {
		logger.Warn("server received a malformed fetch request", zap.Error(err))
		return c.writeError(f.StreamID, err)
	}

	c.streams.Add(1)
	go c.runHandler(req, codec.NewEntryWriter(c, f.StreamID, logger), logger)
	return nil
}

func (c *conn) writeError(streamID uint32, cause error) error {
	if err := c.WriteFrame(codec.NewEndFrame(streamID, cause)); err != nil {
		return err
	}
	return c.Flush()
}

func (c *conn) runHandler(req *codec.FetchRequest, w *codec.EntryWriter, logger *zap.Logger) {
	defer c.streams.Done()

	err := c.callHandler(req, w, logger)
	if err != nil {
		logger.Warn("fetch request failed", zap.String("store", req.Store), zap.Error(err))
		if werr := w.WriteError(err); werr != nil {
			logger.Error("failed to end stream with error", zap.Error(werr))
		}
		return
	}
	if err := w.WriteEnd(); err != nil {
		logger.Error("failed to end stream", zap.Error(err))
	}
}

func (c *conn) callHandler(req *codec.FetchRequest, w *codec.EntryWriter, logger *zap.Logger) (err error) {
	defer func() {
		if e := recover(); e != nil {
			logger.Error("panic serving", zap.Reflect("panic", e), zap.Stack("stack"))
			err = errors.New("handler panic")
		}
	}()
	return c.server.handler.FetchEntries(c.ctx, req, w)
}

// WriteFrame implements codec.FrameWriter. It is safe for concurrent use.
func (c *conn) WriteFrame(f *codec.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.framer.WriteFrame(f)
}

// Flush implements codec.FrameWriter. It is safe for concurrent use.
func (c *conn) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.framer.Flush()
}

// close waits for the running streams before closing the connection.
func (c *conn) close() {
	logger := c.lg
	c.streams.Wait()
	c.cancelCtx()
	_ = c.rwc.Close()
	logger.Info("connection closed")
}

// goAway tells the client that no more streams are accepted on this connection.
// Streams initiated before it keep being served.
func (c *conn) goAway(isResponse bool) {
	if c.inGoAway.Swap(true) {
		return
	}
	c.writeGoAway(isResponse)
}

func (c *conn) writeGoAway(isResponse bool) {
	if err := c.WriteFrame(codec.NewGoAway(c.maxClientStreamID.Load(), isResponse)); err == nil {
		_ = c.Flush()
	}
}

// startGracefulShutdown sends GOAWAY and stops reading frames from the client.
// The connection isn't closed until all current streams are done.
//
// startGracefulShutdown returns immediately; it does not wait until
// the connection has shutdown.
func (c *conn) startGracefulShutdown() {
	c.shutdownOnce.Do(func() {
		c.lg.Info("start to shut down gracefully")
		if !c.inGoAway.Swap(true) {
			// the write may wait for running streams
			go c.writeGoAway(false)
		}
		// unblock the serve goroutine
		_ = c.rwc.SetReadDeadline(time.Now())
	})
}
