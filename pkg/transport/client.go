package transport

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/codec"
	"github.com/AutoMQ/kvcluster/pkg/codec/operation"
	"github.com/AutoMQ/kvcluster/pkg/storage"
)

// Address is the address of a server, in the format of "host:port"
type Address = string

// Client sends requests to fetch servers. Every request is sent on a new connection,
// which is closed when the request ends.
// It is safe for concurrent use by multiple goroutines.
type Client struct {
	// DialTimeout bounds the connection setup. If zero, only the request context applies.
	DialTimeout time.Duration

	lg *zap.Logger
}

// NewClient creates a client
func NewClient(lg *zap.Logger) *Client {
	return &Client{lg: lg}
}

// FetchEntries sends req to the server at addr and calls f for every entry of the response, in order.
// It returns when the stream ends, f returns an error, or ctx is done.
// If the server ends the stream with an error, the returned error wraps codec.ErrRemote.
func (c *Client) FetchEntries(ctx context.Context, addr Address, req *codec.FetchRequest, f func(e *storage.Entry) error) error {
	logger := c.lg.With(zap.String("address", addr), zap.String("store", req.Store))

	cc, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer cc.close()

	streamID := cc.framer.NextID()
	if err := cc.writeFrame(codec.NewFetchFrame(streamID, req)); err != nil {
		return cc.checkCtx(ctx, err)
	}

	var count int
	err = codec.ReadEntries(cc.framer, streamID, func(e *storage.Entry) error {
		count++
		return f(e)
	})
	if err != nil {
		logger.Warn("fetch entries failed", zap.Int("received", count), zap.Error(err))
		return cc.checkCtx(ctx, err)
	}
	logger.Debug("fetch entries finished", zap.Int("received", count))
	return nil
}

// Ping sends a ping to the server at addr and returns the round-trip time.
func (c *Client) Ping(ctx context.Context, addr Address) (time.Duration, error) {
	cc, err := c.dial(ctx, addr)
	if err != nil {
		return 0, err
	}
	defer cc.close()

	start := time.Now()
	payload := []byte(start.Format(time.RFC3339Nano))
	streamID := cc.framer.NextID()
	if err := cc.writeFrame(codec.NewPing(streamID, payload)); err != nil {
		return 0, cc.checkCtx(ctx, err)
	}

	for {
		f, free, err := cc.framer.ReadFrame()
		if err != nil {
			return 0, cc.checkCtx(ctx, errors.WithMessage(err, "read pong"))
		}
		if f.Op != operation.Ping() || f.StreamID != streamID {
			// GOAWAY or a frame of another stream
			free()
			continue
		}
		match := f.IsResponse() && bytes.Equal(f.Payload, payload)
		free()
		if !match {
			return 0, errors.Errorf("unexpected pong of stream %d", streamID)
		}
		return time.Since(start), nil
	}
}

type clientConn struct {
	rwc    net.Conn
	framer *codec.Framer
	stop   func() bool
}

func (c *Client) dial(ctx context.Context, addr Address) (*clientConn, error) {
	d := net.Dialer{Timeout: c.DialTimeout}
	rwc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	cc := &clientConn{
		rwc:    rwc,
		framer: codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), c.lg),
	}
	// interrupt blocked reads and writes once ctx is done
	cc.stop = context.AfterFunc(ctx, func() { _ = rwc.Close() })
	return cc, nil
}

func (cc *clientConn) writeFrame(f *codec.Frame) error {
	if err := cc.framer.WriteFrame(f); err != nil {
		return errors.WithMessage(err, "write request")
	}
	return errors.WithMessage(cc.framer.Flush(), "flush request")
}

// checkCtx replaces err with the context's error if the failure was caused by ctx.
func (cc *clientConn) checkCtx(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return errors.Wrap(ctxErr, "request canceled")
	}
	return err
}

func (cc *clientConn) close() {
	cc.stop()
	_ = cc.rwc.Close()
}
