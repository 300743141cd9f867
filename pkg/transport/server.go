package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/kvcluster/pkg/codec"
)

// ErrServerClosed is returned by the Server's Serve method after a call to Shutdown.
var ErrServerClosed = errors.New("Server closed")

// Handler serves fetch requests
type Handler interface {
	// FetchEntries writes the entries requested by req into w.
	// If it returns an error, the stream is ended with that error. Otherwise, the stream is ended normally
	// if the handler did not end it.
	FetchEntries(ctx context.Context, req *codec.FetchRequest, w *codec.EntryWriter) error
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, req *codec.FetchRequest, w *codec.EntryWriter) error

// FetchEntries calls f(ctx, req, w).
func (f HandlerFunc) FetchEntries(ctx context.Context, req *codec.FetchRequest, w *codec.EntryWriter) error {
	return f(ctx, req, w)
}

// Server serves fetch streams over connections carrying codec frames.
type Server struct {
	shuttingDown atomic.Bool
	handler      Handler

	ctx context.Context
	lg  *zap.Logger

	mu          sync.Mutex
	listeners   map[*net.Listener]struct{}
	activeConns map[*conn]struct{}
	doneChan    chan struct{}

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
}

// NewServer creates a server
func NewServer(ctx context.Context, handler Handler, logger *zap.Logger) *Server {
	return &Server{
		ctx:     ctx,
		handler: handler,
		lg:      logger,
	}
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each. The service goroutines read requests and
// then call s.handler to reply to them.
//
// Serve always returns a non-nil error and closes l.
// After Shutdown, the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer func() { _ = l.Close() }()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.lg
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		c := s.newConn(rw)
		if !s.trackConn(c, true) {
			_ = rw.Close()
			return ErrServerClosed
		}
		go func() {
			c.serve()
			c.server.trackConn(c, false)
		}()
	}
}

// Shutdown gracefully shuts down the server without interrupting any
// active streams. Shutdown works by first closing all open
// listeners, then sending GOAWAY on every connection and waiting for its streams to end.
// If the provided context expires before the shutdown is complete,
// the remaining streams are canceled and Shutdown returns the context's error.
// Otherwise, it returns any error returned from closing the Server's underlying Listener(s).
//
// Once Shutdown has been called on a server, it may not be reused;
// future calls to Serve will return ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if s.shuttingDown.Swap(true) {
		logger.Warn("server is already shutting down")
		return nil
	}

	logger.Info("start to close fetch server")
	s.mu.Lock()
	// close listeners
	err := s.closeListenersLocked()
	// notify server to break serve loop
	s.closeDoneChanLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	// notify connections to stop reading
	s.startGracefulShutdown()

	c := make(chan struct{})
	go func() {
		defer close(c)
		s.connGroup.Wait()
	}()
	select {
	case <-c:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancelConns()
		<-c
	}

	logger.Info("fetch server closed", zap.Error(err))
	return err
}

func (s *Server) newConn(rwc net.Conn) *conn {
	logger := s.lg.With(zap.String("remote-addr", rwc.RemoteAddr().String()))
	c := &conn{
		server: s,
		rwc:    rwc,
		framer: codec.NewFramer(bufio.NewWriter(rwc), bufio.NewReader(rwc), logger),
		lg:     logger,
	}
	c.ctx, c.cancelCtx = context.WithCancel(s.ctx)
	return c
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// We store a pointer to interface in the map set, in case the
// net.Listener is not comparable. This is safe because we only call
// trackListener via Serve and can track+defer untrack the same
// pointer to local variable there. We never need to compare a
// Listener from another caller.
//
// It reports whether the server is still up (not Shutdown).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	logger := s.lg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.isShuttingDown() {
			return false
		}
		logger.Info("add listener", zap.String("addr", (*ln).Addr().String()))
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		logger.Info("delete listener", zap.String("addr", (*ln).Addr().String()))
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

// trackConn adds or removes a connection. It reports false if a connection is added after Shutdown.
func (s *Server) trackConn(c *conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConns == nil {
		s.activeConns = make(map[*conn]struct{})
	}
	if add {
		if s.isShuttingDown() {
			return false
		}
		c.lg.Debug("add conn")
		s.activeConns[c] = struct{}{}
		s.connGroup.Add(1)
	} else {
		c.lg.Debug("delete conn")
		delete(s.activeConns, c)
		s.connGroup.Done()
	}
	return true
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by s.mu.
		close(ch)
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) startGracefulShutdown() {
	s.mu.Lock()
	for c := range s.activeConns {
		c.startGracefulShutdown()
	}
	s.mu.Unlock()
}

func (s *Server) cancelConns() {
	s.mu.Lock()
	for c := range s.activeConns {
		c.cancelCtx()
	}
	s.mu.Unlock()
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
