// Package tcpserver provides a TCP server that drives a connection
// handler over any number of listeners, with optional TLS, deferred
// listener activation and graceful shutdown.
package tcpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/galehq/gale/internal/obs"
)

// ErrServerStopped is returned by Serve after Stop or Shutdown.
var ErrServerStopped = errors.New("tcpserver: server stopped")

// Handler handles one accepted connection. The handler owns the
// connection and must close it. ctx is canceled when the server is
// forcibly closed.
type Handler interface {
	HandleConn(ctx context.Context, c net.Conn)
}

type HandlerFunc func(ctx context.Context, c net.Conn)

func (f HandlerFunc) HandleConn(ctx context.Context, c net.Conn) { f(ctx, c) }

// Server accepts connections on one or more listeners and dispatches
// each to Handler in its own goroutine.
//
// A Server may be used in two modes. Listen starts accepting
// immediately and may be called repeatedly for multiple ports. Bind
// records listeners without accepting; a later Start activates them
// all at once, which keeps setup separate from serving.
type Server struct {
	Handler   Handler
	TLSConfig *tls.Config // if set, accepted connections are TLS server conns

	Logger obs.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	pending   []net.Listener
	conns     map[net.Conn]struct{}
	started   bool
	stopped   bool

	connWG sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) init() {
	if s.listeners == nil {
		s.listeners = make(map[net.Listener]struct{})
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
}

// Listen binds addr and starts accepting immediately. It may be called
// more than once to serve multiple addresses.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.AddListener(ln)
	return nil
}

// Bind binds addr but defers accepting until Start. Binding early and
// starting late lets callers drop privileges or finish setup between
// the two steps. If the server is already started the listener is
// activated immediately.
func (s *Server) Bind(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	started := s.started
	if !started {
		s.pending = append(s.pending, ln)
	}
	s.mu.Unlock()
	if started {
		s.AddListener(ln)
	}
	return nil
}

// Start activates all listeners registered with Bind.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("tcpserver: already started")
	}
	s.started = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ln := range pending {
		s.AddListener(ln)
	}
	return nil
}

// AddListener starts accepting on ln in a new goroutine.
func (s *Server) AddListener(ln net.Listener) {
	s.mu.Lock()
	s.init()
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	go func() { _ = s.Serve(ln) }()
}

// Serve accepts connections on ln until it is closed. Temporary accept
// errors are retried with exponential backoff, the way net/http does.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.init()
	s.started = true
	if s.stopped {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerStopped
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
	}()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return ErrServerStopped
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				s.logf(obs.Warn, "accept error, retrying in %v: %v", delay, err)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		if s.TLSConfig != nil {
			c = tls.Server(c, s.TLSConfig)
		}
		s.trackConn(c, true)
		s.connWG.Add(1)
		go func(c net.Conn) {
			defer s.connWG.Done()
			defer s.trackConn(c, false)
			h := s.Handler
			if h == nil {
				_ = c.Close()
				return
			}
			h.HandleConn(s.ctx, c)
		}(c)
	}
}

// Addrs returns the addresses of all active and pending listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addrs []net.Addr
	for ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	for _, ln := range s.pending {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (s *Server) trackConn(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Stop closes all listeners. Connections already accepted keep running.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.init()
	s.stopped = true
	var first error
	for ln := range s.listeners {
		if err := ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, ln := range s.pending {
		_ = ln.Close()
	}
	s.pending = nil
	s.mu.Unlock()
	return first
}

// Shutdown stops accepting and waits for in-flight handlers to finish
// or for ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting and forcibly closes every open connection.
func (s *Server) Close() error {
	err := s.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) logf(level obs.Level, format string, args ...interface{}) {
	lg := s.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}
