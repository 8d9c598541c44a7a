// Package server implements an echo target for exercising connection pools,
// with registry announcement and graceful shutdown.
//
// Connection lifecycle:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → read chunk → write it back → until EOF, idle timeout, exchange limit or shutdown
//
// The exchange limit makes the server close connections the way a keep-alive
// server does after N requests, so clients see half-closed pooled sockets.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mini-pool/registry"
)

// registrationTTL is the lease TTL in seconds; the registry renews it.
const registrationTTL = 10

// Server echoes every byte it reads on a connection back to the sender.
type Server struct {
	listener     net.Listener
	wg           sync.WaitGroup // tracks open connections for graceful shutdown
	shutdown     atomic.Bool    // set before the listener is closed so Accept errors are expected
	accepted     atomic.Int64
	maxExchanges int
	idleTimeout  time.Duration
	logger       logrus.FieldLogger

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	registry      registry.Registry
	service       string
	advertiseAddr string // routable address announced in the registry
}

type Option func(*Server)

// WithRegistry announces the server as an instance of service while it
// serves. An empty advertiseAddr announces the listener address.
func WithRegistry(reg registry.Registry, service, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.advertiseAddr = advertiseAddr
	}
}

// WithMaxExchanges closes a connection after n echoes. Zero is unlimited.
func WithMaxExchanges(n int) Option {
	return func(s *Server) { s.maxExchanges = n }
}

// WithIdleTimeout closes a connection that sends nothing for d.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) { s.idleTimeout = d }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Server) { s.logger = logger }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		conns:  make(map[net.Conn]struct{}),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on address and calls Serve.
func (s *Server) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// shutdown and the Accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	if s.shutdown.Load() {
		ln.Close()
		return nil
	}

	if s.registry != nil {
		if s.advertiseAddr == "" {
			s.advertiseAddr = ln.Addr().String()
		}
		inst := registry.ServiceInstance{Addr: s.advertiseAddr, Weight: 1}
		if err := s.registry.Register(context.Background(), s.service, inst, registrationTTL); err != nil {
			ln.Close()
			return fmt.Errorf("register %s: %w", s.service, err)
		}
	}
	s.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "service": s.service}).Info("echo server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.accepted.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// armRead sets the read deadline for the next exchange. It fails once the
// server is shutting down, so a deadline set by Shutdown is never undone.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	var deadline time.Time
	if s.idleTimeout > 0 {
		deadline = time.Now().Add(s.idleTimeout)
	}
	return conn.SetReadDeadline(deadline) == nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	buf := make([]byte, 32*1024)
	for n := 0; s.maxExchanges <= 0 || n < s.maxExchanges; n++ {
		if !s.armRead(conn) {
			return
		}
		k, err := conn.Read(buf)
		if err != nil {
			return
		}
		if _, err := conn.Write(buf[:k]); err != nil {
			return
		}
	}
	s.logger.WithField("remote", conn.RemoteAddr().String()).Debug("exchange limit reached, closing")
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry so clients stop resolving this server
//  2. Set the shutdown flag and close the listener
//  3. Interrupt pending reads; an echo already read is still written back
//  4. Wait for connections to finish, or force them closed when ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	if s.registry != nil && s.advertiseAddr != "" {
		if err := s.registry.Deregister(ctx, s.service, s.advertiseAddr); err != nil {
			s.logger.WithError(err).Warn("deregister failed")
		}
	}

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		<-done
		return fmt.Errorf("timeout waiting for connections to finish: %w", ctx.Err())
	}
}
