// Package transport defines the connection collaborators the pool consumes
// but does not own: the connection handle, the factory that materializes
// handles, and the operator that opens sockets and negotiates TLS on them.
//
// The pool only relies on a handle reporting IsOpen/IsStale truthfully and
// supporting the Close/Shutdown pair:
//
//	Close     graceful: flush and close the socket
//	Shutdown  immediate: drop the socket with no linger, used on abort
//
// A handle is created unbound by a Factory and bound to a socket by the
// Operator, so a pool entry can exist before any I/O has happened.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotBound is returned by I/O on a handle that has no socket yet.
var ErrNotBound = errors.New("connection is not bound to a socket")

// Conn is a single physical transport connection.
type Conn interface {
	io.ReadWriter

	// Close closes the connection gracefully.
	Close() error
	// Shutdown closes the connection immediately.
	Shutdown() error
	// IsOpen reports whether the connection is bound and not closed.
	IsOpen() bool
	// IsStale reports whether the peer has closed or the socket broke
	// while the connection sat idle.
	IsStale() bool

	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// Bind attaches an established socket, replacing any previous one
	// (TLS upgrade rebinds over the same socket).
	Bind(raw net.Conn)
	// Raw returns the bound socket, or nil.
	Raw() net.Conn
}

// ConnConfig carries per-connection settings opaque to the pool.
type ConnConfig struct {
	BufferSize int
}

// DefaultConnConfig returns an 8KiB read buffer.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{BufferSize: 8 * 1024}
}

// NetConn is the Conn implementation over a net.Conn.
type NetConn struct {
	mu   sync.Mutex
	raw  net.Conn
	br   *bufio.Reader
	open atomic.Bool
	cfg  ConnConfig

	soTimeout time.Duration
}

// NewNetConn returns an unbound connection.
func NewNetConn(cfg ConnConfig) *NetConn {
	if cfg.BufferSize <= 0 {
		cfg = DefaultConnConfig()
	}
	return &NetConn{cfg: cfg}
}

// Bind implements Conn.
func (c *NetConn) Bind(raw net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = raw
	c.br = bufio.NewReaderSize(raw, c.cfg.BufferSize)
	c.open.Store(true)
}

// Raw implements Conn.
func (c *NetConn) Raw() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// SetSocketTimeout sets the read timeout applied by every Read.
func (c *NetConn) SetSocketTimeout(d time.Duration) {
	c.mu.Lock()
	c.soTimeout = d
	c.mu.Unlock()
}

func (c *NetConn) bound() (net.Conn, *bufio.Reader, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.raw == nil {
		return nil, nil, 0, ErrNotBound
	}
	if !c.open.Load() {
		return nil, nil, 0, net.ErrClosed
	}
	return c.raw, c.br, c.soTimeout, nil
}

func (c *NetConn) Read(p []byte) (int, error) {
	raw, br, so, err := c.bound()
	if err != nil {
		return 0, err
	}
	if so > 0 {
		if err := raw.SetReadDeadline(time.Now().Add(so)); err != nil {
			return 0, err
		}
	}
	return br.Read(p)
}

func (c *NetConn) Write(p []byte) (int, error) {
	raw, _, _, err := c.bound()
	if err != nil {
		return 0, err
	}
	return raw.Write(p)
}

// Close implements Conn.
func (c *NetConn) Close() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	return raw.Close()
}

// Shutdown implements Conn. Pending data is discarded.
func (c *NetConn) Shutdown() error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}
	c.mu.Lock()
	raw := c.raw
	c.mu.Unlock()
	if tcp, ok := underlyingTCP(raw); ok {
		_ = tcp.SetLinger(0)
	}
	return raw.Close()
}

// IsOpen implements Conn.
func (c *NetConn) IsOpen() bool {
	return c.open.Load()
}

// IsStale implements Conn by peeking one byte with a short deadline. Data
// that arrives is kept in the read buffer.
func (c *NetConn) IsStale() bool {
	raw, br, _, err := c.bound()
	if err != nil {
		return true
	}
	if br.Buffered() > 0 {
		return false
	}
	if err := raw.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	defer raw.SetReadDeadline(time.Time{})

	_, err = br.Peek(1)
	if err == nil {
		return false
	}
	return !errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *NetConn) SetDeadline(t time.Time) error {
	raw, _, _, err := c.bound()
	if err != nil {
		return err
	}
	return raw.SetDeadline(t)
}

func (c *NetConn) LocalAddr() net.Addr {
	if raw := c.Raw(); raw != nil {
		return raw.LocalAddr()
	}
	return nil
}

func (c *NetConn) RemoteAddr() net.Addr {
	if raw := c.Raw(); raw != nil {
		return raw.RemoteAddr()
	}
	return nil
}

func underlyingTCP(raw net.Conn) (*net.TCPConn, bool) {
	type netConner interface{ NetConn() net.Conn }
	for raw != nil {
		if tcp, ok := raw.(*net.TCPConn); ok {
			return tcp, true
		}
		nc, ok := raw.(netConner)
		if !ok {
			return nil, false
		}
		raw = nc.NetConn()
	}
	return nil, false
}
